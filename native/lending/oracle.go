package lending

import (
	"sync"

	"lendchain/crypto"
	"lendchain/fixedpoint"
)

// Observation is a single price sample as read from an adapter's account
// layout: price with a confidence band and the publish timestamp.
type Observation struct {
	Price       fixedpoint.Dec
	Confidence  fixedpoint.Dec
	PublishedAt int64
}

// OracleAdapter extracts the current observation from one configured feed.
type OracleAdapter interface {
	Observe() (Observation, error)
	Source() string
}

// OracleConfig is the per-reserve validation policy applied when collapsing
// up to three adapters into a single trusted price.
type OracleConfig struct {
	// MaxAgeSeconds rejects observations older than this.
	MaxAgeSeconds int64 `json:"maxAgeSeconds"`
	// MaxConfidenceBps rejects observations whose confidence band exceeds
	// this fraction of the price.
	MaxConfidenceBps uint16 `json:"maxConfidenceBps"`
	// MaxDeviationBps bounds the pairwise deviation between surviving
	// feeds.
	MaxDeviationBps uint16 `json:"maxDeviationBps"`
}

// Validate rejects unusable policies.
func (c OracleConfig) Validate() error {
	if c.MaxAgeSeconds <= 0 {
		return ErrInvalidOracleConfig
	}
	if c.MaxConfidenceBps == 0 || c.MaxDeviationBps == 0 {
		return ErrInvalidOracleConfig
	}
	return nil
}

// AggregatePrice collapses the configured adapters into one validated
// (price, timestamp) pair:
//
//  1. extract price and confidence from each adapter;
//  2. drop feeds older than MaxAgeSeconds or with confidence wider than
//     MaxConfidenceBps of the price;
//  3. require at least one survivor;
//  4. with multiple survivors, require pairwise deviation below
//     MaxDeviationBps and take the most recent.
func AggregatePrice(cfg OracleConfig, now int64, adapters ...OracleAdapter) (fixedpoint.Dec, int64, error) {
	if err := cfg.Validate(); err != nil {
		return fixedpoint.Dec{}, 0, err
	}
	if len(adapters) == 0 || len(adapters) > 3 {
		return fixedpoint.Dec{}, 0, ErrInvalidOracleConfig
	}

	type survivor struct {
		price fixedpoint.Dec
		ts    int64
	}
	var (
		survivors []survivor
		sawStale  bool
		sawWide   bool
	)
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		obs, err := adapter.Observe()
		if err != nil {
			continue
		}
		if obs.Price.IsZero() {
			continue
		}
		if now-obs.PublishedAt > cfg.MaxAgeSeconds {
			sawStale = true
			continue
		}
		maxConfidence, err := obs.Price.Mul(fixedpoint.FromBps(uint64(cfg.MaxConfidenceBps)))
		if err != nil {
			return fixedpoint.Dec{}, 0, mathErr(err)
		}
		if obs.Confidence.GT(maxConfidence) {
			sawWide = true
			continue
		}
		survivors = append(survivors, survivor{price: obs.Price, ts: obs.PublishedAt})
	}

	if len(survivors) == 0 {
		switch {
		case sawStale:
			return fixedpoint.Dec{}, 0, ErrOracleStale
		case sawWide:
			return fixedpoint.Dec{}, 0, ErrPriceConfidenceTooWide
		default:
			return fixedpoint.Dec{}, 0, ErrNoValidPriceSource
		}
	}

	maxDeviation := fixedpoint.FromBps(uint64(cfg.MaxDeviationBps))
	best := survivors[0]
	for i := 0; i < len(survivors); i++ {
		for j := i + 1; j < len(survivors); j++ {
			hi, lo := survivors[i].price, survivors[j].price
			if lo.GT(hi) {
				hi, lo = lo, hi
			}
			diff, err := hi.SubChecked(lo)
			if err != nil {
				return fixedpoint.Dec{}, 0, mathErr(err)
			}
			ratio, err := diff.Div(lo)
			if err != nil {
				return fixedpoint.Dec{}, 0, mathErr(err)
			}
			if ratio.GT(maxDeviation) {
				return fixedpoint.Dec{}, 0, ErrPriceDeviationTooLarge
			}
		}
		if survivors[i].ts > best.ts {
			best = survivors[i]
		}
	}
	return best.price, best.ts, nil
}

// PushFeed is a settable adapter mirroring a push-style oracle account. It
// doubles as the manual override path during incident response.
type PushFeed struct {
	mu   sync.RWMutex
	name string
	obs  Observation
	set  bool
}

// NewPushFeed returns an empty feed under the given source name.
func NewPushFeed(name string) *PushFeed {
	return &PushFeed{name: name}
}

// Publish stores a new observation.
func (f *PushFeed) Publish(price, confidence fixedpoint.Dec, publishedAt int64) {
	f.mu.Lock()
	f.obs = Observation{Price: price, Confidence: confidence, PublishedAt: publishedAt}
	f.set = true
	f.mu.Unlock()
}

// Observe implements OracleAdapter.
func (f *PushFeed) Observe() (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return Observation{}, ErrNoValidPriceSource
	}
	return f.obs, nil
}

// Source implements OracleAdapter.
func (f *PushFeed) Source() string { return f.name }

// TwapFeed keeps a bounded sample window and reports the arithmetic mean,
// stamped with the newest sample's publish time.
type TwapFeed struct {
	mu      sync.RWMutex
	name    string
	samples []Observation
	cap     int
}

// NewTwapFeed returns a feed retaining up to cap samples.
func NewTwapFeed(name string, cap int) *TwapFeed {
	if cap <= 0 {
		cap = 32
	}
	return &TwapFeed{name: name, cap: cap}
}

// Record appends a sample, evicting the oldest beyond the cap.
func (f *TwapFeed) Record(price, confidence fixedpoint.Dec, publishedAt int64) {
	f.mu.Lock()
	f.samples = append(f.samples, Observation{Price: price, Confidence: confidence, PublishedAt: publishedAt})
	if len(f.samples) > f.cap {
		f.samples = append([]Observation(nil), f.samples[len(f.samples)-f.cap:]...)
	}
	f.mu.Unlock()
}

// Observe implements OracleAdapter.
func (f *TwapFeed) Observe() (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.samples) == 0 {
		return Observation{}, ErrNoValidPriceSource
	}
	sum := fixedpoint.Zero()
	conf := fixedpoint.Zero()
	newest := f.samples[0].PublishedAt
	var err error
	for _, s := range f.samples {
		if sum, err = sum.Add(s.Price); err != nil {
			return Observation{}, mathErr(err)
		}
		if s.Confidence.GT(conf) {
			conf = s.Confidence
		}
		if s.PublishedAt > newest {
			newest = s.PublishedAt
		}
	}
	avg, err := sum.DivInt(uint64(len(f.samples)))
	if err != nil {
		return Observation{}, mathErr(err)
	}
	return Observation{Price: avg, Confidence: conf, PublishedAt: newest}, nil
}

// Source implements OracleAdapter.
func (f *TwapFeed) Source() string { return f.name }

// ScopedFeed serves many assets from one account, keyed by liquidity mint.
type ScopedFeed struct {
	mu     sync.RWMutex
	name   string
	byMint map[crypto.Pubkey]Observation
}

// NewScopedFeed returns an empty multi-asset feed.
func NewScopedFeed(name string) *ScopedFeed {
	return &ScopedFeed{name: name, byMint: make(map[crypto.Pubkey]Observation)}
}

// Publish stores the observation for one mint.
func (f *ScopedFeed) Publish(mint crypto.Pubkey, price, confidence fixedpoint.Dec, publishedAt int64) {
	f.mu.Lock()
	f.byMint[mint] = Observation{Price: price, Confidence: confidence, PublishedAt: publishedAt}
	f.mu.Unlock()
}

// For narrows the feed to a single mint, yielding an OracleAdapter.
func (f *ScopedFeed) For(mint crypto.Pubkey) OracleAdapter {
	return scopedView{feed: f, mint: mint}
}

type scopedView struct {
	feed *ScopedFeed
	mint crypto.Pubkey
}

func (v scopedView) Observe() (Observation, error) {
	v.feed.mu.RLock()
	defer v.feed.mu.RUnlock()
	obs, ok := v.feed.byMint[v.mint]
	if !ok {
		return Observation{}, ErrNoValidPriceSource
	}
	return obs, nil
}

func (v scopedView) Source() string { return v.feed.name + "/" + v.mint.String() }
