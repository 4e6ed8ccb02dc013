package config

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/lending"
	"lendchain/token"
)

// Genesis describes the market a fresh node bootstraps with.
type Genesis struct {
	Market   GenesisMarket    `toml:"market"`
	Reserves []GenesisReserve `toml:"reserve"`
}

// GenesisMarket seeds the lending market record.
type GenesisMarket struct {
	Key           string `toml:"Key"`
	Owner         string `toml:"Owner"`
	RiskCouncil   string `toml:"RiskCouncil"`
	QuoteCurrency string `toml:"QuoteCurrency"`

	ReferralFeeBps          uint16 `toml:"ReferralFeeBps"`
	MinFullLiquidationValue uint64 `toml:"MinFullLiquidationValue"`
	AutodeleverageEnabled   bool   `toml:"AutodeleverageEnabled"`
}

// GenesisReserve seeds one reserve. Prices are decimal strings in the quote
// currency; the bootstrap publishes them on a push feed so the first
// refresh succeeds.
type GenesisReserve struct {
	Key      string `toml:"Key"`
	Mint     string `toml:"Mint"`
	Decimals uint8  `toml:"Decimals"`
	Price    string `toml:"Price"`

	LoanToValueBps          uint16 `toml:"LoanToValueBps"`
	LiquidationThresholdBps uint16 `toml:"LiquidationThresholdBps"`
	MinLiquidationBonusBps  uint16 `toml:"MinLiquidationBonusBps"`
	MaxLiquidationBonusBps  uint16 `toml:"MaxLiquidationBonusBps"`
	BorrowFactorBps         uint16 `toml:"BorrowFactorBps"`

	DepositLimit        uint64 `toml:"DepositLimit"`
	BorrowLimit         uint64 `toml:"BorrowLimit"`
	UtilizationCapBps   uint16 `toml:"UtilizationCapBps"`
	ProtocolTakeRateBps uint16 `toml:"ProtocolTakeRateBps"`
	OriginationFeeBps   uint16 `toml:"OriginationFeeBps"`
	FlashLoanFeeBps     uint16 `toml:"FlashLoanFeeBps"`

	ExtendedTokenProgram bool `toml:"ExtendedTokenProgram"`
}

// LoadGenesis reads and decodes a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: genesis file %s: %w", path, err)
	}
	gen := &Genesis{}
	if _, err := toml.DecodeFile(path, gen); err != nil {
		return nil, fmt.Errorf("config: decode genesis %s: %w", path, err)
	}
	return gen, nil
}

func leU16(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

func leU64(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func parseKey(field, value string) (crypto.Pubkey, error) {
	key, err := crypto.ParsePubkey(value)
	if err != nil {
		return crypto.Pubkey{}, fmt.Errorf("config: genesis %s: %w", field, err)
	}
	return key, nil
}

// Apply bootstraps the market and its reserves through the engine. Prices
// from the genesis file are published on feeds so every reserve can be
// refreshed immediately afterwards.
func (g *Genesis) Apply(engine *lending.Engine, feeds *lending.FeedDirectory, now int64) error {
	marketKey, err := parseKey("market key", g.Market.Key)
	if err != nil {
		return err
	}
	owner, err := parseKey("market owner", g.Market.Owner)
	if err != nil {
		return err
	}

	var quote [32]byte
	copy(quote[:], g.Market.QuoteCurrency)
	if _, err := engine.InitLendingMarket(marketKey, owner, quote); err != nil {
		return err
	}

	update := func(mode uint64, value []byte) error {
		return engine.UpdateLendingMarket(marketKey, owner, mode, value)
	}
	if g.Market.RiskCouncil != "" {
		council, err := parseKey("risk council", g.Market.RiskCouncil)
		if err != nil {
			return err
		}
		if err := update(lending.MarketUpdateRiskCouncil, council.Bytes()); err != nil {
			return err
		}
	}
	if g.Market.ReferralFeeBps != 0 {
		if err := update(lending.MarketUpdateReferralFeeBps, leU16(g.Market.ReferralFeeBps)); err != nil {
			return err
		}
	}
	if g.Market.MinFullLiquidationValue != 0 {
		if err := update(lending.MarketUpdateMinFullLiquidationValue, leU64(g.Market.MinFullLiquidationValue)); err != nil {
			return err
		}
	}
	if g.Market.AutodeleverageEnabled {
		if err := update(lending.MarketUpdateAutodeleverageEnabled, []byte{1}); err != nil {
			return err
		}
	}

	for i := range g.Reserves {
		r := &g.Reserves[i]
		reserveKey, err := parseKey("reserve key", r.Key)
		if err != nil {
			return err
		}
		mint, err := parseKey("reserve mint", r.Mint)
		if err != nil {
			return err
		}

		cfg := lending.DefaultReserveConfig()
		cfg.LoanToValueBps = r.LoanToValueBps
		cfg.LiquidationThresholdBps = r.LiquidationThresholdBps
		if r.MinLiquidationBonusBps != 0 {
			cfg.MinLiquidationBonusBps = r.MinLiquidationBonusBps
		}
		if r.MaxLiquidationBonusBps != 0 {
			cfg.MaxLiquidationBonusBps = r.MaxLiquidationBonusBps
		}
		if r.BorrowFactorBps != 0 {
			cfg.BorrowFactorBps = r.BorrowFactorBps
		}
		cfg.DepositLimit = r.DepositLimit
		cfg.BorrowLimit = r.BorrowLimit
		cfg.UtilizationCapBps = r.UtilizationCapBps
		if r.ProtocolTakeRateBps != 0 {
			cfg.ProtocolTakeRateBps = r.ProtocolTakeRateBps
		}
		cfg.Fees.OriginationFeeBps = r.OriginationFeeBps
		cfg.Fees.FlashLoanFeeBps = r.FlashLoanFeeBps
		if r.ExtendedTokenProgram {
			cfg.TokenProgram = token.KindExtended
		}

		if _, err := engine.InitReserve(marketKey, reserveKey, owner, mint, cfg); err != nil {
			return err
		}

		var price fixedpoint.Dec
		if err := price.UnmarshalText([]byte(r.Price)); err != nil {
			return fmt.Errorf("config: genesis price for %s: %w", r.Key, err)
		}
		feed := lending.NewPushFeed("genesis/" + r.Key)
		feed.Publish(price, fixedpoint.Zero(), now)
		feeds.Register(mint, feed)

		if _, err := engine.RefreshReserve(reserveKey); err != nil {
			return err
		}
	}
	return nil
}
