package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendchain/config"
	"lendchain/core/state"
	"lendchain/core/types"
	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/lending"
	"lendchain/observability/logging"
	"lendchain/observability/metrics"
	"lendchain/storage"
	"lendchain/token"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a market genesis TOML file (overrides config GenesisFile)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LENDCHAIN_ENV"))
	logger := logging.Setup("lendchaind", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)
	genesisPath := cfg.GenesisFile
	if strings.TrimSpace(*genesisFlag) != "" {
		genesisPath = *genesisFlag
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := state.NewStore(db)
	ledger := token.NewLedger()
	registry := token.NewRegistry(ledger, ledger)
	feeds := lending.NewFeedDirectory()

	gen, err := config.LoadGenesis(genesisPath)
	if err != nil {
		logger.Error("Failed to load genesis", slog.Any("error", err))
		os.Exit(1)
	}
	marketKey, err := crypto.ParsePubkey(gen.Market.Key)
	if err != nil {
		logger.Error("Invalid market key in genesis", slog.Any("error", err))
		os.Exit(1)
	}
	reserveKeys := make([]crypto.Pubkey, 0, len(gen.Reserves))
	mints := make([]crypto.Pubkey, 0, len(gen.Reserves))
	for i := range gen.Reserves {
		key, err := crypto.ParsePubkey(gen.Reserves[i].Key)
		if err != nil {
			logger.Error("Invalid reserve key in genesis", slog.Any("error", err))
			os.Exit(1)
		}
		mint, err := crypto.ParsePubkey(gen.Reserves[i].Mint)
		if err != nil {
			logger.Error("Invalid reserve mint in genesis", slog.Any("error", err))
			os.Exit(1)
		}
		reserveKeys = append(reserveKeys, key)
		mints = append(mints, mint)
	}
	// The token ledger is in-memory; recreate the liquidity mints every
	// start so deposits can settle against them.
	for i, mint := range mints {
		if err := ledger.CreateMint(mint, crypto.DeriveMarketAuthority(marketKey), gen.Reserves[i].Decimals); err != nil {
			logger.Error("Failed to create liquidity mint", slog.Any("error", err))
			os.Exit(1)
		}
	}

	slot := uint64(1)
	now := time.Now().Unix()
	existing, err := store.LendingMarket(marketKey)
	if err != nil {
		logger.Error("Failed to read market state", slog.Any("error", err))
		os.Exit(1)
	}
	if existing == nil {
		engine := lending.NewEngine(store, registry, feeds)
		engine.SetClock(slot, now)
		engine.SetLogger(logger)
		if err := gen.Apply(engine, feeds, now); err != nil {
			logger.Error("Failed to apply genesis", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Market bootstrapped",
			slog.String("market", marketKey.String()),
			slog.Int("reserves", len(reserveKeys)))
	} else {
		// Re-register genesis feeds so refreshes keep a price source after
		// a restart.
		republishGenesisFeeds(gen, feeds, now)
		logger.Info("Market loaded", slog.String("market", marketKey.String()))
	}

	lendingMetrics := metrics.Lending()
	processor := lending.NewProcessor(func() lending.TxState {
		return state.NewOverlay(store)
	}, registry, feeds)
	processor.SetMetrics(lendingMetrics)
	processor.SetLogger(logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()
	logger.Info("Metrics listening", slog.String("address", cfg.MetricsAddress))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Duration(cfg.SlotDurationMillis) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logger.Info("Shutting down")
			metricsServer.Close()
			return
		case <-ticker.C:
			slot++
			now = time.Now().Unix()
			refreshReserves(logger, processor, store, lendingMetrics, reserveKeys, slot, now)
		}
	}
}

// refreshReserves accrues interest on every reserve for the new slot and
// republishes the interest-model gauges.
func refreshReserves(logger *slog.Logger, processor *lending.Processor, store *state.Store, m *metrics.LendingMetrics, reserveKeys []crypto.Pubkey, slot uint64, now int64) {
	instructions := make([]types.Instruction, 0, len(reserveKeys))
	for _, key := range reserveKeys {
		instructions = append(instructions, types.Instruction{
			Discriminator: lending.DiscriminatorFor(lending.OpRefreshReserve),
			Accounts:      []types.AccountMeta{types.WritableMeta(key)},
		})
	}
	err := processor.ExecuteTransaction(&types.Transaction{
		Slot:         slot,
		UnixTime:     now,
		Instructions: instructions,
	})
	if err != nil {
		logger.Warn("Reserve refresh failed", slog.Uint64("slot", slot), slog.Any("error", err))
		return
	}
	for _, key := range reserveKeys {
		reserve, err := store.Reserve(key)
		if err != nil || reserve == nil {
			continue
		}
		utilization, err := reserve.Utilization()
		if err != nil {
			continue
		}
		rate, err := reserve.Config.Curve.BorrowRate(utilization)
		if err != nil {
			continue
		}
		m.SetReserveGauges(key.String(), decFloat(utilization), decFloat(rate))
	}
}

func republishGenesisFeeds(gen *config.Genesis, feeds *lending.FeedDirectory, now int64) {
	for i := range gen.Reserves {
		r := &gen.Reserves[i]
		mint, err := crypto.ParsePubkey(r.Mint)
		if err != nil {
			continue
		}
		var price fixedpoint.Dec
		if err := price.UnmarshalText([]byte(r.Price)); err != nil {
			continue
		}
		feed := lending.NewPushFeed("genesis/" + r.Key)
		feed.Publish(price, fixedpoint.Zero(), now)
		feeds.Register(mint, feed)
	}
}

func decFloat(d fixedpoint.Dec) float64 {
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return 0
	}
	return f
}
