// Main indexer service: wires configuration, per-chain RPC/sync engines,
// the cross-chain merger, and the dispatcher into one running process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/dispatch"
	"github.com/0xkanth/omnisync/internal/eventbuild"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/historical"
	"github.com/0xkanth/omnisync/internal/indexstore"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/logging"
	"github.com/0xkanth/omnisync/internal/merger"
	"github.com/0xkanth/omnisync/internal/metrics"
	"github.com/0xkanth/omnisync/internal/notify"
	"github.com/0xkanth/omnisync/internal/realtime"
	"github.com/0xkanth/omnisync/internal/recovery"
	"github.com/0xkanth/omnisync/internal/syncstore"
	"github.com/0xkanth/omnisync/internal/syncstore/boltstore"
	"github.com/0xkanth/omnisync/internal/syncstore/pgstore"
	"github.com/0xkanth/omnisync/pkg/config"
	"github.com/0xkanth/omnisync/pkg/types"
)

const serviceName = "omnisync"

func main() {
	logger := logging.Init(serviceName)
	logger.Info().Msg("starting omnisync")

	configPath := "config.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.SetLevel(logger, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open sync store")
	}
	logger.Info().Msg("sync store opened")

	var notifier dispatch.Notifier
	if cfg.NatsURL != "" {
		pub, err := notify.NewPublisher(cfg.NatsURL, cfg.NatsStream, cfg.NatsSubjectPrefix, cfg.NatsPersistFor, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer pub.Close()
		notifier = pub
	}

	policy := merger.Multichain
	if cfg.Ordering == config.OrderingOmnichain {
		policy = merger.Omnichain
	}
	m := merger.New(policy)

	released := make(chan types.Event, 1024)

	var wg sync.WaitGroup
	runners := make([]*chainRunner, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		r, err := newChainRunner(ctx, cc, store, cfg.DatabaseDSN, notifier, m, released, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("chain", cc.Name).Msg("failed to initialize chain runner")
		}
		runners = append(runners, r)
	}

	for _, r := range runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainDispatch(ctx, released, runners, logger)
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: http.HandlerFunc(healthCheckHandler(runners))}
	go func() {
		logger.Info().Str("address", cfg.HealthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	wg.Wait()

	for _, r := range runners {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.dispatcher.FlushBeforeShutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Uint64("chain", r.chainID).Msg("final flush failed")
		}
		shutdownCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}
	logger.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Common) (syncstore.Store, error) {
	if cfg.DatabaseDSN != "" {
		return pgstore.Open(ctx, cfg.DatabaseDSN)
	}
	return boltstore.Open(cfg.BoltPath)
}

// chainRunner owns every per-chain engine: RPC client, historical/realtime
// sync, the event builder, and the dispatcher that drains its share of
// merger-released events.
type chainRunner struct {
	chainID    uint64
	cfg        config.ChainConfig
	rpc        *chain.Client
	historical *historical.Syncer
	realtime   *realtime.Tracker
	builder    *eventbuild.Builder
	dispatcher *dispatch.Dispatcher
	roClient   *dispatch.ReadOnlyClient
	merger     *merger.Merger
	store      syncstore.Store
	released   chan<- types.Event
	logger     zerolog.Logger

	mu       sync.Mutex
	filters  []filter.Filter
	childAdr map[common.Address]uint64
	healthy  bool
}

func newChainRunner(ctx context.Context, cc config.ChainConfig, store syncstore.Store, databaseDSN string, notifier dispatch.Notifier,
	m *merger.Merger, released chan<- types.Event, logger zerolog.Logger) (*chainRunner, error) {

	log := logger.With().Str("chain", cc.Name).Uint64("chain_id", cc.ChainID).Logger()

	rpc, err := chain.NewClient(ctx, chain.Config{
		HTTPURL: cc.RPCURL, WSURL: cc.WSURL, ChainID: int64(cc.ChainID),
		MaxRequestsPerSec: cc.MaxRequestsPerSecond,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("dial chain %s: %w", cc.Name, err)
	}

	filters := wildcardFilters(cc)

	hist := historical.New(rpc, store, historical.Config{MaxBlockRange: cc.MaxBlockRange}, log)

	// indexstore writes into the same Postgres database as the raw-data
	// store; a bolt-backed deployment runs without a durable index store
	// (with a nil pool, indexstore.Store's Find sees only buffered rows,
	// Flush and RevertTo drop the buffer without writing anything, and SQL
	// is unavailable).
	var idxPool *pgxpool.Pool
	if databaseDSN != "" {
		p, err := pgxpool.New(ctx, databaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open index store pool for chain %s: %w", cc.Name, err)
		}
		idxPool = p
	}
	idx := indexstore.New(idxPool, cc.ChainID, indexstore.Config{}, log)

	r := &chainRunner{
		chainID:    cc.ChainID,
		cfg:        cc,
		rpc:        rpc,
		historical: hist,
		builder:    eventbuild.New(filters, nil),
		merger:     m,
		store:      store,
		released:   released,
		logger:     log,
		filters:    filters,
		childAdr:   make(map[common.Address]uint64),
		healthy:    true,
	}

	r.realtime = realtime.New(rpc, cc.ChainID, cc.FinalityBlockCount, cc.EndBlock, r.fetchBlock, log)

	client, err := dispatch.NewReadOnlyClient(rpc, store, cc.ChainID)
	if err != nil {
		return nil, fmt.Errorf("build read-only client for chain %s: %w", cc.Name, err)
	}
	contracts := make(map[string]common.Address, len(cc.Contracts))
	for name := range cc.Contracts {
		if addr, ok := cc.Address(name); ok {
			contracts[name] = addr
		}
	}
	r.roClient = client
	r.dispatcher = dispatch.New(cc.ChainID, dispatch.NewRouter(), idx, client, contracts, notifier, dispatch.Config{}, log)

	return r, nil
}

// wildcardFilters builds one LogFilter per configured contract, matching
// every topic (decoding is left to ABIEvent registration done by callers
// that extend the router; this module wires the matching/caching path, not
// a specific contract's ABI set).
func wildcardFilters(cc config.ChainConfig) []filter.Filter {
	filters := make([]filter.Filter, 0, len(cc.Contracts))
	for name, hexAddr := range cc.Contracts {
		lf := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{common.HexToAddress(hexAddr)}}}
		lf.Chain = cc.ChainID
		lf.ContractName = name
		filters = append(filters, lf)
	}
	return filters
}

func (r *chainRunner) fetchBlock(ctx context.Context, chainID uint64, blockNumber uint64) (types.RawBlockData, error) {
	r.mu.Lock()
	filters := r.filters
	childAdr := r.childAdr
	r.mu.Unlock()
	return r.historical.FetchBlock(ctx, chainID, filters, childAdr, blockNumber)
}

func (r *chainRunner) run(ctx context.Context) {
	rec, err := recovery.Recover(ctx, r.store, r.rpc, r.chainID, r.cfg.StartBlock, r.logger)
	if err != nil {
		r.logger.Error().Err(err).Msg("recovery failed")
		r.mu.Lock()
		r.healthy = false
		r.mu.Unlock()
		return
	}
	r.realtime.Seed(rec.Anchor)

	if latest, err := r.rpc.LatestBlockNumber(ctx); err == nil && rec.HistoricalFrom <= latest {
		to := latest
		if r.cfg.EndBlock != nil && *r.cfg.EndBlock < to {
			to = *r.cfg.EndBlock
		}
		if rec.HistoricalFrom <= to {
			r.backfill(ctx, rec.HistoricalFrom, to)
		}
	}

	ticker := time.NewTicker(r.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *chainRunner) backfill(ctx context.Context, from, to uint64) {
	r.mu.Lock()
	filters := r.filters
	r.mu.Unlock()

	blocks, err := r.historical.Sync(ctx, r.chainID, filters, interval.Interval{From: from, To: to})
	if err != nil {
		r.logger.Error().Err(err).Uint64("from", from).Uint64("to", to).Msg("historical backfill failed")
		return
	}
	for _, b := range blocks {
		r.pushBlock(b)
	}
}

func (r *chainRunner) poll(ctx context.Context) {
	result, err := r.realtime.Advance(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("realtime advance failed")
		return
	}
	if result.Reorg != nil {
		metrics.ReorgsTotal.WithLabelValues(fmt.Sprint(r.chainID)).Inc()
		metrics.ReorgDepth.WithLabelValues(fmt.Sprint(r.chainID)).Observe(float64(len(result.Reorg.ReorgedBlocks)))
		if err := r.roClient.Invalidate(ctx, result.Reorg.ReorgedBlocks); err != nil {
			r.logger.Warn().Err(err).Msg("rpc cache invalidation failed")
		}
		reorgCP := tipCheckpoint(result.Reorg.Block, r.chainID)
		ev := r.merger.Reorg(r.chainID, reorgCP, result.Reorg.ReorgedBlocks, result.Reorg.Block)
		r.released <- ev
	}
	for _, b := range result.Blocks {
		r.pushBlock(b)
	}
	if result.Finalize != nil {
		ev := r.merger.Finalize(r.chainID, tipCheckpoint(result.Finalize.Block, r.chainID), result.Finalize.Block)
		r.released <- ev
	}
}

func (r *chainRunner) pushBlock(b types.RawBlockData) {
	events := r.builder.Build(b)
	metrics.SyncHeight.WithLabelValues(fmt.Sprint(r.chainID)).Set(float64(b.Block.Number))
	for _, ev := range r.merger.Push(r.chainID, events) {
		r.released <- ev
	}
	for _, ev := range r.merger.Advance(r.chainID, tipCheckpoint(b.Block, r.chainID)) {
		r.released <- ev
	}
}

// tipCheckpoint builds an upper-bound checkpoint for a fully-processed
// block: larger than any real event checkpoint that block can produce, so
// Merger.Advance releases every event already built for it.
func tipCheckpoint(b types.Block, chain uint64) checkpoint.Checkpoint {
	return checkpoint.Encode(b.Timestamp, chain, b.Number, ^uint32(0), ^uint32(0), checkpoint.TypeTrace+1)
}

func drainDispatch(ctx context.Context, released <-chan types.Event, runners []*chainRunner, logger zerolog.Logger) {
	byChain := make(map[uint64]*chainRunner, len(runners))
	for _, r := range runners {
		byChain[r.chainID] = r
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-released:
			r, ok := byChain[ev.Chain]
			if !ok {
				continue
			}
			if err := r.dispatcher.Dispatch(ctx, ev); err != nil {
				logger.Error().Err(err).Uint64("chain", ev.Chain).Str("kind", string(ev.Kind)).Msg("dispatch aborted")
			}
		}
	}
}

func healthCheckHandler(runners []*chainRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		for _, r := range runners {
			r.mu.Lock()
			healthy := r.healthy
			r.mu.Unlock()
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "unhealthy: chain %d\n", r.chainID)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\n")
	}
}
