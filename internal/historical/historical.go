// Package historical implements backfill sync (C5): compute the required
// block ranges per filter, chunk them to respect provider limits, fetch via
// RPC, persist durably, and mark intervals cached only once every
// constituent artifact is durable (spec §4.5).
package historical

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/syncerrors"
	"github.com/0xkanth/omnisync/internal/syncstore"
	"github.com/0xkanth/omnisync/pkg/types"
)

// Config tunes per-chain historical sync: the teacher's `workers` knob
// becomes an errgroup concurrency limit (spec §4.5 "per-chain, requests fan
// out up to a per-chain concurrency cap").
type Config struct {
	Workers       int
	MaxBlockRange uint64
}

// Syncer drives historical backfill for one chain at a time.
type Syncer struct {
	rpc    chain.Rpc
	store  syncstore.Store
	cfg    Config
	logger zerolog.Logger
}

func New(rpc chain.Rpc, store syncstore.Store, cfg Config, logger zerolog.Logger) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	return &Syncer{rpc: rpc, store: store, cfg: cfg, logger: logger.With().Str("component", "historical").Logger()}
}

// Sync fetches and persists everything required to cover span for every
// filter on chainID, returning the newly-fetched block data in block-number
// order so the caller can feed it through the event builder.
func (s *Syncer) Sync(ctx context.Context, chainID uint64, filters []filter.Filter, span interval.Interval) ([]types.RawBlockData, error) {
	childAddrs, err := s.resolveFactories(ctx, chainID, filters, span)
	if err != nil {
		return nil, fmt.Errorf("resolve factory addresses: %w", err)
	}

	cached, err := s.store.GetIntervals(ctx, chainID, filters)
	if err != nil {
		return nil, fmt.Errorf("get cached intervals: %w", err)
	}

	perFilterRequired := make([]interval.Set, len(filters))
	var combinedRequired interval.Set
	for i := range filters {
		req := interval.Difference(interval.New(span), cached[i])
		perFilterRequired[i] = req
		combinedRequired = interval.Union(combinedRequired, req)
	}
	if len(combinedRequired) == 0 {
		return nil, nil
	}

	chunks := interval.Chunk(combinedRequired, s.cfg.MaxBlockRange)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var mu sync.Mutex
	var allBlocks []types.RawBlockData

	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			blocks, err := s.fetchChunk(gctx, chainID, filters, childAddrs, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			allBlocks = append(allBlocks, blocks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(allBlocks, func(i, j int) bool { return allBlocks[i].Block.Number < allBlocks[j].Block.Number })

	var items []syncstore.FilterInterval
	for i, f := range filters {
		for _, iv := range perFilterRequired[i] {
			items = append(items, syncstore.FilterInterval{Filter: f, Interval: iv})
		}
	}
	if len(items) > 0 {
		if err := s.store.InsertIntervals(ctx, chainID, items); err != nil {
			return nil, fmt.Errorf("mark intervals cached: %w", err)
		}
	}

	return allBlocks, nil
}

// FetchBlock fetches and persists one block's full data against filters,
// reusing the same fetch/persist path as Sync. It is the realtime.Tracker's
// BlockDataFetcher, so the reorg/finality state machine never duplicates
// C5's per-block assembly logic.
func (s *Syncer) FetchBlock(ctx context.Context, chainID uint64, filters []filter.Filter, childAddrs map[common.Address]uint64, blockNumber uint64) (types.RawBlockData, error) {
	blocks, err := s.fetchChunk(ctx, chainID, filters, childAddrs, interval.Interval{From: blockNumber, To: blockNumber})
	if err != nil {
		return types.RawBlockData{}, err
	}
	if len(blocks) == 0 {
		return types.RawBlockData{}, fmt.Errorf("no data assembled for block %d", blockNumber)
	}
	return blocks[0], nil
}

// fetchChunk fetches and persists every artifact for one contiguous block
// range, then assembles per-block RawBlockData for the event builder.
func (s *Syncer) fetchChunk(ctx context.Context, chainID uint64, filters []filter.Filter, childAddrs map[common.Address]uint64, chunk interval.Interval) ([]types.RawBlockData, error) {
	logsByBlock := make(map[uint64][]ethtypes.Log)
	seenLog := make(map[[2]any]bool)

	needReceipts := false
	needTraces := false
	for _, f := range filters {
		switch ff := f.(type) {
		case filter.LogFilter:
			logs, err := s.fetchLogsRange(ctx, ff, chunk.From, chunk.To)
			if err != nil {
				return nil, err
			}
			for _, l := range logs {
				key := [2]any{l.TxHash, l.Index}
				if seenLog[key] {
					continue
				}
				seenLog[key] = true
				logsByBlock[l.BlockNumber] = append(logsByBlock[l.BlockNumber], l)
			}
			needReceipts = needReceipts || ff.IncludeReceipt
		case filter.TransactionFilter:
			needReceipts = needReceipts || ff.IncludeReceipt
		case filter.TraceFilter:
			needTraces = true
			needReceipts = needReceipts || ff.IncludeReceipt
		}
	}

	var out []types.RawBlockData
	for n := chunk.From; n <= chunk.To; n++ {
		block, err := s.rpc.GetBlockByNumber(ctx, n, true)
		if err != nil {
			return nil, fmt.Errorf("get block %d: %w", n, err)
		}

		var traces []chain.TraceRecord
		if needTraces {
			traces, err = s.rpc.TraceBlockByNumber(ctx, n)
			if err != nil {
				return nil, fmt.Errorf("trace block %d: %w", n, err)
			}
		}

		var receipts []*ethtypes.Receipt
		if needReceipts {
			for _, tx := range block.Transactions() {
				r, err := s.rpc.GetTransactionReceipt(ctx, tx.Hash())
				if err != nil {
					return nil, fmt.Errorf("receipt for tx %s: %w", tx.Hash(), err)
				}
				receipts = append(receipts, r)
			}
		}

		if err := s.store.InsertBlocks(ctx, chainID, []*ethtypes.Block{block}); err != nil {
			return nil, fmt.Errorf("persist block %d: %w", n, err)
		}
		if txs := block.Transactions(); len(txs) > 0 {
			if err := s.store.InsertTransactions(ctx, chainID, txs, n); err != nil {
				return nil, fmt.Errorf("persist transactions for block %d: %w", n, err)
			}
		}
		if len(receipts) > 0 {
			if err := s.store.InsertTransactionReceipts(ctx, chainID, receipts); err != nil {
				return nil, fmt.Errorf("persist receipts for block %d: %w", n, err)
			}
		}
		if logs := logsByBlock[n]; len(logs) > 0 {
			if err := s.store.InsertLogs(ctx, chainID, logs); err != nil {
				return nil, fmt.Errorf("persist logs for block %d: %w", n, err)
			}
		}
		if len(traces) > 0 {
			if err := s.store.InsertTraces(ctx, chainID, traces, n); err != nil {
				return nil, fmt.Errorf("persist traces for block %d: %w", n, err)
			}
		}

		out = append(out, types.RawBlockData{
			Chain: chainID,
			Block: types.Block{
				Hash:       block.Hash(),
				ParentHash: block.ParentHash(),
				Number:     block.NumberU64(),
				Timestamp:  block.Time(),
			},
			Logs:             logsByBlock[n],
			Transactions:     block.Transactions(),
			Receipts:         receipts,
			Traces:           traces,
			ChildAddresses:   toChildAddresses(childAddrs),
			HasMatchedFilter: len(logsByBlock[n]) > 0 || len(traces) > 0,
		})
	}
	return out, nil
}

func toChildAddresses(m map[common.Address]uint64) types.ChildAddresses {
	out := make(types.ChildAddresses, len(m))
	for addr, block := range m {
		out[addr] = block
	}
	return out
}

// fetchLogsRange fetches logs for one filter over [from, to], splitting the
// range on a range-too-large error per spec §4.5.4b: parse the provider's
// suggested safe range if present, else bisect, else (response-size
// errors with no usable suggested range) split into equal parts.
func (s *Syncer) fetchLogsRange(ctx context.Context, lf filter.LogFilter, from, to uint64) ([]ethtypes.Log, error) {
	q := buildLogQuery(lf, from, to)
	logs, err := s.rpc.GetLogs(ctx, q)
	if err == nil {
		return logs, nil
	}

	var se *syncerrors.SyncError
	if !errors.As(err, &se) || se.Kind != syncerrors.RpcRangeTooLarge {
		return nil, err
	}
	if from == to {
		return nil, err // nothing left to split
	}

	msg := strings.ToLower(se.Error())
	var subRanges [][2]uint64
	if sr := parseSuggestedRange(msg); sr.ok && sr.from >= from && sr.to < to {
		subRanges = [][2]uint64{{from, sr.to}, {sr.to + 1, to}}
	} else if strings.Contains(msg, "response size exceeded") || strings.Contains(msg, "size exceeded") {
		subRanges = splitEqual(from, to, 10)
	} else {
		lo, hi := bisect(from, to)
		subRanges = [][2]uint64{{from, lo}, {hi, to}}
	}

	var all []ethtypes.Log
	for _, r := range subRanges {
		sub, err := s.fetchLogsRange(ctx, lf, r[0], r[1])
		if err != nil {
			return nil, err
		}
		all = append(all, sub...)
	}
	return all, nil
}

func buildLogQuery(lf filter.LogFilter, from, to uint64) chain.FilterQuery {
	q := chain.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	if lf.Address.Factory == nil && len(lf.Address.Addresses) > 0 {
		q.Addresses = lf.Address.Addresses
	}

	lastSet := -1
	for i, slot := range lf.Topics {
		if len(slot) > 0 {
			lastSet = i
		}
	}
	if lastSet >= 0 {
		topics := make([][]common.Hash, lastSet+1)
		for i := 0; i <= lastSet; i++ {
			topics[i] = lf.Topics[i]
		}
		q.Topics = topics
	}
	return q
}
