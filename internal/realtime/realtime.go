// Package realtime implements live tip-following sync (C6): extend the
// chain forward from the last-known tip, detect and resolve reorgs via
// ancestor walk-back, and emit finalize signals once blocks pass the
// configured finality depth (spec §4.6).
package realtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/syncerrors"
	"github.com/0xkanth/omnisync/pkg/types"
)

// State names the tracker's current step, mirrored into metrics/logs so an
// operator can see where a stalled chain is stuck.
type State string

const (
	StateIdle       State = "idle"
	StateExtending  State = "extending"
	StateReorging   State = "reorging"
	StateFinalizing State = "finalizing"
	StateEnded      State = "ended"
)

// BlockDataFetcher assembles a full RawBlockData (including logs,
// transactions, receipts, traces matched against the caller's filters) for
// one block number. Kept as an injected function rather than folding
// historical's fetch logic in here, so the tracker's reorg/finality state
// machine is unit-testable independent of RPC shape.
type BlockDataFetcher func(ctx context.Context, chainID uint64, blockNumber uint64) (types.RawBlockData, error)

// Result is everything one Advance call produced, in the order downstream
// processing must see it: a reorg (if one happened) always precedes the
// new blocks it made room for; finalize always trails.
type Result struct {
	Reorg    *types.RawReorg
	Blocks   []types.RawBlockData
	Finalize *types.RawFinalize
}

type Tracker struct {
	rpc       chain.Rpc
	chainID   uint64
	finality  uint64
	end       *uint64
	fetch     BlockDataFetcher
	logger    zerolog.Logger

	buffer        []types.Block // ascending by Number; buffer[0] is the finality floor/continuity anchor
	lastFinalized uint64
	seeded        bool
	state         State
}

func New(rpc chain.Rpc, chainID, finalityBlockCount uint64, end *uint64, fetch BlockDataFetcher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		rpc: rpc, chainID: chainID, finality: finalityBlockCount, end: end, fetch: fetch,
		logger: logger.With().Uint64("chain", chainID).Str("component", "realtime").Logger(),
		state:  StateIdle,
	}
}

// Seed initializes the tracker's continuity anchor from recovered state
// (the last block the engine had already processed and checkpointed).
func (t *Tracker) Seed(tip types.Block) {
	t.buffer = []types.Block{tip}
	t.lastFinalized = tip.Number
	t.seeded = true
}

func (t *Tracker) State() State { return t.state }

// Advance fetches the current chain head and extends the tracked chain
// forward to it (bounded by end, if set), resolving any reorg discovered
// along the way and emitting a finalize signal once new blocks push the
// finality floor forward.
func (t *Tracker) Advance(ctx context.Context) (Result, error) {
	if !t.seeded {
		return Result{}, fmt.Errorf("realtime: tracker not seeded for chain %d", t.chainID)
	}
	if t.state == StateEnded {
		return Result{}, nil
	}

	latest, err := t.rpc.LatestBlockNumber(ctx)
	if err != nil {
		return Result{}, err
	}
	target := latest
	if t.end != nil && target > *t.end {
		target = *t.end
	}

	tip := t.buffer[len(t.buffer)-1]
	if target <= tip.Number {
		t.state = StateIdle
		return Result{}, nil
	}

	var result Result
	t.state = StateExtending

	for n := tip.Number + 1; n <= target; n++ {
		data, err := t.fetch(ctx, t.chainID, n)
		if err != nil {
			return result, fmt.Errorf("fetch block %d: %w", n, err)
		}

		if data.Block.ParentHash != tip.Hash {
			reorg, ancestorIdx, err := t.resolveReorg(ctx, n)
			if err != nil {
				return result, err
			}
			result.Reorg = &reorg
			t.buffer = t.buffer[:ancestorIdx+1]
			tip = t.buffer[len(t.buffer)-1]

			// Re-fetch n now that the continuity anchor moved; its parent
			// hash must match the ancestor we just rewound to.
			data, err = t.fetch(ctx, t.chainID, n)
			if err != nil {
				return result, fmt.Errorf("re-fetch block %d after reorg: %w", n, err)
			}
			if data.Block.ParentHash != tip.Hash {
				return result, syncerrors.New(syncerrors.ReorgDeeperThanFinality,
					fmt.Errorf("block %d still discontinuous with ancestor %d after walk-back", n, tip.Number))
			}
		}

		t.buffer = append(t.buffer, data.Block)
		result.Blocks = append(result.Blocks, data)
		tip = data.Block
	}

	if fin := t.advanceFinality(target); fin != nil {
		result.Finalize = fin
	}

	t.state = StateIdle
	if t.end != nil && tip.Number >= *t.end {
		t.state = StateEnded
	}
	return result, nil
}

// resolveReorg walks backward from badBlock-1 along the buffer, re-fetching
// each candidate ancestor's actual on-chain hash until it matches the
// buffered hash, per spec §4.6's ancestor walk-back. ancestorIdx is the
// buffer index of the common ancestor.
func (t *Tracker) resolveReorg(ctx context.Context, badBlock uint64) (types.RawReorg, int, error) {
	t.state = StateReorging

	var reorgedBlocks []uint64
	for i := len(t.buffer) - 1; i >= 0; i-- {
		candidate := t.buffer[i]
		onChain, err := t.rpc.GetBlockByHash(ctx, candidate.Hash, false)
		if err == nil && onChain != nil {
			// Buffered hash still matches chain state at this height: it's
			// the common ancestor.
			return types.RawReorg{Chain: t.chainID, Block: candidate, ReorgedBlocks: reorgedBlocks}, i, nil
		}
		reorgedBlocks = append(reorgedBlocks, candidate.Number)
		if i == 0 {
			return types.RawReorg{}, 0, syncerrors.New(syncerrors.ReorgDeeperThanFinality,
				fmt.Errorf("no common ancestor found within finality depth %d for chain %d at block %d", t.finality, t.chainID, badBlock))
		}
	}
	return types.RawReorg{}, 0, syncerrors.New(syncerrors.ReorgDeeperThanFinality,
		fmt.Errorf("empty buffer while resolving reorg at block %d", badBlock))
}

// advanceFinality drops buffer entries that have now passed the finality
// depth and returns a finalize signal for the new floor, or nil if the
// floor hasn't moved since the last Advance call.
func (t *Tracker) advanceFinality(target uint64) *types.RawFinalize {
	if target < t.finality {
		return nil
	}
	floorNumber := target - t.finality
	if floorNumber <= t.lastFinalized {
		return nil
	}
	t.state = StateFinalizing

	idx := 0
	for idx < len(t.buffer)-1 && t.buffer[idx].Number < floorNumber {
		idx++
	}
	if idx == 0 {
		return nil
	}
	newFloor := t.buffer[idx]
	t.buffer = t.buffer[idx:]
	t.lastFinalized = newFloor.Number
	return &types.RawFinalize{Chain: t.chainID, Block: newFloor}
}
