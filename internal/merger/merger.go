// Package merger implements the event-stream merger (C8): combining
// per-chain decoded event streams into a single release order, either
// globally ordered by checkpoint (omnichain) or independently per chain
// (multichain), with reorg/finalize propagation (spec §4.8).
package merger

import (
	"sort"
	"sync"

	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/pkg/types"
)

// Policy selects the cross-chain ordering discipline.
type Policy int

const (
	Omnichain Policy = iota
	Multichain
)

type chainState struct {
	current   checkpoint.Checkpoint
	finalized checkpoint.Checkpoint
	pending   []types.Event // sorted ascending by Checkpoint
	executed  []types.Event // sorted ascending by Checkpoint; rewindable on reorg
}

// Merger is driven synchronously: callers push newly-built events and
// advance/reorg/finalize signals, and each call returns the events now
// eligible for release, in release order. This pull style (no internal
// goroutine) mirrors the combinator shape in the pack's other reorg-aware
// indexers, and keeps the merger's release-ordering logic unit-testable
// without spinning up channels or a scheduler.
type Merger struct {
	mu     sync.Mutex
	policy Policy
	chains map[uint64]*chainState
}

func New(policy Policy) *Merger {
	return &Merger{policy: policy, chains: make(map[uint64]*chainState)}
}

func (m *Merger) stateFor(chain uint64) *chainState {
	cs, ok := m.chains[chain]
	if !ok {
		cs = &chainState{}
		m.chains[chain] = cs
	}
	return cs
}

// Push adds newly-built events for a chain into its pending buffer and
// returns whatever becomes eligible for release as a result.
func (m *Merger) Push(chain uint64, events []types.Event) []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.stateFor(chain)
	cs.pending = append(cs.pending, events...)
	sortByCheckpoint(cs.pending)
	return m.release()
}

// Advance records a chain's new current checkpoint (its tip position) and
// returns whatever becomes eligible for release as a result — in the
// omnichain policy, advancing one chain can unblock events buffered on
// another.
func (m *Merger) Advance(chain uint64, current checkpoint.Checkpoint) []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateFor(chain).current = current
	return m.release()
}

func (m *Merger) release() []types.Event {
	switch m.policy {
	case Multichain:
		return m.releaseMultichain()
	default:
		return m.releaseOmnichain()
	}
}

func (m *Merger) releaseOmnichain() []types.Event {
	if len(m.chains) == 0 {
		return nil
	}
	global := checkpoint.Max
	for _, cs := range m.chains {
		global = checkpoint.Min(global, cs.current)
	}

	var released []types.Event
	for _, cs := range m.chains {
		i := 0
		for i < len(cs.pending) && checkpoint.Less(cs.pending[i].Checkpoint, global) {
			i++
		}
		if i > 0 {
			released = append(released, cs.pending[:i]...)
			cs.executed = append(cs.executed, cs.pending[:i]...)
			cs.pending = cs.pending[i:]
		}
	}
	sortByCheckpoint(released)
	return released
}

func (m *Merger) releaseMultichain() []types.Event {
	var released []types.Event
	for _, cs := range m.chains {
		i := 0
		for i < len(cs.pending) && checkpoint.Less(cs.pending[i].Checkpoint, cs.current) {
			i++
		}
		if i > 0 {
			released = append(released, cs.pending[:i]...)
			cs.executed = append(cs.executed, cs.pending[:i]...)
			cs.pending = cs.pending[i:]
		}
	}
	return released
}

// Reorg moves already-released ("executed") events past the reorg point
// back into pending, drops now-invalid pending events, and returns a
// synthetic reorg Event that the dispatcher (C9) uses to discard its index
// cache and revert the durable checkpoint (spec §4.8, §4.10).
func (m *Merger) Reorg(chain uint64, reorgCheckpoint checkpoint.Checkpoint, reorgedBlockNumbers []uint64, block types.Block) types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.stateFor(chain)

	reorgedSet := make(map[uint64]bool, len(reorgedBlockNumbers))
	for _, n := range reorgedBlockNumbers {
		reorgedSet[n] = true
	}

	var keptExecuted []types.Event
	for _, e := range cs.executed {
		if checkpoint.Less(reorgCheckpoint, e.Checkpoint) {
			cs.pending = append(cs.pending, e)
			continue
		}
		keptExecuted = append(keptExecuted, e)
	}
	cs.executed = keptExecuted
	sortByCheckpoint(cs.pending)

	var keptPending []types.Event
	for _, e := range cs.pending {
		if reorgedSet[e.Block.Number] {
			continue
		}
		keptPending = append(keptPending, e)
	}
	cs.pending = keptPending

	return types.Event{
		Kind: types.EventKindReorg, Chain: chain, Checkpoint: reorgCheckpoint,
		Block: block, ReorgedBlocks: reorgedBlockNumbers,
	}
}

// Finalize drops executed events at or below the finalized threshold
// (global min-finalized in omnichain, the chain's own finalized checkpoint
// in multichain) and returns a synthetic finalize Event.
func (m *Merger) Finalize(chain uint64, finalizedCheckpoint checkpoint.Checkpoint, block types.Block) types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.stateFor(chain)
	cs.finalized = finalizedCheckpoint

	threshold := finalizedCheckpoint
	if m.policy == Omnichain {
		threshold = checkpoint.Max
		for _, other := range m.chains {
			threshold = checkpoint.Min(threshold, other.finalized)
		}
	}

	// Drop executed events with checkpoint <= threshold, in place per chain.
	for cid, state := range m.chains {
		if m.policy == Multichain && cid != chain {
			continue
		}
		var kept []types.Event
		for _, e := range state.executed {
			if checkpoint.Less(threshold, e.Checkpoint) {
				kept = append(kept, e)
			}
		}
		state.executed = kept
	}

	return types.Event{Kind: types.EventKindFinalize, Chain: chain, Checkpoint: finalizedCheckpoint, Block: block}
}

func sortByCheckpoint(events []types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return checkpoint.Less(events[i].Checkpoint, events[j].Checkpoint)
	})
}
