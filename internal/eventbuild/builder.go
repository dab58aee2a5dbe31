package eventbuild

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/pkg/types"
)

// Builder assembles decoded Events from raw block data, tracking which
// (contractName, chain) pairs have already had their synthetic "setup"
// event emitted (spec §4.7: "emit exactly one synthetic setup event per
// (contract, chain) before any real event for that contract").
type Builder struct {
	filters      []filter.Filter
	setupEmitted map[string]bool
}

// New builds a Builder over a fixed filter set. seenContracts seeds the
// setup-emitted set from recovery state, so a resumed run doesn't re-emit
// setup events for contracts already indexed before the crash.
func New(filters []filter.Filter, seenContracts map[string]bool) *Builder {
	seen := make(map[string]bool, len(seenContracts))
	for k, v := range seenContracts {
		seen[k] = v
	}
	return &Builder{filters: filters, setupEmitted: seen}
}

type draft struct {
	typeTag  byte
	txIndex  uint32
	evtIndex uint32
	build    func(cp checkpoint.Checkpoint) types.Event
}

// Build produces the ordered, checkpoint-assigned Event sequence for one
// block's raw data, per spec §4.7's matching and ordering rules.
func (b *Builder) Build(raw types.RawBlockData) []types.Event {
	var drafts []draft
	var evtIndex uint32

	childAddrs := make(map[common.Address]uint64, len(raw.ChildAddresses))
	for addr, block := range raw.ChildAddresses {
		childAddrs[common.Address(addr)] = block
	}

	for _, f := range b.filters {
		if f.ChainID() != raw.Chain {
			continue
		}
		switch ff := f.(type) {
		case filter.LogFilter:
			drafts = append(drafts, b.matchLogs(ff, raw, childAddrs, &evtIndex)...)
		case filter.BlockFilter:
			drafts = append(drafts, b.blockDraft(ff, raw, &evtIndex))
		case filter.TransactionFilter:
			drafts = append(drafts, b.matchTransactions(ff, raw, &evtIndex)...)
		case filter.TransferFilter:
			drafts = append(drafts, b.matchTransfers(ff, raw, &evtIndex)...)
		case filter.TraceFilter:
			drafts = append(drafts, b.matchTraces(ff, raw, &evtIndex)...)
		}
	}

	sort.SliceStable(drafts, func(i, j int) bool {
		if drafts[i].txIndex != drafts[j].txIndex {
			return drafts[i].txIndex < drafts[j].txIndex
		}
		if drafts[i].evtIndex != drafts[j].evtIndex {
			return drafts[i].evtIndex < drafts[j].evtIndex
		}
		return drafts[i].typeTag < drafts[j].typeTag
	})

	events := make([]types.Event, 0, len(drafts))
	for _, d := range drafts {
		cp := checkpoint.Encode(raw.Block.Timestamp, raw.Chain, raw.Block.Number, d.txIndex, d.evtIndex, d.typeTag)
		events = append(events, d.build(cp))
	}
	return events
}

func (b *Builder) maybeSetup(contractName string, chain uint64, evtIndex *uint32, out *[]draft) {
	if contractName == "" {
		return
	}
	key := fmt.Sprintf("%d:%s", chain, contractName)
	if b.setupEmitted[key] {
		return
	}
	b.setupEmitted[key] = true
	idx := *evtIndex
	*evtIndex++
	*out = append(*out, draft{
		typeTag: checkpoint.TypeSetup, txIndex: 0, evtIndex: idx,
		build: func(cp checkpoint.Checkpoint) types.Event {
			return types.Event{Kind: types.EventKindSetup, Chain: chain, Checkpoint: cp, ContractName: contractName}
		},
	})
}

func (b *Builder) matchLogs(f filter.LogFilter, raw types.RawBlockData, childAddrs map[common.Address]uint64, evtIndex *uint32) []draft {
	var out []draft
	for _, l := range raw.Logs {
		if !matchLog(f, l, childAddrs) {
			continue
		}
		b.maybeSetup(f.ContractName, f.Chain, evtIndex, &out)
		idx := *evtIndex
		*evtIndex++
		l := l
		out = append(out, draft{
			typeTag: checkpoint.TypeLog, txIndex: uint32(l.TxIndex), evtIndex: idx,
			build: func(cp checkpoint.Checkpoint) types.Event {
				ev := types.Event{
					Kind: types.EventKindLog, Chain: f.Chain, Checkpoint: cp,
					ContractName: f.ContractName, ContractAddress: l.Address,
					EventName: f.EventName, Block: raw.Block,
					TxHash: l.TxHash, TxIndex: uint32(l.TxIndex), LogIndex: uint32(l.Index),
				}
				if f.ABIEvent != nil {
					args, err := decodeLog(f.ABIEvent, l)
					if err != nil {
						ev.Kind = types.EventKindDecodeError
						ev.DecodeError = err
						return ev
					}
					ev.Args = args
				}
				return ev
			},
		})
	}
	return out
}

func (b *Builder) blockDraft(f filter.BlockFilter, raw types.RawBlockData, evtIndex *uint32) draft {
	idx := *evtIndex
	*evtIndex++
	return draft{
		typeTag: checkpoint.TypeBlock, txIndex: 0, evtIndex: idx,
		build: func(cp checkpoint.Checkpoint) types.Event {
			return types.Event{Kind: types.EventKindBlock, Chain: f.Chain, Checkpoint: cp, Block: raw.Block}
		},
	}
}

func (b *Builder) matchTransactions(f filter.TransactionFilter, raw types.RawBlockData, evtIndex *uint32) []draft {
	var out []draft
	for i, tx := range raw.Transactions {
		from, err := senderOf(tx)
		if err != nil {
			continue
		}
		if !matchTransaction(f, tx, from) {
			continue
		}
		b.maybeSetup(f.ContractName, f.Chain, evtIndex, &out)
		idx := *evtIndex
		*evtIndex++
		tx, i := tx, i
		out = append(out, draft{
			typeTag: checkpoint.TypeTransaction, txIndex: uint32(i), evtIndex: idx,
			build: func(cp checkpoint.Checkpoint) types.Event {
				ev := types.Event{
					Kind: types.EventKindTransaction, Chain: f.Chain, Checkpoint: cp,
					ContractName: f.ContractName, Block: raw.Block,
					TxHash: tx.Hash(), TxIndex: uint32(i),
				}
				if f.ABIMethod != nil {
					args, err := decodeTransaction(f.ABIMethod, tx.Data())
					if err != nil {
						ev.Kind = types.EventKindDecodeError
						ev.DecodeError = err
						return ev
					}
					ev.Args = args
				}
				return ev
			},
		})
	}
	return out
}

func (b *Builder) matchTransfers(f filter.TransferFilter, raw types.RawBlockData, evtIndex *uint32) []draft {
	var out []draft
	for i, tx := range raw.Transactions {
		from, err := senderOf(tx)
		if err != nil {
			continue
		}
		if !matchTransfer(f, tx, from) {
			continue
		}
		idx := *evtIndex
		*evtIndex++
		tx, i := tx, i
		out = append(out, draft{
			typeTag: checkpoint.TypeTransfer, txIndex: uint32(i), evtIndex: idx,
			build: func(cp checkpoint.Checkpoint) types.Event {
				return types.Event{
					Kind: types.EventKindTransfer, Chain: f.Chain, Checkpoint: cp,
					Block: raw.Block, TxHash: tx.Hash(), TxIndex: uint32(i),
				}
			},
		})
	}
	return out
}

func (b *Builder) matchTraces(f filter.TraceFilter, raw types.RawBlockData, evtIndex *uint32) []draft {
	var out []draft
	for _, t := range raw.Traces {
		if !matchTrace(f, t) {
			continue
		}
		b.maybeSetup(f.ContractName, f.Chain, evtIndex, &out)
		idx := *evtIndex
		*evtIndex++
		t := t
		out = append(out, draft{
			typeTag: checkpoint.TypeTrace, txIndex: uint32(t.TxIndex), evtIndex: idx,
			build: func(cp checkpoint.Checkpoint) types.Event {
				return types.Event{
					Kind: types.EventKindTrace, Chain: f.Chain, Checkpoint: cp,
					ContractName: f.ContractName, Block: raw.Block,
					TxHash: t.TxHash, TxIndex: uint32(t.TxIndex),
				}
			},
		})
	}
	return out
}
