package eventbuild

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/pkg/types"
)

func TestBuildEmitsSetupOnceThenLogEvent(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111A")
	f := filter.LogFilter{
		Address:   filter.AddressSource{Addresses: []common.Address{addr}},
		EventName: "Transfer",
	}
	f.Chain = 1
	f.ContractName = "MyToken"

	raw := types.RawBlockData{
		Chain: 1,
		Block: types.Block{Number: 10, Timestamp: 1000},
		Logs: []ethtypes.Log{
			{Address: addr, BlockNumber: 10, TxIndex: 0, Index: 0, Topics: []common.Hash{common.HexToHash("0xsig")}},
		},
	}

	b := New([]filter.Filter{f}, nil)
	events := b.Build(raw)

	require.Len(t, events, 2)
	require.Equal(t, types.EventKindSetup, events[0].Kind)
	require.Equal(t, "MyToken", events[0].ContractName)
	require.Equal(t, types.EventKindLog, events[1].Kind)
	require.True(t, checkpoint.Less(events[0].Checkpoint, events[1].Checkpoint))

	// A second block for the same contract must not re-emit setup.
	raw2 := raw
	raw2.Block = types.Block{Number: 11, Timestamp: 1001}
	events2 := b.Build(raw2)
	require.Len(t, events2, 1)
	require.Equal(t, types.EventKindLog, events2[0].Kind)
}

func TestBuildOrdersByTxIndexThenEventIndex(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111A")
	f := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{addr}}}
	f.Chain = 1

	raw := types.RawBlockData{
		Chain: 1,
		Block: types.Block{Number: 5, Timestamp: 500},
		Logs: []ethtypes.Log{
			{Address: addr, BlockNumber: 5, TxIndex: 2, Index: 0},
			{Address: addr, BlockNumber: 5, TxIndex: 0, Index: 1},
			{Address: addr, BlockNumber: 5, TxIndex: 0, Index: 0},
		},
	}

	b := New([]filter.Filter{f}, nil)
	events := b.Build(raw)
	require.Len(t, events, 3)
	require.Equal(t, uint32(0), events[0].TxIndex)
	require.Equal(t, uint32(0), events[1].TxIndex)
	require.Equal(t, uint32(2), events[2].TxIndex)
}

// TestBuildOrdersMixedKindsByTxIndex pins spec §4.7's release order across
// differently-typed events in the same block: a Log at a higher txIndex must
// not jump ahead of a Trace at a lower txIndex, even though TypeLog < TypeTrace.
func TestBuildOrdersMixedKindsByTxIndex(t *testing.T) {
	logAddr := common.HexToAddress("0x1111111111111111111111111111111111111A")
	traceFrom := common.HexToAddress("0x2222222222222222222222222222222222222B")

	logFilter := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{logAddr}}}
	logFilter.Chain = 1
	traceFilter := filter.TraceFilter{FromAddresses: []common.Address{traceFrom}}
	traceFilter.Chain = 1

	raw := types.RawBlockData{
		Chain: 1,
		Block: types.Block{Number: 5, Timestamp: 500},
		Logs: []ethtypes.Log{
			{Address: logAddr, BlockNumber: 5, TxIndex: 5, Index: 0},
		},
		Traces: []chain.TraceRecord{
			{From: traceFrom, TxIndex: 2, TraceIndex: 0, Type: "call"},
		},
	}

	b := New([]filter.Filter{logFilter, traceFilter}, nil)
	events := b.Build(raw)
	require.Len(t, events, 2)

	require.Equal(t, types.EventKindTrace, events[0].Kind)
	require.Equal(t, uint32(2), events[0].TxIndex)
	require.Equal(t, types.EventKindLog, events[1].Kind)
	require.Equal(t, uint32(5), events[1].TxIndex)
	require.True(t, checkpoint.Less(events[0].Checkpoint, events[1].Checkpoint))
}
