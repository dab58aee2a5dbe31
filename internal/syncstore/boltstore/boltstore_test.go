package boltstore

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/syncstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Zero, cp)

	want := checkpoint.Encode(1000, 1, 55, 2, 3, checkpoint.TypeLog)
	require.NoError(t, s.CommitCheckpoint(ctx, 1, want))

	got, err := s.GetCheckpoint(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, want, got)

	other, err := s.GetCheckpoint(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Zero, other)
}

func TestInsertBlocksRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	header := &types.Header{Number: big.NewInt(42), Time: 1700000000}
	block := types.NewBlockWithHeader(header)

	require.NoError(t, s.InsertBlocks(ctx, 7, []*types.Block{block}))
}

func TestLogsAreChainScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	log1 := types.Log{BlockNumber: 10, Index: 0, TxHash: common.HexToHash("0xaa")}
	log2 := types.Log{BlockNumber: 10, Index: 1, TxHash: common.HexToHash("0xbb")}
	require.NoError(t, s.InsertLogs(ctx, 1, []types.Log{log1, log2}))
	require.NoError(t, s.InsertLogs(ctx, 2, []types.Log{log1}))
}

func TestChildAddressesFirstSeenWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fac := filter.Factory{
		ParentAddress:        common.HexToAddress("0xFAC0000000000000000000000000000000000C"),
		EventSelector:        common.HexToHash("0xc9c6"),
		ChildAddressLocation: filter.TopicSlot(1),
	}
	child := common.HexToAddress("0xCC00000000000000000000000000000000000C")

	require.NoError(t, s.InsertChildAddresses(ctx, 1, fac, map[common.Address]uint64{child: 100}))
	require.NoError(t, s.InsertChildAddresses(ctx, 1, fac, map[common.Address]uint64{child: 50}))

	it, err := s.GetChildAddresses(ctx, 1, fac, 1000)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next(ctx))
	require.Equal(t, syncstore.ChildAddress{Address: child, FirstSeen: 50}, it.Value())
	require.False(t, it.Next(ctx))
}

func TestChildAddressesRespectUpToBlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fac := filter.Factory{ParentAddress: common.HexToAddress("0xFAC0000000000000000000000000000000000D")}
	early := common.HexToAddress("0x1111111111111111111111111111111111111A")
	late := common.HexToAddress("0x2222222222222222222222222222222222222B")

	require.NoError(t, s.InsertChildAddresses(ctx, 1, fac, map[common.Address]uint64{
		early: 10,
		late:  1000,
	}))

	it, err := s.GetChildAddresses(ctx, 1, fac, 500)
	require.NoError(t, err)
	defer it.Close()

	var seen []common.Address
	for it.Next(ctx) {
		seen = append(seen, it.Value().Address)
	}
	require.Equal(t, []common.Address{early}, seen)
}

func TestIntervalsUnionAcrossInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := filter.BlockFilter{}

	require.NoError(t, s.InsertIntervals(ctx, 1, []syncstore.FilterInterval{
		{Filter: f, Interval: interval.Interval{From: 0, To: 100}},
	}))
	require.NoError(t, s.InsertIntervals(ctx, 1, []syncstore.FilterInterval{
		{Filter: f, Interval: interval.Interval{From: 101, To: 200}},
	}))

	got, err := s.GetIntervals(ctx, 1, []filter.Filter{f})
	require.NoError(t, err)
	require.Equal(t, interval.Set{{From: 0, To: 200}}, got[0])
}

func TestGetIntervalsIntersectsFragments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addr1 := common.HexToAddress("0x1111111111111111111111111111111111111A")
	addr2 := common.HexToAddress("0x2222222222222222222222222222222222222B")
	multi := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{addr1, addr2}}}

	single1 := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{addr1}}}
	single2 := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{addr2}}}

	require.NoError(t, s.InsertIntervals(ctx, 1, []syncstore.FilterInterval{
		{Filter: single1, Interval: interval.Interval{From: 0, To: 100}},
	}))
	require.NoError(t, s.InsertIntervals(ctx, 1, []syncstore.FilterInterval{
		{Filter: single2, Interval: interval.Interval{From: 50, To: 150}},
	}))

	got, err := s.GetIntervals(ctx, 1, []filter.Filter{multi})
	require.NoError(t, err)
	require.Equal(t, interval.Set{{From: 50, To: 100}}, got[0])
}

func TestPruneRPCRequestResultsByBlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addr := common.HexToAddress("0x1111111111111111111111111111111111111A")
	k1 := syncstore.RPCCacheKey{ChainID: 1, BlockNumber: 10, Address: addr, Calldata: "0xaa"}
	k2 := syncstore.RPCCacheKey{ChainID: 1, BlockNumber: 20, Address: addr, Calldata: "0xbb"}

	require.NoError(t, s.InsertRPCRequestResult(ctx, k1, []byte("one")))
	require.NoError(t, s.InsertRPCRequestResult(ctx, k2, []byte("two")))

	require.NoError(t, s.PruneRPCRequestResults(ctx, 1, []uint64{10}))

	_, ok, err := s.GetRPCRequestResult(ctx, k1)
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := s.GetRPCRequestResult(ctx, k2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("two"), v)
}
