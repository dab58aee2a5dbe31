package historical

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/syncerrors"
	"github.com/0xkanth/omnisync/internal/syncstore"
)

// fakeRPC is a minimal in-memory chain.Rpc for exercising Syncer without a
// real node. logs are filtered by block range, address, and first topic
// slot; rangeTooLargeOver makes GetLogs reject every query wider than that
// many blocks, with an error suggesting a range of exactly that width.
type fakeRPC struct {
	logs              []ethtypes.Log
	rangeTooLargeOver uint64 // GetLogs rejects any query spanning more than this many blocks
	calls             int
}

func (f *fakeRPC) ChainID(ctx context.Context) (uint64, error) { return 1, nil }

func (f *fakeRPC) GetBlockByNumber(ctx context.Context, number uint64, withTxs bool) (*ethtypes.Block, error) {
	header := &ethtypes.Header{Number: new(big.Int).SetUint64(number), Time: 1000 + number}
	return ethtypes.NewBlockWithHeader(header), nil
}

func (f *fakeRPC) GetBlockByHash(ctx context.Context, hash [32]byte, withTxs bool) (*ethtypes.Block, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeRPC) GetLogs(ctx context.Context, q chain.FilterQuery) ([]ethtypes.Log, error) {
	f.calls++
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.rangeTooLargeOver > 0 && to-from+1 > f.rangeTooLargeOver {
		return nil, syncerrors.Newf(syncerrors.RpcRangeTooLarge,
			"query returned more than 10000 results, try with this block range [%d, %d]", from, from+f.rangeTooLargeOver-1)
	}
	var out []ethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 {
			match := false
			for _, a := range q.Addresses {
				if a == l.Address {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			match := false
			for _, want := range q.Topics[0] {
				if len(l.Topics) > 0 && l.Topics[0] == want {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeRPC) TraceBlockByNumber(ctx context.Context, number uint64) ([]chain.TraceRecord, error) {
	return nil, nil
}
func (f *fakeRPC) GetTransactionReceipt(ctx context.Context, hash [32]byte) (*ethtypes.Receipt, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRPC) Call(ctx context.Context, to [20]byte, data []byte, blockNumber uint64) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRPC) LatestBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeRPC) Subscribe(ctx context.Context) (<-chan *ethtypes.Header, ethereum.Subscription, error) {
	return nil, nil, fmt.Errorf("not implemented")
}

// fakeStore is a minimal in-memory syncstore.Store.
type fakeStore struct {
	fragIntervals   map[string]interval.Set
	insertedLogs    int
	insertedBlocks  int
	childAddrs      map[string]map[common.Address]uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fragIntervals: make(map[string]interval.Set),
		childAddrs:    make(map[string]map[common.Address]uint64),
	}
}

func (s *fakeStore) InsertBlocks(ctx context.Context, chainID uint64, blocks []*ethtypes.Block) error {
	s.insertedBlocks += len(blocks)
	return nil
}
func (s *fakeStore) InsertTransactions(ctx context.Context, chainID uint64, txs []*ethtypes.Transaction, blockNumber uint64) error {
	return nil
}
func (s *fakeStore) InsertTransactionReceipts(ctx context.Context, chainID uint64, receipts []*ethtypes.Receipt) error {
	return nil
}
func (s *fakeStore) InsertLogs(ctx context.Context, chainID uint64, logs []ethtypes.Log) error {
	s.insertedLogs += len(logs)
	return nil
}
func (s *fakeStore) InsertTraces(ctx context.Context, chainID uint64, traces []chain.TraceRecord, blockNumber uint64) error {
	return nil
}
func (s *fakeStore) InsertChildAddresses(ctx context.Context, chainID uint64, fac filter.Factory, addrs map[common.Address]uint64) error {
	key := factoryKey(fac)
	if s.childAddrs[key] == nil {
		s.childAddrs[key] = make(map[common.Address]uint64)
	}
	for addr, block := range addrs {
		if existing, ok := s.childAddrs[key][addr]; !ok || block < existing {
			s.childAddrs[key][addr] = block
		}
	}
	return nil
}
func (s *fakeStore) GetChildAddresses(ctx context.Context, chainID uint64, fac filter.Factory, upToBlock uint64) (syncstore.AddressIterator, error) {
	var entries []syncstore.ChildAddress
	for addr, block := range s.childAddrs[factoryKey(fac)] {
		if block <= upToBlock {
			entries = append(entries, syncstore.ChildAddress{Address: addr, FirstSeen: block})
		}
	}
	return &fakeAddressIterator{entries: entries, idx: -1}, nil
}
func (s *fakeStore) InsertIntervals(ctx context.Context, chainID uint64, items []syncstore.FilterInterval) error {
	for _, item := range items {
		for _, frag := range filter.Decompose(item.Filter) {
			s.fragIntervals[frag.ID] = interval.Union(s.fragIntervals[frag.ID], interval.New(item.Interval))
		}
	}
	return nil
}
func (s *fakeStore) GetIntervals(ctx context.Context, chainID uint64, filters []filter.Filter) ([]interval.Set, error) {
	out := make([]interval.Set, len(filters))
	for i, f := range filters {
		frags := filter.Decompose(f)
		if len(frags) == 0 {
			continue
		}
		var cached interval.Set
		for j, frag := range frags {
			set := s.fragIntervals[frag.ID]
			if j == 0 {
				cached = set
			} else {
				cached = interval.Intersection(cached, set)
			}
		}
		out[i] = cached
	}
	return out, nil
}
func (s *fakeStore) PruneRPCRequestResults(ctx context.Context, chainID uint64, reorgedBlocks []uint64) error {
	return nil
}
func (s *fakeStore) CommitCheckpoint(ctx context.Context, chainID uint64, cp checkpoint.Checkpoint) error {
	return nil
}
func (s *fakeStore) GetCheckpoint(ctx context.Context, chainID uint64) (checkpoint.Checkpoint, error) {
	return checkpoint.Zero, nil
}
func (s *fakeStore) InsertRPCRequestResult(ctx context.Context, key syncstore.RPCCacheKey, value []byte) error {
	return nil
}
func (s *fakeStore) GetRPCRequestResult(ctx context.Context, key syncstore.RPCCacheKey) ([]byte, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) Close() error { return nil }

type fakeAddressIterator struct {
	entries []syncstore.ChildAddress
	idx     int
}

func (it *fakeAddressIterator) Next(ctx context.Context) bool {
	it.idx++
	return it.idx < len(it.entries)
}
func (it *fakeAddressIterator) Value() syncstore.ChildAddress { return it.entries[it.idx] }
func (it *fakeAddressIterator) Err() error                    { return nil }
func (it *fakeAddressIterator) Close() error                  { return nil }

var _ syncstore.Store = (*fakeStore)(nil)
var _ chain.Rpc = (*fakeRPC)(nil)

func addr(hex string) common.Address { return common.HexToAddress(hex) }

func TestSyncFetchesRequiredRangeAndCachesInterval(t *testing.T) {
	a := addr("0x1111111111111111111111111111111111111A")
	rpc := &fakeRPC{logs: []ethtypes.Log{
		{Address: a, BlockNumber: 5, TxIndex: 0, Index: 0},
		{Address: a, BlockNumber: 8, TxIndex: 0, Index: 0},
	}}
	store := newFakeStore()
	s := New(rpc, store, Config{Workers: 2, MaxBlockRange: 100}, zerolog.Nop())

	f := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{a}}}
	f.Chain = 1

	blocks, err := s.Sync(context.Background(), 1, []filter.Filter{f}, interval.Interval{From: 0, To: 10})
	require.NoError(t, err)
	require.Len(t, blocks, 11) // blocks 0..10
	require.Equal(t, 2, store.insertedLogs)

	cached, err := store.GetIntervals(context.Background(), 1, []filter.Filter{f})
	require.NoError(t, err)
	require.Equal(t, interval.Set{{From: 0, To: 10}}, cached[0])
}

func TestSyncSkipsAlreadyCachedRange(t *testing.T) {
	a := addr("0x1111111111111111111111111111111111111A")
	f := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{a}}}
	f.Chain = 1

	store := newFakeStore()
	require.NoError(t, store.InsertIntervals(context.Background(), 1, []syncstore.FilterInterval{
		{Filter: f, Interval: interval.Interval{From: 0, To: 10}},
	}))

	rpc := &fakeRPC{}
	s := New(rpc, store, Config{Workers: 2, MaxBlockRange: 100}, zerolog.Nop())

	blocks, err := s.Sync(context.Background(), 1, []filter.Filter{f}, interval.Interval{From: 0, To: 10})
	require.NoError(t, err)
	require.Nil(t, blocks)
	require.Equal(t, 0, rpc.calls)
}

func TestFetchLogsRangeSplitsAtSuggestedRangeOnRangeTooLarge(t *testing.T) {
	a := addr("0x1111111111111111111111111111111111111A")
	rpc := &fakeRPC{
		rangeTooLargeOver: 3,
		logs: []ethtypes.Log{
			{Address: a, BlockNumber: 0, TxIndex: 0, Index: 0},
			{Address: a, BlockNumber: 4, TxIndex: 0, Index: 0},
			{Address: a, BlockNumber: 9, TxIndex: 0, Index: 0},
		},
	}
	s := New(rpc, newFakeStore(), Config{Workers: 1, MaxBlockRange: 100}, zerolog.Nop())

	f := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{a}}}
	f.Chain = 1

	logs, err := s.fetchLogsRange(context.Background(), f, 0, 9)
	require.NoError(t, err)
	require.Len(t, logs, 3)
}

func TestFactoryDiscoversChildAddressesFromParentLogs(t *testing.T) {
	parent := addr("0x2222222222222222222222222222222222222B")
	child := addr("0x3333333333333333333333333333333333333C")
	selector := common.HexToHash("0xabc")

	rpc := &fakeRPC{logs: []ethtypes.Log{
		{Address: parent, BlockNumber: 3, Topics: []common.Hash{selector, common.BytesToHash(child.Bytes())}},
	}}
	store := newFakeStore()
	s := New(rpc, store, Config{Workers: 1, MaxBlockRange: 100}, zerolog.Nop())

	fac := filter.Factory{ChainID: 1, ParentAddress: parent, EventSelector: selector, ChildAddressLocation: filter.TopicSlot(1)}
	lf := filter.LogFilter{Address: filter.AddressSource{Factory: &fac}}
	lf.Chain = 1

	discovered, err := s.resolveFactories(context.Background(), 1, []filter.Filter{lf}, interval.Interval{From: 0, To: 10})
	require.NoError(t, err)
	require.Equal(t, uint64(3), discovered[child])
}

func TestFetchBlockAssemblesSingleBlockForRealtimeFetcher(t *testing.T) {
	a := addr("0x1111111111111111111111111111111111111A")
	rpc := &fakeRPC{logs: []ethtypes.Log{
		{Address: a, BlockNumber: 7, TxIndex: 0, Index: 0},
	}}
	store := newFakeStore()
	s := New(rpc, store, Config{Workers: 1, MaxBlockRange: 100}, zerolog.Nop())

	f := filter.LogFilter{Address: filter.AddressSource{Addresses: []common.Address{a}}}
	f.Chain = 1

	data, err := s.FetchBlock(context.Background(), 1, []filter.Filter{f}, nil, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), data.Block.Number)
	require.Len(t, data.Logs, 1)
}
