package realtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/pkg/types"
)

func hash(b byte) [32]byte {
	var h [32]byte
	h[31] = b
	return h
}

func block(n uint64, h, parent [32]byte) types.Block {
	return types.Block{Number: n, Hash: h, ParentHash: parent, Timestamp: 1000 + n}
}

// fakeRPC only implements what the tracker actually calls: LatestBlockNumber
// and GetBlockByHash (for ancestor walk-back validation). Every other
// method is unused by realtime and returns an error if accidentally called.
type fakeRPC struct {
	latest      uint64
	validHashes map[[32]byte]bool
}

func (f *fakeRPC) ChainID(ctx context.Context) (uint64, error) { return 1, nil }
func (f *fakeRPC) GetBlockByNumber(ctx context.Context, number uint64, withTxs bool) (*ethtypes.Block, error) {
	return nil, fmt.Errorf("not used")
}
func (f *fakeRPC) GetBlockByHash(ctx context.Context, h [32]byte, withTxs bool) (*ethtypes.Block, error) {
	if f.validHashes[h] {
		return &ethtypes.Block{}, nil
	}
	return nil, fmt.Errorf("not found")
}
func (f *fakeRPC) GetLogs(ctx context.Context, q chain.FilterQuery) ([]ethtypes.Log, error) {
	return nil, fmt.Errorf("not used")
}
func (f *fakeRPC) TraceBlockByNumber(ctx context.Context, number uint64) ([]chain.TraceRecord, error) {
	return nil, fmt.Errorf("not used")
}
func (f *fakeRPC) GetTransactionReceipt(ctx context.Context, h [32]byte) (*ethtypes.Receipt, error) {
	return nil, fmt.Errorf("not used")
}
func (f *fakeRPC) Call(ctx context.Context, to [20]byte, data []byte, blockNumber uint64) ([]byte, error) {
	return nil, fmt.Errorf("not used")
}
func (f *fakeRPC) LatestBlockNumber(ctx context.Context) (uint64, error) { return f.latest, nil }
func (f *fakeRPC) Subscribe(ctx context.Context) (<-chan *ethtypes.Header, ethereum.Subscription, error) {
	return nil, nil, fmt.Errorf("not used")
}

var _ chain.Rpc = (*fakeRPC)(nil)

func TestAdvanceExtendsLinearly(t *testing.T) {
	rpc := &fakeRPC{latest: 3}
	fetch := func(ctx context.Context, chainID uint64, n uint64) (types.RawBlockData, error) {
		return types.RawBlockData{Chain: chainID, Block: block(n, hash(byte(n)), hash(byte(n-1)))}, nil
	}

	tr := New(rpc, 1, 100, nil, fetch, zerolog.Nop())
	tr.Seed(block(0, hash(0), hash(0)))

	res, err := tr.Advance(context.Background())
	require.NoError(t, err)
	require.Nil(t, res.Reorg)
	require.Len(t, res.Blocks, 3)
	require.Equal(t, uint64(1), res.Blocks[0].Block.Number)
	require.Equal(t, uint64(3), res.Blocks[2].Block.Number)
	require.Nil(t, res.Finalize) // finality=100, target=3: nothing finalized yet
}

func TestAdvanceIsIdleWhenNoNewBlocks(t *testing.T) {
	rpc := &fakeRPC{latest: 0}
	fetch := func(ctx context.Context, chainID uint64, n uint64) (types.RawBlockData, error) {
		t.Fatalf("fetch should not be called")
		return types.RawBlockData{}, nil
	}
	tr := New(rpc, 1, 100, nil, fetch, zerolog.Nop())
	tr.Seed(block(0, hash(0), hash(0)))

	res, err := tr.Advance(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Blocks)
	require.Equal(t, StateIdle, tr.State())
}

func TestAdvanceDetectsReorgAndWalksBackToAncestor(t *testing.T) {
	h0, h1, h2 := hash(0), hash(1), hash(2)
	reorged := false

	rpc := &fakeRPC{latest: 3, validHashes: map[[32]byte]bool{h0: true, h1: true}} // h2 was reorged out

	fetch := func(ctx context.Context, chainID uint64, n uint64) (types.RawBlockData, error) {
		if n == 3 && !reorged {
			reorged = true
			// First attempt: chain head has moved to a branch whose block 3
			// doesn't build on our buffered block 2 at all.
			return types.RawBlockData{Chain: chainID, Block: block(3, hash(30), hash(99))}, nil
		}
		if n == 3 {
			// Re-fetch after rewinding to ancestor h1: new branch.
			return types.RawBlockData{Chain: chainID, Block: block(3, hash(31), h1)}, nil
		}
		return types.RawBlockData{}, fmt.Errorf("unexpected fetch for block %d", n)
	}

	tr := New(rpc, 1, 100, nil, fetch, zerolog.Nop())
	tr.Seed(block(0, h0, h0))
	tr.buffer = append(tr.buffer, block(1, h1, h0), block(2, h2, h1))

	res, err := tr.Advance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Reorg)
	require.Equal(t, uint64(1), res.Reorg.Block.Number)
	require.Equal(t, []uint64{2}, res.Reorg.ReorgedBlocks)
	require.Len(t, res.Blocks, 1)
	require.Equal(t, uint64(3), res.Blocks[0].Block.Number)
	require.Equal(t, h1, res.Blocks[0].Block.ParentHash)
}

func TestAdvanceEmitsFinalizeOncePastFinalityDepth(t *testing.T) {
	rpc := &fakeRPC{latest: 10}
	fetch := func(ctx context.Context, chainID uint64, n uint64) (types.RawBlockData, error) {
		return types.RawBlockData{Chain: chainID, Block: block(n, hash(byte(n)), hash(byte(n-1)))}, nil
	}
	tr := New(rpc, 1, 5, nil, fetch, zerolog.Nop())
	tr.Seed(block(0, hash(0), hash(0)))

	res, err := tr.Advance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Finalize)
	require.Equal(t, uint64(5), res.Finalize.Block.Number) // floor = target(10) - finality(5)
}

func TestAdvanceStopsAtEndBound(t *testing.T) {
	end := uint64(2)
	rpc := &fakeRPC{latest: 10}
	fetch := func(ctx context.Context, chainID uint64, n uint64) (types.RawBlockData, error) {
		return types.RawBlockData{Chain: chainID, Block: block(n, hash(byte(n)), hash(byte(n-1)))}, nil
	}
	tr := New(rpc, 1, 100, &end, fetch, zerolog.Nop())
	tr.Seed(block(0, hash(0), hash(0)))

	res, err := tr.Advance(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Blocks, 2)
	require.Equal(t, StateEnded, tr.State())

	res2, err := tr.Advance(context.Background())
	require.NoError(t, err)
	require.Empty(t, res2.Blocks)
}
