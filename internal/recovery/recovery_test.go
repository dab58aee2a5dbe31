package recovery

import (
	"context"
	"math/big"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/syncstore"
)

// fakeStore/fakeRPC embed the real interfaces (nil) and override only the
// methods Recover actually calls; any unexpected call panics on a nil
// method value, which is fine — nothing else should be reached.
type fakeStore struct {
	syncstore.Store
	cp checkpoint.Checkpoint
}

func (f *fakeStore) GetCheckpoint(ctx context.Context, chainID uint64) (checkpoint.Checkpoint, error) {
	return f.cp, nil
}

type fakeRPC struct {
	chain.Rpc
	blocks map[uint64]*ethtypes.Block
}

func (f *fakeRPC) GetBlockByNumber(ctx context.Context, number uint64, withTxs bool) (*ethtypes.Block, error) {
	return f.blocks[number], nil
}

func header(number uint64) *ethtypes.Header {
	return &ethtypes.Header{Number: new(big.Int).SetUint64(number)}
}

func TestRecoverStartsFreshWhenNoCheckpointCommitted(t *testing.T) {
	store := &fakeStore{cp: checkpoint.Zero}
	rpc := &fakeRPC{blocks: map[uint64]*ethtypes.Block{
		99: ethtypes.NewBlockWithHeader(header(99)),
	}}

	rec, err := Recover(context.Background(), store, rpc, 1, 100, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, checkpoint.Zero, rec.Checkpoint)
	require.Equal(t, uint64(100), rec.HistoricalFrom)
	require.Equal(t, uint64(99), rec.Anchor.Number)
}

func TestRecoverStartsFromGenesisWhenStartBlockIsZero(t *testing.T) {
	store := &fakeStore{cp: checkpoint.Zero}
	rpc := &fakeRPC{blocks: map[uint64]*ethtypes.Block{
		0: ethtypes.NewBlockWithHeader(header(0)),
	}}

	rec, err := Recover(context.Background(), store, rpc, 1, 0, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.HistoricalFrom)
	require.Equal(t, uint64(0), rec.Anchor.Number)
}

func TestRecoverResumesAfterCommittedCheckpoint(t *testing.T) {
	cp := checkpoint.Encode(5000, 1, 42, 0, 0, checkpoint.TypeLog)
	store := &fakeStore{cp: cp}
	rpc := &fakeRPC{blocks: map[uint64]*ethtypes.Block{
		42: ethtypes.NewBlockWithHeader(header(42)),
	}}

	rec, err := Recover(context.Background(), store, rpc, 1, 0, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, cp, rec.Checkpoint)
	require.Equal(t, uint64(43), rec.HistoricalFrom)
	require.Equal(t, uint64(42), rec.Anchor.Number)
}
