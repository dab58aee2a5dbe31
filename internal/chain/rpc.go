// Package chain provides the Rpc capability consumed by historical and
// realtime sync: a go-ethereum-backed client plus the raw data shapes it
// returns. Contract-call decoding and filter construction from user config
// are out of scope here (§1) — this package only fetches and subscribes.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// TraceRecord is one entry from a block trace fetch: the owning
// transaction hash plus the call-tree fields downstream filters match on.
type TraceRecord struct {
	TxHash      [32]byte
	TxIndex     uint
	TraceIndex  uint
	Type        string // "call", "create", "suicide", ...
	CallType    string // "call", "delegatecall", "staticcall", ... (empty for non-call types)
	From        [20]byte
	To          [20]byte
	Value       *big.Int
	Input       []byte
	Output      []byte
	Error       string
}

// FilterQuery mirrors ethereum.FilterQuery; re-exported so callers outside
// this package don't need to import go-ethereum directly for log queries.
type FilterQuery = ethereum.FilterQuery

// Rpc is the capability surface historical/realtime sync depend on. It is
// the boundary named "assume a Rpc capability" in spec §1: only chain.Client
// (below) is a concrete implementation in this module.
type Rpc interface {
	ChainID(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, number uint64, withTxs bool) (*types.Block, error)
	GetBlockByHash(ctx context.Context, hash [32]byte, withTxs bool) (*types.Block, error)
	GetLogs(ctx context.Context, q FilterQuery) ([]types.Log, error)
	TraceBlockByNumber(ctx context.Context, number uint64) ([]TraceRecord, error)
	GetTransactionReceipt(ctx context.Context, hash [32]byte) (*types.Receipt, error)
	Call(ctx context.Context, to [20]byte, data []byte, blockNumber uint64) ([]byte, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	Subscribe(ctx context.Context) (<-chan *types.Header, ethereum.Subscription, error)
}
