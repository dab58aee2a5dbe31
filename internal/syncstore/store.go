// Package syncstore defines the façade contract for durable persistence of
// raw chain data and interval metadata (spec §4.4). Callers never assume a
// SQL schema; two concrete implementations exist — pgstore (Postgres via
// pgx/v5) and boltstore (embedded, bbolt) — both satisfying Store.
package syncstore

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
)

// FilterInterval pairs a filter with the block-number interval it is being
// marked cached over.
type FilterInterval struct {
	Filter   filter.Filter
	Interval interval.Interval
}

// RPCCacheKey identifies one opaque contract-read result: a call made at a
// specific block, to a specific contract, with specific calldata.
type RPCCacheKey struct {
	ChainID     uint64
	BlockNumber uint64
	Address     common.Address
	Calldata    string // hex-encoded, used as a map/row key
}

// ChildAddress is one entry yielded by a child-address iterator.
type ChildAddress struct {
	Address   common.Address
	FirstSeen uint64
}

// AddressIterator pages over a factory's child addresses, ordered by
// first-seen block number, up to (and including) a bound.
type AddressIterator interface {
	Next(ctx context.Context) bool
	Value() ChildAddress
	Err() error
	Close() error
}

// Store is the sync-store façade every historical/realtime engine is
// written against (spec §4.4). All mutating operations are transactional at
// the granularity of a single call; implementations must make every upsert
// idempotent so retries never corrupt the store.
type Store interface {
	InsertBlocks(ctx context.Context, chainID uint64, blocks []*types.Block) error
	InsertTransactions(ctx context.Context, chainID uint64, txs []*types.Transaction, blockNumber uint64) error
	InsertTransactionReceipts(ctx context.Context, chainID uint64, receipts []*types.Receipt) error
	InsertLogs(ctx context.Context, chainID uint64, logs []types.Log) error
	InsertTraces(ctx context.Context, chainID uint64, traces []chain.TraceRecord, blockNumber uint64) error

	InsertChildAddresses(ctx context.Context, chainID uint64, factory filter.Factory, addrs map[common.Address]uint64) error
	GetChildAddresses(ctx context.Context, chainID uint64, factory filter.Factory, upToBlock uint64) (AddressIterator, error)

	InsertIntervals(ctx context.Context, chainID uint64, items []FilterInterval) error
	// GetIntervals returns the cached interval set for each filter, aligned
	// positionally with filters. Filter is not a comparable type (its
	// variants carry slice fields), so results cannot be keyed by Filter
	// itself.
	GetIntervals(ctx context.Context, chainID uint64, filters []filter.Filter) ([]interval.Set, error)

	PruneRPCRequestResults(ctx context.Context, chainID uint64, reorgedBlocks []uint64) error

	CommitCheckpoint(ctx context.Context, chainID uint64, cp checkpoint.Checkpoint) error
	GetCheckpoint(ctx context.Context, chainID uint64) (checkpoint.Checkpoint, error)

	InsertRPCRequestResult(ctx context.Context, key RPCCacheKey, value []byte) error
	GetRPCRequestResult(ctx context.Context, key RPCCacheKey) ([]byte, bool, error)

	Close() error
}
