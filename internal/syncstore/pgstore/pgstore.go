// Package pgstore is the Postgres-backed Store implementation: one
// pgxpool.Pool, raw-data tables keyed by (chain_id, ...), and
// ON CONFLICT DO NOTHING/DO UPDATE upserts so replays are idempotent.
// Grounded on the teacher's cmd/consumer insert helpers, which used the
// same pgxpool.Pool.Exec + ON CONFLICT DO NOTHING shape for one table at a
// time; this generalizes it across every raw-data table the façade needs
// and adds the interval/checkpoint/rpc-cache tables the teacher never had.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/syncerrors"
	"github.com/0xkanth/omnisync/internal/syncstore"
)

// Store is a Postgres-backed syncstore.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and runs Migrate before returning.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates every table this store needs, idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sync_blocks (
	chain_id BIGINT NOT NULL,
	number BIGINT NOT NULL,
	hash TEXT NOT NULL,
	parent_hash TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	PRIMARY KEY (chain_id, number)
);
CREATE TABLE IF NOT EXISTS sync_transactions (
	chain_id BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	hash TEXT NOT NULL,
	raw JSONB NOT NULL,
	PRIMARY KEY (chain_id, hash)
);
CREATE TABLE IF NOT EXISTS sync_receipts (
	chain_id BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	raw JSONB NOT NULL,
	PRIMARY KEY (chain_id, tx_hash)
);
CREATE TABLE IF NOT EXISTS sync_logs (
	chain_id BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	log_index INT NOT NULL,
	raw JSONB NOT NULL,
	PRIMARY KEY (chain_id, block_number, log_index)
);
CREATE TABLE IF NOT EXISTS sync_traces (
	chain_id BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	tx_index INT NOT NULL,
	trace_index INT NOT NULL,
	raw JSONB NOT NULL,
	PRIMARY KEY (chain_id, block_number, tx_index, trace_index)
);
CREATE TABLE IF NOT EXISTS sync_child_addresses (
	chain_id BIGINT NOT NULL,
	factory_key TEXT NOT NULL,
	address TEXT NOT NULL,
	first_seen BIGINT NOT NULL,
	PRIMARY KEY (chain_id, factory_key, address)
);
CREATE TABLE IF NOT EXISTS sync_intervals (
	chain_id BIGINT NOT NULL,
	fragment_id TEXT NOT NULL,
	ranges JSONB NOT NULL,
	PRIMARY KEY (chain_id, fragment_id)
);
CREATE TABLE IF NOT EXISTS sync_checkpoints (
	chain_id BIGINT PRIMARY KEY,
	checkpoint BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_rpc_cache (
	chain_id BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	address TEXT NOT NULL,
	calldata TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (chain_id, block_number, address, calldata)
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertBlocks(ctx context.Context, chainID uint64, blocks []*types.Block) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, blk := range blocks {
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_blocks (chain_id, number, hash, parent_hash, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chain_id, number) DO UPDATE SET hash = EXCLUDED.hash, parent_hash = EXCLUDED.parent_hash, timestamp = EXCLUDED.timestamp
		`, chainID, blk.NumberU64(), blk.Hash().Hex(), blk.ParentHash().Hex(), blk.Time())
		if err != nil {
			return syncerrors.New(syncerrors.DbTransient, fmt.Errorf("insert block %d: %w", blk.NumberU64(), err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	return nil
}

func (s *Store) InsertTransactions(ctx context.Context, chainID uint64, txs []*types.Transaction, blockNumber uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, t := range txs {
		raw, err := t.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal tx %s: %w", t.Hash(), err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_transactions (chain_id, block_number, hash, raw)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chain_id, hash) DO NOTHING
		`, chainID, blockNumber, t.Hash().Hex(), raw)
		if err != nil {
			return syncerrors.New(syncerrors.DbTransient, fmt.Errorf("insert tx %s: %w", t.Hash(), err))
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertTransactionReceipts(ctx context.Context, chainID uint64, receipts []*types.Receipt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, r := range receipts {
		raw, err := r.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal receipt %s: %w", r.TxHash, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_receipts (chain_id, tx_hash, raw)
			VALUES ($1, $2, $3)
			ON CONFLICT (chain_id, tx_hash) DO NOTHING
		`, chainID, r.TxHash.Hex(), raw)
		if err != nil {
			return syncerrors.New(syncerrors.DbTransient, fmt.Errorf("insert receipt %s: %w", r.TxHash, err))
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertLogs(ctx context.Context, chainID uint64, logs []types.Log) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, l := range logs {
		raw, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshal log %s:%d: %w", l.TxHash, l.Index, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_logs (chain_id, block_number, log_index, raw)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chain_id, block_number, log_index) DO NOTHING
		`, chainID, l.BlockNumber, l.Index, raw)
		if err != nil {
			return syncerrors.New(syncerrors.DbTransient, fmt.Errorf("insert log %s:%d: %w", l.TxHash, l.Index, err))
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertTraces(ctx context.Context, chainID uint64, traces []chain.TraceRecord, blockNumber uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, t := range traces {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trace %x:%d: %w", t.TxHash, t.TraceIndex, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_traces (chain_id, block_number, tx_index, trace_index, raw)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chain_id, block_number, tx_index, trace_index) DO NOTHING
		`, chainID, blockNumber, t.TxIndex, t.TraceIndex, raw)
		if err != nil {
			return syncerrors.New(syncerrors.DbTransient, fmt.Errorf("insert trace %x:%d: %w", t.TxHash, t.TraceIndex, err))
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertChildAddresses(ctx context.Context, chainID uint64, factory filter.Factory, addrs map[common.Address]uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	key := factoryKey(factory)
	for addr, firstSeen := range addrs {
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_child_addresses (chain_id, factory_key, address, first_seen)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chain_id, factory_key, address) DO UPDATE
				SET first_seen = LEAST(sync_child_addresses.first_seen, EXCLUDED.first_seen)
		`, chainID, key, addr.Hex(), firstSeen)
		if err != nil {
			return syncerrors.New(syncerrors.DbTransient, fmt.Errorf("insert child address %s: %w", addr, err))
		}
	}
	return tx.Commit(ctx)
}

type addressRows struct {
	rows pgx.Rows
}

func (it *addressRows) Next(ctx context.Context) bool { return it.rows.Next() }
func (it *addressRows) Value() syncstore.ChildAddress {
	var addrHex string
	var firstSeen uint64
	_ = it.rows.Scan(&addrHex, &firstSeen)
	return syncstore.ChildAddress{Address: common.HexToAddress(addrHex), FirstSeen: firstSeen}
}
func (it *addressRows) Err() error   { return it.rows.Err() }
func (it *addressRows) Close() error { it.rows.Close(); return nil }

func (s *Store) GetChildAddresses(ctx context.Context, chainID uint64, factory filter.Factory, upToBlock uint64) (syncstore.AddressIterator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, first_seen FROM sync_child_addresses
		WHERE chain_id = $1 AND factory_key = $2 AND first_seen <= $3
		ORDER BY first_seen ASC
	`, chainID, factoryKey(factory), upToBlock)
	if err != nil {
		return nil, syncerrors.New(syncerrors.DbTransient, err)
	}
	return &addressRows{rows: rows}, nil
}

func factoryKey(f filter.Factory) string {
	frags := filter.Decompose(filter.LogFilter{Address: filter.AddressSource{Factory: &f}})
	if len(frags) == 0 {
		return ""
	}
	return frags[0].ID
}

func (s *Store) InsertIntervals(ctx context.Context, chainID uint64, items []syncstore.FilterInterval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		for _, frag := range filter.Decompose(item.Filter) {
			var existing interval.Set
			row := tx.QueryRow(ctx, `SELECT ranges FROM sync_intervals WHERE chain_id = $1 AND fragment_id = $2`, chainID, frag.ID)
			var raw []byte
			if err := row.Scan(&raw); err == nil {
				_ = json.Unmarshal(raw, &existing)
			} else if err != pgx.ErrNoRows {
				return syncerrors.New(syncerrors.DbTransient, err)
			}

			merged := interval.Union(existing, interval.New(item.Interval))
			data, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO sync_intervals (chain_id, fragment_id, ranges)
				VALUES ($1, $2, $3)
				ON CONFLICT (chain_id, fragment_id) DO UPDATE SET ranges = EXCLUDED.ranges
			`, chainID, frag.ID, data)
			if err != nil {
				return syncerrors.New(syncerrors.DbTransient, err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetIntervals(ctx context.Context, chainID uint64, filters []filter.Filter) ([]interval.Set, error) {
	out := make([]interval.Set, len(filters))
	for idx, f := range filters {
		frags := filter.Decompose(f)
		if len(frags) == 0 {
			continue
		}
		var cached interval.Set
		for i, frag := range frags {
			var raw []byte
			row := s.pool.QueryRow(ctx, `SELECT ranges FROM sync_intervals WHERE chain_id = $1 AND fragment_id = $2`, chainID, frag.ID)
			var set interval.Set
			if err := row.Scan(&raw); err == nil {
				if err := json.Unmarshal(raw, &set); err != nil {
					return nil, fmt.Errorf("decode interval set for %s: %w", frag.ID, err)
				}
			} else if err != pgx.ErrNoRows {
				return nil, syncerrors.New(syncerrors.DbTransient, err)
			}
			if i == 0 {
				cached = set
			} else {
				cached = interval.Intersection(cached, set)
			}
		}
		out[idx] = cached
	}
	return out, nil
}

func (s *Store) PruneRPCRequestResults(ctx context.Context, chainID uint64, reorgedBlocks []uint64) error {
	if len(reorgedBlocks) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_rpc_cache WHERE chain_id = $1 AND block_number = ANY($2)
	`, chainID, reorgedBlocks)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	return nil
}

func (s *Store) CommitCheckpoint(ctx context.Context, chainID uint64, cp checkpoint.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_checkpoints (chain_id, checkpoint)
		VALUES ($1, $2)
		ON CONFLICT (chain_id) DO UPDATE SET checkpoint = EXCLUDED.checkpoint
	`, chainID, cp[:])
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, chainID uint64) (checkpoint.Checkpoint, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT checkpoint FROM sync_checkpoints WHERE chain_id = $1`, chainID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return checkpoint.Zero, nil
	}
	if err != nil {
		return checkpoint.Zero, syncerrors.New(syncerrors.DbTransient, err)
	}
	if len(raw) != checkpoint.Size {
		return checkpoint.Zero, syncerrors.Newf(syncerrors.DbConstraint, "corrupt checkpoint for chain %d: %d bytes", chainID, len(raw))
	}
	var cp checkpoint.Checkpoint
	copy(cp[:], raw)
	return cp, nil
}

func (s *Store) InsertRPCRequestResult(ctx context.Context, key syncstore.RPCCacheKey, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_rpc_cache (chain_id, block_number, address, calldata, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, block_number, address, calldata) DO UPDATE SET value = EXCLUDED.value
	`, key.ChainID, key.BlockNumber, key.Address.Hex(), key.Calldata, value)
	if err != nil {
		return syncerrors.New(syncerrors.DbTransient, err)
	}
	return nil
}

func (s *Store) GetRPCRequestResult(ctx context.Context, key syncstore.RPCCacheKey) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM sync_rpc_cache WHERE chain_id = $1 AND block_number = $2 AND address = $3 AND calldata = $4
	`, key.ChainID, key.BlockNumber, key.Address.Hex(), key.Calldata).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncerrors.New(syncerrors.DbTransient, err)
	}
	return value, true, nil
}

var _ syncstore.Store = (*Store)(nil)
