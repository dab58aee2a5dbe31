// Package boltstore is the embedded Store implementation: a single bbolt
// file, bucket-per-entity-kind, chain-scoped via a nested bucket keyed by
// chain ID. Adapted from the teacher's internal/db.CheckpointDB, which used
// the same open-with-timeout-and-create-buckets shape for one bucket; this
// generalizes it to every entity kind the sync store façade needs.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	bolt "go.etcd.io/bbolt"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/syncerrors"
	"github.com/0xkanth/omnisync/internal/syncstore"
)

var (
	bucketBlocks         = []byte("blocks")
	bucketTransactions   = []byte("transactions")
	bucketReceipts       = []byte("receipts")
	bucketLogs           = []byte("logs")
	bucketTraces         = []byte("traces")
	bucketChildAddresses = []byte("child_addresses")
	bucketIntervals      = []byte("intervals")
	bucketCheckpoints    = []byte("checkpoints")
	bucketRPCCache       = []byte("rpc_cache")

	topBuckets = [][]byte{
		bucketBlocks, bucketTransactions, bucketReceipts, bucketLogs, bucketTraces,
		bucketChildAddresses, bucketIntervals, bucketCheckpoints, bucketRPCCache,
	}
)

// Store is a bbolt-backed syncstore.Store, suitable for single-process
// deployments and for tests that want a real (non-mocked) persistence layer.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database file at path and ensures every
// top-level bucket this store uses exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range topBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sync store buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func chainBucket(tx *bolt.Tx, top []byte, chainID uint64) (*bolt.Bucket, error) {
	b := tx.Bucket(top)
	key := itob(chainID)
	nested, err := b.CreateBucketIfNotExists(key)
	if err != nil {
		return nil, err
	}
	return nested, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func itob32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// storedBlock avoids depending on whether *types.Block round-trips through
// encoding/json directly: types.Header does (it carries the RPC json tags),
// so the block is split into header + transaction hash list.
type storedBlock struct {
	Header   *types.Header  `json:"header"`
	TxHashes []common.Hash  `json:"tx_hashes"`
}

func (s *Store) InsertBlocks(ctx context.Context, chainID uint64, blocks []*types.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := chainBucket(tx, bucketBlocks, chainID)
		if err != nil {
			return err
		}
		for _, blk := range blocks {
			hashes := make([]common.Hash, 0, len(blk.Transactions()))
			for _, t := range blk.Transactions() {
				hashes = append(hashes, t.Hash())
			}
			data, err := json.Marshal(storedBlock{Header: blk.Header(), TxHashes: hashes})
			if err != nil {
				return fmt.Errorf("marshal block %d: %w", blk.NumberU64(), err)
			}
			if err := b.Put(itob(blk.NumberU64()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertTransactions(ctx context.Context, chainID uint64, txs []*types.Transaction, blockNumber uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := chainBucket(tx, bucketTransactions, chainID)
		if err != nil {
			return err
		}
		for _, t := range txs {
			data, err := t.MarshalJSON()
			if err != nil {
				return fmt.Errorf("marshal tx %s: %w", t.Hash(), err)
			}
			if err := b.Put(t.Hash().Bytes(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertTransactionReceipts(ctx context.Context, chainID uint64, receipts []*types.Receipt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := chainBucket(tx, bucketReceipts, chainID)
		if err != nil {
			return err
		}
		for _, r := range receipts {
			data, err := r.MarshalJSON()
			if err != nil {
				return fmt.Errorf("marshal receipt %s: %w", r.TxHash, err)
			}
			if err := b.Put(r.TxHash.Bytes(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertLogs(ctx context.Context, chainID uint64, logs []types.Log) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := chainBucket(tx, bucketLogs, chainID)
		if err != nil {
			return err
		}
		for _, l := range logs {
			data, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("marshal log %s:%d: %w", l.TxHash, l.Index, err)
			}
			key := append(itob(l.BlockNumber), itob32(uint32(l.Index))...)
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertTraces(ctx context.Context, chainID uint64, traces []chain.TraceRecord, blockNumber uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := chainBucket(tx, bucketTraces, chainID)
		if err != nil {
			return err
		}
		for _, t := range traces {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal trace %x:%d: %w", t.TxHash, t.TraceIndex, err)
			}
			key := append(itob(blockNumber), append(itob32(uint32(t.TxIndex)), itob32(uint32(t.TraceIndex))...)...)
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertChildAddresses(ctx context.Context, chainID uint64, factory filter.Factory, addrs map[common.Address]uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketChildAddresses)
		chainNested, err := top.CreateBucketIfNotExists(itob(chainID))
		if err != nil {
			return err
		}
		b, err := chainNested.CreateBucketIfNotExists([]byte(factoryKey(factory)))
		if err != nil {
			return err
		}
		for addr, firstSeen := range addrs {
			key := addr.Bytes()
			if existing := b.Get(key); existing != nil {
				if binary.BigEndian.Uint64(existing) <= firstSeen {
					continue
				}
			}
			if err := b.Put(key, itob(firstSeen)); err != nil {
				return err
			}
		}
		return nil
	})
}

type addressIterator struct {
	entries []syncstore.ChildAddress
	pos     int
}

func (it *addressIterator) Next(ctx context.Context) bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}
func (it *addressIterator) Value() syncstore.ChildAddress { return it.entries[it.pos-1] }
func (it *addressIterator) Err() error                    { return nil }
func (it *addressIterator) Close() error                  { return nil }

func (s *Store) GetChildAddresses(ctx context.Context, chainID uint64, factory filter.Factory, upToBlock uint64) (syncstore.AddressIterator, error) {
	var entries []syncstore.ChildAddress
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketChildAddresses)
		chainNested := top.Bucket(itob(chainID))
		if chainNested == nil {
			return nil
		}
		b := chainNested.Bucket([]byte(factoryKey(factory)))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			firstSeen := binary.BigEndian.Uint64(v)
			if firstSeen > upToBlock {
				return nil
			}
			entries = append(entries, syncstore.ChildAddress{
				Address:   common.BytesToAddress(k),
				FirstSeen: firstSeen,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].FirstSeen < entries[j].FirstSeen })
	return &addressIterator{entries: entries}, nil
}

func factoryKey(f filter.Factory) string {
	frags := filter.Decompose(filterWithFactory(f))
	if len(frags) == 0 {
		return ""
	}
	return frags[0].ID
}

// filterWithFactory wraps a bare Factory in the minimal LogFilter needed to
// reuse filter.Decompose's canonical factory-fragment-ID rendering, instead
// of duplicating that string format here.
func filterWithFactory(f filter.Factory) filter.Filter {
	return filter.LogFilter{Address: filter.AddressSource{Factory: &f}}
}

func (s *Store) InsertIntervals(ctx context.Context, chainID uint64, items []syncstore.FilterInterval) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketIntervals)
		chainNested, err := top.CreateBucketIfNotExists(itob(chainID))
		if err != nil {
			return err
		}
		for _, item := range items {
			for _, frag := range filter.Decompose(item.Filter) {
				key := []byte(frag.ID)
				var existing interval.Set
				if raw := chainNested.Get(key); raw != nil {
					if err := json.Unmarshal(raw, &existing); err != nil {
						return fmt.Errorf("decode interval set for %s: %w", frag.ID, err)
					}
				}
				merged := interval.Union(existing, interval.New(item.Interval))
				data, err := json.Marshal(merged)
				if err != nil {
					return err
				}
				if err := chainNested.Put(key, data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) GetIntervals(ctx context.Context, chainID uint64, filters []filter.Filter) ([]interval.Set, error) {
	out := make([]interval.Set, len(filters))
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketIntervals)
		chainNested := top.Bucket(itob(chainID))
		if chainNested == nil {
			return nil
		}
		for idx, f := range filters {
			frags := filter.Decompose(f)
			if len(frags) == 0 {
				continue
			}
			var cached interval.Set
			for i, frag := range frags {
				var set interval.Set
				if raw := chainNested.Get([]byte(frag.ID)); raw != nil {
					if err := json.Unmarshal(raw, &set); err != nil {
						return fmt.Errorf("decode interval set for %s: %w", frag.ID, err)
					}
				}
				if i == 0 {
					cached = set
				} else {
					cached = interval.Intersection(cached, set)
				}
			}
			out[idx] = cached
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PruneRPCRequestResults(ctx context.Context, chainID uint64, reorgedBlocks []uint64) error {
	reorged := make(map[uint64]bool, len(reorgedBlocks))
	for _, n := range reorgedBlocks {
		reorged[n] = true
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketRPCCache)
		chainNested := top.Bucket(itob(chainID))
		if chainNested == nil {
			return nil
		}
		var toDelete [][]byte
		err := chainNested.ForEach(func(k, v []byte) error {
			if len(k) < 8 {
				return nil
			}
			blockNumber := binary.BigEndian.Uint64(k[:8])
			if reorged[blockNumber] {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := chainNested.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CommitCheckpoint(ctx context.Context, chainID uint64, cp checkpoint.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.Put(itob(chainID), cp[:])
	})
}

func (s *Store) GetCheckpoint(ctx context.Context, chainID uint64) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		raw := b.Get(itob(chainID))
		if raw == nil {
			cp = checkpoint.Zero
			return nil
		}
		if len(raw) != checkpoint.Size {
			return syncerrors.Newf(syncerrors.DbConstraint, "corrupt checkpoint for chain %d: %d bytes", chainID, len(raw))
		}
		copy(cp[:], raw)
		return nil
	})
	return cp, err
}

func (s *Store) InsertRPCRequestResult(ctx context.Context, key syncstore.RPCCacheKey, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketRPCCache)
		chainNested, err := top.CreateBucketIfNotExists(itob(key.ChainID))
		if err != nil {
			return err
		}
		return chainNested.Put(rpcCacheKeyBytes(key), value)
	})
}

func (s *Store) GetRPCRequestResult(ctx context.Context, key syncstore.RPCCacheKey) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketRPCCache)
		chainNested := top.Bucket(itob(key.ChainID))
		if chainNested == nil {
			return nil
		}
		raw := chainNested.Get(rpcCacheKeyBytes(key))
		if raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func rpcCacheKeyBytes(key syncstore.RPCCacheKey) []byte {
	k := make([]byte, 0, 8+20+len(key.Calldata))
	k = append(k, itob(key.BlockNumber)...)
	k = append(k, key.Address.Bytes()...)
	k = append(k, []byte(key.Calldata)...)
	return k
}

var _ syncstore.Store = (*Store)(nil)
