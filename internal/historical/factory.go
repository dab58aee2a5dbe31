package historical

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xkanth/omnisync/internal/filter"
	"github.com/0xkanth/omnisync/internal/interval"
	"github.com/0xkanth/omnisync/internal/syncstore"
)

// resolveFactories ensures every factory's parent filter is synced over
// span, extracts child addresses from the freshly-fetched parent logs, and
// returns the union of newly- and previously-discovered addresses across
// every factory referenced by filters (spec §4.2/§4.5: "factory parent sync
// recurses at most one level").
func (s *Syncer) resolveFactories(ctx context.Context, chainID uint64, filters []filter.Filter, span interval.Interval) (map[common.Address]uint64, error) {
	seen := make(map[string]filter.Factory)
	for _, f := range filters {
		lf, ok := f.(filter.LogFilter)
		if !ok || lf.Address.Factory == nil {
			continue
		}
		fac := *lf.Address.Factory
		seen[factoryKey(fac)] = fac
	}
	if len(seen) == 0 {
		return nil, nil
	}

	combined := make(map[common.Address]uint64)
	for _, fac := range seen {
		discovered, err := s.syncFactoryParent(ctx, chainID, fac, span)
		if err != nil {
			return nil, err
		}
		for addr, block := range discovered {
			if existing, ok := combined[addr]; !ok || block < existing {
				combined[addr] = block
			}
		}
	}
	return combined, nil
}

func factoryKey(f filter.Factory) string {
	frags := filter.Decompose(filter.LogFilter{Address: filter.AddressSource{Factory: &f}})
	if len(frags) == 0 {
		return ""
	}
	return frags[0].ID
}

func (s *Syncer) syncFactoryParent(ctx context.Context, chainID uint64, fac filter.Factory, span interval.Interval) (map[common.Address]uint64, error) {
	parent := filter.LogFilter{
		Address: filter.AddressSource{Addresses: []common.Address{fac.ParentAddress}},
		Topics:  [4][]common.Hash{{fac.EventSelector}},
	}
	parent.Chain = chainID

	cached, err := s.store.GetIntervals(ctx, chainID, []filter.Filter{parent})
	if err != nil {
		return nil, fmt.Errorf("get cached parent interval: %w", err)
	}
	required := interval.Difference(interval.New(span), cached[0])

	discovered := make(map[common.Address]uint64)
	if len(required) > 0 {
		for _, iv := range interval.Chunk(required, s.cfg.MaxBlockRange) {
			logs, err := s.fetchLogsRange(ctx, parent, iv.From, iv.To)
			if err != nil {
				return nil, fmt.Errorf("fetch factory parent logs: %w", err)
			}
			if len(logs) > 0 {
				if err := s.store.InsertLogs(ctx, chainID, logs); err != nil {
					return nil, fmt.Errorf("persist factory parent logs: %w", err)
				}
			}
			for _, l := range logs {
				addr, ok := fac.ChildAddressLocation.Extract(l.Topics, l.Data)
				if !ok {
					continue
				}
				if existing, seen := discovered[addr]; !seen || l.BlockNumber < existing {
					discovered[addr] = l.BlockNumber
				}
			}
		}
		if err := s.store.InsertChildAddresses(ctx, chainID, fac, discovered); err != nil {
			return nil, fmt.Errorf("persist discovered child addresses: %w", err)
		}
		var items []syncstore.FilterInterval
		for _, iv := range required {
			items = append(items, syncstore.FilterInterval{Filter: parent, Interval: iv})
		}
		if err := s.store.InsertIntervals(ctx, chainID, items); err != nil {
			return nil, fmt.Errorf("mark factory parent interval cached: %w", err)
		}
	}

	it, err := s.store.GetChildAddresses(ctx, chainID, fac, span.To)
	if err != nil {
		return nil, fmt.Errorf("list existing child addresses: %w", err)
	}
	defer it.Close()
	for it.Next(ctx) {
		v := it.Value()
		if existing, ok := discovered[v.Address]; !ok || v.FirstSeen < existing {
			discovered[v.Address] = v.FirstSeen
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing child addresses: %w", err)
	}

	return discovered, nil
}
