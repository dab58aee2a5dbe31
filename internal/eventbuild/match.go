// Package eventbuild assembles raw block data (logs, transactions,
// receipts, traces) and a filter set into an ordered, checkpoint-assigned
// sequence of Events (spec §4.7).
package eventbuild

import (
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/filter"
)

func addressMatches(src filter.AddressSource, candidate common.Address, childAddrs map[common.Address]uint64, blockNumber uint64) bool {
	if src.Factory != nil {
		firstSeen, ok := childAddrs[candidate]
		return ok && firstSeen <= blockNumber
	}
	if len(src.Addresses) == 0 {
		return true
	}
	for _, a := range src.Addresses {
		if a == candidate {
			return true
		}
	}
	return false
}

func topicsMatch(want [4][]common.Hash, got []common.Hash) bool {
	for i, slot := range want {
		if len(slot) == 0 {
			continue
		}
		if i >= len(got) {
			return false
		}
		ok := false
		for _, w := range slot {
			if w == got[i] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchLog(f filter.LogFilter, l ethtypes.Log, childAddrs map[common.Address]uint64) bool {
	if !addressMatches(f.Address, l.Address, childAddrs, l.BlockNumber) {
		return false
	}
	return topicsMatch(f.Topics, l.Topics)
}

func selectorMatches(selectors [][4]byte, data []byte) bool {
	if len(selectors) == 0 {
		return true
	}
	if len(data) < 4 {
		return false
	}
	var got [4]byte
	copy(got[:], data[:4])
	for _, s := range selectors {
		if s == got {
			return true
		}
	}
	return false
}

func addressListMatches(addrs []common.Address, candidate *common.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	if candidate == nil {
		return false
	}
	for _, a := range addrs {
		if a == *candidate {
			return true
		}
	}
	return false
}

func matchTransaction(f filter.TransactionFilter, tx *ethtypes.Transaction, from common.Address) bool {
	if !addressListMatches(f.FromAddresses, &from) {
		return false
	}
	if !addressListMatches(f.ToAddresses, tx.To()) {
		return false
	}
	return selectorMatches(f.Selectors, tx.Data())
}

func matchTransfer(f filter.TransferFilter, tx *ethtypes.Transaction, from common.Address) bool {
	if tx.Value() == nil || tx.Value().Sign() == 0 {
		return false
	}
	if !addressListMatches(f.FromAddresses, &from) {
		return false
	}
	return addressListMatches(f.ToAddresses, tx.To())
}

func matchTrace(f filter.TraceFilter, t chain.TraceRecord) bool {
	from := common.Address(t.From)
	to := common.Address(t.To)
	if !addressListMatches(f.FromAddresses, &from) {
		return false
	}
	if !addressListMatches(f.ToAddresses, &to) {
		return false
	}
	if len(f.CallTypes) == 0 {
		return true
	}
	for _, ct := range f.CallTypes {
		if ct == t.Type || ct == t.CallType {
			return true
		}
	}
	return false
}
