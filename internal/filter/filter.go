// Package filter implements the canonical filter and fragment model: the
// tagged variant over log/block/transaction/transfer/trace filters, factory
// address discovery, and the minimal-fragment decomposition used as a
// stable cache key (spec §3, §4.3).
package filter

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Filter is a tagged union over the five filter kinds. It is implemented as
// an interface with an unexported marker method — the idiomatic Go
// emulation of a sum type, matching the corpus's preference for concrete
// structs over reflection-based variants.
type Filter interface {
	ChainID() uint64
	isFilter()
}

// base carries the fields common to every filter kind. ContractName scopes
// the synthetic "setup" event the event builder emits once per
// (contractName, chain) before any real event for that contract.
type base struct {
	Chain        uint64
	FromBlock    *uint64
	ToBlock      *uint64
	ContractName string
}

func (b base) ChainID() uint64 { return b.Chain }

// AddressSource is either a fixed, possibly-empty list of addresses or a
// Factory that discovers addresses dynamically from a parent log.
type AddressSource struct {
	Addresses []common.Address // nil/empty means "any address"
	Factory   *Factory         // non-nil means factory-backed
}

// LogFilter matches logs by address/factory, topics, and whether receipts
// should be fetched alongside.
type LogFilter struct {
	base
	Address        AddressSource
	Topics         [4][]common.Hash // nil slot = wildcard; multiple values = OR
	IncludeReceipt bool
	EventName      string     // user-facing name, carried onto every decoded Event
	ABIEvent       *abi.Event // non-nil enables ABI decoding of topics/data in eventbuild
}

func (LogFilter) isFilter() {}

// BlockFilter matches every block in range (used for block-interval
// indexing independent of any specific event).
type BlockFilter struct {
	base
}

func (BlockFilter) isFilter() {}

// TransactionFilter matches transactions by from/to address and optional
// function selector.
type TransactionFilter struct {
	base
	FromAddresses  []common.Address
	ToAddresses    []common.Address
	Selectors      [][4]byte
	IncludeReceipt bool
	ABIMethod      *abi.Method
}

func (TransactionFilter) isFilter() {}

// TransferFilter matches native-asset value transfers by from/to address.
type TransferFilter struct {
	base
	FromAddresses []common.Address
	ToAddresses   []common.Address
}

func (TransferFilter) isFilter() {}

// TraceFilter matches call traces by from/to address and call type
// (call/create/suicide/delegatecall/staticcall/...).
type TraceFilter struct {
	base
	FromAddresses []common.Address
	ToAddresses   []common.Address
	CallTypes     []string
	IncludeReceipt bool
}

func (TraceFilter) isFilter() {}

// ChildAddressLocation selects where, within a factory's parent log, the
// child address is encoded: a topic slot (1, 2, or 3) or a byte offset
// into the log's data field.
type ChildAddressLocation struct {
	Topic  int  // 1, 2, or 3; zero value means unset — use Offset instead
	Offset int  // byte offset into data; only meaningful when Topic == 0
	isOffset bool
}

// TopicSlot builds a location that reads the child address from an indexed
// topic.
func TopicSlot(n int) ChildAddressLocation { return ChildAddressLocation{Topic: n} }

// ByteOffset builds a location that reads the child address from the log's
// data field: 20 bytes, right-aligned within the 32-byte word starting at
// byte offset n — resolving spec §9's open question on offsetN semantics.
func ByteOffset(n int) ChildAddressLocation { return ChildAddressLocation{Offset: n, isOffset: true} }

// Extract pulls the 20-byte child address out of a log's topics/data per
// this location's configuration. ok is false if the log doesn't carry
// enough topics/data for the configured slot.
func (loc ChildAddressLocation) Extract(topics []common.Hash, data []byte) (common.Address, bool) {
	if !loc.isOffset {
		if loc.Topic <= 0 || loc.Topic >= len(topics) {
			return common.Address{}, false
		}
		return common.BytesToAddress(topics[loc.Topic].Bytes()), true
	}

	wordStart := loc.Offset
	if wordStart+32 > len(data) {
		return common.Address{}, false
	}
	word := data[wordStart : wordStart+32]
	// Right-aligned 20 bytes within the 32-byte word.
	return common.BytesToAddress(word[12:32]), true
}

// Factory is a log-derived address producer: every log matching
// ParentAddress+EventSelector yields a child address read from
// ChildAddressLocation.
type Factory struct {
	ChainID              uint64
	ParentAddress        common.Address
	EventSelector        common.Hash
	ChildAddressLocation ChildAddressLocation
}
