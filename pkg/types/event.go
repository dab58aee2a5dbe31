package types

import (
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/0xkanth/omnisync/internal/chain"
	"github.com/0xkanth/omnisync/internal/checkpoint"
)

// RawBlockData is the "block" signal historical/realtime sync hands to the
// event builder: spec §4.6's `{block, logs, transactions, receipts, traces,
// childAddresses, hasMatchedFilter, blockCallback}`.
type RawBlockData struct {
	Chain            uint64
	Block            Block
	Logs             []ethtypes.Log
	Transactions     []*ethtypes.Transaction
	Receipts         []*ethtypes.Receipt
	Traces           []chain.TraceRecord
	ChildAddresses   ChildAddresses
	HasMatchedFilter bool
	BlockCallback    bool
}

// RawReorg is the "reorg" signal: spec §4.6's `{block, reorgedBlocks}`.
type RawReorg struct {
	Chain         uint64
	Block         Block
	ReorgedBlocks []uint64
}

// RawFinalize is the "finalize" signal: spec §4.6's `{block}`.
type RawFinalize struct {
	Chain uint64
	Block Block
}

// ValueKind tags the decoded-argument sum type.
type ValueKind int

const (
	ValueKindInt ValueKind = iota
	ValueKindBigInt
	ValueKindBytes
	ValueKindHex
	ValueKindString
	ValueKindBool
	ValueKindList
	ValueKindStruct
)

// Value is a decoded ABI argument or return value, shaped so arbitrary
// Solidity types (int<N>, uint<N>, bytes<N>, bytes, address, string, bool,
// tuples, arrays) all have a representation without needing Go generics at
// the call site — callbacks type-switch on Kind the same way Filter's
// variants are type-switched in internal/filter.
type Value struct {
	Kind   ValueKind
	Int    int64
	BigInt *big.Int
	Bytes  []byte
	Hex    string
	Str    string
	Bool   bool
	List   []Value
	Struct map[string]Value
}

func IntValue(v int64) Value         { return Value{Kind: ValueKindInt, Int: v} }
func BigIntValue(v *big.Int) Value   { return Value{Kind: ValueKindBigInt, BigInt: v} }
func BytesValue(v []byte) Value      { return Value{Kind: ValueKindBytes, Bytes: v} }
func HexValue(v string) Value        { return Value{Kind: ValueKindHex, Hex: v} }
func StringValue(v string) Value     { return Value{Kind: ValueKindString, Str: v} }
func BoolValue(v bool) Value         { return Value{Kind: ValueKindBool, Bool: v} }
func ListValue(v []Value) Value      { return Value{Kind: ValueKindList, List: v} }
func StructValue(v map[string]Value) Value { return Value{Kind: ValueKindStruct, Struct: v} }

// EventKind tags Event's variant, including the decode-error and block/
// reorg/finalize control kinds spec §4.7/§4.8 require as first-class events
// rather than silently-dropped failures.
type EventKind string

const (
	EventKindLog         EventKind = "log"
	EventKindBlock       EventKind = "block"
	EventKindTransaction EventKind = "transaction"
	EventKindTransfer    EventKind = "transfer"
	EventKindTrace       EventKind = "trace"
	EventKindSetup       EventKind = "setup"
	EventKindDecodeError EventKind = "decode_error"
	EventKindReorg       EventKind = "reorg"
	EventKindFinalize    EventKind = "finalize"
)

// Event is the decoded, checkpoint-ordered unit the merger (C8) and
// dispatcher (C9) operate on.
type Event struct {
	Kind       EventKind
	Chain      uint64
	Checkpoint checkpoint.Checkpoint

	ContractName    string
	ContractAddress [20]byte
	EventName       string
	Args            map[string]Value
	Result          map[string]Value // populated for trace/call-result events

	Block    Block
	TxHash   [32]byte
	TxIndex  uint32
	LogIndex uint32

	// DecodeError is set only when Kind == EventKindDecodeError; the event
	// still carries Checkpoint/Block/TxHash so downstream code can report
	// exactly where decoding failed.
	DecodeError error

	// ReorgedBlocks/FinalizedBlock are set only for the matching control kinds.
	ReorgedBlocks  []uint64
	FinalizedBlock *Block
}
