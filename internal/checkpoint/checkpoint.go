// Package checkpoint implements the composite ordering key shared by every
// engine in omnisync: a fixed-width, lexicographically-comparable byte
// string that totally orders events across chains.
//
// Field order (per the wire layout): blockTimestamp, chainID, blockNumber,
// txIndex, eventIndex, typeTag. Timestamp leads so that an omnichain merge
// reads like wall-clock order; chainID and blockNumber break ties between
// chains that produced a block in the same second; txIndex/eventIndex/typeTag
// disambiguate same-block events deterministically, with txIndex dominating
// per spec's within-block ordering (transaction order first, then emission
// order within a transaction, then event kind as a last-resort tiebreaker).
package checkpoint

import (
	"encoding/binary"
	"fmt"
)

// Size is the encoded width in bytes: 8 (ts) + 8 (chainID) + 8 (blockNumber)
// + 4 (txIndex) + 4 (eventIndex) + 1 (typeTag).
const Size = 8 + 8 + 8 + 4 + 4 + 1

// Checkpoint is a fixed-width, directly bytes.Compare-able ordering key.
// Using an array (not a string or slice) makes it usable as a map key with
// no extra allocation and keeps equality/ordering checks branch-free.
type Checkpoint [Size]byte

// Type tags disambiguate same-position events within a block. Order here
// matters: it is part of the comparison when timestamp/chain/block/tx/index
// all tie.
const (
	TypeSetup byte = iota
	TypeBlock
	TypeTransaction
	TypeTransfer
	TypeLog
	TypeTrace
)

// Zero is "before anything" — decoders must tolerate it as a sentinel
// meaning no checkpoint has been committed yet.
var Zero Checkpoint

// Max is the largest representable checkpoint, used as an upper sentinel
// (e.g. a chain with no pending events reports Max as its "next" bound).
var Max = func() Checkpoint {
	var c Checkpoint
	for i := range c {
		c[i] = 0xff
	}
	return c
}()

// Encode builds a Checkpoint from its constituent fields. Argument order
// matches the wire layout: txIndex and eventIndex precede typeTag so that
// within-block comparison dominates on transaction order first, per spec's
// (transactionIndex, eventIndex, typeTag) release-ordering requirement.
func Encode(blockTimestamp, chainID, blockNumber uint64, txIndex, eventIndex uint32, typeTag byte) Checkpoint {
	var c Checkpoint
	binary.BigEndian.PutUint64(c[0:8], blockTimestamp)
	binary.BigEndian.PutUint64(c[8:16], chainID)
	binary.BigEndian.PutUint64(c[16:24], blockNumber)
	binary.BigEndian.PutUint32(c[24:28], txIndex)
	binary.BigEndian.PutUint32(c[28:32], eventIndex)
	c[32] = typeTag
	return c
}

// Fields is the decoded form of a Checkpoint, useful for logging and tests.
type Fields struct {
	BlockTimestamp uint64
	ChainID        uint64
	BlockNumber    uint64
	TxIndex        uint32
	EventIndex     uint32
	TypeTag        byte
}

// Decode splits a Checkpoint back into its fields.
func Decode(c Checkpoint) Fields {
	return Fields{
		BlockTimestamp: binary.BigEndian.Uint64(c[0:8]),
		ChainID:        binary.BigEndian.Uint64(c[8:16]),
		BlockNumber:    binary.BigEndian.Uint64(c[16:24]),
		TxIndex:        binary.BigEndian.Uint32(c[24:28]),
		EventIndex:     binary.BigEndian.Uint32(c[28:32]),
		TypeTag:        c[32],
	}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Checkpoint) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a orders strictly before b.
func Less(a, b Checkpoint) bool { return Compare(a, b) < 0 }

// Min returns the lexicographically smaller of a and b.
func Min(a, b Checkpoint) Checkpoint {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max2 returns the lexicographically larger of a and b.
func Max2(a, b Checkpoint) Checkpoint {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// IsZero reports whether c is the sentinel "before anything" checkpoint.
func IsZero(c Checkpoint) bool { return c == Zero }

// String renders the decoded fields for logging; not used for ordering.
func (c Checkpoint) String() string {
	f := Decode(c)
	return fmt.Sprintf("ts=%d chain=%d block=%d tx=%d event=%d type=%d",
		f.BlockTimestamp, f.ChainID, f.BlockNumber, f.TxIndex, f.EventIndex, f.TypeTag)
}
