package filter

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDecomposeLogCartesianProduct(t *testing.T) {
	addrA := common.HexToAddress("0xAAA0000000000000000000000000000000000A")
	addrB := common.HexToAddress("0xBBB0000000000000000000000000000000000B")
	topic0 := common.HexToHash("0xdead")

	f := LogFilter{
		base:    base{Chain: 1},
		Address: AddressSource{Addresses: []common.Address{addrA, addrB}},
		Topics:  [4][]common.Hash{{topic0}, nil, nil, nil},
	}

	frags := Decompose(f)
	require.Len(t, frags, 2) // 2 addresses x 1 topic0 value x wildcards
}

func TestFragmentIDEqualityImpliesCacheHit(t *testing.T) {
	addr := common.HexToAddress("0xAAA0000000000000000000000000000000000A")
	f1 := LogFilter{base: base{Chain: 1}, Address: AddressSource{Addresses: []common.Address{addr}}}
	f2 := LogFilter{base: base{Chain: 1}, Address: AddressSource{Addresses: []common.Address{addr}}}

	frags1 := Decompose(f1)
	frags2 := Decompose(f2)
	require.Equal(t, frags1, frags2)
}

func TestFactoryFragmentSerializesLocation(t *testing.T) {
	fac := Factory{
		ParentAddress:        common.HexToAddress("0xFAC0000000000000000000000000000000000C"),
		EventSelector:        common.HexToHash("0xc9c6"),
		ChildAddressLocation: TopicSlot(1),
	}
	f := LogFilter{base: base{Chain: 1}, Address: AddressSource{Factory: &fac}}
	frags := Decompose(f)
	require.Len(t, frags, 1)
	require.Contains(t, frags[0].ID, "factory(")
	require.Contains(t, frags[0].ID, "topic1")
}

func TestByteOffsetExtractsRightAligned20Bytes(t *testing.T) {
	loc := ByteOffset(0)
	data := make([]byte, 32)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111A")
	copy(data[12:32], addr.Bytes())

	extracted, ok := loc.Extract(nil, data)
	require.True(t, ok)
	require.Equal(t, addr, extracted)
}

func TestTopicSlotExtract(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222B")
	topics := []common.Hash{
		common.HexToHash("0xsig"),
		common.BytesToHash(addr.Bytes()),
	}
	extracted, ok := TopicSlot(1).Extract(topics, nil)
	require.True(t, ok)
	require.Equal(t, addr, extracted)
}

func TestWildcardAddressProducesSingleFragment(t *testing.T) {
	f := LogFilter{base: base{Chain: 5}}
	frags := Decompose(f)
	require.Len(t, frags, 1)
	require.Contains(t, frags[0].ID, "_*_")
}
