package filter

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Fragment is a canonical, minimum-sized slice of a Filter, used as a
// stable cache key. Two filters with identical fragment sets must cache-hit
// each other (spec §3's Fragment invariant), so ID is the only thing that
// matters for equality/lookup purposes.
type Fragment struct {
	ID string
}

// Decompose produces the set of Fragments a Filter expands to: the
// cartesian product over every multi-valued address/topic/selector field.
func Decompose(f Filter) []Fragment {
	switch v := f.(type) {
	case LogFilter:
		return decomposeLog(v)
	case BlockFilter:
		return []Fragment{{ID: fmt.Sprintf("block_%d", v.Chain)}}
	case TransactionFilter:
		return decomposeTransaction(v)
	case TransferFilter:
		return decomposeTransfer(v)
	case TraceFilter:
		return decomposeTrace(v)
	default:
		return nil
	}
}

func decomposeLog(f LogFilter) []Fragment {
	addressIDs := addressFragmentIDs(f.Address)

	topicCols := make([][]string, 4)
	for i, slot := range f.Topics {
		if len(slot) == 0 {
			topicCols[i] = []string{"*"}
			continue
		}
		for _, t := range slot {
			topicCols[i] = append(topicCols[i], t.Hex())
		}
	}

	var out []Fragment
	for _, addrID := range addressIDs {
		for _, t0 := range topicCols[0] {
			for _, t1 := range topicCols[1] {
				for _, t2 := range topicCols[2] {
					for _, t3 := range topicCols[3] {
						id := fmt.Sprintf("log_%d_%s_%s_%s_%s_%s_%t",
							f.Chain, addrID, t0, t1, t2, t3, f.IncludeReceipt)
						out = append(out, Fragment{ID: id})
					}
				}
			}
		}
	}
	return out
}

// addressFragmentIDs renders each concrete address, or the factory's
// stable location-keyed ID, or "*" when unconstrained (any address).
func addressFragmentIDs(src AddressSource) []string {
	if src.Factory != nil {
		return []string{factoryFragmentID(*src.Factory)}
	}
	if len(src.Addresses) == 0 {
		return []string{"*"}
	}
	ids := make([]string, len(src.Addresses))
	for i, a := range src.Addresses {
		ids[i] = a.Hex()
	}
	return ids
}

// factoryFragmentID serializes the factory's parent log location, per spec
// §4.3 ("Factories serialize their parent log location: topic1|topic2|
// topic3|offsetN").
func factoryFragmentID(fac Factory) string {
	loc := fac.ChildAddressLocation
	var locStr string
	if loc.isOffset {
		locStr = fmt.Sprintf("offset%d", loc.Offset)
	} else {
		locStr = fmt.Sprintf("topic%d", loc.Topic)
	}
	return fmt.Sprintf("factory(%s,%s,%s)", fac.ParentAddress.Hex(), fac.EventSelector.Hex(), locStr)
}

func decomposeTransaction(f TransactionFilter) []Fragment {
	froms := addressListIDs(f.FromAddresses)
	tos := addressListIDs(f.ToAddresses)
	selectors := selectorIDs(f.Selectors)

	var out []Fragment
	for _, from := range froms {
		for _, to := range tos {
			for _, sel := range selectors {
				id := fmt.Sprintf("tx_%d_%s_%s_%s_%t", f.Chain, from, to, sel, f.IncludeReceipt)
				out = append(out, Fragment{ID: id})
			}
		}
	}
	return out
}

func decomposeTransfer(f TransferFilter) []Fragment {
	froms := addressListIDs(f.FromAddresses)
	tos := addressListIDs(f.ToAddresses)

	var out []Fragment
	for _, from := range froms {
		for _, to := range tos {
			id := fmt.Sprintf("transfer_%d_%s_%s", f.Chain, from, to)
			out = append(out, Fragment{ID: id})
		}
	}
	return out
}

func decomposeTrace(f TraceFilter) []Fragment {
	froms := addressListIDs(f.FromAddresses)
	tos := addressListIDs(f.ToAddresses)
	callTypes := f.CallTypes
	if len(callTypes) == 0 {
		callTypes = []string{"*"}
	}

	var out []Fragment
	for _, from := range froms {
		for _, to := range tos {
			for _, ct := range callTypes {
				id := fmt.Sprintf("trace_%d_%s_%s_%s_%t", f.Chain, from, to, ct, f.IncludeReceipt)
				out = append(out, Fragment{ID: id})
			}
		}
	}
	return out
}

func addressListIDs(addrs []common.Address) []string {
	if len(addrs) == 0 {
		return []string{"*"}
	}
	ids := make([]string, len(addrs))
	for i, a := range addrs {
		ids[i] = a.Hex()
	}
	return ids
}

func selectorIDs(selectors [][4]byte) []string {
	if len(selectors) == 0 {
		return []string{"*"}
	}
	ids := make([]string, len(selectors))
	for i, s := range selectors {
		ids[i] = "0x" + strings.ToLower(fmt.Sprintf("%x", s))
	}
	return ids
}
