package historical

import (
	"regexp"
	"strconv"
)

// safeRange is a provider-suggested [safeStart, safeEnd] recovered from a
// range-too-large error message. ok is false when no provider-specific
// range could be parsed, in which case the caller bisects instead (spec
// §4.5.4b / §9's Open Question resolution: "parse if present, else
// bisect").
type safeRange struct {
	from, to uint64
	ok       bool
}

var providerRangePatterns = []*regexp.Regexp{
	// Alchemy: "this block range should work: [0x1, 0x2710]"
	regexp.MustCompile(`\[0x([0-9a-fA-F]+),\s*0x([0-9a-fA-F]+)\]`),
	// Quicknode/Infura: "try with this block range [1, 10000]"
	regexp.MustCompile(`\[(\d+),\s*(\d+)\]`),
}

// parseSuggestedRange extracts a provider-suggested retry range from an
// error message, trying each known provider's phrasing in turn.
func parseSuggestedRange(msg string) safeRange {
	for i, re := range providerRangePatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		// The first pattern captures hex digits; the others capture decimal.
		base := 10
		if i == 0 {
			base = 16
		}
		from, err1 := strconv.ParseUint(m[1], base, 64)
		to, err2 := strconv.ParseUint(m[2], base, 64)
		if err1 == nil && err2 == nil && from <= to {
			return safeRange{from: from, to: to, ok: true}
		}
	}
	return safeRange{}
}

// bisect splits [from, to] in half, used when no provider range could be
// parsed from a range-too-large error.
func bisect(from, to uint64) (uint64, uint64) {
	mid := from + (to-from)/2
	return mid, mid + 1
}

// splitEqual divides [from, to] into n roughly equal consecutive
// sub-ranges, used for the "150MB case" response-size error that Alchemy
// reports with no usable suggested range at all.
func splitEqual(from, to uint64, n int) [][2]uint64 {
	if n <= 1 || to <= from {
		return [][2]uint64{{from, to}}
	}
	span := to - from + 1
	step := span / uint64(n)
	if step == 0 {
		step = 1
	}
	var out [][2]uint64
	cur := from
	for cur <= to {
		end := cur + step - 1
		if end > to {
			end = to
		}
		out = append(out, [2]uint64{cur, end})
		cur = end + 1
	}
	return out
}
