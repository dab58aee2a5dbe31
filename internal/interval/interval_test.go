package interval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnionMergesTouchingAndOverlapping(t *testing.T) {
	s := Union(Set{{1, 3}, {4, 6}}, nil)
	require.Equal(t, Set{{1, 6}}, s)

	s = Union(Set{{1, 3}}, Set{{10, 12}})
	require.Equal(t, Set{{1, 3}, {10, 12}}, s)

	s = Union(Set{{1, 5}}, Set{{3, 8}})
	require.Equal(t, Set{{1, 8}}, s)
}

func TestDifference(t *testing.T) {
	s := Difference(Set{{1, 100}}, Set{{10, 20}, {50, 60}})
	require.Equal(t, Set{{1, 9}, {21, 49}, {61, 100}}, s)
}

func TestDifferenceFullyCovered(t *testing.T) {
	s := Difference(Set{{10, 20}}, Set{{1, 100}})
	require.Empty(t, s)
}

func TestIntersection(t *testing.T) {
	s := Intersection(Set{{1, 10}, {20, 30}}, Set{{5, 25}})
	require.Equal(t, Set{{5, 10}, {20, 25}}, s)
}

func TestSum(t *testing.T) {
	require.Equal(t, uint64(11), Sum(Set{{1, 5}, {10, 15}}))
}

func TestBounds(t *testing.T) {
	from, to, ok := Bounds(Set{{5, 10}, {1, 3}, {20, 25}})
	require.True(t, ok)
	require.Equal(t, uint64(1), from)
	require.Equal(t, uint64(25), to)

	_, _, ok = Bounds(nil)
	require.False(t, ok)
}

func TestChunkDeterministicLowToHigh(t *testing.T) {
	s := Chunk(Set{{1, 10}}, 3)
	require.Equal(t, Set{{1, 3}, {4, 6}, {7, 9}, {10, 10}}, s)
}

func TestChunkClosureProperty(t *testing.T) {
	// Invariant: union(chunk(S, C)) == S for any interval set S and chunk size C.
	cases := []struct {
		s Set
		c uint64
	}{
		{Set{{1, 100}}, 7},
		{Set{{1, 1}}, 10},
		{Set{{1, 10}, {20, 50}}, 1},
		{Set{{1, 1000}, {2000, 2999}}, 250},
	}
	for _, tc := range cases {
		chunked := Chunk(tc.s, tc.c)
		require.Equal(t, tc.s, Union(chunked, nil))
	}
}

func TestChunkZeroMeansNoChunking(t *testing.T) {
	s := Set{{1, 100}, {200, 300}}
	require.Equal(t, s, Chunk(s, 0))
}

func TestContains(t *testing.T) {
	s := Set{{1, 10}, {20, 30}}
	require.True(t, Contains(s, 5))
	require.True(t, Contains(s, 20))
	require.False(t, Contains(s, 15))
}
