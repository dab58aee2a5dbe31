package indexstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(maxBytes int) *Store {
	return New(nil, 1, Config{MaxCacheBytes: maxBytes}, zerolog.Nop())
}

func TestFindHitsPendingCacheBeforeDB(t *testing.T) {
	s := newTestStore(1 << 20)
	s.Upsert("pairs", "0xAAA", map[string]any{"reserve0": "100"})

	v, ok, err := s.Find(context.Background(), "pairs", "0xAAA")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", v["reserve0"])
}

func TestFindReturnsMissForPendingDelete(t *testing.T) {
	s := newTestStore(1 << 20)
	s.Upsert("pairs", "0xAAA", map[string]any{"reserve0": "100"})
	s.Delete("pairs", "0xAAA")

	_, ok, err := s.Find(context.Background(), "pairs", "0xAAA")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateMergesIntoPendingRowInsteadOfReplacing(t *testing.T) {
	s := newTestStore(1 << 20)
	s.Upsert("pairs", "0xAAA", map[string]any{"reserve0": "100", "reserve1": "200"})
	s.Update("pairs", "0xAAA", map[string]any{"reserve0": "150"})

	row := s.cache[cacheKey{"pairs", "0xAAA"}]
	require.Equal(t, "150", row.values["reserve0"])
	require.Equal(t, "200", row.values["reserve1"])
}

func TestIsCacheFullTripsOnByteBound(t *testing.T) {
	s := newTestStore(10)
	require.False(t, s.IsCacheFull())
	s.Upsert("pairs", "0xAAA", map[string]any{"a": "this value is long enough to exceed ten bytes"})
	require.True(t, s.IsCacheFull())
}

func TestDiscardClearsCacheAndBytes(t *testing.T) {
	s := newTestStore(1 << 20)
	s.Upsert("pairs", "0xAAA", map[string]any{"reserve0": "100"})
	require.NotEmpty(t, s.cache)

	s.Discard()
	require.Empty(t, s.cache)
	require.Zero(t, s.bytes)
	_, ok, _ := s.Find(context.Background(), "pairs", "0xAAA")
	require.False(t, ok)
}

func TestColumnsOfOrdersFieldsDeterministically(t *testing.T) {
	cols, args := columnsOf(map[string]any{"b": 2, "a": 1, "c": 3}, "pk1")
	require.Equal(t, []string{"pk", "a", "b", "c"}, cols)
	require.Equal(t, []any{"pk1", 1, 2, 3}, args)
}

func TestJoinCommaEmptyAndSingle(t *testing.T) {
	require.Equal(t, "", joinComma(nil))
	require.Equal(t, "a", joinComma([]string{"a"}))
	require.Equal(t, "a, b", joinComma([]string{"a", "b"}))
}
