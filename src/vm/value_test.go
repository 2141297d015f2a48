package vm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnovi/luaovm/src/proto"
)

func TestArithMetamethodAdd(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)

	called := false
	fn := Fn("__add", func(_ *VM, args []any) ([]any, error) {
		called = true
		return []any{"mm"}, nil
	})
	tbl := NewTable(nil)
	mt := NewTable(nil)
	require.NoError(t, mt.Set(string(proto.MetaAdd), fn))
	tbl.metatable = mt

	result, err := arith(vmi, proto.MetaAdd, tbl, int64(20))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "mm", result)
}

func TestArithIntFloatMixYieldsFloat(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)
	result, err := arith(vmi, proto.MetaDiv, int64(10), float64(4))
	require.NoError(t, err)
	assert.Equal(t, float64(2.5), result)
}

func TestArithIncompatibleOperandsErrors(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)
	_, err := arith(vmi, proto.MetaAdd, true, int64(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt to perform arithmetic on a boolean value")
}

func TestIntegerOverflowWraps(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)
	result, err := arith(vmi, proto.MetaAdd, int64(math.MaxInt64), int64(1))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), result)
}

func TestTruthiness(t *testing.T) {
	t.Parallel()
	assert.False(t, toBool(nil))
	assert.False(t, toBool(false))
	assert.True(t, toBool(true))
	assert.True(t, toBool(int64(0)))
	assert.True(t, toBool(""))
	assert.True(t, toBool(NewTable(nil)))
}

func TestEqSameTypeIntComparesExactlyNotViaFloat(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)
	// both values round to the same float64 above 2^53; a same-type int64
	// comparison must not go through that lossy conversion.
	a, b := int64(9007199254740993), int64(9007199254740992)
	require.Equal(t, float64(a), float64(b), "test premise: these floats must collide")

	eqRes, err := eq(vmi, a, b)
	require.NoError(t, err)
	assert.False(t, eqRes)

	cmp, err := compareVal(vmi, proto.MetaLt, b, a)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestEqMixedIntFloatStillComparesByValue(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)
	eqRes, err := eq(vmi, int64(3), float64(3))
	require.NoError(t, err)
	assert.True(t, eqRes)

	cmp, err := compareVal(vmi, proto.MetaLt, int64(2), float64(2.5))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestIndexFallsThroughIndexChain(t *testing.T) {
	t.Parallel()
	vmi := New(context.Background(), nil)

	b := NewTable(nil)
	require.NoError(t, b.Set("x", int64(7)))

	a := NewTable(nil)
	mt := NewTable(nil)
	require.NoError(t, mt.Set(string(proto.MetaIndex), b))
	a.metatable = mt

	got, err := vmi.index(a, nil, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	require.NoError(t, vmi.newIndex(a, "x", int64(9)))
	got, err = vmi.index(a, nil, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)

	// b is untouched: the write landed on a's own raw storage, not through
	// __index, since there is no __newindex.
	bVal, err := b.Get("x")
	require.NoError(t, err)
	assert.Equal(t, int64(7), bVal)
}
