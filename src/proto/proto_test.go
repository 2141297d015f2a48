package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnovi/luaovm/src/bytecode"
)

func TestPrototypeBuild(t *testing.T) {
	t.Parallel()
	fn := New("<test>", "main", 0, true, LineInfo{Line: 1})

	local, err := fn.AddLocal()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), local)

	idx, err := fn.AddConst("hello")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), idx)

	// re-adding the same constant should not grow the pool.
	idx2, err := fn.AddConst("hello")
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)

	child := NewMain("<test>")
	childIdx := fn.AddFn(child)
	assert.Equal(t, uint16(0), childIdx)
	assert.Same(t, child, fn.FnTable[childIdx])

	require.NoError(t, fn.AddUpindex("x", 0, true))
	assert.Equal(t, "x", fn.UpIndexes[0].Name)
	assert.True(t, fn.UpIndexes[0].FromStack)

	pc := fn.Code(bytecode.IABC(bytecode.RETURN0, 0, 0, 0), LineInfo{Line: 2})
	assert.Equal(t, 0, pc)
	assert.Len(t, fn.ByteCodes, 1)
}

func TestPrototypeDumpUndumpRoundTrip(t *testing.T) {
	t.Parallel()
	fn := NewMain("<test>")
	_, err := fn.AddConst("answer")
	require.NoError(t, err)
	_, err = fn.AddConst(int64(42))
	require.NoError(t, err)
	fn.Code(bytecode.IABC(bytecode.LOADK, 0, 0, 0), LineInfo{Line: 1})
	fn.Code(bytecode.IABC(bytecode.RETURN0, 0, 0, 0), LineInfo{Line: 2})

	child := New("<test>", "inner", 1, false, LineInfo{Line: 3})
	require.NoError(t, child.AddUpindex("up", 0, true))
	child.Code(bytecode.IABC(bytecode.RETURN0, 0, 0, 0), LineInfo{Line: 4})
	fn.AddFn(child)

	data, err := fn.Dump()
	require.NoError(t, err)

	assert.True(t, HasBinaryPrefix(bytes.NewReader(data)))

	got, err := Undump(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, fn.Filename, got.Filename)
	assert.Equal(t, fn.Constants, got.Constants)
	assert.Equal(t, fn.ByteCodes, got.ByteCodes)
	require.Len(t, got.FnTable, 1)
	assert.Equal(t, child.Name, got.FnTable[0].Name)
	assert.Equal(t, child.Arity, got.FnTable[0].Arity)
	require.Len(t, got.FnTable[0].UpIndexes, 1)
	assert.Equal(t, "up", got.FnTable[0].UpIndexes[0].Name)
}

func TestPrototypeStringDisassembly(t *testing.T) {
	t.Parallel()
	fn := NewMain("<test>")
	fn.Code(bytecode.IABC(bytecode.RETURN0, 0, 0, 0), LineInfo{Line: 1})
	out := fn.String()
	assert.Contains(t, out, "RETURN0")
}
