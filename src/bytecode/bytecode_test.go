package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytecodeEncoding(t *testing.T) {
	t.Parallel()
	t.Run("iAB", func(t *testing.T) {
		t.Parallel()
		code := IAB(MOVE, 12, 22)
		assert.Equal(t, MOVE, GetOp(code))
		assert.Equal(t, int64(12), GetA(code))
		assert.Equal(t, int64(22), GetB(code))
		assert.Equal(t, int64(0), GetC(code))
		assert.False(t, GetK(code))
		assert.Equal(t, TypeABC, Kind(code))
	})

	t.Run("iABC", func(t *testing.T) {
		t.Parallel()
		code := IABC(ADD, 12, 22, 33)
		assert.Equal(t, ADD, GetOp(code))
		assert.Equal(t, int64(12), GetA(code))
		assert.Equal(t, int64(22), GetB(code))
		assert.Equal(t, int64(33), GetC(code))
		assert.False(t, GetK(code))
		assert.Equal(t, TypeABC, Kind(code))
	})

	t.Run("iABCk", func(t *testing.T) {
		t.Parallel()
		code := IABCk(EQ, 1, 5, 0, true)
		assert.Equal(t, EQ, GetOp(code))
		assert.Equal(t, int64(1), GetA(code))
		assert.Equal(t, int64(5), GetB(code))
		assert.True(t, GetK(code))
		assert.Equal(t, TypeABC, Kind(code))
	})

	t.Run("iABx", func(t *testing.T) {
		t.Parallel()
		code := IABx(LOADK, 12, 300)
		assert.Equal(t, LOADK, GetOp(code))
		assert.Equal(t, int64(12), GetA(code))
		assert.Equal(t, int64(300), GetBx(code))
		assert.Equal(t, TypeABx, Kind(code))
	})

	t.Run("iAsBx", func(t *testing.T) {
		t.Parallel()
		code := IAsBx(LOADI, 12, -300)
		assert.Equal(t, LOADI, GetOp(code))
		assert.Equal(t, int64(12), GetA(code))
		assert.Equal(t, int64(-300), GetsBx(code))
		assert.Equal(t, TypeAsBx, Kind(code))
	})

	t.Run("iAx", func(t *testing.T) {
		t.Parallel()
		code := IAx(EXTRAARG, 1<<20)
		assert.Equal(t, EXTRAARG, GetOp(code))
		assert.Equal(t, int64(1<<20), GetAx(code))
		assert.Equal(t, TypeAx, Kind(code))
	})

	t.Run("isJ", func(t *testing.T) {
		t.Parallel()
		code := IJ(JMP, -5000)
		assert.Equal(t, JMP, GetOp(code))
		assert.Equal(t, int64(-5000), GetsJ(code))
		assert.Equal(t, TypeJ, Kind(code))
	})

	t.Run("iABC signed C immediate", func(t *testing.T) {
		t.Parallel()
		c := int8(-7)
		code := IABC(ADDI, 3, 4, uint8(c))
		assert.Equal(t, ADDI, GetOp(code))
		assert.Equal(t, int64(-7), GetsC(code))
		assert.Equal(t, TypeABC, Kind(code))
	})
}
