package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnovi/luaovm/src/bytecode"
	"github.com/mnovi/luaovm/src/proto"
)

func evalCode(t *testing.T, constants []any, code []uint32, fntbl []*proto.Prototype) ([]any, error) {
	t.Helper()
	fn := &proto.Prototype{
		Name:      "test chunk",
		Filename:  "<test>",
		Constants: constants,
		ByteCodes: code,
		FnTable:   fntbl,
		Varargs:   true,
	}
	vmi := New(context.Background(), nil)
	return vmi.Eval(fn)
}

func TestVM_Eval(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		desc      string
		constants []any
		code      []uint32
		fntbl     []*proto.Prototype
		result    []any
		errStr    string
	}{
		{
			desc:      "MOVE",
			constants: []any{int64(23)},
			code: []uint32{
				bytecode.IABx(bytecode.LOADK, 0, 0),
				bytecode.IAB(bytecode.MOVE, 1, 0),
				bytecode.IAB(bytecode.RETURN, 0, 3),
			},
			result: []any{int64(23), int64(23)},
		},
		{
			desc:      "LOADK",
			constants: []any{int64(23)},
			code:      []uint32{bytecode.IABx(bytecode.LOADK, 0, 0), bytecode.IAB(bytecode.RETURN, 0, 2)},
			result:    []any{int64(23)},
		},
		{
			desc: "LOADTRUE/LOADFALSE",
			code: []uint32{
				bytecode.IAB(bytecode.LOADTRUE, 0, 0),
				bytecode.IAB(bytecode.LOADFALSE, 1, 0),
				bytecode.IAB(bytecode.RETURN, 0, 3),
			},
			result: []any{true, false},
		},
		{
			desc:   "LOADI",
			code:   []uint32{bytecode.IAsBx(bytecode.LOADI, 0, 1274), bytecode.IAB(bytecode.RETURN, 0, 2)},
			result: []any{int64(1274)},
		},
		{
			desc: "ADD register-register",
			code: []uint32{
				bytecode.IAsBx(bytecode.LOADI, 0, 1274),
				bytecode.IAsBx(bytecode.LOADI, 1, 72),
				bytecode.IABC(bytecode.ADD, 0, 0, 1),
				bytecode.IAB(bytecode.RETURN, 0, 2),
			},
			result: []any{int64(1346)},
		},
		{
			desc:      "ADDK",
			constants: []any{int64(10)},
			code: []uint32{
				bytecode.IAsBx(bytecode.LOADI, 0, 5),
				bytecode.IABC(bytecode.ADDK, 0, 0, 0),
				bytecode.IAB(bytecode.RETURN, 0, 2),
			},
			result: []any{int64(15)},
		},
		{
			desc:      "ADD incompatible types",
			constants: []any{true},
			code: []uint32{
				bytecode.IABx(bytecode.LOADK, 0, 0),
				bytecode.IAsBx(bytecode.LOADI, 1, 0),
				bytecode.IABC(bytecode.ADD, 0, 0, 1),
			},
			errStr: "attempt to perform arithmetic on a boolean value",
		},
		{
			desc: "EQ jumps over instruction when equal",
			code: []uint32{
				bytecode.IAsBx(bytecode.LOADI, 0, 5),
				bytecode.IAsBx(bytecode.LOADI, 1, 5),
				bytecode.IABCk(bytecode.EQ, 0, 1, 0, true),
				bytecode.IJ(bytecode.JMP, 1),
				bytecode.IAsBx(bytecode.LOADI, 2, 0),
				bytecode.IAB(bytecode.RETURN, 2, 2),
			},
			result: []any{nil},
		},
		{
			desc: "DIV of int and float yields float",
			code: []uint32{
				bytecode.IAsBx(bytecode.LOADI, 0, 10),
				bytecode.IAsBx(bytecode.LOADF, 1, 4),
				bytecode.IABC(bytecode.DIV, 0, 0, 1),
				bytecode.IAB(bytecode.RETURN, 0, 2),
			},
			result: []any{float64(2.5)},
		},
		{
			desc: "NEWTABLE and SETTABLE/GETTABLE roundtrip",
			constants: []any{
				"k",
			},
			code: []uint32{
				bytecode.IABC(bytecode.NEWTABLE, 0, 0, 0),
				bytecode.IABx(bytecode.LOADK, 1, 0),
				bytecode.IAsBx(bytecode.LOADI, 2, 42),
				bytecode.IABC(bytecode.SETTABLE, 0, 1, 2),
				bytecode.IABC(bytecode.GETTABLE, 1, 0, 1),
				bytecode.IAB(bytecode.RETURN, 1, 2),
			},
			result: []any{int64(42)},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			result, err := evalCode(t, tc.constants, tc.code, tc.fntbl)
			if tc.errStr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errStr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.result, result)
		})
	}
}

func TestVM_ForLoop(t *testing.T) {
	t.Parallel()
	// for i=1,3 do sum = sum + i end; return sum
	code := []uint32{
		bytecode.IAsBx(bytecode.LOADI, 0, 0), // sum
		bytecode.IAsBx(bytecode.LOADI, 1, 1), // initial
		bytecode.IAsBx(bytecode.LOADI, 2, 3), // limit
		bytecode.IAsBx(bytecode.LOADI, 3, 1), // step
		bytecode.IAsBx(bytecode.FORPREP, 1, 1),
		bytecode.IABC(bytecode.ADD, 0, 0, 1),
		bytecode.IAsBx(bytecode.FORLOOP, 1, -2),
		bytecode.IAB(bytecode.RETURN, 0, 2),
	}
	vmi := New(context.Background(), nil)
	fn := &proto.Prototype{Name: "loop", Filename: "<test>", ByteCodes: code, Varargs: true}
	result, err := vmi.Eval(fn)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(6)}, result)
}

func TestVM_Closure(t *testing.T) {
	t.Parallel()
	inner := &proto.Prototype{
		Name:      "inner",
		Filename:  "<test>",
		Constants: []any{int64(1)},
		Arity:     0,
		ByteCodes: []uint32{
			bytecode.IABC(bytecode.GETUPVAL, 0, 0, 0),
			bytecode.IABx(bytecode.LOADK, 1, 0),
			bytecode.IABC(bytecode.ADD, 0, 0, 1),
			bytecode.IAB(bytecode.RETURN, 0, 2),
		},
	}
	_ = inner.AddUpindex("x", 0, true)

	outer := &proto.Prototype{
		Name:      "outer",
		Filename:  "<test>",
		FnTable:   []*proto.Prototype{inner},
		Varargs:   true,
		ByteCodes: []uint32{
			bytecode.IAsBx(bytecode.LOADI, 0, 41),
			bytecode.IABx(bytecode.CLOSURE, 1, 0),
			bytecode.IABC(bytecode.CALL, 1, 1, 2),
			bytecode.IAB(bytecode.RETURN, 1, 2),
		},
	}

	vmi := New(context.Background(), nil)
	result, err := vmi.Eval(outer)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, result)
}

func TestVM_CallPadsMissingResultsWithNil(t *testing.T) {
	t.Parallel()
	// inner does a bare return (0 values available) but the caller's CALL
	// asks for 2 results; both must come back nil rather than stale garbage.
	inner := &proto.Prototype{
		Name:      "inner",
		Filename:  "<test>",
		ByteCodes: []uint32{bytecode.IAB(bytecode.RETURN0, 0, 0)},
	}
	outer := &proto.Prototype{
		Name:      "outer",
		Filename:  "<test>",
		FnTable:   []*proto.Prototype{inner},
		Varargs:   true,
		ByteCodes: []uint32{
			bytecode.IABx(bytecode.CLOSURE, 1, 0),
			bytecode.IABC(bytecode.CALL, 1, 1, 3),
			bytecode.IAB(bytecode.RETURN, 1, 3),
		},
	}
	vmi := New(context.Background(), nil)
	result, err := vmi.Eval(outer)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil}, result)
}

func TestVM_CallTruncatesExtraResultsAndKeepsTopCorrect(t *testing.T) {
	t.Parallel()
	// inner returns 3 values but the caller's CALL only asks for 1; the extra
	// two must be dropped and vm.top must land where the caller can safely
	// reuse the following registers.
	inner := &proto.Prototype{
		Name:     "inner",
		Filename: "<test>",
		ByteCodes: []uint32{
			bytecode.IAsBx(bytecode.LOADI, 0, 10),
			bytecode.IAsBx(bytecode.LOADI, 1, 20),
			bytecode.IAsBx(bytecode.LOADI, 2, 30),
			bytecode.IAB(bytecode.RETURN, 0, 4),
		},
	}
	outer := &proto.Prototype{
		Name:      "outer",
		Filename:  "<test>",
		FnTable:   []*proto.Prototype{inner},
		Varargs:   true,
		ByteCodes: []uint32{
			bytecode.IABx(bytecode.CLOSURE, 1, 0),
			bytecode.IABC(bytecode.CALL, 1, 1, 2),
			bytecode.IAsBx(bytecode.LOADI, 2, 99),
			bytecode.IAB(bytecode.RETURN, 1, 3),
		},
	}
	vmi := New(context.Background(), nil)
	result, err := vmi.Eval(outer)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(10), int64(99)}, result)
}

func TestVM_GenericForDrivesIteratorToExhaustion(t *testing.T) {
	t.Parallel()

	iter := Fn("counter", func(_ *VM, args []any) ([]any, error) {
		control, _ := args[1].(int64)
		if control >= 3 {
			return []any{nil}, nil
		}
		return []any{control + 1}, nil
	})

	// R0 = sum, R1 = iterator fn, R2 = state (unused), R3 = control,
	// R4 = value handed to the loop body by TFORCALL.
	code := []uint32{
		bytecode.IABx(bytecode.LOADK, 1, 0),
		bytecode.IAsBx(bytecode.LOADI, 0, 0),
		bytecode.IAsBx(bytecode.LOADI, 2, 0),
		bytecode.IAsBx(bytecode.LOADI, 3, 0),
		bytecode.IAsBx(bytecode.TFORPREP, 1, 1), // jump to TFORCALL below
		bytecode.IABC(bytecode.ADD, 0, 0, 4),    // loop body: sum += v
		bytecode.IABC(bytecode.TFORCALL, 1, 0, 1),
		bytecode.IAsBx(bytecode.TFORLOOP, 1, -3),
		bytecode.IAB(bytecode.RETURN, 0, 2),
	}
	fn := &proto.Prototype{Name: "genfor", Filename: "<test>", Constants: []any{iter}, ByteCodes: code, Varargs: true}

	vmi := New(context.Background(), nil)
	result, err := vmi.Eval(fn)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(6)}, result)
}

func TestVM_ToBeClosedRunsOnceOnNormalExit(t *testing.T) {
	t.Parallel()

	counter := NewTable(nil)
	closeFn := Fn("__close", func(_ *VM, args []any) ([]any, error) {
		tbl := args[0].(*Table)
		n, _ := tbl.Get("n")
		count, _ := n.(int64)
		return nil, tbl.Set("n", count+1)
	})
	require.NoError(t, counter.Set("n", int64(0)))

	closer := NewTable(nil)
	mt := NewTable(nil)
	require.NoError(t, mt.Set(string(proto.MetaClose), closeFn))
	closer.metatable = mt

	// R0 holds the to-be-closed value; TBC registers it, CLOSE closes
	// everything at or above R0 before the frame returns normally.
	code := []uint32{
		bytecode.IABx(bytecode.LOADK, 0, 0),
		bytecode.IAB(bytecode.TBC, 0, 0),
		bytecode.IAB(bytecode.CLOSE, 0, 0),
		bytecode.IAB(bytecode.RETURN0, 0, 0),
	}
	fn := &proto.Prototype{Name: "tbc", Filename: "<test>", Constants: []any{closer}, ByteCodes: code, Varargs: true}

	vmi := New(context.Background(), nil)
	_, err := vmi.Eval(fn)
	require.NoError(t, err)

	n, err := counter.Get("n")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestVM_ToBeClosedRunsExactlyOnceOnErrorUnwind(t *testing.T) {
	t.Parallel()

	counter := NewTable(nil)
	closeFn := Fn("__close", func(_ *VM, _ []any) ([]any, error) {
		tbl := counter
		n, _ := tbl.Get("n")
		count, _ := n.(int64)
		return nil, tbl.Set("n", count+1)
	})
	require.NoError(t, counter.Set("n", int64(0)))

	closer := NewTable(nil)
	mt := NewTable(nil)
	require.NoError(t, mt.Set(string(proto.MetaClose), closeFn))
	closer.metatable = mt

	// R0 is registered as to-be-closed, then the frame hits a runtime error
	// (arithmetic on a boolean) instead of ever reaching RETURN/CLOSE.
	code := []uint32{
		bytecode.IABx(bytecode.LOADK, 0, 0),
		bytecode.IAB(bytecode.TBC, 0, 0),
		bytecode.IABx(bytecode.LOADK, 1, 1),
		bytecode.IAsBx(bytecode.LOADI, 2, 0),
		bytecode.IABC(bytecode.ADD, 1, 1, 2),
	}
	fn := &proto.Prototype{Name: "tbcerr", Filename: "<test>", Constants: []any{closer, true}, ByteCodes: code, Varargs: true}

	vmi := New(context.Background(), nil)
	_, err := vmi.Eval(fn)
	require.Error(t, err)

	n, gerr := counter.Get("n")
	require.NoError(t, gerr)
	assert.Equal(t, int64(1), n)
}
