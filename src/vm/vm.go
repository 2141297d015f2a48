// Package vm implements the register-based bytecode interpreter: the
// dispatch loop, call stack, and the glue between values, tables, and the
// arithmetic/metamethod dispatcher.
package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mnovi/luaovm/src/bytecode"
	"github.com/mnovi/luaovm/src/conf"
	"github.com/mnovi/luaovm/src/proto"
)

type (
	frame struct {
		prev         *frame
		fn           *proto.Prototype
		xargs        []any
		upvals       []*upvalueCell
		openBrokers  []*upvalueCell
		tbcValues    []int64
		framePointer int64
		pc           int64
		// expected is the result count the caller's CALL/TAILCALL asked for
		// (its C operand, minus one), or -1 for "however many I return".
		// doReturn copies/pads against this instead of its own RETURN
		// instruction's operand, which only says how many values are
		// available, not how many the caller wants.
		expected int64
	}
	callInfo struct {
		proto.LineInfo
		filename string
		name     string
	}
	// VM is the interpreter runtime that executes one prototype graph at a time.
	VM struct {
		ctx    context.Context
		env    *Table
		Stack  []any
		vmargs []any

		callDepth int64
		callStack []callInfo
		top       int64
		stackLock sync.Mutex
		gcOff     bool
	}
)

var forNumNames = []string{"initial", "limit", "step"}

// New creates a new vm for evaluating. It establishes the initial stack,
// sets up the environment/globals table, and exposes any extra CLI arguments
// as the "arg" global.
func New(ctx context.Context, env *Table, clargs ...string) *VM {
	if env == nil {
		env = createDefaultEnv()
	}
	_ = env.Set("_G", env)
	argTbl := NewTable(argsToTableValues(clargs))
	_ = env.Set("arg", argTbl)
	return &VM{
		ctx:       ctx,
		callStack: make([]callInfo, conf.MAXCALLDEPTH),
		Stack:     make([]any, conf.INITIALSTACKSIZE),
		env:       env,
		vmargs:    argTbl.array,
	}
}

func argsToTableValues(args []string) []any {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a
	}
	return vals
}

// Eval takes a Prototype (typically the main chunk) and evaluates it to completion.
func (vm *VM) Eval(fn *proto.Prototype) ([]any, error) {
	ifn, err := vm.push(&Closure{val: fn})
	if err != nil {
		return nil, err
	}
	if err := vm.pushCallstack(fn); err != nil {
		return nil, err
	}
	return vm.eval(vm.newEnvFrame(fn, ifn+1, vm.vmargs))
}

func (vm *VM) pushCallstack(fn *proto.Prototype) error {
	if vm.callDepth >= conf.MAXCALLDEPTH {
		return errors.New("stack overflow")
	}
	ensureSize(&vm.callStack, int(vm.callDepth+1))
	vm.callStack[vm.callDepth].LineInfo = fn.LineInfo
	vm.callStack[vm.callDepth].name = fn.Name
	vm.callStack[vm.callDepth].filename = fn.Filename
	vm.callDepth++
	return nil
}

func (vm *VM) pushCoreCall(name string) error {
	if vm.callDepth >= conf.MAXCALLDEPTH {
		return errors.New("stack overflow")
	}
	ensureSize(&vm.callStack, int(vm.callDepth+1))
	vm.callStack[vm.callDepth].name = name
	vm.callStack[vm.callDepth].filename = "<core>"
	vm.callDepth++
	return nil
}

func (vm *VM) popCallstack() {
	vm.callDepth--
}

func (vm *VM) newEnvFrame(fn *proto.Prototype, fp int64, xargs []any) *frame {
	return vm.newFrame(fn, fp, 0, []*upvalueCell{{name: "_ENV", closed: vm.env}}, xargs...)
}

func (vm *VM) newFrame(fn *proto.Prototype, fp, pc int64, upvals []*upvalueCell, xargs ...any) *frame {
	return &frame{fn: fn, framePointer: fp, pc: pc, xargs: xargs, upvals: upvals}
}

func (vm *VM) eval(f *frame) (retVals []any, err error) { //nolint:gocyclo
	// on an error unwind, close whatever this call's frames still hold open
	// (to-be-closed locals, open upvalues, call-stack depth) the same way a
	// normal RETURN does, so a pcall that survives the error resumes clean.
	defer func() {
		if err != nil {
			for uf := f; uf != nil; uf = uf.prev {
				vm.cleanup(uf)
			}
		}
	}()

	extraArg := func(index int64) int64 {
		if index == 0 {
			f.pc++
			return int64(bytecode.GetAx(f.fn.ByteCodes[f.pc]))
		}
		return index - 1
	}

	binop := func(op proto.MetaMethod, instruction uint32) error {
		bVal := vm.get(f, bytecode.GetB(instruction), false)
		cVal := vm.get(f, bytecode.GetC(instruction), false)
		val, err := arith(vm, op, bVal, cVal)
		if err != nil {
			return err
		}
		return vm.setStack(f.framePointer+bytecode.GetA(instruction), val)
	}
	binopK := func(op proto.MetaMethod, instruction uint32) error {
		bVal := vm.get(f, bytecode.GetB(instruction), false)
		cVal := f.fn.GetConst(bytecode.GetC(instruction))
		val, err := arith(vm, op, bVal, cVal)
		if err != nil {
			return err
		}
		return vm.setStack(f.framePointer+bytecode.GetA(instruction), val)
	}
	// binopI computes R[A] := R[B] op sC, where sC is a small signed immediate
	// packed into the iABC C field.
	binopI := func(op proto.MetaMethod, instruction uint32) error {
		bVal := vm.get(f, bytecode.GetB(instruction), false)
		imm := bytecode.GetsC(instruction)
		val, err := arith(vm, op, bVal, imm)
		if err != nil {
			return err
		}
		return vm.setStack(f.framePointer+bytecode.GetA(instruction), val)
	}

	for {
		if err := vm.ctx.Err(); err != nil {
			return nil, errors.New("vm interrupted")
		}
		var err error
		if int64(len(f.fn.ByteCodes)) <= f.pc {
			return nil, nil
		}

		instruction := f.fn.ByteCodes[f.pc]
		var li proto.LineInfo
		if f.pc < int64(len(f.fn.LineTrace)) {
			li = f.fn.LineTrace[f.pc]
		}

		switch bytecode.GetOp(instruction) {
		case bytecode.MOVE:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), vm.get(f, bytecode.GetB(instruction), false))
		case bytecode.LOADK:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), f.fn.GetConst(bytecode.GetBx(instruction)))
		case bytecode.LOADKX:
			idx := extraArg(0)
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), f.fn.GetConst(idx))
		case bytecode.LOADFALSE:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), false)
		case bytecode.LFALSESKIP:
			if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), false); err == nil {
				f.pc++
			}
		case bytecode.LOADTRUE:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), true)
		case bytecode.LOADI:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), bytecode.GetsBx(instruction))
		case bytecode.LOADF:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), float64(bytecode.GetsBx(instruction)))
		case bytecode.LOADNIL:
			a, b := bytecode.GetA(instruction), bytecode.GetB(instruction)
			for i := a; i <= a+b; i++ {
				if err := vm.setStack(f.framePointer+i, nil); err != nil {
					return nil, newRuntimeErr(vm, li, err)
				}
			}
		case bytecode.NEWTABLE:
			err = vm.setStack(
				f.framePointer+bytecode.GetA(instruction),
				newSizedTable(int(bytecode.GetB(instruction)), int(bytecode.GetC(instruction))),
			)
		case bytecode.ADD:
			err = binop(proto.MetaAdd, instruction)
		case bytecode.SUB:
			err = binop(proto.MetaSub, instruction)
		case bytecode.MUL:
			err = binop(proto.MetaMul, instruction)
		case bytecode.DIV:
			err = binop(proto.MetaDiv, instruction)
		case bytecode.MOD:
			err = binop(proto.MetaMod, instruction)
		case bytecode.POW:
			err = binop(proto.MetaPow, instruction)
		case bytecode.IDIV:
			err = binop(proto.MetaIDiv, instruction)
		case bytecode.BAND:
			err = binop(proto.MetaBAnd, instruction)
		case bytecode.BOR:
			err = binop(proto.MetaBOr, instruction)
		case bytecode.BXOR:
			err = binop(proto.MetaBXOr, instruction)
		case bytecode.SHL:
			err = binop(proto.MetaShl, instruction)
		case bytecode.SHR:
			err = binop(proto.MetaShr, instruction)
		case bytecode.ADDK:
			err = binopK(proto.MetaAdd, instruction)
		case bytecode.SUBK:
			err = binopK(proto.MetaSub, instruction)
		case bytecode.MULK:
			err = binopK(proto.MetaMul, instruction)
		case bytecode.MODK:
			err = binopK(proto.MetaMod, instruction)
		case bytecode.POWK:
			err = binopK(proto.MetaPow, instruction)
		case bytecode.DIVK:
			err = binopK(proto.MetaDiv, instruction)
		case bytecode.IDIVK:
			err = binopK(proto.MetaIDiv, instruction)
		case bytecode.BANDK:
			err = binopK(proto.MetaBAnd, instruction)
		case bytecode.BORK:
			err = binopK(proto.MetaBOr, instruction)
		case bytecode.BXORK:
			err = binopK(proto.MetaBXOr, instruction)
		case bytecode.ADDI:
			err = binopI(proto.MetaAdd, instruction)
		case bytecode.SHLI:
			err = binopI(proto.MetaShl, instruction)
		case bytecode.SHRI:
			err = binopI(proto.MetaShr, instruction)
		case bytecode.MMBIN, bytecode.MMBINI, bytecode.MMBINK:
			// Standalone metamethod dispatch for hand-assembled bytecode: the
			// fast-path *K/*I/plain arithmetic ops above already resolve
			// metamethods inline through arith(), so these are only needed
			// when an assembler wants an explicit, unconditional dispatch.
			lVal := vm.get(f, bytecode.GetA(instruction), false)
			rVal := vm.get(f, bytecode.GetB(instruction), false)
			name, _ := f.fn.GetConst(bytecode.GetC(instruction)).(string)
			if didDelegate, res, derr := vm.delegateMetamethodBinop(proto.MetaMethod(name), lVal, rVal); derr != nil {
				return nil, newRuntimeErr(vm, li, derr)
			} else if didDelegate && len(res) > 0 {
				err = vm.setStack(f.framePointer+bytecode.GetA(instruction), res[0])
			} else {
				err = fmt.Errorf("no metamethod %v found", name)
			}
		case bytecode.UNM:
			bVal := vm.get(f, bytecode.GetB(instruction), false)
			if val, aerr := arith(vm, proto.MetaUNM, bVal, nil); aerr != nil {
				return nil, newRuntimeErr(vm, li, aerr)
			} else if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.BNOT:
			bVal := vm.get(f, bytecode.GetB(instruction), false)
			if val, aerr := arith(vm, proto.MetaBNot, bVal, nil); aerr != nil {
				return nil, newRuntimeErr(vm, li, aerr)
			} else if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.NOT:
			val := !toBool(vm.get(f, bytecode.GetB(instruction), false))
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val)
		case bytecode.CONCAT:
			a := bytecode.GetA(instruction)
			n := bytecode.GetB(instruction)
			result := vm.get(f, a, false)
			for i := a + 1; i < a+n; i++ {
				next := vm.get(f, i, false)
				aCoercable := isString(result) || isNumber(result)
				bCoercable := isString(next) || isNumber(next)
				if aCoercable && bCoercable {
					result = ToString(result) + ToString(next)
				} else if didDelegate, res, derr := vm.delegateMetamethodBinop(proto.MetaConcat, result, next); derr != nil {
					return nil, newRuntimeErr(vm, li, derr)
				} else if didDelegate && len(res) > 0 {
					result = res[0]
				} else {
					return nil, newRuntimeErr(vm, li, fmt.Errorf("attempt to concatenate a %v value", typeName(next)))
				}
			}
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), result)
		case bytecode.LEN:
			val := vm.get(f, bytecode.GetB(instruction), false)
			dst := f.framePointer + bytecode.GetA(instruction)
			if isString(val) {
				err = vm.setStack(dst, int64(len(val.(string))))
			} else if tbl, isTbl := val.(*Table); isTbl {
				if method := findMetavalue(proto.MetaLen, tbl); method != nil {
					res, cerr := vm.call(method, []any{tbl})
					if cerr != nil {
						return nil, newRuntimeErr(vm, li, cerr)
					}
					var rv any
					if len(res) > 0 {
						rv = res[0]
					}
					err = vm.setStack(dst, rv)
				} else {
					err = vm.setStack(dst, tbl.Length())
				}
			} else {
				err = fmt.Errorf("attempt to get length of a %v value", typeName(val))
			}
		case bytecode.TBC:
			f.tbcValues = append(f.tbcValues, f.framePointer+bytecode.GetA(instruction))
		case bytecode.JMP:
			f.pc += bytecode.GetsJ(instruction)
		case bytecode.CLOSE:
			vm.closeRange(f, bytecode.GetA(instruction))
		case bytecode.EQ:
			expected := bytecode.GetK(instruction)
			lVal := vm.get(f, bytecode.GetA(instruction), false)
			rVal := vm.get(f, bytecode.GetB(instruction), false)
			if isEq, eerr := eq(vm, lVal, rVal); eerr != nil {
				return nil, newRuntimeErr(vm, li, eerr)
			} else if isEq != expected {
				f.pc++
			}
		case bytecode.EQK:
			expected := bytecode.GetK(instruction)
			lVal := vm.get(f, bytecode.GetA(instruction), false)
			rVal := f.fn.GetConst(bytecode.GetB(instruction))
			if isEq, eerr := eq(vm, lVal, rVal); eerr != nil {
				return nil, newRuntimeErr(vm, li, eerr)
			} else if isEq != expected {
				f.pc++
			}
		case bytecode.EQI:
			expected := bytecode.GetK(instruction)
			lVal := vm.get(f, bytecode.GetA(instruction), false)
			isEq := isNumber(lVal) && toFloat(lVal) == float64(bytecode.GetsC(instruction))
			if isEq != expected {
				f.pc++
			}
		case bytecode.LT, bytecode.LTI, bytecode.GTI:
			expected := bytecode.GetK(instruction)
			lVal := vm.get(f, bytecode.GetA(instruction), false)
			var rVal any
			if bytecode.GetOp(instruction) == bytecode.LT {
				rVal = vm.get(f, bytecode.GetB(instruction), false)
			} else {
				rVal = bytecode.GetsC(instruction)
			}
			if bytecode.GetOp(instruction) == bytecode.GTI {
				lVal, rVal = rVal, lVal
			}
			if res, cerr := compareVal(vm, proto.MetaLt, lVal, rVal); cerr != nil {
				return nil, newRuntimeErr(vm, li, cerr)
			} else if isMatch := res < 0; isMatch != expected {
				f.pc++
			}
		case bytecode.LE, bytecode.LEI, bytecode.GEI:
			expected := bytecode.GetK(instruction)
			lVal := vm.get(f, bytecode.GetA(instruction), false)
			var rVal any
			if bytecode.GetOp(instruction) == bytecode.LE {
				rVal = vm.get(f, bytecode.GetB(instruction), false)
			} else {
				rVal = bytecode.GetsC(instruction)
			}
			if bytecode.GetOp(instruction) == bytecode.GEI {
				lVal, rVal = rVal, lVal
			}
			if res, cerr := compareVal(vm, proto.MetaLe, lVal, rVal); cerr != nil {
				return nil, newRuntimeErr(vm, li, cerr)
			} else if isMatch := res <= 0; isMatch != expected {
				f.pc++
			}
		case bytecode.TEST:
			expected := bytecode.GetK(instruction)
			actual := toBool(vm.get(f, bytecode.GetA(instruction), false))
			if expected != actual {
				f.pc++
			}
		case bytecode.TESTSET:
			expected := bytecode.GetK(instruction)
			bVal := vm.get(f, bytecode.GetB(instruction), false)
			if toBool(bVal) == expected {
				err = vm.setStack(f.framePointer+bytecode.GetA(instruction), bVal)
			} else {
				f.pc++
			}
		case bytecode.GETTABLE:
			tbl := vm.get(f, bytecode.GetB(instruction), false)
			key := vm.get(f, bytecode.GetC(instruction), false)
			if val, ierr := vm.index(tbl, nil, key); ierr != nil {
				return nil, newRuntimeErr(vm, li, ierr)
			} else if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.GETI:
			tbl := vm.get(f, bytecode.GetB(instruction), false)
			if val, ierr := vm.index(tbl, nil, bytecode.GetC(instruction)); ierr != nil {
				return nil, newRuntimeErr(vm, li, ierr)
			} else if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.GETFIELD:
			tbl := vm.get(f, bytecode.GetB(instruction), false)
			key := f.fn.GetConst(bytecode.GetC(instruction))
			if val, ierr := vm.index(tbl, nil, key); ierr != nil {
				return nil, newRuntimeErr(vm, li, ierr)
			} else if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.SETTABLE:
			tbl := vm.get(f, bytecode.GetA(instruction), false)
			key := vm.get(f, bytecode.GetB(instruction), false)
			val := vm.get(f, bytecode.GetC(instruction), false)
			err = vm.newIndex(tbl, key, val)
		case bytecode.SETI:
			tbl := vm.get(f, bytecode.GetA(instruction), false)
			val := vm.get(f, bytecode.GetC(instruction), false)
			err = vm.newIndex(tbl, bytecode.GetB(instruction), val)
		case bytecode.SETFIELD:
			tbl := vm.get(f, bytecode.GetA(instruction), false)
			key := f.fn.GetConst(bytecode.GetB(instruction))
			val := vm.get(f, bytecode.GetC(instruction), false)
			err = vm.newIndex(tbl, key, val)
		case bytecode.SETLIST:
			itbl := bytecode.GetA(instruction)
			tbl, ok := vm.get(f, itbl, false).(*Table)
			if !ok {
				return nil, newRuntimeErr(vm, li,
					fmt.Errorf("attempt to index a %v value", typeName(vm.get(f, itbl, false))))
			}
			start := itbl + 1
			nvals := bytecode.GetB(instruction) - 1
			if nvals < 0 {
				nvals = vm.top - (f.framePointer + start)
			}
			index := extraArg(bytecode.GetC(instruction))
			for i := range nvals {
				if serr := tbl.Set(index+i+1, vm.get(f, start+i, false)); serr != nil {
					return nil, newRuntimeErr(vm, li, serr)
				}
			}
			vm.top = f.framePointer + itbl + 1
		case bytecode.GETUPVAL:
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), f.upvals[bytecode.GetB(instruction)].Get())
		case bytecode.SETUPVAL:
			f.upvals[bytecode.GetB(instruction)].Set(vm.get(f, bytecode.GetA(instruction), false))
		case bytecode.GETTABUP:
			tbl := f.upvals[bytecode.GetB(instruction)].Get()
			key := f.fn.GetConst(bytecode.GetC(instruction))
			if val, ierr := vm.index(tbl, nil, key); ierr != nil {
				return nil, newRuntimeErr(vm, li, ierr)
			} else if err = vm.setStack(f.framePointer+bytecode.GetA(instruction), val); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.SETTABUP:
			key := f.fn.GetConst(bytecode.GetB(instruction))
			val := vm.get(f, bytecode.GetC(instruction), false)
			err = vm.newIndex(f.upvals[bytecode.GetA(instruction)].Get(), key, val)
		case bytecode.SELF:
			tbl := vm.get(f, bytecode.GetB(instruction), false)
			key := f.fn.GetConst(bytecode.GetC(instruction))
			fnVal, ierr := vm.index(tbl, nil, key)
			if ierr != nil {
				return nil, newRuntimeErr(vm, li, ierr)
			}
			ra := bytecode.GetA(instruction)
			if err = vm.setStack(f.framePointer+ra, fnVal); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			} else if err = vm.setStack(f.framePointer+ra+1, tbl); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.VARARGPREP:
			// frame vararg slice is already populated by the caller; nothing
			// further to adjust once fixed arguments have been nil-padded.
		case bytecode.VARARG:
			vm.top = f.framePointer + bytecode.GetA(instruction)
			_, err = vm.push(ensureLenNil(f.xargs, int(bytecode.GetB(instruction)-1))...)
		case bytecode.CALL, bytecode.TAILCALL:
			if err = vm.doCall(&f, instruction, li); err != nil {
				return nil, err
			}
			if f == nil {
				return nil, nil
			}
		case bytecode.RETURN, bytecode.RETURN0, bytecode.RETURN1:
			var retVals []any
			var done bool
			retVals, f, done, err = vm.doReturn(f, instruction)
			if err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
			if done {
				return retVals, nil
			}
		case bytecode.CLOSURE:
			cls := f.fn.FnTable[bytecode.GetBx(instruction)]
			closureUpvals := make([]*upvalueCell, len(cls.UpIndexes))
			for i, idx := range cls.UpIndexes {
				if idx.FromStack {
					if j, ok := search(f.openBrokers, uint64(f.framePointer)+uint64(idx.Index), findBroker); ok {
						closureUpvals[i] = f.openBrokers[j]
					} else {
						newBroker := vm.newUpvalueCell(
							idx.Name,
							vm.get(f, int64(idx.Index), false),
							uint64(f.framePointer)+uint64(idx.Index),
						)
						f.openBrokers = append(f.openBrokers, newBroker)
						closureUpvals[i] = newBroker
					}
				} else {
					closureUpvals[i] = f.upvals[idx.Index]
				}
			}
			err = vm.setStack(f.framePointer+bytecode.GetA(instruction), &Closure{val: cls, upvalues: closureUpvals})
		case bytecode.FORPREP:
			if err = vm.forPrep(f, instruction); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
		case bytecode.FORLOOP:
			vm.forLoop(f, instruction)
		case bytecode.TFORPREP:
			f.pc += bytecode.GetsBx(instruction)
		case bytecode.TFORCALL:
			idx := bytecode.GetA(instruction)
			fn := vm.get(f, idx, false)
			values, cerr := vm.call(fn, vm.argsFromStack(f.framePointer+idx+1, 2))
			if cerr != nil {
				return nil, newRuntimeErr(vm, li, cerr)
			}
			var ctrl any
			if len(values) > 0 {
				ctrl = values[0]
			}
			if err = vm.setStack(f.framePointer+idx+2, ctrl); err != nil {
				return nil, newRuntimeErr(vm, li, err)
			}
			nresults := bytecode.GetC(instruction)
			for i := range nresults {
				var val any
				if i < int64(len(values)) {
					val = values[i]
				}
				if err = vm.setStack(f.framePointer+idx+i+3, val); err != nil {
					return nil, newRuntimeErr(vm, li, err)
				}
			}
		case bytecode.TFORLOOP:
			idx := bytecode.GetA(instruction)
			if vm.get(f, idx+2, false) != nil {
				f.pc += bytecode.GetsBx(instruction)
			}
		case bytecode.EXTRAARG:
			// only ever consumed inline by LOADKX/SETLIST via extraArg above.
		default:
			return nil, newRuntimeErr(vm, li, fmt.Errorf("unknown opcode %v", bytecode.GetOp(instruction)))
		}
		if err != nil {
			return nil, newRuntimeErr(vm, li, err)
		}
		f.pc++
	}
}

func (vm *VM) forPrep(f *frame, instruction uint32) error {
	ivar := bytecode.GetA(instruction)
	hasFloat := false
	for i := ivar; i < ivar+3; i++ {
		switch vm.get(f, i, false).(type) {
		case int64:
		case float64:
			hasFloat = true
		default:
			return fmt.Errorf("non-numeric %v value", forNumNames[i-ivar])
		}
	}
	if hasFloat {
		for i := ivar; i < ivar+3; i++ {
			if _, ok := vm.get(f, i, false).(int64); !ok {
				if err := vm.setStack(f.framePointer+i, toFloat(vm.get(f, i, false))); err != nil {
					return err
				}
			}
		}
	}
	if toFloat(vm.get(f, ivar+2, false)) == 0 {
		return errors.New("'for' step is zero")
	}

	i := vm.get(f, ivar, false)
	step := vm.get(f, ivar+2, false)
	limit := vm.get(f, ivar+1, false)
	skip := false
	if toFloat(step) > 0 {
		skip = toFloat(i) > toFloat(limit)
	} else {
		skip = toFloat(i) < toFloat(limit)
	}
	if iVal, isInt := i.(int64); isInt {
		if err := vm.setStack(f.framePointer+ivar, iVal-step.(int64)); err != nil {
			return err
		}
	} else {
		if err := vm.setStack(f.framePointer+ivar, i.(float64)-step.(float64)); err != nil {
			return err
		}
	}
	if skip {
		f.pc += bytecode.GetsBx(instruction) + 1
	} else {
		f.pc += bytecode.GetsBx(instruction)
	}
	return nil
}

func (vm *VM) forLoop(f *frame, instruction uint32) {
	ivar := bytecode.GetA(instruction)
	i := vm.get(f, ivar, false)
	limit := vm.get(f, ivar+1, false)
	step := vm.get(f, ivar+2, false)
	if iVal, isInt := i.(int64); isInt {
		_ = vm.setStack(f.framePointer+ivar, iVal+step.(int64))
	} else {
		_ = vm.setStack(f.framePointer+ivar, i.(float64)+step.(float64))
	}
	i = vm.get(f, ivar, false)
	inRange := (toFloat(step) > 0 && toFloat(i) <= toFloat(limit)) ||
		(toFloat(step) < 0 && toFloat(i) >= toFloat(limit))
	if inRange {
		f.pc += bytecode.GetsBx(instruction)
	}
}

func (vm *VM) doCall(fp **frame, instruction uint32, li proto.LineInfo) error {
	f := *fp
	isTailCall := bytecode.GetOp(instruction) == bytecode.TAILCALL
	tailExpected := f.expected
	ifn := f.framePointer + bytecode.GetA(instruction)
	nargs := bytecode.GetB(instruction) - 1
	nret := bytecode.GetC(instruction) - 1
	fnVal := vm.get(f, bytecode.GetA(instruction), false)

	if isTailCall {
		vm.cleanup(f)
		copy(vm.Stack[f.framePointer-1:], vm.Stack[ifn:])
		vm.top -= ifn - f.framePointer - 1
		ifn = f.framePointer - 1
		f = f.prev
	}

RESOLVE_FN_LOOP:
	for {
		switch fnVal.(type) {
		case *Closure, *GoFunc:
			break RESOLVE_FN_LOOP
		case *Table:
			fnVal = findMetavalue(proto.MetaCall, fnVal)
		default:
			return newRuntimeErr(vm, li, fmt.Errorf("attempt to call a %v value", typeName(fnVal)))
		}
	}

	switch tfn := fnVal.(type) {
	case *Closure:
		if err := vm.pushCallstack(tfn.val); err != nil {
			return newRuntimeErr(vm, li, err)
		}
		var xargs []any
		if ifn+1+tfn.val.Arity < vm.top {
			xargs = make([]any, max(vm.top-(ifn+tfn.val.Arity)-1, 0))
			copy(xargs, vm.Stack[ifn+1+tfn.val.Arity:vm.top])
		}
		expected := nret
		if isTailCall {
			// a tail call's return values become its caller's return
			// values directly, so it inherits the caller's own hint
			// rather than whatever the TAILCALL instruction's C says.
			expected = tailExpected
		}
		newF := &frame{
			prev:         f,
			fn:           tfn.val,
			framePointer: ifn + 1,
			pc:           -1,
			xargs:        xargs,
			upvals:       tfn.upvalues,
			openBrokers:  []*upvalueCell{},
			tbcValues:    []int64{},
			expected:     expected,
		}
		if diff := newF.fn.Arity - nargs; nargs > 0 && diff > 0 {
			for i := nargs; i <= newF.fn.Arity; i++ {
				if err := vm.setStack(newF.framePointer+i, nil); err != nil {
					return newRuntimeErr(vm, li, err)
				}
			}
		}
		*fp = newF
		return nil
	case *GoFunc:
		if err := vm.pushCoreCall(tfn.name); err != nil {
			return newRuntimeErr(vm, li, err)
		}
		retVals, err := tfn.val(vm, vm.argsFromStack(ifn+1, nargs))
		if err != nil {
			return newRuntimeErr(vm, li, err)
		}
		vm.popCallstack()
		vm.top = ifn
		if nret > 0 && len(retVals) > int(nret) {
			retVals = retVals[:nret]
		} else if len(retVals) < int(nret) {
			retVals = ensureLenNil(retVals, int(nret))
		}
		if _, err = vm.push(retVals...); err != nil {
			return newRuntimeErr(vm, li, err)
		}
		*fp = f
		return nil
	}
	return newRuntimeErr(vm, li, fmt.Errorf("attempt to call a %v value", typeName(fnVal)))
}

func (vm *VM) doReturn(f *frame, instruction uint32) ([]any, *frame, bool, error) {
	var addr, avail int64
	switch bytecode.GetOp(instruction) {
	case bytecode.RETURN0:
		addr, avail = f.framePointer, 0
	case bytecode.RETURN1:
		addr = f.framePointer + bytecode.GetA(instruction)
		avail = 1
	default:
		addr = f.framePointer + bytecode.GetA(instruction)
		avail = bytecode.GetB(instruction) - 1
		if avail == -1 {
			avail = vm.top - addr
		}
	}

	vm.cleanup(f)
	if f.prev == nil {
		retVals := make([]any, avail)
		copy(retVals, vm.Stack[addr:addr+avail])
		vm.top = 0
		return retVals, nil, true, nil
	}

	// honor the caller's CALL/TAILCALL hint (recorded on this frame at call
	// time) rather than however many values this RETURN happens to have
	// available: copy min(avail, expected), pad the rest with Nil, and land
	// top at exactly base+expected. -1 means the caller wanted everything
	// the callee actually returned.
	nret := f.expected
	if nret < 0 {
		nret = avail
	}
	base := f.framePointer - 1
	copied := min(avail, nret)
	copy(vm.Stack[base:], vm.Stack[addr:addr+copied])
	for i := copied; i < nret; i++ {
		if err := vm.setStack(base+i, nil); err != nil {
			return nil, nil, false, err
		}
	}
	vm.top = base + nret
	return nil, f.prev, false, nil
}

func (vm *VM) argsFromStack(offset, nargs int64) []any {
	args := []any{}
	if nargs < 0 {
		nargs = vm.top - offset
	}
	if nargs > 0 {
		args = append(args, vm.Stack[offset:offset+nargs]...)
	}
	if diff := int(nargs) - len(args); diff > 0 {
		for range diff {
			args = append(args, nil)
		}
	}
	return args
}

func (vm *VM) get(f *frame, id int64, isConst bool) any {
	if isConst {
		return f.fn.GetConst(id)
	}
	gID := f.framePointer + id
	if gID >= vm.top || gID < 0 || gID >= int64(len(vm.Stack)) {
		return nil
	}
	return vm.Stack[gID]
}

func (vm *VM) setStack(dst int64, val any) error {
	if dst < 0 {
		return errors.New("cannot address negatively in the stack")
	} else if err := vm.ensureStackSize(dst); err != nil {
		return err
	}
	vm.Stack[dst] = val
	if dst+1 > vm.top {
		vm.top = dst + 1
	}
	return nil
}

func (vm *VM) push(vals ...any) (int64, error) {
	if len(vals) == 0 {
		return vm.top, nil
	}
	addr := vm.top
	if err := vm.ensureStackSize(vm.top + int64(len(vals))); err != nil {
		return -1, err
	}
	for _, val := range vals {
		vm.Stack[vm.top] = val
		vm.top++
	}
	return addr, nil
}

func (vm *VM) ensureStackSize(index int64) error {
	sliceLen := int64(len(vm.Stack))
	if index < sliceLen {
		return nil
	}
	growthAmount := (index - (sliceLen - 1)) * 2
	if growthAmount+sliceLen > conf.MAXSTACKSIZE {
		growthAmount = conf.MAXSTACKSIZE - sliceLen
	}
	if growthAmount <= 0 {
		return fmt.Errorf("stack overflow %v", index)
	}
	newSlice := make([]any, sliceLen+growthAmount)
	copy(newSlice, vm.Stack)
	vm.Stack = newSlice
	return nil
}

func (vm *VM) index(source, table, key any) (any, error) {
	if table == nil {
		table = source
	}
	tbl, isTable := table.(*Table)
	if isTable {
		res, err := tbl.Get(key)
		if err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
	}
	metatable := getMetatable(table)
	if metatable != nil {
		if metaVal, _ := metatable.Get(string(proto.MetaIndex)); metaVal != nil {
			switch metaVal.(type) {
			case *GoFunc, *Closure:
				if res, err := vm.call(metaVal, []any{source, key}); err != nil {
					return nil, err
				} else if len(res) > 0 {
					return res[0], nil
				}
				return nil, nil
			default:
				return vm.index(source, metaVal, key)
			}
		}
	}
	if isTable {
		return nil, nil
	}
	return nil, fmt.Errorf("attempt to index a %v value", typeName(table))
}

func (vm *VM) newIndex(table, key, value any) error {
	tbl, isTbl := table.(*Table)
	if isTbl {
		res, err := tbl.Get(key)
		if err != nil {
			return err
		} else if res != nil {
			return tbl.Set(key, value)
		}
	}
	metatable := getMetatable(table)
	if metatable != nil {
		if metaVal, _ := metatable.Get(string(proto.MetaNewIndex)); metaVal != nil {
			switch metaVal.(type) {
			case *GoFunc, *Closure:
				_, err := vm.call(metaVal, []any{table, key, value})
				return err
			default:
				return vm.newIndex(metaVal, key, value)
			}
		}
	}
	if isTbl {
		return tbl.Set(key, value)
	}
	return fmt.Errorf("attempt to index a %v value", typeName(table))
}

func (vm *VM) delegateMetamethodBinop(op proto.MetaMethod, lval, rval any) (bool, []any, error) {
	if method := findMetavalue(op, lval); method != nil {
		ret, err := vm.call(method, []any{lval, rval})
		return true, ret, err
	} else if method := findMetavalue(op, rval); method != nil {
		ret, err := vm.call(method, []any{rval, lval})
		return true, ret, err
	}
	return false, nil, nil
}

func (vm *VM) call(fn any, params []any) ([]any, error) {
	switch tfn := fn.(type) {
	case *GoFunc:
		if err := vm.pushCoreCall(tfn.name); err != nil {
			return nil, err
		}
		defer vm.popCallstack()
		return tfn.val(vm, params)
	case *Closure:
		if err := vm.pushCallstack(tfn.val); err != nil {
			return nil, err
		}
		ifn, err := vm.push(append([]any{tfn}, params...)...)
		if err != nil {
			return nil, err
		}
		return vm.eval(&frame{
			fn:           tfn.val,
			framePointer: ifn + 1,
			upvals:       tfn.upvalues,
		})
	case nil:
		return nil, errors.New("attempt to call a nil value")
	default:
		return nil, fmt.Errorf("attempt to call a %v value", typeName(fn))
	}
}

func (vm *VM) toString(val any) (string, error) {
	if tbl, isTbl := val.(*Table); isTbl {
		if mt := getMetatable(val); mt != nil {
			if method, _ := mt.Get(string(proto.MetaToString)); method != nil {
				res, err := vm.call(method, []any{val})
				if err != nil {
					return "", err
				} else if len(res) == 0 {
					return "", nil
				}
				return vm.toString(res[0])
			}
		}
		return fmt.Sprintf("table: %p", tbl), nil
	}
	return ToString(val), nil
}

func (vm *VM) cleanup(f *frame) {
	vm.popCallstack()
	for _, broker := range f.openBrokers {
		broker.Close()
	}
	vm.closeTBC(f, f.tbcValues)
}

// closeTBC invokes __close on each to-be-closed local in reverse declaration
// order, the way Lua 5.4 unwinds to-be-closed variables on both normal
// scope exit and error propagation.
func (vm *VM) closeTBC(f *frame, idxs []int64) {
	for i := len(idxs) - 1; i >= 0; i-- {
		val := vm.get(f, idxs[i]-f.framePointer, false)
		if val == nil {
			continue
		}
		if method := findMetavalue(proto.MetaClose, val); method != nil {
			if _, err := vm.call(method, []any{val}); err != nil {
				fmt.Fprintf(os.Stderr, "error while closing value: %v\n", err)
			}
		}
	}
}

func (vm *VM) closeRange(f *frame, newTop int64) {
	for i := newTop; i < vm.top-f.framePointer && i < int64(len(vm.Stack)); i++ {
		if j, ok := search(f.openBrokers, uint64(f.framePointer+i), findBroker); ok {
			f.openBrokers[j].Close()
			f.openBrokers = append(f.openBrokers[:j], f.openBrokers[j+1:]...)
		}
	}
	remaining := f.tbcValues[:0]
	closing := []int64{}
	for _, idx := range f.tbcValues {
		if idx >= f.framePointer+newTop {
			closing = append(closing, idx)
		} else {
			remaining = append(remaining, idx)
		}
	}
	f.tbcValues = remaining
	vm.closeTBC(f, closing)
	vm.top = f.framePointer + newTop
}

func ensureLenNil(values []any, want int) []any {
	if want <= 0 {
		return values
	} else if len(values) > want {
		values = values[:want:want]
	} else if len(values) < want {
		for range want - len(values) {
			values = append(values, nil)
		}
	}
	return values
}

func ensureSize[T any](slice *[]T, index int) {
	sliceLen := len(*slice)
	if index < sliceLen {
		return
	}
	newSlice := make([]T, index+1)
	copy(newSlice, *slice)
	*slice = newSlice
}

func search[S ~[]E, E, T any](x S, target T, cmp func(E, T) bool) (int, bool) {
	for i := range x {
		if cmp(x[i], target) {
			return i, true
		}
	}
	return -1, false
}

func findBroker(b *upvalueCell, idx uint64) bool { return idx == b.index }
