package vm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mnovi/luaovm/src/proto"
)

type (
	// GoFunc is a native function usable by the vm: it reads arguments and
	// writes results through a plain Go slice at the call boundary.
	GoFunc struct {
		val  func(*VM, []any) ([]any, error)
		name string
	}
	// Closure is a Prototype together with the upvalues it closed over.
	Closure struct {
		val      *proto.Prototype
		upvalues []*upvalueCell
	}
)

func (fn *GoFunc) String() string {
	return fmt.Sprintf("function:[%s()]", fn.name)
}

func (fn *Closure) String() string {
	if fn.val.Name != "" {
		return fmt.Sprintf("function:[%s()]", fn.val.Name)
	}
	return fmt.Sprintf("function:[%p]", fn)
}

func typeName(in any) string {
	switch in.(type) {
	case int64, float64:
		return "number"
	case bool:
		return "boolean"
	case *Closure, *GoFunc:
		return "function"
	case *Table:
		return "table"
	case error:
		return "error"
	case string:
		return "string"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", in)
	}
}

func getMetatable(in any) *Table {
	if tbl, ok := in.(*Table); ok {
		return tbl.metatable
	}
	return nil
}

func toBool(in any) bool {
	switch tin := in.(type) {
	case string, *Closure, *GoFunc, *Table, int64, float64, error:
		return true
	case bool:
		return tin
	default:
		return false
	}
}

func toKey(in any) any {
	if in == nil {
		panic("dont use nil as a key!")
	}
	return in
}

func isNumber(in any) bool {
	switch in.(type) {
	case int64, float64:
		return true
	default:
		return false
	}
}

func isString(in any) bool {
	_, ok := in.(string)
	return ok
}

func toInt(val any) int64 {
	switch tval := val.(type) {
	case int64:
		return tval
	case float64:
		return int64(tval)
	default:
		return int64(math.NaN())
	}
}

func toFloat(val any) float64 {
	switch tval := val.(type) {
	case int64:
		return float64(tval)
	case float64:
		return tval
	default:
		return math.NaN()
	}
}

// toNumber implements the arithmetic string-coercion rules of §4.5.3: decimal
// or hex, integer or float, parsed on demand.
func toNumber(in any, base int) any {
	switch tin := in.(type) {
	case int64, float64:
		return in
	case string:
		str := strings.TrimSpace(tin)
		if digits := strings.TrimPrefix(str, "-"); base == 10 && (strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X")) {
			if uval, err := strconv.ParseUint(digits[2:], 16, 64); err == nil {
				if digits != str {
					return -int64(uval)
				}
				return int64(uval)
			}
			if !strings.ContainsAny(digits, "pP") {
				str += "p0"
			}
			if fval, err := strconv.ParseFloat(str, 64); err == nil {
				return fval
			}
			return nil
		}
		if strings.Contains(str, ".") || (base == 10 && (strings.ContainsAny(str, "eE") && !strings.HasPrefix(str, "0x"))) {
			if fval, err := strconv.ParseFloat(str, 64); err == nil {
				return fval
			}
			return nil
		}
		if ival, err := strconv.ParseInt(str, base, 64); err == nil {
			return ival
		}
		if fval, err := strconv.ParseFloat(str, 64); err == nil {
			return fval
		}
		return nil
	default:
		return nil
	}
}

// ToString formats a vm value the way string coercion and print() need it.
func ToString(val any) string {
	switch tin := val.(type) {
	case nil:
		return "nil"
	case string:
		return tin
	case *Table:
		return fmt.Sprintf("table: %p", tin)
	case error:
		return tin.Error()
	case bool:
		return strconv.FormatBool(tin)
	case int64:
		return strconv.FormatInt(tin, 10)
	case float64:
		return strconv.FormatFloat(tin, 'g', -1, 64)
	case fmt.Stringer:
		return tin.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func findMetavalue(op proto.MetaMethod, val any) any {
	if val == nil {
		return nil
	}
	if mt := getMetatable(val); mt != nil {
		if v, _ := mt.Get(string(op)); v != nil {
			return v
		}
	}
	return nil
}

// Fn creates a value the vm can call from a Go function, the way host code
// exposes builtins like print/assert to the environment table.
func Fn(name string, fn func(*VM, []any) ([]any, error)) *GoFunc {
	return &GoFunc{name: name, val: fn}
}

func arith(vm *VM, op proto.MetaMethod, lval, rval any) (any, error) {
	if op == proto.MetaUNM {
		if liva, lisInt := lval.(int64); lisInt {
			return intArith(op, liva, 0), nil
		} else if isNumber(lval) {
			return floatArith(op, toFloat(lval), 0), nil
		}
	} else if op == proto.MetaBNot {
		if isNumber(lval) {
			return intArith(op, toInt(lval), 0), nil
		}
	} else if (isNumber(lval) || isCoercibleString(lval)) && (isNumber(rval) || isCoercibleString(rval)) {
		lnum, rnum := coerceNumber(lval), coerceNumber(rval)
		switch op {
		case proto.MetaBAnd, proto.MetaBOr, proto.MetaBXOr, proto.MetaShl, proto.MetaShr:
			return intArith(op, toInt(lnum), toInt(rnum)), nil
		case proto.MetaDiv, proto.MetaPow:
			return floatArith(op, toFloat(lnum), toFloat(rnum)), nil
		default:
			liva, lisInt := lnum.(int64)
			riva, risInt := rnum.(int64)
			if lisInt && risInt {
				if op == proto.MetaIDiv || op == proto.MetaMod {
					if riva == 0 {
						return nil, errors.New("attempt to perform 'n//0'")
					}
				}
				return intArith(op, liva, riva), nil
			}
			return floatArith(op, toFloat(lnum), toFloat(rnum)), nil
		}
	}
	if didDelegate, res, err := vm.delegateMetamethodBinop(op, lval, rval); err != nil {
		return nil, err
	} else if !didDelegate {
		if op == proto.MetaUNM || op == proto.MetaBNot {
			return nil, fmt.Errorf("attempt to perform arithmetic on a %v value", typeName(lval))
		}
		return nil, fmt.Errorf("attempt to perform arithmetic on a %v value", typeName(pickBadOperand(lval, rval)))
	} else if len(res) > 0 {
		return res[0], nil
	}
	return nil, errors.New("error object is a nil value")
}

func pickBadOperand(lval, rval any) any {
	if !isNumber(lval) && !isCoercibleString(lval) {
		return lval
	}
	return rval
}

func isCoercibleString(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return toNumber(s, 10) != nil
}

func coerceNumber(v any) any {
	if isNumber(v) {
		return v
	}
	return toNumber(v, 10)
}

func intArith(op proto.MetaMethod, lval, rval int64) int64 {
	switch op {
	case proto.MetaAdd:
		return lval + rval
	case proto.MetaSub:
		return lval - rval
	case proto.MetaMul:
		return lval * rval
	case proto.MetaIDiv:
		return int64(math.Floor(float64(lval) / float64(rval)))
	case proto.MetaUNM:
		return -lval
	case proto.MetaMod:
		return lval - int64(math.Floor(float64(lval)/float64(rval)))*rval
	case proto.MetaBAnd:
		return lval & rval
	case proto.MetaBOr:
		return lval | rval
	case proto.MetaBXOr:
		return lval ^ rval
	case proto.MetaShl:
		if rval <= -64 || rval >= 64 {
			return 0
		} else if rval >= 0 {
			return lval << rval
		}
		return int64(uint64(lval) >> uint64(-rval))
	case proto.MetaShr:
		if rval <= -64 || rval >= 64 {
			return 0
		} else if rval >= 0 {
			return int64(uint64(lval) >> uint64(rval))
		}
		return lval << uint64(-rval)
	case proto.MetaBNot:
		return ^lval
	default:
		panic(fmt.Sprintf("cannot perform integer %v op", op))
	}
}

func floatArith(op proto.MetaMethod, lval, rval float64) float64 {
	switch op {
	case proto.MetaAdd:
		return lval + rval
	case proto.MetaSub:
		return lval - rval
	case proto.MetaMul:
		return lval * rval
	case proto.MetaDiv:
		return lval / rval
	case proto.MetaPow:
		return math.Pow(lval, rval)
	case proto.MetaIDiv:
		return math.Floor(lval / rval)
	case proto.MetaUNM:
		return -lval
	case proto.MetaMod:
		return lval - math.Floor(lval/rval)*rval
	default:
		panic(fmt.Sprintf("cannot perform float %v op", op))
	}
}

func eq(vm *VM, lVal, rVal any) (bool, error) {
	if isNumber(lVal) && isNumber(rVal) {
		// same-type numbers compare exactly; only mixed int/float pairs go
		// through a float promotion, which is lossy above 2^53.
		if li, ok := lVal.(int64); ok {
			if ri, ok := rVal.(int64); ok {
				return li == ri, nil
			}
		}
		return toFloat(lVal) == toFloat(rVal), nil
	}
	typeA, typeB := typeName(lVal), typeName(rVal)
	if typeA != typeB {
		return false, nil
	}
	switch tlval := lVal.(type) {
	case string:
		return tlval == rVal.(string), nil
	case bool:
		return tlval == rVal.(bool), nil
	case nil:
		return true, nil
	case *Table:
		if lVal == rVal {
			return true, nil
		}
		didDelegate, res, err := vm.delegateMetamethodBinop(proto.MetaEq, lVal, rVal)
		if err != nil {
			return false, err
		} else if didDelegate && len(res) > 0 {
			return toBool(res[0]), nil
		}
		return false, nil
	case *Closure:
		return tlval.val == rVal.(*Closure).val, nil
	case *GoFunc:
		return lVal == rVal, nil
	default:
		return false, nil
	}
}

func compareVal(vm *VM, op proto.MetaMethod, lVal, rVal any) (int, error) {
	if isNumber(lVal) && isNumber(rVal) {
		if li, ok := lVal.(int64); ok {
			if ri, ok := rVal.(int64); ok {
				switch {
				case li < ri:
					return -1, nil
				case li > ri:
					return 1, nil
				default:
					return 0, nil
				}
			}
		}
		vA, vB := toFloat(lVal), toFloat(rVal)
		switch {
		case vA < vB:
			return -1, nil
		case vA > vB:
			return 1, nil
		default:
			return 0, nil
		}
	} else if isString(lVal) && isString(rVal) {
		return strings.Compare(lVal.(string), rVal.(string)), nil
	} else if didDelegate, res, err := vm.delegateMetamethodBinop(op, lVal, rVal); err != nil {
		return 0, err
	} else if !didDelegate {
		return 0, fmt.Errorf("attempt to compare %v with %v", typeName(lVal), typeName(rVal))
	} else if len(res) > 0 {
		if toBool(res[0]) {
			return -1, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("attempt to compare %v with %v", typeName(lVal), typeName(rVal))
}
