// Package proto describes the immutable function prototype graph that the vm
// executes: bytecode, constants, child prototypes, and upvalue descriptors,
// along with the binary container format used to persist them.
package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"text/template"

	"github.com/pkg/errors"

	"github.com/mnovi/luaovm/src/bytecode"
	"github.com/mnovi/luaovm/src/conf"
)

type (
	// MetaMethod is the enum of valid metamethod keys.
	MetaMethod string

	// upindex describes where a closure's upvalue is bound: on the enclosing
	// frame's stack, or forwarded from the enclosing closure's own upvalue vector.
	upindex struct {
		Name      string
		FromStack bool
		Index     uint8
	}

	// LineInfo is a shared struct used for tracking where an instruction
	// originated from, for error messages and disassembly.
	LineInfo struct {
		Line   int64
		Column int64
	}

	// Prototype captures one function's compiled code: its bytecode, constant
	// pool, child prototypes, and upvalue descriptors. It is immutable once
	// built and freely shared between closures.
	Prototype struct {
		Name      string
		Filename  string
		Comment   string
		Constants []any // constant values loaded by LOADK/GETFIELD/etc.
		UpIndexes []upindex
		ByteCodes []uint32
		FnTable   []*Prototype // child prototypes indexed by CLOSURE
		LineTrace []LineInfo

		LineInfo
		Arity      int64
		Varargs    bool
		numLocals  uint8
	}
)

const (
	MetaAdd      MetaMethod = "__add"
	MetaSub      MetaMethod = "__sub"
	MetaMul      MetaMethod = "__mul"
	MetaDiv      MetaMethod = "__div"
	MetaMod      MetaMethod = "__mod"
	MetaPow      MetaMethod = "__pow"
	MetaUNM      MetaMethod = "__unm"
	MetaIDiv     MetaMethod = "__idiv"
	MetaBAnd     MetaMethod = "__band"
	MetaBOr      MetaMethod = "__bor"
	MetaBXOr     MetaMethod = "__bxor"
	MetaBNot     MetaMethod = "__bnot"
	MetaShl      MetaMethod = "__shl"
	MetaShr      MetaMethod = "__shr"
	MetaConcat   MetaMethod = "__concat"
	MetaLen      MetaMethod = "__len"
	MetaEq       MetaMethod = "__eq"
	MetaLt       MetaMethod = "__lt"
	MetaLe       MetaMethod = "__le"
	MetaIndex    MetaMethod = "__index"
	MetaNewIndex MetaMethod = "__newindex"
	MetaCall     MetaMethod = "__call"
	MetaClose    MetaMethod = "__close"
	MetaToString MetaMethod = "__tostring"
	MetaName     MetaMethod = "__name"
	MetaPairs    MetaMethod = "__pairs"
	MetaMeta     MetaMethod = "__metatable"
	MetaGC       MetaMethod = "__gc"
	MetaMode     MetaMethod = "__mode"
)

const protoTemplate = `{{.Name}} <{{.Filename}}:{{.Line}}> ({{.ByteCodes | len}} instructions)
{{.Arity}}{{if .Varargs}}+{{end}} params, {{.UpIndexes | len}} upvalues,
{{- .Constants | len}} constants, {{.FnTable | len}} functions
{{- range $i, $code := .ByteCodes}}
	{{$i}}	[{{with $li := index $.LineTrace $i}}{{$li.Line}}{{end}}]	{{$code | codeStr}} ; {{$code | codeMeta -}}
{{end}}
{{range .FnTable}}
{{. -}}
{{end}}`

// New creates an empty Prototype ready for hand-assembly (no parser produces
// these; callers append instructions directly with Code).
func New(filename, name string, arity int64, vararg bool, linfo LineInfo) *Prototype {
	return &Prototype{
		Filename:  filename,
		Name:      name,
		LineInfo:  linfo,
		Arity:     arity,
		Varargs:   vararg,
		numLocals: uint8(arity),
	}
}

// NewMain creates the root prototype for a chunk, arity zero and vararg, ready
// to be wrapped in a closure with a single "_ENV" upvalue by the host.
func NewMain(filename string) *Prototype {
	return New(filename, "main chunk", 0, true, LineInfo{})
}

// AddFn registers a child prototype, returning its index for use in CLOSURE's Bx.
func (fn *Prototype) AddFn(child *Prototype) uint16 {
	fn.FnTable = append(fn.FnTable, child)
	return uint16(len(fn.FnTable) - 1)
}

// AddLocal reserves the next register for a named local, returning its index.
func (fn *Prototype) AddLocal() (uint8, error) {
	if int(fn.numLocals) >= conf.MAXLOCALS {
		return 0, fmt.Errorf("local overflow in %v", fn.Name)
	}
	idx := fn.numLocals
	fn.numLocals++
	return idx, nil
}

// AddConst interns a constant value, returning its index into the constant pool.
func (fn *Prototype) AddConst(val any) (uint16, error) {
	for i, existing := range fn.Constants {
		if existing == val {
			return uint16(i), nil
		}
	}
	if len(fn.Constants) == conf.MAXCONST {
		return 0, fmt.Errorf("constant overflow while adding %v", val)
	}
	fn.Constants = append(fn.Constants, val)
	return uint16(len(fn.Constants) - 1), nil
}

// GetConst reads a constant by index, returning nil when out of range.
func (fn *Prototype) GetConst(idx int64) any {
	if idx < 0 || int(idx) >= len(fn.Constants) {
		return nil
	}
	return fn.Constants[idx]
}

// AddUpindex declares an upvalue for this prototype, either bound to the
// enclosing frame's stack (stack=true) or forwarded from the enclosing
// closure's own upvalue vector (stack=false).
func (fn *Prototype) AddUpindex(name string, index uint8, stack bool) error {
	if len(fn.UpIndexes) == conf.MAXUPVALUES {
		return fmt.Errorf("up value overflow while adding %v", name)
	}
	fn.UpIndexes = append(fn.UpIndexes, upindex{FromStack: stack, Name: name, Index: index})
	return nil
}

// Code appends one instruction, recording its source line, and returns its pc.
func (fn *Prototype) Code(op uint32, linfo LineInfo) int {
	fn.ByteCodes = append(fn.ByteCodes, op)
	fn.LineTrace = append(fn.LineTrace, linfo)
	return len(fn.ByteCodes) - 1
}

func (fn *Prototype) String() string {
	var buf bytes.Buffer
	tmpl := template.New("proto")
	tmpl.Funcs(map[string]any{
		"codeStr": bytecode.ToString,
		"codeMeta": func(op uint32) string {
			switch bytecode.GetOp(op) {
			case bytecode.LOADK:
				return fmt.Sprintf("\t%q", fmt.Sprint(fn.GetConst(bytecode.GetBx(op))))
			case bytecode.SETFIELD, bytecode.EQK:
				return fmt.Sprintf("\t%q", fmt.Sprint(fn.GetConst(bytecode.GetB(op))))
			case bytecode.GETFIELD, bytecode.ADDK, bytecode.SUBK,
				bytecode.MULK, bytecode.MODK, bytecode.POWK, bytecode.DIVK, bytecode.IDIVK, bytecode.BANDK,
				bytecode.BORK, bytecode.BXORK:
				return fmt.Sprintf("\t%q", fmt.Sprint(fn.GetConst(bytecode.GetC(op))))
			case bytecode.LOADI:
				return fmt.Sprintf("\t%v", bytecode.GetsBx(op))
			case bytecode.ADDI, bytecode.SHRI, bytecode.SHLI, bytecode.EQI, bytecode.LTI,
				bytecode.LEI, bytecode.GTI, bytecode.GEI:
				return fmt.Sprintf("\t%v", bytecode.GetsC(op))
			case bytecode.LOADF:
				return fmt.Sprintf("\t%v.0", bytecode.GetsBx(op))
			case bytecode.CALL:
				return fmt.Sprintf("\t%s in %s out", optionVariable(bytecode.GetB(op)), optionVariable(bytecode.GetC(op)))
			case bytecode.CLOSURE:
				return "\t" + fn.FnTable[bytecode.GetBx(op)].Name
			case bytecode.TAILCALL:
				return fmt.Sprintf("\t%s in all out", optionVariable(bytecode.GetB(op)))
			case bytecode.RETURN:
				return fmt.Sprintf("\t%s out", optionVariable(bytecode.GetB(op)))
			case bytecode.VARARG:
				return fmt.Sprintf("\t%s in", optionVariable(bytecode.GetB(op)))
			case bytecode.SETLIST:
				return fmt.Sprintf("\t%v in at index %v", bytecode.GetB(op), bytecode.GetC(op))
			}
			return ""
		},
	})
	tmpl = template.Must(tmpl.Parse(protoTemplate))
	if err := tmpl.Execute(&buf, fn); err != nil {
		panic(err)
	}
	return buf.String()
}

func optionVariable(param int64) string {
	narg := param - 1
	if narg < 0 {
		return "all"
	}
	return strconv.FormatInt(narg, 10)
}

// Dump serializes a Prototype into a byte array for writing out to a file.
func (fn *Prototype) Dump() ([]byte, error) {
	var end binary.ByteOrder = binary.NativeEndian
	buf := []byte{}
	return buf, anyerr([]error{
		dumpHeader(&buf, end),
		dumpFn(&buf, end, fn),
	})
}

// HasBinaryPrefix reports whether the reader starts with the bytecode magic,
// letting a loader decide whether to undump or hand the bytes to a compiler.
func HasBinaryPrefix(src io.ReadSeeker) bool {
	var magic int32
	if err := binary.Read(src, binary.NativeEndian, &magic); err != nil {
		return false
	}
	_, _ = src.Seek(0, io.SeekStart)
	return magic == conf.BCMAGIC
}

// Undump deserializes Prototype data into a new Prototype ready for interpreting.
func Undump(buf io.Reader) (*Prototype, error) {
	var end binary.ByteOrder = binary.NativeEndian
	fn := &Prototype{}
	return fn, anyerr([]error{
		undumpHeader(buf, end),
		undumpFn(buf, end, fn),
	})
}

func dumpHeader(buf *[]byte, end binary.ByteOrder) error {
	return anyerr([]error{
		dump(buf, end, int32(conf.BCMAGIC)),
		dump(buf, end, int32(conf.BCVERSION)),
	})
}

func undumpHeader(buf io.Reader, end binary.ByteOrder) error {
	var magic, version int32
	if err := anyerr([]error{
		undump(buf, end, &magic),
		undump(buf, end, &version),
	}); err != nil {
		return err
	}
	if magic != conf.BCMAGIC {
		return errors.New("invalid bytecode magic")
	} else if version != conf.BCVERSION {
		return fmt.Errorf("unsupported bytecode version, current %#x, found %#x", conf.BCVERSION, version)
	}
	return nil
}

func dumpFn(buf *[]byte, end binary.ByteOrder, fn *Prototype) error {
	return anyerr([]error{
		dump(buf, end, fn.Name),
		dump(buf, end, fn.Filename),
		dump(buf, end, fn.Line),
		dump(buf, end, fn.Arity),
		dump(buf, end, fn.Varargs),
		dumpByteCodes(buf, end, fn),
		dumpConstants(buf, end, fn),
		dumpUpvals(buf, end, fn),
		dumpFnTable(buf, end, fn),
	})
}

func undumpFn(buf io.Reader, end binary.ByteOrder, fn *Prototype) error {
	return anyerr([]error{
		undump(buf, end, &fn.Name),
		undump(buf, end, &fn.Filename),
		undump(buf, end, &fn.Line),
		undump(buf, end, &fn.Arity),
		undump(buf, end, &fn.Varargs),
		undumpByteCodes(buf, end, fn),
		undumpConstants(buf, end, fn),
		undumpUpvals(buf, end, fn),
		undumpFnTable(buf, end, fn),
	})
}

func dumpByteCodes(buf *[]byte, end binary.ByteOrder, fn *Prototype) error {
	if err := dump(buf, end, int64(len(fn.ByteCodes))); err != nil {
		return errors.Wrap(err, "dumpByteCodes")
	}
	for _, code := range fn.ByteCodes {
		if err := dump(buf, end, code); err != nil {
			return err
		}
	}
	return nil
}

func undumpByteCodes(buf io.Reader, end binary.ByteOrder, fn *Prototype) error {
	var size int64
	if err := undump(buf, end, &size); err != nil {
		return errors.Wrap(err, "undumpByteCodes")
	}
	fn.ByteCodes = make([]uint32, size)
	for i := range size {
		var code uint32
		if err := undump(buf, end, &code); err != nil {
			return err
		}
		fn.ByteCodes[i] = code
	}
	return nil
}

func dumpConstants(buf *[]byte, end binary.ByteOrder, fn *Prototype) error {
	if err := dump(buf, end, int64(len(fn.Constants))); err != nil {
		return errors.Wrap(err, "dumpConstants")
	}
	for _, konst := range fn.Constants {
		switch konst.(type) {
		case string:
			if err := dump(buf, end, 's'); err != nil {
				return err
			}
		case float64:
			if err := dump(buf, end, 'f'); err != nil {
				return err
			}
		case int64:
			if err := dump(buf, end, 'i'); err != nil {
				return err
			}
		case bool:
			if err := dump(buf, end, 'b'); err != nil {
				return err
			}
		default:
			if err := dump(buf, end, 'n'); err != nil {
				return err
			}
			continue
		}
		if err := dump(buf, end, konst); err != nil {
			return err
		}
	}
	return nil
}

func undumpConstants(buf io.Reader, end binary.ByteOrder, fn *Prototype) error {
	var size int64
	if err := undump(buf, end, &size); err != nil {
		return errors.Wrap(err, "undumpConstants")
	}
	fn.Constants = make([]any, size)
	for i := range size {
		var kind rune
		if err := undump(buf, end, &kind); err != nil {
			return err
		}
		switch kind {
		case 's':
			var val string
			if err := undump(buf, end, &val); err != nil {
				return err
			}
			fn.Constants[i] = val
		case 'f':
			var val float64
			if err := undump(buf, end, &val); err != nil {
				return err
			}
			fn.Constants[i] = val
		case 'i':
			var val int64
			if err := undump(buf, end, &val); err != nil {
				return err
			}
			fn.Constants[i] = val
		case 'b':
			var val bool
			if err := undump(buf, end, &val); err != nil {
				return err
			}
			fn.Constants[i] = val
		case 'n':
			fn.Constants[i] = nil
		}
	}
	return nil
}

func dumpUpvals(buf *[]byte, end binary.ByteOrder, fn *Prototype) error {
	if err := dump(buf, end, int64(len(fn.UpIndexes))); err != nil {
		return errors.Wrap(err, "dumpUpvals")
	}
	for _, index := range fn.UpIndexes {
		if err := anyerr([]error{
			dump(buf, end, index.FromStack),
			dump(buf, end, index.Index),
			dump(buf, end, index.Name),
		}); err != nil {
			return err
		}
	}
	return nil
}

func undumpUpvals(buf io.Reader, end binary.ByteOrder, fn *Prototype) error {
	var size int64
	if err := undump(buf, end, &size); err != nil {
		return errors.Wrap(err, "undumpUpvals")
	}
	fn.UpIndexes = make([]upindex, size)
	for i := range size {
		index := upindex{}
		if err := anyerr([]error{
			undump(buf, end, &index.FromStack),
			undump(buf, end, &index.Index),
			undump(buf, end, &index.Name),
		}); err != nil {
			return err
		}
		fn.UpIndexes[i] = index
	}
	return nil
}

func dumpFnTable(buf *[]byte, end binary.ByteOrder, fn *Prototype) error {
	if err := dump(buf, end, int64(len(fn.FnTable))); err != nil {
		return errors.Wrap(err, "dumpFnTable")
	}
	for _, proto := range fn.FnTable {
		if err := dumpFn(buf, end, proto); err != nil {
			return err
		}
	}
	return nil
}

func undumpFnTable(buf io.Reader, end binary.ByteOrder, fn *Prototype) error {
	var size int64
	if err := undump(buf, end, &size); err != nil {
		return errors.Wrap(err, "undumpFnTable")
	}
	fn.FnTable = make([]*Prototype, size)
	for i := range size {
		proto := &Prototype{}
		if err := undumpFn(buf, end, proto); err != nil {
			return err
		}
		fn.FnTable[i] = proto
	}
	return nil
}

func dump(buf *[]byte, end binary.ByteOrder, val any) error {
	var err error
	switch tval := val.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, bool, []byte:
		*buf, err = binary.Append(*buf, end, tval)
	case string:
		*buf, err = binary.Append(*buf, end, []byte(fmt.Sprintf("%s\000", val)))
	}
	return errors.Wrap(err, "dump")
}

func undump(buf io.Reader, end binary.ByteOrder, val any) error {
	switch tval := val.(type) {
	case *string:
		strBuf := []byte{}
		for {
			var b byte
			if err := binary.Read(buf, end, &b); err != nil {
				return errors.Wrap(err, "undump string")
			} else if b == '\000' {
				break
			}
			strBuf = append(strBuf, b)
		}
		*tval = string(strBuf)
		return nil
	default:
		if err := binary.Read(buf, end, val); err != nil {
			return errors.Wrap(err, "undump")
		}
		return nil
	}
}

func anyerr(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
