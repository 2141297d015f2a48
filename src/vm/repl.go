package vm

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mnovi/luaovm/src/proto"
)

// REPL starts an interactive loop over compiled chunks: each line is a
// ":"-prefixed command (":load <path>", ":dis <path>" or ":q").
// There is no surface grammar in this core, so unlike a full Lua REPL this
// one drives already-assembled bytecode rather than parsing source text.
func (vm *VM) REPL() error {
	rl, err := readline.New("luaovm> ")
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	fmt.Fprint(os.Stderr, "luaovm bytecode shell. :load <path> runs a chunk, :dis <path> disassembles it, :q quits.\n")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == ":q":
			return nil
		case strings.HasPrefix(line, ":load "):
			vm.replRun(strings.TrimPrefix(line, ":load "))
		case strings.HasPrefix(line, ":dis "):
			vm.replDisassemble(strings.TrimPrefix(line, ":dis "))
		default:
			fmt.Fprintf(os.Stderr, "unrecognized command %q\n", line)
		}
	}
}

func (vm *VM) replRun(path string) {
	fn, err := loadChunk(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	res, err := vm.Eval(fn)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if len(res) == 0 {
		return
	}
	strs := make([]string, len(res))
	for i, v := range res {
		strs[i] = ToString(v)
	}
	fmt.Fprintln(os.Stderr, strings.Join(strs, "\t"))
}

func (vm *VM) replDisassemble(path string) {
	fn, err := loadChunk(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Fprintln(os.Stderr, fn.String())
}

func loadChunk(path string) (*proto.Prototype, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return proto.Undump(f)
}
