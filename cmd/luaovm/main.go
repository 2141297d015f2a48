// Command luaovm loads and runs compiled bytecode chunks: a small
// disassembler/REPL harness around the vm package's Prototype loader.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mnovi/luaovm/src/conf"
	"github.com/mnovi/luaovm/src/proto"
	"github.com/mnovi/luaovm/src/vm"
)

var (
	listOpcodes bool
	showVersion bool
	warningsOn  bool
)

func init() {
	flag.BoolVar(&listOpcodes, "l", false, "disassemble the chunk instead of running it")
	flag.BoolVar(&showVersion, "v", false, "show version information")
	flag.BoolVar(&warningsOn, "W", false, "turn warnings on")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	vm.WarnEnabled = warningsOn
	if showVersion {
		printVersion()
	}

	args := flag.Args()
	interp := vm.New(context.Background(), nil, os.Args...)

	switch {
	case len(args) == 0:
		if showVersion {
			return
		}
		checkErr(interp.REPL())
	default:
		f, err := os.Open(args[0])
		checkErr(err)
		defer func() { _ = f.Close() }()

		fn, err := proto.Undump(f)
		checkErr(err)

		if listOpcodes {
			fmt.Fprintln(os.Stderr, fn.String())
			return
		}
		_, err = interp.Eval(fn)
		checkErr(err)
	}
}

func printVersion() {
	fmt.Fprintf(os.Stderr, "%v\n", conf.FullVersion())
}

func printUsage() {
	printVersion()
	fmt.Fprint(os.Stderr, "\nUsage: luaovm [options] [chunk]\n")
	flag.PrintDefaults()
}

func checkErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
