package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mnovi/luaovm/src/proto"
	"github.com/mnovi/luaovm/src/vmerror"
)

func newUserErr(vm *VM, level int, val any) error {
	var ci callInfo
	if csl := len(vm.callStack); csl > 0 && level > 0 && level < csl {
		ci = vm.callStack[level]
	} else if csl := len(vm.callStack); csl > 0 {
		ci = vm.callStack[csl-1]
	}

	var err error
	if str, isStr := val.(string); isStr {
		err = errors.New(str)
	} else {
		err = fmt.Errorf("(error object is a %v value)", typeName(val))
	}

	return &vmerror.Error{
		Kind:      vmerror.UserErr,
		Filename:  ci.filename,
		Line:      ci.Line,
		Column:    ci.Column,
		Err:       err,
		Traceback: vm.formatCallstack(),
		Value:     val,
	}
}

func newRuntimeErr(vm *VM, li proto.LineInfo, err error) error {
	var vmErr *vmerror.Error
	if errors.As(err, &vmErr) {
		return vmErr
	}
	ci := callInfo{LineInfo: li}
	if len(vm.callStack) > 0 {
		ci.filename = vm.callStack[len(vm.callStack)-1].filename
	}
	return &vmerror.Error{
		Kind:      vmerror.RuntimeErr,
		Filename:  ci.filename,
		Line:      ci.Line,
		Column:    ci.Column,
		Err:       err,
		Traceback: vm.formatCallstack(),
	}
}

func (vm *VM) formatCallstack() []string {
	parts := []string{}
	for i := range vm.callDepth {
		info := vm.callStack[i]
		if strings.HasPrefix(info.filename, "<") && strings.HasSuffix(info.filename, ">") {
			parts = append(parts, fmt.Sprintf("\t%v %v", info.filename, info.name))
		} else {
			parts = append(parts, fmt.Sprintf("\t%v:%v: in %v", info.filename, info.Line, info.name))
		}
	}
	return parts
}
