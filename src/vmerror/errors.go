// Package vmerror is a unified errors package for the vm so that runtime and
// user-raised errors are formatted and handled the same way.
package vmerror

import (
	"fmt"
	"strings"
)

type (
	// Kind is an enum to describe where the error originates from.
	Kind int
	// Error captures all errors produced while executing a chunk. It distinguishes
	// runtime errors from user-raised errors so callers can format and match on them
	// uniformly.
	Error struct {
		Line      int64
		Column    int64
		Kind      Kind
		Err       error
		Filename  string
		Traceback []string
		// Value is the raw value passed to error(), preserved so pcall/xpcall can
		// hand it back to the caller unmodified even when it isn't a string.
		Value any
	}
)

const (
	// RuntimeErr is an error that originates from the vm dispatch loop itself
	// (bad types, stack overflow, divide by zero, and the like).
	RuntimeErr Kind = iota
	// UserErr is an error raised from script or native code via error()/assert().
	UserErr
)

func (err *Error) Error() string {
	switch err.Kind {
	case RuntimeErr:
		return fmt.Sprintf(
			"%v:%v:%v: %v\nstack traceback:\n%v",
			err.Filename,
			err.Line,
			err.Column,
			err.Err,
			strings.Join(err.Traceback, "\n"),
		)
	case UserErr:
		return err.Err.Error()
	default:
		return err.Err.Error()
	}
}
