package vmerror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRuntimeFormatting(t *testing.T) {
	t.Parallel()
	err := &Error{
		Kind:      RuntimeErr,
		Filename:  "<test>",
		Line:      3,
		Column:    5,
		Err:       errors.New("attempt to call a nil value"),
		Traceback: []string{"\t<test>:3: in main chunk"},
	}
	msg := err.Error()
	assert.Contains(t, msg, "<test>:3:5")
	assert.Contains(t, msg, "attempt to call a nil value")
	assert.Contains(t, msg, "stack traceback:")
	assert.Contains(t, msg, "in main chunk")
}

func TestErrorUserFormatting(t *testing.T) {
	t.Parallel()
	err := &Error{
		Kind:  UserErr,
		Err:   errors.New("boom"),
		Value: "boom",
	}
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, "boom", err.Value)
}

func TestErrorAsMatchesStdlibChain(t *testing.T) {
	t.Parallel()
	wrapped := errors.New("wrapped by caller")
	verr := &Error{Kind: RuntimeErr, Err: wrapped}

	var target *Error
	assert.True(t, errors.As(error(verr), &target))
	assert.Same(t, verr, target)
}
