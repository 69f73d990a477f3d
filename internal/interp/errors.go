package interp

import (
	"errors"
	"fmt"
)

// ErrorKind is the script-visible error taxonomy. throw steps raise one of
// the three concrete kinds; internal script faults surface as script errors.
type ErrorKind int

const (
	KindRuntime ErrorKind = iota
	KindInvalidArgument
	KindOutOfRange
	KindScript
)

// TypeName returns the name catch clauses match against.
func (k ErrorKind) TypeName() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindOutOfRange:
		return "out_of_range"
	case KindScript:
		return "script_error"
	default:
		return "runtime_error"
	}
}

// ScriptError is any fault raised while executing a script step.
type ScriptError struct {
	Kind    ErrorKind
	Custom  string // non-empty for registered custom error types
	Message string
	Step    string // step type that raised the fault, when known
}

func (e *ScriptError) Error() string {
	name := e.Custom
	if name == "" {
		name = e.Kind.TypeName()
	}
	if e.Step != "" {
		return fmt.Sprintf("%s in step %q: %s", name, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", name, e.Message)
}

// TypeName is the name catch clauses match against.
func (e *ScriptError) TypeName() string {
	if e.Custom != "" {
		return e.Custom
	}
	return e.Kind.TypeName()
}

// NewRuntimeError builds a runtime fault. Registered functions return these
// so catch clauses can match them by type.
func NewRuntimeError(msg string) *ScriptError { return newRuntime(msg) }

// NewInvalidArgumentError builds an invalid-argument fault.
func NewInvalidArgumentError(msg string) *ScriptError { return newInvalidArgument(msg) }

// NewOutOfRangeError builds an out-of-range fault.
func NewOutOfRangeError(msg string) *ScriptError { return newOutOfRange(msg) }

// NewCustomError builds a fault carrying a registered custom error type
// name; catch and retry clauses match it by that name.
func NewCustomError(name, msg string) *ScriptError {
	return &ScriptError{Kind: KindRuntime, Custom: name, Message: msg}
}

func newRuntime(msg string) *ScriptError {
	return &ScriptError{Kind: KindRuntime, Message: msg}
}

func newInvalidArgument(msg string) *ScriptError {
	return &ScriptError{Kind: KindInvalidArgument, Message: msg}
}

func newOutOfRange(msg string) *ScriptError {
	return &ScriptError{Kind: KindOutOfRange, Message: msg}
}

func newScriptError(msg string) *ScriptError {
	return &ScriptError{Kind: KindScript, Message: msg}
}

// asScriptError normalizes any error thrown from user code into the script
// taxonomy so catch clauses can match it.
func asScriptError(err error) *ScriptError {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	return &ScriptError{Kind: KindRuntime, Message: err.Error()}
}

// Control-flow signals travel as sentinel errors so they unwind nested step
// execution the same way faults do, without being catchable.

type breakSignal struct{}

func (breakSignal) Error() string { return "break" }

type continueSignal struct{}

func (continueSignal) Error() string { return "continue" }

type returnSignal struct{}

func (returnSignal) Error() string { return "return" }

type gotoSignal struct{ label string }

func (g gotoSignal) Error() string { return "goto " + g.label }

type stopSignal struct{}

func (stopSignal) Error() string { return "stop requested" }

func isControl(err error) bool {
	switch err.(type) {
	case breakSignal, continueSignal, returnSignal, gotoSignal, stopSignal:
		return true
	}
	return false
}
