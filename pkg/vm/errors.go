package vm

import (
	"errors"
	"fmt"
)

// Code is a script result code. Zero means the script ended, negative values
// identify an error. Code implements error so it can be matched with errors.Is.
type Code int16

// Execution errors.
const (
	ErrEnd                 Code = 0
	ErrUnknownCommand      Code = -1
	ErrInvalidLabel        Code = -2
	ErrStartParam          Code = -3
	ErrMissingWaitParam    Code = -4
	ErrMissingDelayParam   Code = -5
	ErrMissingGotoParam    Code = -6
	ErrMissingNodeID       Code = -7
	ErrMissingVMParam      Code = -8
	ErrMissingPVMParam     Code = -9
	ErrMissingAPParam      Code = -10
	ErrMissingPAPParam     Code = -11
	ErrMissingRPParam      Code = -12
	ErrMissingPRPParam     Code = -13
	ErrMissingCallParam    Code = -14
	ErrFullStack           Code = -15
	ErrEmptyStack          Code = -16
	ErrMissingLetEqual     Code = -17
	ErrInvalidLetEqual     Code = -18
	ErrMissingLetVarname   Code = -19
	ErrInvalidLetVarname   Code = -20
	ErrMissingIfBrackets   Code = -21
	ErrInvalidIfBrackets   Code = -22
	ErrInvalidIfSyntax     Code = -23
	ErrInvalidIfOperator   Code = -24
	ErrMissingThenParam    Code = -25
	ErrInvalidExprItem     Code = -26
	ErrInvalidExprOperator Code = -27
	ErrDivisionByZero      Code = -28
)

// Parse errors.
const (
	ErrParseFile           Code = -101
	ErrParseAlloc          Code = -102
	ErrParseMissingLabel   Code = -103
	ErrParseMissingCommand Code = -104
	ErrParseEmptyScript    Code = -105
	ErrParseInvalidLabel   Code = -106
)

var codeMessages = map[Code]string{
	ErrEnd:                 "end",
	ErrUnknownCommand:      "unknown command",
	ErrInvalidLabel:        "invalid label",
	ErrStartParam:          "missing or invalid START mode",
	ErrMissingWaitParam:    "missing WAIT parameter",
	ErrMissingDelayParam:   "missing DELAY parameter",
	ErrMissingGotoParam:    "missing GOTO parameter",
	ErrMissingNodeID:       "missing node id",
	ErrMissingVMParam:      "missing VM parameter",
	ErrMissingPVMParam:     "missing PVM parameters",
	ErrMissingAPParam:      "missing AP parameter",
	ErrMissingPAPParam:     "missing PAP parameters",
	ErrMissingRPParam:      "missing RP parameter",
	ErrMissingPRPParam:     "missing PRP parameters",
	ErrMissingCallParam:    "missing CALL parameter",
	ErrFullStack:           "call stack full",
	ErrEmptyStack:          "call stack empty",
	ErrMissingLetEqual:     "missing '=' in LET",
	ErrInvalidLetEqual:     "invalid token after '=' in LET",
	ErrMissingLetVarname:   "missing LET variable name",
	ErrInvalidLetVarname:   "invalid LET variable name",
	ErrMissingIfBrackets:   "missing IF brackets",
	ErrInvalidIfBrackets:   "invalid IF brackets",
	ErrInvalidIfSyntax:     "invalid IF syntax",
	ErrInvalidIfOperator:   "invalid IF operator",
	ErrMissingThenParam:    "missing THEN label",
	ErrInvalidExprItem:     "invalid expression item",
	ErrInvalidExprOperator: "invalid expression operator",
	ErrDivisionByZero:      "division by zero",
	ErrParseFile:           "script unreadable",
	ErrParseAlloc:          "script too large",
	ErrParseMissingLabel:   "missing label",
	ErrParseMissingCommand: "missing command",
	ErrParseEmptyScript:    "script has no executable line",
	ErrParseInvalidLabel:   "label out of range",
}

// Error implements the error interface.
func (c Code) Error() string {
	if msg, ok := codeMessages[c]; ok {
		return fmt.Sprintf("%s (%d)", msg, int16(c))
	}
	return fmt.Sprintf("script error %d", int16(c))
}

// IsParse reports whether c belongs to the parse error family.
func (c Code) IsParse() bool {
	return c <= ErrParseFile
}

// ErrStopped is returned by a step that was interrupted by a stop request.
// It is not a script error and carries code 0.
var ErrStopped = errors.New("script stopped")

// ScriptError ties a result code to the script line that produced it.
type ScriptError struct {
	Code  Code
	Label int16  // label of the failing line, -1 if unknown
	Line  int    // 1-based physical line, 0 if unknown
	Text  string // command text of the failing line
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d (label %d): %v: %q", e.Line, e.Label, e.Code, e.Text)
	}
	if e.Label > 0 {
		return fmt.Sprintf("label %d: %v", e.Label, e.Code)
	}
	return e.Code.Error()
}

// Unwrap returns the underlying code.
func (e *ScriptError) Unwrap() error {
	return e.Code
}

// CodeOf extracts the result code carried by err. A nil error and ErrStopped
// map to 0; errors that carry no code map to ErrUnknownCommand.
func CodeOf(err error) int16 {
	if err == nil || errors.Is(err, ErrStopped) {
		return 0
	}
	var c Code
	if errors.As(err, &c) {
		return int16(c)
	}
	return int16(ErrUnknownCommand)
}

func newParseError(c Code, line int, text string) *ScriptError {
	return &ScriptError{Code: c, Label: -1, Line: line, Text: text}
}
