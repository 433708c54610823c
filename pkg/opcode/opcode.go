// Package opcode defines the command keywords of the servo control script.
// The interpreter matches them as prefixes of a line's command text, in the
// order given by Statements and NodeCommands.
package opcode

// Cmd is a script command keyword.
type Cmd string

// Statement keywords. These occupy the whole command text of a line.
const (
	// Call pushes the current line and jumps. Args: label
	Call Cmd = "CALL"

	// Ret resumes after the most recent CALL.
	Ret Cmd = "RET"

	// Let assigns an expression to a variable. Args: VAR = EXPR
	Let Cmd = "LET"

	// If jumps when a comparison holds. Args: ( EXPR op EXPR ) THEN label
	If Cmd = "IF"

	// Goto jumps unconditionally. Args: label
	Goto Cmd = "GOTO"

	// End finishes the script.
	End Cmd = "END"

	// Delay suspends the script. Args: milliseconds
	Delay Cmd = "DELAY"

	// Wait blocks until each listed node is in position. Args: id{,id} (hex)
	Wait Cmd = "WAIT"
)

// Then separates an IF condition from its target label.
const Then = "THEN"

// Node sub-command keywords, used as `id,CMD` pairs separated by ';'.
const (
	// Start resets the node error and starts its servo. Args: mode (number or KEEP|ZERO|RESET)
	Start Cmd = "START"

	// Stop decelerates the servo to a stop.
	Stop Cmd = "STOP"

	// Halt stops the servo immediately.
	Halt Cmd = "HALT"

	// VelocityMove runs at a velocity. Args: v
	VelocityMove Cmd = "VM"

	// ProfiledVelocityMove sets acceleration, then runs at a velocity. Args: a,v
	ProfiledVelocityMove Cmd = "PVM"

	// AbsoluteMove moves to a position. Args: pos
	AbsoluteMove Cmd = "AP"

	// ProfiledAbsoluteMove sets acceleration and velocity, then moves to a position. Args: a,v,pos
	ProfiledAbsoluteMove Cmd = "PAP"

	// RelativeMove moves by an offset. Args: pos
	RelativeMove Cmd = "RP"

	// ProfiledRelativeMove sets acceleration and velocity, then moves by an offset. Args: a,v,pos
	ProfiledRelativeMove Cmd = "PRP"
)

// Start mode keywords.
const (
	ModeKeep  = "KEEP"
	ModeZero  = "ZERO"
	ModeReset = "RESET"
)

// Statements lists statement keywords in match order.
var Statements = []Cmd{Call, Ret, Let, If, Goto, End, Delay, Wait}

// NodeCommands lists node sub-command keywords in match order.
var NodeCommands = []Cmd{Start, Stop, Halt, VelocityMove, ProfiledVelocityMove, AbsoluteMove, ProfiledAbsoluteMove, RelativeMove, ProfiledRelativeMove}
