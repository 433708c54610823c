// Package vm interprets servo control scripts.
// A script is a table of labeled lines executed one step at a time:
// - line table parsing and duplicate label detection
// - left-to-right integer expressions over variables A to Z
// - GOTO, IF, CALL and RET with a bounded call stack
// - node commands wrapped in retry policies with servo recovery
// - cooperative stop that unblocks retries, waits and delays
package vm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zurustar/mmscript/pkg/logger"
	"github.com/zurustar/mmscript/pkg/servo"
)

// DefaultBackoff is the pause between attempts of a failing node operation
// and between WAIT polls.
const DefaultBackoff = 100 * time.Millisecond

// cursorRewound is the cursor value that resumes at the first line.
const cursorRewound int16 = -1

// DelayFunc suspends the caller for d. It must return early once ctx is done.
type DelayFunc func(ctx context.Context, d time.Duration)

// SleepContext is the default DelayFunc.
func SleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Interpreter holds one loaded script and its execution state.
// ExecOneStep must not be called concurrently; RequestStop may be called
// from any goroutine.
type Interpreter struct {
	bus servo.Bus

	lines  []Line
	start  int16
	cursor int16
	vars   Vars
	stack  callStack

	// Stop handling
	mu         sync.Mutex
	runCtx     context.Context
	runCancel  context.CancelFunc
	stopCalled bool

	// Configuration
	backoff time.Duration
	delay   DelayFunc
	log     *slog.Logger
}

// Option is a functional option for configuring the Interpreter.
type Option func(*Interpreter)

// WithBackoff sets the retry and WAIT polling interval.
func WithBackoff(d time.Duration) Option {
	return func(i *Interpreter) {
		if d > 0 {
			i.backoff = d
		}
	}
}

// WithDelay replaces the delay primitive used by DELAY, retries and WAIT.
func WithDelay(fn DelayFunc) Option {
	return func(i *Interpreter) {
		if fn != nil {
			i.delay = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(i *Interpreter) {
		if log != nil {
			i.log = log
		}
	}
}

// New creates an interpreter that drives nodes through bus.
func New(bus servo.Bus, opts ...Option) *Interpreter {
	i := &Interpreter{
		bus:     bus,
		backoff: DefaultBackoff,
		delay:   SleepContext,
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.resetStop()
	return i
}

// ParseScript replaces the loaded script with text and returns the label of
// its first executable line. On error nothing is retained. Variables survive
// a reload; the call stack and stop request do not.
func (i *Interpreter) ParseScript(text string) (int16, error) {
	i.Clean()

	lines, start, err := parseLines(text)
	if err != nil {
		return 0, err
	}

	i.lines = lines
	i.start = start
	i.cursor = start
	i.stack.reset()
	i.resetStop()

	if dups := duplicateLabels(lines); len(dups) > 0 {
		i.log.Warn("Duplicate labels, first definition wins", "labels", dups)
	}
	i.log.Debug("Script parsed", "lines", len(lines), "start", start)
	return start, nil
}

// Rewind prepares a new run from the first line. It clears the stop request
// and the call stack but keeps variables; see ResetVariables.
func (i *Interpreter) Rewind() {
	i.resetStop()
	i.stack.reset()
	i.cursor = cursorRewound
}

// RequestStop interrupts the current step and every later one until Rewind.
func (i *Interpreter) RequestStop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopCalled = true
	i.runCancel()
}

// Stopped reports whether a stop has been requested since the last Rewind.
func (i *Interpreter) Stopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopCalled
}

// Clean releases the loaded script.
func (i *Interpreter) Clean() {
	i.lines = nil
	i.start = 0
	i.cursor = 0
	i.stack.reset()
}

// ResetVariables zeroes A to Z.
func (i *Interpreter) ResetVariables() {
	i.vars.Reset()
}

// Var returns the value of variable name ('A' to 'Z'), or 0 for any other name.
func (i *Interpreter) Var(name byte) int16 {
	return i.vars.Get(name)
}

// SetVar assigns variable name ('A' to 'Z'). Other names fail with
// ErrInvalidLetVarname.
func (i *Interpreter) SetVar(name byte, value int16) error {
	if !i.vars.Set(name, value) {
		return ErrInvalidLetVarname
	}
	return nil
}

// Lines returns a copy of the line table.
func (i *Interpreter) Lines() []Line {
	out := make([]Line, len(i.lines))
	copy(out, i.lines)
	return out
}

// StartLabel returns the label of the first executable line, or 0 when no
// script is loaded.
func (i *Interpreter) StartLabel() int16 {
	return i.start
}

// Cursor returns the label the next step will run.
func (i *Interpreter) Cursor() int16 {
	return i.cursor
}

// CallDepth returns the number of outstanding CALLs.
func (i *Interpreter) CallDepth() int {
	return i.stack.depth
}

// DuplicateLabels lists labels defined more than once in the loaded script.
func (i *Interpreter) DuplicateLabels() []int16 {
	return duplicateLabels(i.lines)
}

// LineFor returns the line a label resolves to.
func (i *Interpreter) LineFor(label int16) (Line, bool) {
	idx := i.resolve(label)
	if idx < 0 {
		return Line{}, false
	}
	return i.lines[idx], true
}

// ExecOneStep runs the line at the cursor and returns the label of the next
// line, or 0 once the script has ended. A failing line returns a
// *ScriptError and leaves the cursor on it. A stop request or cancellation
// of ctx returns ErrStopped without advancing.
func (i *Interpreter) ExecOneStep(ctx context.Context, host servo.Host) (int16, error) {
	if len(i.lines) == 0 || i.cursor == 0 {
		return 0, nil
	}
	if host == nil {
		host = servo.NopHost{}
	}

	runCtx := i.currentRunCtx()
	if runCtx.Err() != nil || ctx.Err() != nil {
		return 0, ErrStopped
	}

	idx := i.resolve(i.cursor)
	if idx < 0 {
		return 0, &ScriptError{Code: ErrInvalidLabel, Label: i.cursor}
	}
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(runCtx, cancel)
	defer stopWatch()

	if n, ok := i.bus.(servo.ErrorNotifier); ok {
		n.NotifyNodeErrors(host.OnNodeError)
	}

	line := i.lines[idx]
	s := &step{interp: i, ctx: stepCtx, host: host, index: idx, next: cursorRewound}
	if err := s.run(line.Text); err != nil {
		if stepCtx.Err() != nil {
			return 0, ErrStopped
		}
		return 0, &ScriptError{Code: codeFrom(err), Label: line.Label, Line: idx + 1, Text: line.Text}
	}

	next := s.next
	if next == cursorRewound {
		next = i.advance(s.index)
	}
	i.cursor = next
	return next, nil
}

// resolve maps a label to its physical line index, first match wins.
func (i *Interpreter) resolve(label int16) int {
	if label == cursorRewound {
		for idx, l := range i.lines {
			if !l.Blank() {
				return idx
			}
		}
		return -1
	}
	if label <= 0 {
		return -1
	}
	for idx, l := range i.lines {
		if l.Label == label {
			return idx
		}
	}
	return -1
}

// advance returns the label of the first executable line after idx, or 0.
func (i *Interpreter) advance(idx int) int16 {
	for n := idx + 1; n < len(i.lines); n++ {
		if !i.lines[n].Blank() {
			return i.lines[n].Label
		}
	}
	return 0
}

func (i *Interpreter) resetStop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.runCancel != nil {
		i.runCancel()
	}
	i.runCtx, i.runCancel = context.WithCancel(context.Background())
	i.stopCalled = false
}

func (i *Interpreter) currentRunCtx() context.Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runCtx
}

func codeFrom(err error) Code {
	if c, ok := err.(Code); ok {
		return c
	}
	return ErrUnknownCommand
}
