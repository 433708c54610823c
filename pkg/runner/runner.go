// Package runner drives an interpreter on a dedicated worker goroutine.
//
// A Runner moves through INIT → RUNNING ⇄ PAUSED and always ends in
// STOPPED. Pause takes effect between lines only; Stop interrupts the
// current line and returns once the worker has exited.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zurustar/mmscript/pkg/logger"
	"github.com/zurustar/mmscript/pkg/servo"
	"github.com/zurustar/mmscript/pkg/vm"
)

// State is the controller state.
type State int

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// control is the request the host has made of the worker.
type control int

const (
	ctlRun control = iota
	ctlPause
	ctlStop
)

var (
	// ErrRunning is returned when a run is already active.
	ErrRunning = errors.New("script is running")
	// ErrNoScript is returned by Start before a script has been loaded.
	ErrNoScript = errors.New("no script loaded")
	// ErrStepLimit ends a run that executed the configured number of steps.
	ErrStepLimit = errors.New("step limit reached")
)

// Result summarizes a finished run.
type Result struct {
	RunID   string
	Last    int16 // last value returned by ExecOneStep: 0 or a negative code
	Err     error // *vm.ScriptError, ErrStepLimit or nil
	Steps   int
	Stopped bool // ended by Stop or context cancellation
}

// Runner owns an interpreter while a run is active.
type Runner struct {
	interp *vm.Interpreter
	host   servo.Host
	log    *slog.Logger

	resetVars bool
	stepLimit int

	mu     sync.Mutex
	cond   *sync.Cond
	state  State
	ctl    control
	steps  int
	done   chan struct{}
	result Result
}

// Option is a functional option for configuring the Runner.
type Option func(*Runner)

// WithResetVariables zeroes A to Z before every run.
func WithResetVariables(reset bool) Option {
	return func(r *Runner) {
		r.resetVars = reset
	}
}

// WithStepLimit ends a run after n steps. Zero means unlimited.
func WithStepLimit(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.stepLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a Runner. host receives every callback from the worker and
// must not call Stop, Pause or Resume synchronously from them.
func New(interp *vm.Interpreter, host servo.Host, opts ...Option) *Runner {
	if host == nil {
		host = servo.NopHost{}
	}
	r := &Runner{
		interp: interp,
		host:   host,
		log:    logger.GetLogger(),
		state:  StateInit,
	}
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load parses text into the interpreter.
func (r *Runner) Load(text string) (int16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active() {
		return 0, ErrRunning
	}
	start, err := r.interp.ParseScript(text)
	if err != nil {
		return 0, err
	}
	r.state = StateInit
	return start, nil
}

// Start rewinds the loaded script and runs it on a new worker goroutine.
// Cancelling ctx has the same effect as Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active() {
		return ErrRunning
	}
	if r.interp.StartLabel() == 0 {
		return ErrNoScript
	}

	r.interp.Rewind()
	if r.resetVars {
		r.interp.ResetVariables()
	}

	id := uuid.NewString()
	r.state = StateRunning
	r.ctl = ctlRun
	r.steps = 0
	r.result = Result{RunID: id}
	r.done = make(chan struct{})

	go r.run(ctx, id, r.done)
	return nil
}

// Pause asks the worker to block before its next line. Status reports
// PAUSED once the worker has finished its current line and blocked.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active() && r.ctl == ctlRun {
		r.ctl = ctlPause
	}
}

// Resume releases a paused worker, or cancels a pause it has not reached yet.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active() && r.ctl == ctlPause {
		r.ctl = ctlRun
		r.cond.Broadcast()
	}
}

// Stop interrupts the run and waits for the worker to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.active() {
		r.mu.Unlock()
		return
	}
	r.ctl = ctlStop
	done := r.done
	// Under r.mu so the request cannot reach a later run started by Start.
	r.interp.RequestStop()
	r.cond.Broadcast()
	r.mu.Unlock()

	<-done
}

// Status returns the controller state.
func (r *Runner) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Steps returns the number of lines executed by the current or last run.
func (r *Runner) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps
}

// Wait blocks until the current run has finished and returns its result.
// Without a run it returns the zero Result.
func (r *Runner) Wait() Result {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return Result{}
	}
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Runner) active() bool {
	return r.state == StateRunning || r.state == StatePaused
}

func (r *Runner) run(ctx context.Context, id string, done chan struct{}) {
	log := r.log.With("run_id", id)
	log.Info("Script execution started", "start", r.interp.StartLabel())

	// Wake a paused worker when ctx ends.
	stopWake := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stopWake()

	res := Result{RunID: id}
	label := r.interp.StartLabel()
	for {
		if !r.checkpoint(ctx) {
			res.Stopped = true
			break
		}

		r.host.OnLabel(label)
		next, err := r.interp.ExecOneStep(ctx, r.host)
		res.Steps = r.countStep()

		if errors.Is(err, vm.ErrStopped) {
			res.Stopped = true
			break
		}
		if err != nil {
			res.Last = vm.CodeOf(err)
			res.Err = err
			log.Error("Script error", "error", err)
			r.host.OnLabel(0)
			break
		}
		if next == 0 {
			r.host.OnLabel(0)
			break
		}
		if r.stepLimit > 0 && res.Steps >= r.stepLimit {
			res.Err = ErrStepLimit
			res.Stopped = true
			log.Warn("Step limit reached", "limit", r.stepLimit)
			break
		}
		label = next
	}

	log.Info(fmt.Sprintf("ExecOneStep returned: %d", res.Last), "steps", res.Steps, "stopped", res.Stopped)

	r.mu.Lock()
	r.state = StateStopped
	r.result = res
	close(done)
	r.mu.Unlock()
}

// checkpoint blocks while paused and reports whether the worker may run the
// next line. Only the worker moves the state between RUNNING and PAUSED.
func (r *Runner) checkpoint(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.ctl == ctlPause && ctx.Err() == nil {
		if r.state != StatePaused {
			r.state = StatePaused
			r.log.Debug("Worker paused")
		}
		r.cond.Wait()
	}
	if r.state == StatePaused {
		r.state = StateRunning
		r.log.Debug("Worker resumed")
	}
	return r.ctl != ctlStop && ctx.Err() == nil
}

func (r *Runner) countStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps++
	return r.steps
}
