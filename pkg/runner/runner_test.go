package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zurustar/mmscript/pkg/servo"
	"github.com/zurustar/mmscript/pkg/sim"
	"github.com/zurustar/mmscript/pkg/vm"
)

// labelHost records OnLabel calls.
type labelHost struct {
	servo.NopHost
	mu     sync.Mutex
	labels []int16
}

func (h *labelHost) OnLabel(label int16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.labels = append(h.labels, label)
}

func (h *labelHost) Labels() []int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int16(nil), h.labels...)
}

func newTestRunner(t *testing.T, bus servo.Bus, script string, opts ...Option) (*Runner, *labelHost) {
	t.Helper()
	if bus == nil {
		bus = sim.New(sim.WithAutoNodes())
	}
	host := &labelHost{}
	r := New(vm.New(bus), host, opts...)
	if _, err := r.Load(script); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	return r, host
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunToEnd(t *testing.T) {
	r, host := newTestRunner(t, nil, "1: 1,START KEEP\n2: CALL 5\n3: END\n5: 1,AP 10\n6: RET\n")
	if r.Status() != StateInit {
		t.Fatalf("expected INIT, got %v", r.Status())
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := r.Wait()
	if res.Err != nil || res.Last != 0 || res.Stopped {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := uuid.Parse(res.RunID); err != nil {
		t.Errorf("expected a uuid run id, got %q", res.RunID)
	}
	want := []int16{1, 2, 5, 6, 3, 0}
	if got := host.Labels(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected labels %v, got %v", want, got)
	}
	if res.Steps != 5 {
		t.Errorf("expected 5 steps, got %d", res.Steps)
	}
	if r.Status() != StateStopped {
		t.Errorf("expected STOPPED, got %v", r.Status())
	}
}

func TestRunError(t *testing.T) {
	r, host := newTestRunner(t, nil, "1: LET A=1\n2: RET\n")
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := r.Wait()
	if !errors.Is(res.Err, vm.ErrEmptyStack) {
		t.Fatalf("expected empty stack error, got %v", res.Err)
	}
	if res.Last != int16(vm.ErrEmptyStack) || res.Stopped {
		t.Errorf("unexpected result %+v", res)
	}
	labels := host.Labels()
	if labels[len(labels)-1] != 0 {
		t.Errorf("expected a final OnLabel(0), got %v", labels)
	}
}

func TestStopDuringRetry(t *testing.T) {
	bus := sim.New(sim.WithNode(sim.NodeConfig{ID: 1, FailFirst: 1 << 30}))
	r, host := newTestRunner(t, bus, "1: 1,HALT\n2: END\n")
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	begin := time.Now()
	r.Stop()
	if elapsed := time.Since(begin); elapsed > vm.DefaultBackoff+50*time.Millisecond {
		t.Errorf("expected stop within one backoff interval, took %v", elapsed)
	}
	if r.Status() != StateStopped {
		t.Errorf("expected STOPPED after Stop returns, got %v", r.Status())
	}

	res := r.Wait()
	if !res.Stopped || res.Err != nil || res.Last != 0 {
		t.Errorf("expected a clean stop, got %+v", res)
	}
	for _, l := range host.Labels() {
		if l == 0 {
			t.Errorf("expected no OnLabel(0) on stop, got %v", host.Labels())
		}
	}
}

func TestPauseResume(t *testing.T) {
	r, _ := newTestRunner(t, nil, "1: LET A=A+1\n2: GOTO 1\n")
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.Steps() > 10 })

	r.Pause()
	waitFor(t, func() bool { return r.Status() == StatePaused })
	paused := r.Steps()
	time.Sleep(30 * time.Millisecond)
	if r.Steps() != paused {
		t.Fatalf("expected no progress while paused, steps went from %d to %d", paused, r.Steps())
	}

	r.Resume()
	waitFor(t, func() bool { return r.Status() == StateRunning })
	waitFor(t, func() bool { return r.Steps() > paused+10 })

	r.Pause()
	r.Stop()
	if res := r.Wait(); !res.Stopped {
		t.Errorf("expected stop from pause, got %+v", res)
	}
}

func TestPauseWaitsForLine(t *testing.T) {
	bus := sim.New(sim.WithNode(sim.NodeConfig{ID: 1, FailFirst: 5}))
	host := &labelHost{}
	r := New(vm.New(bus, vm.WithBackoff(20*time.Millisecond)), host)
	if _, err := r.Load("1: 1,STOP\n2: END\n"); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	// The STOP line is retrying when the pause is requested.
	waitFor(t, func() bool { return len(bus.Journal()) >= 1 })
	r.Pause()

	// Five failures then success: the line ends with the sixth call.
	for {
		st := r.Status()
		n := len(bus.Journal())
		if n >= 6 {
			break
		}
		if st != StateRunning {
			t.Fatalf("expected RUNNING while the line retries, got %v after %d calls", st, n)
		}
		time.Sleep(time.Millisecond)
	}

	waitFor(t, func() bool { return r.Status() == StatePaused })
	if r.Steps() != 1 {
		t.Errorf("expected the paused worker to have finished one line, got %d", r.Steps())
	}
	calls := len(bus.Journal())
	time.Sleep(50 * time.Millisecond)
	if n := len(bus.Journal()); n != calls {
		t.Errorf("expected no bus calls while paused, got %d -> %d", calls, n)
	}

	r.Resume()
	res := r.Wait()
	if res.Err != nil || res.Stopped || res.Steps != 2 {
		t.Errorf("expected the run to end after resume, got %+v", res)
	}
}

func TestStopDoesNotReachNextRun(t *testing.T) {
	r, _ := newTestRunner(t, nil, "1: GOTO 1\n")
	for k := 0; k < 20; k++ {
		if _, err := r.Load("1: GOTO 1\n"); err != nil {
			t.Fatal(err)
		}
		if err := r.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return r.Steps() > 0 })

		stopped := make(chan struct{})
		go func() {
			r.Stop()
			close(stopped)
		}()
		for r.Status() != StateStopped {
			runtime.Gosched()
		}

		if _, err := r.Load("1: LET A=7\n2: END\n"); err != nil {
			t.Fatal(err)
		}
		if err := r.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if res := r.Wait(); res.Stopped || res.Err != nil {
			t.Fatalf("round %d: expected the next run to finish, got %+v", k, res)
		}
		<-stopped
	}
}

func TestStartErrors(t *testing.T) {
	r := New(vm.New(sim.New()), nil)
	if err := r.Start(context.Background()); !errors.Is(err, ErrNoScript) {
		t.Errorf("expected ErrNoScript, got %v", err)
	}

	r, _ = newTestRunner(t, nil, "1: GOTO 1\n")
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()
	if err := r.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}
	if _, err := r.Load("1: END\n"); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning from Load, got %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	r, _ := newTestRunner(t, nil, "1: DELAY 10000\n2: END\n")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}

	res := r.Wait()
	if !res.Stopped {
		t.Errorf("expected timeout to stop the run, got %+v", res)
	}
}

func TestContextCancelWhilePaused(t *testing.T) {
	r, _ := newTestRunner(t, nil, "1: GOTO 1\n")
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	r.Pause()
	cancel()

	done := make(chan Result)
	go func() { done <- r.Wait() }()
	select {
	case res := <-done:
		if !res.Stopped {
			t.Errorf("expected stopped result, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("paused worker did not observe cancellation")
	}
}

func TestStepLimit(t *testing.T) {
	r, _ := newTestRunner(t, nil, "1: GOTO 1\n", WithStepLimit(25))
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := r.Wait()
	if !errors.Is(res.Err, ErrStepLimit) || res.Steps != 25 {
		t.Errorf("expected step limit after 25 steps, got %+v", res)
	}
}

func TestRerunVariables(t *testing.T) {
	tests := []struct {
		name  string
		reset bool
		want  int16
	}{
		{"variables survive a rerun", false, 2},
		{"variables reset per run", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := vm.New(sim.New())
			r := New(interp, nil, WithResetVariables(tt.reset))
			if _, err := r.Load("1: LET A=A+1\n"); err != nil {
				t.Fatal(err)
			}
			for k := 0; k < 2; k++ {
				if err := r.Start(context.Background()); err != nil {
					t.Fatal(err)
				}
				r.Wait()
			}
			if got := interp.Var('A'); got != tt.want {
				t.Errorf("expected A=%d, got %d", tt.want, got)
			}
		})
	}
}

func TestStopWithoutRun(t *testing.T) {
	r := New(vm.New(sim.New()), nil)
	r.Stop()
	r.Pause()
	r.Resume()
	if r.Status() != StateInit {
		t.Errorf("expected INIT, got %v", r.Status())
	}
	if res := r.Wait(); res.RunID != "" {
		t.Errorf("expected zero result, got %+v", res)
	}
}

// TestProperty_LoopStepCount checks a counted loop executes 2N+1 lines.
func TestProperty_LoopStepCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("counted loop runs 2N+1 steps", prop.ForAll(
		func(n int) bool {
			interp := vm.New(sim.New())
			r := New(interp, nil, WithResetVariables(true))
			script := fmt.Sprintf("1: LET A=A+1\n2: IF (A<%d) THEN 1\n3: END\n", n)
			if _, err := r.Load(script); err != nil {
				return false
			}
			if err := r.Start(context.Background()); err != nil {
				return false
			}
			res := r.Wait()
			return res.Err == nil && res.Steps == 2*n+1 && interp.Var('A') == int16(n)
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
