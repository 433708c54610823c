package vm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zurustar/mmscript/pkg/servo"
)

func execLine(t *testing.T, in *Interpreter, line string, host servo.Host) (int16, error) {
	t.Helper()
	if _, err := in.ParseScript("1: " + line + "\n2: END\n"); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return in.ExecOneStep(context.Background(), host)
}

func TestNodeCommands(t *testing.T) {
	tests := []struct {
		line  string
		calls []string
	}{
		{"1,START 1", []string{"ResetError(1,0)", "StartServo(1,1)"}},
		{"1,START RESET", []string{"ResetError(1,0)", "StartServo(1,2)"}},
		{"1,STOP", []string{"StopServo(1,0)"}},
		{"1,HALT", []string{"HaltServo(1,0)"}},
		{"1,VM -500", []string{"ProfiledVelocityMove(1,-500)"}},
		{"1,PVM 10,20", []string{"SetProfileAcceleration(1,10)", "ProfiledVelocityMove(1,20)"}},
		{"A,AP 1000", []string{"AbsolutePositionMove(10,1000)"}},
		{"1,PAP 1, 2, 3", []string{"SetProfileAcceleration(1,1)", "SetProfileVelocity(1,2)", "ProfiledAbsolutePositionMove(1,3)"}},
		{"1,RP -4", []string{"RelativePositionMove(1,-4)"}},
		{"1,PRP 5,6,7", []string{"SetProfileAcceleration(1,5)", "SetProfileVelocity(1,6)", "ProfiledRelativePositionMove(1,7)"}},
		{"1,STOP;0x2, HALT", []string{"StopServo(1,0)", "HaltServo(2,0)"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			in, bus, _ := newTestInterp(t)
			next, err := execLine(t, in, tt.line, nil)
			if err != nil || next != 2 {
				t.Fatalf("expected 2, got %d, %v", next, err)
			}

			var got []string
			for _, c := range bus.Calls() {
				got = append(got, c.String())
			}
			if strings.Join(got, " ") != strings.Join(tt.calls, " ") {
				t.Errorf("expected calls %v, got %v", tt.calls, got)
			}
		})
	}
}

func TestExecRetry(t *testing.T) {
	in, bus, delay := newTestInterp(t)
	bus.Queue("StopServo", servo.RespBusy, servo.RespTimeout)
	host := &MockHost{}

	next, err := execLine(t, in, "3,STOP", host)
	if err != nil || next != 2 {
		t.Fatalf("expected 2, got %d, %v", next, err)
	}
	if n := len(bus.Calls()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if len(host.LocalErrors) != 2 || host.LocalErrors[0] != servo.RespBusy || host.LocalErrors[1] != servo.RespTimeout {
		t.Errorf("expected local errors [busy timeout], got %v", host.LocalErrors)
	}
	if delay.Count() != 2 || delay.waits[0] != DefaultBackoff {
		t.Errorf("expected two backoff delays, got %v", delay.waits)
	}
	if logs := host.LogLines(); len(logs) != 1 || logs[0] != "03:StopServo" {
		t.Errorf("expected a single trace line, got %v", logs)
	}
}

func TestMoveRetry(t *testing.T) {
	tests := []struct {
		name   string
		fail   servo.Response
		status servo.Status
		ops    []string
	}{
		{
			name:   "servo lost control is restarted",
			fail:   servo.RespServoError,
			status: servo.StatusNoControl,
			ops:    []string{"AbsolutePositionMove", "GetControlStatus", "StartServo", "AbsolutePositionMove"},
		},
		{
			name:   "servo error under control is retried",
			fail:   servo.RespServoError,
			status: servo.StatusPositionControl,
			ops:    []string{"AbsolutePositionMove", "GetControlStatus", "AbsolutePositionMove"},
		},
		{
			name:   "other failures skip recovery",
			fail:   servo.RespCRCError,
			status: servo.StatusNoControl,
			ops:    []string{"AbsolutePositionMove", "AbsolutePositionMove"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, bus, _ := newTestInterp(t)
			bus.Queue("AbsolutePositionMove", tt.fail)
			bus.QueueStatus(statusReply{status: tt.status})
			host := &MockHost{}

			if _, err := execLine(t, in, "1,AP 100", host); err != nil {
				t.Fatal(err)
			}
			if got := strings.Join(bus.Ops(), " "); got != strings.Join(tt.ops, " ") {
				t.Errorf("expected ops %v, got %v", tt.ops, bus.Ops())
			}
			restarted := false
			for _, c := range bus.Calls() {
				if c.Op == "StartServo" && c.Arg != int64(servo.ModeKeep) {
					t.Errorf("expected restart in keep mode, got %d", c.Arg)
				}
				restarted = restarted || c.Op == "StartServo"
			}
			logs := strings.Join(host.LogLines(), "|")
			if restarted != strings.Contains(logs, "Restart servo.") {
				t.Errorf("expected restart to be traced, got %q", logs)
			}
		})
	}
}

func TestWait(t *testing.T) {
	in, bus, delay := newTestInterp(t)
	bus.QueueStatus(
		statusReply{status: servo.StatusPositionControl},
		statusReply{status: servo.StatusNoControl},
		statusReply{status: servo.StatusPositionControl, inPosition: true},
	)

	next, err := execLine(t, in, "WAIT 1, 2", nil)
	if err != nil || next != 2 {
		t.Fatalf("expected 2, got %d, %v", next, err)
	}

	want := []string{"GetControlStatus(1,0)", "GetControlStatus(1,0)", "StartServo(1,0)", "GetControlStatus(1,0)", "GetControlStatus(2,0)"}
	var got []string
	for _, c := range bus.Calls() {
		got = append(got, c.String())
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("expected %v, got %v", want, got)
	}
	if delay.Count() != 4 {
		t.Errorf("expected one poll interval per status query, got %d", delay.Count())
	}
}

func TestStopDuringRetry(t *testing.T) {
	bus := NewMockBus()
	bus.Always("HaltServo", servo.RespBusy)
	in := New(bus)

	if _, err := in.ParseScript("1: 1,HALT\n2: END\n"); err != nil {
		t.Fatal(err)
	}

	const stopAfter = 150 * time.Millisecond
	go func() {
		time.Sleep(stopAfter)
		in.RequestStop()
	}()

	begin := time.Now()
	next, err := in.ExecOneStep(context.Background(), nil)
	elapsed := time.Since(begin)

	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %d, %v", next, err)
	}
	if CodeOf(err) != 0 {
		t.Errorf("expected a stop to carry no error code, got %d", CodeOf(err))
	}
	if elapsed > stopAfter+DefaultBackoff+50*time.Millisecond {
		t.Errorf("expected stop within one backoff interval, took %v", elapsed)
	}
	if in.Cursor() != 1 {
		t.Errorf("expected no progress past the stopped line, cursor %d", in.Cursor())
	}

	// Stop persists until rewind.
	if _, err := in.ExecOneStep(context.Background(), nil); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped before rewind, got %v", err)
	}
	in.Rewind()
	if in.Stopped() {
		t.Error("expected rewind to clear the stop request")
	}
}

func TestStopDuringDelay(t *testing.T) {
	in := New(NewMockBus())
	if _, err := in.ParseScript("1: DELAY 10000\n2: END\n"); err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(20*time.Millisecond, in.RequestStop)

	begin := time.Now()
	_, err := in.ExecOneStep(context.Background(), nil)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Errorf("expected delay to be interrupted, took %v", time.Since(begin))
	}
}

func TestContextCancelStopsWait(t *testing.T) {
	in, bus, _ := newTestInterp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polls := 0
	bus.onCall = func(op string) {
		polls++
		if polls == 5 {
			cancel()
		}
	}
	for k := 0; k < 10; k++ {
		bus.QueueStatus(statusReply{status: servo.StatusVelocityControl})
	}

	if _, err := in.ParseScript("1: WAIT 7\n2: END\n"); err != nil {
		t.Fatal(err)
	}
	_, err := in.ExecOneStep(ctx, nil)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if polls != 5 {
		t.Errorf("expected polling to end at cancellation, got %d polls", polls)
	}
}

func TestNodeErrorsReachHost(t *testing.T) {
	in, bus, _ := newTestInterp(t)
	bus.onCall = func(op string) {
		if op == "StopServo" {
			bus.raiseNodeError(4, 0x21)
		}
	}
	host := &MockHost{}

	if _, err := execLine(t, in, "4,STOP", host); err != nil {
		t.Fatal(err)
	}
	if len(host.NodeErrors) != 1 || host.NodeErrors[0] != 0x21 {
		t.Errorf("expected node error 0x21, got %v", host.NodeErrors)
	}
}

func TestStoppedBeforeStep(t *testing.T) {
	in, bus, _ := newTestInterp(t)
	if _, err := in.ParseScript("1: 1,STOP\n"); err != nil {
		t.Fatal(err)
	}
	in.RequestStop()

	if _, err := in.ExecOneStep(context.Background(), nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if len(bus.Calls()) != 0 {
		t.Errorf("expected no node calls, got %v", bus.Calls())
	}

	in.Rewind()
	next, err := in.ExecOneStep(context.Background(), nil)
	if err != nil || next != 0 {
		t.Errorf("expected run to end after rewind, got %d, %v", next, err)
	}
}
