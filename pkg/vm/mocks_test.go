package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zurustar/mmscript/pkg/servo"
)

// busCall records one call made against MockBus.
type busCall struct {
	Op   string
	Node uint8
	Arg  int64
}

func (c busCall) String() string {
	return fmt.Sprintf("%s(%d,%d)", c.Op, c.Node, c.Arg)
}

// statusReply is a queued GetControlStatus answer.
type statusReply struct {
	status     servo.Status
	inPosition bool
	resp       servo.Response
}

// MockBus is a mock implementation of servo.Bus for testing.
// Queued responses are consumed per operation name; an empty queue succeeds.
type MockBus struct {
	mu       sync.Mutex
	calls    []busCall
	queued   map[string][]servo.Response
	always   map[string]servo.Response
	statuses []statusReply
	onCall   func(op string)
	notify   servo.NodeErrorFunc
}

// NewMockBus creates a bus where every call succeeds and nodes report
// position control and in position.
func NewMockBus() *MockBus {
	return &MockBus{
		queued: make(map[string][]servo.Response),
		always: make(map[string]servo.Response),
	}
}

func (m *MockBus) Queue(op string, resps ...servo.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[op] = append(m.queued[op], resps...)
}

func (m *MockBus) Always(op string, resp servo.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.always[op] = resp
}

func (m *MockBus) QueueStatus(replies ...statusReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, replies...)
}

func (m *MockBus) Calls() []busCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]busCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockBus) Ops() []string {
	var ops []string
	for _, c := range m.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

func (m *MockBus) record(op string, node uint8, arg int64) servo.Response {
	m.mu.Lock()
	m.calls = append(m.calls, busCall{Op: op, Node: node, Arg: arg})
	resp := servo.RespSuccess
	if q := m.queued[op]; len(q) > 0 {
		resp = q[0]
		m.queued[op] = q[1:]
	} else if r, ok := m.always[op]; ok {
		resp = r
	}
	hook := m.onCall
	m.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	return resp
}

func (m *MockBus) StartServo(_ context.Context, id uint8, mode servo.StartMode) servo.Response {
	return m.record("StartServo", id, int64(mode))
}

func (m *MockBus) StopServo(_ context.Context, id uint8) servo.Response {
	return m.record("StopServo", id, 0)
}

func (m *MockBus) HaltServo(_ context.Context, id uint8) servo.Response {
	return m.record("HaltServo", id, 0)
}

func (m *MockBus) ResetError(_ context.Context, id uint8) servo.Response {
	return m.record("ResetError", id, 0)
}

func (m *MockBus) SetProfileAcceleration(_ context.Context, id uint8, accel uint32) servo.Response {
	return m.record("SetProfileAcceleration", id, int64(accel))
}

func (m *MockBus) SetProfileVelocity(_ context.Context, id uint8, velocity uint32) servo.Response {
	return m.record("SetProfileVelocity", id, int64(velocity))
}

func (m *MockBus) ProfiledVelocityMove(_ context.Context, id uint8, velocity int32) servo.Response {
	return m.record("ProfiledVelocityMove", id, int64(velocity))
}

func (m *MockBus) AbsolutePositionMove(_ context.Context, id uint8, pos int32) servo.Response {
	return m.record("AbsolutePositionMove", id, int64(pos))
}

func (m *MockBus) ProfiledAbsolutePositionMove(_ context.Context, id uint8, pos int32) servo.Response {
	return m.record("ProfiledAbsolutePositionMove", id, int64(pos))
}

func (m *MockBus) RelativePositionMove(_ context.Context, id uint8, pos int32) servo.Response {
	return m.record("RelativePositionMove", id, int64(pos))
}

func (m *MockBus) ProfiledRelativePositionMove(_ context.Context, id uint8, pos int32) servo.Response {
	return m.record("ProfiledRelativePositionMove", id, int64(pos))
}

func (m *MockBus) GetControlStatus(_ context.Context, id uint8) (servo.Status, bool, servo.Response) {
	resp := m.record("GetControlStatus", id, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp != servo.RespSuccess {
		return servo.StatusNoControl, false, resp
	}
	if len(m.statuses) > 0 {
		r := m.statuses[0]
		m.statuses = m.statuses[1:]
		return r.status, r.inPosition, r.resp
	}
	return servo.StatusPositionControl, true, servo.RespSuccess
}

func (m *MockBus) GlobalStop(_ context.Context) servo.Response {
	return m.record("GlobalStop", 0, 0)
}

func (m *MockBus) NotifyNodeErrors(fn servo.NodeErrorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// raiseNodeError reports a remote error the way a transport would.
func (m *MockBus) raiseNodeError(node, code uint8) {
	m.mu.Lock()
	fn := m.notify
	m.mu.Unlock()
	if fn != nil {
		fn(node, code)
	}
}

// MockHost records every callback.
type MockHost struct {
	mu          sync.Mutex
	Labels      []int16
	LocalErrors []servo.Response
	NodeErrors  []uint8
	Logs        []string
}

func (h *MockHost) OnLabel(label int16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Labels = append(h.Labels, label)
}

func (h *MockHost) OnLocalError(_ uint8, resp servo.Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LocalErrors = append(h.LocalErrors, resp)
}

func (h *MockHost) OnNodeError(_ uint8, code uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.NodeErrors = append(h.NodeErrors, code)
}

func (h *MockHost) Log(node uint8, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Logs = append(h.Logs, fmt.Sprintf("%02x:%s", node, msg))
}

func (h *MockHost) LogLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Logs...)
}

// fakeDelay records requested delays and returns at once.
type fakeDelay struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (d *fakeDelay) Delay(ctx context.Context, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waits = append(d.waits, dur)
}

func (d *fakeDelay) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waits)
}
