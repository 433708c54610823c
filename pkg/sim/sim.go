// Package sim provides an in-memory servo bus for running scripts without
// hardware. Moves settle after a configurable time and faults can be
// injected per node.
package sim

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zurustar/mmscript/pkg/logger"
	"github.com/zurustar/mmscript/pkg/servo"
)

// NodeConfig describes one simulated node and the faults it exhibits.
type NodeConfig struct {
	ID         uint8
	SettleTime time.Duration // time from a position move until in position

	FailFirst int            // number of leading calls answered with FailCode
	FailCode  servo.Response // RespBusy when zero

	LoseControl bool  // the first move drops servo control
	NodeError   uint8 // remote error code raised on the first move, 0 for none
}

// NodeState is a snapshot of a simulated node.
type NodeState struct {
	ID           uint8
	Mode         servo.StartMode
	Status       servo.Status
	Position     int32
	Target       int32
	Velocity     int32
	Acceleration uint32
	ProfileSpeed uint32
	Calls        int
}

// Entry is one journaled bus call.
type Entry struct {
	Op   string
	Node uint8
	Arg  int64
	Resp servo.Response
}

type node struct {
	cfg   NodeConfig
	state NodeState

	failRemaining int
	loseControl   bool
	nodeError     uint8
	settleAt      time.Time
}

// Bus is a simulated servo bus. It implements servo.Bus and servo.ErrorNotifier.
type Bus struct {
	mu      sync.Mutex
	nodes   map[uint8]*node
	auto    bool
	now     func() time.Time
	notify  servo.NodeErrorFunc
	journal []Entry
	log     *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithNode declares a node.
func WithNode(cfg NodeConfig) Option {
	return func(b *Bus) {
		b.addNode(cfg)
	}
}

// WithAutoNodes makes unknown node ids come into existence on first use
// with a zero NodeConfig. Without it they never answer.
func WithAutoNodes() Option {
	return func(b *Bus) {
		b.auto = true
	}
}

// WithClock replaces the time source used for settling.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a simulated bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		nodes: make(map[uint8]*node),
		now:   time.Now,
		log:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) addNode(cfg NodeConfig) {
	if cfg.FailCode == servo.RespSuccess {
		cfg.FailCode = servo.RespBusy
	}
	b.nodes[cfg.ID] = &node{
		cfg:           cfg,
		state:         NodeState{ID: cfg.ID, Status: servo.StatusNoControl},
		failRemaining: cfg.FailFirst,
		loseControl:   cfg.LoseControl,
		nodeError:     cfg.NodeError,
	}
}

// Node returns a snapshot of node id.
func (b *Bus) Node(id uint8) (NodeState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	b.settle(n)
	return n.state, true
}

// NodeIDs returns the declared node ids in ascending order.
func (b *Bus) NodeIDs() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uint8, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Journal returns every call made so far.
func (b *Bus) Journal() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.journal...)
}

// DropControl makes node id lose servo control, as after a fault.
func (b *Bus) DropControl(id uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[id]; ok {
		n.state.Status = servo.StatusNoControl
		n.state.Velocity = 0
	}
}

// RaiseNodeError reports a remote error for node id to the registered notifier.
func (b *Bus) RaiseNodeError(id, code uint8) {
	b.mu.Lock()
	fn := b.notify
	b.mu.Unlock()
	if fn != nil {
		fn(id, code)
	}
}

// NotifyNodeErrors implements servo.ErrorNotifier.
func (b *Bus) NotifyNodeErrors(fn servo.NodeErrorFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// call runs apply against node id under the bus lock. apply is skipped when
// the node is absent or an injected failure is pending.
func (b *Bus) call(ctx context.Context, op string, id uint8, arg int64, apply func(n *node) servo.Response) servo.Response {
	if ctx.Err() != nil {
		return servo.RespTimeout
	}

	b.mu.Lock()
	resp := servo.RespTimeout
	var raise uint8
	n, ok := b.nodes[id]
	if !ok && b.auto {
		b.addNode(NodeConfig{ID: id})
		n, ok = b.nodes[id], true
	}
	if ok {
		n.state.Calls++
		b.settle(n)
		if n.failRemaining > 0 {
			n.failRemaining--
			resp = n.cfg.FailCode
		} else {
			resp = apply(n)
			if resp == servo.RespSuccess && isMove(op) && n.nodeError != 0 {
				raise, n.nodeError = n.nodeError, 0
			}
		}
	}
	b.journal = append(b.journal, Entry{Op: op, Node: id, Arg: arg, Resp: resp})
	b.mu.Unlock()

	b.log.Debug("Simulated bus call", "op", op, "node", id, "arg", arg, "resp", resp.String())
	if raise != 0 {
		b.RaiseNodeError(id, raise)
	}
	return resp
}

// settle completes a pending position move once its settle time has passed.
func (b *Bus) settle(n *node) {
	if n.state.Status != servo.StatusPositionControl || n.state.Position == n.state.Target {
		return
	}
	if !b.now().Before(n.settleAt) {
		n.state.Position = n.state.Target
	}
}

func isMove(op string) bool {
	switch op {
	case "ProfiledVelocityMove", "AbsolutePositionMove", "ProfiledAbsolutePositionMove",
		"RelativePositionMove", "ProfiledRelativePositionMove":
		return true
	}
	return false
}

// controlled gates a move on servo control and the injected control loss.
func controlled(n *node) bool {
	if n.state.Status == servo.StatusNoControl {
		return false
	}
	if n.loseControl {
		n.loseControl = false
		n.state.Status = servo.StatusNoControl
		n.state.Velocity = 0
		return false
	}
	return true
}

func (b *Bus) moveTo(n *node, target int32) servo.Response {
	if !controlled(n) {
		return servo.RespServoError
	}
	n.state.Status = servo.StatusPositionControl
	n.state.Velocity = 0
	n.state.Target = target
	n.settleAt = b.now().Add(n.cfg.SettleTime)
	b.settle(n)
	return servo.RespSuccess
}

// StartServo implements servo.Bus.
func (b *Bus) StartServo(ctx context.Context, id uint8, mode servo.StartMode) servo.Response {
	return b.call(ctx, "StartServo", id, int64(mode), func(n *node) servo.Response {
		if mode > servo.ModeReset {
			return servo.RespInvalidParam
		}
		n.state.Mode = mode
		if mode != servo.ModeKeep {
			n.state.Position = 0
		}
		n.state.Target = n.state.Position
		n.state.Velocity = 0
		n.state.Status = servo.StatusPositionControl
		return servo.RespSuccess
	})
}

// StopServo implements servo.Bus.
func (b *Bus) StopServo(ctx context.Context, id uint8) servo.Response {
	return b.call(ctx, "StopServo", id, 0, func(n *node) servo.Response {
		n.state.Status = servo.StatusNoControl
		n.state.Velocity = 0
		return servo.RespSuccess
	})
}

// HaltServo implements servo.Bus. The node holds its current position.
func (b *Bus) HaltServo(ctx context.Context, id uint8) servo.Response {
	return b.call(ctx, "HaltServo", id, 0, func(n *node) servo.Response {
		if n.state.Status == servo.StatusNoControl {
			return servo.RespServoError
		}
		n.state.Velocity = 0
		n.state.Target = n.state.Position
		n.state.Status = servo.StatusPositionControl
		return servo.RespSuccess
	})
}

// ResetError implements servo.Bus.
func (b *Bus) ResetError(ctx context.Context, id uint8) servo.Response {
	return b.call(ctx, "ResetError", id, 0, func(n *node) servo.Response {
		return servo.RespSuccess
	})
}

// SetProfileAcceleration implements servo.Bus.
func (b *Bus) SetProfileAcceleration(ctx context.Context, id uint8, accel uint32) servo.Response {
	return b.call(ctx, "SetProfileAcceleration", id, int64(accel), func(n *node) servo.Response {
		n.state.Acceleration = accel
		return servo.RespSuccess
	})
}

// SetProfileVelocity implements servo.Bus.
func (b *Bus) SetProfileVelocity(ctx context.Context, id uint8, velocity uint32) servo.Response {
	return b.call(ctx, "SetProfileVelocity", id, int64(velocity), func(n *node) servo.Response {
		n.state.ProfileSpeed = velocity
		return servo.RespSuccess
	})
}

// ProfiledVelocityMove implements servo.Bus.
func (b *Bus) ProfiledVelocityMove(ctx context.Context, id uint8, velocity int32) servo.Response {
	return b.call(ctx, "ProfiledVelocityMove", id, int64(velocity), func(n *node) servo.Response {
		if !controlled(n) {
			return servo.RespServoError
		}
		n.state.Status = servo.StatusVelocityControl
		n.state.Velocity = velocity
		return servo.RespSuccess
	})
}

// AbsolutePositionMove implements servo.Bus.
func (b *Bus) AbsolutePositionMove(ctx context.Context, id uint8, pos int32) servo.Response {
	return b.call(ctx, "AbsolutePositionMove", id, int64(pos), func(n *node) servo.Response {
		return b.moveTo(n, pos)
	})
}

// ProfiledAbsolutePositionMove implements servo.Bus.
func (b *Bus) ProfiledAbsolutePositionMove(ctx context.Context, id uint8, pos int32) servo.Response {
	return b.call(ctx, "ProfiledAbsolutePositionMove", id, int64(pos), func(n *node) servo.Response {
		return b.moveTo(n, pos)
	})
}

// RelativePositionMove implements servo.Bus.
func (b *Bus) RelativePositionMove(ctx context.Context, id uint8, pos int32) servo.Response {
	return b.call(ctx, "RelativePositionMove", id, int64(pos), func(n *node) servo.Response {
		return b.moveTo(n, n.state.Target+pos)
	})
}

// ProfiledRelativePositionMove implements servo.Bus.
func (b *Bus) ProfiledRelativePositionMove(ctx context.Context, id uint8, pos int32) servo.Response {
	return b.call(ctx, "ProfiledRelativePositionMove", id, int64(pos), func(n *node) servo.Response {
		return b.moveTo(n, n.state.Target+pos)
	})
}

// GetControlStatus implements servo.Bus.
func (b *Bus) GetControlStatus(ctx context.Context, id uint8) (servo.Status, bool, servo.Response) {
	var (
		status     servo.Status
		inPosition bool
	)
	resp := b.call(ctx, "GetControlStatus", id, 0, func(n *node) servo.Response {
		status = n.state.Status
		inPosition = status == servo.StatusPositionControl && n.state.Position == n.state.Target
		return servo.RespSuccess
	})
	return status, inPosition, resp
}

// GlobalStop implements servo.Bus. Every node stops and releases control.
func (b *Bus) GlobalStop(ctx context.Context) servo.Response {
	if ctx.Err() != nil {
		return servo.RespTimeout
	}
	b.mu.Lock()
	for _, n := range b.nodes {
		n.state.Status = servo.StatusNoControl
		n.state.Velocity = 0
	}
	b.journal = append(b.journal, Entry{Op: "GlobalStop", Resp: servo.RespSuccess})
	b.mu.Unlock()

	b.log.Info("Global stop sent", "nodes", len(b.NodeIDs()))
	return servo.RespSuccess
}
