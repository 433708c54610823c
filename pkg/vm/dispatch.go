package vm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/zurustar/mmscript/pkg/opcode"
	"github.com/zurustar/mmscript/pkg/servo"
)

// nodeOp is a single named call against one node.
type nodeOp struct {
	name string // traced through Host.Log; empty for silent calls
	call func(ctx context.Context) servo.Response
}

// retryPolicy repeats a node operation until it succeeds. Attempts are
// unbounded; only a stop request ends the loop early.
type retryPolicy struct {
	// recoverable selects failed responses that need recovery before the next attempt.
	recoverable func(servo.Response) bool
	recover     func(s *step, node uint8) error
}

var (
	execRetry = retryPolicy{}
	moveRetry = retryPolicy{
		recoverable: func(r servo.Response) bool { return r == servo.RespServoError },
		recover:     (*step).recoverServo,
	}
)

func (s *step) do(p retryPolicy, node uint8, op nodeOp) error {
	if op.name != "" {
		s.host.Log(node, op.name)
	}
	for attempt := 1; ; attempt++ {
		resp := op.call(s.ctx)
		if resp == servo.RespSuccess {
			return nil
		}
		s.host.OnLocalError(node, resp)
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		s.interp.log.Debug("Node operation failed, retrying",
			"node", node, "op", op.name, "resp", resp.String(), "attempt", attempt)

		if p.recoverable != nil && p.recoverable(resp) {
			if err := p.recover(s, node); err != nil {
				return err
			}
		}
		if err := s.backoff(); err != nil {
			return err
		}
	}
}

func (s *step) backoff() error {
	s.interp.delay(s.ctx, s.interp.backoff)
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	return nil
}

// recoverServo restarts a servo that has dropped out of control.
func (s *step) recoverServo(node uint8) error {
	s.host.Log(node, "Check control status.")
	status, _, err := s.controlStatus(node)
	if err != nil {
		return err
	}
	if status == servo.StatusNoControl {
		return s.restart(node)
	}
	return nil
}

func (s *step) restart(node uint8) error {
	s.host.Log(node, "Restart servo.")
	return s.do(execRetry, node, nodeOp{call: func(ctx context.Context) servo.Response {
		return s.interp.bus.StartServo(ctx, node, servo.ModeKeep)
	}})
}

func (s *step) controlStatus(node uint8) (servo.Status, bool, error) {
	var (
		status     servo.Status
		inPosition bool
	)
	err := s.do(execRetry, node, nodeOp{call: func(ctx context.Context) servo.Response {
		var resp servo.Response
		status, inPosition, resp = s.interp.bus.GetControlStatus(ctx, node)
		return resp
	}})
	return status, inPosition, err
}

// wait blocks until every listed node holds position control and is in position.
func (s *step) wait(rest string) error {
	ids, err := parseNodeList(rest)
	if err != nil {
		return err
	}
	for _, node := range ids {
		if err := s.waitNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (s *step) waitNode(node uint8) error {
	s.host.Log(node, "Wait for position.")
	for {
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		if err := s.backoff(); err != nil {
			return err
		}
		status, inPosition, err := s.controlStatus(node)
		if err != nil {
			return err
		}
		if status == servo.StatusNoControl {
			if err := s.restart(node); err != nil {
				return err
			}
			continue
		}
		if status == servo.StatusPositionControl && inPosition {
			return nil
		}
	}
}

func parseNodeList(rest string) ([]uint8, error) {
	var ids []uint8
	for _, field := range strings.Split(rest, ",") {
		id, _, ok := scanHex(field)
		if !ok || id > math.MaxUint8 {
			return nil, ErrMissingWaitParam
		}
		ids = append(ids, uint8(id))
	}
	return ids, nil
}

// nodeCommand is one parsed `id,CMD` pair.
type nodeCommand struct {
	node uint8
	cmd  opcode.Cmd
	args []int64
}

// nodeArgs gives the operand count of each node command and the error for
// a missing or out of range operand.
var nodeArgs = map[opcode.Cmd]struct {
	n       int
	missing Code
}{
	opcode.Start:                {1, ErrStartParam},
	opcode.Stop:                 {0, ErrEnd},
	opcode.Halt:                 {0, ErrEnd},
	opcode.VelocityMove:         {1, ErrMissingVMParam},
	opcode.ProfiledVelocityMove: {2, ErrMissingPVMParam},
	opcode.AbsoluteMove:         {1, ErrMissingAPParam},
	opcode.ProfiledAbsoluteMove: {3, ErrMissingPAPParam},
	opcode.RelativeMove:         {1, ErrMissingRPParam},
	opcode.ProfiledRelativeMove: {3, ErrMissingPRPParam},
}

// parseNodeCommands parses a whole `id,CMD[;id,CMD]` line before anything
// is sent, so a malformed line has no effect on the nodes.
func parseNodeCommands(text string) ([]nodeCommand, error) {
	var out []nodeCommand
	for _, seg := range strings.Split(text, ";") {
		comma := strings.IndexByte(seg, ',')
		if comma < 0 {
			return nil, ErrMissingNodeID
		}
		id, _, ok := scanHex(seg[:comma])
		if !ok || id > math.MaxUint8 {
			return nil, ErrMissingNodeID
		}

		body := seg[skipBlank(seg, comma+1):]
		cmd, rest, ok := matchKeyword(body, opcode.NodeCommands)
		if !ok {
			return nil, ErrUnknownCommand
		}

		arity := nodeArgs[cmd]
		var args []int64
		if cmd == opcode.Start {
			mode, ok := parseStartMode(rest)
			if !ok {
				return nil, ErrStartParam
			}
			args = []int64{int64(mode)}
		} else if arity.n > 0 {
			args, ok = scanArgs(rest, arity.n)
			if !ok || !argsInRange(cmd, args) {
				return nil, arity.missing
			}
		}
		out = append(out, nodeCommand{node: uint8(id), cmd: cmd, args: args})
	}
	return out, nil
}

func parseStartMode(rest string) (servo.StartMode, bool) {
	if n, _, ok := scanInt(rest); ok {
		if n < int64(servo.ModeKeep) || n > int64(servo.ModeReset) {
			return 0, false
		}
		return servo.StartMode(n), true
	}
	word := strings.TrimSpace(rest)
	switch {
	case strings.HasPrefix(word, opcode.ModeKeep):
		return servo.ModeKeep, true
	case strings.HasPrefix(word, opcode.ModeZero):
		return servo.ModeZero, true
	case strings.HasPrefix(word, opcode.ModeReset):
		return servo.ModeReset, true
	}
	return 0, false
}

// scanArgs reads n comma separated integers.
func scanArgs(s string, n int) ([]int64, bool) {
	args := make([]int64, 0, n)
	for k := 0; k < n; k++ {
		v, rest, ok := scanInt(s)
		if !ok {
			return nil, false
		}
		args = append(args, v)
		s = rest
		if k < n-1 {
			s = strings.TrimLeft(s, " \t")
			if !strings.HasPrefix(s, ",") {
				return nil, false
			}
			s = s[1:]
		}
	}
	return args, true
}

// argsInRange checks profile operands are non-negative and every operand fits 32 bits.
func argsInRange(cmd opcode.Cmd, args []int64) bool {
	for k, v := range args {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return false
		}
		profile := (cmd == opcode.ProfiledVelocityMove && k == 0) ||
			((cmd == opcode.ProfiledAbsoluteMove || cmd == opcode.ProfiledRelativeMove) && k < 2)
		if profile && v < 0 {
			return false
		}
	}
	return true
}

func (s *step) nodeCommands(text string) error {
	cmds, err := parseNodeCommands(text)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		if err := s.exec(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *step) exec(c nodeCommand) error {
	bus := s.interp.bus
	node := c.node

	switch c.cmd {
	case opcode.Start:
		mode := servo.StartMode(c.args[0])
		if err := s.do(execRetry, node, nodeOp{"ResetError", func(ctx context.Context) servo.Response {
			return bus.ResetError(ctx, node)
		}}); err != nil {
			return err
		}
		return s.do(execRetry, node, nodeOp{fmt.Sprintf("StartServo(%d)", mode), func(ctx context.Context) servo.Response {
			return bus.StartServo(ctx, node, mode)
		}})

	case opcode.Stop:
		return s.do(execRetry, node, nodeOp{"StopServo", func(ctx context.Context) servo.Response {
			return bus.StopServo(ctx, node)
		}})

	case opcode.Halt:
		return s.do(execRetry, node, nodeOp{"HaltServo", func(ctx context.Context) servo.Response {
			return bus.HaltServo(ctx, node)
		}})

	case opcode.VelocityMove:
		return s.velocityMove(node, int32(c.args[0]))

	case opcode.ProfiledVelocityMove:
		if err := s.setAcceleration(node, uint32(c.args[0])); err != nil {
			return err
		}
		return s.velocityMove(node, int32(c.args[1]))

	case opcode.AbsoluteMove:
		pos := int32(c.args[0])
		return s.do(moveRetry, node, nodeOp{fmt.Sprintf("AbsolutePositionMove(%d)", pos), func(ctx context.Context) servo.Response {
			return bus.AbsolutePositionMove(ctx, node, pos)
		}})

	case opcode.ProfiledAbsoluteMove:
		if err := s.setProfile(node, uint32(c.args[0]), uint32(c.args[1])); err != nil {
			return err
		}
		pos := int32(c.args[2])
		return s.do(moveRetry, node, nodeOp{fmt.Sprintf("ProfiledAbsolutePositionMove(%d)", pos), func(ctx context.Context) servo.Response {
			return bus.ProfiledAbsolutePositionMove(ctx, node, pos)
		}})

	case opcode.RelativeMove:
		pos := int32(c.args[0])
		return s.do(moveRetry, node, nodeOp{fmt.Sprintf("RelativePositionMove(%d)", pos), func(ctx context.Context) servo.Response {
			return bus.RelativePositionMove(ctx, node, pos)
		}})

	case opcode.ProfiledRelativeMove:
		if err := s.setProfile(node, uint32(c.args[0]), uint32(c.args[1])); err != nil {
			return err
		}
		pos := int32(c.args[2])
		return s.do(moveRetry, node, nodeOp{fmt.Sprintf("ProfiledRelativePositionMove(%d)", pos), func(ctx context.Context) servo.Response {
			return bus.ProfiledRelativePositionMove(ctx, node, pos)
		}})
	}
	return ErrUnknownCommand
}

func (s *step) velocityMove(node uint8, v int32) error {
	return s.do(moveRetry, node, nodeOp{fmt.Sprintf("ProfiledVelocityMove(%d)", v), func(ctx context.Context) servo.Response {
		return s.interp.bus.ProfiledVelocityMove(ctx, node, v)
	}})
}

func (s *step) setAcceleration(node uint8, a uint32) error {
	return s.do(execRetry, node, nodeOp{fmt.Sprintf("SetProfileAcceleration(%d)", a), func(ctx context.Context) servo.Response {
		return s.interp.bus.SetProfileAcceleration(ctx, node, a)
	}})
}

func (s *step) setProfile(node uint8, a, v uint32) error {
	if err := s.setAcceleration(node, a); err != nil {
		return err
	}
	return s.do(execRetry, node, nodeOp{fmt.Sprintf("SetProfileVelocity(%d)", v), func(ctx context.Context) servo.Response {
		return s.interp.bus.SetProfileVelocity(ctx, node, v)
	}})
}
