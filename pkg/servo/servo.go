// Package servo defines the capability surface the script interpreter uses to
// drive servo actuator nodes, and the callbacks it reports progress through.
// Transport and wire encoding live behind Bus; this package holds no I/O.
package servo

import (
	"context"
	"fmt"
)

// Response is the result code of a single node operation.
type Response uint8

const (
	RespSuccess      Response = 0x00
	RespTimeout      Response = 0x01
	RespCRCError     Response = 0x02
	RespBusy         Response = 0x03
	RespInvalidParam Response = 0x04
	// RespServoError means the node accepted the frame but its servo refused
	// the operation. Moves recover from it by checking control status.
	RespServoError Response = 0x05
	RespNodeError  Response = 0x06
)

func (r Response) String() string {
	switch r {
	case RespSuccess:
		return "success"
	case RespTimeout:
		return "timeout"
	case RespCRCError:
		return "crc error"
	case RespBusy:
		return "busy"
	case RespInvalidParam:
		return "invalid param"
	case RespServoError:
		return "servo error"
	case RespNodeError:
		return "node error"
	default:
		return fmt.Sprintf("response 0x%02x", uint8(r))
	}
}

// StartMode selects how a node treats its position counter when the servo starts.
type StartMode uint8

const (
	ModeKeep  StartMode = 0
	ModeZero  StartMode = 1
	ModeReset StartMode = 2
)

func (m StartMode) String() string {
	switch m {
	case ModeKeep:
		return "keep"
	case ModeZero:
		return "zero"
	case ModeReset:
		return "reset"
	default:
		return fmt.Sprintf("mode 0x%02x", uint8(m))
	}
}

// Status is the control state a node reports.
type Status uint8

const (
	StatusNoControl       Status = 0
	StatusPositionControl Status = 1
	StatusVelocityControl Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusNoControl:
		return "no control"
	case StatusPositionControl:
		return "position control"
	case StatusVelocityControl:
		return "velocity control"
	default:
		return fmt.Sprintf("status 0x%02x", uint8(s))
	}
}

// Bus is the node-control capability. Every call addresses one node and
// returns the node's response code; none of them retry.
type Bus interface {
	StartServo(ctx context.Context, id uint8, mode StartMode) Response
	StopServo(ctx context.Context, id uint8) Response
	HaltServo(ctx context.Context, id uint8) Response
	ResetError(ctx context.Context, id uint8) Response
	SetProfileAcceleration(ctx context.Context, id uint8, accel uint32) Response
	SetProfileVelocity(ctx context.Context, id uint8, velocity uint32) Response
	ProfiledVelocityMove(ctx context.Context, id uint8, velocity int32) Response
	AbsolutePositionMove(ctx context.Context, id uint8, pos int32) Response
	ProfiledAbsolutePositionMove(ctx context.Context, id uint8, pos int32) Response
	RelativePositionMove(ctx context.Context, id uint8, pos int32) Response
	ProfiledRelativePositionMove(ctx context.Context, id uint8, pos int32) Response
	GetControlStatus(ctx context.Context, id uint8) (status Status, inPosition bool, resp Response)

	// GlobalStop stops every node on the bus at once.
	GlobalStop(ctx context.Context) Response
}

// NodeErrorFunc receives an error code reported by a remote node.
type NodeErrorFunc func(node uint8, code uint8)

// ErrorNotifier is implemented by buses that can surface errors raised by the
// remote nodes themselves, as opposed to local response failures.
type ErrorNotifier interface {
	NotifyNodeErrors(fn NodeErrorFunc)
}

// Host receives progress from the interpreter. All methods are called
// synchronously from the worker goroutine and must return promptly.
type Host interface {
	// OnLabel reports the label about to run, or 0 when a run ends.
	OnLabel(label int16)
	// OnLocalError reports a failed node call that is about to be retried.
	OnLocalError(node uint8, resp Response)
	// OnNodeError reports an error raised by a remote node.
	OnNodeError(node uint8, code uint8)
	// Log traces each dispatched node operation.
	Log(node uint8, msg string)
}

// NopHost discards every callback. Embed it to override a subset.
type NopHost struct{}

func (NopHost) OnLabel(int16) {}
func (NopHost) OnLocalError(uint8, Response) {}
func (NopHost) OnNodeError(uint8, uint8) {}
func (NopHost) Log(uint8, string) {}
