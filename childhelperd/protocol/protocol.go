// Package protocol defines the wire format childhelperd speaks with its
// client: the main-channel exit-notification record, subchannel
// request/response framing, and the length-prefixed binary codec used to
// (de)serialize request bodies. See SPEC_FULL.md §8 for the external
// contract this package implements.
package protocol

import "golang.org/x/sys/unix"

// Greeting is sent by HelperMain on the freshly dialed bootstrap socket
// before handing it to the Service as the main channel.
var Greeting = [4]byte{0x41, 0x53, 0x4D, 0x43}

// Command identifies a subchannel request.
type Command uint32

// Recognized subchannel commands.
const (
	CommandSpawnProcess Command = 1
	CommandSendSignal   Command = 2
)

// RequestFlags are bits in a SpawnProcess request body.
type RequestFlags uint32

// Recognized SpawnProcess flags.
const (
	RedirectStdin         RequestFlags = 1 << 0
	RedirectStdout        RequestFlags = 1 << 1
	RedirectStderr        RequestFlags = 1 << 2
	CreateNewProcessGroup RequestFlags = 1 << 3
	EnableAutoTermination RequestFlags = 1 << 4
)

// AbstractSignal identifies a signal in a SendSignal request, decoupled
// from any particular platform's signal numbers.
type AbstractSignal uint32

// Recognized abstract signals.
const (
	AbstractSignalInterrupt   AbstractSignal = 1
	AbstractSignalKill        AbstractSignal = 2
	AbstractSignalTermination AbstractSignal = 3
)

// Resolve maps an AbstractSignal to a concrete unix.Signal, and whether a
// SIGCONT follow-up is required to wake a stopped process.
func (s AbstractSignal) Resolve() (sig unix.Signal, sendCont bool, ok bool) {
	switch s {
	case AbstractSignalInterrupt:
		return unix.SIGINT, false, true
	case AbstractSignalKill:
		return unix.SIGKILL, false, true
	case AbstractSignalTermination:
		return unix.SIGTERM, true, true
	default:
		return 0, false, false
	}
}

// Limits bound request/response sizes so malformed framing cannot exhaust
// memory.
const (
	MaxMessageLength    = 2 * 1024 * 1024 // 2 MiB
	MaxStringArrayCount = 64 * 1024       // 64 Ki
	MaxRequestLength    = MaxMessageLength
)

// SpawnRequest is the decoded body of a SpawnProcess request.
type SpawnRequest struct {
	Token            uint64
	Flags            RequestFlags
	WorkingDirectory *string
	ExecutablePath   string
	Argv             []string
	Envp             []string
}

// SignalRequest is the decoded body of a SendSignal request.
type SignalRequest struct {
	Token          uint64
	AbstractSignal AbstractSignal
}

// RequestHeader precedes every subchannel request body.
type RequestHeader struct {
	Command    Command
	BodyLength uint32
}

// Response is the fixed 8-byte subchannel response: Err is 0 on success,
// a positive errno, or a negative internal error code; Data is the new
// child's pid for SpawnProcess and 0 for SendSignal.
type Response struct {
	Err  int32
	Data int32
}

// Internal (negative) error codes, distinct from positive errno values.
const (
	ErrInvalidRequest int32 = -1
)

// ChildExitNotification is the fixed 16-byte record the Service streams
// on the main channel as children exit.
type ChildExitNotification struct {
	Token  uint64
	Pid    int32
	Status int32
}

// SubchannelCreationStatus is the 4-byte message a Subchannel sends as
// soon as its worker goroutine starts: 0 on success, an errno otherwise.
type SubchannelCreationStatus struct {
	Err int32
}
