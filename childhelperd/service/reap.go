package service

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/childhelperd/protocol"
	"github.com/lxc/childhelper/shared/logger"
)

// Standard Linux si_code values for SIGCHLD, not exposed as named
// constants by golang.org/x/sys/unix.
const (
	cldExited    = 1
	cldKilled    = 2
	cldDumped    = 3
	cldStopped   = 5
	cldContinued = 6
)

// siginfoChld reinterprets the kernel's siginfo_t in its SIGCHLD-union
// layout. unix.Siginfo only exposes the common Signo/Errno/Code prefix;
// the pid/uid/status fields childhelperd needs live in the union that
// follows. The layout below is the one used on 64-bit Linux
// architectures, where the union starts at byte 16 after a 4-byte pad
// (pid_t and the exit status are always 32-bit). This is
// the same technique low-level process supervisors use to read a
// waitid(2) result without losing the WNOWAIT peek semantics that
// wait4(2)/waitpid(2) cannot express.
type siginfoChld struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	UID    uint32
	Status int32
}

// reapOnce runs one pass of the reap loop: it peeks (WNOWAIT) the next
// exited-but-unreaped child, looks it up in the map, and if found,
// publishes its exit and performs the real, destructive reap. It returns
// done=true when there is nothing left to process this wake (either no
// child is ready, or a ready child has no matching map entry yet — see
// SPEC_FULL.md §6.5 for why an unmatched pid must stop the loop rather
// than be skipped).
func (s *Service) reapOnce() (done bool) {
	var raw unix.Siginfo
	err := unix.Waitid(unix.P_ALL, 0, &raw, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if err != nil {
		if err == unix.ECHILD {
			return true
		}
		s.log.Warn("reap: waitid failed", logger.Ctx{"error": err})
		return true
	}

	info := (*siginfoChld)(unsafe.Pointer(&raw))
	if info.Pid == 0 {
		return true
	}

	entry, ok := s.children.GetByPid(int(info.Pid))
	if !ok {
		// Some child was killed between fork() and Allocate(); wait for
		// the spawning subchannel's delayed ReapRequest instead of
		// reaping blind.
		return true
	}

	status := exitStatus(info)

	notif := protocol.ChildExitNotification{Token: entry.Token, Pid: info.Pid, Status: status}
	wire := protocol.EncodeChildExitNotification(notif)
	if ok, err := s.mainSocket.SendBuffered(wire, true); err != nil || !ok {
		s.log.Warn("reap: failed to queue exit notification", logger.Ctx{"pid": info.Pid, "error": err})
	}

	s.children.Delete(entry)

	// Now actually collect the zombie: the same waitid call, minus
	// WNOWAIT, removes it for real. WNOHANG is defensive only — the
	// WNOWAIT peek above already told us this pid is ready.
	var reaped unix.Siginfo
	if waitErr := unix.Waitid(unix.P_PID, int(info.Pid), &reaped, unix.WEXITED|unix.WNOHANG, nil); waitErr != nil {
		s.log.Warn("reap: waitid (final) failed after peek", logger.Ctx{"pid": info.Pid, "error": waitErr})
	}
	entry.Reap()

	return false
}

// exitStatus translates a SIGCHLD siginfo into the wire encoding: a
// non-negative exit code, or -signum for a killed/dumped child.
func exitStatus(info *siginfoChld) int32 {
	switch info.Code {
	case cldExited:
		return info.Status
	case cldKilled, cldDumped:
		if info.Status == 0 {
			// Workaround for platforms that can report a zero signal
			// number on a killed child; -1 keeps the sign convention
			// (negative means "killed") unambiguous.
			return -1
		}
		return -info.Status
	default:
		return info.Status
	}
}

// RunReapLoop drains every ready child in one wake, coalescing repeated
// SIGCHLD/ReapRequest notifications into a single pass per call.
func (s *Service) RunReapLoop() {
	for {
		if s.reapOnce() {
			return
		}
	}
}
