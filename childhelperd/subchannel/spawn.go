package subchannel

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/childhelperd/notify"
	"github.com/lxc/childhelper/childhelperd/protocol"
	"github.com/lxc/childhelper/shared/resource"
)

// handleSpawnProcess implements the SpawnProcess command. It consumes
// redirected-stream fds from the socket's received-fd queue in
// stdin→stdout→stderr order, forks and execs via syscall.ForkExec, and
// races the new child into the child map before anything else can observe
// its pid. See SPEC_FULL.md §6.5 for why syscall.ForkExec replaces the
// hand-rolled pipe-rendezvous fork/exec of the original design, and how
// the WNOWAIT-based reap loop closes the residual registration race.
func (s *Subchannel) handleSpawnProcess(body []byte) protocol.Response {
	req, err := protocol.DecodeSpawnRequest(body)
	if err != nil {
		s.socket.DrainReceivedFds()
		return badRequestResponse(err)
	}

	files, cleanup, err := s.resolveStreams(req.Flags)
	if err != nil {
		s.socket.DrainReceivedFds()
		return badRequestResponse(err)
	}
	defer cleanup()

	if s.socket.ReceivedFdCount() != 0 {
		s.socket.DrainReceivedFds()
		return protocol.Response{Err: protocol.ErrInvalidRequest}
	}

	argv := req.Argv
	if len(argv) == 0 {
		argv = []string{req.ExecutablePath}
	}

	dir := ""
	if req.WorkingDirectory != nil {
		dir = *req.WorkingDirectory
	}

	attr := &syscall.ProcAttr{
		Dir:   dir,
		Env:   req.Envp,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Setpgid: req.Flags&protocol.CreateNewProcessGroup != 0,
		},
	}

	pid, err := syscall.ForkExec(req.ExecutablePath, argv, attr)
	if err != nil {
		return protocol.Response{Err: errnoOf(err)}
	}

	// Register before anything else can happen to this pid: the reap
	// loop's WNOWAIT peek will refuse to act on an exit it can't match to
	// a map entry, so it is safe for the child to have already run to
	// completion by the time we get here.
	s.children.Allocate(pid, req.Token, attr.Sys.Setpgid, req.Flags&protocol.EnableAutoTermination != 0)
	s.notify.Post(notify.ReapRequest)

	return protocol.Response{Err: 0, Data: int32(pid)}
}

// resolveStreams pops up to three fds off the received-fd queue (in
// stdin, stdout, stderr order, per whichever redirection flags are set)
// and builds the 3-element Files slice ForkExec expects. A stream whose
// flag is unset inherits the helper's own fd, which is the POSIX default
// for an unredirected standard stream.
func (s *Subchannel) resolveStreams(flags protocol.RequestFlags) (files []uintptr, cleanup func(), err error) {
	files = []uintptr{uintptr(os.Stdin.Fd()), uintptr(os.Stdout.Fd()), uintptr(os.Stderr.Fd())}

	var popped []*resource.Handle
	cleanup = func() {
		for _, h := range popped {
			_ = h.Close()
		}
	}

	redirect := []struct {
		flag protocol.RequestFlags
		idx  int
	}{
		{protocol.RedirectStdin, 0},
		{protocol.RedirectStdout, 1},
		{protocol.RedirectStderr, 2},
	}

	for _, r := range redirect {
		if flags&r.flag == 0 {
			continue
		}
		h, ok := s.socket.PopReceivedFd()
		if !ok {
			cleanup()
			return nil, func() {}, protocol.NewBadRequest(unix.EINVAL, "redirection flag set with no fd supplied")
		}
		popped = append(popped, h)
		files[r.idx] = uintptr(h.FD())
	}

	return files, cleanup, nil
}

// errnoOf extracts the underlying errno from an error returned by
// syscall.ForkExec. unix.Errno is a type alias for syscall.Errno, so a
// single assertion covers both.
func errnoOf(err error) int32 {
	errno, ok := err.(unix.Errno)
	if !ok {
		return protocol.ErrInvalidRequest
	}
	return int32(errno)
}
