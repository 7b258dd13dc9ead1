// Package ancillary implements a framed send/recv wrapper over a stream
// Unix socket with SCM_RIGHTS file-descriptor passing, a nonblocking send
// backlog, and fan-out cancellation of blocking I/O.
//
// The original design (see SPEC_FULL.md §6.1) polls {socket, cancellation
// pipe} so that closing one pipe unblocks every blocked caller. net.Conn
// has no equivalent of polling a second fd, so cancellation here is
// realized with SetDeadline: Canceler.Cancel pokes every registered
// Socket's deadline into the past, which the runtime treats exactly like
// an external wakeup — every blocked Read/Write returns immediately.
package ancillary

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/shared/resource"
	"github.com/lxc/childhelper/shared/writebuffer"
)

// ErrZeroWrite indicates a write() syscall returned 0, which POSIX permits
// only for a zero-length buffer. Send panics with it: a fatal invariant
// violation (SPEC_FULL.md §3.2 "Fatal" class).
var ErrZeroWrite = errors.New("ancillary: write returned 0 bytes")

// maxFDsPerMessage bounds the control-message buffer: at most one fd is
// ever needed per redirected stream, and a SpawnProcess request redirects
// at most stdin, stdout and stderr.
const maxFDsPerMessage = 3

var pastDeadline = time.Unix(0, 1)

// Canceler fans out cancellation to every Socket registered with it. It is
// the Go-native stand-in for the cancellation pipe of SPEC_FULL.md §5:
// closing it unblocks every in-flight and future blocking call on every
// registered Socket.
type Canceler struct {
	mu        sync.Mutex
	sockets   map[*Socket]struct{}
	cancelled bool
}

// NewCanceler returns a Canceler with no sockets registered.
func NewCanceler() *Canceler {
	return &Canceler{sockets: make(map[*Socket]struct{})}
}

// Cancel is idempotent. It marks every currently-registered socket (and
// any registered afterwards) as cancelled, and pokes a past deadline into
// the ones registered so far so blocked calls return immediately.
func (c *Canceler) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = true
	for s := range c.sockets {
		s.markCancelled()
	}
}

func (c *Canceler) register(s *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		s.markCancelled()
		return
	}
	c.sockets[s] = struct{}{}
}

func (c *Canceler) unregister(s *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sockets, s)
}

// Socket wraps a *net.UnixConn, adding a send backlog and a received-fd
// queue. Not safe for concurrent use: exactly one goroutine (the Service's
// main loop for the main channel, or one subchannel worker) may call into
// a Socket at a time, per SPEC_FULL.md §7.
type Socket struct {
	conn     *net.UnixConn
	canceler *Canceler
	backlog  writebuffer.Buffer

	fdMu    sync.Mutex
	recvFDs []*resource.Handle

	cancelled atomic.Bool
}

// New wraps conn and registers it with canceler so that canceler.Cancel
// unblocks any blocking call this Socket is performing.
func New(conn *net.UnixConn, canceler *Canceler) *Socket {
	s := &Socket{conn: conn, canceler: canceler}
	canceler.register(s)
	return s
}

func (s *Socket) markCancelled() {
	if s.cancelled.Swap(true) {
		return
	}
	_ = s.conn.SetDeadline(pastDeadline)
}

func (s *Socket) isCancelled() bool { return s.cancelled.Load() }

// Conn returns the underlying connection, e.g. so tests can drive it
// directly.
func (s *Socket) Conn() *net.UnixConn { return s.conn }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Send performs one Go-level write: on success it returns the full byte
// count (net.Conn.Write already restarts internally on partial writes and
// EINTR, which subsumes the "restart syscalls on EINTR" requirement), or,
// in nonblocking mode, whatever was written before the deadline expired.
// Per POSIX, a successful write of a nonempty buffer never returns 0;
// Send panics with ErrZeroWrite, a fatal invariant violation.
func (s *Socket) Send(buf []byte, nonblocking bool) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if s.isCancelled() {
		return 0, unix.EPIPE
	}

	if nonblocking {
		// A deadline already in the past makes the runtime fail the write
		// before attempting it; a short one lets one attempt through.
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}

	n, err := s.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			if n > 0 {
				return n, nil
			}
			if nonblocking {
				return 0, unix.EAGAIN
			}
			// The deadline only fires this way if Cancel() raced in
			// mid-write: report the same synthetic disconnect as a
			// cancelled call made no progress at all.
			return 0, unix.EPIPE
		}
		return n, unix.ECONNRESET
	}
	if n == 0 {
		panic(ErrZeroWrite)
	}
	return n, nil
}

// SendBuffered attempts one write of buf (skipped if the backlog already
// holds data, to preserve FIFO order); any unsent tail is appended to the
// backlog. ok is true unless the connection is closed.
func (s *Socket) SendBuffered(buf []byte, nonblocking bool) (ok bool, err error) {
	if s.isCancelled() {
		return false, unix.EPIPE
	}

	if s.backlog.HasPendingData() {
		s.backlog.Enqueue(buf)
		return true, nil
	}

	n, err := s.Send(buf, true)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			s.backlog.Enqueue(buf)
			return true, nil
		}
		return false, err
	}
	if n < len(buf) {
		s.backlog.Enqueue(buf[n:])
	}
	_ = nonblocking // SendBuffered is always a single nonblocking attempt by design.
	return true, nil
}

// Flush writes queued blocks until the backlog drains or, in nonblocking
// mode, a write would block.
func (s *Socket) Flush(nonblocking bool) error {
	for s.backlog.HasPendingData() {
		chunk := s.backlog.GetPendingData()
		n, err := s.Send(chunk, nonblocking)
		if err != nil {
			if nonblocking && errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
		s.backlog.Dequeue(n)
	}
	return nil
}

// HasPendingData reports whether Flush has work to do.
func (s *Socket) HasPendingData() bool { return s.backlog.HasPendingData() }

// SendExactBytes first drains the backlog, then blocks until every byte of
// buf has been sent.
func (s *Socket) SendExactBytes(buf []byte) error {
	if err := s.Flush(false); err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := s.Send(buf, false)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Recv performs recvmsg with a control buffer sized for up to
// maxFDsPerMessage descriptors. Any received fds are pushed onto the
// received-fd queue. n == 0 with a nil error signals orderly shutdown.
func (s *Socket) Recv(buf []byte, nonblocking bool) (int, error) {
	if s.isCancelled() {
		return 0, unix.ECONNRESET
	}

	if nonblocking {
		_ = s.conn.SetReadDeadline(time.Now())
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	oob := make([]byte, unix.CmsgSpace(maxFDsPerMessage*4))
	n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Orderly peer shutdown on a SOCK_STREAM socket: ReadMsgUnix
			// reports this as (0, io.EOF), not (0, nil), but it is not a
			// failure — the caller's n == 0 check is what detects it.
			return 0, nil
		}
		if isTimeout(err) {
			if nonblocking {
				return 0, unix.EAGAIN
			}
			return 0, unix.ECONNRESET
		}
		return 0, unix.ECONNRESET
	}

	if oobn > 0 {
		if cmErr := s.absorbControlMessages(oob[:oobn]); cmErr != nil {
			_ = s.Shutdown()
			return 0, unix.ECONNRESET
		}
	}

	return n, nil
}

// absorbControlMessages parses oob and queues any SCM_RIGHTS fds found.
// Any other cmsg type is a protocol violation; fds already parsed from
// other, valid headers in the same buffer are still queued (so they are
// closed by ordinary request-cleanup, not leaked) before the error is
// returned.
func (s *Socket) absorbControlMessages(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("ancillary: parse control message: %w", err)
	}

	var violation error
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			violation = fmt.Errorf("ancillary: unexpected control message level=%d type=%d", m.Header.Level, m.Header.Type)
			continue
		}

		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			violation = fmt.Errorf("ancillary: parse unix rights: %w", err)
			continue
		}

		s.fdMu.Lock()
		for _, fd := range fds {
			s.recvFDs = append(s.recvFDs, resource.New(fd))
		}
		s.fdMu.Unlock()
	}
	return violation
}

// RecvExactBytes blocks, restarting partial reads, until buf is full.
func (s *Socket) RecvExactBytes(buf []byte) error {
	for len(buf) > 0 {
		n, err := s.Recv(buf, false)
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ECONNRESET
		}
		buf = buf[n:]
	}
	return nil
}

// PopReceivedFd removes and returns the oldest queued fd, or ok=false if
// the queue is empty.
func (s *Socket) PopReceivedFd() (handle *resource.Handle, ok bool) {
	s.fdMu.Lock()
	defer s.fdMu.Unlock()

	if len(s.recvFDs) == 0 {
		return nil, false
	}
	handle = s.recvFDs[0]
	s.recvFDs = s.recvFDs[1:]
	return handle, true
}

// ReceivedFdCount reports how many fds are queued but not yet popped. A
// nonzero count after a request has been fully parsed indicates a
// malformed request (SPEC_FULL.md §5, "Received-fd queue").
func (s *Socket) ReceivedFdCount() int {
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	return len(s.recvFDs)
}

// DrainReceivedFds closes and discards every queued fd. Used when a
// request is rejected as malformed so stray passed descriptors are not
// leaked.
func (s *Socket) DrainReceivedFds() {
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	for _, h := range s.recvFDs {
		_ = h.Close()
	}
	s.recvFDs = nil
}

// Shutdown half-closes both directions of the socket.
func (s *Socket) Shutdown() error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}

	var shutErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		shutErr = unix.Shutdown(int(fd), unix.SHUT_RDWR)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return shutErr
}

// Close releases the Socket: it unregisters from the Canceler, closes any
// fds still sitting in the received-fd queue, and closes the connection.
func (s *Socket) Close() error {
	if s.canceler != nil {
		s.canceler.unregister(s)
	}
	s.DrainReceivedFds()
	return s.conn.Close()
}
