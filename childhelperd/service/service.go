// Package service implements the main event loop: accepting subchannel
// fds on the main channel, running the reap loop, forwarding signals, and
// driving orderly shutdown. See SPEC_FULL.md §6.7–6.8.
package service

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lxc/childhelper/childhelperd/child"
	"github.com/lxc/childhelper/childhelperd/notify"
	"github.com/lxc/childhelper/childhelperd/subchannel"
	"github.com/lxc/childhelper/shared/ancillary"
	"github.com/lxc/childhelper/shared/logger"
)

// Service owns the main channel and everything reachable from it: the
// live-child map, the subchannel collection, and the notification channel
// signals and subchannel workers post to.
type Service struct {
	mainSocket  *ancillary.Socket
	canceler    *ancillary.Canceler
	children    *child.Map
	subchannels *subchannel.Collection
	notif       *notify.Channel
	log         logger.Logger

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	exitCode     atomic.Int32
}

// New constructs a Service bound to mainConn, the already-dialed and
// greeted bootstrap connection. log may be nil, in which case the package
// default logger is used.
func New(mainConn *net.UnixConn, log logger.Logger) *Service {
	if log == nil {
		log = logger.New()
	}

	can := ancillary.NewCanceler()
	return &Service{
		mainSocket:  ancillary.New(mainConn, can),
		canceler:    can,
		children:    child.NewMap(log),
		subchannels: subchannel.NewCollection(log),
		notif:       notify.New(),
		log:         log,
	}
}

type acceptResult struct {
	handle *acceptedFd
	ok     bool
}

// acceptedFd is the raw fd handed to us over the main channel, not yet
// wrapped as a socket (that happens on the Run goroutine, which owns
// s.subchannels).
type acceptedFd struct {
	fd int
}

// Run drives the service until shutdown completes, then returns the exit
// code that should be passed to os.Exit. It installs signal handlers for
// the duration of the call and removes them before returning.
func (s *Service) Run() int {
	stopSignals := installSignalHandlers(s.notif)
	defer stopSignals()

	acceptCh := make(chan acceptResult)

	var g errgroup.Group
	g.Go(func() error {
		s.acceptLoop(acceptCh)
		return nil
	})

	for {
		select {
		case k := <-s.notif.Recv():
			switch k {
			case notify.Quit:
				s.InitiateShutdown(0)
			case notify.ReapRequest:
				s.RunReapLoop()
			case notify.SubchannelClosed:
				// No-op wake; shutdown completion is re-evaluated below.
			}

		case res, chOpen := <-acceptCh:
			if !chOpen {
				break
			}
			if !res.ok {
				s.InitiateShutdown(0)
				break
			}
			s.acceptSubchannel(res.handle)
		}

		if s.mainSocket.HasPendingData() {
			if err := s.mainSocket.Flush(true); err != nil {
				s.InitiateShutdown(1)
			}
		}

		if s.ShouldExit() {
			break
		}
	}

	// acceptLoop may still be blocked handing over a final result; keep
	// receiving until it has returned.
	go func() {
		for range acceptCh {
		}
	}()
	_ = g.Wait()
	close(acceptCh)
	s.subchannels.Wait()
	s.children.AutoTerminateAll()
	return int(s.exitCode.Load())
}

// acceptLoop blocks reading one dummy byte plus one SCM_RIGHTS fd at a
// time off the main channel, handing each accepted fd to the main loop
// over acceptCh. It exits (closing nothing; the Service owns mainSocket)
// as soon as Recv reports orderly shutdown, a cancellation, or a protocol
// violation.
func (s *Service) acceptLoop(acceptCh chan<- acceptResult) {
	buf := make([]byte, 1)
	for {
		n, err := s.mainSocket.Recv(buf, false)
		if err != nil || n == 0 {
			acceptCh <- acceptResult{ok: false}
			return
		}

		h, ok := s.mainSocket.PopReceivedFd()
		if !ok {
			s.log.Warn("main channel: message carried no fd")
			acceptCh <- acceptResult{ok: false}
			return
		}

		acceptCh <- acceptResult{ok: true, handle: &acceptedFd{fd: h.Release()}}
	}
}

// acceptSubchannel wraps a freshly accepted fd as a socket sharing the
// Service's canceler, and spawns a worker for it.
func (s *Service) acceptSubchannel(h *acceptedFd) {
	f := os.NewFile(uintptr(h.fd), "subchannel")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		s.log.Warn("main channel: failed to wrap accepted fd", logger.Ctx{"error": err})
		return
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		s.log.Warn("main channel: accepted fd was not a unix socket")
		_ = conn.Close()
		return
	}

	socket := ancillary.New(uc, s.canceler)
	s.subchannels.Spawn(socket, s.children, s.notif, s.log)
}

// InitiateShutdown begins an orderly shutdown: idempotent, it shuts down
// the main channel (unblocking acceptLoop), cancels every blocking call on
// every registered socket, and asks all live subchannel workers to wind
// down. code is the process exit code that will ultimately be returned
// from Run, and is only honored on the first call.
func (s *Service) InitiateShutdown(code int) {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.exitCode.Store(int32(code))
		_ = s.mainSocket.Shutdown()
		s.canceler.Cancel()
		s.subchannels.CancelAll()
	})
}

// ShouldExit reports whether shutdown has been initiated and every
// subchannel worker has finished draining.
func (s *Service) ShouldExit() bool {
	return s.shuttingDown.Load() && s.subchannels.Len() == 0
}

// ExitCode returns the code passed to the first InitiateShutdown call, or
// 0 if shutdown has not been initiated yet.
func (s *Service) ExitCode() int {
	return int(s.exitCode.Load())
}
