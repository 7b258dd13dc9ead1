package service

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/childhelperd/notify"
)

// installSignalHandlers starts a forwarding goroutine translating the
// handled signals into notifications on n. signal.Notify's delivery is
// already async-signal-safe and coalescing, so unlike the original
// pipe-based design this needs no hand-written trampoline: SIGINT/SIGTERM
// are deliberately not forwarded (exit policy belongs to the client, which
// observes the main channel closing), SIGPIPE is dropped (Go's runtime
// already ignores it for non-stdio fds), SIGQUIT maps to Quit and SIGCHLD
// maps to ReapRequest. The returned stop function undoes signal.Notify;
// it does not wait for the forwarding goroutine to exit.
func installSignalHandlers(n *notify.Channel) (stop func()) {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT, unix.SIGCHLD, unix.SIGPIPE)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				switch sig {
				case unix.SIGQUIT:
					n.Post(notify.Quit)
				case unix.SIGCHLD:
					n.Post(notify.ReapRequest)
				default:
					// SIGINT, SIGTERM, SIGPIPE: intentionally not forwarded.
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
