package subchannel

import (
	"sync"

	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/lxc/childhelper/childhelperd/child"
	"github.com/lxc/childhelper/childhelperd/notify"
	"github.com/lxc/childhelper/shared/ancillary"
	"github.com/lxc/childhelper/shared/logger"
)

// entry pairs a running worker's supervising tomb with the Subchannel it
// owns, so Collection can wait for the goroutine to actually finish (not
// just signal it to stop) when asked to account for outstanding workers.
type entry struct {
	sub *Subchannel
	t   *tomb.Tomb
}

// Collection is the registry of currently-live subchannel workers, keyed
// by a log-correlation id that never appears on the wire. Service.Run
// will not consider shutdown complete while Len() != 0.
type Collection struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	log     logger.Logger
}

// NewCollection returns an empty Collection.
func NewCollection(log logger.Logger) *Collection {
	if log == nil {
		log = logger.New()
	}
	return &Collection{entries: make(map[uuid.UUID]*entry), log: log}
}

// Spawn constructs a Subchannel bound to socket, registers it, and starts
// its worker goroutine under a fresh tomb. It returns the id the worker
// was registered under, for logging.
//
// The tomb, not Subchannel.Run itself, is what Collection waits on to
// learn the worker has finished: a second goroutine blocks on t.Wait()
// and only then deregisters the entry and wakes the service loop. That
// makes CancelAll's t.Kill call meaningful (it is the signal Wait is
// waiting to observe die out, alongside the socket shutdown that actually
// unblocks Run's blocking I/O) and leaves room for a worker to one day
// run more than one tomb-supervised goroutine without changing how
// Collection tracks completion.
func (c *Collection) Spawn(socket *ancillary.Socket, children *child.Map, n *notify.Channel, parentLog logger.Logger) uuid.UUID {
	id := uuid.New()
	log := parentLog.AddContext(logger.Ctx{"subchannel": id.String()})

	sub := New(socket, children, n, log)

	var t tomb.Tomb
	c.mu.Lock()
	c.entries[id] = &entry{sub: sub, t: &t}
	c.mu.Unlock()

	t.Go(func() error {
		sub.Run()
		return nil
	})

	go func() {
		_ = t.Wait()
		c.delete(id)
		n.Post(notify.SubchannelClosed)
	}()

	return id
}

func (c *Collection) delete(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len reports how many workers are currently registered.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CancelAll marks every registered worker's tomb as dying and shuts down
// its socket. The socket shutdown is what actually unblocks the worker's
// blocking Recv/Send; the tomb Kill records the
// reason a caller inspecting it via Dying()/Err() would see. It does not
// wait for workers to finish; callers poll Len() (or block on Wait) to
// observe drain-to-zero.
func (c *Collection) CancelAll() {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.t.Kill(nil)
		_ = e.sub.socket.Shutdown()
	}
}

// Wait blocks until every worker registered at the time of the call has
// fully finished, as reported by each one's tomb. Unlike Len(), which can
// observe a momentary zero between a worker completing its own cleanup
// and another being spawned, Wait gives a caller a definite point after
// which a known set of workers is provably done.
func (c *Collection) Wait() {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		_ = e.t.Wait()
	}
}
