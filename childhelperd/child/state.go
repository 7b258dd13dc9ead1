// Package child implements the live-child registry childhelperd uses to
// track spawned processes between SpawnProcess and their eventual exit:
// ChildProcessState, the per-entry synchronization it carries, and Map, the
// two-index registry keyed by both pid and client-chosen token. See
// SPEC_FULL.md §6.4.
package child

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lxc/childhelper/shared/logger"
)

// State is a live child's identity plus the one piece of mutable state
// (reaped) that signal delivery and the reap loop must serialize on. The
// identity fields are immutable after Allocate and safe to read without
// holding Mu.
type State struct {
	Pid                    int
	Token                  uint64
	CreatedNewProcessGroup bool
	ShouldAutoTerminate    bool

	// Mu serializes SendSignal against Reap for this entry: a signal must
	// never be sent after the child has been reaped, since the pid may
	// already have been recycled by the kernel.
	Mu     sync.Mutex
	reaped bool
}

// SendSignal delivers sig to the process (or, if CreatedNewProcessGroup is
// set, to its process group) unless the entry has already been reaped. ESRCH is
// reported like any other errno; callers decide whether to treat it as
// success (SendSignal command's documented idempotence is handled by the
// caller via GetByToken returning ok=false, not here).
func (s *State) SendSignal(sig unix.Signal) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.reaped {
		return unix.ESRCH
	}

	target := s.Pid
	if s.CreatedNewProcessGroup {
		target = -s.Pid
	}
	return unix.Kill(target, sig)
}

// markReaped records that the kernel has reaped this pid. Must be called
// with Mu held by the caller's Reap sequence (see State.Reap).
func (s *State) markReaped() { s.reaped = true }

// Map is the registry of live children, indexed both by pid (for the reap
// loop) and by token (for SendSignal). Both indexes are inserted into and
// removed from atomically under mu.
type Map struct {
	mu      sync.Mutex
	byPid   map[int]*State
	byToken map[uint64]*State
	log     logger.Logger
}

// NewMap returns an empty Map.
func NewMap(log logger.Logger) *Map {
	if log == nil {
		log = logger.New()
	}
	return &Map{
		byPid:   make(map[int]*State),
		byToken: make(map[uint64]*State),
		log:     log,
	}
}

// Allocate registers a freshly forked child. A duplicate pid is a fatal
// invariant violation: it would mean the previous entry for that pid was
// never reaped and removed, i.e. the map disagrees with the kernel about
// whether the pid is still live.
func (m *Map) Allocate(pid int, token uint64, newGroup, autoTerminate bool) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPid[pid]; exists {
		panic("child: duplicate pid allocated, reap-before-remove invariant violated")
	}

	s := &State{
		Pid:                    pid,
		Token:                  token,
		CreatedNewProcessGroup: newGroup,
		ShouldAutoTerminate:    autoTerminate,
	}
	m.byPid[pid] = s
	m.byToken[token] = s
	return s
}

// GetByPid returns the entry for pid, if any.
func (m *Map) GetByPid(pid int) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byPid[pid]
	return s, ok
}

// GetByToken returns the entry for token, if any.
func (m *Map) GetByToken(token uint64) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	return s, ok
}

// Delete removes s from both indexes.
func (m *Map) Delete(s *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPid, s.Pid)
	delete(m.byToken, s.Token)
}

// Len reports the number of live entries, for tests and diagnostics.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPid)
}

// Reap marks s as reaped under its own mutex, serializing against any
// concurrent SendSignal. Called by the reap loop after the kernel waitid
// call that actually collects the zombie.
func (s *State) Reap() {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.markReaped()
}

// AutoTerminateAll sends SIGTERM followed by SIGCONT to every entry whose
// ShouldAutoTerminate is set. Used once during shutdown, after the main
// loop has stopped accepting new subchannels. Any error other than ESRCH
// is logged, never fatal: a child that cannot be terminated must not
// prevent the helper from exiting.
func (m *Map) AutoTerminateAll() {
	m.mu.Lock()
	entries := make([]*State, 0, len(m.byPid))
	for _, s := range m.byPid {
		entries = append(entries, s)
	}
	m.mu.Unlock()

	for _, s := range entries {
		if !s.ShouldAutoTerminate {
			continue
		}
		if err := s.SendSignal(unix.SIGTERM); err != nil && err != unix.ESRCH {
			m.log.Warn("auto-terminate: SIGTERM failed", logger.Ctx{"pid": s.Pid, "error": err})
		}
		if err := s.SendSignal(unix.SIGCONT); err != nil && err != unix.ESRCH {
			m.log.Warn("auto-terminate: SIGCONT failed", logger.Ctx{"pid": s.Pid, "error": err})
		}
	}
}
