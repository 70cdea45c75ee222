// Package txn coordinates JuniperKV transactions: a single writer slot,
// pinned read snapshots and the pending write set of a transaction.
package txn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// State is the lifecycle state of a transaction.
type State int32

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ContentionPolicy decides what Begin does when the writer slot is taken.
type ContentionPolicy int

const (
	// Wait blocks until the slot frees or the context is done.
	Wait ContentionPolicy = iota
	// Fail returns a ConcurrentWriteError at once.
	Fail
)

func (p ContentionPolicy) String() string {
	if p == Fail {
		return "fail"
	}
	return "wait"
}

// ParseContentionPolicy parses "wait" or "fail".
func ParseContentionPolicy(s string) (ContentionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "wait":
		return Wait, nil
	case "fail":
		return Fail, nil
	}
	return 0, jerrors.NewValidation("contention", fmt.Sprintf("unknown contention policy %q", s))
}

// Snapshot identifies one committed version of the tree.
type Snapshot struct {
	Version uint64
	Root    pager.PageID
}

// Manager owns the writer slot and the registry of pinned snapshots.
type Manager struct {
	slot   chan struct{}
	holder  atomic.Uint64
	nextID  atomic.Uint64
	readers atomic.Int64

	mu      sync.Mutex
	current Snapshot
	pins    map[uint64]int
}

// NewManager returns a manager whose current snapshot is initial.
func NewManager(initial Snapshot) *Manager {
	return &Manager{
		slot:    make(chan struct{}, 1),
		current: initial,
		pins:    make(map[uint64]int),
	}
}

// AcquireWriter takes the writer slot for txid.
func (m *Manager) AcquireWriter(ctx context.Context, policy ContentionPolicy, txid uint64) error {
	if policy == Fail {
		select {
		case m.slot <- struct{}{}:
		default:
			return &jerrors.ConcurrentWriteError{Holder: m.holder.Load()}
		}
	} else {
		select {
		case m.slot <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.holder.Store(txid)
	return nil
}

// ReleaseWriter frees the writer slot.
func (m *Manager) ReleaseWriter() {
	m.holder.Store(0)
	<-m.slot
}

// Pin returns the current snapshot and keeps it alive until Unpin.
func (m *Manager) Pin() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[m.current.Version]++
	return m.current
}

// Unpin releases a snapshot returned by Pin.
func (m *Manager) Unpin(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.pins[s.Version]; n > 1 {
		m.pins[s.Version] = n - 1
	} else {
		delete(m.pins, s.Version)
	}
}

// Publish installs s as the snapshot new transactions start from.
func (m *Manager) Publish(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// Current returns the latest published snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OldestPinned returns the oldest version still pinned, or the current
// version when nothing is pinned.
func (m *Manager) OldestPinned() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.current.Version
	for v := range m.pins {
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}

// Pinned returns the number of live pins, the writer's included.
func (m *Manager) Pinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.pins {
		n += c
	}
	return n
}

// Begin starts a transaction on the current snapshot. Read-write
// transactions first take the writer slot according to policy.
func (m *Manager) Begin(ctx context.Context, mode Mode, policy ContentionPolicy) (*Tx, error) {
	id := m.nextID.Add(1)
	if mode == ReadWrite {
		if err := m.AcquireWriter(ctx, policy, id); err != nil {
			return nil, err
		}
	}
	tx := &Tx{id: id, mode: mode, snap: m.Pin()}
	if mode == ReadWrite {
		tx.writes = NewWriteSet()
	} else {
		m.readers.Add(1)
	}
	return tx, nil
}

// Readers returns the number of unfinished read-only transactions.
func (m *Manager) Readers() int {
	return int(m.readers.Load())
}

// Finish moves tx to its final state and releases its pin and, for a
// writer, the writer slot. It reports false if tx was already finished.
func (m *Manager) Finish(tx *Tx, final State) bool {
	for {
		cur := tx.State()
		if cur == Committed || cur == Aborted {
			return false
		}
		if tx.state.CompareAndSwap(int32(cur), int32(final)) {
			break
		}
	}
	m.Unpin(tx.snap)
	if tx.mode == ReadWrite {
		m.ReleaseWriter()
	} else {
		m.readers.Add(-1)
	}
	return true
}

// Tx is the manager's view of one transaction.
type Tx struct {
	id     uint64
	mode   Mode
	snap   Snapshot
	state  atomic.Int32
	writes *WriteSet
}

// ID returns the transaction id.
func (t *Tx) ID() uint64 { return t.id }

// Mode returns the access mode.
func (t *Tx) Mode() Mode { return t.mode }

// Snapshot returns the snapshot the transaction reads from.
func (t *Tx) Snapshot() Snapshot { return t.snap }

// State returns the lifecycle state.
func (t *Tx) State() State { return State(t.state.Load()) }

// Writes returns the pending write set, nil for read-only transactions.
func (t *Tx) Writes() *WriteSet { return t.writes }

// StartCommit moves an active transaction to Committing.
func (t *Tx) StartCommit() bool {
	return t.state.CompareAndSwap(int32(Active), int32(Committing))
}
