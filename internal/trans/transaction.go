package trans

import (
	"sort"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Transactions
// ───────────────────────────────────────────────────────────────────────────

// ID identifies a transaction. IDs are assigned in begin order, so comparing
// two IDs orders the transactions by start time.
type ID uint64

// IllegalID marks a missing transaction identifier.
const IllegalID ID = ^ID(0)

// Category tells whether a transaction may update pages.
type Category int

const (
	ReadOnly Category = iota
	ReadWrite
)

// Isolation is the isolation level requested at begin.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// Transaction is the record the page store consumes. It is immutable after
// begin except for bookkeeping owned by the Manager.
type Transaction struct {
	id        ID
	birth     Timestamp
	category  Category
	isolation Isolation
	noVersion bool
	// starting holds the IDs of the read-write transactions that were in
	// progress when this transaction began, in ascending ID order.
	starting []ID

	mgr *Manager
}

// ID returns the transaction identifier.
func (t *Transaction) ID() ID { return t.id }

// Birth returns the timestamp the transaction was born at.
func (t *Transaction) Birth() Timestamp { return t.birth }

// Category returns whether the transaction may write.
func (t *Transaction) Category() Category { return t.category }

// Isolation returns the isolation level.
func (t *Transaction) Isolation() Isolation { return t.isolation }

// IsNoVersion reports whether the transaction bypasses version management and
// always reads the latest image. Read-write transactions are always
// no-version; read-only transactions may be downgraded at begin.
func (t *Transaction) IsNoVersion() bool { return t.noVersion }

// StartingList returns the read-write transactions in progress at birth.
func (t *Transaction) StartingList() []ID { return t.starting }

// Overlaps reports whether any transaction of the starting list appears in
// ids. The page store uses this to decide whether a version-managed reader
// must step past the latest version of a page (the modifier list rule).
func (t *Transaction) Overlaps(ids []ID) bool {
	for _, id := range ids {
		i := sort.Search(len(t.starting), func(j int) bool { return t.starting[j] >= id })
		if i < len(t.starting) && t.starting[i] == id {
			return true
		}
	}
	return false
}

// ───────────────────────────────────────────────────────────────────────────
// Manager
// ───────────────────────────────────────────────────────────────────────────

// Manager tracks live transactions and answers the liveness and overlap
// questions the page store asks while walking version chains, reusing
// version blocks, and promoting versions into master.
type Manager struct {
	clock *Clock

	mu     sync.Mutex
	nextID ID
	live   map[ID]*Transaction
}

// NewManager returns a manager drawing timestamps from clock.
func NewManager(clock *Clock) *Manager {
	return &Manager{clock: clock, nextID: 1, live: make(map[ID]*Transaction)}
}

// Clock returns the timestamp source shared with the store.
func (m *Manager) Clock() *Clock { return m.clock }

// Begin starts a transaction. Read-write transactions are no-version by
// definition; read-only transactions are version-managed unless noVersion
// requests a downgrade.
func (m *Manager) Begin(category Category, isolation Isolation, noVersion bool) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Transaction{
		id:        m.nextID,
		birth:     m.clock.Assign(),
		category:  category,
		isolation: isolation,
		noVersion: noVersion || category == ReadWrite,
		mgr:       m,
	}
	m.nextID++
	for id, other := range m.live {
		if other.category == ReadWrite {
			t.starting = append(t.starting, id)
		}
	}
	sort.Slice(t.starting, func(i, j int) bool { return t.starting[i] < t.starting[j] })
	m.live[t.id] = t
	return t
}

// Commit ends the transaction. The commit timestamp is returned so callers
// can order subsequent begins after it.
func (m *Manager) Commit(t *Transaction) Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, t.id)
	return m.clock.Assign()
}

// Abort ends the transaction without a commit point.
func (m *Manager) Abort(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, t.id)
}

// AnyInProgress reports whether any of ids is still live as a read-write
// transaction, optionally excluding the asking transaction itself.
func (m *Manager) AnyInProgress(ids []ID, except ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if id == except {
			continue
		}
		if t, ok := m.live[id]; ok && t.category == ReadWrite {
			return true
		}
	}
	return false
}

// OldestLiveBirth returns the smallest birth timestamp among live
// transactions, or IllegalTimestamp if none are live. The allocation tables
// use this to decide whether a freed-block pass may be applied.
func (m *Manager) OldestLiveBirth() Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := IllegalTimestamp
	for _, t := range m.live {
		if t.birth < oldest {
			oldest = t.birth
		}
	}
	return oldest
}

// EarliestVersionReaderBirth returns the smallest birth timestamp among live
// version-managed readers, or IllegalTimestamp if there are none. The sync
// engine folds this into its eldest horizon so promotion never steals a
// version a reader still needs.
func (m *Manager) EarliestVersionReaderBirth() Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	earliest := IllegalTimestamp
	for _, t := range m.live {
		if !t.noVersion && t.birth < earliest {
			earliest = t.birth
		}
	}
	return earliest
}

// IsReferred reports whether a live version-managed reader may still need the
// version whose last modification is prevTS, given that the next newer
// version was stamped latestTS and was produced by modifiers. A reader born
// after prevTS resolves to that version either because it was born before the
// latest was stamped or because it overlaps one of the modifiers.
func (m *Manager) IsReferred(prevTS, latestTS Timestamp, modifiers []ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.live {
		if t.noVersion || t.birth <= prevTS {
			continue
		}
		if t.birth <= latestTS || t.Overlaps(modifiers) {
			return true
		}
	}
	return false
}

// OverlappedSince reports whether a live version-managed reader overlaps the
// given modifier set after the latest version was stamped at lastMod. The
// second result is the earliest birth among live version readers born after
// lastMod that do NOT overlap the modifiers — the first reader that can
// already resolve its version without the modifier list — or
// IllegalTimestamp when no such reader exists.
func (m *Manager) OverlappedSince(lastMod Timestamp, modifiers []ID) (bool, Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	overlapped := false
	start := IllegalTimestamp
	for _, t := range m.live {
		if t.noVersion || t.birth <= lastMod {
			continue
		}
		if t.Overlaps(modifiers) {
			overlapped = true
		} else if t.birth < start {
			start = t.birth
		}
	}
	return overlapped, start
}

// FirstReaderBirthAfter returns the smallest birth timestamp of a live
// version-managed reader born strictly after ts, or IllegalTimestamp when no
// such reader exists. Used to back-date a replacement latest so it stays
// invisible to readers that must keep seeing the old image.
func (m *Manager) FirstReaderBirthAfter(ts Timestamp) Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := IllegalTimestamp
	for _, t := range m.live {
		if !t.noVersion && t.birth > ts && t.birth < first {
			first = t.birth
		}
	}
	return first
}
