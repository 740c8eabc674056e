package ledger

// UndoLog records inverse mutations so state can be rewound to a savepoint.
// A batch opens with Savepoint and either commits (Commit) or rewinds
// (RollbackTo). Soft-failing records take a nested savepoint of their own.
// Not thread-safe: only the single-threaded core touches it.
type UndoLog struct {
	entries []func()
}

// Savepoint marks a position in the undo log.
type Savepoint int

func NewUndoLog() *UndoLog {
	return &UndoLog{}
}

// Record registers fn to run if the log is rewound past this point.
func (u *UndoLog) Record(fn func()) {
	if u == nil {
		return
	}
	u.entries = append(u.entries, fn)
}

func (u *UndoLog) Savepoint() Savepoint {
	if u == nil {
		return 0
	}
	return Savepoint(len(u.entries))
}

// RollbackTo undoes every mutation recorded after sp, newest first.
func (u *UndoLog) RollbackTo(sp Savepoint) {
	if u == nil {
		return
	}
	for i := len(u.entries) - 1; i >= int(sp); i-- {
		u.entries[i]()
		u.entries[i] = nil
	}
	u.entries = u.entries[:sp]
}

// Commit forgets all recorded mutations.
func (u *UndoLog) Commit() {
	if u == nil {
		return
	}
	clear(u.entries)
	u.entries = u.entries[:0]
}

// Len returns the number of pending undo entries.
func (u *UndoLog) Len() int {
	if u == nil {
		return 0
	}
	return len(u.entries)
}

// SetMapValue writes m[k] = v and records how to restore the previous entry.
func SetMapValue[K comparable, V any](u *UndoLog, m map[K]V, k K, v V) {
	old, existed := m[k]
	u.Record(func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// DeleteMapValue removes m[k] and records how to restore it.
func DeleteMapValue[K comparable, V any](u *UndoLog, m map[K]V, k K) {
	old, existed := m[k]
	if !existed {
		return
	}
	u.Record(func() { m[k] = old })
	delete(m, k)
}

// SetValue writes *p = v and records the previous value.
func SetValue[T any](u *UndoLog, p *T, v T) {
	old := *p
	u.Record(func() { *p = old })
	*p = v
}
