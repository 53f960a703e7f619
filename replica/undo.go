package replica

import (
	"sync"
	"time"
)

const DefaultCaptureTimeout = 500 * time.Millisecond

type stackItem struct {
	changes map[*Map]map[string]change
}

func (s *stackItem) merge(tx *Transaction, scope map[*Map]bool) {
	for m, changed := range tx.changes {
		if !scope[m] {
			continue
		}
		keys, ok := s.changes[m]
		if !ok {
			keys = make(map[string]change)
			s.changes[m] = keys
		}
		for key, ch := range changed {
			if prev, seen := keys[key]; seen {
				ch.before = prev.before
			}
			keys[key] = ch
		}
	}
}

// UndoManager records local transactions touching its scope maps and reverts
// them on request. Remote transactions and untracked origins are never
// captured. Consecutive captures within the capture timeout are merged into
// one step until StopCapturing is called.
type UndoManager struct {
	doc            *Doc
	scope          map[*Map]bool
	tracked        map[any]bool
	captureTimeout time.Duration
	now            func() time.Time

	opMu       sync.Mutex
	mu         sync.Mutex
	undoStack  []*stackItem
	redoStack  []*stackItem
	lastChange time.Time
	undoing    bool
	redoing    bool

	// aliases maps an item replaced by an undo or redo write to its
	// replacement, so older steps still recognise the key as theirs.
	aliases map[itemID]item

	remove func()
}

type itemID struct {
	clock  uint64
	client uint64
}

func (um *UndoManager) resolve(it item) item {
	for {
		next, ok := um.aliases[itemID{it.Clock, it.Client}]
		if !ok {
			return it
		}
		it = next
	}
}

type UndoOption func(*UndoManager)

func WithCaptureTimeout(d time.Duration) UndoOption {
	return func(um *UndoManager) {
		um.captureTimeout = d
	}
}

// WithTrackedOrigins adds origins whose transactions are captured in addition
// to nil-origin ones. Origins must be comparable.
func WithTrackedOrigins(origins ...any) UndoOption {
	return func(um *UndoManager) {
		for _, o := range origins {
			um.tracked[o] = true
		}
	}
}

func withClock(now func() time.Time) UndoOption {
	return func(um *UndoManager) {
		um.now = now
	}
}

func NewUndoManager(doc *Doc, scope []*Map, opts ...UndoOption) *UndoManager {
	um := &UndoManager{
		doc:            doc,
		scope:          make(map[*Map]bool, len(scope)),
		tracked:        map[any]bool{nil: true},
		captureTimeout: DefaultCaptureTimeout,
		now:            time.Now,
		aliases:        make(map[itemID]item),
	}
	for _, m := range scope {
		um.scope[m] = true
	}
	for _, opt := range opts {
		opt(um)
	}
	um.remove = doc.afterTransaction(um.capture)
	return um
}

func (um *UndoManager) touchesScope(tx *Transaction) bool {
	for m := range tx.changes {
		if um.scope[m] {
			return true
		}
	}
	return false
}

func (um *UndoManager) capture(tx *Transaction) {
	if !um.touchesScope(tx) {
		return
	}

	um.mu.Lock()
	defer um.mu.Unlock()

	if tx.Origin == any(um) {
		item := &stackItem{changes: make(map[*Map]map[string]change)}
		item.merge(tx, um.scope)
		switch {
		case um.undoing:
			um.redoStack = append(um.redoStack, item)
		case um.redoing:
			um.undoStack = append(um.undoStack, item)
		}
		return
	}

	if !tx.Local || !um.tracked[tx.Origin] {
		return
	}

	um.redoStack = nil
	now := um.now()
	if n := len(um.undoStack); n > 0 && !um.lastChange.IsZero() && now.Sub(um.lastChange) < um.captureTimeout {
		um.undoStack[n-1].merge(tx, um.scope)
	} else {
		item := &stackItem{changes: make(map[*Map]map[string]change)}
		item.merge(tx, um.scope)
		um.undoStack = append(um.undoStack, item)
	}
	um.lastChange = now
}

// StopCapturing makes the next captured transaction start a new undo step.
func (um *UndoManager) StopCapturing() {
	um.mu.Lock()
	um.lastChange = time.Time{}
	um.mu.Unlock()
}

// Undo reverts the most recent step that still has an effect. It reports
// whether anything was reverted.
func (um *UndoManager) Undo() bool {
	return um.pop(true)
}

func (um *UndoManager) Redo() bool {
	return um.pop(false)
}

func (um *UndoManager) pop(undo bool) bool {
	um.opMu.Lock()
	defer um.opMu.Unlock()

	for {
		um.mu.Lock()
		stack := &um.redoStack
		if undo {
			stack = &um.undoStack
		}
		n := len(*stack)
		if n == 0 {
			um.mu.Unlock()
			return false
		}
		item := (*stack)[n-1]
		*stack = (*stack)[:n-1]
		um.undoing, um.redoing = undo, !undo
		um.mu.Unlock()

		applied := false
		um.doc.Transact(um, func(tx *Transaction) {
			for m, changed := range item.changes {
				for key, ch := range changed {
					cur := m.items[key]
					if !cur.same(um.resolve(ch.after)) {
						// overwritten since, most likely by a peer
						continue
					}
					if ch.before.exists() {
						tx.put(m, key, ch.before.Value)
					} else {
						tx.Delete(m, key)
					}
					if ch.before.Clock != 0 {
						um.aliases[itemID{ch.before.Clock, ch.before.Client}] = m.items[key]
					}
					applied = true
				}
			}
		})

		um.mu.Lock()
		um.undoing, um.redoing = false, false
		um.lastChange = time.Time{}
		um.mu.Unlock()

		if applied {
			return true
		}
	}
}

func (um *UndoManager) CanUndo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.undoStack) > 0
}

func (um *UndoManager) CanRedo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.redoStack) > 0
}

// Destroy detaches the manager from the document.
func (um *UndoManager) Destroy() {
	um.remove()
}
