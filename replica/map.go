package replica

import (
	"encoding/json"
	"sort"
)

// Value is a JSON-encoded map value.
type Value json.RawMessage

func (v Value) Decode(out any) error {
	return json.Unmarshal(v, out)
}

type Entry struct {
	Key   string
	Value Value
}

// Event signals that a transaction changed a map. Subscriptions coalesce
// signals while one is pending, so Keys only describes the transaction that
// produced this event; consumers read the map for the full state.
type Event struct {
	Map    string
	Keys   []string
	Origin any
	Local  bool
}

type Map struct {
	doc   *Doc
	name  string
	items map[string]item
	subs  map[int]chan Event
}

func (m *Map) Get(key string) (Value, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.getLocked(key)
}

func (m *Map) getLocked(key string) (Value, bool) {
	it, ok := m.items[key]
	if !ok || it.Deleted {
		return nil, false
	}
	return Value(it.Value), true
}

func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Entries returns the live entries ordered by key.
func (m *Map) Entries() []Entry {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.entriesLocked()
}

func (m *Map) entriesLocked() []Entry {
	entries := make([]Entry, 0, len(m.items))
	for k, it := range m.items {
		if it.Deleted {
			continue
		}
		entries = append(entries, Entry{Key: k, Value: Value(it.Value)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Set writes one value in its own transaction.
func (m *Map) Set(key string, v any) error {
	var err error
	m.doc.Transact(nil, func(tx *Transaction) {
		err = tx.Set(m, key, v)
	})
	return err
}

// Delete removes one key in its own transaction.
func (m *Map) Delete(key string) {
	m.doc.Transact(nil, func(tx *Transaction) {
		tx.Delete(m, key)
	})
}

// Subscription delivers change signals for one map until Unobserve is called.
type Subscription struct {
	C <-chan Event

	m  *Map
	id int
}

// ObserveDeep subscribes to every committed change of the map.
func (m *Map) ObserveDeep() *Subscription {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	id := m.doc.nextID
	m.doc.nextID++
	c := make(chan Event, 1)
	m.subs[id] = c
	return &Subscription{C: c, m: m, id: id}
}

// Unobserve stops delivery and closes C.
func (s *Subscription) Unobserve() {
	s.m.doc.mu.Lock()
	defer s.m.doc.mu.Unlock()
	if c, ok := s.m.subs[s.id]; ok {
		delete(s.m.subs, s.id)
		close(c)
	}
}

func (m *Map) notifyLocked(ev Event) {
	for _, c := range m.subs {
		select {
		case c <- ev:
		default:
			// a signal is already pending
		}
	}
}
