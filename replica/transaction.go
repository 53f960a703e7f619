package replica

import (
	"encoding/json"
	"fmt"
)

// item is one versioned map slot. Clock zero means the slot never existed.
type item struct {
	Value   []byte
	Deleted bool
	Clock   uint64
	Client  uint64
}

func (i item) exists() bool {
	return i.Clock != 0 && !i.Deleted
}

// newer orders items by Lamport clock, then by client id.
func (i item) newer(other item) bool {
	if i.Clock != other.Clock {
		return i.Clock > other.Clock
	}
	return i.Client > other.Client
}

func (i item) same(other item) bool {
	return i.Clock == other.Clock && i.Client == other.Client
}

func (i item) op(m, key string) op {
	return op{Map: m, Key: key, Value: i.Value, Deleted: i.Deleted, Clock: i.Clock, Client: i.Client}
}

type change struct {
	before item
	after  item
}

type Transaction struct {
	Origin any
	Local  bool

	doc     *Doc
	changes map[*Map]map[string]change
	ops     []op
}

func newTransaction(d *Doc, origin any, local bool) *Transaction {
	return &Transaction{
		Origin:  origin,
		Local:   local,
		doc:     d,
		changes: make(map[*Map]map[string]change),
	}
}

// Map returns the named map of the transaction's document.
func (tx *Transaction) Map(name string) *Map {
	return tx.doc.Map(name)
}

func (tx *Transaction) Get(m *Map, key string) (Value, bool) {
	return m.getLocked(key)
}

func (tx *Transaction) Entries(m *Map) []Entry {
	return m.entriesLocked()
}

// Set encodes v as JSON and writes it under key.
func (tx *Transaction) Set(m *Map, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", m.name, key, err)
	}
	tx.put(m, key, data)
	return nil
}

func (tx *Transaction) put(m *Map, key string, data []byte) {
	tx.doc.clock++
	tx.write(m, key, item{Value: data, Clock: tx.doc.clock, Client: tx.doc.clientID})
}

// Delete leaves a tombstone. Deleting an absent key is a no-op.
func (tx *Transaction) Delete(m *Map, key string) {
	if cur, ok := m.items[key]; !ok || cur.Deleted {
		return
	}
	tx.doc.clock++
	tx.write(m, key, item{Deleted: true, Clock: tx.doc.clock, Client: tx.doc.clientID})
}

func (tx *Transaction) integrate(m *Map, key string, it item) {
	if it.Clock > tx.doc.clock {
		tx.doc.clock = it.Clock
	}
	if cur, ok := m.items[key]; ok && !it.newer(cur) {
		return
	}
	tx.write(m, key, it)
}

func (tx *Transaction) write(m *Map, key string, it item) {
	changed, ok := tx.changes[m]
	if !ok {
		changed = make(map[string]change)
		tx.changes[m] = changed
	}
	ch, seen := changed[key]
	if !seen {
		ch.before = m.items[key]
	}
	ch.after = it
	changed[key] = ch

	m.items[key] = it
	tx.ops = append(tx.ops, it.op(m.name, key))
}
