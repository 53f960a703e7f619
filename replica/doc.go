// Package replica is an in-process replicated document: a set of named
// last-writer-wins maps that converge across peers exchanging updates.
//
// All writes happen inside a transaction. A committed transaction becomes one
// update message for transports and one change signal per touched map for
// observers, so no peer ever observes half of a transaction.
package replica

import (
	"math/rand/v2"
	"sort"
	"sync"
)

type Doc struct {
	mu       sync.Mutex
	clientID uint64
	clock    uint64

	// mapsMu guards the map registry only, so Map may be called while a
	// transaction holds mu.
	mapsMu sync.Mutex
	maps   map[string]*Map

	hooks    map[int]func(*Transaction)
	handlers map[int]func(update []byte, origin any)
	nextID   int
}

type Option func(*Doc)

// WithClientID pins the client id used to break ties between concurrent writes.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		maps:     make(map[string]*Map),
		hooks:    make(map[int]func(*Transaction)),
		handlers: make(map[int]func([]byte, any)),
	}
	for _, opt := range opts {
		opt(d)
	}
	for d.clientID == 0 {
		d.clientID = rand.Uint64()
	}
	return d
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Map returns the named map, creating it on first use. It is safe to call
// from inside a transaction.
func (d *Doc) Map(name string) *Map {
	d.mapsMu.Lock()
	defer d.mapsMu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = &Map{
			doc:   d,
			name:  name,
			items: make(map[string]item),
			subs:  make(map[int]chan Event),
		}
		d.maps[name] = m
	}
	return m
}

// Transact runs fn as one transaction. Inside fn, read and write map contents
// through tx: Map.Get, Map.Set and friends take the document lock themselves.
func (d *Doc) Transact(origin any, fn func(tx *Transaction)) {
	d.transact(origin, true, fn)
}

func (d *Doc) transact(origin any, local bool, fn func(tx *Transaction)) {
	d.mu.Lock()
	tx := newTransaction(d, origin, local)
	fn(tx)

	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return
	}

	for _, hook := range d.hooks {
		hook(tx)
	}
	for m, changed := range tx.changes {
		m.notifyLocked(Event{
			Map:    m.name,
			Keys:   sortedKeys(changed),
			Origin: origin,
			Local:  local,
		})
	}

	handlers := make([]func([]byte, any), 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	data, err := encodeUpdate(update{Ops: tx.ops})
	if err != nil {
		return
	}
	for _, h := range handlers {
		h(data, origin)
	}
}

// OnUpdate registers fn to receive every committed transaction as an encoded
// update, local or remote. The returned func unregisters it.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// afterTransaction registers a hook run synchronously, under the document
// lock, for every non-empty transaction.
func (d *Doc) afterTransaction(fn func(*Transaction)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.hooks[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.hooks, id)
		d.mu.Unlock()
	}
}

// EncodeState returns every item of every map, tombstones included, as one
// update. Applying it to an empty document reproduces this one.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	d.mapsMu.Lock()
	maps := make(map[string]*Map, len(d.maps))
	names := make([]string, 0, len(d.maps))
	for name, m := range d.maps {
		maps[name] = m
		names = append(names, name)
	}
	d.mapsMu.Unlock()
	sort.Strings(names)

	var u update
	for _, name := range names {
		m := maps[name]
		keys := make([]string, 0, len(m.items))
		for k := range m.items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			u.Ops = append(u.Ops, m.items[k].op(name, k))
		}
	}
	d.mu.Unlock()

	return encodeUpdate(u)
}

// ApplyUpdate integrates a remote update. Items older than what the document
// already holds are ignored, so updates may arrive in any order or twice.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	u, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	d.transact(origin, false, func(tx *Transaction) {
		for _, o := range u.Ops {
			tx.integrate(d.Map(o.Map), o.Key, o.item())
		}
	})
	return nil
}

func sortedKeys(m map[string]change) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
