// Package presence carries ephemeral per-participant state (identity, cursor,
// selection) next to the replicated document, and maps it to the editor's
// collaborator list.
package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// State is one participant's presence record, field name to JSON value.
type State map[string]json.RawMessage

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s State) equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if !bytes.Equal(v, other[k]) {
			return false
		}
	}
	return true
}

// Change describes one presence update. Subscriptions coalesce pending
// signals, so a receiver should read States rather than rely on the id lists.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  any
	Local   bool
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Channel is the presence store for one client: its own record plus the last
// known record of every peer. Each record carries a clock so stale updates
// are dropped.
type Channel struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]State
	clocks   map[uint64]uint64
	subs     map[int]chan Change
	nextSub  int
}

func NewChannel(clientID uint64) *Channel {
	return &Channel{
		clientID: clientID,
		states:   make(map[uint64]State),
		clocks:   make(map[uint64]uint64),
		subs:     make(map[int]chan Change),
	}
}

func (c *Channel) ClientID() uint64 {
	return c.clientID
}

// LocalClock increases every time the local record changes.
func (c *Channel) LocalClock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clocks[c.clientID]
}

func (c *Channel) LocalState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[c.clientID].clone()
}

// SetLocalState replaces the local record. A nil state announces that this
// client left.
func (c *Channel) SetLocalState(state State) {
	c.mu.Lock()
	prev, had := c.states[c.clientID]
	c.clocks[c.clientID]++
	var ch Change
	switch {
	case state == nil:
		delete(c.states, c.clientID)
		if had {
			ch.Removed = []uint64{c.clientID}
		}
	case !had:
		c.states[c.clientID] = state.clone()
		ch.Added = []uint64{c.clientID}
	default:
		c.states[c.clientID] = state.clone()
		if !prev.equal(state) {
			ch.Updated = []uint64{c.clientID}
		}
	}
	ch.Local = true
	c.notifyLocked(ch)
	c.mu.Unlock()
}

func (c *Channel) SetLocalStateField(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode presence field %s: %w", name, err)
	}
	state := c.LocalState()
	if state == nil {
		state = make(State)
	}
	state[name] = data
	c.SetLocalState(state)
	return nil
}

// States returns a copy of every known record keyed by client id.
func (c *Channel) States() map[uint64]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]State, len(c.states))
	for id, s := range c.states {
		out[id] = s.clone()
	}
	return out
}

// RemoveStates forgets peers, e.g. when the transport drops. The local record
// is never removed this way.
func (c *Channel) RemoveStates(clients []uint64, origin any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := Change{Origin: origin}
	for _, id := range clients {
		if id == c.clientID {
			continue
		}
		if _, ok := c.states[id]; ok {
			delete(c.states, id)
			ch.Removed = append(ch.Removed, id)
		}
	}
	c.notifyLocked(ch)
}

// Peers lists the client ids of every known remote record.
func (c *Channel) Peers() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.states))
	for id := range c.states {
		if id != c.clientID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type Subscription struct {
	C <-chan Change

	ch *Channel
	id int
}

// Subscribe registers for change notifications until Off is called.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	sc := make(chan Change, 1)
	c.subs[id] = sc
	return &Subscription{C: sc, ch: c, id: id}
}

func (s *Subscription) Off() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if sc, ok := s.ch.subs[s.id]; ok {
		delete(s.ch.subs, s.id)
		close(sc)
	}
}

func (c *Channel) notifyLocked(ch Change) {
	if ch.empty() {
		return
	}
	for _, sc := range c.subs {
		select {
		case sc <- ch:
		default:
		}
	}
}

type wireEntry struct {
	Client uint64 `msgpack:"c"`
	Clock  uint64 `msgpack:"k"`
	State  []byte `msgpack:"s,omitempty"`
}

type wireUpdate struct {
	Entries []wireEntry `msgpack:"e"`
}

// EncodeUpdate encodes the given clients' records (or removals) for peers.
func (c *Channel) EncodeUpdate(clients ...uint64) ([]byte, error) {
	c.mu.Lock()
	u := wireUpdate{Entries: make([]wireEntry, 0, len(clients))}
	for _, id := range clients {
		e := wireEntry{Client: id, Clock: c.clocks[id]}
		if s, ok := c.states[id]; ok {
			data, err := json.Marshal(s)
			if err != nil {
				c.mu.Unlock()
				return nil, fmt.Errorf("encode presence state: %w", err)
			}
			e.State = data
		}
		u.Entries = append(u.Entries, e)
	}
	c.mu.Unlock()

	data, err := msgpack.Marshal(&u)
	if err != nil {
		return nil, fmt.Errorf("encode presence update: %w", err)
	}
	return data, nil
}

// ApplyUpdate merges a peer's presence update. A record that fails to decode
// is dropped on its own without failing the rest of the update.
func (c *Channel) ApplyUpdate(data []byte, origin any) error {
	var u wireUpdate
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("decode presence update: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := Change{Origin: origin}
	for _, e := range u.Entries {
		var state State
		if len(e.State) > 0 {
			if err := json.Unmarshal(e.State, &state); err != nil {
				continue
			}
		}
		cur, had := c.states[e.Client]
		clock := c.clocks[e.Client]

		if e.Client == c.clientID {
			if state == nil && e.Clock >= clock && had {
				// a peer thinks we left; outbid its clock so our next
				// broadcast wins
				c.clocks[c.clientID] = e.Clock + 1
			}
			continue
		}

		if !(clock < e.Clock || (clock == e.Clock && state == nil && had)) {
			continue
		}
		c.clocks[e.Client] = e.Clock

		switch {
		case state == nil:
			if had {
				delete(c.states, e.Client)
				ch.Removed = append(ch.Removed, e.Client)
			}
		case !had:
			c.states[e.Client] = state
			ch.Added = append(ch.Added, e.Client)
		default:
			c.states[e.Client] = state
			if !cur.equal(state) {
				ch.Updated = append(ch.Updated, e.Client)
			}
		}
	}
	c.notifyLocked(ch)
	return nil
}

// ClientsOf lists the client ids an encoded update speaks for.
func ClientsOf(data []byte) ([]uint64, error) {
	var u wireUpdate
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode presence update: %w", err)
	}
	ids := make([]uint64, 0, len(u.Entries))
	for _, e := range u.Entries {
		ids = append(ids, e.Client)
	}
	return ids, nil
}
