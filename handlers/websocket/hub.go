package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"drawsync/bridge"
	"drawsync/core"
	"drawsync/metrics"
	"drawsync/presence"
	"drawsync/replica"
	"drawsync/transport"

	"github.com/sirupsen/logrus"
)

const DefaultSaveDelay = 2 * time.Second

// Peer is one connection attached to a room, whatever its transport.
type Peer interface {
	ID() string
	Transport() string
	// Send queues a frame without blocking. It reports false when the peer
	// could not take it.
	Send(f transport.Frame) bool
}

type hubOrigin struct{}

// Hub keeps one replicated document per active room. Documents are loaded
// from the store on first join and saved shortly after changes and when the
// last peer leaves.
type Hub struct {
	store     core.DocumentStore
	registry  core.RoomRegistry
	metrics   *metrics.Metrics
	saveDelay time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

type HubOption func(*Hub)

// WithRegistry records room activity, e.g. for room listings.
func WithRegistry(r core.RoomRegistry) HubOption {
	return func(h *Hub) {
		h.registry = r
	}
}

func WithSaveDelay(d time.Duration) HubOption {
	return func(h *Hub) {
		h.saveDelay = d
	}
}

func NewHub(store core.DocumentStore, m *metrics.Metrics, opts ...HubOption) *Hub {
	h := &Hub{
		store:     store,
		metrics:   m,
		saveDelay: DefaultSaveDelay,
		rooms:     make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Room is the live state of one room.
type Room struct {
	id       string
	hub      *Hub
	doc      *replica.Doc
	presence *presence.Channel
	stop     func()

	mu     sync.Mutex
	peers  map[Peer]map[uint64]bool
	timer  *time.Timer
	closed bool
	saveMu sync.Mutex
}

func (h *Hub) load(ctx context.Context, roomID string) (*replica.Doc, error) {
	doc := replica.NewDoc()
	stored, err := h.store.FindRoom(ctx, roomID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return doc, nil
	case err != nil:
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if stored.Data.Len() > 0 {
		if err := doc.ApplyUpdate(stored.Data.Bytes(), hubOrigin{}); err != nil {
			return nil, fmt.Errorf("decode room %s: %w", roomID, err)
		}
	}
	return doc, nil
}

// Join attaches a peer to a room, loading the room first if needed.
func (h *Hub) Join(ctx context.Context, roomID string, peer Peer) (*Room, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		doc, err := h.load(ctx, roomID)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		r = &Room{
			id:       roomID,
			hub:      h,
			doc:      doc,
			presence: presence.NewChannel(0),
			peers:    make(map[Peer]map[uint64]bool),
		}
		r.stop = doc.OnUpdate(r.onUpdate)
		h.rooms[roomID] = r
		h.metrics.RoomsActive.Inc()
	}
	r.mu.Lock()
	r.peers[peer] = make(map[uint64]bool)
	count := len(r.peers)
	r.mu.Unlock()
	h.mu.Unlock()

	h.metrics.PeersActive.WithLabelValues(peer.Transport()).Inc()
	if h.registry != nil {
		if err := h.registry.TouchRoom(ctx, roomID); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to record room activity")
		}
	}
	logrus.WithFields(logrus.Fields{
		"room_id":   roomID,
		"peer_id":   peer.ID(),
		"transport": peer.Transport(),
		"peers":     count,
	}).Info("Peer joined room")
	return r, nil
}

func (h *Hub) live(roomID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// ActiveRooms maps every live room to its number of peers.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	out := make(map[string]int, len(rooms))
	for _, r := range rooms {
		out[r.id] = r.PeerCount()
	}
	return out
}

// State returns the encoded document of a room, live or stored.
func (h *Hub) State(ctx context.Context, roomID string) ([]byte, error) {
	if r, ok := h.live(roomID); ok {
		return r.doc.EncodeState()
	}
	stored, err := h.store.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return stored.Data.Bytes(), nil
}

// Content returns the presentable content of a room.
func (h *Hub) Content(ctx context.Context, roomID string) (core.Content, error) {
	if r, ok := h.live(roomID); ok {
		return r.Content(), nil
	}
	state, err := h.State(ctx, roomID)
	if err != nil {
		return core.Content{}, err
	}
	doc := replica.NewDoc()
	if err := doc.ApplyUpdate(state, hubOrigin{}); err != nil {
		return core.Content{}, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return contentOf(doc), nil
}

// Restore replaces a room's content with an encoded document. Live peers
// receive the change as a regular update.
func (h *Hub) Restore(ctx context.Context, roomID string, state []byte) error {
	src := replica.NewDoc()
	if err := src.ApplyUpdate(state, hubOrigin{}); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if r, ok := h.live(roomID); ok {
		r.replace(src)
		return r.save(ctx)
	}

	// offline rooms are rebuilt from scratch
	doc := &core.Document{}
	doc.Data.Write(state)
	return h.store.SaveRoom(ctx, roomID, doc)
}

// Close saves every live room.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := r.save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) Content() core.Content {
	return contentOf(r.doc)
}

func contentOf(doc *replica.Doc) core.Content {
	return bridge.SnapshotOf(doc.Map(core.ShapesMap), doc.Map(core.BindingsMap), doc.Map(core.AssetsMap))
}

// Handle processes one frame received from peer.
func (r *Room) Handle(peer Peer, f transport.Frame) {
	m := r.hub.metrics
	m.FramesTotal.WithLabelValues(f.Type, "in").Inc()
	log := logrus.WithFields(logrus.Fields{
		"room_id": r.id,
		"peer_id": peer.ID(),
	})

	switch f.Type {
	case transport.FrameSync:
		if err := r.doc.ApplyUpdate(f.Data, peer); err != nil {
			log.WithError(err).Warn("Rejected sync frame")
			return
		}
		state, err := r.doc.EncodeState()
		if err != nil {
			log.WithError(err).Error("Failed to encode room state")
			return
		}
		r.sendTo(peer, transport.Frame{Type: transport.FrameSync, Data: state})
		if known := r.presence.Peers(); len(known) > 0 {
			if aw, err := r.presence.EncodeUpdate(known...); err == nil {
				r.sendTo(peer, transport.Frame{Type: transport.FrameAwareness, Data: aw})
			}
		}
	case transport.FrameUpdate:
		if err := r.doc.ApplyUpdate(f.Data, peer); err != nil {
			log.WithError(err).Warn("Rejected update frame")
		}
	case transport.FrameAwareness:
		clients, err := presence.ClientsOf(f.Data)
		if err != nil {
			log.WithError(err).Debug("Rejected awareness frame")
			return
		}
		r.mu.Lock()
		if ids, ok := r.peers[peer]; ok {
			for _, id := range clients {
				ids[id] = true
			}
		}
		r.mu.Unlock()
		if err := r.presence.ApplyUpdate(f.Data, peer); err != nil {
			log.WithError(err).Debug("Rejected awareness frame")
			return
		}
		r.broadcast(f, peer)
	}
}

// Leave detaches a peer. Its presence is withdrawn from everyone else and
// the room is saved and unloaded when it was the last one.
func (r *Room) Leave(peer Peer) {
	r.mu.Lock()
	ids, ok := r.peers[peer]
	delete(r.peers, peer)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.hub.metrics.PeersActive.WithLabelValues(peer.Transport()).Dec()

	if len(ids) > 0 {
		clients := make([]uint64, 0, len(ids))
		for id := range ids {
			clients = append(clients, id)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
		r.presence.RemoveStates(clients, peer)
		if data, err := r.presence.EncodeUpdate(clients...); err == nil {
			r.broadcast(transport.Frame{Type: transport.FrameAwareness, Data: data}, peer)
		}
	}

	logrus.WithFields(logrus.Fields{
		"room_id": r.id,
		"peer_id": peer.ID(),
	}).Info("Peer left room")

	// the final save runs under the hub lock so a rejoin loads what was saved
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	empty := len(r.peers) == 0 && h.rooms[r.id] == r
	if empty {
		r.closed = true
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}
	r.mu.Unlock()
	if !empty {
		return
	}

	r.stop()
	if err := r.save(context.Background()); err != nil {
		logrus.WithError(err).WithField("room_id", r.id).Error("Failed to save room")
	}
	delete(h.rooms, r.id)
	h.metrics.RoomsActive.Dec()
}

func (r *Room) onUpdate(update []byte, origin any) {
	r.broadcast(transport.Frame{Type: transport.FrameUpdate, Data: update}, origin)
	r.scheduleSave()
}

func (r *Room) broadcast(f transport.Frame, except any) {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		if any(p) != except {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		r.sendTo(p, f)
	}
}

func (r *Room) sendTo(p Peer, f transport.Frame) {
	if p.Send(f) {
		r.hub.metrics.FramesTotal.WithLabelValues(f.Type, "out").Inc()
		return
	}
	logrus.WithFields(logrus.Fields{
		"room_id": r.id,
		"peer_id": p.ID(),
	}).Warn("Peer dropped a frame")
}

// replace overwrites the room's maps with the content of src in a single
// transaction.
func (r *Room) replace(src *replica.Doc) {
	r.doc.Transact(hubOrigin{}, func(tx *replica.Transaction) {
		for _, name := range []string{core.ShapesMap, core.BindingsMap, core.AssetsMap} {
			from, to := src.Map(name), tx.Map(name)
			keep := make(map[string]bool)
			for _, e := range from.Entries() {
				keep[e.Key] = true
				_ = tx.Set(to, e.Key, json.RawMessage(e.Value))
			}
			for _, e := range tx.Entries(to) {
				if !keep[e.Key] {
					tx.Delete(to, e.Key)
				}
			}
		}
	})
}

func (r *Room) scheduleSave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil || r.closed {
		return
	}
	r.timer = time.AfterFunc(r.hub.saveDelay, func() {
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		if err := r.save(context.Background()); err != nil {
			logrus.WithError(err).WithField("room_id", r.id).Error("Failed to save room")
		}
	})
}

func (r *Room) save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	state, err := r.doc.EncodeState()
	if err == nil {
		doc := &core.Document{}
		doc.Data.Write(state)
		err = r.hub.store.SaveRoom(ctx, r.id, doc)
	}
	r.hub.metrics.RoomSaves.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return fmt.Errorf("save room %s: %w", r.id, err)
	}
	logrus.WithFields(logrus.Fields{
		"room_id": r.id,
		"bytes":   len(state),
	}).Debug("Room saved")
	return nil
}
