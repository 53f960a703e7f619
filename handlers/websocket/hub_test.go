package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"drawsync/core"
	"drawsync/metrics"
	"drawsync/presence"
	"drawsync/replica"
	"drawsync/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockDocumentStore struct {
	mu      sync.Mutex
	rooms   map[string][]byte
	saves   int
	saveErr error
}

func newMockStore() *mockDocumentStore {
	return &mockDocumentStore{rooms: make(map[string][]byte)}
}

func (m *mockDocumentStore) FindRoom(ctx context.Context, roomID string) (*core.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.rooms[roomID]
	if !ok {
		return nil, core.ErrNotFound
	}
	doc := &core.Document{}
	doc.Data.Write(data)
	return doc, nil
}

func (m *mockDocumentStore) SaveRoom(ctx context.Context, roomID string, document *core.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.rooms[roomID] = append([]byte(nil), document.Data.Bytes()...)
	return nil
}

func (m *mockDocumentStore) saved(roomID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.rooms[roomID]
	return data, ok
}

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []transport.Frame
	full   bool
}

func (p *fakePeer) ID() string        { return p.id }
func (p *fakePeer) Transport() string { return "fake" }

func (p *fakePeer) Send(f transport.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, f)
	return true
}

func (p *fakePeer) received(typ string) []transport.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transport.Frame
	for _, f := range p.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func newTestHub(store core.DocumentStore, opts ...HubOption) (*Hub, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	return NewHub(store, m, opts...), m
}

// clientUpdate returns the update produced by writing one shape on a fresh
// client document.
func clientUpdate(t *testing.T, id string) []byte {
	t.Helper()
	doc := replica.NewDoc()
	var update []byte
	doc.OnUpdate(func(u []byte, _ any) { update = u })
	if err := doc.Map(core.ShapesMap).Set(id, core.Shape{ID: id, Type: core.ShapeRectangle}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	return update
}

func shapeIDs(t *testing.T, state []byte) map[string]bool {
	t.Helper()
	doc := replica.NewDoc()
	if err := doc.ApplyUpdate(state, nil); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	ids := make(map[string]bool)
	for _, e := range doc.Map(core.ShapesMap).Entries() {
		ids[e.Key] = true
	}
	return ids
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestJoin_LoadsStoredRoom(t *testing.T) {
	store := newMockStore()
	seed := replica.NewDoc()
	if err := seed.Map(core.ShapesMap).Set("a", core.Shape{ID: "a", Type: core.ShapeEllipse}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	state, _ := seed.EncodeState()
	store.rooms["room"] = state

	hub, _ := newTestHub(store)
	peer := &fakePeer{id: "p1"}
	room, err := hub.Join(context.Background(), "room", peer)
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}

	empty, _ := replica.NewDoc().EncodeState()
	room.Handle(peer, transport.Frame{Type: transport.FrameSync, Data: empty})

	syncs := peer.received(transport.FrameSync)
	if len(syncs) != 1 {
		t.Fatalf("Expected 1 sync reply, got %d", len(syncs))
	}
	if ids := shapeIDs(t, syncs[0].Data); !ids["a"] {
		t.Errorf("Sync reply is missing stored shape, got %v", ids)
	}
}

func TestJoin_StoreError(t *testing.T) {
	store := &failingStore{err: errors.New("disk on fire")}
	hub, _ := newTestHub(store)
	if _, err := hub.Join(context.Background(), "room", &fakePeer{id: "p"}); err == nil {
		t.Error("Expected error when the store fails, got nil")
	}
	if len(hub.ActiveRooms()) != 0 {
		t.Error("Room should not be registered after a failed load")
	}
}

type failingStore struct{ err error }

func (s *failingStore) FindRoom(ctx context.Context, roomID string) (*core.Document, error) {
	return nil, s.err
}

func (s *failingStore) SaveRoom(ctx context.Context, roomID string, document *core.Document) error {
	return s.err
}

func TestHandle_SyncRelaysPeerStateToOthers(t *testing.T) {
	hub, _ := newTestHub(newMockStore())
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	room, _ := hub.Join(context.Background(), "room", a)
	if _, err := hub.Join(context.Background(), "room", b); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}

	room.Handle(a, transport.Frame{Type: transport.FrameSync, Data: clientUpdate(t, "offline-edit")})

	updates := b.received(transport.FrameUpdate)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update for b, got %d", len(updates))
	}
	if ids := shapeIDs(t, updates[0].Data); !ids["offline-edit"] {
		t.Errorf("Relayed update is missing the shape, got %v", ids)
	}
	if len(a.received(transport.FrameUpdate)) != 0 {
		t.Error("Update echoed back to its origin")
	}
}

func TestHandle_UpdateBroadcast(t *testing.T) {
	hub, m := newTestHub(newMockStore())
	a, b, c := &fakePeer{id: "a"}, &fakePeer{id: "b"}, &fakePeer{id: "c"}
	room, _ := hub.Join(context.Background(), "room", a)
	hub.Join(context.Background(), "room", b)
	hub.Join(context.Background(), "room", c)

	room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, "s1")})

	if n := len(b.received(transport.FrameUpdate)); n != 1 {
		t.Errorf("b got %d updates, want 1", n)
	}
	if n := len(c.received(transport.FrameUpdate)); n != 1 {
		t.Errorf("c got %d updates, want 1", n)
	}
	if n := len(a.received(transport.FrameUpdate)); n != 0 {
		t.Errorf("origin got %d updates, want 0", n)
	}
	if got := testutil.ToFloat64(m.FramesTotal.WithLabelValues(transport.FrameUpdate, "out")); got != 2 {
		t.Errorf("frames_total{update,out} = %v, want 2", got)
	}
}

func TestHandle_RejectsGarbage(t *testing.T) {
	hub, _ := newTestHub(newMockStore())
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	room, _ := hub.Join(context.Background(), "room", a)
	hub.Join(context.Background(), "room", b)

	room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: []byte("nope")})
	room.Handle(a, transport.Frame{Type: transport.FrameAwareness, Data: []byte("nope")})

	if len(b.frames) != 0 {
		t.Errorf("Garbage was relayed: %v", b.frames)
	}
}

func TestAwareness_ReplayAndRemovalOnLeave(t *testing.T) {
	hub, _ := newTestHub(newMockStore())
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	room, _ := hub.Join(context.Background(), "room", a)

	ch := presence.NewChannel(7)
	ch.SetLocalState(presence.State{presence.UserField: json.RawMessage(`{"id":"u7"}`)})
	aw, err := ch.EncodeUpdate(7)
	if err != nil {
		t.Fatalf("EncodeUpdate() failed: %v", err)
	}
	room.Handle(a, transport.Frame{Type: transport.FrameAwareness, Data: aw})

	// a late joiner gets the known presence with its sync reply
	hub.Join(context.Background(), "room", b)
	empty, _ := replica.NewDoc().EncodeState()
	room.Handle(b, transport.Frame{Type: transport.FrameSync, Data: empty})

	view := presence.NewChannel(9)
	replays := b.received(transport.FrameAwareness)
	if len(replays) != 1 {
		t.Fatalf("Expected 1 awareness replay, got %d", len(replays))
	}
	if err := view.ApplyUpdate(replays[0].Data, nil); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	if _, ok := view.States()[7]; !ok {
		t.Fatal("Replayed awareness is missing client 7")
	}

	room.Leave(a)

	removals := b.received(transport.FrameAwareness)
	if len(removals) != 2 {
		t.Fatalf("Expected a removal frame after leave, got %d frames", len(removals))
	}
	if err := view.ApplyUpdate(removals[1].Data, nil); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	if _, ok := view.States()[7]; ok {
		t.Error("Client 7 still present after its peer left")
	}
}

func TestLeave_LastPeerSavesAndUnloads(t *testing.T) {
	store := newMockStore()
	hub, m := newTestHub(store, WithSaveDelay(time.Hour))
	a := &fakePeer{id: "a"}
	room, _ := hub.Join(context.Background(), "room", a)
	room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, "kept")})

	if got := hub.ActiveRooms()["room"]; got != 1 {
		t.Errorf("ActiveRooms()[room] = %d, want 1", got)
	}

	room.Leave(a)
	room.Leave(a)

	if len(hub.ActiveRooms()) != 0 {
		t.Errorf("Room still active after last leave: %v", hub.ActiveRooms())
	}
	data, ok := store.saved("room")
	if !ok {
		t.Fatal("Room was not saved on last leave")
	}
	if ids := shapeIDs(t, data); !ids["kept"] {
		t.Errorf("Saved state is missing the shape, got %v", ids)
	}
	if got := testutil.ToFloat64(m.RoomsActive); got != 0 {
		t.Errorf("rooms_active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.PeersActive.WithLabelValues("fake")); got != 0 {
		t.Errorf("peers_active = %v, want 0", got)
	}
}

func TestSave_Debounced(t *testing.T) {
	store := newMockStore()
	hub, m := newTestHub(store, WithSaveDelay(20*time.Millisecond))
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	room, _ := hub.Join(context.Background(), "room", a)
	hub.Join(context.Background(), "room", b)

	for _, id := range []string{"s1", "s2", "s3"} {
		room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, id)})
	}

	eventually(t, func() bool {
		_, ok := store.saved("room")
		return ok
	})
	data, _ := store.saved("room")
	if ids := shapeIDs(t, data); len(ids) != 3 {
		t.Errorf("Saved state has %d shapes, want 3", len(ids))
	}
	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	if saves != 1 {
		t.Errorf("Expected 1 debounced save, got %d", saves)
	}
	if got := testutil.ToFloat64(m.RoomSaves.WithLabelValues("ok")); got != 1 {
		t.Errorf("room_saves_total{ok} = %v, want 1", got)
	}
}

func TestClose_SavesLiveRooms(t *testing.T) {
	store := newMockStore()
	hub, _ := newTestHub(store, WithSaveDelay(time.Hour))
	a := &fakePeer{id: "a"}
	room, _ := hub.Join(context.Background(), "r1", a)
	room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, "x")})

	if err := hub.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, ok := store.saved("r1"); !ok {
		t.Error("Live room not saved on Close")
	}

	store.saveErr = errors.New("read-only")
	if err := hub.Close(context.Background()); err == nil {
		t.Error("Expected Close() to report the save error")
	}
}

func TestRestore_LiveRoom(t *testing.T) {
	hub, _ := newTestHub(newMockStore(), WithSaveDelay(time.Hour))
	a := &fakePeer{id: "a"}
	room, _ := hub.Join(context.Background(), "room", a)
	room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, "later")})

	snap := replica.NewDoc()
	snap.Map(core.ShapesMap).Set("old", core.Shape{ID: "old", Type: core.ShapeText})
	state, _ := snap.EncodeState()

	if err := hub.Restore(context.Background(), "room", state); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	c := room.Content()
	if _, ok := c.Shapes["old"]; !ok {
		t.Error("Restored shape missing")
	}
	if _, ok := c.Shapes["later"]; ok {
		t.Error("Shape absent from the snapshot survived the restore")
	}
	if len(a.received(transport.FrameUpdate)) != 1 {
		t.Error("Live peer did not receive the restore as an update")
	}
}

func TestContentAndState_OfflineRoom(t *testing.T) {
	store := newMockStore()
	seed := replica.NewDoc()
	seed.Map(core.ShapesMap).Set("a", core.Shape{ID: "a", Type: core.ShapeImage, AssetID: "missing"})
	seed.Map(core.ShapesMap).Set("b", core.Shape{ID: "b", Type: core.ShapeLine})
	state, _ := seed.EncodeState()
	store.rooms["cold"] = state

	hub, _ := newTestHub(store)
	c, err := hub.Content(context.Background(), "cold")
	if err != nil {
		t.Fatalf("Content() failed: %v", err)
	}
	if _, ok := c.Shapes["a"]; ok {
		t.Error("Shape with a missing asset should be filtered")
	}
	if s, ok := c.Shapes["b"]; !ok || s.Style == nil {
		t.Errorf("Expected styled shape b, got %+v", s)
	}

	if _, err := hub.State(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("State() error = %v, want ErrNotFound", err)
	}
	if len(hub.ActiveRooms()) != 0 {
		t.Error("Reading content should not load the room")
	}
}

func TestSendFailure_DoesNotBlock(t *testing.T) {
	hub, _ := newTestHub(newMockStore())
	a, slow := &fakePeer{id: "a"}, &fakePeer{id: "slow", full: true}
	room, _ := hub.Join(context.Background(), "room", a)
	hub.Join(context.Background(), "room", slow)

	room.Handle(a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, "s")})

	if got := room.PeerCount(); got != 2 {
		t.Errorf("PeerCount() = %d, want 2", got)
	}
}
