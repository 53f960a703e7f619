package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawsync/replica"
	"drawsync/transport"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
)

func newSyncServer(t *testing.T, hub *Hub) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/{roomId}", HandleSync(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *gorilla.Conn, f transport.Frame) {
	t.Helper()
	data, err := transport.EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame() failed: %v", err)
	}
	if err := conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *gorilla.Conn) transport.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	f, err := transport.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() failed: %v", err)
	}
	return f
}

func TestHandleSync_ExchangesFrames(t *testing.T) {
	store := newMockStore()
	hub, _ := newTestHub(store, WithSaveDelay(time.Hour))
	url := newSyncServer(t, hub) + "/ws/room-1"

	a := dial(t, url)
	empty, _ := replica.NewDoc().EncodeState()
	writeFrame(t, a, transport.Frame{Type: transport.FrameSync, Data: empty})
	if f := readFrame(t, a); f.Type != transport.FrameSync {
		t.Fatalf("Expected sync reply, got %q", f.Type)
	}

	b := dial(t, url)
	writeFrame(t, b, transport.Frame{Type: transport.FrameSync, Data: empty})
	readFrame(t, b)

	writeFrame(t, a, transport.Frame{Type: transport.FrameUpdate, Data: clientUpdate(t, "from-a")})

	f := readFrame(t, b)
	if f.Type != transport.FrameUpdate {
		t.Fatalf("Expected update, got %q", f.Type)
	}
	if ids := shapeIDs(t, f.Data); !ids["from-a"] {
		t.Errorf("Update is missing the shape, got %v", ids)
	}

	if got := hub.ActiveRooms()["room-1"]; got != 2 {
		t.Errorf("ActiveRooms()[room-1] = %d, want 2", got)
	}

	a.Close()
	b.Close()
	eventually(t, func() bool { return len(hub.ActiveRooms()) == 0 })
	if _, ok := store.saved("room-1"); !ok {
		t.Error("Room was not saved after every peer left")
	}
}

func TestHandleSync_IgnoresTextAndGarbage(t *testing.T) {
	hub, _ := newTestHub(newMockStore())
	url := newSyncServer(t, hub) + "/ws/room-2"

	a := dial(t, url)
	if err := a.WriteMessage(gorilla.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	if err := a.WriteMessage(gorilla.BinaryMessage, []byte{0xc1}); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}

	empty, _ := replica.NewDoc().EncodeState()
	writeFrame(t, a, transport.Frame{Type: transport.FrameSync, Data: empty})
	if f := readFrame(t, a); f.Type != transport.FrameSync {
		t.Errorf("Connection should survive bad messages, got %q", f.Type)
	}
}

func TestHandleSync_StoreFailureCloses(t *testing.T) {
	hub, _ := newTestHub(&failingStore{err: context.DeadlineExceeded})
	url := newSyncServer(t, hub) + "/ws/room-3"

	a := dial(t, url)
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !gorilla.IsCloseError(err, gorilla.CloseInternalServerErr) {
		t.Errorf("Expected internal error close, got %v", err)
	}
}
