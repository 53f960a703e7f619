package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"drawsync/transport"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	peerSendBuffer = 256
	peerWriteWait  = 10 * time.Second
	peerPongWait   = 60 * time.Second
	peerPingPeriod = peerPongWait * 9 / 10
	maxFrameSize   = 5000000
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the HTTP layer applies CORS
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsPeer struct {
	id   string
	conn *gorilla.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Transport() string {
	return "websocket"
}

func (p *wsPeer) Send(f transport.Frame) bool {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		// a peer that cannot keep up is dropped and resyncs on reconnect
		p.closed = true
		close(p.send)
		return false
	}
}

func (p *wsPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// HandleSync upgrades GET /ws/{roomId} to a websocket speaking the binary
// frame protocol of the transport package.
func HandleSync(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		if roomID == "" {
			http.Error(w, "room id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Websocket upgrade failed")
			return
		}

		peer := &wsPeer{
			id:   ulid.Make().String(),
			conn: conn,
			send: make(chan []byte, peerSendBuffer),
		}
		room, err := hub.Join(context.WithoutCancel(r.Context()), roomID, peer)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to join room")
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseInternalServerErr, "room unavailable"),
				time.Now().Add(peerWriteWait))
			conn.Close()
			return
		}

		go peer.writeLoop()
		peer.readLoop(room)
	}
}

func (p *wsPeer) readLoop(room *Room) {
	defer func() {
		room.Leave(p)
		p.close()
	}()

	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(peerPongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(peerPongWait))
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseNormalClosure) {
				logrus.WithError(err).WithField("peer_id", p.id).Debug("Websocket closed")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(peerPongWait))
		if messageType != gorilla.BinaryMessage {
			continue
		}
		f, err := transport.DecodeFrame(data)
		if err != nil {
			logrus.WithError(err).WithField("peer_id", p.id).Debug("Dropping frame")
			continue
		}
		room.Handle(p, f)
	}
}

func (p *wsPeer) writeLoop() {
	ticker := time.NewTicker(peerPingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
			if !ok {
				_ = p.conn.WriteMessage(gorilla.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(gorilla.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
			if err := p.conn.WriteMessage(gorilla.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
