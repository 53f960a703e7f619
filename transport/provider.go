package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"drawsync/presence"
	"drawsync/replica"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxBackoff = 10 * time.Second

	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
	pingInterval   = 20 * time.Second
	readTimeout    = 2 * pingInterval
	flushPoll      = 10 * time.Millisecond
)

var errSendOverflow = errors.New("send buffer overflow")

// Provider keeps a document and its presence channel in sync with one relay
// room. It reconnects with exponential backoff until Disconnect is called.
type Provider struct {
	url        string
	doc        *replica.Doc
	awareness  *presence.Channel
	dialer     *websocket.Dialer
	maxBackoff time.Duration

	mu        sync.Mutex
	send      chan []byte
	connected bool
	synced    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}

	// frames queued and written on the current connection
	queued  uint64
	written atomic.Uint64

	stopUpdates func()
}

type Option func(*Provider)

func WithMaxBackoff(d time.Duration) Option {
	return func(p *Provider) {
		p.maxBackoff = d
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(p *Provider) {
		p.dialer = d
	}
}

// RoomURL maps an http(s) or ws(s) server address to the websocket endpoint of
// a room.
func RoomURL(server, room string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(room)
	return u.String(), nil
}

func NewProvider(server, room string, doc *replica.Doc, awareness *presence.Channel, opts ...Option) (*Provider, error) {
	endpoint, err := RoomURL(server, room)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		url:        endpoint,
		doc:        doc,
		awareness:  awareness,
		dialer:     websocket.DefaultDialer,
		maxBackoff: DefaultMaxBackoff,
		synced:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stopUpdates = doc.OnUpdate(p.forwardUpdate)
	return p, nil
}

// Connect starts the connection loop in the background.
func (p *Provider) Connect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Disconnect closes the connection and stops reconnecting for good. Remote
// presence is cleared. Calling it more than once is harmless.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.stopUpdates()
}

func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Synced is closed once the relay's state has been applied for the first
// time.
func (p *Provider) Synced() <-chan struct{} {
	return p.synced
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = p.maxBackoff
	b.RandomizationFactor = 0.2

	for {
		start := time.Now()
		err := p.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > p.maxBackoff {
			b.Reset()
		}
		wait := min(b.NextBackOff(), p.maxBackoff)
		logrus.WithFields(logrus.Fields{
			"url":   p.url,
			"retry": wait,
		}).WithError(err).Warn("Relay connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Provider) session(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// subscribe before the handshake so no local presence change is missed
	sub := p.awareness.Subscribe()
	defer sub.Off()
	sent := p.awareness.LocalClock()

	send := make(chan []byte, sendBufferSize)
	if err := p.open(send); err != nil {
		return err
	}
	defer func() {
		p.setSend(nil)
		if peers := p.awareness.Peers(); len(peers) > 0 {
			p.awareness.RemoveStates(peers, p)
		}
	}()
	logrus.WithField("url", p.url).Info("Connected to relay")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		return p.writeLoop(gctx, conn, send)
	})
	g.Go(func() error {
		return p.readLoop(conn)
	})
	g.Go(func() error {
		return p.awarenessLoop(gctx, sub, sent)
	})
	return g.Wait()
}

// open queues the handshake and installs send in one step under p.mu. A local
// update committed meanwhile is either part of the encoded state or waits in
// enqueue until send is installed.
func (p *Provider) open(send chan []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.handshake(send); err != nil {
		return err
	}
	p.installLocked(send)
	return nil
}

// handshake queues our full state and local presence ahead of anything else.
func (p *Provider) handshake(send chan []byte) error {
	state, err := p.doc.EncodeState()
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(Frame{Type: FrameSync, Data: state})
	if err != nil {
		return err
	}
	send <- frame

	aw, err := p.awareness.EncodeUpdate(p.awareness.ClientID())
	if err != nil {
		return err
	}
	frame, err = EncodeFrame(Frame{Type: FrameAwareness, Data: aw})
	if err != nil {
		return err
	}
	send <- frame
	return nil
}

func (p *Provider) setSend(send chan []byte) {
	p.mu.Lock()
	p.installLocked(send)
	p.mu.Unlock()
}

func (p *Provider) installLocked(send chan []byte) {
	p.send = send
	p.connected = send != nil
	p.queued = uint64(len(send))
	p.written.Store(0)
}

// Flush blocks until the relay has sent its state and every frame queued so
// far has been written to the current connection.
func (p *Provider) Flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.synced:
	}

	t := time.NewTicker(flushPoll)
	defer t.Stop()
	for {
		p.mu.Lock()
		connected, target := p.connected, p.queued
		p.mu.Unlock()
		if connected && p.written.Load() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// enqueue hands a frame to the writer. When the writer cannot keep up the
// connection is dropped; the next handshake resends the full state.
func (p *Provider) enqueue(f Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode frame")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.send == nil {
		return
	}
	select {
	case p.send <- data:
		p.queued++
	default:
		close(p.send)
		p.send = nil
		p.connected = false
	}
}

func (p *Provider) forwardUpdate(update []byte, origin any) {
	if origin == any(p) {
		return
	}
	p.enqueue(Frame{Type: FrameUpdate, Data: update})
}

func (p *Provider) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-send:
			if !ok {
				return errSendOverflow
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			p.written.Add(1)
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.BinaryMessage {
			continue
		}
		f, err := DecodeFrame(message)
		if err != nil {
			logrus.WithError(err).Debug("Dropping malformed frame")
			continue
		}
		p.handle(f)
	}
}

func (p *Provider) handle(f Frame) {
	switch f.Type {
	case FrameSync, FrameUpdate:
		if err := p.doc.ApplyUpdate(f.Data, p); err != nil {
			logrus.WithError(err).WithField("frame", f.Type).Warn("Failed to apply document update")
			return
		}
		if f.Type == FrameSync {
			p.markSynced()
		}
	case FrameAwareness:
		if err := p.awareness.ApplyUpdate(f.Data, p); err != nil {
			logrus.WithError(err).Debug("Failed to apply presence update")
		}
	}
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.synced:
	default:
		close(p.synced)
	}
}

// awarenessLoop broadcasts the local presence record whenever it changes.
func (p *Provider) awarenessLoop(ctx context.Context, sub *presence.Subscription, sent uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
		}
		clock := p.awareness.LocalClock()
		if clock == sent {
			continue
		}
		sent = clock
		data, err := p.awareness.EncodeUpdate(p.awareness.ClientID())
		if err != nil {
			logrus.WithError(err).Error("Failed to encode presence")
			continue
		}
		p.enqueue(Frame{Type: FrameAwareness, Data: data})
	}
}
