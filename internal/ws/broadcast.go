package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/logging"
	"github.com/richpresence/browserd/internal/metrics"
	"github.com/richpresence/browserd/internal/session"
)

const (
	clientBuffer = 64
	eventBuffer  = 64
	writeWait    = 10 * time.Second
)

// ErrTooManyConnections is returned by AddClient once the client limit is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

// Source is the session state the broadcaster pushes to clients.
type Source interface {
	Current() session.State
	ListInstalledBrowsers() []browser.Descriptor
	Subscribe(buffer int) (<-chan session.Event, func())
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   Source
	interval time.Duration
	maxConns int
	metrics  *metrics.Recorder
	log      logrus.FieldLogger
}

// NewBroadcaster returns a broadcaster that sends a snapshot every
// snapshotInterval once started. maxConns <= 0 means no limit.
func NewBroadcaster(source Source, snapshotInterval time.Duration, maxConns int, rec *metrics.Recorder, log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logging.Discard()
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		source:   source,
		interval: snapshotInterval,
		maxConns: maxConns,
		metrics:  rec,
		log:      log.WithField("component", "ws"),
	}
}

// Start subscribes to the source and forwards session events and periodic
// snapshots to all clients until ctx is done. The returned channel is
// closed once every client has been disconnected.
func (b *Broadcaster) Start(ctx context.Context) <-chan struct{} {
	events, unsubscribe := b.source.Subscribe(eventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		b.run(ctx, events)
	}()
	return done
}

func (b *Broadcaster) run(ctx context.Context, events <-chan session.Event) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.broadcast(WSMessage{Type: MsgSession, Payload: ev})
		case <-ticker.C:
			b.broadcast(b.snapshot())
		}
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, clientBuffer),
	}
	// Queued before the client is visible, so it is always the first message.
	if data, err := json.Marshal(b.snapshot()); err == nil {
		c.send <- data
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()

	b.metrics.SetClients(n)
	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()

	if ok {
		b.metrics.SetClients(n)
	}
}

// PublishBrowsers pushes a new inventory to every client.
func (b *Broadcaster) PublishBrowsers(list []browser.Descriptor) {
	b.broadcast(WSMessage{Type: MsgBrowsers, Payload: BrowsersPayload{Browsers: list}})
}

func (b *Broadcaster) snapshot() WSMessage {
	return WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Session:  b.source.Current(),
			Browsers: b.source.ListInstalledBrowsers(),
		},
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).Error("broadcast marshal error")
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	// Client can't keep up, disconnect it
	for _, c := range slow {
		b.metrics.Dropped()
		b.log.WithField("remote", c.conn.RemoteAddr().String()).Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	b.metrics.SetClients(0)
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
