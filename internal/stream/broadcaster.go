// Package stream pushes live traffic to dashboard clients over
// websockets.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"promptfw/internal/firewall"
	"promptfw/internal/traffic"
)

// StatsFunc supplies the current dashboard stats for outgoing frames.
type StatsFunc func() firewall.Stats

// subscriber buffers frames for one client. A subscriber that cannot
// keep up is evicted rather than allowed to stall the broadcast.
type subscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Broadcaster fans out serialized traffic frames to connected clients.
type Broadcaster struct {
	log   traffic.Store
	stats StatsFunc

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// NewBroadcaster returns a broadcaster reading recent history from log.
func NewBroadcaster(log traffic.Store, stats StatsFunc) *Broadcaster {
	return &Broadcaster{
		log:         log,
		stats:       stats,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Broadcast serializes the entry once and hands it to every subscriber
// without blocking. Subscribers with full buffers are dropped.
func (b *Broadcaster) Broadcast(entry firewall.TrafficEntry) {
	frame, err := json.Marshal(map[string]any{
		"type":  "traffic",
		"entry": entry,
		"stats": b.stats(),
	})
	if err != nil {
		slog.Error("Failed to serialize traffic frame", "entry_id", entry.ID, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- frame:
		default:
			// Slow consumer: evict instead of blocking the proxy path.
			delete(b.subscribers, sub)
			sub.close()
		}
	}
}

// ClientCount reports connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) subscribe() *subscriber {
	sub := &subscriber{
		ch:   make(chan []byte, 32),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	slog.Info("Dashboard client connected", "clients", n)
	return sub
}

func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	n := len(b.subscribers)
	b.mu.Unlock()
	sub.close()
	slog.Info("Dashboard client disconnected", "clients", n)
}

// ServeHTTP upgrades the connection, sends the init frame with the last
// 100 entries and current stats, then streams traffic frames. Clients
// may send {"type":"ping"} and get {"type":"pong"} back.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dashboard origin is enforced by CORS on the API
	})
	if err != nil {
		slog.Error("Websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := b.subscribe()
	defer b.unsubscribe(sub)

	ctx := r.Context()

	init, err := json.Marshal(map[string]any{
		"type":    "init",
		"traffic": b.log.Recent(100),
		"stats":   b.stats(),
	})
	if err != nil {
		slog.Error("Failed to serialize init frame", "error", err)
		return
	}
	if err := b.write(ctx, conn, init); err != nil {
		return
	}

	// Writer: drain the subscriber buffer onto the socket.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case <-sub.done:
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				cancel()
				return
			case frame := <-sub.ch:
				if err := b.write(writeCtx, conn, frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader: handle pings until the client goes away.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("Websocket read ended", "error", err)
			}
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := b.write(ctx, conn, []byte(`{"type":"pong"}`)); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
