package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"addon-home/internal/events"
)

const (
	// snapshotEvent is the first message a new client receives.
	snapshotEvent = "addons_snapshot"

	wsSendBuffer   = 64
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// frame is one encoded event plus the add-on it concerns, if any.
type frame struct {
	addon string
	data  []byte
}

// WSHub fans add-on events out to WebSocket subscribers. A subscriber may
// follow a single add-on; it then only sees events naming that add-on.
type WSHub struct {
	subs   map[*wsSubscriber]struct{}
	mu     sync.RWMutex
	logger *slog.Logger

	join  chan *wsSubscriber
	leave chan *wsSubscriber
	queue chan frame

	done     chan struct{}
	stopOnce sync.Once
}

type wsSubscriber struct {
	conn  *websocket.Conn
	addon string // empty follows every add-on
	send  chan []byte
}

func (s *wsSubscriber) wants(f frame) bool {
	return s.addon == "" || f.addon == "" || s.addon == f.addon
}

// NewWSHub creates a hub. Run must be started before events are delivered.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		subs:   make(map[*wsSubscriber]struct{}),
		logger: logger,
		join:   make(chan *wsSubscriber),
		leave:  make(chan *wsSubscriber),
		queue:  make(chan frame, wsQueueSize),
		done:   make(chan struct{}),
	}
}

// Run delivers queued events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for sub := range h.subs {
				h.drop(sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.join:
			h.mu.Lock()
			h.subs[sub] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber joined", "addon", sub.addon, "total", n)

		case sub := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				h.drop(sub)
			}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber left", "total", n)

		case f := <-h.queue:
			h.deliver(f)
		}
	}
}

func (h *WSHub) deliver(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(f) {
			continue
		}
		select {
		case sub.send <- f.data:
		default:
			h.drop(sub)
			h.logger.Warn("ws subscriber evicted (too slow)", "addon", sub.addon)
		}
	}
}

// drop removes sub and closes its send channel. Callers hold h.mu.
func (h *WSHub) drop(sub *wsSubscriber) {
	delete(h.subs, sub)
	close(sub.send)
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Publish queues event for delivery. It never blocks; when the queue is
// full the event is dropped.
func (h *WSHub) Publish(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}
	f := frame{data: data}
	if d, ok := event.Data.(events.AddOnData); ok {
		f.addon = d.Name
	}
	select {
	case h.queue <- f:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", event.Type)
	}
}

// handleWS upgrades the request. The optional "addon" query parameter
// restricts the stream to one add-on.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sub := &wsSubscriber{
		conn:  conn,
		addon: r.URL.Query().Get("addon"),
		send:  make(chan []byte, wsSendBuffer),
	}
	if msg, err := s.snapshot(sub.addon); err != nil {
		s.logger.Warn("ws snapshot", "err", err)
	} else {
		sub.send <- msg
	}

	select {
	case s.wsHub.join <- sub:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriter(sub)
	s.wsReader(sub)
}

func (s *Server) wsWriter(sub *wsSubscriber) {
	for msg := range sub.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := sub.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReader discards client messages until the connection or the hub ends.
func (s *Server) wsReader(sub *wsSubscriber) {
	defer func() {
		select {
		case s.wsHub.leave <- sub:
		case <-s.wsHub.done:
			sub.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := sub.conn.Read(ctx); err != nil {
			return
		}
	}
}

// snapshot encodes the installed add-ons, or only the named one.
func (s *Server) snapshot(addon string) ([]byte, error) {
	list, err := s.mgr.List()
	if err != nil {
		return nil, err
	}
	if addon != "" {
		filtered := list[:0]
		for _, st := range list {
			if st.Name == addon {
				filtered = append(filtered, st)
			}
		}
		list = filtered
	}
	return json.Marshal(events.Event{Type: snapshotEvent, Data: list})
}
