package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"digimarket/native/escrow"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultSubscriberQ = 32
)

// Hub fans notifications out to the in-app websocket streams of their owner.
// Slow subscribers lose messages rather than blocking the publisher; the
// stored inbox remains authoritative.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan escrow.Notification]struct{}
	buffer int
	logger *slog.Logger
	// origins are host patterns accepted on websocket upgrades.
	origins []string
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins restricts websocket upgrades to the given browser
// origins, in the same form as the CORS allow-list. "*" accepts any origin
// and an empty list keeps that default. Same-host requests are always
// accepted.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		if len(origins) > 0 {
			h.origins = originPatterns(origins)
		}
	}
}

// NewHub constructs a hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:    make(map[string]map[chan escrow.Notification]struct{}),
		buffer:  defaultSubscriberQ,
		logger:  logger,
		origins: []string{"*"},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// originPatterns converts CORS origins such as "https://shop.example.com"
// into the host patterns websocket.Accept matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			origin = u.Host
		}
		out = append(out, strings.ToLower(origin))
	}
	return out
}

// Subscribe registers a stream for userID. The returned cancel function must
// be called to release it.
func (h *Hub) Subscribe(userID string) (<-chan escrow.Notification, func()) {
	ch := make(chan escrow.Notification, h.buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan escrow.Notification]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers n to every live stream of its owner and returns how many
// received it.
func (h *Hub) Publish(n escrow.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.subs[n.UserID] {
		select {
		case ch <- n:
			delivered++
		default:
			h.logger.Debug("notification stream full, dropping", slog.String("type", string(n.Type)))
		}
	}
	return delivered
}

// Name implements Transport.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements Transport.
func (h *Hub) Deliver(_ context.Context, n escrow.Notification) error {
	h.Publish(n)
	return nil
}

// ServeWS upgrades the request and streams userID's notifications until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket upgrade rejected", slog.String("origin", r.Header.Get("Origin")), slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	updates, cancel := h.Subscribe(userID)
	defer cancel()
	if err := stream(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, updates <-chan escrow.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeNotification(ctx, conn, n); err != nil {
				return err
			}
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n escrow.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
