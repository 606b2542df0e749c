package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// feedPingInterval is how often the server sends WebSocket ping frames.
	feedPingInterval = 30 * time.Second
	// feedPongWait is the maximum time to wait for a pong from the peer.
	feedPongWait = 60 * time.Second
	// feedSendBuffer is the per-subscriber outbound queue. Slow consumers
	// that fall behind are disconnected rather than blocking the hub.
	feedSendBuffer = 16
)

// feedEvent is one group activity item pushed to subscribers.
type feedEvent struct {
	Type        string    `json:"type"`
	GroupID     string    `json:"group_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Category    string    `json:"category,omitempty"`
	LoggedAt    time.Time `json:"logged_at"`
}

type feedSubscriber struct {
	groups map[string]bool
	send   chan feedEvent
}

// feed fans group activity events out to WebSocket subscribers.
type feed struct {
	mu     sync.Mutex
	subs   map[*feedSubscriber]bool
	events chan feedEvent
	logger *slog.Logger
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{
		subs:   make(map[*feedSubscriber]bool),
		events: make(chan feedEvent, 64),
		logger: logger.With("component", "feed"),
	}
}

// start runs the fan-out loop until the context is canceled.
func (f *feed) start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				f.mu.Lock()
				for sub := range f.subs {
					if !sub.groups[ev.GroupID] {
						continue
					}
					select {
					case sub.send <- ev:
					default:
						// Queue full: drop the subscriber, the client
						// reconnects and catches up over HTTP.
						delete(f.subs, sub)
						close(sub.send)
					}
				}
				f.mu.Unlock()
			}
		}
	}()
}

// publish queues an event for fan-out. Non-blocking; events are dropped when
// the hub is saturated since the feed is advisory.
func (f *feed) publish(groupID string, ev feedEvent) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("feed queue full, event dropped", "group_id", groupID)
	}
}

func (f *feed) subscribe(groupIDs []string) *feedSubscriber {
	groups := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = true
	}
	sub := &feedSubscriber{groups: groups, send: make(chan feedEvent, feedSendBuffer)}
	f.mu.Lock()
	f.subs[sub] = true
	f.mu.Unlock()
	return sub
}

func (f *feed) unsubscribe(sub *feedSubscriber) {
	f.mu.Lock()
	if f.subs[sub] {
		delete(f.subs, sub)
		close(sub.send)
	}
	f.mu.Unlock()
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // auth is by token
}

// handleFeedWS upgrades to WebSocket and streams activity for the user's
// groups. Auth is a ?token= query parameter since browsers cannot set headers
// on WebSocket requests.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := s.authProvider.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	userID := identity.UserID
	if identity.External {
		p, err := s.store.GetProfileByExternalID(r.Context(), identity.UserID)
		if err != nil || p == nil {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		userID = p.ID
	}

	groups, err := s.store.ListGroupsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}
	groupIDs := make([]string, len(groups))
	for i, g := range groups {
		groupIDs[i] = g.ID
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.feed.subscribe(groupIDs)
	defer s.feed.unsubscribe(sub)

	var writeMu sync.Mutex
	cancel := startWSKeepalive(conn, &writeMu)
	defer cancel()

	// Reader goroutine: consumes control frames and detects disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.send:
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(ev)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine.
// The provided mutex must be the same one used for all writes to the connection.
func startWSKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
