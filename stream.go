package crest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// StreamConfig configures the streaming API.
type StreamConfig struct {
	// BufferSize is the channel buffer size per subscription
	BufferSize int
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default streaming configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
	}
}

// StreamEventType labels the payload of a StreamEvent.
type StreamEventType string

const (
	// EventFinding carries one anomaly finding.
	EventFinding StreamEventType = "finding"
	// EventSignal announces a completed signal with its statistics.
	EventSignal StreamEventType = "signal"
	// EventRun announces a completed run.
	EventRun StreamEventType = "run"
)

// StreamEvent is published while a run progresses.
type StreamEvent struct {
	Type       StreamEventType    `json:"type"`
	RunID      string             `json:"run_id"`
	Signal     string             `json:"signal,omitempty"`
	Finding    *AnomalyFinding    `json:"finding,omitempty"`
	Statistics *AnomalyStatistics `json:"statistics,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Subscription represents an active stream subscription.
type Subscription struct {
	ID      string
	Signals []string
	ch      chan StreamEvent
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
	created time.Time
}

// C returns the channel for receiving events.
func (s *Subscription) C() <-chan StreamEvent {
	return s.ch
}

// Close closes the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// StreamHub fans analysis events out to subscribers.
type StreamHub struct {
	config StreamConfig
	mu     sync.RWMutex
	subs   map[string]*Subscription
}

// NewStreamHub creates a new streaming hub.
func NewStreamHub(cfg StreamConfig) *StreamHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &StreamHub{
		config: cfg,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe creates a subscription. An empty signal list receives events for
// every signal.
func (h *StreamHub) Subscribe(signals []string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Signals: signals,
		ch:      make(chan StreamEvent, h.config.BufferSize),
		done:    make(chan struct{}),
		created: time.Now(),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *StreamHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish sends an event to all matching subscriptions. Slow subscribers
// with a full buffer miss the event.
func (h *StreamHub) Publish(ev StreamEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event
		}
	}
}

// matches checks if an event passes a subscription's signal filter. Run
// events always pass.
func (s *Subscription) matches(ev StreamEvent) bool {
	if len(s.Signals) == 0 || ev.Type == EventRun {
		return true
	}
	for _, name := range s.Signals {
		if name == ev.Signal {
			return true
		}
	}
	return false
}

// Count returns the number of active subscriptions.
func (h *StreamHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close terminates every subscription.
func (h *StreamHub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// WebSocket handling

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON format for WebSocket messages.
type StreamMessage struct {
	Type    string       `json:"type"`
	Signals []string     `json:"signals,omitempty"`
	Event   *StreamEvent `json:"event,omitempty"`
	SubID   string       `json:"sub_id,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// WebSocketHandler returns an HTTP handler for WebSocket connections.
func (h *StreamHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		connSubs := make(map[string]*Subscription)
		var connMu sync.Mutex

		// Read commands from client
		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd StreamMessage
				if err := json.Unmarshal(msg, &cmd); err != nil {
					h.sendError(conn, "invalid message format")
					continue
				}

				switch cmd.Type {
				case "subscribe":
					sub := h.Subscribe(cmd.Signals)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					resp, _ := json.Marshal(StreamMessage{
						Type:  "subscribed",
						SubID: sub.ID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

					go h.forwardEvents(ctx, conn, sub)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					resp, _ := json.Marshal(StreamMessage{
						Type:  "unsubscribed",
						SubID: cmd.SubID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

				default:
					h.sendError(conn, "unknown command: "+cmd.Type)
				}
			}
		}()

		<-ctx.Done()

		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func (h *StreamHub) forwardEvents(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			msg, _ := json.Marshal(StreamMessage{
				Type:  "event",
				SubID: sub.ID,
				Event: &ev,
			})
			if h.config.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (h *StreamHub) sendError(conn *websocket.Conn, msg string) {
	resp, _ := json.Marshal(StreamMessage{
		Type:  "error",
		Error: msg,
	})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}
