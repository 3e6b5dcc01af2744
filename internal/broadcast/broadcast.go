// Package broadcast is the in-process receiver of conversation output.
// It keeps a bounded transcript per session and republishes every turn
// on the event bus, where sinks such as MQTT pick it up. Nothing here
// blocks the caller: the bus drops events for slow subscribers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/steward/internal/events"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleScheduled = "scheduled"
	RoleSystem    = "system"
)

// DefaultHistoryLimit is the number of turns kept per session.
const DefaultHistoryLimit = 200

// Turn is one transcript entry.
type Turn struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Time      time.Time `json:"ts"`
}

// Options configures a Hub.
type Options struct {
	HistoryLimit int
	Bus          *events.Bus
	Logger       *slog.Logger
	Now          func() time.Time
}

// Hub records transcripts and fans them out.
type Hub struct {
	limit  int
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]Turn
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		limit:   opts.HistoryLimit,
		bus:     opts.Bus,
		logger:  opts.Logger,
		now:     opts.Now,
		history: make(map[string][]Turn),
	}
}

// BroadcastScheduled records a scheduled message and the reply it got.
func (h *Hub) BroadcastScheduled(ctx context.Context, sessionID, message, response string) {
	h.RecordTurn(ctx, sessionID, RoleScheduled, message)
	h.RecordTurn(ctx, sessionID, RoleAssistant, response)
	h.bus.Emit(events.SourceBroadcast, events.KindScheduledExchange, map[string]any{
		"session_id": sessionID,
		"message":    message,
		"response":   response,
	})
}

// RecordTurn appends a turn to the session transcript and publishes it.
func (h *Hub) RecordTurn(_ context.Context, sessionID, role, text string) {
	turn := Turn{SessionID: sessionID, Role: role, Text: text, Time: h.now()}

	h.mu.Lock()
	turns := append(h.history[sessionID], turn)
	if over := len(turns) - h.limit; over > 0 {
		turns = append(turns[:0:0], turns[over:]...)
	}
	h.history[sessionID] = turns
	h.mu.Unlock()

	h.logger.Debug("turn recorded",
		"session", sessionID,
		"role", role,
		"chars", len(text),
	)
	h.bus.Emit(events.SourceBroadcast, events.KindTurn, map[string]any{
		"session_id": sessionID,
		"role":       role,
		"text":       text,
	})
}

// History returns a copy of a session's transcript, oldest first.
func (h *Hub) History(sessionID string) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.history[sessionID]...)
}

// Forget drops a session's transcript.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.history, sessionID)
	h.mu.Unlock()
}
