// Package monitor watches replies to scheduled tasks and nudges the
// backend with a short continuation prompt when a reply stops without
// performing an action. Nudges form a bounded chain per firing.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nugget/steward/internal/config"
)

// Turn roles recorded for continuation chains.
const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
)

// Sender re-enters a session with a follow-up message.
type Sender interface {
	Send(ctx context.Context, sessionID, message string) (string, error)
}

// Recorder receives the synthetic prompt and each reply so observers
// can see the chain as conversation turns.
type Recorder interface {
	RecordTurn(ctx context.Context, sessionID, role, text string)
}

// Policy decides when a reply needs a nudge.
type Policy struct {
	// MinResponseLength skips replies shorter than this many
	// characters after trimming.
	MinResponseLength int
	// MaxAutoPrompts caps continuations per scheduled firing.
	MaxAutoPrompts int
	// Prompt is the continuation text sent to the backend.
	Prompt string
	// ActionMarker prefixes an action line, e.g. "/tool".
	ActionMarker string
	// FailureKeywords mark an action line as failed when found on it
	// or on the line after it. Matching is case-insensitive.
	FailureKeywords []string
}

// PolicyFromConfig converts the monitoring config section.
func PolicyFromConfig(c config.MonitoringConfig) Policy {
	return Policy{
		MinResponseLength: c.MinResponseLength,
		MaxAutoPrompts:    c.MaxAutoPrompts,
		Prompt:            c.Prompt,
		ActionMarker:      c.ActionMarker,
		FailureKeywords:   c.FailureKeywords,
	}
}

// HasSuccessfulAction reports whether response contains an action line
// that was not followed by a failure. A line counts when, after
// trimming, it begins with the marker and neither it nor the next line
// contains a failure keyword.
func (p Policy) HasSuccessfulAction(response string) bool {
	if p.ActionMarker == "" || response == "" {
		return false
	}
	lines := strings.Split(response, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), p.ActionMarker) {
			continue
		}
		if p.mentionsFailure(line) {
			continue
		}
		if i+1 < len(lines) && p.mentionsFailure(lines[i+1]) {
			continue
		}
		return true
	}
	return false
}

func (p Policy) mentionsFailure(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range p.FailureKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// needsContinuation applies the policy without the global switch.
func (p Policy) needsContinuation(response string) bool {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" || utf8.RuneCountInString(trimmed) < p.MinResponseLength {
		return false
	}
	return !p.HasSuccessfulAction(response)
}

// TaskKey identifies one scheduled task's chain: the session id plus a
// short digest of the task message.
func TaskKey(sessionID, taskMessage string) string {
	sum := sha256.Sum256([]byte(taskMessage))
	return sessionID + ":" + hex.EncodeToString(sum[:])[:8]
}

// Stats is a snapshot of monitor state.
type Stats struct {
	Enabled            bool           `json:"monitoring_enabled"`
	MonitoredSessions  []string       `json:"monitored_sessions"`
	DisabledSessions   []string       `json:"disabled_sessions"`
	SessionCount       int            `json:"session_count"`
	MaxAutoPrompts     int            `json:"max_auto_prompts"`
	Counters           map[string]int `json:"counters"`
	ContinuationsSent  int            `json:"continuations_sent"`
	ChainsCapped       int            `json:"chains_capped"`
	ContinuationErrors int            `json:"continuation_errors"`
}

// Monitor runs continuation chains. It is safe for concurrent use.
type Monitor struct {
	policy   Policy
	sender   Sender
	recorder Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	global   bool
	sessions map[string]bool // explicit per-session switch; absent means enabled
	counts   map[string]int
	sent     int
	capped   int
	errors   int
}

// New creates a Monitor. recorder may be nil.
func New(policy Policy, enabled bool, sender Sender, recorder Recorder, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		policy:   policy,
		sender:   sender,
		recorder: recorder,
		logger:   logger,
		global:   enabled,
		sessions: make(map[string]bool),
		counts:   make(map[string]int),
	}
}

// SetGlobal turns monitoring on or off for every session.
func (m *Monitor) SetGlobal(enabled bool) {
	m.mu.Lock()
	m.global = enabled
	m.mu.Unlock()
	m.logger.Info("global monitoring changed", "enabled", enabled)
}

// EnableSession turns monitoring on for one session.
func (m *Monitor) EnableSession(sessionID string) {
	m.setSession(sessionID, true)
}

// DisableSession turns monitoring off for one session.
func (m *Monitor) DisableSession(sessionID string) {
	m.setSession(sessionID, false)
}

func (m *Monitor) setSession(sessionID string, on bool) {
	m.mu.Lock()
	m.sessions[sessionID] = on
	m.mu.Unlock()
	m.logger.Info("session monitoring changed", "session", sessionID, "enabled", on)
}

// Forget drops all state for a closed session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	prefix := sessionID + ":"
	for k := range m.counts {
		if strings.HasPrefix(k, prefix) {
			delete(m.counts, k)
		}
	}
}

// Enabled reports whether replies on sessionID are being monitored.
func (m *Monitor) Enabled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	on, ok := m.sessions[sessionID]
	return m.global && (!ok || on)
}

// NeedsContinuation reports whether response looks like an unfinished
// turn: monitoring is on globally, the reply is long enough, and it has
// no successful action line.
func (m *Monitor) NeedsContinuation(response string) bool {
	m.mu.Lock()
	global := m.global
	m.mu.Unlock()
	return global && m.policy.needsContinuation(response)
}

// Monitor inspects the reply to a scheduled firing and, while the reply
// needs continuation, sends the policy prompt through the same session
// and inspects the new reply. Each call sends at most MaxAutoPrompts
// continuations, however many firings of the same task overlap. It
// returns the number of continuations sent.
func (m *Monitor) Monitor(ctx context.Context, sessionID, taskMessage, response string) int {
	if !m.Enabled(sessionID) {
		return 0
	}

	key := TaskKey(sessionID, taskMessage)
	m.mu.Lock()
	delete(m.counts, key)
	m.mu.Unlock()

	limit := m.policy.MaxAutoPrompts
	sent := 0
	for m.NeedsContinuation(response) {
		if sent >= limit {
			m.mu.Lock()
			m.capped++
			m.mu.Unlock()
			m.logger.Info("max auto-prompts reached",
				"session", sessionID,
				"task", key,
				"max", limit,
			)
			break
		}
		n := sent + 1

		m.logger.Info("injecting continuation prompt",
			"session", sessionID,
			"task", key,
			"attempt", n,
			"max", limit,
		)
		m.record(ctx, sessionID, RoleSystem, fmt.Sprintf("[AUTO] %s (%d/%d)", m.policy.Prompt, n, limit))

		reply, err := m.sender.Send(ctx, sessionID, m.policy.Prompt)
		if err != nil {
			m.mu.Lock()
			m.errors++
			m.mu.Unlock()
			m.logger.Error("continuation send failed", "session", sessionID, "error", err)
			break
		}
		sent++
		m.count(key)
		m.record(ctx, sessionID, RoleAssistant, reply)
		response = reply
	}
	return sent
}

// count records a sent continuation for stats. The per-task counter
// reflects the most recent chain for that task.
func (m *Monitor) count(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.sent++
	m.mu.Unlock()
}

func (m *Monitor) record(ctx context.Context, sessionID, role, text string) {
	if m.recorder != nil {
		m.recorder.RecordTurn(ctx, sessionID, role, text)
	}
}

// Stats returns a snapshot of monitor state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Enabled:            m.global,
		MonitoredSessions:  []string{},
		DisabledSessions:   []string{},
		MaxAutoPrompts:     m.policy.MaxAutoPrompts,
		Counters:           make(map[string]int, len(m.counts)),
		ContinuationsSent:  m.sent,
		ChainsCapped:       m.capped,
		ContinuationErrors: m.errors,
	}
	for id, on := range m.sessions {
		if on {
			st.MonitoredSessions = append(st.MonitoredSessions, id)
		} else {
			st.DisabledSessions = append(st.DisabledSessions, id)
		}
	}
	sort.Strings(st.MonitoredSessions)
	sort.Strings(st.DisabledSessions)
	st.SessionCount = len(st.MonitoredSessions)
	for k, v := range m.counts {
		st.Counters[k] = v
	}
	return st
}
