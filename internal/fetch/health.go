package fetch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"torrentstream/mediaengine/internal/metrics"
)

const (
	sourceFailureThreshold = 3
	sourceBlockBase        = 2 * time.Minute
	sourceBlockMax         = 15 * time.Minute
)

// SourceHealth is a diagnostic snapshot of one source across sessions.
type SourceHealth struct {
	SourceID            string     `json:"sourceId"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs"`
	LastTimeout         bool       `json:"lastTimeout"`
	TotalRequests       int64      `json:"totalRequests"`
	TotalFailures       int64      `json:"totalFailures"`
}

type sourceHealth struct {
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	totalRequests       int64
	totalFailures       int64
}

type healthTracker struct {
	mu    sync.Mutex
	state map[string]*sourceHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{state: make(map[string]*sourceHealth)}
}

func (h *healthTracker) blocked(sourceID string, now time.Time) (bool, time.Time, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.state[sourceID]
	if state == nil {
		return false, time.Time{}, ""
	}
	if state.blockedUntil.IsZero() || now.After(state.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, state.blockedUntil, state.lastError
}

// record stores the outcome of one pipeline. Cancelled and downstream
// outcomes say nothing about the source and are not counted as failures.
func (h *healthTracker) record(sourceID string, err error, latency time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.state[sourceID]
	if state == nil {
		state = &sourceHealth{}
		h.state[sourceID] = state
	}
	state.totalRequests++
	if latency > 0 {
		state.lastLatency = latency
		metrics.SourceDuration.WithLabelValues(sourceID).Observe(latency.Seconds())
	}
	state.lastTimeout = isTimeoutLikeError(err)

	if err != nil && !isUpstreamError(err) {
		return
	}
	if err == nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastSuccessAt = now
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()

	if state.consecutiveFailures >= sourceFailureThreshold {
		state.blockedUntil = now.Add(exponentialBlockDuration(state.consecutiveFailures))
	}
}

// reset forgets the failure streak, used when a user explicitly retries.
func (h *healthTracker) reset(sourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state := h.state[sourceID]; state != nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
	}
}

func (h *healthTracker) snapshot(sourceIDs []string) []SourceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	items := make([]SourceHealth, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		item := SourceHealth{SourceID: id}
		if state := h.state[id]; state != nil {
			item.ConsecutiveFailures = state.consecutiveFailures
			if !state.blockedUntil.IsZero() {
				blockedUntil := state.blockedUntil
				item.BlockedUntil = &blockedUntil
			}
			item.LastError = state.lastError
			if !state.lastSuccessAt.IsZero() {
				lastSuccessAt := state.lastSuccessAt
				item.LastSuccessAt = &lastSuccessAt
			}
			if !state.lastFailureAt.IsZero() {
				lastFailureAt := state.lastFailureAt
				item.LastFailureAt = &lastFailureAt
			}
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.LastTimeout = state.lastTimeout
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].SourceID < items[j].SourceID
	})
	return items
}

// exponentialBlockDuration calculates how long to block a source based on
// consecutive failures: base × 2^(failures - threshold), capped at 15min.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := consecutiveFailures - sourceFailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := sourceBlockBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > sourceBlockMax {
			return sourceBlockMax
		}
	}
	return d
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}
