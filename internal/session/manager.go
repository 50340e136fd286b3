// Package session tracks transcription sessions and fans their segments out
// to subscribers.
//
// The Manager owns three maps guarded by a single mutex: session records,
// running pipeline handles, and per-stream subscriber sets. Admission
// (existence plus capacity) is checked atomically under that mutex, so two
// concurrent starts for the same stream cannot both win. Fan-out never
// blocks the producing pipeline; slow subscribers lose segments instead.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecast/streamscribe/internal/observe"
	"github.com/pulsecast/streamscribe/pkg/types"
)

var (
	// ErrAlreadyExists is returned by Create when the stream already has a
	// live session.
	ErrAlreadyExists = errors.New("session already exists for stream")

	// ErrAtCapacity is returned by Create when the concurrent session limit
	// is reached.
	ErrAtCapacity = errors.New("maximum concurrent sessions reached")

	// ErrNotFound is returned when no session exists for the stream.
	ErrNotFound = errors.New("session not found")
)

// DefaultMaxSessions bounds concurrent sessions when no limit is configured.
const DefaultMaxSessions = 10

// Session is the record of one stream's transcription session. Values
// returned by the Manager are copies; mutate state through Manager methods
// only.
type Session struct {
	StreamID  string              `json:"stream_id"`
	SessionID string              `json:"session_id"`
	HLSURL    string              `json:"hls_url"`
	Status    types.SessionStatus `json:"status"`
	Options   types.StreamOptions `json:"options"`
	CreatedAt time.Time           `json:"created_at"`
	StoppedAt *time.Time          `json:"stopped_at,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// pipelineHandle lets the Manager stop a running pipeline and wait for it to
// drain.
type pipelineHandle struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Manager tracks sessions, their pipelines, and their subscribers. All
// methods are safe for concurrent use.
type Manager struct {
	maxSessions int

	mu          sync.Mutex
	sessions    map[string]*Session
	pipelines   map[string]pipelineHandle
	subscribers map[string]map[string]*Subscriber
}

// NewManager creates a Manager allowing up to maxSessions concurrent
// non-terminal sessions. maxSessions <= 0 selects DefaultMaxSessions.
func NewManager(maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		pipelines:   make(map[string]pipelineHandle),
		subscribers: make(map[string]map[string]*Subscriber),
	}
}

// Create registers a new pending session for the stream. The existence and
// capacity checks happen atomically with the registration. A terminal
// leftover session for the same stream is replaced.
func (m *Manager) Create(streamID, hlsURL string, opts types.StreamOptions) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[streamID]; ok && !existing.Status.Terminal() {
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyExists, streamID)
	}
	if m.liveCountLocked(streamID) >= m.maxSessions {
		return Session{}, fmt.Errorf("%w: limit %d", ErrAtCapacity, m.maxSessions)
	}

	s := &Session{
		StreamID:  streamID,
		SessionID: uuid.NewString(),
		HLSURL:    hlsURL,
		Status:    types.StatusPending,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	// Subscribers left over from a replaced terminal session would otherwise
	// never observe the end of their feed.
	if old := m.subscribers[streamID]; len(old) > 0 {
		for _, sub := range old {
			sub.close()
		}
		observe.DefaultMetrics().ActiveSubscribers.Add(context.Background(), -int64(len(old)))
	}

	m.sessions[streamID] = s
	m.subscribers[streamID] = make(map[string]*Subscriber)
	observe.DefaultMetrics().ActiveSessions.Add(context.Background(), 1)

	slog.Info("session created",
		"stream_id", streamID, "session_id", s.SessionID, "live_sessions", m.liveCountLocked(""))
	return *s, nil
}

// liveCountLocked counts non-terminal sessions, excluding streamID (which is
// about to be replaced). Must be called with m.mu held.
func (m *Manager) liveCountLocked(exclude string) int {
	n := 0
	for id, s := range m.sessions {
		if id == exclude {
			continue
		}
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}

// Get returns a copy of the stream's session record.
func (m *Manager) Get(streamID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[streamID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of every session record, ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetStatus advances the session's status. Transitions only move forward;
// an attempt to leave a terminal state or otherwise regress is rejected.
// Entering a terminal state records the stop time.
func (m *Manager) SetStatus(streamID string, status types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	if !s.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid status transition %s -> %s for stream %s", s.Status, status, streamID)
	}
	wasLive := !s.Status.Terminal()
	s.Status = status
	if status.Terminal() && s.StoppedAt == nil {
		now := time.Now().UTC()
		s.StoppedAt = &now
	}
	if wasLive && status.Terminal() {
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)
	}
	slog.Debug("session status changed", "stream_id", streamID, "status", status)
	return nil
}

// SetError moves the session to the error state and records the message.
func (m *Manager) SetError(streamID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	if !s.Status.CanTransitionTo(types.StatusError) {
		return fmt.Errorf("invalid status transition %s -> %s for stream %s", s.Status, types.StatusError, streamID)
	}
	wasLive := !s.Status.Terminal()
	s.Status = types.StatusError
	s.Error = msg
	if s.StoppedAt == nil {
		now := time.Now().UTC()
		s.StoppedAt = &now
	}
	if wasLive {
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)
	}
	slog.Warn("session failed", "stream_id", streamID, "err", msg)
	return nil
}

// AttachPipeline associates a running pipeline with the session so Remove
// can cancel it and wait for it to drain.
func (m *Manager) AttachPipeline(streamID string, cancel context.CancelFunc, done <-chan struct{}) {
	m.mu.Lock()
	m.pipelines[streamID] = pipelineHandle{cancel: cancel, done: done}
	m.mu.Unlock()
}

// Remove tears down the stream's session: the pipeline is cancelled and
// awaited, subscriber channels are closed, and all records are dropped.
// Removing an unknown stream is a no-op.
func (m *Manager) Remove(ctx context.Context, streamID string) {
	m.mu.Lock()
	sess, known := m.sessions[streamID]
	handle, hasPipeline := m.pipelines[streamID]
	subs := m.subscribers[streamID]
	delete(m.sessions, streamID)
	delete(m.pipelines, streamID)
	delete(m.subscribers, streamID)
	m.mu.Unlock()

	if !known {
		return
	}
	if !sess.Status.Terminal() {
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)
	}

	if hasPipeline {
		handle.cancel()
		select {
		case <-handle.done:
		case <-ctx.Done():
			slog.Warn("gave up waiting for pipeline shutdown", "stream_id", streamID)
		}
	}
	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		observe.DefaultMetrics().ActiveSubscribers.Add(context.Background(), -int64(len(subs)))
	}
	slog.Info("session removed", "stream_id", streamID, "subscribers_closed", len(subs))
}

// Subscribe registers a new subscriber on the stream's segment feed.
func (m *Manager) Subscribe(streamID string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[streamID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	sub := newSubscriber(uuid.NewString(), streamID)
	m.subscribers[streamID][sub.id] = sub
	observe.DefaultMetrics().ActiveSubscribers.Add(context.Background(), 1)
	slog.Debug("subscriber registered", "stream_id", streamID, "subscriber_id", sub.id)
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel. Unknown
// subscribers are ignored.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	set, ok := m.subscribers[sub.streamID]
	_, present := set[sub.id]
	if ok && present {
		delete(set, sub.id)
	}
	m.mu.Unlock()
	if present {
		observe.DefaultMetrics().ActiveSubscribers.Add(context.Background(), -1)
	}
	sub.close()
}

// Broadcast delivers seg to every subscriber of the stream. Delivery is
// non-blocking; subscribers with full queues drop the segment.
func (m *Manager) Broadcast(streamID string, seg types.Segment) {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subscribers[streamID]))
	for _, sub := range m.subscribers[streamID] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if !sub.deliver(seg) {
			observe.DefaultMetrics().SegmentsDropped.Add(context.Background(), 1)
			slog.Debug("segment dropped for slow subscriber",
				"stream_id", streamID, "subscriber_id", sub.id, "dropped_total", sub.Dropped())
		}
	}
}

// SubscriberCount returns the number of subscribers attached to the stream.
func (m *Manager) SubscriberCount(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[streamID])
}

// LiveCount returns the number of non-terminal sessions.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked("")
}

// Shutdown removes every session, cancelling pipelines and closing
// subscriber channels. It waits for each pipeline up to the context
// deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(ctx, id)
	}
}
