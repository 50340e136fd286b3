package session

import (
	"sync"
	"sync/atomic"

	"github.com/pulsecast/streamscribe/pkg/types"
)

// subscriberQueueDepth bounds each subscriber's segment queue. A consumer
// that falls further behind than this loses segments rather than slowing the
// producing pipeline.
const subscriberQueueDepth = 64

// Subscriber is one consumer's handle on a stream's segment feed. Segments
// are delivered on a bounded queue with a drop-new policy: when the queue is
// full the incoming segment is discarded and counted, never blocking the
// pipeline.
type Subscriber struct {
	id       string
	streamID string

	// mu makes close and deliver mutually exclusive; a broadcast that
	// snapshotted this subscriber before it was unregistered must never send
	// on the closed channel.
	mu     sync.Mutex
	ch     chan types.Segment
	closed bool

	dropped atomic.Int64
}

func newSubscriber(id, streamID string) *Subscriber {
	return &Subscriber{
		id:       id,
		streamID: streamID,
		ch:       make(chan types.Segment, subscriberQueueDepth),
	}
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// StreamID returns the stream this subscriber is attached to.
func (s *Subscriber) StreamID() string { return s.streamID }

// Segments returns the receive channel. It is closed when the subscriber is
// unregistered or the stream's session is removed.
func (s *Subscriber) Segments() <-chan types.Segment { return s.ch }

// Dropped returns how many segments were discarded because the queue was
// full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// deliver enqueues seg without blocking. It reports whether the segment was
// accepted. Delivering to a closed subscriber is a no-op.
func (s *Subscriber) deliver(seg types.Segment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- seg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close closes the segment channel. Idempotent, and safe to call while a
// broadcast is delivering.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
