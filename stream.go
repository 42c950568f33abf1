package distil

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies one kind of progress event.
type EventType string

// Event types emitted over a Stream, in rough lifecycle order.
const (
	EventStart           EventType = "start"
	EventCacheHit        EventType = "cache.hit"
	EventCacheMiss       EventType = "cache.miss"
	EventCacheSet        EventType = "cache.set"
	EventTurnStart       EventType = "turn.start"
	EventText            EventType = "text"
	EventThinking        EventType = "thinking"
	EventToolCall        EventType = "tool.call"
	EventValidationStart EventType = "validation.start"
	EventValidationPass  EventType = "validation.pass"
	EventValidationFail  EventType = "validation.fail"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
	EventWarning         EventType = "warning"
)

// Event is one entry in the progress stream.
type Event struct {
	Type     EventType
	Time     time.Time
	Sequence uint64 // monotonic within a run, starting at 1
	RunID    string
	Turn     int     // 1-based turn index; 0 outside turns
	Layer    string  // validation layer name for validation.* events
	Text     string  // delta text for text/thinking events
	Message  string  // human-readable detail (cache key, failure reason, warning)
	Result   *Result // terminal payload on complete
	Err      error   // terminal error on error events
}

// Stream is an append-only log of extraction progress events. The extraction
// goroutine pushes events; callers may iterate them lazily via Events, and a
// terminal complete or error event closes the log. Callers that only need the
// outcome can call Result without ever consuming events.
type Stream struct {
	runID string

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	seq    uint64
	done   bool
	result *Result
	err    error
}

func newStream() *Stream {
	s := &Stream{runID: uuid.NewString()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RunID returns the unique identifier stamped on every event of this run.
func (s *Stream) RunID() string { return s.runID }

// emit appends one event to the log. No-op once the stream is terminal.
func (s *Stream) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.append(ev)
}

// append stamps and stores ev. Caller holds s.mu.
func (s *Stream) append(ev Event) {
	s.seq++
	ev.Sequence = s.seq
	ev.Time = time.Now()
	ev.RunID = s.runID
	s.events = append(s.events, ev)
	s.cond.Broadcast()
}

// complete records the terminal success event and closes the stream.
func (s *Stream) complete(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.append(Event{Type: EventComplete, Turn: res.Turns, Result: res})
	s.result = res
	s.done = true
	s.cond.Broadcast()
}

// fail records the terminal error event and closes the stream.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.append(Event{Type: EventError, Message: err.Error(), Err: err})
	s.err = err
	s.done = true
	s.cond.Broadcast()
}

// Events returns an iterator over the run's events from the beginning, blocking
// for new events until the stream reaches a terminal state. Iterating again
// replays the full log; multiple consumers are independent.
func (s *Stream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for i := 0; ; i++ {
			s.mu.Lock()
			for i >= len(s.events) && !s.done {
				s.cond.Wait()
			}
			if i >= len(s.events) {
				s.mu.Unlock()
				return
			}
			ev := s.events[i]
			s.mu.Unlock()
			if !yield(ev) {
				return
			}
		}
	}
}

// Result blocks until the stream reaches a terminal state and returns the
// success payload or the terminal error. ctx aborts only the wait; cancelling
// the extraction itself happens through the context passed to Stream/Extract.
func (s *Stream) Result(ctx context.Context) (*Result, error) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !s.done {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
