package session

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/violation.report/internal/vision"
)

// DefaultPersistQueueSize bounds the async persistence queue.
const DefaultPersistQueueSize = 64

// violationSink decouples violation persistence from frame processing: the
// coordinator enqueues finalized records and a single writer goroutine
// drains them, so a slow store never stalls the tracker. When the queue is
// full the record is dropped with an ops log line rather than blocking.
type violationSink struct {
	sessionID string
	store     vision.PersistenceSink
	observer  Observer

	queue chan *vision.ViolationRecord
	wg    sync.WaitGroup

	errCount  atomic.Int64
	dropCount atomic.Int64
	closed    bool
}

func newViolationSink(sessionID string, store vision.PersistenceSink, observer Observer, queueSize int) *violationSink {
	if queueSize <= 0 {
		queueSize = DefaultPersistQueueSize
	}
	s := &violationSink{
		sessionID: sessionID,
		store:     store,
		observer:  observer,
		queue:     make(chan *vision.ViolationRecord, queueSize),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// PersistViolation enqueues a finalized record. It never blocks and never
// returns an error to the frame loop; store failures surface through
// Errors() and the ops log.
func (s *violationSink) PersistViolation(rec *vision.ViolationRecord) error {
	s.observer.PublishViolation(s.sessionID, rec)

	select {
	case s.queue <- rec:
	default:
		s.dropCount.Add(1)
		vision.Opsf("session %s persistence queue full, dropping %s for track %d",
			s.sessionID, rec.Type, rec.TrackID)
	}
	return nil
}

func (s *violationSink) drain() {
	defer s.wg.Done()
	for rec := range s.queue {
		if s.store == nil {
			continue
		}
		if err := s.store.PersistViolation(rec); err != nil {
			// At-most-once: count and move on, never retry.
			s.errCount.Add(1)
			vision.Opsf("session %s persist failed for track %d: %v", s.sessionID, rec.TrackID, err)
		}
	}
}

// Close waits for the queue to drain. Safe to call once, after the final
// flush has enqueued everything.
func (s *violationSink) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
	s.wg.Wait()
}

// Errors returns the count of failed persist attempts so far.
func (s *violationSink) Errors() int64 {
	return s.errCount.Load()
}
