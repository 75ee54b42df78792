package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/violation.report/internal/vision"
)

// ErrSessionActive is returned by Start when a session for the same source
// is already running. The existing handle is returned alongside it so the
// caller can attach instead of racing a second worker on the same state.
var ErrSessionActive = errors.New("session already active for this source")

// Session is one running (or finished) processing worker. Its mutable
// pipeline state is owned exclusively by that worker; the fields here are
// safe to read from other goroutines.
type Session struct {
	ID   string
	Name string

	cancel   context.CancelFunc
	pipeline *Pipeline

	progress  atomic.Int64
	lastStats atomic.Value // vision.TrackerStats
	done      chan struct{}

	mu     sync.Mutex
	result Completion
}

// Stop signals the worker to stop at the next frame boundary. The flush
// step still runs before the session completes.
func (s *Session) Stop() {
	s.cancel()
}

// Done is closed once the worker has finished, flush included.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Finished reports whether the worker has completed.
func (s *Session) Finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result returns the completion summary; zero value until Finished.
func (s *Session) Result() Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Status is the registry's view of a session for listing endpoints.
type Status struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Active   bool                `json:"active"`
	Progress int                 `json:"progress"`
	Stats    vision.TrackerStats `json:"stats"`
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() Status {
	st := Status{
		ID:       s.ID,
		Name:     s.Name,
		Active:   !s.Finished(),
		Progress: int(s.progress.Load()),
	}
	if s.Finished() {
		st.Stats = s.Result().Stats
	} else if stats, ok := s.lastStats.Load().(vision.TrackerStats); ok {
		st.Stats = stats
	}
	return st
}

// sessionObserver fans events to the shared observer while keeping the
// session's progress counter current.
type sessionObserver struct {
	session *Session
	next    Observer
}

func (o sessionObserver) PublishFrame(update FrameUpdate) {
	o.session.progress.Store(int64(update.Progress))
	o.session.lastStats.Store(update.Stats)
	o.next.PublishFrame(update)
}

func (o sessionObserver) PublishViolation(sessionID string, rec *vision.ViolationRecord) {
	o.next.PublishViolation(sessionID, rec)
}

func (o sessionObserver) PublishComplete(done Completion) {
	o.next.PublishComplete(done)
}

// SinkProvider returns the persistence collaborator for a session ID, so
// every session's records are stored under its own key. May return nil to
// disable persistence.
type SinkProvider func(sessionID string) vision.PersistenceSink

// Manager is the session registry. The mutex covers registration and lookup
// only; per-frame state is never shared across goroutines.
type Manager struct {
	plates      PlateReader
	evidence    vision.EvidenceSink
	persistence SinkProvider
	observer    Observer

	mu       sync.Mutex
	sessions map[string]*Session
	group    errgroup.Group
}

// NewManager creates a registry sharing the given collaborators across
// sessions. Any collaborator may be nil.
func NewManager(plates PlateReader, evidence vision.EvidenceSink, persistence SinkProvider, observer Observer) *Manager {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Manager{
		plates:      plates,
		evidence:    evidence,
		persistence: persistence,
		observer:    observer,
		sessions:    make(map[string]*Session),
	}
}

// SessionKey derives the stable session ID for a source identity.
func SessionKey(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// Start launches a worker for the named source. If a session for the same
// source is active the existing handle is returned with ErrSessionActive;
// a finished session for the same key is replaced.
func (m *Manager) Start(ctx context.Context, name string, source FrameSource, config Config) (*Session, error) {
	id := SessionKey(name)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok && !existing.Finished() {
		m.mu.Unlock()
		return existing, ErrSessionActive
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:     id,
		Name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	var sink vision.PersistenceSink
	if m.persistence != nil {
		sink = m.persistence(id)
	}
	s.pipeline = NewPipeline(id, source.FPS(), config, m.plates, m.evidence, sink,
		sessionObserver{session: s, next: m.observer})
	m.sessions[id] = s
	m.mu.Unlock()

	vision.Opsf("session %s started for %q", id, name)
	m.group.Go(func() error {
		defer close(s.done)
		defer cancel()
		result, err := s.pipeline.Run(ctx, source)
		s.mu.Lock()
		s.result = result
		s.mu.Unlock()
		vision.Opsf("session %s finished: %d frames, %d vehicles, %d violations",
			id, result.FramesProcessed, result.Stats.TotalUniqueVehicles, result.Stats.TotalViolations)
		return err
	})

	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stop cancels the session with the given ID; false when unknown.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	return true
}

// List returns a status snapshot for every known session, ordered by name.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	statuses := make([]Status, len(sessions))
	for i, s := range sessions {
		statuses[i] = s.Status()
	}
	return statuses
}

// Wait blocks until every started worker has finished.
func (m *Manager) Wait() error {
	return m.group.Wait()
}
