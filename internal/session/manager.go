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

	"vampire-server/internal/history"
	"vampire-server/internal/metrics"
	"vampire-server/internal/proof"
	"vampire-server/internal/prover"
)

const (
	defaultMaxSessions      = 16
	defaultBacklogSize      = 256
	defaultSubscriberBufCap = 64
	recordTimeout           = 5 * time.Second
)

// DefaultID names the session that exists for the whole server lifetime.
const DefaultID = "default"

var (
	ErrNotFound    = errors.New("session not found")
	ErrMaxSessions = errors.New("maximum session limit reached")
)

// Invocation modes, used for metrics and history.
const (
	ModeStart            = "start"
	ModeStartInteractive = "start_interactive"
	ModeSelect           = "select"
)

// Recorder stores one row per prover invocation.
type Recorder interface {
	Record(ctx context.Context, run history.Run) (int64, error)
}

// Config configures a Manager.
type Config struct {
	MaxSessions int
	EventBuffer int
	Parser      *proof.Parser
	Recorder    Recorder
	Logger      *slog.Logger
}

// Manager owns the sessions of the server.
type Manager struct {
	adapter     prover.Adapter
	parser      *proof.Parser
	recorder    Recorder
	log         *slog.Logger
	maxSessions int
	eventBuffer int

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

type managedSession struct {
	session *Session

	// subMu guards the backlog together with the subscribers so an event
	// is either in a new subscriber's backlog or on its channel, never both.
	subMu       sync.Mutex
	backlog     *backlog
	subscribers map[string]chan Event
}

// NewManager creates a manager with the default session already in place.
func NewManager(adapter prover.Adapter, cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultBacklogSize
	}
	if cfg.Parser == nil {
		cfg.Parser = proof.NewParser()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		adapter:     adapter,
		parser:      cfg.Parser,
		recorder:    cfg.Recorder,
		log:         cfg.Logger.With("component", "session"),
		maxSessions: cfg.MaxSessions,
		eventBuffer: cfg.EventBuffer,
		sessions:    make(map[string]*managedSession),
	}
	m.add(DefaultID)
	m.updateGauge()
	return m
}

func (m *Manager) add(id string) *managedSession {
	ms := &managedSession{
		session:     New(id, m.adapter, m.parser, m.log),
		backlog:     newBacklog(m.eventBuffer),
		subscribers: make(map[string]chan Event),
	}
	ms.session.notify = func(ev Event) {
		ms.publish(ev)
		m.updateGauge()
	}
	m.sessions[id] = ms
	return ms
}

// Create adds a new idle session.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}
	ms := m.add(uuid.New().String())
	m.mu.Unlock()

	m.updateGauge()
	m.log.Info("session created", "session_id", ms.session.ID())
	return ms.session, nil
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.session, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	result := make([]Snapshot, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.session.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Delete terminates a session and removes it. The default session can only
// be reset, not deleted.
func (m *Manager) Delete(id string) error {
	if id == DefaultID {
		return fmt.Errorf("%w: the default session cannot be deleted", ErrInvalidState)
	}

	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	ms.session.Terminate()
	m.closeSubscribers(ms)
	m.updateGauge()
	m.log.Info("session deleted", "session_id", id)
	return nil
}

// Start runs the prover to completion in session id.
func (m *Manager) Start(ctx context.Context, id, input string, opts []string) (Result, error) {
	return m.invoke(ctx, id, ModeStart, input, opts, func(s *Session) (Result, error) {
		return s.Start(ctx, input, opts)
	})
}

// StartInteractive launches the prover in manual selection mode in session id.
func (m *Manager) StartInteractive(ctx context.Context, id, input string, opts []string) (Result, error) {
	return m.invoke(ctx, id, ModeStartInteractive, input, opts, func(s *Session) (Result, error) {
		return s.StartInteractive(ctx, input, opts)
	})
}

// Select feeds a clause choice to session id.
func (m *Manager) Select(ctx context.Context, id string, lineID int) (Result, error) {
	return m.invoke(ctx, id, ModeSelect, "", []string{fmt.Sprint(lineID)}, func(s *Session) (Result, error) {
		return s.Select(ctx, lineID)
	})
}

// Reset returns session id to idle.
func (m *Manager) Reset(id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	err = s.Reset()
	return s.Snapshot(), err
}

func (m *Manager) invoke(ctx context.Context, id, mode, input string, opts []string, call func(*Session) (Result, error)) (Result, error) {
	s, err := m.Get(id)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	res, err := call(s)
	elapsed := time.Since(start)

	kinds := make([]string, len(res.Lines))
	for i, l := range res.Lines {
		kinds[i] = string(l.Kind)
	}
	metrics.ObserveInvocation(mode, ErrorKind(err), elapsed, kinds)

	// Caller mistakes never reached the prover.
	if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidState) {
		return res, err
	}
	m.record(ctx, history.Run{
		SessionID:  id,
		Mode:       mode,
		Options:    opts,
		InputBytes: len(input),
		State:      res.State.String(),
		Outcome:    string(res.Outcome),
		Error:      errorText(err),
		LineCount:  len(res.Lines),
		Duration:   elapsed,
	})
	return res, err
}

func (m *Manager) record(ctx context.Context, run history.Run) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := m.recorder.Record(ctx, run); err != nil {
		metrics.HistoryWriteFailed()
		m.log.Warn("failed to record run", "session_id", run.SessionID, "error", err)
	}
}

// ErrorKind maps an operation error to a short label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, prover.ErrLaunch):
		return "launch_error"
	case errors.Is(err, prover.ErrRejectedInput):
		return "rejected"
	case errors.Is(err, prover.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// publish stores ev in the backlog and sends it to every subscriber.
func (ms *managedSession) publish(ev Event) {
	ms.subMu.Lock()
	defer ms.subMu.Unlock()

	ev = ms.backlog.add(ev)
	for _, ch := range ms.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

func (m *Manager) updateGauge() {
	counts := make(map[string]int)
	m.mu.RLock()
	for _, ms := range m.sessions {
		counts[ms.session.State().String()]++
	}
	m.mu.RUnlock()
	metrics.SetSessions(counts)
}

// Subscribe creates a channel that receives events for a session. It
// returns the subscription ID and the buffered backlog.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	ms.subMu.Lock()
	replay := ms.backlog.snapshot()
	ms.subscribers[subID] = ch
	ms.subMu.Unlock()

	return subID, ch, replay, nil
}

// Unsubscribe removes a subscriber from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

func (m *Manager) closeSubscribers(ms *managedSession) {
	ms.subMu.Lock()
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown terminates every live session and closes all subscriptions.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ms := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ms.session.Terminate()
			m.closeSubscribers(ms)
		}()
	}
	wg.Wait()
	m.log.Info("sessions shut down", "count", len(all))
}
