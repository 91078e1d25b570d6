package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vampire-server/internal/proof"
	"vampire-server/internal/prover"
)

var (
	// ErrEmptyInput is returned when a start is requested without a problem
	// encoding. No process is launched.
	ErrEmptyInput = errors.New("input encoding must not be empty")
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state. No process is touched.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotAwaiting is the ErrInvalidState of a selection made while no
	// decision point is pending.
	ErrNotAwaiting = fmt.Errorf("%w: no selection pending", ErrInvalidState)
)

// State represents the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAwaitingSelection
	StateFinished
	StateErrored
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateRunning:           "running",
	StateAwaitingSelection: "awaiting_selection",
	StateFinished:          "finished",
	StateErrored:           "errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no process is attached in this state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateErrored
}

var transitions = map[State][]State{
	StateIdle:              {StateRunning},
	StateRunning:           {StateFinished, StateErrored, StateAwaitingSelection},
	StateAwaitingSelection: {StateRunning, StateErrored},
	StateFinished:          {StateIdle, StateRunning},
	StateErrored:           {StateIdle, StateRunning},
}

func canMove(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Result is what a session operation produced.
type Result struct {
	State   State
	Outcome proof.Outcome
	Lines   []proof.Line
	Stderr  string
}

// Snapshot describes a session for listings.
type Snapshot struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	Outcome   proof.Outcome `json:"outcome,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Session drives one prover process through the state machine. It is safe
// for concurrent use: while an invocation is in flight other callers are
// refused with ErrInvalidState instead of waiting.
type Session struct {
	id        string
	createdAt time.Time
	adapter   prover.Adapter
	parser    *proof.Parser
	log       *slog.Logger
	notify    func(Event)

	mu      sync.Mutex
	state   State
	outcome proof.Outcome
	updated time.Time
	// handle is the waiting interactive process. It is only set in
	// StateAwaitingSelection; while a resumption runs the caller owns it.
	handle prover.Handle
	// run identifies the current invocation so a result that arrives after
	// Terminate is discarded.
	run    uint64
	cancel context.CancelFunc
}

// New creates an idle session. A nil parser uses the default markers.
func New(id string, adapter prover.Adapter, parser *proof.Parser, log *slog.Logger) *Session {
	if parser == nil {
		parser = proof.NewParser()
	}
	if log == nil {
		log = slog.Default()
	}
	now := time.Now().UTC()
	return &Session{
		id:        id,
		createdAt: now,
		updated:   now,
		adapter:   adapter,
		parser:    parser,
		log:       log.With("session_id", id),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's descriptive fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		State:     s.state,
		Outcome:   s.outcome,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updated,
	}
}

// Start runs the prover to completion on input.
func (s *Session) Start(ctx context.Context, input string, opts []string) (Result, error) {
	run, ctx, err := s.begin(ctx, input)
	if err != nil {
		return Result{State: s.State()}, err
	}
	defer s.endCall(run)

	s.log.Debug("starting prover", "options", opts, "input_bytes", len(input))
	out, err := s.adapter.Invoke(ctx, input, opts)
	return s.settle(run, out, nil, err)
}

// StartInteractive launches the prover in manual selection mode and returns
// at the first decision point or when the prover ends.
func (s *Session) StartInteractive(ctx context.Context, input string, opts []string) (Result, error) {
	run, ctx, err := s.begin(ctx, input)
	if err != nil {
		return Result{State: s.State()}, err
	}
	defer s.endCall(run)

	s.log.Debug("starting interactive prover", "options", opts, "input_bytes", len(input))
	h, out, err := s.adapter.InvokeInteractive(ctx, input, opts)
	return s.settle(run, out, h, err)
}

// Select feeds a clause choice to the waiting prover. The id is passed
// through as given; the prover decides whether it was a valid choice.
func (s *Session) Select(ctx context.Context, id int) (Result, error) {
	s.mu.Lock()
	if s.state != StateAwaitingSelection || s.handle == nil {
		state := s.state
		s.mu.Unlock()
		return Result{State: state}, fmt.Errorf("%w (session is %s)", ErrNotAwaiting, state)
	}
	h := s.handle
	s.handle = nil
	s.run++
	run := s.run
	ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateRunning)
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateRunning})
	defer s.endCall(run)

	s.log.Debug("feeding selection", "id", id)
	out, err := h.Feed(ctx, id)
	return s.settle(run, out, h, err)
}

// Reset returns a finished or errored session to idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateRunning, StateAwaitingSelection:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot reset while %s", ErrInvalidState, state)
	}
	s.setState(StateIdle)
	s.outcome = proof.OutcomeNone
	s.mu.Unlock()

	s.emit(Event{Type: EventState, State: StateIdle})
	return nil
}

// Terminate kills a live process and leaves the session errored. It does
// nothing when no process is attached.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateAwaitingSelection {
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	s.handle = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.run++
	s.setState(StateErrored)
	s.mu.Unlock()

	s.log.Info("session terminated")
	if h != nil {
		h.Close()
	}
	s.emit(Event{Type: EventState, State: StateErrored, Error: "terminated"})
	return nil
}

// begin validates the input and moves the session into Running.
func (s *Session) begin(ctx context.Context, input string) (uint64, context.Context, error) {
	if input == "" {
		return 0, nil, ErrEmptyInput
	}

	s.mu.Lock()
	if !canMove(s.state, StateRunning) || s.state == StateAwaitingSelection {
		state := s.state
		s.mu.Unlock()
		return 0, nil, fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	s.run++
	run := s.run
	ctx, s.cancel = context.WithCancel(ctx)
	s.outcome = proof.OutcomeNone
	s.setState(StateRunning)
	s.mu.Unlock()

	s.emit(Event{Type: EventState, State: StateRunning})
	return run, ctx, nil
}

// endCall releases the invocation context of run.
func (s *Session) endCall(run uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == run && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// settle parses the output of an invocation and applies the resulting
// transition. Every handle that does not stay attached is closed here.
func (s *Session) settle(run uint64, out prover.Output, h prover.Handle, callErr error) (Result, error) {
	lines := s.parser.Parse(out.Raw)

	next := StateFinished
	switch {
	case callErr != nil:
		next = StateErrored
	case out.Waiting && h != nil:
		next = StateAwaitingSelection
	}
	res := Result{State: next, Lines: lines, Stderr: out.Stderr}
	if next == StateFinished {
		res.Outcome = proof.Classify(lines)
	}

	s.mu.Lock()
	if s.run != run || s.state != StateRunning {
		// Terminated while in flight.
		state := s.state
		s.mu.Unlock()
		if h != nil {
			h.Close()
		}
		res.State = state
		res.Outcome = proof.OutcomeNone
		return res, fmt.Errorf("%w: session was terminated", ErrInvalidState)
	}
	s.setState(next)
	s.outcome = res.Outcome
	if next == StateAwaitingSelection {
		s.handle = h
	}
	s.mu.Unlock()

	if next != StateAwaitingSelection && h != nil {
		h.Close()
	}

	ev := Event{Type: EventResult, State: next, Outcome: res.Outcome, Lines: lines}
	if callErr != nil {
		ev.Error = callErr.Error()
		s.log.Info("prover invocation failed", "error", callErr, "lines", len(lines))
	} else {
		s.log.Debug("prover invocation settled", "state", next, "lines", len(lines), "outcome", res.Outcome)
	}
	s.emit(ev)
	return res, callErr
}

// setState must be called with mu held.
func (s *Session) setState(next State) {
	if s.state != next && !canMove(s.state, next) {
		// Callers check their preconditions; reaching this is a bug.
		s.log.Error("illegal state transition", "from", s.state, "to", next)
	}
	s.state = next
	s.updated = time.Now().UTC()
}

func (s *Session) emit(ev Event) {
	if s.notify == nil {
		return
	}
	ev.SessionID = s.id
	ev.Timestamp = time.Now().UTC()
	s.notify(ev)
}
