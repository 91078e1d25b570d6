package protocol

import (
	"errors"
	"net/http"

	"vampire-server/internal/proof"
	"vampire-server/internal/prover"
	"vampire-server/internal/session"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Messages shown to users for caller mistakes and rejected input.
const (
	MsgEmptyInput     = "User error: Input encoding must not be empty!"
	MsgRejectedInput  = "User error: Wrong options for Vampire or mistake in encoding"
	MsgNotAwaitingSel = "User error: Vampire is not running, so it makes no sense to perform selection!"
)

// LineDTO is the wire form of a parsed line.
type LineDTO struct {
	ID      *int              `json:"id,omitempty"`
	Kind    string            `json:"kind"`
	RawText string            `json:"rawText"`
	Fields  map[string]string `json:"fields"`
}

// Lines converts parsed lines to their wire form.
func Lines(lines []proof.Line) []LineDTO {
	out := make([]LineDTO, len(lines))
	for i, l := range lines {
		fields := l.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		out[i] = LineDTO{ID: l.ID, Kind: string(l.Kind), RawText: l.RawText, Fields: fields}
	}
	return out
}

// Result is the response body of every session route.
type Result struct {
	Status       string    `json:"status"`
	SessionID    string    `json:"sessionId,omitempty"`
	SessionState string    `json:"sessionState"`
	VampireState string    `json:"vampireState"`
	Outcome      string    `json:"outcome,omitempty"`
	Message      string    `json:"message,omitempty"`
	Code         string    `json:"code,omitempty"`
	// Diagnostic is what the prover wrote to its error stream.
	Diagnostic string    `json:"diagnostic,omitempty"`
	Lines      []LineDTO `json:"lines"`
}

// Success builds the result of an operation that completed.
func Success(sessionID string, res session.Result) Result {
	return Result{
		Status:       StatusSuccess,
		SessionID:    sessionID,
		SessionState: res.State.String(),
		VampireState: VampireState(res.State, res.Outcome),
		Outcome:      string(res.Outcome),
		Diagnostic:   res.Stderr,
		Lines:        Lines(res.Lines),
	}
}

// Failure builds the result of a failed operation. Lines and error-stream
// text produced before the failure are kept.
func Failure(sessionID string, res session.Result, err error) Result {
	code, _, msg := ErrorFrom(err)
	diagnostic := res.Stderr
	if diagnostic == "" {
		diagnostic = prover.StderrOf(err)
	}
	return Result{
		Status:       StatusError,
		SessionID:    sessionID,
		SessionState: res.State.String(),
		VampireState: VampireState(res.State, res.Outcome),
		Message:      msg,
		Code:         code,
		Diagnostic:   diagnostic,
		Lines:        Lines(res.Lines),
	}
}

// InvalidRequest builds the result for a body that could not be decoded.
func InvalidRequest(sessionID string, state session.State, err error) Result {
	return Result{
		Status:       StatusError,
		SessionID:    sessionID,
		SessionState: state.String(),
		VampireState: VampireState(state, proof.OutcomeNone),
		Message:      err.Error(),
		Code:         ErrInvalidRequest,
		Lines:        []LineDTO{},
	}
}

// Respond picks Success or Failure depending on err.
func Respond(sessionID string, res session.Result, err error) Result {
	if err != nil {
		return Failure(sessionID, res, err)
	}
	return Success(sessionID, res)
}

// VampireState is the state name older clients understand: "running"
// whenever a selection can be made.
func VampireState(s session.State, outcome proof.Outcome) string {
	switch s {
	case session.StateRunning, session.StateAwaitingSelection:
		return "running"
	case session.StateErrored:
		return "error"
	case session.StateFinished:
		if outcome == proof.OutcomeRefutation || outcome == proof.OutcomeSaturation {
			return string(outcome)
		}
		return "finished"
	default:
		return "idle"
	}
}

// ErrorFrom maps an operation error to its error code, HTTP status, and user
// message.
func ErrorFrom(err error) (code string, status int, message string) {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return ErrEmptyInput, http.StatusBadRequest, MsgEmptyInput
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound, http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrMaxSessions):
		return ErrMaxSessions, http.StatusTooManyRequests, err.Error()
	case errors.Is(err, session.ErrNotAwaiting):
		return ErrInvalidState, http.StatusConflict, MsgNotAwaitingSel
	case errors.Is(err, session.ErrInvalidState):
		return ErrInvalidState, http.StatusConflict, err.Error()
	case errors.Is(err, prover.ErrRejectedInput):
		return ErrProverRejectedInput, http.StatusUnprocessableEntity, MsgRejectedInput
	case errors.Is(err, prover.ErrLaunch):
		return ErrLaunchError, http.StatusBadGateway, err.Error()
	case errors.Is(err, prover.ErrTimeout):
		return ErrTimeout, http.StatusGatewayTimeout, err.Error()
	default:
		return ErrInternal, http.StatusInternalServerError, err.Error()
	}
}
