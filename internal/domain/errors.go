package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means the credential was missing, invalid or expired.
	ErrAuthentication = errors.New("authentication failure")
	// ErrAuthorization means the caller may not issue the command.
	ErrAuthorization = errors.New("authorization failure")
	// ErrInvalidTransition means a state machine precondition was violated.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDuplicateAnswer means the user already answered the question in this session.
	ErrDuplicateAnswer = errors.New("duplicate answer")
	// ErrNotFound means a referenced session, round, question, team or user is unknown.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest means the command payload could not be understood.
	ErrBadRequest = errors.New("bad request")
)

var (
	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)
	ErrRoundNotFound    = fmt.Errorf("round %w", ErrNotFound)
	ErrQuestionNotFound = fmt.Errorf("question %w", ErrNotFound)
	ErrTeamNotFound     = fmt.Errorf("team %w", ErrNotFound)
	ErrUserNotFound     = fmt.Errorf("user %w", ErrNotFound)
	ErrStateNotFound    = fmt.Errorf("user session state %w", ErrNotFound)

	ErrNoRoundsConfigured = fmt.Errorf("no rounds configured: %w", ErrInvalidTransition)
	ErrLeaderConflict     = fmt.Errorf("team has more than one leader: %w", ErrInvalidTransition)
	ErrQuestionNotActive  = fmt.Errorf("question is not active for user: %w", ErrInvalidTransition)
	ErrTeamFull           = fmt.Errorf("team is full: %w", ErrAuthorization)
	ErrAdminOnly          = fmt.Errorf("command requires administrator: %w", ErrAuthorization)
	ErrOutOfScope         = fmt.Errorf("command outside caller scope: %w", ErrAuthorization)
	ErrNotJoined          = fmt.Errorf("connection has not joined a session: %w", ErrInvalidTransition)
)

// ErrorCode maps an error onto the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoRoundsConfigured):
		return "no_rounds_configured"
	case errors.Is(err, ErrQuestionNotActive):
		return "question_not_active"
	case errors.Is(err, ErrTeamFull):
		return "team_full"
	case errors.Is(err, ErrAuthentication):
		return "authentication_failure"
	case errors.Is(err, ErrAuthorization):
		return "authorization_failure"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrDuplicateAnswer):
		return "duplicate_answer"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}
