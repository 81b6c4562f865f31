package app

import (
	"context"

	"wine-quiz-live/internal/domain"
)

// SessionStore is the durable record store behind the engine. Implementations
// return domain not-found errors for unknown keys and domain.ErrDuplicateAnswer
// when an answer for the same (user, question, session) already exists.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.GameSession) error
	GetSession(ctx context.Context, id string) (domain.GameSession, error)
	UpdateSession(ctx context.Context, id string, patch domain.SessionPatch) error

	CreateRound(ctx context.Context, r domain.Round) error
	UpdateRound(ctx context.Context, id string, patch domain.RoundPatch) error
	// GetRoundsBySession returns rounds ordered by round number.
	GetRoundsBySession(ctx context.Context, sessionID string) ([]domain.Round, error)

	CreateAnswer(ctx context.Context, a domain.Answer) error
	GetAnswersBySession(ctx context.Context, sessionID string) ([]domain.Answer, error)

	GetUserSessionState(ctx context.Context, userID, sessionID string) (domain.UserSessionState, error)
	UpsertUserSessionState(ctx context.Context, st domain.UserSessionState) error
	ListUserSessionStates(ctx context.Context, sessionID string) ([]domain.UserSessionState, error)
	DeleteUserSessionStates(ctx context.Context, sessionID string) error

	CreateRoundResult(ctx context.Context, rr domain.RoundResult) error
	GetRoundResults(ctx context.Context, sessionID string) ([]domain.RoundResult, error)

	// RunInTx runs fn against a transactional view; nothing fn wrote survives an error.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx SessionStore) error) error
}

// Catalog is the read-only question/team/user collaborator.
type Catalog interface {
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
	GetTeam(ctx context.Context, id string) (domain.Team, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	ListTeams(ctx context.Context) ([]domain.Team, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// Broadcaster fans events out to connections.
type Broadcaster interface {
	// BroadcastLifecycle reaches the session's participants and every administrator.
	BroadcastLifecycle(sessionID string, ev domain.Event)
	BroadcastAdmins(ev domain.Event)
}
