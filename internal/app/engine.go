package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/scoring"
)

// Engine owns the lifecycle of live sessions. It is the only writer of the
// current round/question pointers; every mutation of one session runs under
// that session's lock, is committed to the store, and only then broadcast.
type Engine struct {
	store   SessionStore
	catalog Catalog
	events  Broadcaster
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
	locks   *sessionLocks
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, mostly for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid-based identifiers.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func NewEngine(store SessionStore, catalog Catalog, events Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		catalog: catalog,
		events:  events,
		log:     slog.Default(),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		locks:   newSessionLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition describes the committed outcome of a lifecycle command.
type Transition struct {
	Session       domain.GameSession     `json:"session"`
	Round         *domain.Round          `json:"round,omitempty"`
	Question      *domain.PublicQuestion `json:"question,omitempty"`
	FinishedRound *domain.Round          `json:"finishedRound,omitempty"`
	Results       []domain.RoundResult   `json:"results,omitempty"`
	Leaderboard   *domain.Leaderboard    `json:"leaderboard,omitempty"`
}

// NewSession describes a session to create: its mode and, per round in play
// order, the ordered question IDs.
type NewSession struct {
	GameMode domain.GameMode `json:"gameMode"`
	Rounds   [][]string      `json:"rounds"`
}

func (e *Engine) withSession(sessionID string, fn func(lk *sessionLock) error) error {
	lk := e.locks.acquire(sessionID)
	defer e.locks.release(sessionID, lk)
	err := fn(lk)
	if errors.Is(err, domain.ErrSessionNotFound) {
		lk.forget = true
	}
	return err
}

func (e *Engine) emit(lk *sessionLock, sessionID, typ string, data any) {
	e.events.BroadcastLifecycle(sessionID, domain.Event{Type: typ, Data: data, Seq: lk.next()})
}

// CreateSession validates the question lists and stores a pending session with its rounds.
func (e *Engine) CreateSession(ctx context.Context, req NewSession) (domain.GameSession, []domain.Round, error) {
	if !req.GameMode.Valid() {
		return domain.GameSession{}, nil, fmt.Errorf("game mode %q: %w", req.GameMode, domain.ErrBadRequest)
	}
	// Question IDs are unique across the whole session: answers are keyed by
	// (user, question, session) and the cursor advances by question ID.
	seen := make(map[string]int)
	for i, ids := range req.Rounds {
		for _, qid := range ids {
			if round, dup := seen[qid]; dup {
				return domain.GameSession{}, nil, fmt.Errorf("question %s repeated in rounds %d and %d: %w", qid, round, i+1, domain.ErrBadRequest)
			}
			seen[qid] = i + 1
		}
	}
	for _, ids := range req.Rounds {
		for _, qid := range ids {
			q, err := e.catalog.GetQuestion(ctx, qid)
			if err != nil {
				return domain.GameSession{}, nil, err
			}
			if err := q.Validate(); err != nil {
				return domain.GameSession{}, nil, err
			}
		}
	}

	now := e.now()
	session := domain.GameSession{
		ID:        e.newID(),
		GameMode:  req.GameMode,
		Status:    domain.StatusPending,
		CreatedAt: now,
	}
	rounds := make([]domain.Round, 0, len(req.Rounds))
	for i, ids := range req.Rounds {
		rounds = append(rounds, domain.Round{
			ID:          e.newID(),
			SessionID:   session.ID,
			RoundNumber: i + 1,
			Status:      domain.StatusPending,
			QuestionIDs: append([]string(nil), ids...),
		})
	}

	err := e.store.RunInTx(ctx, func(ctx context.Context, tx SessionStore) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		for _, r := range rounds {
			if err := tx.CreateRound(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.GameSession{}, nil, fmt.Errorf("create session: %w", err)
	}
	e.log.Info("session created", "session_id", session.ID, "mode", session.GameMode, "rounds", len(rounds))
	return session, rounds, nil
}

// StartSession activates a pending session and its first round.
func (e *Engine) StartSession(ctx context.Context, sessionID string) (Transition, error) {
	var out Transition
	err := e.withSession(sessionID, func(lk *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != domain.StatusPending {
			return fmt.Errorf("start session in status %s: %w", session.Status, domain.ErrInvalidTransition)
		}
		rounds, err := e.store.GetRoundsBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(rounds) == 0 {
			return domain.ErrNoRoundsConfigured
		}
		if session.GameMode == domain.GameModeLeader {
			if err := e.checkSingleLeader(ctx); err != nil {
				return err
			}
		}

		first := rounds[0]
		questionID, _ := first.NextQuestion("")
		question, err := e.publicQuestion(ctx, questionID)
		if err != nil {
			return err
		}

		now := e.now()
		err = e.store.RunInTx(ctx, func(ctx context.Context, tx SessionStore) error {
			if err := tx.UpdateSession(ctx, sessionID, domain.SessionPatch{
				Status:            ptr(domain.StatusActive),
				StartTime:         &now,
				CurrentRoundID:    &first.ID,
				CurrentQuestionID: &questionID,
			}); err != nil {
				return err
			}
			if err := tx.UpdateRound(ctx, first.ID, domain.RoundPatch{Status: ptr(domain.StatusActive), StartTime: &now}); err != nil {
				return err
			}
			return moveCursors(ctx, tx, sessionID, cursor{questionID: questionID})
		})
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		session.Status = domain.StatusActive
		session.StartTime = &now
		session.CurrentRoundID = first.ID
		session.CurrentQuestionID = questionID
		first.Status = domain.StatusActive
		first.StartTime = &now

		out = Transition{Session: session, Round: &first, Question: question}
		e.emit(lk, sessionID, domain.EventSessionStarted, domain.SessionStartedData{Session: session, Round: first, Question: question})
		e.log.Info("session started", "session_id", sessionID, "round_id", first.ID, "question_id", questionID)
		return nil
	})
	return out, err
}

// AdvanceQuestion moves to the next question of the active round, or closes the
// round and activates the next one, or finishes the session when none remain.
func (e *Engine) AdvanceQuestion(ctx context.Context, sessionID string) (Transition, error) {
	var out Transition
	err := e.withSession(sessionID, func(lk *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != domain.StatusActive {
			return fmt.Errorf("advance session in status %s: %w", session.Status, domain.ErrInvalidTransition)
		}
		rounds, err := e.store.GetRoundsBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		current, idx := findRound(rounds, session.CurrentRoundID)
		if idx < 0 || current.Status != domain.StatusActive {
			return fmt.Errorf("session has no active round: %w", domain.ErrInvalidTransition)
		}

		if next, ok := current.NextQuestion(session.CurrentQuestionID); ok {
			return e.changeQuestion(ctx, lk, session, current, next, &out)
		}
		return e.closeRound(ctx, lk, session, rounds, idx, false, &out)
	})
	return out, err
}

// EndSession force-finishes a pending or active session.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (Transition, error) {
	var out Transition
	err := e.withSession(sessionID, func(lk *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == domain.StatusFinished {
			return fmt.Errorf("end session in status %s: %w", session.Status, domain.ErrInvalidTransition)
		}
		rounds, err := e.store.GetRoundsBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		_, idx := findRound(rounds, session.CurrentRoundID)
		if idx >= 0 && rounds[idx].Status != domain.StatusActive {
			idx = -1
		}
		return e.closeRound(ctx, lk, session, rounds, idx, true, &out)
	})
	return out, err
}

func (e *Engine) changeQuestion(ctx context.Context, lk *sessionLock, session domain.GameSession, round domain.Round, questionID string, out *Transition) error {
	question, err := e.publicQuestion(ctx, questionID)
	if err != nil {
		return err
	}
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx SessionStore) error {
		if err := tx.UpdateSession(ctx, session.ID, domain.SessionPatch{CurrentQuestionID: &questionID}); err != nil {
			return err
		}
		return moveCursors(ctx, tx, session.ID, cursor{questionID: questionID})
	})
	if err != nil {
		return fmt.Errorf("advance question: %w", err)
	}

	session.CurrentQuestionID = questionID
	*out = Transition{Session: session, Round: &round, Question: question}
	e.emit(lk, session.ID, domain.EventQuestionChanged, domain.QuestionChangedData{
		SessionID: session.ID,
		RoundID:   round.ID,
		Question:  *question,
	})
	e.log.Info("question changed", "session_id", session.ID, "round_id", round.ID, "question_id", questionID)
	return nil
}

// closeRound finishes rounds[idx] (when idx >= 0), snapshots its results and then
// either activates the following round or finishes the session. force skips the
// following round and always finishes the session.
func (e *Engine) closeRound(ctx context.Context, lk *sessionLock, session domain.GameSession, rounds []domain.Round, idx int, force bool, out *Transition) error {
	teams, members, err := e.teamsAndMembers(ctx)
	if err != nil {
		return err
	}

	var next *domain.Round
	if !force && idx >= 0 {
		for i := idx + 1; i < len(rounds); i++ {
			if rounds[i].Status == domain.StatusPending && rounds[i].RoundNumber > rounds[idx].RoundNumber {
				r := rounds[i]
				next = &r
				break
			}
		}
	}
	var nextQuestionID string
	var nextQuestion *domain.PublicQuestion
	if next != nil {
		nextQuestionID, _ = next.NextQuestion("")
		if nextQuestion, err = e.publicQuestion(ctx, nextQuestionID); err != nil {
			return err
		}
	}

	now := e.now()
	var results []domain.RoundResult
	var answers []domain.Answer
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx SessionStore) error {
		if idx >= 0 {
			if err := tx.UpdateRound(ctx, rounds[idx].ID, domain.RoundPatch{Status: ptr(domain.StatusFinished), EndTime: &now}); err != nil {
				return err
			}
		}
		var err error
		answers, err = tx.GetAnswersBySession(ctx, session.ID)
		if err != nil {
			return err
		}
		if idx >= 0 {
			results = scoring.RoundResults(answers, teams, members, session.ID, rounds[idx].ID, now, e.newID)
			for _, rr := range results {
				if err := tx.CreateRoundResult(ctx, rr); err != nil {
					return err
				}
			}
		}

		if next != nil {
			if err := tx.UpdateRound(ctx, next.ID, domain.RoundPatch{Status: ptr(domain.StatusActive), StartTime: &now}); err != nil {
				return err
			}
			if err := tx.UpdateSession(ctx, session.ID, domain.SessionPatch{
				CurrentRoundID:    &next.ID,
				CurrentQuestionID: &nextQuestionID,
			}); err != nil {
				return err
			}
			return moveCursors(ctx, tx, session.ID, cursor{questionID: nextQuestionID})
		}

		empty := ""
		if err := tx.UpdateSession(ctx, session.ID, domain.SessionPatch{
			Status:            ptr(domain.StatusFinished),
			EndTime:           &now,
			CurrentQuestionID: &empty,
		}); err != nil {
			return err
		}
		return moveCursors(ctx, tx, session.ID, cursor{roundCompleted: true, quizCompleted: true})
	})
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}

	var finished *domain.Round
	if idx >= 0 {
		r := rounds[idx]
		r.Status = domain.StatusFinished
		r.EndTime = &now
		finished = &r
	}

	if next != nil {
		next.Status = domain.StatusActive
		next.StartTime = &now
		session.CurrentRoundID = next.ID
		session.CurrentQuestionID = nextQuestionID
		*out = Transition{Session: session, Round: next, Question: nextQuestion, FinishedRound: finished, Results: results}

		e.emit(lk, session.ID, domain.EventRoundChanged, domain.RoundChangedData{
			SessionID:     session.ID,
			FinishedRound: *finished,
			Results:       results,
			Round:         *next,
		})
		if nextQuestion != nil {
			e.emit(lk, session.ID, domain.EventQuestionChanged, domain.QuestionChangedData{
				SessionID: session.ID,
				RoundID:   next.ID,
				Question:  *nextQuestion,
			})
		}
		e.log.Info("round changed", "session_id", session.ID, "finished_round", finished.ID, "round_id", next.ID)
		return nil
	}

	session.Status = domain.StatusFinished
	session.EndTime = &now
	session.CurrentQuestionID = ""
	lb := scoring.Leaderboard(answers, teams, members, session.ID, "", now)
	*out = Transition{Session: session, FinishedRound: finished, Results: results, Leaderboard: &lb}

	e.emit(lk, session.ID, domain.EventSessionEnded, domain.SessionEndedData{
		Session:     session,
		Results:     results,
		Leaderboard: lb,
	})
	e.log.Info("session ended", "session_id", session.ID, "forced", force)
	return nil
}

// RetireSession purges resume states of a finished session.
func (e *Engine) RetireSession(ctx context.Context, sessionID string) error {
	return e.withSession(sessionID, func(lk *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != domain.StatusFinished {
			return fmt.Errorf("retire session in status %s: %w", session.Status, domain.ErrInvalidTransition)
		}
		if err := e.store.DeleteUserSessionStates(ctx, sessionID); err != nil {
			return fmt.Errorf("retire session: %w", err)
		}
		lk.forget = true
		e.log.Info("session retired", "session_id", sessionID)
		return nil
	})
}

// Session returns a session and its rounds.
func (e *Engine) Session(ctx context.Context, sessionID string) (domain.GameSession, []domain.Round, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.GameSession{}, nil, err
	}
	rounds, err := e.store.GetRoundsBySession(ctx, sessionID)
	if err != nil {
		return domain.GameSession{}, nil, err
	}
	return session, rounds, nil
}

// RoundResults returns the audit snapshots written so far.
func (e *Engine) RoundResults(ctx context.Context, sessionID string) ([]domain.RoundResult, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.GetRoundResults(ctx, sessionID)
}

// LiveScores recomputes the scoreboard from the answer ledger.
func (e *Engine) LiveScores(ctx context.Context, sessionID string) (domain.Leaderboard, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	answers, err := e.store.GetAnswersBySession(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	teams, members, err := e.teamsAndMembers(ctx)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return scoring.Leaderboard(answers, teams, members, sessionID, session.CurrentRoundID, e.now()), nil
}

func (e *Engine) teamsAndMembers(ctx context.Context) ([]domain.Team, scoring.Membership, error) {
	teams, err := e.catalog.ListTeams(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list teams: %w", err)
	}
	users, err := e.catalog.ListUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}
	return teams, scoring.NewMembership(users), nil
}

func (e *Engine) checkSingleLeader(ctx context.Context) error {
	users, err := e.catalog.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	leaders := make(map[string]int)
	for _, u := range users {
		if u.IsLeader && u.TeamID != "" {
			leaders[u.TeamID]++
			if leaders[u.TeamID] > 1 {
				return fmt.Errorf("team %s: %w", u.TeamID, domain.ErrLeaderConflict)
			}
		}
	}
	return nil
}

func (e *Engine) publicQuestion(ctx context.Context, questionID string) (*domain.PublicQuestion, error) {
	if questionID == "" {
		return nil, nil
	}
	q, err := e.catalog.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	p := q.Public()
	return &p, nil
}

// cursor is the resume position every participant is moved to by a transition.
type cursor struct {
	questionID     string
	roundCompleted bool
	quizCompleted  bool
}

func moveCursors(ctx context.Context, tx SessionStore, sessionID string, c cursor) error {
	states, err := tx.ListUserSessionStates(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, st := range states {
		st.CurrentQuestionID = c.questionID
		st.HasAnsweredCurrent = false
		st.SelectedOption = ""
		st.TextAnswerDraft = ""
		st.IsRoundCompleted = c.roundCompleted
		st.IsQuizCompleted = c.quizCompleted
		if err := tx.UpsertUserSessionState(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func findRound(rounds []domain.Round, id string) (domain.Round, int) {
	if id == "" {
		return domain.Round{}, -1
	}
	for i, r := range rounds {
		if r.ID == id {
			return r, i
		}
	}
	return domain.Round{}, -1
}

func hasAnswered(answers []domain.Answer, userID, questionID string) bool {
	for _, a := range answers {
		if a.UserID == userID && a.QuestionID == questionID {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
