package app

import (
	"context"
	"errors"
	"fmt"

	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/scoring"
)

// JoinResult is what a connection needs after joining: where the session is and,
// for players, their resume cursor. Seq is the last lifecycle event emitted for
// the session; every later event carries a higher one.
type JoinResult struct {
	Session  domain.GameSession       `json:"session"`
	TeamID   string                   `json:"teamId,omitempty"`
	State    *domain.UserSessionState `json:"state,omitempty"`
	Question *domain.PublicQuestion   `json:"question,omitempty"`
	Seq      uint64                   `json:"seq"`
}

// Join validates that the caller may take part in the session and returns their
// resume state, creating it on first join. A stale cursor is moved to the
// session's current question with HasAnsweredCurrent derived from the ledger.
// Administrators join as observers without a resume state.
//
// attach, when set, runs inside the session's critical section after the state
// is saved, so a connection registered there cannot miss a lifecycle event.
func (e *Engine) Join(ctx context.Context, who domain.Identity, sessionID, teamID string, attach func(JoinResult)) (JoinResult, error) {
	var out JoinResult
	err := e.withSession(sessionID, func(lk *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		question, err := e.publicQuestion(ctx, session.CurrentQuestionID)
		if err != nil {
			return err
		}
		if who.IsAdmin {
			out = JoinResult{Session: session, Question: question, Seq: lk.seq}
			if attach != nil {
				attach(out)
			}
			return nil
		}

		user, err := e.catalog.GetUser(ctx, who.UserID)
		if err != nil {
			return err
		}
		if user.TeamID == "" {
			return fmt.Errorf("user %s has no team: %w", user.ID, domain.ErrAuthorization)
		}
		if teamID != "" && teamID != user.TeamID {
			return fmt.Errorf("user %s is not in team %s: %w", user.ID, teamID, domain.ErrOutOfScope)
		}
		team, err := e.catalog.GetTeam(ctx, user.TeamID)
		if err != nil {
			return err
		}

		now := e.now()
		st, err := e.store.GetUserSessionState(ctx, user.ID, sessionID)
		fresh := false
		switch {
		case errors.Is(err, domain.ErrStateNotFound):
			if err := e.checkTeamCapacity(ctx, team, sessionID); err != nil {
				return err
			}
			st = domain.UserSessionState{UserID: user.ID, SessionID: sessionID}
			fresh = true
		case err != nil:
			return err
		}

		if fresh || st.CurrentQuestionID != session.CurrentQuestionID {
			answers, err := e.store.GetAnswersBySession(ctx, sessionID)
			if err != nil {
				return err
			}
			resyncCursor(&st, session, answers)
		}
		st.IsQuizCompleted = session.Status == domain.StatusFinished
		if st.IsQuizCompleted {
			st.IsRoundCompleted = true
		}
		st.LastActivity = now
		if err := e.store.UpsertUserSessionState(ctx, st); err != nil {
			return fmt.Errorf("save resume state: %w", err)
		}

		out = JoinResult{Session: session, TeamID: team.ID, State: &st, Question: question, Seq: lk.seq}
		if attach != nil {
			attach(out)
		}
		e.log.Debug("user joined session", "session_id", sessionID, "user_id", user.ID, "team_id", team.ID)
		return nil
	})
	return out, err
}

func (e *Engine) checkTeamCapacity(ctx context.Context, team domain.Team, sessionID string) error {
	if team.MaxMembers <= 0 {
		return nil
	}
	states, err := e.store.ListUserSessionStates(ctx, sessionID)
	if err != nil {
		return err
	}
	users, err := e.catalog.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	members := scoring.NewMembership(users)
	count := 0
	for _, st := range states {
		if members[st.UserID] == team.ID {
			count++
		}
	}
	if count >= team.MaxMembers {
		return fmt.Errorf("team %s has %d members: %w", team.ID, count, domain.ErrTeamFull)
	}
	return nil
}

// SubmitAnswer scores and appends one answer. It is rejected when the question is
// not the caller's current one or when the caller already answered it.
// Administrators are notified of the raw submission; the verdict is not sent to players.
func (e *Engine) SubmitAnswer(ctx context.Context, who domain.Identity, sessionID string, sub scoring.Submission) (domain.Answer, error) {
	var out domain.Answer
	err := e.withSession(sessionID, func(_ *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != domain.StatusActive || session.CurrentQuestionID == "" || session.CurrentQuestionID != sub.QuestionID {
			return fmt.Errorf("question %s: %w", sub.QuestionID, domain.ErrQuestionNotActive)
		}
		user, err := e.catalog.GetUser(ctx, who.UserID)
		if err != nil {
			return err
		}
		st, err := e.store.GetUserSessionState(ctx, user.ID, sessionID)
		if errors.Is(err, domain.ErrStateNotFound) {
			return fmt.Errorf("user %s never joined: %w", user.ID, domain.ErrQuestionNotActive)
		}
		if err != nil {
			return err
		}

		answers, err := e.store.GetAnswersBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		if st.CurrentQuestionID != session.CurrentQuestionID {
			resyncCursor(&st, session, answers)
		}
		if st.HasAnsweredCurrent || hasAnswered(answers, user.ID, sub.QuestionID) {
			return fmt.Errorf("user %s question %s: %w", user.ID, sub.QuestionID, domain.ErrDuplicateAnswer)
		}

		question, err := e.catalog.GetQuestion(ctx, sub.QuestionID)
		if err != nil {
			return err
		}
		correct, points := scoring.AnswerCorrectness(question, sub)

		now := e.now()
		answer := domain.Answer{
			ID:             e.newID(),
			SessionID:      sessionID,
			RoundID:        session.CurrentRoundID,
			QuestionID:     sub.QuestionID,
			UserID:         user.ID,
			SelectedChoice: sub.SelectedChoice,
			TextAnswer:     sub.TextAnswer,
			IsCorrect:      correct,
			PointsAwarded:  points,
			AnsweredAt:     now,
		}
		st.HasAnsweredCurrent = true
		st.SelectedOption = sub.SelectedChoice
		st.TextAnswerDraft = sub.TextAnswer
		st.LastActivity = now

		err = e.store.RunInTx(ctx, func(ctx context.Context, tx SessionStore) error {
			if err := tx.CreateAnswer(ctx, answer); err != nil {
				return err
			}
			return tx.UpsertUserSessionState(ctx, st)
		})
		if err != nil {
			return fmt.Errorf("submit answer: %w", err)
		}

		out = answer
		e.events.BroadcastAdmins(domain.Event{Type: domain.EventAnswerReceived, Data: domain.AnswerReceivedData{
			SessionID: sessionID,
			TeamID:    user.TeamID,
			Answer:    answer,
		}})
		e.log.Info("answer accepted", "session_id", sessionID, "user_id", user.ID, "question_id", sub.QuestionID, "correct", correct)
		return nil
	})
	return out, err
}

// Draft is an in-flight selection that may be overwritten until submitted.
type Draft struct {
	QuestionID     string `json:"questionId"`
	SelectedOption string `json:"selectedOption,omitempty"`
	TextAnswer     string `json:"textAnswer,omitempty"`
}

// SaveDraft records the caller's latest unsubmitted choice for the current question.
func (e *Engine) SaveDraft(ctx context.Context, who domain.Identity, sessionID string, d Draft) (domain.UserSessionState, error) {
	var out domain.UserSessionState
	err := e.withSession(sessionID, func(_ *sessionLock) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		st, err := e.store.GetUserSessionState(ctx, who.UserID, sessionID)
		if errors.Is(err, domain.ErrStateNotFound) {
			return fmt.Errorf("user %s never joined: %w", who.UserID, domain.ErrQuestionNotActive)
		}
		if err != nil {
			return err
		}
		if st.CurrentQuestionID != session.CurrentQuestionID {
			answers, err := e.store.GetAnswersBySession(ctx, sessionID)
			if err != nil {
				return err
			}
			resyncCursor(&st, session, answers)
		}
		if st.CurrentQuestionID == "" || st.CurrentQuestionID != d.QuestionID {
			return fmt.Errorf("question %s: %w", d.QuestionID, domain.ErrQuestionNotActive)
		}
		if st.HasAnsweredCurrent {
			return fmt.Errorf("question %s already submitted: %w", d.QuestionID, domain.ErrDuplicateAnswer)
		}
		st.SelectedOption = d.SelectedOption
		st.TextAnswerDraft = d.TextAnswer
		st.LastActivity = e.now()
		if err := e.store.UpsertUserSessionState(ctx, st); err != nil {
			return fmt.Errorf("save draft: %w", err)
		}
		out = st
		return nil
	})
	return out, err
}

// TouchState records activity for a participant leaving or disconnecting so the
// resume state reflects when they were last seen.
func (e *Engine) TouchState(ctx context.Context, userID, sessionID string) error {
	return e.withSession(sessionID, func(_ *sessionLock) error {
		st, err := e.store.GetUserSessionState(ctx, userID, sessionID)
		if errors.Is(err, domain.ErrStateNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		st.LastActivity = e.now()
		return e.store.UpsertUserSessionState(ctx, st)
	})
}

// resyncCursor points st at the session's current question. The session row is
// authoritative; a cached cursor may lag behind it after a failed invalidation.
func resyncCursor(st *domain.UserSessionState, session domain.GameSession, answers []domain.Answer) {
	st.CurrentQuestionID = session.CurrentQuestionID
	st.HasAnsweredCurrent = session.CurrentQuestionID != "" && hasAnswered(answers, st.UserID, session.CurrentQuestionID)
	st.SelectedOption = ""
	st.TextAnswerDraft = ""
}
