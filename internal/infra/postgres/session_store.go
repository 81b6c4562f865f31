package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/domain"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:game_sessions"`

	ID                string     `bun:"id,pk"`
	GameMode          string     `bun:"game_mode,notnull"`
	Status            string     `bun:"status,notnull"`
	StartTime         *time.Time `bun:"start_time"`
	EndTime           *time.Time `bun:"end_time"`
	CurrentRoundID    string     `bun:"current_round_id,nullzero"`
	CurrentQuestionID string     `bun:"current_question_id,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,notnull"`
}

type roundRow struct {
	bun.BaseModel `bun:"table:rounds"`

	ID          string     `bun:"id,pk"`
	SessionID   string     `bun:"session_id,notnull"`
	RoundNumber int        `bun:"round_number,notnull"`
	Status      string     `bun:"status,notnull"`
	QuestionIDs []string   `bun:"question_ids,array"`
	StartTime   *time.Time `bun:"start_time"`
	EndTime     *time.Time `bun:"end_time"`
}

type answerRow struct {
	bun.BaseModel `bun:"table:answers"`

	ID             string    `bun:"id,pk"`
	SessionID      string    `bun:"session_id,notnull"`
	RoundID        string    `bun:"round_id,notnull"`
	QuestionID     string    `bun:"question_id,notnull"`
	UserID         string    `bun:"user_id,notnull"`
	SelectedChoice string    `bun:"selected_choice,notnull"`
	TextAnswer     string    `bun:"text_answer,notnull"`
	IsCorrect      bool      `bun:"is_correct,notnull"`
	PointsAwarded  int       `bun:"points_awarded,notnull"`
	AnsweredAt     time.Time `bun:"answered_at,notnull"`
}

type stateRow struct {
	bun.BaseModel `bun:"table:user_session_states"`

	UserID             string    `bun:"user_id,pk"`
	SessionID          string    `bun:"session_id,pk"`
	CurrentQuestionID  string    `bun:"current_question_id,nullzero"`
	HasAnsweredCurrent bool      `bun:"has_answered_current,notnull"`
	TextAnswerDraft    string    `bun:"text_answer_draft,notnull"`
	SelectedOption     string    `bun:"selected_option,notnull"`
	IsRoundCompleted   bool      `bun:"is_round_completed,notnull"`
	IsQuizCompleted    bool      `bun:"is_quiz_completed,notnull"`
	LastActivity       time.Time `bun:"last_activity,notnull"`
}

type resultRow struct {
	bun.BaseModel `bun:"table:round_results"`

	ID         string    `bun:"id,pk"`
	SessionID  string    `bun:"session_id,notnull"`
	RoundID    string    `bun:"round_id,notnull"`
	TeamID     string    `bun:"team_id,notnull"`
	RoundScore int       `bun:"round_score,notnull"`
	TotalScore int       `bun:"total_score,notnull"`
	Position   int       `bun:"position,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// SessionStore persists live sessions with bun. A store returned to a RunInTx
// callback is bound to that transaction.
type SessionStore struct {
	root *bun.DB
	db   bun.IDB
	inTx bool
}

func NewSessionStore(db *bun.DB) *SessionStore {
	return &SessionStore{root: db, db: db}
}

func (s *SessionStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx app.SessionStore) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return s.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &SessionStore{root: s.root, db: tx, inTx: true})
	})
}

func (s *SessionStore) CreateSession(ctx context.Context, session domain.GameSession) error {
	row := sessionRow{
		ID:                session.ID,
		GameMode:          string(session.GameMode),
		Status:            string(session.Status),
		StartTime:         session.StartTime,
		EndTime:           session.EndTime,
		CurrentRoundID:    session.CurrentRoundID,
		CurrentQuestionID: session.CurrentQuestionID,
		CreatedAt:         session.CreatedAt,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (domain.GameSession, error) {
	var row sessionRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GameSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.GameSession{}, fmt.Errorf("select session: %w", err)
	}
	return domain.GameSession{
		ID:                row.ID,
		GameMode:          domain.GameMode(row.GameMode),
		Status:            domain.Status(row.Status),
		StartTime:         row.StartTime,
		EndTime:           row.EndTime,
		CurrentRoundID:    row.CurrentRoundID,
		CurrentQuestionID: row.CurrentQuestionID,
		CreatedAt:         row.CreatedAt,
	}, nil
}

func (s *SessionStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch) error {
	q := s.db.NewUpdate().Model((*sessionRow)(nil)).Where("id = ?", id)
	set := 0
	if patch.Status != nil {
		q = q.Set("status = ?", string(*patch.Status))
		set++
	}
	if patch.StartTime != nil {
		q = q.Set("start_time = ?", *patch.StartTime)
		set++
	}
	if patch.EndTime != nil {
		q = q.Set("end_time = ?", *patch.EndTime)
		set++
	}
	if patch.CurrentRoundID != nil {
		q = q.Set("current_round_id = NULLIF(?, '')", *patch.CurrentRoundID)
		set++
	}
	if patch.CurrentQuestionID != nil {
		q = q.Set("current_question_id = NULLIF(?, '')", *patch.CurrentQuestionID)
		set++
	}
	if set == 0 {
		_, err := s.GetSession(ctx, id)
		return err
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res, domain.ErrSessionNotFound)
}

func (s *SessionStore) CreateRound(ctx context.Context, r domain.Round) error {
	row := roundRow{
		ID:          r.ID,
		SessionID:   r.SessionID,
		RoundNumber: r.RoundNumber,
		Status:      string(r.Status),
		QuestionIDs: r.QuestionIDs,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
	}
	if row.QuestionIDs == nil {
		row.QuestionIDs = []string{}
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *SessionStore) UpdateRound(ctx context.Context, id string, patch domain.RoundPatch) error {
	q := s.db.NewUpdate().Model((*roundRow)(nil)).Where("id = ?", id)
	set := 0
	if patch.Status != nil {
		q = q.Set("status = ?", string(*patch.Status))
		set++
	}
	if patch.StartTime != nil {
		q = q.Set("start_time = ?", *patch.StartTime)
		set++
	}
	if patch.EndTime != nil {
		q = q.Set("end_time = ?", *patch.EndTime)
		set++
	}
	if set == 0 {
		return nil
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	return requireRow(res, domain.ErrRoundNotFound)
}

func (s *SessionStore) GetRoundsBySession(ctx context.Context, sessionID string) ([]domain.Round, error) {
	var rows []roundRow
	err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Order("round_number ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select rounds: %w", err)
	}
	rounds := make([]domain.Round, 0, len(rows))
	for _, row := range rows {
		rounds = append(rounds, domain.Round{
			ID:          row.ID,
			SessionID:   row.SessionID,
			RoundNumber: row.RoundNumber,
			Status:      domain.Status(row.Status),
			QuestionIDs: row.QuestionIDs,
			StartTime:   row.StartTime,
			EndTime:     row.EndTime,
		})
	}
	return rounds, nil
}

func (s *SessionStore) CreateAnswer(ctx context.Context, a domain.Answer) error {
	row := answerRow{
		ID:             a.ID,
		SessionID:      a.SessionID,
		RoundID:        a.RoundID,
		QuestionID:     a.QuestionID,
		UserID:         a.UserID,
		SelectedChoice: a.SelectedChoice,
		TextAnswer:     a.TextAnswer,
		IsCorrect:      a.IsCorrect,
		PointsAwarded:  a.PointsAwarded,
		AnsweredAt:     a.AnsweredAt,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s question %s: %w", a.UserID, a.QuestionID, domain.ErrDuplicateAnswer)
		}
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

func (s *SessionStore) GetAnswersBySession(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	var rows []answerRow
	err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Order("answered_at ASC", "id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select answers: %w", err)
	}
	answers := make([]domain.Answer, 0, len(rows))
	for _, row := range rows {
		answers = append(answers, domain.Answer{
			ID:             row.ID,
			SessionID:      row.SessionID,
			RoundID:        row.RoundID,
			QuestionID:     row.QuestionID,
			UserID:         row.UserID,
			SelectedChoice: row.SelectedChoice,
			TextAnswer:     row.TextAnswer,
			IsCorrect:      row.IsCorrect,
			PointsAwarded:  row.PointsAwarded,
			AnsweredAt:     row.AnsweredAt,
		})
	}
	return answers, nil
}

func (s *SessionStore) GetUserSessionState(ctx context.Context, userID, sessionID string) (domain.UserSessionState, error) {
	var row stateRow
	err := s.db.NewSelect().Model(&row).Where("user_id = ? AND session_id = ?", userID, sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserSessionState{}, domain.ErrStateNotFound
	}
	if err != nil {
		return domain.UserSessionState{}, fmt.Errorf("select user session state: %w", err)
	}
	return row.toDomain(), nil
}

func (s *SessionStore) UpsertUserSessionState(ctx context.Context, st domain.UserSessionState) error {
	row := stateRow{
		UserID:             st.UserID,
		SessionID:          st.SessionID,
		CurrentQuestionID:  st.CurrentQuestionID,
		HasAnsweredCurrent: st.HasAnsweredCurrent,
		TextAnswerDraft:    st.TextAnswerDraft,
		SelectedOption:     st.SelectedOption,
		IsRoundCompleted:   st.IsRoundCompleted,
		IsQuizCompleted:    st.IsQuizCompleted,
		LastActivity:       st.LastActivity,
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (user_id, session_id) DO UPDATE").
		Set("current_question_id = EXCLUDED.current_question_id").
		Set("has_answered_current = EXCLUDED.has_answered_current").
		Set("text_answer_draft = EXCLUDED.text_answer_draft").
		Set("selected_option = EXCLUDED.selected_option").
		Set("is_round_completed = EXCLUDED.is_round_completed").
		Set("is_quiz_completed = EXCLUDED.is_quiz_completed").
		Set("last_activity = EXCLUDED.last_activity").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert user session state: %w", err)
	}
	return nil
}

func (s *SessionStore) ListUserSessionStates(ctx context.Context, sessionID string) ([]domain.UserSessionState, error) {
	var rows []stateRow
	err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Order("user_id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select user session states: %w", err)
	}
	states := make([]domain.UserSessionState, 0, len(rows))
	for _, row := range rows {
		states = append(states, row.toDomain())
	}
	return states, nil
}

func (s *SessionStore) DeleteUserSessionStates(ctx context.Context, sessionID string) error {
	_, err := s.db.NewDelete().Model((*stateRow)(nil)).Where("session_id = ?", sessionID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete user session states: %w", err)
	}
	return nil
}

func (s *SessionStore) CreateRoundResult(ctx context.Context, rr domain.RoundResult) error {
	row := resultRow{
		ID:         rr.ID,
		SessionID:  rr.SessionID,
		RoundID:    rr.RoundID,
		TeamID:     rr.TeamID,
		RoundScore: rr.RoundScore,
		TotalScore: rr.TotalScore,
		Position:   rr.Position,
		CreatedAt:  rr.CreatedAt,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert round result: %w", err)
	}
	return nil
}

func (s *SessionStore) GetRoundResults(ctx context.Context, sessionID string) ([]domain.RoundResult, error) {
	var rows []resultRow
	err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Order("created_at ASC", "position ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select round results: %w", err)
	}
	results := make([]domain.RoundResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, domain.RoundResult{
			ID:         row.ID,
			SessionID:  row.SessionID,
			RoundID:    row.RoundID,
			TeamID:     row.TeamID,
			RoundScore: row.RoundScore,
			TotalScore: row.TotalScore,
			Position:   row.Position,
			CreatedAt:  row.CreatedAt,
		})
	}
	return results, nil
}

func (r stateRow) toDomain() domain.UserSessionState {
	return domain.UserSessionState{
		UserID:             r.UserID,
		SessionID:          r.SessionID,
		CurrentQuestionID:  r.CurrentQuestionID,
		HasAnsweredCurrent: r.HasAnsweredCurrent,
		TextAnswerDraft:    r.TextAnswerDraft,
		SelectedOption:     r.SelectedOption,
		IsRoundCompleted:   r.IsRoundCompleted,
		IsQuizCompleted:    r.IsQuizCompleted,
		LastActivity:       r.LastActivity,
	}
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}
