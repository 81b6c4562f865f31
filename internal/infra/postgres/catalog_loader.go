package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"wine-quiz-live/internal/domain"
)

// CatalogLoader reads questions, teams and users from Postgres.
type CatalogLoader struct {
	pool *pgxpool.Pool
}

func NewCatalogLoader(pool *pgxpool.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool}
}

func (l *CatalogLoader) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	var (
		q    domain.Question
		kind string
		raw  []byte
	)
	err := l.pool.QueryRow(ctx,
		`SELECT id, kind, prompt, choices, correct_answer, weight FROM questions WHERE id=$1`, id).
		Scan(&q.ID, &kind, &q.Prompt, &raw, &q.CorrectAnswer, &q.Weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, fmt.Errorf("%s: %w", id, domain.ErrQuestionNotFound)
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("load question: %w", err)
	}
	q.Kind = domain.QuestionKind(kind)
	if err := json.Unmarshal(raw, &q.Choices); err != nil {
		return domain.Question{}, fmt.Errorf("unmarshal choices: %w", err)
	}
	return q, nil
}

func (l *CatalogLoader) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := l.pool.QueryRow(ctx,
		`SELECT id, name, color, icon, max_members FROM teams WHERE id=$1`, id).
		Scan(&t.ID, &t.Name, &t.Color, &t.Icon, &t.MaxMembers)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Team{}, fmt.Errorf("%s: %w", id, domain.ErrTeamNotFound)
	}
	if err != nil {
		return domain.Team{}, fmt.Errorf("load team: %w", err)
	}
	return t, nil
}

func (l *CatalogLoader) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := l.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(team_id, ''), is_leader FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.TeamID, &u.IsLeader)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("%s: %w", id, domain.ErrUserNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (l *CatalogLoader) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := l.pool.Query(ctx, `SELECT id, name, color, icon, max_members FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.Icon, &t.MaxMembers); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (l *CatalogLoader) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := l.pool.Query(ctx, `SELECT id, name, COALESCE(team_id, ''), is_leader FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.TeamID, &u.IsLeader); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SeedCatalog upserts catalog rows, used by the seed command and integration tests.
func SeedCatalog(ctx context.Context, pool *pgxpool.Pool, questions []domain.Question, teams []domain.Team, users []domain.User) error {
	batch := &pgx.Batch{}
	for _, t := range teams {
		batch.Queue(`INSERT INTO teams (id, name, color, icon, max_members) VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, color=EXCLUDED.color, icon=EXCLUDED.icon, max_members=EXCLUDED.max_members`,
			t.ID, t.Name, t.Color, t.Icon, t.MaxMembers)
	}
	for _, u := range users {
		batch.Queue(`INSERT INTO users (id, name, team_id, is_leader) VALUES ($1,$2,NULLIF($3,''),$4)
			ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, team_id=EXCLUDED.team_id, is_leader=EXCLUDED.is_leader`,
			u.ID, u.Name, u.TeamID, u.IsLeader)
	}
	for _, q := range questions {
		choices, err := json.Marshal(q.Choices)
		if err != nil {
			return fmt.Errorf("marshal choices: %w", err)
		}
		batch.Queue(`INSERT INTO questions (id, kind, prompt, choices, correct_answer, weight) VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET kind=EXCLUDED.kind, prompt=EXCLUDED.prompt, choices=EXCLUDED.choices,
			correct_answer=EXCLUDED.correct_answer, weight=EXCLUDED.weight`,
			q.ID, string(q.Kind), q.Prompt, string(choices), q.CorrectAnswer, q.Weight)
	}
	br := pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
	}
	return nil
}
