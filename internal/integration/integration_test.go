package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/infra/postgres"
	pgmigrations "wine-quiz-live/internal/infra/postgres/migrations"
	infraredis "wine-quiz-live/internal/infra/redis"
	"wine-quiz-live/internal/registry"
	"wine-quiz-live/internal/scoring"
)

type stack struct {
	pool   *pgxpool.Pool
	store  app.SessionStore
	engine *app.Engine
	reg    *registry.Registry
}

func newStack(t *testing.T, ctx context.Context) stack {
	t.Helper()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	t.Cleanup(pgCleanup)
	redisURL, redisCleanup := startRedis(t, ctx)
	t.Cleanup(redisCleanup)

	db := migrateDB(t, ctx, pgURL)
	t.Cleanup(func() { _ = db.Close() })

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := postgres.SeedCatalog(ctx, pool, sampleQuestions(), sampleTeams(), sampleUsers()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = redisClient.Close() })

	catalog := infraredis.NewQuestionCache(redisClient, postgres.NewCatalogLoader(pool), 5*time.Minute)
	store := infraredis.NewResumeStateCache(postgres.NewSessionStore(db), redisClient, 5*time.Minute, nil)
	reg := registry.New(0, nil)
	return stack{pool: pool, store: store, engine: app.NewEngine(store, catalog, reg), reg: reg}
}

func TestLiveSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ctx)

	admin := s.reg.Connect(domain.Identity{UserID: "host", IsAdmin: true})
	session, _, err := s.engine.CreateSession(ctx, app.NewSession{
		GameMode: domain.GameModeIndividual,
		Rounds:   [][]string{{"q1", "q2"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, err := s.engine.Join(ctx, domain.Identity{UserID: u}, session.ID, "", nil); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
	if _, err := s.engine.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	submit := func(user, question, choice, text string) error {
		_, err := s.engine.SubmitAnswer(ctx, domain.Identity{UserID: user}, session.ID, scoring.Submission{
			QuestionID: question, SelectedChoice: choice, TextAnswer: text,
		})
		return err
	}
	if err := submit("u1", "q1", "B", ""); err != nil {
		t.Fatalf("submit u1: %v", err)
	}
	if err := submit("u2", "q1", "B", ""); err != nil {
		t.Fatalf("submit u2: %v", err)
	}
	if err := submit("u1", "q1", "A", ""); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate answer, got %v", err)
	}

	if _, err := s.engine.AdvanceQuestion(ctx, session.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// A fresh engine over the same stores resumes where the first left off.
	restarted := app.NewEngine(s.store, postgres.NewCatalogLoader(s.pool), s.reg)
	res, err := restarted.Join(ctx, domain.Identity{UserID: "u1"}, session.ID, "", nil)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.State.CurrentQuestionID != "q2" || res.State.HasAnsweredCurrent {
		t.Fatalf("unexpected resume state %+v", res.State)
	}

	if err := submit("u1", "q2", "", " sauvignon BLANC "); err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	tr, err := s.engine.AdvanceQuestion(ctx, session.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if tr.Session.Status != domain.StatusFinished || tr.Leaderboard == nil {
		t.Fatalf("expected finished session with leaderboard, got %+v", tr)
	}
	if top := tr.Leaderboard.Entries[0]; top.TeamID != "tA" || top.TotalScore != 15 {
		t.Fatalf("expected tA leading with 15, got %+v", tr.Leaderboard.Entries)
	}

	results, err := s.engine.RoundResults(ctx, session.ID)
	if err != nil || len(results) != 2 {
		t.Fatalf("round results: %+v err=%v", results, err)
	}

	events := drain(admin)
	if len(events) == 0 || events[len(events)-1].Type != domain.EventSessionEnded {
		t.Fatalf("admin missed session_ended: %+v", events)
	}

	if err := s.engine.RetireSession(ctx, session.ID); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := s.store.GetUserSessionState(ctx, "u1", session.ID); !errors.Is(err, domain.ErrStateNotFound) {
		t.Fatalf("expected purged state, got %v", err)
	}
}

func TestSessionStoreTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ctx)

	session, rounds, err := s.engine.CreateSession(ctx, app.NewSession{
		GameMode: domain.GameModeIndividual,
		Rounds:   [][]string{{"q1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	active := domain.StatusActive
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx app.SessionStore) error {
		if err := tx.UpdateSession(ctx, session.ID, domain.SessionPatch{Status: &active}); err != nil {
			return err
		}
		if err := tx.UpdateRound(ctx, rounds[0].ID, domain.RoundPatch{Status: &active}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("session update leaked out of rolled back tx: %s", got.Status)
	}
	stored, err := s.store.GetRoundsBySession(ctx, session.ID)
	if err != nil || len(stored) != 1 || stored[0].Status != domain.StatusPending {
		t.Fatalf("round update leaked: %+v err=%v", stored, err)
	}

	if err := s.store.UpdateSession(ctx, "missing", domain.SessionPatch{Status: &active}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAnswerUniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ctx)

	session, rounds, err := s.engine.CreateSession(ctx, app.NewSession{
		GameMode: domain.GameModeIndividual,
		Rounds:   [][]string{{"q1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	answer := domain.Answer{
		ID: "a-1", SessionID: session.ID, RoundID: rounds[0].ID, QuestionID: "q1",
		UserID: "u1", SelectedChoice: "B", IsCorrect: true, PointsAwarded: 10, AnsweredAt: time.Now().UTC(),
	}
	if err := s.store.CreateAnswer(ctx, answer); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	answer.ID = "a-2"
	if err := s.store.CreateAnswer(ctx, answer); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate answer, got %v", err)
	}
	answers, err := s.store.GetAnswersBySession(ctx, session.ID)
	if err != nil || len(answers) != 1 {
		t.Fatalf("answers: %+v err=%v", answers, err)
	}
}

func drain(c *registry.Client) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-c.Outbound():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:     "q1",
			Kind:   domain.QuestionMultipleChoice,
			Prompt: "Which grape is Barolo made from?",
			Choices: []domain.Choice{
				{Label: "A", Text: "Sangiovese"},
				{Label: "B", Text: "Nebbiolo"},
			},
			CorrectAnswer: "B",
			Weight:        10,
		},
		{
			ID:            "q2",
			Kind:          domain.QuestionOpen,
			Prompt:        "Name the white grape of Sancerre.",
			CorrectAnswer: "Sauvignon Blanc",
			Weight:        5,
		},
	}
}

func sampleTeams() []domain.Team {
	return []domain.Team{{ID: "tA", Name: "Reds"}, {ID: "tB", Name: "Whites"}}
}

func sampleUsers() []domain.User {
	return []domain.User{
		{ID: "u1", Name: "Ana", TeamID: "tA"},
		{ID: "u2", Name: "Ben", TeamID: "tB"},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
