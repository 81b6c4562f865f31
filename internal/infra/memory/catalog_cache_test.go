package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"wine-quiz-live/internal/domain"
)

func TestCatalogCacheCaches(t *testing.T) {
	loader := &countingCatalog{StaticCatalog: NewStaticCatalog(sampleCatalog())}
	cache := NewCatalogCache(loader, time.Minute)

	if _, err := cache.GetQuestion(context.Background(), "q1"); err != nil {
		t.Fatalf("get question: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls.Load())
	}

	if _, err := cache.GetQuestion(context.Background(), "q1"); err != nil {
		t.Fatalf("get question 2: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls.Load())
	}
}

func TestCatalogCacheExpires(t *testing.T) {
	loader := &countingCatalog{StaticCatalog: NewStaticCatalog(sampleCatalog())}
	cache := NewCatalogCache(loader, time.Minute)
	now := time.Unix(1000, 0)
	cache.clock = func() time.Time { return now }

	_, _ = cache.GetQuestion(context.Background(), "q1")
	now = now.Add(2 * time.Minute)
	_, _ = cache.GetQuestion(context.Background(), "q1")
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after expiry, loader calls %d", loader.calls.Load())
	}
}

func TestCatalogCacheDoesNotCacheMisses(t *testing.T) {
	loader := &countingCatalog{StaticCatalog: NewStaticCatalog(sampleCatalog())}
	cache := NewCatalogCache(loader, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := cache.GetQuestion(context.Background(), "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if loader.calls.Load() != 2 {
		t.Fatalf("expected misses to reach loader, calls %d", loader.calls.Load())
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	seed := `
questions:
  - id: q1
    kind: multiple_choice
    prompt: Which grape makes Chablis?
    correctAnswer: B
    weight: 10
    choices:
      - {label: A, text: Riesling}
      - {label: B, text: Chardonnay}
teams:
  - {id: t1, name: Reds, maxMembers: 4}
users:
  - {id: u1, name: Ana, teamId: t1, isLeader: true}
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	catalog, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	q, err := catalog.GetQuestion(context.Background(), "q1")
	if err != nil {
		t.Fatalf("get question: %v", err)
	}
	if q.CorrectAnswer != "B" || len(q.Choices) != 2 || q.Validate() != nil {
		t.Fatalf("unexpected question %+v", q)
	}
	u, err := catalog.GetUser(context.Background(), "u1")
	if err != nil || !u.IsLeader || u.TeamID != "t1" {
		t.Fatalf("unexpected user %+v err=%v", u, err)
	}
}

func TestReadCatalogFileRejectsInvalidQuestion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	seed := `
questions:
  - id: q1
    kind: multiple_choice
    prompt: Only one way
    correctAnswer: A
    choices:
      - {label: A, text: Merlot}
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := ReadCatalogFile(path); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

type countingCatalog struct {
	*StaticCatalog
	calls atomic.Int32
}

func (c *countingCatalog) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	c.calls.Add(1)
	return c.StaticCatalog.GetQuestion(ctx, id)
}

func sampleCatalog() CatalogData {
	return CatalogData{
		Questions: []domain.Question{
			{
				ID:     "q1",
				Kind:   domain.QuestionMultipleChoice,
				Prompt: "Which region is Barolo from?",
				Choices: []domain.Choice{
					{Label: "A", Text: "Tuscany"},
					{Label: "B", Text: "Piedmont"},
				},
				CorrectAnswer: "B",
				Weight:        10,
			},
		},
		Teams: []domain.Team{{ID: "t1", Name: "Reds"}},
		Users: []domain.User{{ID: "u1", TeamID: "t1"}},
	}
}
