package memory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/domain"
)

// CatalogCache caches catalog lookups with TTL to avoid repeated backing store hits.
type CatalogCache struct {
	loader app.Catalog
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedEntry
}

type cachedEntry struct {
	value     any
	expiresAt time.Time
}

func NewCatalogCache(loader app.Catalog, ttl time.Duration) *CatalogCache {
	return &CatalogCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedEntry),
	}
}

func (c *CatalogCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	v, err := c.get("question:"+id, func() (any, error) { return c.loader.GetQuestion(ctx, id) })
	if err != nil {
		return domain.Question{}, err
	}
	return v.(domain.Question), nil
}

func (c *CatalogCache) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	v, err := c.get("team:"+id, func() (any, error) { return c.loader.GetTeam(ctx, id) })
	if err != nil {
		return domain.Team{}, err
	}
	return v.(domain.Team), nil
}

func (c *CatalogCache) GetUser(ctx context.Context, id string) (domain.User, error) {
	v, err := c.get("user:"+id, func() (any, error) { return c.loader.GetUser(ctx, id) })
	if err != nil {
		return domain.User{}, err
	}
	return v.(domain.User), nil
}

func (c *CatalogCache) ListTeams(ctx context.Context) ([]domain.Team, error) {
	v, err := c.get("teams", func() (any, error) { return c.loader.ListTeams(ctx) })
	if err != nil {
		return nil, err
	}
	return append([]domain.Team(nil), v.([]domain.Team)...), nil
}

func (c *CatalogCache) ListUsers(ctx context.Context) ([]domain.User, error) {
	v, err := c.get("users", func() (any, error) { return c.loader.ListUsers(ctx) })
	if err != nil {
		return nil, err
	}
	return append([]domain.User(nil), v.([]domain.User)...), nil
}

func (c *CatalogCache) get(key string, load func() (any, error)) (any, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[key]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.value, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[key]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.value, nil
		}
		c.mu.RUnlock()

		value, err := load()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[key] = cachedEntry{value: value, expiresAt: now.Add(c.ttlWithJitter())}
		c.mu.Unlock()
		return value, nil
	})
	return v, err
}

func (c *CatalogCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticCatalog is a catalog backed by in-memory maps (seed files, tests, demos).
type StaticCatalog struct {
	questions map[string]domain.Question
	teams     map[string]domain.Team
	users     map[string]domain.User
}

// CatalogData is the seed file layout.
type CatalogData struct {
	Questions []domain.Question `yaml:"questions"`
	Teams     []domain.Team     `yaml:"teams"`
	Users     []domain.User     `yaml:"users"`
}

func NewStaticCatalog(data CatalogData) *StaticCatalog {
	c := &StaticCatalog{
		questions: make(map[string]domain.Question, len(data.Questions)),
		teams:     make(map[string]domain.Team, len(data.Teams)),
		users:     make(map[string]domain.User, len(data.Users)),
	}
	for _, q := range data.Questions {
		c.questions[q.ID] = q
	}
	for _, t := range data.Teams {
		c.teams[t.ID] = t
	}
	for _, u := range data.Users {
		c.users[u.ID] = u
	}
	return c
}

// ReadCatalogFile parses a YAML seed file and validates its questions.
func ReadCatalogFile(path string) (CatalogData, error) {
	var data CatalogData
	raw, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("read catalog: %w", err)
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("parse catalog: %w", err)
	}
	for _, q := range data.Questions {
		if err := q.Validate(); err != nil {
			return data, fmt.Errorf("catalog %s: %w", path, err)
		}
	}
	return data, nil
}

// LoadCatalogFile reads a YAML seed file into a StaticCatalog.
func LoadCatalogFile(path string) (*StaticCatalog, error) {
	data, err := ReadCatalogFile(path)
	if err != nil {
		return nil, err
	}
	return NewStaticCatalog(data), nil
}

func (c *StaticCatalog) GetQuestion(_ context.Context, id string) (domain.Question, error) {
	if q, ok := c.questions[id]; ok {
		return q, nil
	}
	return domain.Question{}, domain.ErrQuestionNotFound
}

func (c *StaticCatalog) GetTeam(_ context.Context, id string) (domain.Team, error) {
	if t, ok := c.teams[id]; ok {
		return t, nil
	}
	return domain.Team{}, domain.ErrTeamNotFound
}

func (c *StaticCatalog) GetUser(_ context.Context, id string) (domain.User, error) {
	if u, ok := c.users[id]; ok {
		return u, nil
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (c *StaticCatalog) ListTeams(_ context.Context) ([]domain.Team, error) {
	teams := make([]domain.Team, 0, len(c.teams))
	for _, t := range c.teams {
		teams = append(teams, t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

func (c *StaticCatalog) ListUsers(_ context.Context) ([]domain.User, error) {
	users := make([]domain.User, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}
