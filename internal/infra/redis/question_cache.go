package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/domain"
)

// QuestionCache caches questions in Redis (one JSON string per question) and
// falls back to the wrapped catalog on a miss. Team and user lookups pass through.
// Questions are stored as: SET catalog:question:{questionID} {json}
type QuestionCache struct {
	app.Catalog
	client *redis.Client
	ttl    time.Duration
	sf     singleflight.Group
	rndMu  sync.Mutex
	rnd    *rand.Rand
}

func NewQuestionCache(client *redis.Client, loader app.Catalog, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		Catalog: loader,
		client:  client,
		ttl:     ttl,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	if q, ok := c.cached(ctx, id); ok {
		return q, nil
	}

	result, err, _ := c.sf.Do(id, func() (any, error) {
		// Re-check cache in case another caller filled it.
		if q, ok := c.cached(ctx, id); ok {
			return q, nil
		}
		q, err := c.Catalog.GetQuestion(ctx, id)
		if err != nil {
			return domain.Question{}, err
		}
		if raw, err := json.Marshal(q); err == nil {
			_ = c.client.Set(ctx, questionKey(id), raw, c.ttlWithJitter()).Err()
		}
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return result.(domain.Question), nil
}

func (c *QuestionCache) cached(ctx context.Context, id string) (domain.Question, bool) {
	raw, err := c.client.Get(ctx, questionKey(id)).Bytes()
	if err != nil {
		return domain.Question{}, false
	}
	var q domain.Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.Question{}, false
	}
	return q, true
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func questionKey(id string) string {
	return "catalog:question:" + id
}

// isMiss reports a plain cache miss as opposed to a Redis failure.
func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
