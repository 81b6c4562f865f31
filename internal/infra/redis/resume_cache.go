package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"wine-quiz-live/internal/app"
	"wine-quiz-live/internal/domain"
)

// ResumeStateCache fronts a SessionStore with a Redis copy of resume states so
// reconnecting players are answered without a database round trip.
// Outside a transaction upserts are written through. Inside one, touched keys
// are collected and deleted after commit, so the cache never holds uncommitted data.
//
//	resume:{sessionID}:{userID}  JSON state
//	resume:{sessionID}:users     set of user IDs with a cached state
type ResumeStateCache struct {
	app.SessionStore
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func NewResumeStateCache(store app.SessionStore, client *redis.Client, ttl time.Duration, log *slog.Logger) *ResumeStateCache {
	if log == nil {
		log = slog.Default()
	}
	return &ResumeStateCache{SessionStore: store, client: client, ttl: ttl, log: log}
}

func (c *ResumeStateCache) GetUserSessionState(ctx context.Context, userID, sessionID string) (domain.UserSessionState, error) {
	raw, err := c.client.Get(ctx, resumeKey(sessionID, userID)).Bytes()
	if err == nil {
		var st domain.UserSessionState
		if err := json.Unmarshal(raw, &st); err == nil {
			return st, nil
		}
	} else if !isMiss(err) {
		c.log.Warn("resume cache read failed", "session_id", sessionID, "user_id", userID, "err", err)
	}

	st, err := c.SessionStore.GetUserSessionState(ctx, userID, sessionID)
	if err != nil {
		return st, err
	}
	c.put(ctx, st)
	return st, nil
}

func (c *ResumeStateCache) UpsertUserSessionState(ctx context.Context, st domain.UserSessionState) error {
	if err := c.SessionStore.UpsertUserSessionState(ctx, st); err != nil {
		return err
	}
	c.put(ctx, st)
	return nil
}

func (c *ResumeStateCache) DeleteUserSessionStates(ctx context.Context, sessionID string) error {
	if err := c.SessionStore.DeleteUserSessionStates(ctx, sessionID); err != nil {
		return err
	}
	c.purge(ctx, sessionID)
	return nil
}

func (c *ResumeStateCache) RunInTx(ctx context.Context, fn func(ctx context.Context, tx app.SessionStore) error) error {
	var view *txView
	err := c.SessionStore.RunInTx(ctx, func(ctx context.Context, tx app.SessionStore) error {
		view = &txView{SessionStore: tx}
		return fn(ctx, view)
	})
	if err != nil || view == nil {
		return err
	}
	for _, sessionID := range view.purged {
		c.purge(ctx, sessionID)
	}
	if len(view.dirty) > 0 {
		keys := make([]string, 0, len(view.dirty))
		for k := range view.dirty {
			keys = append(keys, k)
		}
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.log.Warn("resume cache invalidation failed, purging sessions", "keys", len(keys), "err", err)
			for sessionID := range view.sessions {
				c.purge(ctx, sessionID)
			}
		}
	}
	return nil
}

func (c *ResumeStateCache) put(ctx context.Context, st domain.UserSessionState) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, resumeKey(st.SessionID, st.UserID), raw, c.ttl)
	pipe.SAdd(ctx, resumeIndexKey(st.SessionID), st.UserID)
	if c.ttl > 0 {
		pipe.Expire(ctx, resumeIndexKey(st.SessionID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("resume cache write failed", "session_id", st.SessionID, "user_id", st.UserID, "err", err)
	}
}

func (c *ResumeStateCache) purge(ctx context.Context, sessionID string) {
	users, err := c.client.SMembers(ctx, resumeIndexKey(sessionID)).Result()
	if err != nil && !isMiss(err) {
		c.log.Warn("resume cache index read failed", "session_id", sessionID, "err", err)
		return
	}
	keys := make([]string, 0, len(users)+1)
	for _, u := range users {
		keys = append(keys, resumeKey(sessionID, u))
	}
	keys = append(keys, resumeIndexKey(sessionID))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("resume cache purge failed", "session_id", sessionID, "err", err)
	}
}

// txView records which cached states a transaction touched.
type txView struct {
	app.SessionStore
	mu       sync.Mutex
	dirty    map[string]struct{}
	sessions map[string]struct{}
	purged   []string
}

func (v *txView) UpsertUserSessionState(ctx context.Context, st domain.UserSessionState) error {
	if err := v.SessionStore.UpsertUserSessionState(ctx, st); err != nil {
		return err
	}
	v.mu.Lock()
	if v.dirty == nil {
		v.dirty = make(map[string]struct{})
		v.sessions = make(map[string]struct{})
	}
	v.dirty[resumeKey(st.SessionID, st.UserID)] = struct{}{}
	v.sessions[st.SessionID] = struct{}{}
	v.mu.Unlock()
	return nil
}

func (v *txView) DeleteUserSessionStates(ctx context.Context, sessionID string) error {
	if err := v.SessionStore.DeleteUserSessionStates(ctx, sessionID); err != nil {
		return err
	}
	v.mu.Lock()
	v.purged = append(v.purged, sessionID)
	v.mu.Unlock()
	return nil
}

func (v *txView) RunInTx(ctx context.Context, fn func(ctx context.Context, tx app.SessionStore) error) error {
	return fn(ctx, v)
}

func resumeKey(sessionID, userID string) string {
	return "resume:" + sessionID + ":" + userID
}

func resumeIndexKey(sessionID string) string {
	return "resume:" + sessionID + ":users"
}
