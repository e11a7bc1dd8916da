package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenSafetyMargin = 60 * time.Second

// AccessToken is a short-lived provider credential
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t AccessToken) validAt(now time.Time) bool {
	return t.Value != "" && now.Add(tokenSafetyMargin).Before(t.ExpiresAt)
}

// TokenStore shares a token between processes, so the server and worker do not each fetch one.
type TokenStore interface {
	LoadToken(ctx context.Context) (AccessToken, bool, error)
	SaveToken(ctx context.Context, token AccessToken) error
	DeleteToken(ctx context.Context, value string) error
}

// TokenFetcher performs the actual credential exchange and returns the token with its lifetime.
type TokenFetcher func(ctx context.Context) (string, time.Duration, error)

// CredentialCache holds the current access token and refreshes it when it is near expiry.
type CredentialCache struct {
	mu      sync.Mutex
	token   AccessToken
	revoked string
	store   TokenStore
	now     func() time.Time
}

// NewCredentialCache creates an empty cache. store may be nil.
func NewCredentialCache(store TokenStore) *CredentialCache {
	return &CredentialCache{store: store, now: time.Now}
}

// Token returns a valid token, calling fetch only when neither the cache nor the store has one.
func (c *CredentialCache) Token(ctx context.Context, fetch TokenFetcher) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token.validAt(now) {
		return c.token.Value, nil
	}

	if c.store != nil {
		if shared, ok, err := c.store.LoadToken(ctx); err == nil && ok && shared.validAt(now) && shared.Value != c.revoked {
			c.token = shared
			return shared.Value, nil
		}
	}

	value, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", errors.New("provider returned an empty access token")
	}

	c.token = AccessToken{Value: value, ExpiresAt: now.Add(ttl)}
	c.revoked = ""
	if c.store != nil {
		// the in-process copy still works if the shared store is down
		_ = c.store.SaveToken(ctx, c.token)
	}
	return value, nil
}

// Invalidate drops the cached token, here and in the shared store, so the next call fetches a fresh one.
func (c *CredentialCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value != "" {
		c.revoked = c.token.Value
	}
	c.token = AccessToken{}
	if c.store != nil && c.revoked != "" {
		// a failed delete is covered by revoked, which keeps this process off the stale copy
		_ = c.store.DeleteToken(ctx, c.revoked)
	}
}

// RedisTokenStore keeps the token in Redis until shortly before it expires
type RedisTokenStore struct {
	cache *RedisCache
	key   string
}

func NewRedisTokenStore(cache *RedisCache) *RedisTokenStore {
	return &RedisTokenStore{cache: cache, key: cache.key("mpesa:access_token")}
}

func (s *RedisTokenStore) LoadToken(ctx context.Context) (AccessToken, bool, error) {
	var token AccessToken
	if err := s.cache.Get(ctx, s.key, &token); err != nil {
		if errors.Is(err, redis.Nil) {
			return AccessToken{}, false, nil
		}
		return AccessToken{}, false, err
	}
	return token, true, nil
}

func (s *RedisTokenStore) SaveToken(ctx context.Context, token AccessToken) error {
	ttl := time.Until(token.ExpiresAt) - tokenSafetyMargin
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, s.key, token, ttl)
}

// DeleteToken removes the shared token if it still holds value, leaving a newer token from another process alone.
func (s *RedisTokenStore) DeleteToken(ctx context.Context, value string) error {
	client := s.cache.Client()
	return client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var current AccessToken
		if err := json.Unmarshal(data, &current); err != nil || current.Value != value {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.key)
			return nil
		})
		return err
	}, s.key)
}
