// Package translation provides on-demand translation memoized by
// (text, target language). Results are pure functions of their inputs,
// which makes the cache safe to share across documents and sessions.
package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/docsight/reader-engine/internal/cache"
	"github.com/docsight/reader-engine/internal/observability"
)

// Translator is the external translation collaborator.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Cache memoizes translations. Concurrent identical requests collapse to
// a single in-flight collaborator call.
type Cache struct {
	translator Translator
	store      cache.Client
	logger     *observability.Logger
	ttl        time.Duration
	group      singleflight.Group
}

// Config holds translation cache settings.
type Config struct {
	TTL time.Duration
}

// NewCache creates a translation cache over the given backend.
func NewCache(translator Translator, store cache.Client, logger *observability.Logger, cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	return &Cache{
		translator: translator,
		store:      store,
		logger:     logger.WithComponent("translation"),
		ttl:        ttl,
	}
}

// Translate returns the translation of text into targetLang, from cache
// when possible.
func (c *Cache) Translate(ctx context.Context, text, targetLang string) (string, error) {
	key := Key(text, targetLang)

	if cached, err := c.store.Get(ctx, key); err == nil {
		return string(cached), nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Msg("Cache read failed, falling through to collaborator")
	}

	result, err, shared := c.group.Do(key, func() (any, error) {
		translated, err := c.translator.Translate(ctx, text, targetLang)
		if err != nil {
			return nil, err
		}

		if err := c.store.Set(ctx, key, []byte(translated), c.ttl); err != nil {
			c.logger.Warn().Err(err).Msg("Cache write failed")
		}

		return translated, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		c.logger.Debug().Str("lang", targetLang).Msg("Coalesced concurrent translation request")
	}

	return result.(string), nil
}

// Key derives the exact-match cache key for (text, target language).
func Key(text, targetLang string) string {
	sum := sha256.Sum256([]byte(targetLang + "\x00" + text))
	return "translate:" + targetLang + ":" + hex.EncodeToString(sum[:])
}
