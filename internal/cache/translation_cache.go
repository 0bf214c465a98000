// Package cache memoizes translations in Redis so repeated utterances across
// classrooms skip the provider round trip
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"voicetranslator/pkg/interfaces"
)

// Store is the key/value surface the translation cache needs
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisStore implements Store on go-redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and pings it
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	addr = strings.TrimPrefix(addr, "redis://")
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Ping is used by the health endpoint
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Translator wraps another Translator with a read-through cache. Cache
// failures degrade to the inner translator and are only logged.
type Translator struct {
	inner interfaces.Translator
	store Store
	ttl   time.Duration
}

var _ interfaces.Translator = (*Translator)(nil)

func NewTranslator(inner interfaces.Translator, store Store, ttl time.Duration) *Translator {
	return &Translator{inner: inner, store: store, ttl: ttl}
}

func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	key := Key(text, sourceLang, targetLang)

	if cached, ok, err := t.store.Get(ctx, key); err != nil {
		log.Printf("Translation cache read failed target=%s: %v", targetLang, err)
	} else if ok {
		return cached, nil
	}

	translated, err := t.inner.Translate(ctx, text, sourceLang, targetLang)
	if err != nil {
		return "", err
	}
	if translated != "" {
		if err := t.store.Set(ctx, key, translated, t.ttl); err != nil {
			log.Printf("Translation cache write failed target=%s: %v", targetLang, err)
		}
	}
	return translated, nil
}

// Key hashes the utterance so keys stay short and never echo classroom speech
func Key(text, sourceLang, targetLang string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(sourceLang) + "\x00" + strings.ToLower(targetLang) + "\x00" + text))
	return "translation:" + hex.EncodeToString(sum[:])
}
