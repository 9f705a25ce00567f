// Package prompts assembles LLM prompts from versioned Liquid templates.
//
// Templates are looked up by (key, version, implementation) in a
// TemplateStore and rendered against a Vars map. Any lookup or render
// failure degrades to a hardcoded prompt built from the same variables.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/store"
)

// Latest selects the highest stored version of a template.
const Latest = 0

// DefaultImplementation is the implementation name used by the shipped templates.
const DefaultImplementation = "default"

// Ref identifies one template.
type Ref struct {
	Key            string
	Version        int
	Implementation string
}

func (r Ref) String() string {
	v := "latest"
	if r.Version > 0 {
		v = strconv.Itoa(r.Version)
	}
	return r.Key + "@" + v + "/" + r.Implementation
}

// ParseVersion accepts "latest" (or empty) and positive integers.
func ParseVersion(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "latest" {
		return Latest, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid template version %q", s)
	}
	return v, nil
}

// TemplateStore is the read side of a template backend.
type TemplateStore interface {
	Get(ctx context.Context, key string, version int, implementation string) (string, error)
}

// TemplateWriter is implemented by backends that can be seeded.
type TemplateWriter interface {
	Put(ctx context.Context, t models.PromptTemplate) error
}

// Seed writes every template into w and returns how many were written.
func Seed(ctx context.Context, w TemplateWriter, templates []models.PromptTemplate) (int, error) {
	n := 0
	for _, t := range templates {
		if err := w.Put(ctx, t); err != nil {
			return n, fmt.Errorf("seed %s v%d/%s: %w", t.Key, t.Version, t.Implementation, err)
		}
		n++
	}
	slog.Info("Prompts.Seed: templates written", "count", n)
	return n, nil
}

// SQLSource reads templates from the prompt_templates table of a store.
type SQLSource struct {
	store store.Store
}

// NewSQLSource wraps a store.
func NewSQLSource(st store.Store) *SQLSource {
	return &SQLSource{store: st}
}

func (s *SQLSource) Get(ctx context.Context, key string, version int, implementation string) (string, error) {
	t, err := s.store.GetPromptTemplate(key, version, implementation)
	if err != nil {
		return "", err
	}
	return t.Body, nil
}

func (s *SQLSource) Put(ctx context.Context, t models.PromptTemplate) error {
	return s.store.SavePromptTemplate(t)
}

// DefaultRedisPrefix namespaces every key the Redis source touches.
const DefaultRedisPrefix = "affirmflow"

// RedisSource keeps template bodies under {prefix}:prompt:{key}:{version}:{implementation}
// and the known versions of each (key, implementation) in a sorted set.
type RedisSource struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisSource wraps a Redis client.
func NewRedisSource(rdb goredis.UniversalClient) *RedisSource {
	return &RedisSource{rdb: rdb, prefix: DefaultRedisPrefix}
}

// DialRedis connects and pings, the way every Redis consumer in this repo starts.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisSource) bodyKey(key string, version int, implementation string) string {
	return fmt.Sprintf("%s:prompt:%s:%d:%s", s.prefix, key, version, implementation)
}

func (s *RedisSource) versionsKey(key, implementation string) string {
	return fmt.Sprintf("%s:prompt-versions:%s:%s", s.prefix, key, implementation)
}

func (s *RedisSource) Get(ctx context.Context, key string, version int, implementation string) (string, error) {
	if version <= 0 {
		vs, err := s.rdb.ZRevRange(ctx, s.versionsKey(key, implementation), 0, 0).Result()
		if err != nil {
			return "", fmt.Errorf("redis version lookup: %w", err)
		}
		if len(vs) == 0 {
			return "", store.ErrTemplateNotFound
		}
		if version, err = strconv.Atoi(vs[0]); err != nil {
			return "", fmt.Errorf("corrupt version entry %q: %w", vs[0], err)
		}
	}
	body, err := s.rdb.Get(ctx, s.bodyKey(key, version, implementation)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", store.ErrTemplateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return body, nil
}

func (s *RedisSource) Put(ctx context.Context, t models.PromptTemplate) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.bodyKey(t.Key, t.Version, t.Implementation), t.Body, 0)
	pipe.ZAdd(ctx, s.versionsKey(t.Key, t.Implementation), goredis.Z{
		Score:  float64(t.Version),
		Member: strconv.Itoa(t.Version),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", t.Key, err)
	}
	return nil
}
