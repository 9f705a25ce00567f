package sessionref

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

const (
	DefaultPrefix = "affirmflow"
	// DefaultTTL keeps a reference about as long as a browser would.
	DefaultTTL = 30 * 24 * time.Hour
)

// RedisStore keeps references under {prefix}:session-ref:{clientId} and
// publishes every change on {prefix}:session-ref:events so other instances
// can notify their own subscribers.
type RedisStore struct {
	rdb      goredis.UniversalClient
	prefix   string
	ttl      time.Duration
	instance string
	hub      *hub

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets the reference expiry. Zero keeps references forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore subscribes to the change channel and starts the forwarder.
// The caller owns rdb; Close stops the forwarder but leaves rdb open.
func NewRedisStore(ctx context.Context, rdb goredis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		rdb:      rdb,
		prefix:   DefaultPrefix,
		ttl:      DefaultTTL,
		instance: uuid.NewString(),
		hub:      newHub(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	sub := rdb.Subscribe(ctx, s.channel())
	// Receive confirms the subscription before any write can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	fctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.forward(fctx, sub)
	slog.Debug("SessionRef.NewRedisStore: forwarder started", "channel", s.channel(), "instance", s.instance)
	return s, nil
}

func (s *RedisStore) key(clientID string) string {
	return fmt.Sprintf("%s:session-ref:%s", s.prefix, clientID)
}

func (s *RedisStore) channel() string {
	return s.prefix + ":session-ref:events"
}

func (s *RedisStore) forward(ctx context.Context, sub *goredis.PubSub) {
	defer close(s.done)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				slog.Warn("SessionRef.forward: bad payload", "error", err)
				continue
			}
			if ev.Origin == s.instance {
				continue
			}
			s.hub.emit(ev)
		}
	}
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (*models.SessionRef, error) {
	if err := validate(clientID, nil); err != nil {
		return nil, err
	}
	raw, err := s.rdb.Get(ctx, s.key(clientID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ref models.SessionRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		slog.Warn("SessionRef.Get: dropping unreadable reference", "clientID", clientID, "error", err)
		return nil, nil
	}
	return &ref, nil
}

func (s *RedisStore) Put(ctx context.Context, clientID string, ref models.SessionRef) error {
	if err := validate(clientID, &ref); err != nil {
		return err
	}
	if s.hub.isClosed() {
		return ErrClosed
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(clientID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	ev := Event{ClientID: clientID, Ref: &ref, Origin: s.instance}
	s.publish(ctx, ev)
	s.hub.emit(ev)
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, clientID string) error {
	if err := validate(clientID, nil); err != nil {
		return err
	}
	if s.hub.isClosed() {
		return ErrClosed
	}
	if err := s.rdb.Del(ctx, s.key(clientID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	ev := Event{ClientID: clientID, Origin: s.instance}
	s.publish(ctx, ev)
	s.hub.emit(ev)
	return nil
}

// publish failures only cost other instances their notification.
func (s *RedisStore) publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(), raw).Err(); err != nil {
		slog.Warn("SessionRef.publish: redis publish failed", "clientID", ev.ClientID, "error", err)
	}
}

func (s *RedisStore) Subscribe(fn func(Event)) func() {
	return s.hub.subscribe(fn)
}

// Close stops the forwarder and waits for it to exit.
func (s *RedisStore) Close() error {
	s.once.Do(func() {
		s.hub.close()
		s.cancel()
		<-s.done
	})
	return nil
}
