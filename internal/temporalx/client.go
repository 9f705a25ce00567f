// Package temporalx hosts the chat-survey workflow on Temporal.
package temporalx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
)

// Config selects the Temporal cluster.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string
	// MaxWait bounds how long Dial keeps retrying.
	MaxWait time.Duration
}

const (
	DefaultNamespace = "default"
	DefaultTaskQueue = "affirmflow"
)

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.TaskQueue == "" {
		c.TaskQueue = DefaultTaskQueue
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	return c
}

// Dial connects to Temporal, retrying with backoff until MaxWait elapses.
func Dial(ctx context.Context, cfg Config) (temporalsdkclient.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		return nil, fmt.Errorf("temporal address is required")
	}
	opts := temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    temporallog.NewStructuredLogger(slog.Default()),
	}

	deadline := time.Now().Add(cfg.MaxWait)
	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c, err := temporalsdkclient.DialContext(dialCtx, opts)
		cancel()
		if err == nil {
			slog.Info("Temporalx.Dial: connected", "address", cfg.Address, "namespace", cfg.Namespace, "attempts", attempt)
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
		}
		slog.Warn("Temporalx.Dial: temporal not reachable, retrying", "address", cfg.Address, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 5*time.Second)
	}
}
