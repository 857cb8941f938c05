// Package presence mirrors the broker's live user registry into a Redis
// hash purely for external observability (e.g. a status page querying
// Redis instead of the broker process). It is advisory only: the broker
// never reads it back, and it carries no session state across restarts.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaykit/sessionbroker/internal/broker"
	"github.com/relaykit/sessionbroker/internal/logger"
)

// Config holds the Redis connection settings for the mirror.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	// ProcessID distinguishes this broker instance's hash key from any
	// siblings sharing the same Redis, e.g. when run behind a load
	// balancer with multiple broker processes.
	ProcessID string
}

// Mirror publishes join/link/unlink/leave transitions from a broker.Server
// to a Redis hash broker:users:<processID>, field=username, value=status
// ("linked" or "unlinked"). Attach with Mirror.Attach.
type Mirror struct {
	client *redis.Client
	key    string
	log    zerolog.Logger
}

// NewMirror opens a Redis client for the mirror. It does not contact
// Redis until the first write.
func NewMirror(cfg Config) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        10,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})
	return &Mirror{
		client: client,
		key:    fmt.Sprintf("broker:users:%s", cfg.ProcessID),
		log:    *logger.Presence(),
	}
}

// Clear removes any stale hash left over from a prior run of this
// process. Call once before Attach, typically right before Listen.
func (m *Mirror) Clear(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}

// Attach wires the mirror to srv's lifecycle events. Safe to call once
// per Mirror.
func (m *Mirror) Attach(srv *broker.Server) {
	srv.OnJoin(func(username string) { m.set(username, "unlinked") })
	srv.OnLink(func(username string) { m.set(username, "linked") })
	srv.OnUnlink(func(username string) { m.set(username, "unlinked") })
	srv.OnLeave(func(username string) { m.remove(username) })
	srv.OnClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.client.Del(ctx, m.key).Err(); err != nil {
			m.log.Warn().Err(err).Msg("failed to clear presence hash on close")
		}
	})
}

func (m *Mirror) set(username, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.HSet(ctx, m.key, username, status).Err(); err != nil {
		m.log.Warn().Err(err).Str("username", username).Msg("failed to write presence")
	}
}

func (m *Mirror) remove(username string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.HDel(ctx, m.key, username).Err(); err != nil {
		m.log.Warn().Err(err).Str("username", username).Msg("failed to remove presence")
	}
}

// Reconcile re-derives the Redis hash from the broker's live user list,
// overwriting drift caused by a missed publish. Intended to be driven by
// a periodic job (see cmd/server/main.go).
func (m *Mirror) Reconcile(ctx context.Context, srv *broker.Server) error {
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("presence: reconcile clear: %w", err)
	}
	usernames := srv.Users()
	if len(usernames) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(usernames))
	for _, u := range usernames {
		fields[u] = "unlinked"
	}
	if err := m.client.HSet(ctx, m.key, fields).Err(); err != nil {
		return fmt.Errorf("presence: reconcile write: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
