// Package rdb centralizes the Redis connection, the key layout, and the
// fire-and-forget write helper shared by the breaker, rate limiter, and
// session tracker.
//
// Graceful degradation is the rule everywhere Redis is touched: state
// transitions and bookkeeping never fail a request because Redis is down.
// The one exception is lease reconciliation, which callers must await —
// never route it through Go().
package rdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueryTimeout bounds individual Redis calls on the request path.
const DefaultQueryTimeout = 500 * time.Millisecond

// Client wraps a go-redis client with the hub's key prefix.
type Client struct {
	*redis.Client
	prefix string
	log    *slog.Logger
}

// Connect parses url, verifies connectivity with a PING, and returns a
// wrapped client.
func Connect(ctx context.Context, url, prefix string, log *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rdb: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("rdb: ping: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	return &Client{Client: cli, prefix: prefix, log: log}, nil
}

// Wrap adapts an existing client (used by tests with miniredis).
func Wrap(cli *redis.Client, prefix string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{Client: cli, prefix: prefix, log: log}
}

// Go runs fn in the background, logging any error and never propagating it.
// Used for state persistence and metric publishes — not for lease
// reconciliation.
func (c *Client) Go(name string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warn("redis background write failed",
				slog.String("op", name),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// ── Key layout ────────────────────────────────────────────────────────────────

func (c *Client) key(parts ...any) string {
	s := c.prefix
	for _, p := range parts {
		s += fmt.Sprintf(":%v", p)
	}
	return s
}

// ProviderCBKey is the breaker state for one provider (no TTL).
func (c *Client) ProviderCBKey(id int64) string { return c.key("cb", "provider", id) }

// EndpointCBKey is the breaker state for one endpoint (no TTL).
func (c *Client) EndpointCBKey(id int64) string { return c.key("cb", "endpoint", id) }

// VendorTypeFuseKey is the coarse fuse for a (vendor, type) pair (no TTL).
func (c *Client) VendorTypeFuseKey(vendorID int64, t string) string {
	return c.key("cb", "vendorType", vendorID, t)
}

// CBConfigKey holds the cached per-provider breaker tuning.
func (c *Client) CBConfigKey(id int64) string { return c.key("cb", "config", id) }

// ActiveSessionsKey is the set of active session ids.
func (c *Client) ActiveSessionsKey() string { return c.key("session", "active") }

// SessionConcurrentKey is the per-session concurrent request counter.
func (c *Client) SessionConcurrentKey(sid string) string { return c.key("session", "concurrent", sid) }

// SessionKeySetKey / SessionUserSetKey are the membership sets used for
// key- and user-scoped concurrency.
func (c *Client) SessionKeySetKey(keyID int64) string   { return c.key("session", "key", keyID) }
func (c *Client) SessionUserSetKey(userID int64) string { return c.key("session", "user", userID) }

// SessionMetaKey holds the sticky provider and sequence for one session.
func (c *Client) SessionMetaKey(sid string) string { return c.key("session", "meta", sid) }

// QuotaKey is a numeric cost counter for (scope, id, window).
func (c *Client) QuotaKey(scope string, id int64, window string) string {
	return c.key("quota", scope, id, window)
}

// QuotaLeaseKey is one in-flight reservation against a quota counter.
func (c *Client) QuotaLeaseKey(scope string, id int64, window, leaseID string) string {
	return c.key("quota", "lease", scope, id, window, leaseID)
}

// QuotaLeaseScanPattern matches every lease key, for the orphan scan.
func (c *Client) QuotaLeaseScanPattern() string { return c.key("quota", "lease", "*") }

// QuotaCounterForLease derives the counter key a lease key reserves against.
// Lease layout: <prefix>:quota:lease:<scope>:<id>:<window>:<leaseID>.
func (c *Client) QuotaCounterForLease(leaseKey string) (string, bool) {
	leasePrefix := c.key("quota", "lease") + ":"
	if !strings.HasPrefix(leaseKey, leasePrefix) {
		return "", false
	}
	rest := strings.Split(strings.TrimPrefix(leaseKey, leasePrefix), ":")
	if len(rest) != 4 {
		return "", false
	}
	// scope, id, window
	return c.key("quota", rest[0], rest[1], rest[2]), true
}

// RPMKey is the sliding-window member set for a user's requests-per-minute.
func (c *Client) RPMKey(userID int64) string { return c.key("quota", "user", userID, "rpm") }

// CodexFingerprintKey maps a codex client fingerprint to its session id.
func (c *Client) CodexFingerprintKey(fp string) string {
	return c.key("codex", "fingerprint", fp, "session_id")
}

// ProviderUndoKey holds a soft-delete undo snapshot.
func (c *Client) ProviderUndoKey(token string) string { return c.key("prov", "undo", token) }

// Pub/sub channels for cross-instance cache invalidation.
func (c *Client) CBConfigChannel() string { return c.key("cache", "circuit_breaker_config", "updated") }
func (c *Client) SettingsChannel() string { return c.key("cache", "system_settings", "updated") }
func (c *Client) ProvidersChannel() string { return c.key("cache", "providers", "updated") }
