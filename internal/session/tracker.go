// Package session tracks active sessions and their concurrent request
// counts, and completes missing codex session ids from client fingerprints.
// All cross-request state lives in Redis with per-session TTLs refreshed on
// activity; Redis outages degrade to per-request sessions, never to errors.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
)

// decrScript decrements the session's concurrent counter and retires the
// session from the active set once the last request leaves.
var decrScript = redis.NewScript(`
		local n = redis.call('DECR', KEYS[1])
		if n <= 0 then
			redis.call('DEL', KEYS[1])
			redis.call('SREM', KEYS[2], ARGV[1])
			return 0
		end
		return n
`)

// Tracker is the active-session registry.
type Tracker struct {
	rd  *rdb.Client
	ttl time.Duration
	log *slog.Logger

	now func() time.Time
}

func NewTracker(rd *rdb.Client, ttl time.Duration, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tracker{rd: rd, ttl: ttl, log: log, now: time.Now}
}

// AssignSession settles the canonical session id for the request: a usable
// client-supplied id is reused, otherwise a fresh UUID v7 is generated. The
// session's sticky provider and request sequence are loaded from Redis and
// written onto the context.
func (t *Tracker) AssignSession(ctx context.Context, rc *model.RequestContext) {
	if rc.SessionID == "" {
		rc.SessionID = NewSessionID()
	}
	rc.RequestSequence = 1

	if t.rd == nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	meta := t.rd.SessionMetaKey(rc.SessionID)
	pipe := t.rd.Pipeline()
	seqCmd := pipe.HIncrBy(runCtx, meta, "seq", 1)
	provCmd := pipe.HGet(runCtx, meta, "provider_id")
	pipe.HSet(runCtx, meta, "last_activity", t.now().UnixMilli())
	pipe.PExpire(runCtx, meta, t.ttl)
	if _, err := pipe.Exec(runCtx); err != nil && err != redis.Nil {
		t.log.Warn("session metadata unavailable, proceeding stateless",
			"session_id", rc.SessionID, "error", err)
		return
	}

	rc.RequestSequence = seqCmd.Val()
	if pid, err := provCmd.Int64(); err == nil {
		rc.StickyProvider = pid
	}
}

// NewSessionID generates a time-ordered session id. UUID v7 keeps ids
// sortable for the admin surface; v4 is the fallback when the clock source
// misbehaves.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetProvider records the session's sticky provider. First writer wins:
// follow-up requests keep the affinity chosen on the first one.
func (t *Tracker) SetProvider(sessionID string, providerID int64) {
	if t.rd == nil || sessionID == "" || providerID == 0 {
		return
	}
	t.rd.Go("session_set_provider", func(ctx context.Context) error {
		meta := t.rd.SessionMetaKey(sessionID)
		if err := t.rd.HSetNX(ctx, meta, "provider_id", providerID).Err(); err != nil {
			return err
		}
		return t.rd.PExpire(ctx, meta, t.ttl).Err()
	})
}

// IncrementConcurrent registers one in-flight request for the session and
// refreshes the session's presence in the active set. Must be paired with
// exactly one DecrementConcurrent; probe requests skip both.
func (t *Tracker) IncrementConcurrent(ctx context.Context, sessionID string) {
	if t.rd == nil || sessionID == "" {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	pipe := t.rd.Pipeline()
	cnt := t.rd.SessionConcurrentKey(sessionID)
	pipe.Incr(runCtx, cnt)
	pipe.PExpire(runCtx, cnt, t.ttl)
	pipe.SAdd(runCtx, t.rd.ActiveSessionsKey(), sessionID)
	if _, err := pipe.Exec(runCtx); err != nil {
		t.log.Warn("session increment failed", "session_id", sessionID, "error", err)
	}
}

// DecrementConcurrent releases one in-flight request. Runs in the handler's
// finally path, so it never blocks response delivery.
func (t *Tracker) DecrementConcurrent(sessionID string) {
	if t.rd == nil || sessionID == "" {
		return
	}
	t.rd.Go("session_decrement", func(ctx context.Context) error {
		return decrScript.Run(ctx, t.rd,
			[]string{t.rd.SessionConcurrentKey(sessionID), t.rd.ActiveSessionsKey()},
			sessionID,
		).Err()
	})
}

// ConcurrentCount reads the session's in-flight request count.
func (t *Tracker) ConcurrentCount(ctx context.Context, sessionID string) int64 {
	if t.rd == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()
	v, err := t.rd.Get(ctx, t.rd.SessionConcurrentKey(sessionID)).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// ActiveSessions lists the currently registered session ids.
func (t *Tracker) ActiveSessions(ctx context.Context) ([]string, error) {
	if t.rd == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()
	return t.rd.SMembers(ctx, t.rd.ActiveSessionsKey()).Result()
}

// KeySessionCount reports how many sessions a key currently holds.
func (t *Tracker) KeySessionCount(ctx context.Context, keyID int64) (int64, error) {
	if t.rd == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()
	return t.rd.SCard(ctx, t.rd.SessionKeySetKey(keyID)).Result()
}
