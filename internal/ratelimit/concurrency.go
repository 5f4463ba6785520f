package ratelimit

import (
	"context"
	"time"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
)

// sessionSetTTL keeps stale membership sets from pinning limits forever
// when decrements are lost. Refreshed on every successful check.
const sessionSetTTL = 2 * time.Hour

// ConcurrencyResult reports the outcome of a concurrency admission.
type ConcurrencyResult struct {
	Allowed bool
	// Scope of the violated limit, "key" or "user", when not allowed.
	Scope   string
	Current int64
	Limit   int
}

// CheckAndTrackSession atomically admits a session against both the key and
// user concurrent-session limits, registering it on both sets when allowed.
// A key limit of zero inherits the user limit; a session already counted is
// always re-admitted. Redis failures admit.
func (l *Limiter) CheckAndTrackSession(ctx context.Context, key *model.Key, user *model.User, sessionID string) ConcurrencyResult {
	keyLimit := key.ConcurrentSessions
	if keyLimit <= 0 {
		keyLimit = user.ConcurrentSessions
	}
	userLimit := user.ConcurrentSessions

	if l.rd == nil || (keyLimit <= 0 && userLimit <= 0) {
		l.trackOnly(key.ID, user.ID, sessionID)
		return ConcurrencyResult{Allowed: true}
	}

	runCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	res, err := concurrencyScript.Run(runCtx, l.rd,
		[]string{l.rd.SessionKeySetKey(key.ID), l.rd.SessionUserSetKey(user.ID)},
		sessionID, keyLimit, userLimit, sessionSetTTL.Milliseconds(),
	).Slice()
	if err != nil {
		l.log.Warn("concurrency check degraded, admitting", "error", err)
		return ConcurrencyResult{Allowed: true}
	}

	code, _ := res[0].(int64)
	count := int64(0)
	if len(res) > 1 {
		count, _ = res[1].(int64)
	}
	switch code {
	case 1:
		return ConcurrencyResult{Scope: "key", Current: count, Limit: keyLimit}
	case 2:
		return ConcurrencyResult{Scope: "user", Current: count, Limit: userLimit}
	}
	return ConcurrencyResult{Allowed: true, Current: count}
}

// UntrackSession removes the session from both membership sets once the
// session tracker retires it.
func (l *Limiter) UntrackSession(keyID, userID int64, sessionID string) {
	if l.rd == nil {
		return
	}
	l.rd.Go("untrack_session", func(ctx context.Context) error {
		if err := l.rd.SRem(ctx, l.rd.SessionKeySetKey(keyID), sessionID).Err(); err != nil {
			return err
		}
		return l.rd.SRem(ctx, l.rd.SessionUserSetKey(userID), sessionID).Err()
	})
}

// trackOnly registers membership without a limit check so untracking and
// admin visibility stay consistent for unlimited subjects.
func (l *Limiter) trackOnly(keyID, userID int64, sessionID string) {
	if l.rd == nil {
		return
	}
	l.rd.Go("track_session", func(ctx context.Context) error {
		kk, uk := l.rd.SessionKeySetKey(keyID), l.rd.SessionUserSetKey(userID)
		if err := l.rd.SAdd(ctx, kk, sessionID).Err(); err != nil {
			return err
		}
		if err := l.rd.SAdd(ctx, uk, sessionID).Err(); err != nil {
			return err
		}
		l.rd.PExpire(ctx, kk, sessionSetTTL)
		l.rd.PExpire(ctx, uk, sessionSetTTL)
		return nil
	})
}
