package guard

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/store"
)

// AuthStage resolves the client secret to a key and its owning user, and
// rejects disabled or expired subjects with 401.
type AuthStage struct {
	keys  store.KeyStore
	users store.UserStore
	log   *slog.Logger

	now func() time.Time
}

func NewAuthStage(keys store.KeyStore, users store.UserStore, log *slog.Logger) *AuthStage {
	if log == nil {
		log = slog.Default()
	}
	return &AuthStage{keys: keys, users: users, log: log, now: time.Now}
}

func (s *AuthStage) Name() string { return "auth" }

// ExtractSecret pulls the client secret from the format-dependent auth
// headers: Bearer token, x-api-key, or x-goog-api-key.
func ExtractSecret(rc *model.RequestContext) string {
	if h := rc.Header("authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if h := rc.Header("x-api-key"); h != "" {
		return strings.TrimSpace(h)
	}
	if h := rc.Header("x-goog-api-key"); h != "" {
		return strings.TrimSpace(h)
	}
	return ""
}

func (s *AuthStage) Check(ctx context.Context, rc *model.RequestContext) *Reject {
	unauthorized := &Reject{Status: fasthttp.StatusUnauthorized, Kind: KindUnauthorized}

	secret := ExtractSecret(rc)
	if secret == "" || !strings.HasPrefix(secret, "sk-") {
		return unauthorized
	}

	key, err := s.keys.KeyBySecret(ctx, secret)
	if err != nil {
		s.log.Debug("key lookup failed", slog.String("error", err.Error()))
		return unauthorized
	}
	now := s.now()
	if !key.Enabled || key.Expired(now) {
		return unauthorized
	}

	user, err := s.users.UserByID(ctx, key.UserID)
	if err != nil {
		s.log.Warn("user lookup failed",
			slog.Int64("user_id", key.UserID),
			slog.String("error", err.Error()),
		)
		return unauthorized
	}
	if !user.Enabled || user.Expired(now) {
		return unauthorized
	}

	rc.Key = key
	rc.User = user
	return nil
}
