package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
)

// getOrSetScript implements the fingerprint lookup atomically so concurrent
// identical requests settle on a single generated id.
var getOrSetScript = redis.NewScript(`
		local v = redis.call('GET', KEYS[1])
		if v then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
			return v
		end
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return ARGV[1]
`)

// Session id sources on the codex surface, in precedence order. The header
// wins over body fields when they disagree.
const (
	headerSessionID  = "session_id"
	headerXSessionID = "x-session-id"

	bodyPromptCacheKey     = "prompt_cache_key"
	bodyMetadataSessionID  = "metadata.session_id"
	bodyPreviousResponseID = "previous_response_id"
)

// CodexCompleter fills in the session id for codex requests that carry none,
// keyed by a client fingerprint so follow-ups from the same client land on
// the same session.
type CodexCompleter struct {
	rd      *rdb.Client
	ttl     time.Duration
	enabled func() bool
	log     *slog.Logger
}

func NewCodexCompleter(rd *rdb.Client, ttl time.Duration, enabled func() bool, log *slog.Logger) *CodexCompleter {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &CodexCompleter{rd: rd, ttl: ttl, enabled: enabled, log: log}
}

// ValidSessionID reports whether s is usable as a session id: 21 to 256
// characters, alphanumeric plus "-._:".
func ValidSessionID(s string) bool {
	if len(s) < 21 || len(s) > 256 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == ':':
		default:
			return false
		}
	}
	return true
}

// Complete settles the canonical session id for a codex request and mirrors
// it into both headers and the body id fields, so every later stage sees a
// single id regardless of which source carried it.
func (c *CodexCompleter) Complete(ctx context.Context, rc *model.RequestContext) {
	if !c.enabled() {
		return
	}

	id := c.resolveID(ctx, rc)
	if id == "" {
		return
	}

	rc.SessionID = id
	rc.Headers[headerSessionID] = id
	rc.Headers[headerXSessionID] = id

	body := string(rc.Body)
	if gjson.Valid(body) {
		var err error
		body, err = sjson.Set(body, bodyPromptCacheKey, id)
		if err == nil {
			body, err = sjson.Set(body, bodyMetadataSessionID, id)
		}
		if err != nil {
			c.log.Warn("session id body mirror failed", "error", err)
			return
		}
		rc.Body = []byte(body)
	}
}

// resolveID picks the id from the request sources in precedence order, or
// completes it from the fingerprint mapping.
func (c *CodexCompleter) resolveID(ctx context.Context, rc *model.RequestContext) string {
	if id := rc.Header(headerSessionID); ValidSessionID(id) {
		return id
	}
	if id := rc.Header(headerXSessionID); ValidSessionID(id) {
		return id
	}

	body := string(rc.Body)
	for _, path := range []string{bodyPromptCacheKey, bodyMetadataSessionID, bodyPreviousResponseID} {
		if id := gjson.Get(body, path).String(); ValidSessionID(id) {
			return id
		}
	}

	generated := NewSessionID()
	if c.rd == nil || rc.Key == nil {
		return generated
	}

	fp := Fingerprint(rc.Key.ID, rc.ClientIP, rc.UserAgent, rc.Body)
	runCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	id, err := getOrSetScript.Run(runCtx, c.rd,
		[]string{c.rd.CodexFingerprintKey(fp)},
		generated, c.ttl.Milliseconds(),
	).Text()
	if err != nil {
		c.log.Warn("fingerprint lookup degraded, using fresh id", "error", err)
		return generated
	}
	return id
}

// Fingerprint identifies a codex client across requests that lack an
// explicit session id: the key, the client address, the user agent, and a
// hash of the conversation opening.
func Fingerprint(keyID int64, ip, ua string, body []byte) string {
	init := sha256.Sum256([]byte(initText(body)))
	sum := sha256.Sum256(fmt.Appendf(nil, "key:%d|ip:%s|ua:%s|init:%s",
		keyID, ip, ua, hex.EncodeToString(init[:])))
	return hex.EncodeToString(sum[:])
}

// initText extracts the system instructions plus the first user message
// text, the stable opening of a codex conversation.
func initText(body []byte) string {
	doc := string(body)
	system := gjson.Get(doc, "instructions").String()
	if system == "" {
		system = gjson.Get(doc, "system").String()
	}

	user := gjson.Get(doc, `input.#(role=="user").content.0.text`).String()
	if user == "" {
		user = gjson.Get(doc, `messages.#(role=="user").content`).String()
	}
	return system + user
}
