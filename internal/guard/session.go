package guard

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/session"
)

// SessionStage settles the canonical session id. For codex requests the
// fingerprint completer runs first; every other format derives the id from
// headers or body correlation fields, falling back to a generated one.
type SessionStage struct {
	tracker *session.Tracker
	codex   *session.CodexCompleter
}

func NewSessionStage(tracker *session.Tracker, codex *session.CodexCompleter) *SessionStage {
	return &SessionStage{tracker: tracker, codex: codex}
}

func (s *SessionStage) Name() string { return "session" }

func (s *SessionStage) Check(ctx context.Context, rc *model.RequestContext) *Reject {
	if rc.IsProbe {
		return nil
	}

	if rc.Format == model.FormatCodex && s.codex != nil {
		s.codex.Complete(ctx, rc)
	}
	if rc.SessionID == "" {
		rc.SessionID = extractSessionID(rc)
	}

	s.tracker.AssignSession(ctx, rc)

	// Parse once here so later stages and the selector have the model name.
	if rc.Model == "" {
		rc.Model = gjson.GetBytes(rc.Body, "model").String()
	}
	rc.Streaming = gjson.GetBytes(rc.Body, "stream").Bool()
	return nil
}

// extractSessionID checks the generic id sources shared by all formats.
func extractSessionID(rc *model.RequestContext) string {
	for _, h := range []string{"session_id", "x-session-id"} {
		if id := rc.Header(h); session.ValidSessionID(id) {
			return id
		}
	}
	doc := string(rc.Body)
	for _, path := range []string{"metadata.session_id", "prompt_cache_key", "previous_response_id"} {
		if id := gjson.Get(doc, path).String(); session.ValidSessionID(id) {
			return id
		}
	}
	return ""
}
