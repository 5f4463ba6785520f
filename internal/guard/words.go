package guard

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
)

// SensitiveWordStage rejects requests whose user-authored text contains a
// configured word. Matching is a case-insensitive substring check over the
// prompt text only; tool results and assistant turns are not scanned.
type SensitiveWordStage struct {
	words func() []string
}

func NewSensitiveWordStage(words func() []string) *SensitiveWordStage {
	if words == nil {
		words = func() []string { return nil }
	}
	return &SensitiveWordStage{words: words}
}

func (s *SensitiveWordStage) Name() string { return "sensitive_word" }

func (s *SensitiveWordStage) Check(ctx context.Context, rc *model.RequestContext) *Reject {
	words := s.words()
	if len(words) == 0 {
		return nil
	}
	text := strings.ToLower(promptText(rc.Body))
	if text == "" {
		return nil
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.Contains(text, w) {
			return &Reject{
				Status: fasthttp.StatusUnavailableForLegalReasons,
				Kind:   KindSensitiveWord,
				Detail: map[string]string{"word": w},
			}
		}
	}
	return nil
}

// promptText collects the user-authored text across the wire formats:
// system/instructions plus user-role message content, whether flat strings
// or content-block arrays.
func promptText(body []byte) string {
	doc := string(body)
	if !gjson.Valid(doc) {
		return ""
	}
	var b strings.Builder

	for _, path := range []string{"system", "instructions"} {
		appendText(&b, gjson.Get(doc, path))
	}
	for _, list := range []string{"messages", "input"} {
		for _, msg := range gjson.Get(doc, list).Array() {
			role := msg.Get("role").String()
			if role != "" && role != "user" && role != "system" {
				continue
			}
			appendText(&b, msg.Get("content"))
		}
	}
	// Gemini shape.
	for _, c := range gjson.Get(doc, "contents").Array() {
		if r := c.Get("role").String(); r != "" && r != "user" {
			continue
		}
		for _, p := range c.Get("parts").Array() {
			appendText(&b, p.Get("text"))
		}
	}
	return b.String()
}

func appendText(b *strings.Builder, v gjson.Result) {
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			if t := item.Get("text"); t.Exists() {
				b.WriteString(t.String())
				b.WriteByte('\n')
			}
		}
	case v.Type == gjson.String:
		b.WriteString(v.String())
		b.WriteByte('\n')
	}
}
