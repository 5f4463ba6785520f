package guard

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
)

// warmupResponse is the canned body returned for intercepted Anthropic
// warmup probes. Clients only check for a 200.
const warmupResponse = `{"id":"msg_warmup","type":"message","role":"assistant","model":"warmup","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":0,"output_tokens":0}}`

// ProbeStage marks token-count probes (they skip concurrency accounting)
// and answers Anthropic warmup requests locally when interception is on.
type ProbeStage struct {
	interceptWarmup func() bool
}

func NewProbeStage(interceptWarmup func() bool) *ProbeStage {
	if interceptWarmup == nil {
		interceptWarmup = func() bool { return true }
	}
	return &ProbeStage{interceptWarmup: interceptWarmup}
}

func (s *ProbeStage) Name() string { return "probe" }

func (s *ProbeStage) Check(ctx context.Context, rc *model.RequestContext) *Reject {
	if strings.HasSuffix(rc.Path, "/count_tokens") {
		rc.IsProbe = true
		return nil
	}

	if rc.Format == model.FormatClaude && s.interceptWarmup() && isWarmup(rc.Body) {
		rc.IsProbe = true
		return &Reject{Status: fasthttp.StatusOK, Kind: KindIntercepted, Detail: warmupResponse}
	}
	return nil
}

// isWarmup recognizes the single-token "quota" probe Claude clients send on
// startup. One tiny user message, max_tokens 1.
func isWarmup(body []byte) bool {
	doc := string(body)
	if gjson.Get(doc, "max_tokens").Int() != 1 {
		return false
	}
	msgs := gjson.Get(doc, "messages").Array()
	if len(msgs) != 1 {
		return false
	}
	content := msgs[0].Get("content")
	text := content.String()
	if content.IsArray() {
		text = content.Get("0.text").String()
	}
	return strings.TrimSpace(text) == "quota"
}
