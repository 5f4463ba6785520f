package usage

import (
	"math"
	"testing"

	"github.com/ding113/claude-code-hub/internal/model"
)

func TestFromResponse_Claude(t *testing.T) {
	body := []byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":100,"output_tokens":25,"cache_creation_input_tokens":10,"cache_read_input_tokens":50}}`)
	u, err := FromResponse(model.FormatClaude, body)
	if err != nil {
		t.Fatal(err)
	}
	want := model.Usage{InputTokens: 100, OutputTokens: 25, CacheCreationTokens: 10, CacheReadTokens: 50}
	if u != want {
		t.Errorf("got %+v want %+v", u, want)
	}
}

func TestFromResponse_OpenAI(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"prompt_tokens_details":{"cached_tokens":4}}}`)
	u, err := FromResponse(model.FormatOpenAI, body)
	if err != nil {
		t.Fatal(err)
	}
	if u.InputTokens != 10 || u.OutputTokens != 5 || u.CacheReadTokens != 4 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestFromResponse_Codex(t *testing.T) {
	body := []byte(`{"id":"resp_1","object":"response","model":"gpt-5","output":[],"usage":{"input_tokens":40,"output_tokens":8,"input_tokens_details":{"cached_tokens":30}}}`)
	u, err := FromResponse(model.FormatCodex, body)
	if err != nil {
		t.Fatal(err)
	}
	if u.InputTokens != 40 || u.OutputTokens != 8 || u.CacheReadTokens != 30 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestFromResponse_Gemini(t *testing.T) {
	body := []byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":3,"cachedContentTokenCount":6}}`)
	u, err := FromResponse(model.FormatGemini, body)
	if err != nil {
		t.Fatal(err)
	}
	if u.InputTokens != 12 || u.OutputTokens != 3 || u.CacheReadTokens != 6 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestFromStreamEvent_ClaudeAccumulates(t *testing.T) {
	var acc model.Usage
	FromStreamEvent(model.FormatClaude,
		[]byte(`{"type":"message_start","message":{"usage":{"input_tokens":100,"cache_read_input_tokens":20}}}`), &acc)
	FromStreamEvent(model.FormatClaude,
		[]byte(`{"type":"content_block_delta","delta":{"text":"x"}}`), &acc)
	FromStreamEvent(model.FormatClaude,
		[]byte(`{"type":"message_delta","usage":{"output_tokens":42}}`), &acc)

	if acc.InputTokens != 100 || acc.OutputTokens != 42 || acc.CacheReadTokens != 20 {
		t.Errorf("stream accumulation wrong: %+v", acc)
	}
}

func TestFromStreamEvent_OpenAIFinalChunk(t *testing.T) {
	var acc model.Usage
	FromStreamEvent(model.FormatOpenAI, []byte(`{"choices":[{"delta":{"content":"x"}}]}`), &acc)
	FromStreamEvent(model.FormatOpenAI, []byte(`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}`), &acc)

	if acc.InputTokens != 7 || acc.OutputTokens != 3 {
		t.Errorf("final chunk usage not captured: %+v", acc)
	}
}

func TestCost(t *testing.T) {
	u := model.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	got := Cost("gpt-4o", u, 1.0)
	if math.Abs(got-12.5) > 1e-9 {
		t.Errorf("gpt-4o 1M/1M should cost 12.5, got %v", got)
	}

	// Multiplier scales linearly.
	if doubled := Cost("gpt-4o", u, 2.0); math.Abs(doubled-25) > 1e-9 {
		t.Errorf("multiplier 2 should double cost, got %v", doubled)
	}
}

func TestCost_LongestPrefixWins(t *testing.T) {
	u := model.Usage{InputTokens: 1_000_000}
	mini := Cost("gpt-4o-mini-2024-07-18", u, 1)
	full := Cost("gpt-4o-2024-08-06", u, 1)
	if mini >= full {
		t.Errorf("mini must price below the full model: %v vs %v", mini, full)
	}
}

func TestCost_UnknownModelUsesFallback(t *testing.T) {
	u := model.Usage{InputTokens: 1_000_000}
	if got := Cost("some-unknown-model", u, 1); got == 0 {
		t.Error("unknown models must not bill at zero")
	}
}

func TestBilledModel(t *testing.T) {
	if got := BilledModel("original", "gpt-4o", "gpt-4o-mini"); got != "gpt-4o" {
		t.Errorf("original source should bill the requested model, got %s", got)
	}
	if got := BilledModel("redirected", "gpt-4o", "gpt-4o-mini"); got != "gpt-4o-mini" {
		t.Errorf("redirected source should bill the redirect target, got %s", got)
	}
	if got := BilledModel("redirected", "gpt-4o", ""); got != "gpt-4o" {
		t.Errorf("empty redirect falls back to original, got %s", got)
	}
}
