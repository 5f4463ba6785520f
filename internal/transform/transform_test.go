package transform

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/ding113/claude-code-hub/internal/model"
)

func TestRegistry_IdentityForMatchingFormats(t *testing.T) {
	r := NewRegistry()
	tr, err := r.For(model.FormatClaude, model.FormatClaude)
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"model":"claude-sonnet-4","messages":[]}`)
	out, err := tr.Request(body, "claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(body) {
		t.Error("identity transformer must not modify the body")
	}
}

func TestRegistry_UnknownPairErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.For(model.FormatGemini, model.FormatCodex); err == nil {
		t.Error("unknown pair must be an explicit error, not silent passthrough")
	}
}

func TestClaudeRequestToOpenAI(t *testing.T) {
	r := NewRegistry()
	tr, err := r.For(model.FormatClaude, model.FormatOpenAI)
	if err != nil {
		t.Fatal(err)
	}

	in := `{"model":"claude-sonnet-4","max_tokens":128,"system":"be terse","messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}],"stream":true}`
	out, err := tr.Request([]byte(in), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}

	doc := string(out)
	if gjson.Get(doc, "model").String() != "gpt-4o" {
		t.Errorf("target model should be applied, got %s", gjson.Get(doc, "model"))
	}
	if gjson.Get(doc, "messages.0.role").String() != "system" ||
		gjson.Get(doc, "messages.0.content").String() != "be terse" {
		t.Error("anthropic system prompt should become the first message")
	}
	if gjson.Get(doc, "messages.1.content").String() != "hello" {
		t.Error("content blocks should flatten to text")
	}
	if !gjson.Get(doc, "stream").Bool() || gjson.Get(doc, "max_tokens").Int() != 128 {
		t.Error("stream and max_tokens should carry over")
	}
}

func TestOpenAIRequestToClaude(t *testing.T) {
	r := NewRegistry()
	tr, _ := r.For(model.FormatOpenAI, model.FormatClaude)

	in := `{"model":"gpt-4o","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hello"}]}`
	out, err := tr.Request([]byte(in), "claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}

	doc := string(out)
	if gjson.Get(doc, "system").String() != "be terse" {
		t.Error("system message should move out of band")
	}
	if gjson.Get(doc, "messages.0.role").String() != "user" {
		t.Error("system message must not remain in messages")
	}
	if gjson.Get(doc, "max_tokens").Int() == 0 {
		t.Error("anthropic requires max_tokens; a default must be filled in")
	}
}

func TestClaudeResponseToOpenAI(t *testing.T) {
	r := NewRegistry()
	tr, _ := r.For(model.FormatClaude, model.FormatOpenAI)

	in := `{"id":"msg_1","model":"claude-sonnet-4","content":[{"type":"text","text":"hi there"}],"stop_reason":"max_tokens","usage":{"input_tokens":10,"output_tokens":5}}`
	out, err := tr.Response([]byte(in))
	if err != nil {
		t.Fatal(err)
	}

	doc := string(out)
	if gjson.Get(doc, "choices.0.message.content").String() != "hi there" {
		t.Error("content should flatten into the choice message")
	}
	if gjson.Get(doc, "choices.0.finish_reason").String() != "length" {
		t.Error("max_tokens should map to length")
	}
	if gjson.Get(doc, "usage.total_tokens").Int() != 15 {
		t.Error("usage totals should be computed")
	}
}

func TestStreamChunkMapping(t *testing.T) {
	r := NewRegistry()
	tr, _ := r.For(model.FormatOpenAI, model.FormatClaude)

	// Provider (claude) chunk to client (openai) chunk.
	out, err := tr.StreamChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"abc"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "choices.0.delta.content").String() != "abc" {
		t.Errorf("delta text should map to the chunk delta, got %s", out)
	}

	// Non-delta events are dropped, not errored.
	out, err = tr.StreamChunk([]byte(`{"type":"message_start"}`))
	if err != nil || out != nil {
		t.Errorf("non-delta events should be dropped, got %s %v", out, err)
	}
}
