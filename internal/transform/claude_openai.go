package transform

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ding113/claude-code-hub/internal/model"
)

// claudeToOpenAI serves claude-format clients against openai-compatible
// providers: anthropic messages body in, chat completions body out.
func claudeToOpenAI() *Transformer {
	return &Transformer{
		From:        model.FormatClaude,
		To:          model.FormatOpenAI,
		Request:     claudeRequestToOpenAI,
		Response:    openAIResponseToClaude,
		StreamChunk: openAIChunkToClaude,
	}
}

// openAIToClaude serves openai-format clients against anthropic providers.
func openAIToClaude() *Transformer {
	return &Transformer{
		From:        model.FormatOpenAI,
		To:          model.FormatClaude,
		Request:     openAIRequestToClaude,
		Response:    claudeResponseToOpenAI,
		StreamChunk: claudeChunkToOpenAI,
	}
}

func claudeRequestToOpenAI(body []byte, targetModel string) ([]byte, error) {
	doc := string(body)
	out := "{}"
	var err error

	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.Set(out, path, v)
		}
	}

	set("model", targetModel)
	if v := gjson.Get(doc, "max_tokens"); v.Exists() {
		set("max_tokens", v.Int())
	}
	if v := gjson.Get(doc, "temperature"); v.Exists() {
		set("temperature", v.Float())
	}
	if v := gjson.Get(doc, "stream"); v.Exists() {
		set("stream", v.Bool())
	}

	idx := 0
	// Anthropic carries the system prompt out of band.
	if sys := gjson.Get(doc, "system"); sys.Exists() {
		text := sys.String()
		if sys.IsArray() {
			text = ""
			for _, b := range sys.Array() {
				text += b.Get("text").String()
			}
		}
		set("messages.0.role", "system")
		set("messages.0.content", text)
		idx = 1
	}

	for _, m := range gjson.Get(doc, "messages").Array() {
		set("messages."+itoa(idx)+".role", m.Get("role").String())
		content := m.Get("content")
		if content.IsArray() {
			text := ""
			for _, b := range content.Array() {
				if b.Get("type").String() == "text" {
					text += b.Get("text").String()
				}
			}
			set("messages."+itoa(idx)+".content", text)
		} else {
			set("messages."+itoa(idx)+".content", content.String())
		}
		idx++
	}
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func openAIRequestToClaude(body []byte, targetModel string) ([]byte, error) {
	doc := string(body)
	out := "{}"
	var err error

	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.Set(out, path, v)
		}
	}

	set("model", targetModel)
	maxTokens := gjson.Get(doc, "max_tokens").Int()
	if maxTokens == 0 {
		maxTokens = gjson.Get(doc, "max_completion_tokens").Int()
	}
	if maxTokens == 0 {
		// Anthropic requires max_tokens; openai clients often omit it.
		maxTokens = 4096
	}
	set("max_tokens", maxTokens)
	if v := gjson.Get(doc, "temperature"); v.Exists() {
		set("temperature", v.Float())
	}
	if v := gjson.Get(doc, "stream"); v.Exists() {
		set("stream", v.Bool())
	}

	idx := 0
	for _, m := range gjson.Get(doc, "messages").Array() {
		role := m.Get("role").String()
		if role == "system" || role == "developer" {
			set("system", m.Get("content").String())
			continue
		}
		set("messages."+itoa(idx)+".role", role)
		set("messages."+itoa(idx)+".content", m.Get("content").String())
		idx++
	}
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func claudeResponseToOpenAI(body []byte) ([]byte, error) {
	doc := string(body)
	out := "{}"
	var err error

	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.Set(out, path, v)
		}
	}

	set("id", gjson.Get(doc, "id").String())
	set("object", "chat.completion")
	set("model", gjson.Get(doc, "model").String())

	text := ""
	for _, b := range gjson.Get(doc, "content").Array() {
		if b.Get("type").String() == "text" {
			text += b.Get("text").String()
		}
	}
	set("choices.0.index", 0)
	set("choices.0.message.role", "assistant")
	set("choices.0.message.content", text)
	set("choices.0.finish_reason", stopReasonToFinish(gjson.Get(doc, "stop_reason").String()))

	set("usage.prompt_tokens", gjson.Get(doc, "usage.input_tokens").Int())
	set("usage.completion_tokens", gjson.Get(doc, "usage.output_tokens").Int())
	set("usage.total_tokens",
		gjson.Get(doc, "usage.input_tokens").Int()+gjson.Get(doc, "usage.output_tokens").Int())
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func openAIResponseToClaude(body []byte) ([]byte, error) {
	doc := string(body)
	out := "{}"
	var err error

	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.Set(out, path, v)
		}
	}

	set("id", gjson.Get(doc, "id").String())
	set("type", "message")
	set("role", "assistant")
	set("model", gjson.Get(doc, "model").String())
	set("content.0.type", "text")
	set("content.0.text", gjson.Get(doc, "choices.0.message.content").String())
	set("stop_reason", finishToStopReason(gjson.Get(doc, "choices.0.finish_reason").String()))
	set("usage.input_tokens", gjson.Get(doc, "usage.prompt_tokens").Int())
	set("usage.output_tokens", gjson.Get(doc, "usage.completion_tokens").Int())
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// openAIChunkToClaude maps a chat.completion.chunk delta onto an anthropic
// content_block_delta event. Chunks with no text delta are dropped.
func openAIChunkToClaude(chunk []byte) ([]byte, error) {
	doc := string(chunk)
	delta := gjson.Get(doc, "choices.0.delta.content").String()
	if delta == "" {
		return nil, nil
	}
	out, err := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta"}}`,
		"delta.text", delta)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// claudeChunkToOpenAI maps a content_block_delta onto a chat.completion.chunk.
func claudeChunkToOpenAI(chunk []byte) ([]byte, error) {
	doc := string(chunk)
	if gjson.Get(doc, "type").String() != "content_block_delta" {
		return nil, nil
	}
	out := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`
	out, err := sjson.Set(out, "choices.0.delta.content", gjson.Get(doc, "delta.text").String())
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func stopReasonToFinish(r string) string {
	switch r {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func finishToStopReason(r string) string {
	switch r {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
