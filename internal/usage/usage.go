// Package usage extracts token accounting from upstream responses and turns
// it into USD cost. Non-streaming bodies are decoded with the vendor SDK
// response types; streaming extraction works on individual SSE events.
package usage

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/ding113/claude-code-hub/internal/model"
)

// FromResponse extracts usage from a complete non-streaming response body in
// the provider's wire format.
func FromResponse(format model.WireFormat, body []byte) (model.Usage, error) {
	switch format {
	case model.FormatClaude:
		var msg anthropic.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return model.Usage{}, fmt.Errorf("usage: decode anthropic message: %w", err)
		}
		return model.Usage{
			InputTokens:         int(msg.Usage.InputTokens),
			OutputTokens:        int(msg.Usage.OutputTokens),
			CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
		}, nil

	case model.FormatOpenAI:
		var cc openai.ChatCompletion
		if err := json.Unmarshal(body, &cc); err != nil {
			return model.Usage{}, fmt.Errorf("usage: decode chat completion: %w", err)
		}
		return model.Usage{
			InputTokens:     int(cc.Usage.PromptTokens),
			OutputTokens:    int(cc.Usage.CompletionTokens),
			CacheReadTokens: int(cc.Usage.PromptTokensDetails.CachedTokens),
		}, nil

	case model.FormatCodex:
		var resp responses.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return model.Usage{}, fmt.Errorf("usage: decode response object: %w", err)
		}
		return model.Usage{
			InputTokens:     int(resp.Usage.InputTokens),
			OutputTokens:    int(resp.Usage.OutputTokens),
			CacheReadTokens: int(resp.Usage.InputTokensDetails.CachedTokens),
		}, nil

	case model.FormatGemini, model.FormatGeminiCLI:
		var gr genai.GenerateContentResponse
		if err := json.Unmarshal(body, &gr); err != nil {
			return model.Usage{}, fmt.Errorf("usage: decode generate content response: %w", err)
		}
		if gr.UsageMetadata == nil {
			return model.Usage{}, nil
		}
		return model.Usage{
			InputTokens:     int(gr.UsageMetadata.PromptTokenCount),
			OutputTokens:    int(gr.UsageMetadata.CandidatesTokenCount),
			CacheReadTokens: int(gr.UsageMetadata.CachedContentTokenCount),
		}, nil
	}
	return model.Usage{}, fmt.Errorf("usage: unsupported format %s", format)
}

// FromStreamEvent folds one SSE event payload into the accumulator. Events
// that carry no usage are ignored. Upstreams report usage on different
// terminal events per format, so the accumulator keeps the latest nonzero
// reading per field.
func FromStreamEvent(format model.WireFormat, data []byte, acc *model.Usage) {
	doc := string(data)
	switch format {
	case model.FormatClaude:
		// message_start carries input side, message_delta the output side.
		if v := gjson.Get(doc, "message.usage.input_tokens"); v.Exists() {
			acc.InputTokens = int(v.Int())
			acc.CacheCreationTokens = int(gjson.Get(doc, "message.usage.cache_creation_input_tokens").Int())
			acc.CacheReadTokens = int(gjson.Get(doc, "message.usage.cache_read_input_tokens").Int())
		}
		if v := gjson.Get(doc, "usage.output_tokens"); v.Exists() {
			acc.OutputTokens = int(v.Int())
		}

	case model.FormatOpenAI:
		if v := gjson.Get(doc, "usage.prompt_tokens"); v.Exists() {
			acc.InputTokens = int(v.Int())
			acc.OutputTokens = int(gjson.Get(doc, "usage.completion_tokens").Int())
			acc.CacheReadTokens = int(gjson.Get(doc, "usage.prompt_tokens_details.cached_tokens").Int())
		}

	case model.FormatCodex:
		if v := gjson.Get(doc, "response.usage.input_tokens"); v.Exists() {
			acc.InputTokens = int(v.Int())
			acc.OutputTokens = int(gjson.Get(doc, "response.usage.output_tokens").Int())
			acc.CacheReadTokens = int(gjson.Get(doc, "response.usage.input_tokens_details.cached_tokens").Int())
		}

	case model.FormatGemini, model.FormatGeminiCLI:
		if v := gjson.Get(doc, "usageMetadata.promptTokenCount"); v.Exists() {
			acc.InputTokens = int(v.Int())
			acc.OutputTokens = int(gjson.Get(doc, "usageMetadata.candidatesTokenCount").Int())
			acc.CacheReadTokens = int(gjson.Get(doc, "usageMetadata.cachedContentTokenCount").Int())
		}
	}
}
