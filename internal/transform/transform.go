// Package transform translates request and response bodies between wire
// formats. The registry is keyed by (from, to) pairs; identical formats get
// the identity transformer, unknown pairs are an explicit error so the
// forwarder never silently proxies a body the upstream cannot parse.
package transform

import (
	"fmt"

	"github.com/ding113/claude-code-hub/internal/model"
)

// Transformer converts one direction of one (client, provider) format pair.
type Transformer struct {
	From model.WireFormat
	To   model.WireFormat

	// Request rewrites the client body for the provider.
	Request func(body []byte, targetModel string) ([]byte, error)

	// Response rewrites a complete non-streaming provider response for the
	// client.
	Response func(body []byte) ([]byte, error)

	// StreamChunk rewrites one SSE event payload. A nil return with nil
	// error drops the chunk.
	StreamChunk func(chunk []byte) ([]byte, error)
}

func passthrough(body []byte, _ string) ([]byte, error) { return body, nil }

// Identity leaves bodies untouched.
func Identity(f model.WireFormat) *Transformer {
	return &Transformer{
		From:        f,
		To:          f,
		Request:     passthrough,
		Response:    func(b []byte) ([]byte, error) { return b, nil },
		StreamChunk: func(b []byte) ([]byte, error) { return b, nil },
	}
}

type pair struct {
	from, to model.WireFormat
}

// Registry resolves the transformer for a format pair.
type Registry struct {
	entries map[pair]*Transformer
}

func NewRegistry() *Registry {
	r := &Registry{entries: make(map[pair]*Transformer)}
	r.Register(claudeToOpenAI())
	r.Register(openAIToClaude())
	return r
}

func (r *Registry) Register(t *Transformer) {
	r.entries[pair{t.From, t.To}] = t
}

// For returns the transformer for the pair. Matching formats always resolve
// to identity, registered pairs to their transformer, anything else errors.
func (r *Registry) For(from, to model.WireFormat) (*Transformer, error) {
	if from == to {
		return Identity(from), nil
	}
	// claude-auth providers speak the claude wire format.
	if t, ok := r.entries[pair{from, to}]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transform: no transformer for %s -> %s", from, to)
}
