package proxy

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/transform"
)

func TestFake200Cause(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{"", fakeEmptyBody},
		{"   \n", fakeEmptyBody},
		{"<html><body>502</body></html>", fakeHTMLBody},
		{`{"error":{"message":"quota"}}`, fakeErrorField},
		{`{"id":"msg_1","content":[]}`, ""},
		{`plain text`, ""},
	}
	for _, tc := range cases {
		if got := fake200Cause([]byte(tc.body)); got != tc.want {
			t.Errorf("fake200Cause(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestReadEvents(t *testing.T) {
	stream := "event: message_start\ndata: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	events := make(chan []byte, 8)
	done := make(chan error, 1)
	go readEvents(strings.NewReader(stream), events, done, make(chan struct{}))

	var got [][]byte
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if !bytes.Contains(got[0], []byte("message_start")) {
		t.Errorf("first event = %q", got[0])
	}
	if string(eventData(got[2])) != "[DONE]" {
		t.Errorf("last event data = %q", eventData(got[2]))
	}
}

func TestReadEvents_FlushesTrailingPartial(t *testing.T) {
	events := make(chan []byte, 8)
	done := make(chan error, 1)
	go readEvents(strings.NewReader("data: {\"tail\":true}\n"), events, done, make(chan struct{}))

	var got [][]byte
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("trailing partial event should be flushed, got %d", len(got))
	}
}

func TestReadEvents_StopUnblocksAbandonedReader(t *testing.T) {
	stream := strings.Repeat("data: {\"x\":1}\n\n", 32)
	events := make(chan []byte, 1)
	done := make(chan error, 1)
	stop := make(chan struct{})

	finished := make(chan struct{})
	go func() {
		readEvents(strings.NewReader(stream), events, done, stop)
		close(finished)
	}()

	// Take one event, then walk away with the buffer full.
	<-events
	close(stop)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("reader must exit once the consumer is gone")
	}
}

func TestExecute_StreamingCapturesTerminalUsage(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":25}}}\n\n")
	for i := 0; i < 10; i++ {
		sb.WriteString("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hi\"}}\n\n")
	}
	sb.WriteString("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":7}}\n\n")
	sb.WriteString("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	sse := sb.String()

	store := &fakeProviderStore{providers: []*model.Provider{claudeProvider(1, "main", 0)}}
	doer := &stubDoer{responses: []func(*fasthttp.Request, *fasthttp.Response) error{
		func(req *fasthttp.Request, resp *fasthttp.Response) error {
			resp.SetStatusCode(200)
			resp.Header.SetContentType("text/event-stream")
			resp.SetBodyStream(strings.NewReader(sse), -1)
			return nil
		},
	}}
	f := newTestForwarder(store, doer)

	fctx, rc := execRequest(model.FormatClaude, `{"model":"claude-sonnet-4","stream":true}`)
	rc.Streaming = true

	var out *Outcome
	f.Execute(fctx, rc, func(o *Outcome) { out = o })

	// Reading the response stream drives the writer. The events buffered
	// behind the reader's EOF, terminal usage delta included, must all come
	// through before the stream finishes.
	body, err := io.ReadAll(fctx.Response.BodyStream())
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || !out.Success {
		t.Fatalf("outcome = %+v, want streamed success", out)
	}
	if out.Usage.InputTokens != 25 || out.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want input 25 / output 7", out.Usage)
	}
	if !strings.Contains(string(body), "message_delta") || !strings.Contains(string(body), "message_stop") {
		t.Errorf("tail events missing from the delivered stream: %q", body)
	}
}

func TestEventData(t *testing.T) {
	if d := eventData([]byte("event: ping\ndata: {\"x\":1}\n\n")); string(d) != `{"x":1}` {
		t.Errorf("eventData = %q", d)
	}
	if d := eventData([]byte(": keepalive\n\n")); d != nil {
		t.Errorf("comment-only event should have no data, got %q", d)
	}
}

func TestTranslateEvent_IdentityPassthrough(t *testing.T) {
	tr := transform.Identity(model.FormatClaude)
	ev := []byte("event: message_delta\ndata: {\"type\":\"message_delta\"}\n\n")
	out, err := translateEvent(tr, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, ev) {
		t.Errorf("identity should pass the event untouched")
	}
}

func TestTranslateEvent_DoneSentinel(t *testing.T) {
	reg := transform.NewRegistry()
	tr, err := reg.For(model.FormatClaude, model.FormatOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	ev := []byte("data: [DONE]\n\n")
	out, err := translateEvent(tr, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, ev) {
		t.Errorf("[DONE] must pass through, got %q", out)
	}
}

func TestTranslateEvent_DropsUnmappedChunks(t *testing.T) {
	tr := &transform.Transformer{
		From:        model.FormatOpenAI,
		To:          model.FormatClaude,
		StreamChunk: func(chunk []byte) ([]byte, error) { return nil, nil },
	}
	out, err := translateEvent(tr, []byte("data: {\"type\":\"ping\"}\n\n"))
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("dropped chunk should return nil, got %q", out)
	}
}
