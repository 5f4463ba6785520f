package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/transform"
	"github.com/ding113/claude-code-hub/internal/usage"
	"github.com/ding113/claude-code-hub/pkg/apierr"
)

// Fake-200 causes.
const (
	fakeEmptyBody  = "empty_body"
	fakeHTMLBody   = "html_body"
	fakeErrorField = "error_field"
)

// respond delivers a 2xx upstream response to the client. Returns true in all
// cases: even a fake 200 is surfaced rather than retried, so the client sees
// the reclassified 502 instead of a different provider's answer.
func (f *Forwarder) respond(fctx *fasthttp.RequestCtx, rc *model.RequestContext, p *model.Provider, ep *model.ProviderEndpoint, tr *transform.Transformer, resp *fasthttp.Response, release func(), item model.ProviderChainItem, start time.Time, finish func(*Outcome)) bool {
	if rc.Streaming {
		f.respondStream(fctx, rc, p, ep, tr, resp, release, item, start, finish)
		return true
	}
	f.respondUnary(fctx, rc, p, ep, tr, resp, release, item, start, finish)
	return true
}

func (f *Forwarder) respondUnary(fctx *fasthttp.RequestCtx, rc *model.RequestContext, p *model.Provider, ep *model.ProviderEndpoint, tr *transform.Transformer, resp *fasthttp.Response, release func(), item model.ProviderChainItem, start time.Time, finish func(*Outcome)) {
	body := append([]byte(nil), resp.Body()...)
	status := resp.StatusCode()
	release()
	item.DurationMs = f.now().Sub(start).Milliseconds()

	if cause := fake200Cause(body); cause != "" {
		item.ErrorCategory = model.CategoryProviderError
		item.ErrorMessage = "fake 200: " + cause
		item.Reason = model.ReasonRetryFailed
		f.recordFailure(fctx, rc, p, ep, &item, nil)
		rc.AppendChain(item)
		f.observe(p.Name, "fake_200", f.now().Sub(start))
		apierr.WriteFake200(fctx, cause)
		finish(&Outcome{StatusCode: fasthttp.StatusBadGateway, Provider: p})
		return
	}

	providerFormat := model.FormatOf(p.Type)
	u, err := usage.FromResponse(providerFormat, body)
	if err != nil {
		f.log.Debug("usage extraction failed",
			slog.Int64("provider_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	out, err := tr.Response(body)
	if err != nil {
		item.ErrorCategory = model.CategoryProviderError
		item.ErrorMessage = "response translation failed: " + err.Error()
		item.Reason = model.ReasonRetryFailed
		f.recordFailure(fctx, rc, p, ep, &item, err)
		rc.AppendChain(item)
		apierr.WriteUpstreamError(fctx, fasthttp.StatusBadGateway, "upstream response could not be translated")
		finish(&Outcome{StatusCode: fasthttp.StatusBadGateway, Provider: p})
		return
	}

	f.recordSuccess(fctx, p, ep)
	item.Reason = chainReason(model.CategoryNone, item.AttemptNumber)
	item.CircuitState = f.circuitState(p.ID)
	rc.AppendChain(item)
	f.observe(p.Name, "success", f.now().Sub(start))

	fctx.SetStatusCode(status)
	fctx.SetContentType("application/json")
	fctx.SetBody(out)
	finish(&Outcome{
		StatusCode: status,
		Provider:   p,
		Usage:      u,
		Success:    true,
	})
}

// respondStream pipes the upstream SSE body to the client, re-translating
// each event when the formats differ and harvesting usage from terminal
// events. finish runs after the last byte (or the abort) — fasthttp invokes
// the body stream writer once the handler returns.
func (f *Forwarder) respondStream(fctx *fasthttp.RequestCtx, rc *model.RequestContext, p *model.Provider, ep *model.ProviderEndpoint, tr *transform.Transformer, resp *fasthttp.Response, release func(), item model.ProviderChainItem, start time.Time, finish func(*Outcome)) {
	// TTFB elapsed; the attempt is a success at the breaker level once
	// headers arrive.
	f.recordSuccess(fctx, p, ep)
	item.Reason = chainReason(model.CategoryNone, item.AttemptNumber)
	item.CircuitState = f.circuitState(p.ID)
	item.DurationMs = f.now().Sub(start).Milliseconds()
	rc.AppendChain(item)
	f.observe(p.Name, "success", f.now().Sub(start))

	status := resp.StatusCode()
	providerFormat := model.FormatOf(p.Type)
	idle := f.idleTimeout(p)
	upstream := resp.BodyStream()

	fctx.SetStatusCode(status)
	fctx.SetContentType("text/event-stream")
	fctx.Response.Header.Set("Cache-Control", "no-cache")
	fctx.Response.ImmediateHeaderFlush = true

	fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		out := &Outcome{StatusCode: status, Provider: p}
		defer func() {
			release()
			finish(out)
		}()

		events := make(chan []byte, 8)
		readErr := make(chan error, 1)
		// stop unblocks a reader parked on a full events channel when this
		// writer bails out early (abort, idle timeout).
		stop := make(chan struct{})
		defer close(stop)
		go readEvents(upstream, events, readErr, stop)

		// deliver translates one event and writes it to the client. False
		// means the client went away and the stream is over.
		deliver := func(ev []byte) bool {
			usage.FromStreamEvent(providerFormat, eventData(ev), &out.Usage)
			translated, err := translateEvent(tr, ev)
			if err != nil {
				f.log.Warn("stream chunk translation failed",
					slog.Int64("provider_id", p.ID),
					slog.String("error", err.Error()),
				)
				return true
			}
			if translated == nil {
				return true
			}
			if _, err := w.Write(translated); err != nil {
				out.ClientAborted = true
				resp.CloseBodyStream() //nolint:errcheck
				return false
			}
			if err := w.Flush(); err != nil {
				out.ClientAborted = true
				resp.CloseBodyStream() //nolint:errcheck
				return false
			}
			return true
		}

		timer := time.NewTimer(idle)
		defer timer.Stop()

		for {
			timer.Reset(idle)
			select {
			case ev, ok := <-events:
				if !ok {
					// The reader closed the channel after reporting its
					// terminal error; readErr is guaranteed populated.
					if err := <-readErr; err != nil && err != io.EOF {
						f.log.Warn("upstream stream failed",
							slog.Int64("provider_id", p.ID),
							slog.String("error", err.Error()),
						)
						return
					}
					out.Success = true
					return
				}
				if !deliver(ev) {
					return
				}

			case err := <-readErr:
				// The reader can report EOF while events sit buffered ahead
				// of it; the terminal usage event rides in that tail.
				for ev := range events {
					if !deliver(ev) {
						return
					}
				}
				if err == nil || err == io.EOF {
					out.Success = true
					return
				}
				f.log.Warn("upstream stream failed",
					slog.Int64("provider_id", p.ID),
					slog.String("error", err.Error()),
				)
				return

			case <-timer.C:
				f.log.Warn("streaming idle timeout",
					slog.Int64("provider_id", p.ID),
					slog.Duration("idle", idle),
				)
				resp.CloseBodyStream() //nolint:errcheck
				return
			}
		}
	})
}

// readEvents splits the upstream body into SSE events (terminated by a blank
// line) and feeds them to the channel. The final partial event, if any, is
// flushed on EOF. The terminal read error is reported on done before events
// is closed; a close on stop abandons the read without reporting.
func readEvents(r io.Reader, events chan<- []byte, done chan<- error, stop <-chan struct{}) {
	defer close(events)
	br := bufio.NewReader(r)
	send := func(ev []byte) bool {
		select {
		case events <- ev:
			return true
		case <-stop:
			return false
		}
	}
	var event []byte
	for {
		line, err := br.ReadBytes('\n')
		event = append(event, line...)
		if err != nil {
			if len(bytes.TrimSpace(event)) > 0 && !send(event) {
				return
			}
			done <- err
			return
		}
		if len(bytes.TrimSpace(line)) == 0 && len(bytes.TrimSpace(event)) > 0 {
			if !send(event) {
				return
			}
			event = nil
		}
	}
}

// eventData extracts the payload of the first data: line in an SSE event.
func eventData(event []byte) []byte {
	for _, line := range bytes.Split(event, []byte("\n")) {
		if d, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(d)
		}
	}
	return nil
}

// translateEvent rewrites one SSE event through the transformer. Returns nil
// when the transformer drops the event. [DONE] sentinels pass untouched.
func translateEvent(tr *transform.Transformer, event []byte) ([]byte, error) {
	data := eventData(event)
	if data == nil || bytes.Equal(data, []byte("[DONE]")) {
		return event, nil
	}
	out, err := tr.StreamChunk(data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	if bytes.Equal(out, data) {
		return event, nil
	}
	return []byte("data: " + string(out) + "\n\n"), nil
}

// fake200Cause reclassifies a 2xx that cannot be a real model response.
func fake200Cause(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fakeEmptyBody
	}
	if trimmed[0] == '<' {
		return fakeHTMLBody
	}
	doc := string(trimmed)
	if gjson.Valid(doc) && gjson.Get(doc, "error").Exists() {
		return fakeErrorField
	}
	return ""
}
