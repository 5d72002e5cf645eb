package tunnelsession

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cometkim/dotunnel/internal/protocol"
)

var errRequestTimeout = errors.New("request timed out waiting on the tunnel agent")

type httpState int

const (
	httpAwaitingInit httpState = iota
	httpResponseStreaming
	httpCompleted
	httpAborted
)

// headersResult is delivered to ServeHTTP once the agent's responseInit
// frame (or a terminal error) arrives.
type headersResult struct {
	status  int
	header  http.Header
	hasBody bool
	err     error
}

// httpStream is one HTTP request/response exchange multiplexed onto the
// agent socket (spec §4.3). Its own mu only ever guards the bookkeeping
// fields (state, requestTerminated, pendingUpgrade and the lastSeq tracking);
// the actual data path is the headersCh channel and the sinkR/sinkW pipe.
type httpStream struct {
	id uint32

	mu    sync.Mutex
	state httpState

	requestTerminated bool
	pendingUpgrade    *wsPending

	haveLastSeq bool
	lastSeq     uint64

	headersCh chan headersResult

	sinkR *io.PipeReader
	sinkW *io.PipeWriter
}

func newHTTPStream() *httpStream {
	r, w := io.Pipe()
	return &httpStream{
		state:     httpAwaitingInit,
		headersCh: make(chan headersResult, 1),
		sinkR:     r,
		sinkW:     w,
	}
}

func (hs *httpStream) markRequestTerminated() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.requestTerminated {
		return false
	}
	hs.requestTerminated = true
	return true
}

func (hs *httpStream) resolveHeaders(status int, header http.Header, hasBody bool) {
	hs.headersCh <- headersResult{status: status, header: header, hasBody: hasBody}
}

// resolveError wakes whichever waiter the stream currently has — ServeHTTP
// blocked on headersCh, or an in-progress io.Copy blocked reading sinkR.
// Both operations are no-ops if the corresponding waiter was never used.
func (hs *httpStream) resolveError(err error) {
	select {
	case hs.headersCh <- headersResult{err: err}:
	default:
	}
	hs.sinkW.CloseWithError(err)
}

// fail terminates the stream on session-level events (agent disconnect or
// reconnect) rather than an explicit frame from the agent.
func (hs *httpStream) fail(reason string) {
	hs.mu.Lock()
	if hs.state == httpCompleted || hs.state == httpAborted {
		hs.mu.Unlock()
		return
	}
	hs.state = httpAborted
	pending := hs.pendingUpgrade
	hs.mu.Unlock()

	if pending != nil {
		select {
		case pending.result <- wsPromotionResult{detail: reason}:
		default:
		}
		return
	}
	hs.resolveError(fmt.Errorf("%s", reason))
}

// ServeHTTP implements the public-facing side of spec §4.3: translate one
// inbound HTTP request into requestInit/requestBodyChunk*/requestEnd frames,
// then block until responseInit headers arrive and stream the response body
// back to w.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.agentOnline(); !ok {
		http.Error(w, "tunnel agent is not connected", http.StatusBadGateway)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.Abort(protocol.AbortOverload.String())
		http.Error(w, "tunnel is overloaded", http.StatusServiceUnavailable)
		return
	}
	hs := newHTTPStream()
	id, ok := s.tryAllocateHTTPStream(hs)
	if !ok {
		http.Error(w, "too many concurrent requests", http.StatusServiceUnavailable)
		return
	}
	defer s.removeHTTPStream(id)

	timer := time.AfterFunc(s.cfg.RequestTimeout, func() { s.handleHTTPDeadline(id) })
	s.streams.SetDeadline(id, timer)

	hasBody := r.ContentLength != 0
	s.sendHTTP(id, &protocol.HTTPBody{
		Variant: protocol.RequestInit,
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Version: protocol.HTTP1,
		Headers: headersFromHTTP(r.Header),
		HasBody: hasBody,
	})

	// The body pump runs in its own goroutine coordinated through an
	// errgroup bound to the request context, so ServeHTTP never returns
	// while a pump for this stream is still writing frames.
	g, gctx := errgroup.WithContext(r.Context())
	if hasBody {
		g.Go(func() error {
			s.pumpRequestBody(id, hs, r)
			return nil
		})
	} else if hs.markRequestTerminated() {
		s.sendHTTP(id, &protocol.HTTPBody{Variant: protocol.RequestEnd})
	}

	select {
	case res := <-hs.headersCh:
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadGateway)
			break
		}
		dst := w.Header()
		for k, vs := range res.header {
			for _, v := range vs {
				dst.Add(k, v)
			}
		}
		w.WriteHeader(res.status)
		if res.hasBody {
			io.Copy(w, hs.sinkR)
		}
	case <-gctx.Done():
		if hs.markRequestTerminated() {
			s.sendHTTP(id, &protocol.HTTPBody{
				Variant: protocol.RequestAbort,
				Reason:  protocol.AbortCancelled,
				Detail:  "client disconnected",
			})
		}
		hs.mu.Lock()
		hs.state = httpAborted
		hs.mu.Unlock()
	}
	g.Wait()
}

func (s *Session) pumpRequestBody(id uint32, hs *httpStream, r *http.Request) {
	defer r.Body.Close()
	buf := make([]byte, 32*1024)
	var seq uint64
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.sendHTTP(id, &protocol.HTTPBody{Variant: protocol.RequestBodyChunk, Seq: seq, Bytes: chunk})
			seq++
		}
		if err != nil {
			if !hs.markRequestTerminated() {
				return
			}
			if err == io.EOF {
				s.sendHTTP(id, &protocol.HTTPBody{Variant: protocol.RequestEnd})
			} else {
				s.sendHTTP(id, &protocol.HTTPBody{
					Variant: protocol.RequestAbort,
					Reason:  protocol.AbortCancelled,
					Detail:  err.Error(),
				})
			}
			return
		}
	}
}

func (s *Session) handleHTTPDeadline(id uint32) {
	hs, ok := s.streams.HTTP(id)
	if !ok {
		return
	}
	hs.mu.Lock()
	if hs.state == httpCompleted || hs.state == httpAborted {
		hs.mu.Unlock()
		return
	}
	hs.state = httpAborted
	pending := hs.pendingUpgrade
	hs.mu.Unlock()

	if pending != nil {
		select {
		case pending.result <- wsPromotionResult{detail: "WebSocket upgrade timed out"}:
		default:
		}
	} else {
		hs.resolveError(errRequestTimeout)
	}

	s.removeHTTPStream(id)
	s.metrics.Abort(protocol.AbortTimeout.String())
	s.sendHTTP(id, &protocol.HTTPBody{
		Variant: protocol.RequestAbort,
		Reason:  protocol.AbortTimeout,
		Detail:  "request timed out",
	})
}

// handleHTTPEnvelope processes a frame from the agent tagged as HTTP-kind.
// Request-direction variants arriving from the agent are a fatal protocol
// violation: only the session ever emits them.
func (s *Session) handleHTTPEnvelope(env *protocol.Envelope) {
	body := env.HTTP
	switch body.Variant {
	case protocol.RequestTrailers:
		// Reserved for future use; acceptable to receive but never emitted
		// (spec §9). Dropped before the stream lookup since a known stream
		// isn't required to ignore it.
		s.logger.Debug("dropping reserved http frame", "variant", body.Variant.String())
		return
	case protocol.RequestInit, protocol.RequestBodyChunk,
		protocol.RequestEnd, protocol.RequestAbort:
		s.fatalProtocolError(fmt.Errorf("agent sent request-direction frame %s", body.Variant))
		return
	}

	hs, ok := s.streams.HTTP(env.StreamID)
	if !ok {
		s.logger.Debug("dropping late http frame for unknown stream", "stream_id", env.StreamID, "variant", body.Variant.String())
		return
	}

	switch body.Variant {
	case protocol.ResponseInit:
		s.handleResponseInit(hs, body)
	case protocol.ResponseInterim, protocol.ResponseTrailers:
		s.logger.Debug("dropping reserved http frame", "variant", body.Variant.String())
	case protocol.ResponseBodyChunk:
		s.handleResponseBodyChunk(hs, body)
	case protocol.ResponseEnd:
		s.handleResponseEnd(hs)
	case protocol.ResponseAbort:
		s.handleResponseAbort(hs, body)
	default:
		s.fatalProtocolError(fmt.Errorf("http variant out of range: %d", body.Variant))
	}
}

func (s *Session) handleResponseInit(hs *httpStream, body *protocol.HTTPBody) {
	hs.mu.Lock()
	if hs.state != httpAwaitingInit {
		hs.mu.Unlock()
		s.fatalProtocolError(fmt.Errorf("duplicate responseInit for stream %d", hs.id))
		return
	}
	pending := hs.pendingUpgrade
	if pending == nil {
		hs.state = httpResponseStreaming
	}
	hs.mu.Unlock()

	if pending != nil {
		s.handleUpgradeResponse(hs, pending, body)
		return
	}

	s.streams.CancelDeadline(hs.id)
	hs.resolveHeaders(int(body.Status), headerFromProtocol(body.Headers), body.HasBody)
}

func (s *Session) handleResponseBodyChunk(hs *httpStream, body *protocol.HTTPBody) {
	hs.mu.Lock()
	if hs.state == httpCompleted || hs.state == httpAborted {
		hs.mu.Unlock()
		s.fatalProtocolError(fmt.Errorf("responseBodyChunk for stream %d after it reached a terminal state", hs.id))
		return
	}
	if hs.state != httpResponseStreaming {
		hs.mu.Unlock()
		return
	}
	if hs.haveLastSeq && body.Seq <= hs.lastSeq {
		hs.mu.Unlock()
		s.fatalProtocolError(fmt.Errorf("responseBodyChunk seq %d is not greater than last seq %d for stream %d", body.Seq, hs.lastSeq, hs.id))
		return
	}
	hs.haveLastSeq = true
	hs.lastSeq = body.Seq
	hs.mu.Unlock()

	if len(body.Bytes) > 0 {
		if _, err := hs.sinkW.Write(body.Bytes); err != nil {
			return
		}
	}
	if body.IsLast {
		hs.sinkW.Close()
	}
}

func (s *Session) handleResponseEnd(hs *httpStream) {
	hs.mu.Lock()
	if hs.state == httpCompleted || hs.state == httpAborted {
		hs.mu.Unlock()
		s.fatalProtocolError(fmt.Errorf("responseEnd for stream %d after it reached a terminal state", hs.id))
		return
	}
	hs.state = httpCompleted
	hs.mu.Unlock()
	hs.sinkW.Close()
}

func (s *Session) handleResponseAbort(hs *httpStream, body *protocol.HTTPBody) {
	hs.mu.Lock()
	if hs.state == httpCompleted || hs.state == httpAborted {
		hs.mu.Unlock()
		s.fatalProtocolError(fmt.Errorf("responseAbort for stream %d after it reached a terminal state", hs.id))
		return
	}
	hs.state = httpAborted
	hs.mu.Unlock()
	s.metrics.Abort(body.Reason.String())
	hs.resolveError(fmt.Errorf("upstream aborted: %s", body.Detail))
}

func headersFromHTTP(h http.Header) []protocol.Header {
	out := make([]protocol.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, protocol.Header{Name: name, Value: []byte(v)})
		}
	}
	return out
}

func headerFromProtocol(hs []protocol.Header) http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, string(h.Value))
	}
	return out
}
