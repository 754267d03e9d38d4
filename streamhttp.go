package mcpuse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
)

// CredentialProvider supplies the Authorization header value for HTTP
// requests. When a request comes back 401, Refresh is called once and the
// request retried with the new value before the error propagates.
type CredentialProvider interface {
	Authorization(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// httpMode selects the delivery strategy of an HTTPConnector.
type httpMode int32

const (
	// modeStreaming POSTs every outbound frame to the endpoint and reads the
	// response body as a live event stream.
	modeStreaming httpMode = iota
	// modeClassic POSTs outbound frames fire-and-forget and receives all
	// inbound frames over one long-lived GET event stream.
	modeClassic
)

const (
	sessionIDHeader = "Mcp-Session-Id"

	defaultMaxReconnects    = 5
	defaultReconnectBackoff = 500 * time.Millisecond
)

// defaultFallbackStatus treats the statuses a streaming-unaware endpoint
// typically answers with as "retry in classic mode". The heuristic is
// deliberately configurable through HTTPConfig.FallbackStatus because servers
// disagree on how they reject the streaming transport.
func defaultFallbackStatus(status int) bool {
	return status == http.StatusNotFound ||
		status == http.StatusMethodNotAllowed ||
		status == http.StatusNotAcceptable
}

// HTTPConnector owns one logical HTTP channel to a server. It prefers the
// streaming transport, where each POST response may carry many pushed frames,
// and falls back to the classic transport, one long-lived GET event stream
// plus per-frame POSTs, when the endpoint rejects streaming. Create instances
// with NewHTTPConnector.
type HTTPConnector struct {
	cfg        HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
	sink       WireSink

	state atomic.Int32

	mu         sync.Mutex
	mode       httpMode
	sessionID  string
	messageURL string

	messages chan JSONRPCMessage
	done     chan struct{}
	failed   chan struct{}

	// lifeCtx outlives individual calls so streaming response bodies and the
	// classic inbound stream are torn down only on Close.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	closeOnce sync.Once
	failOnce  sync.Once
}

// HTTPConnectorOption configures an HTTPConnector.
type HTTPConnectorOption func(*HTTPConnector)

// WithHTTPLogger sets the logger for the connector.
func WithHTTPLogger(logger *slog.Logger) HTTPConnectorOption {
	return func(h *HTTPConnector) {
		h.logger = logger
	}
}

// WithHTTPWireSink sets the sink receiving wire traffic and framing errors.
func WithHTTPWireSink(sink WireSink) HTTPConnectorOption {
	return func(h *HTTPConnector) {
		h.sink = sink
	}
}

// NewHTTPConnector creates a connector for the configured endpoint. No request
// is issued until Connect.
func NewHTTPConnector(cfg HTTPConfig, options ...HTTPConnectorOption) *HTTPConnector {
	cli := cfg.HTTPClient
	if cli == nil {
		cli = http.DefaultClient
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	h := &HTTPConnector{
		cfg:        cfg,
		httpClient: cli,
		logger:     slog.Default(),
		sink:       nopSink{},
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
		failed:     make(chan struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Connect establishes the channel. In streaming mode there is no standing
// connection, so the connector becomes Connected immediately and the first
// POST decides whether the endpoint actually supports streaming. In classic
// mode Connect opens the inbound event stream and waits for the server's
// endpoint event.
func (h *HTTPConnector) Connect(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return &UsageError{Msg: fmt.Sprintf("connect called in state %s", h.State())}
	}

	if h.cfg.URL == "" {
		h.state.Store(int32(StateDisconnected))
		return &UsageError{Msg: "http config has no url"}
	}

	if h.cfg.PreferStreaming {
		h.mu.Lock()
		h.mode = modeStreaming
		h.mu.Unlock()
		h.state.Store(int32(StateConnected))
		return nil
	}

	if err := h.startClassic(ctx); err != nil {
		h.state.Store(int32(StateDisconnected))
		return err
	}
	h.state.Store(int32(StateConnected))
	return nil
}

// Send transmits one envelope according to the current mode. A streaming-mode
// rejection matching the fallback predicate retries the same logical attempt
// in classic mode instead of surfacing an error; every other failure class
// propagates.
func (h *HTTPConnector) Send(ctx context.Context, msg JSONRPCMessage) error {
	if h.State() != StateConnected {
		return &UsageError{Msg: fmt.Sprintf("send called in state %s", h.State())}
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if h.currentMode() == modeStreaming {
		return h.streamingSend(ctx, frame)
	}
	return h.classicSend(ctx, frame)
}

// Messages returns an iterator over inbound envelopes in wire arrival order,
// merged across the classic stream and any live streaming-POST bodies. The
// iteration ends on Close or after reconnection attempts are exhausted.
func (h *HTTPConnector) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-h.done:
				return
			case <-h.failed:
				return
			case msg := <-h.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// State reports the connector lifecycle state.
func (h *HTTPConnector) State() ConnectorState {
	return ConnectorState(h.state.Load())
}

// Close tears down the channel, cancelling any live streams. An intentional
// Close never triggers reconnection. Idempotent.
func (h *HTTPConnector) Close(_ context.Context) error {
	h.closeOnce.Do(func() {
		h.state.Store(int32(StateClosing))
		close(h.done)
		h.lifeCancel()
		h.state.Store(int32(StateDisconnected))
	})
	return nil
}

func (h *HTTPConnector) currentMode() httpMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

func (h *HTTPConnector) streamingSend(ctx context.Context, frame []byte) error {
	resp, release, err := h.streamingPost(ctx, h.cfg.URL, frame)
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}

	h.captureSessionID(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		release()
		h.sink.Record(WireEntry{Direction: WireSend, Payload: json.RawMessage(frame)})
		return nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		h.sink.Record(WireEntry{Direction: WireSend, Payload: json.RawMessage(frame)})
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			// The body is a live stream: the response to this request plus any
			// number of interleaved pushed frames. Detached from the caller so
			// pushed frames keep flowing after this call returns.
			release()
			go h.consumeEventStream(resp.Body, nil)
			return nil
		}
		err := h.consumeJSONBody(ctx, resp.Body)
		release()
		return err

	case h.fallbackStatus(resp.StatusCode):
		resp.Body.Close()
		release()
		if err := h.fallBackToClassic(ctx); err != nil {
			return err
		}
		// Same logical attempt, retried on the classic channel.
		return h.classicSend(ctx, frame)

	default:
		resp.Body.Close()
		release()
		return &TransportError{Op: "post", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

func (h *HTTPConnector) fallbackStatus(status int) bool {
	if h.cfg.FallbackStatus != nil {
		return h.cfg.FallbackStatus(status)
	}
	return defaultFallbackStatus(status)
}

// fallBackToClassic switches the connector into classic mode exactly once;
// concurrent senders that lose the race reuse the channel the winner opened.
func (h *HTTPConnector) fallBackToClassic(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == modeClassic {
		return nil
	}

	h.logger.Debug("streaming mode rejected, falling back to classic", "url", h.cfg.URL)
	if err := h.startClassicLocked(ctx); err != nil {
		return err
	}
	h.mode = modeClassic
	return nil
}

func (h *HTTPConnector) startClassic(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.startClassicLocked(ctx); err != nil {
		return err
	}
	h.mode = modeClassic
	return nil
}

// startClassicLocked opens the long-lived inbound event stream and waits for
// the endpoint event naming the message-POST target. Callers hold h.mu.
func (h *HTTPConnector) startClassicLocked(ctx context.Context) error {
	body, err := h.openInboundStream(ctx)
	if err != nil {
		return err
	}

	endpoints := make(chan string, 1)
	go h.runClassicInbound(body, endpoints)

	select {
	case <-ctx.Done():
		return &TransportError{Op: "stream", Err: ctx.Err()}
	case <-h.failed:
		return &TransportError{Op: "stream", Err: errors.New("inbound stream closed before endpoint event")}
	case u := <-endpoints:
		h.messageURL = u
		return nil
	}
}

func (h *HTTPConnector) openInboundStream(ctx context.Context) (io.ReadCloser, error) {
	// The request is bound to the connector lifetime, not the caller: the
	// body stays open long after Connect returns.
	resp, err := h.get(h.lifeCtx, h.cfg.URL)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, &TransportError{Op: "stream", Err: ctx.Err()}
		default:
		}
		return nil, &TransportError{Op: "stream", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{Op: "stream", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	h.captureSessionID(resp)
	return resp.Body, nil
}

// runClassicInbound reads the inbound event stream for the connector's
// lifetime, redialing with backoff when the stream drops unexpectedly.
func (h *HTTPConnector) runClassicInbound(body io.ReadCloser, endpoints chan<- string) {
	for {
		h.consumeEventStream(body, endpoints)

		select {
		case <-h.done:
			return
		default:
		}

		next, ok := h.redialInbound()
		if !ok {
			h.state.Store(int32(StateDisconnected))
			h.failOnce.Do(func() { close(h.failed) })
			return
		}
		body = next
	}
}

func (h *HTTPConnector) redialInbound() (io.ReadCloser, bool) {
	max := h.cfg.MaxReconnects
	if max <= 0 {
		max = defaultMaxReconnects
	}
	backoff := h.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = defaultReconnectBackoff
	}

	for attempt := 1; attempt <= max; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-h.done:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		backoff *= 2

		body, err := h.openInboundStream(h.lifeCtx)
		if err != nil {
			h.logger.Warn("inbound stream reconnect failed",
				"attempt", attempt, "max", max, "err", err)
			continue
		}
		h.logger.Debug("inbound stream reconnected", "attempt", attempt)
		return body, true
	}
	return nil, false
}

// consumeEventStream decodes frames off one event stream until it ends.
// Comment and keep-alive events are skipped by the reader; unknown event types
// are ignored. A decode failure on one event is reported and does not stop the
// stream.
func (h *HTTPConnector) consumeEventStream(body io.ReadCloser, endpoints chan<- string) {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Debug("event stream ended", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			target, err := h.resolveEndpoint(ev.Data)
			if err != nil {
				h.logger.Error("invalid endpoint event", "data", ev.Data, "err", err)
				continue
			}
			select {
			case endpoints <- target:
			default:
			}
			// Also refreshed directly so an endpoint resent after a
			// reconnect takes effect even with no channel reader left.
			h.mu.Lock()
			h.messageURL = target
			h.mu.Unlock()
		case "message", "":
			msg, err := decodeFrame([]byte(ev.Data))
			if err != nil {
				h.reportFramingError(err, []byte(ev.Data))
				continue
			}
			h.push(msg)
		default:
			// Unrecognized event types are ignored per the wire contract.
		}
	}
}

// resolveEndpoint turns an endpoint event payload, absolute or relative, into
// an absolute message-POST target rooted at the configured URL.
func (h *HTTPConnector) resolveEndpoint(data string) (string, error) {
	u, err := url.Parse(data)
	if err != nil {
		return "", err
	}
	if u.String() == "" {
		return "", errors.New("empty endpoint")
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(h.cfg.URL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func (h *HTTPConnector) consumeJSONBody(ctx context.Context, body io.ReadCloser) error {
	defer body.Close()

	bs, err := io.ReadAll(body)
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}
	if len(bytes.TrimSpace(bs)) == 0 {
		return nil
	}

	msg, err := decodeFrame(bs)
	if err != nil {
		h.reportFramingError(err, bs)
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return &DisconnectError{Reason: "http connector closed"}
	case h.messages <- msg:
		h.sink.Record(WireEntry{Direction: WireReceive, Payload: rawPayload(msg)})
		return nil
	}
}

func (h *HTTPConnector) classicSend(ctx context.Context, frame []byte) error {
	h.mu.Lock()
	target := h.messageURL
	h.mu.Unlock()
	if target == "" {
		target = h.cfg.URL
	}

	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := h.post(ctx, target, frame, "application/json")
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Op: "post", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	h.sink.Record(WireEntry{Direction: WireSend, Payload: json.RawMessage(frame)})
	return nil
}

// streamingPost issues one POST whose response body may outlive the caller.
// The request starts bound to the caller's context and RequestTimeout, so a
// server that never answers cannot stall the caller past its deadline. Once
// release is called the request follows only the connector lifetime, leaving
// an event-stream body alive until Close.
func (h *HTTPConnector) streamingPost(ctx context.Context, target string, frame []byte) (*http.Response, func(), error) {
	reqCtx, cancel := context.WithCancel(h.lifeCtx)

	watchCtx := ctx
	stopTimeout := context.CancelFunc(func() {})
	if h.cfg.RequestTimeout > 0 {
		watchCtx, stopTimeout = context.WithTimeout(ctx, h.cfg.RequestTimeout)
	}

	released := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(released) }) }

	go func() {
		defer stopTimeout()
		select {
		case <-watchCtx.Done():
			cancel()
		case <-released:
		}
	}()

	resp, err := h.doWithAuth(ctx, func(auth string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		h.setHeaders(req, auth)
		return h.httpClient.Do(req)
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return resp, release, nil
}

// post issues one POST bound to the caller's context.
func (h *HTTPConnector) post(ctx context.Context, target string, frame []byte, accept string) (*http.Response, error) {
	return h.doWithAuth(ctx, func(auth string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)
		h.setHeaders(req, auth)
		return h.httpClient.Do(req)
	})
}

func (h *HTTPConnector) get(ctx context.Context, target string) (*http.Response, error) {
	return h.doWithAuth(ctx, func(auth string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		h.setHeaders(req, auth)
		return h.httpClient.Do(req)
	})
}

// doWithAuth runs one request attempt, refreshing credentials exactly once on
// a 401 before giving up.
func (h *HTTPConnector) doWithAuth(ctx context.Context, attempt func(auth string) (*http.Response, error)) (*http.Response, error) {
	var auth string
	if h.cfg.Credentials != nil {
		var err error
		auth, err = h.cfg.Credentials.Authorization(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credentials: %w", err)
		}
	}

	resp, err := attempt(auth)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && h.cfg.Credentials != nil {
		resp.Body.Close()
		auth, err = h.cfg.Credentials.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh credentials: %w", err)
		}
		return attempt(auth)
	}

	return resp, nil
}

func (h *HTTPConnector) setHeaders(req *http.Request, auth string) {
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	h.mu.Lock()
	sessionID := h.sessionID
	h.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
}

// captureSessionID records the server-issued session token. It anchors
// correlation across reconnects on the classic inbound channel.
func (h *HTTPConnector) captureSessionID(resp *http.Response) {
	id := resp.Header.Get(sessionIDHeader)
	if id == "" {
		return
	}
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

func (h *HTTPConnector) push(msg JSONRPCMessage) {
	select {
	case <-h.done:
	case <-h.failed:
	case h.messages <- msg:
		h.sink.Record(WireEntry{Direction: WireReceive, Payload: rawPayload(msg)})
	}
}

func (h *HTTPConnector) reportFramingError(err error, data []byte) {
	var fe *FramingError
	if !errors.As(err, &fe) {
		fe = &FramingError{Data: data, Err: err}
	}
	h.logger.Error("failed to decode inbound event", "err", fe.Err)
	h.sink.Record(WireEntry{Direction: WireError, Payload: json.RawMessage(fe.Data), Err: fe})
}
