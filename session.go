package mcpuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Session is one protocol-level conversation with a server over one Connector.
// It performs the initialization handshake, tracks negotiated capabilities,
// correlates concurrent requests with responses, and fans out notifications to
// subscribers in wire arrival order. Create instances with NewSession and
// call Initialize before any other method.
type Session struct {
	connector Connector
	info      Info
	logger    *slog.Logger

	requestTimeout time.Duration
	toolFilter     ToolFilter

	mu          sync.Mutex
	pending     map[string]chan JSONRPCMessage
	listeners   []listenerEntry
	nextListen  int
	roots       []Root
	initStarted bool
	initialized bool
	closed      bool

	serverInfo Info
	serverCaps ServerCapabilities

	dispatchOnce sync.Once
	dispatchDone chan struct{}
}

type listenerEntry struct {
	id int
	fn NotificationListener
}

// ToolFilter is a compiled set of glob patterns restricting which tools a
// session may list and call. An empty filter allows everything.
type ToolFilter []glob.Glob

// CompileToolFilter compiles glob patterns into a ToolFilter.
func CompileToolFilter(patterns []string) (ToolFilter, error) {
	filter := make(ToolFilter, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", p, err)
		}
		filter = append(filter, g)
	}
	return filter, nil
}

func (f ToolFilter) allows(name string) bool {
	if len(f) == 0 {
		return true
	}
	for _, g := range f {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithClientInfo sets the name and version announced during the handshake.
func WithClientInfo(info Info) SessionOption {
	return func(s *Session) {
		s.info = info
	}
}

// WithRequestTimeout sets the default deadline applied to each request.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithRoots seeds the client-declared roots list.
func WithRoots(roots []Root) SessionOption {
	return func(s *Session) {
		s.roots = append([]Root(nil), roots...)
	}
}

// WithToolFilter restricts the tools visible and callable through the session.
func WithToolFilter(filter ToolFilter) SessionOption {
	return func(s *Session) {
		s.toolFilter = filter
	}
}

const defaultRequestTimeout = 30 * time.Second

// NewSession wraps one Connector. The connector must not be shared with
// another session. Nothing touches the wire until Initialize.
func NewSession(connector Connector, options ...SessionOption) *Session {
	s := &Session{
		connector:      connector,
		info:           Info{Name: "mcp-use-go", Version: "1.0.0"},
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		pending:        make(map[string]chan JSONRPCMessage),
		dispatchDone:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Initialize connects the underlying transport, performs the protocol
// handshake, and records the server's declared version and capabilities.
// Every other session method is a UsageError until it completes. A failed
// attempt leaves the session retryable.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &UsageError{Msg: "session is closed"}
	}
	if s.initStarted {
		s.mu.Unlock()
		return &UsageError{Msg: "session already initialized"}
	}
	s.initStarted = true
	s.mu.Unlock()

	err := s.initialize(ctx)
	if err != nil {
		s.mu.Lock()
		if !s.initialized {
			s.initStarted = false
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Session) initialize(ctx context.Context) error {
	if s.connector.State() == StateDisconnected {
		if err := s.connector.Connect(ctx); err != nil {
			return err
		}
	}

	// Started at most once, so a retried handshake reuses the same loop.
	s.dispatchOnce.Do(func() { go s.dispatch() })

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.clientCapabilities(),
		ClientInfo:      s.info,
	}
	result, err := s.roundTrip(ctx, methodInitialize, params, s.requestTimeout)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if init.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: server %q, client %q",
			init.ProtocolVersion, protocolVersion)
	}

	s.mu.Lock()
	s.serverInfo = init.ServerInfo
	s.serverCaps = init.Capabilities
	s.initialized = true
	s.mu.Unlock()

	return s.sendNotification(ctx, methodNotificationsInitialized, nil)
}

// Request sends one request and blocks until a matching response arrives, the
// session's default timeout elapses, or the connector closes. Each call
// resolves exactly once.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.RequestWithTimeout(ctx, method, params, s.requestTimeout)
}

// RequestWithTimeout is Request with an explicit deadline for this call only.
// A timeout removes the pending entry; a response for that id arriving later
// is discarded.
func (s *Session) RequestWithTimeout(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}
	return s.roundTrip(ctx, method, params, timeout)
}

// Notify sends a fire-and-forget notification; no pending entry is recorded.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	return s.sendNotification(ctx, method, params)
}

// OnNotification registers a listener and returns its unsubscribe function.
// Listeners are invoked from the single dispatch loop in wire arrival order; a
// listener added while notification N is being dispatched is not guaranteed to
// see N.
func (s *Session) OnNotification(listener NotificationListener) func() {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: listener})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetRoots replaces the client-declared roots list and pushes a change
// notification to the server. The local list is authoritative: a push failure
// is returned but never rolls the list back.
func (s *Session) SetRoots(ctx context.Context, roots []Root) error {
	s.mu.Lock()
	s.roots = append([]Root(nil), roots...)
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized {
		return nil
	}
	return s.sendNotification(ctx, methodNotificationsRootsChanged, nil)
}

// Roots returns a copy of the client-declared roots list.
func (s *Session) Roots() []Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Root(nil), s.roots...)
}

// ServerInfo returns the server identity declared during the handshake.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Capabilities returns the server capabilities declared during the handshake.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCaps
}

// Connected reports whether the underlying connector is currently Connected.
func (s *Session) Connected() bool {
	return s.connector.State() == StateConnected
}

// Ping sends a liveness probe.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	_, err := s.roundTrip(ctx, MethodPing, nil, s.requestTimeout)
	return err
}

// ListTools retrieves one page of tools, filtered by the session's tool
// filter when one is configured.
func (s *Session) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := s.requireCapability("tools"); err != nil {
		return ListToolsResult{}, err
	}
	res, err := s.Request(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListToolsResult{}, err
	}

	if len(s.toolFilter) > 0 {
		kept := result.Tools[:0]
		for _, tool := range result.Tools {
			if s.toolFilter.allows(tool.Name) {
				kept = append(kept, tool)
			}
		}
		result.Tools = kept
	}
	return result, nil
}

// CallTool invokes a tool. Tools excluded by the session's filter are rejected
// locally without touching the wire.
func (s *Session) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := s.requireCapability("tools"); err != nil {
		return CallToolResult{}, err
	}
	if !s.toolFilter.allows(params.Name) {
		return CallToolResult{}, &UsageError{Msg: fmt.Sprintf("tool %q is not allowed by the session filter", params.Name)}
	}
	res, err := s.Request(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListResources retrieves one page of resources.
func (s *Session) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := s.requireCapability("resources"); err != nil {
		return ListResourcesResult{}, err
	}
	res, err := s.Request(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ReadResource reads the contents of one resource.
func (s *Session) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := s.requireCapability("resources"); err != nil {
		return ReadResourceResult{}, err
	}
	res, err := s.Request(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// ListPrompts retrieves one page of prompts.
func (s *Session) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if err := s.requireCapability("prompts"); err != nil {
		return ListPromptsResult{}, err
	}
	res, err := s.Request(ctx, MethodPromptsList, params)
	if err != nil {
		return ListPromptsResult{}, err
	}
	var result ListPromptsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListPromptsResult{}, err
	}
	return result, nil
}

// GetPrompt renders one prompt template.
func (s *Session) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := s.requireCapability("prompts"); err != nil {
		return GetPromptResult{}, err
	}
	res, err := s.Request(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(res, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// Close resolves every pending request with a DisconnectError, drops all
// subscribers, and tears down the connector. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()

	err := s.connector.Close(ctx)
	s.failPending()
	return err
}

func (s *Session) clientCapabilities() ClientCapabilities {
	caps := ClientCapabilities{}
	s.mu.Lock()
	hasRoots := len(s.roots) > 0
	s.mu.Unlock()
	if hasRoots {
		caps.Roots = &RootsCapability{ListChanged: true}
	}
	return caps
}

func (s *Session) ensureInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &UsageError{Msg: "session is closed"}
	}
	if !s.initialized {
		return &UsageError{Msg: "session not initialized"}
	}
	return nil
}

func (s *Session) requireCapability(cap string) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	supported := false
	switch cap {
	case "tools":
		supported = s.serverCaps.Tools != nil
	case "resources":
		supported = s.serverCaps.Resources != nil
	case "prompts":
		supported = s.serverCaps.Prompts != nil
	}
	if !supported {
		return &UsageError{Msg: cap + " not supported by server"}
	}
	return nil
}

// roundTrip allocates a fresh id, records the pending entry, sends, and waits
// for exactly one terminal outcome: the matching response, a timeout, or a
// disconnect.
func (s *Session) roundTrip(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	msgID := uuid.New().String()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	resCh := make(chan JSONRPCMessage, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &UsageError{Msg: "session is closed"}
	}
	s.pending[msgID] = resCh
	s.mu.Unlock()

	// The deadline covers the whole round trip, send included, so a transport
	// that blocks before the frame is even written (a stalled streaming POST,
	// a full write queue) cannot outlive the timeout.
	sendCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.connector.Send(sendCtx, msg); err != nil {
		s.removePending(msgID)
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Method: method, Timeout: timeout}
		}
		return nil, err
	}

	select {
	case res, ok := <-resCh:
		if !ok {
			return nil, &DisconnectError{}
		}
		if res.Error != nil {
			return nil, protocolError(res.Error)
		}
		return res.Result, nil
	case <-sendCtx.Done():
		s.removePending(msgID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	}
}

func (s *Session) sendNotification(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return s.connector.Send(ctx, msg)
}

// dispatch is the single inbound path: it consumes the connector's message
// iterator and routes each frame, preserving wire order for notifications.
func (s *Session) dispatch() {
	defer close(s.dispatchDone)

	for msg := range s.connector.Messages() {
		switch {
		case msg.IsResponse():
			s.resolve(msg)
		case msg.IsNotification():
			s.dispatchNotification(msg)
		case msg.IsRequest():
			// Answered off the loop: the reply goes back out through the
			// connector, and on an HTTP transport that send can feed frames
			// into the same inbound channel this loop drains.
			go s.handleServerRequest(msg)
		}
	}

	s.failPending()
}

// resolve fulfills the pending entry for a response. A response whose id has
// no entry, typically one that already timed out, is discarded.
func (s *Session) resolve(msg JSONRPCMessage) {
	s.mu.Lock()
	ch, ok := s.pending[string(msg.ID)]
	if ok {
		delete(s.pending, string(msg.ID))
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("discarding response with no pending request", "id", string(msg.ID))
		return
	}
	ch <- msg
}

func (s *Session) removePending(msgID string) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
}

// failPending resolves every remaining entry with a disconnect so no caller
// blocks forever. Safe to call more than once.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan JSONRPCMessage)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (s *Session) dispatchNotification(msg JSONRPCMessage) {
	n := decodeNotification(msg, s.logger)

	s.mu.Lock()
	listeners := make([]NotificationListener, len(s.listeners))
	for i, e := range s.listeners {
		listeners[i] = e.fn
	}
	s.mu.Unlock()

	// Called outside the lock so a listener may subscribe or send without
	// deadlocking; order within the snapshot matches wire order.
	for _, fn := range listeners {
		fn(n)
	}
}

func (s *Session) handleServerRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	switch msg.Method {
	case MethodPing:
		if err := s.sendResult(ctx, msg.ID, struct{}{}); err != nil {
			s.logger.Error("failed to answer ping", "err", err)
		}
	case MethodRootsList:
		s.mu.Lock()
		roots := append([]Root(nil), s.roots...)
		s.mu.Unlock()
		if err := s.sendResult(ctx, msg.ID, RootList{Roots: roots}); err != nil {
			s.logger.Error("failed to answer roots/list", "err", err)
		}
	default:
		err := s.sendError(ctx, msg.ID, JSONRPCError{
			Code:    -32601,
			Message: "method not found",
		})
		if err != nil {
			s.logger.Error("failed to reject server request", "method", msg.Method, "err", err)
		}
	}
}

func (s *Session) sendResult(ctx context.Context, id MustString, result any) error {
	bs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.connector.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	})
}

func (s *Session) sendError(ctx context.Context, id MustString, rpcErr JSONRPCError) error {
	return s.connector.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}
