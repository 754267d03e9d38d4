package mcpuse_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	mcpuse "github.com/mcp-use/mcp-use-go"
)

// fakeConnector is an in-memory Connector: frames sent by the session land on
// sent, frames pushed into in are delivered through Messages.
type fakeConnector struct {
	mu    sync.Mutex
	state mcpuse.ConnectorState

	in   chan mcpuse.JSONRPCMessage
	sent chan mcpuse.JSONRPCMessage

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		state:  mcpuse.StateDisconnected,
		in:     make(chan mcpuse.JSONRPCMessage, 32),
		sent:   make(chan mcpuse.JSONRPCMessage, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConnector) Connect(context.Context) error {
	f.setState(mcpuse.StateConnected)
	return nil
}

func (f *fakeConnector) Send(_ context.Context, msg mcpuse.JSONRPCMessage) error {
	select {
	case <-f.closed:
		return &mcpuse.DisconnectError{Reason: "fake connector closed"}
	case f.sent <- msg:
		return nil
	}
}

func (f *fakeConnector) Messages() iter.Seq[mcpuse.JSONRPCMessage] {
	return func(yield func(mcpuse.JSONRPCMessage) bool) {
		for {
			select {
			case <-f.closed:
				return
			case msg := <-f.in:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (f *fakeConnector) State() mcpuse.ConnectorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnector) Close(context.Context) error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.setState(mcpuse.StateDisconnected)
	})
	return nil
}

func (f *fakeConnector) setState(s mcpuse.ConnectorState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// nextSent returns the next frame the session sent, failing the test on a
// timeout.
func (f *fakeConnector) nextSent(t *testing.T) mcpuse.JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return mcpuse.JSONRPCMessage{}
	}
}

// respond pushes a result response for the given request id.
func (f *fakeConnector) respond(id mcpuse.MustString, result string) {
	f.in <- mcpuse.JSONRPCMessage{
		JSONRPC: mcpuse.JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage(result),
	}
}

const handshakeResult = `{
	"protocolVersion": "2024-11-05",
	"capabilities": {"tools": {"listChanged": true}, "resources": {}, "prompts": {}},
	"serverInfo": {"name": "fake-server", "version": "0.1.0"}
}`

// startSession runs the handshake against a fake connector and returns the
// initialized session.
func startSession(t *testing.T, options ...mcpuse.SessionOption) (*mcpuse.Session, *fakeConnector) {
	t.Helper()

	fc := newFakeConnector()
	sess := mcpuse.NewSession(fc, options...)

	handshakeDone := make(chan struct{})
	go func() {
		defer close(handshakeDone)
		init := <-fc.sent
		fc.respond(init.ID, handshakeResult)
		<-fc.sent // notifications/initialized
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	<-handshakeDone

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sess.Close(closeCtx)
	})

	return sess, fc
}

func TestSessionInitialize(t *testing.T) {
	fc := newFakeConnector()
	sess := mcpuse.NewSession(fc, mcpuse.WithClientInfo(mcpuse.Info{
		Name:    "test-client",
		Version: "1.2.3",
	}))

	handshake := make(chan mcpuse.JSONRPCMessage, 2)
	go func() {
		init := <-fc.sent
		handshake <- init
		fc.respond(init.ID, handshakeResult)
		handshake <- <-fc.sent
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer sess.Close(ctx)

	init := <-handshake
	if init.Method != "initialize" {
		t.Errorf("first frame method = %q, want initialize", init.Method)
	}
	var params struct {
		ProtocolVersion string      `json:"protocolVersion"`
		ClientInfo      mcpuse.Info `json:"clientInfo"`
	}
	if err := json.Unmarshal(init.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal initialize params: %v", err)
	}
	if params.ClientInfo.Name != "test-client" {
		t.Errorf("client name = %q", params.ClientInfo.Name)
	}

	note := <-handshake
	if note.Method != "notifications/initialized" || !note.IsNotification() {
		t.Errorf("second frame = %+v, want initialized notification", note)
	}

	if got := sess.ServerInfo().Name; got != "fake-server" {
		t.Errorf("server name = %q", got)
	}
	if sess.Capabilities().Tools == nil {
		t.Error("tools capability not recorded")
	}
}

func TestSessionInitializeRejectsVersionMismatch(t *testing.T) {
	fc := newFakeConnector()
	sess := mcpuse.NewSession(fc)

	go func() {
		init := <-fc.sent
		fc.respond(init.ID, `{
			"protocolVersion": "1999-01-01",
			"capabilities": {},
			"serverInfo": {"name": "old", "version": "0"}
		}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Initialize(ctx); err == nil {
		t.Fatal("expected a version mismatch error")
	}
	sess.Close(ctx)
}

func TestSessionRequestBeforeInitialize(t *testing.T) {
	sess := mcpuse.NewSession(newFakeConnector())

	_, err := sess.Request(context.Background(), mcpuse.MethodPing, nil)
	var ue *mcpuse.UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestSessionConcurrentRequests(t *testing.T) {
	sess, fc := startSession(t)

	const n = 10

	// Answer every request, deliberately out of submission order.
	go func() {
		var reqs []mcpuse.JSONRPCMessage
		for i := 0; i < n; i++ {
			reqs = append(reqs, fc.nextSent(t))
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			fc.respond(reqs[i].ID, fmt.Sprintf(`{"echo":%q}`, reqs[i].ID))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sess.Request(ctx, mcpuse.MethodPing, nil)
			if err != nil {
				errs <- err
				return
			}
			var body struct {
				Echo string `json:"echo"`
			}
			if err := json.Unmarshal(res, &body); err != nil || body.Echo == "" {
				errs <- fmt.Errorf("bad result %s: %v", res, err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSessionRequestTimeoutDiscardsLateResponse(t *testing.T) {
	sess, fc := startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slow := fc.nextSentAsync()
	_, err := sess.RequestWithTimeout(ctx, mcpuse.MethodPing, nil, 50*time.Millisecond)
	var te *mcpuse.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Method != mcpuse.MethodPing {
		t.Errorf("timeout method = %q", te.Method)
	}

	// The late answer must be discarded, not delivered to anyone.
	fc.respond((<-slow).ID, `{}`)

	// The session keeps working afterwards.
	go func() {
		fc.respond(fc.nextSent(t).ID, `{"ok":true}`)
	}()
	if _, err := sess.Request(ctx, mcpuse.MethodPing, nil); err != nil {
		t.Fatalf("request after timeout failed: %v", err)
	}
}

func (f *fakeConnector) nextSentAsync() <-chan mcpuse.JSONRPCMessage {
	out := make(chan mcpuse.JSONRPCMessage, 1)
	go func() {
		out <- <-f.sent
	}()
	return out
}

func TestSessionProtocolError(t *testing.T) {
	sess, fc := startSession(t)

	go func() {
		req := fc.nextSent(t)
		fc.in <- mcpuse.JSONRPCMessage{
			JSONRPC: mcpuse.JSONRPCVersion,
			ID:      req.ID,
			Error: &mcpuse.JSONRPCError{
				Code:    -32602,
				Message: "invalid params",
			},
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sess.Request(ctx, mcpuse.MethodToolsCall, nil)
	var pe *mcpuse.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != -32602 || pe.Message != "invalid params" {
		t.Errorf("protocol error = %+v", pe)
	}
}

func TestSessionNotificationOrderAndUnsubscribe(t *testing.T) {
	sess, fc := startSession(t)

	var mu sync.Mutex
	var seen []float64
	done := make(chan struct{})
	unsubscribe := sess.OnNotification(func(n mcpuse.Notification) {
		if n.Kind != mcpuse.KindProgress {
			return
		}
		mu.Lock()
		seen = append(seen, n.Progress.Progress)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 1; i <= 3; i++ {
		fc.in <- mcpuse.JSONRPCMessage{
			JSONRPC: mcpuse.JSONRPCVersion,
			Method:  mcpuse.MethodNotificationProgress,
			Params:  json.RawMessage(fmt.Sprintf(`{"progressToken":"t","progress":%d}`, i)),
		}
		// Interleaved responses must not disturb notification order. This one
		// matches no pending request and is silently discarded.
		fc.respond(mcpuse.MustString(fmt.Sprintf("stray-%d", i)), `{}`)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notifications")
	}

	mu.Lock()
	got := append([]float64(nil), seen...)
	mu.Unlock()
	for i, p := range got {
		if p != float64(i+1) {
			t.Fatalf("notifications out of order: %v", got)
		}
	}

	unsubscribe()
	fc.in <- mcpuse.JSONRPCMessage{
		JSONRPC: mcpuse.JSONRPCVersion,
		Method:  mcpuse.MethodNotificationProgress,
		Params:  json.RawMessage(`{"progressToken":"t","progress":4}`),
	}

	// Give the dispatch loop a moment; the count must not grow.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("unsubscribed listener still invoked: %v", seen)
	}
}

func TestSessionNotificationKinds(t *testing.T) {
	sess, fc := startSession(t)

	got := make(chan mcpuse.Notification, 8)
	sess.OnNotification(func(n mcpuse.Notification) {
		got <- n
	})

	push := func(method, params string) {
		msg := mcpuse.JSONRPCMessage{
			JSONRPC: mcpuse.JSONRPCVersion,
			Method:  method,
		}
		if params != "" {
			msg.Params = json.RawMessage(params)
		}
		fc.in <- msg
	}

	push(mcpuse.MethodNotificationToolsChanged, "")
	push(mcpuse.MethodNotificationMessage, `{"level":"warning","data":"disk almost full"}`)
	push(mcpuse.MethodNotificationResourceUpdated, `{"uri":"file:///a.txt"}`)
	push(mcpuse.MethodNotificationCancelled, `{"requestId":"9","reason":"user"}`)
	push("notifications/from/the/future", `{"x":1}`)

	expect := func(kind mcpuse.NotificationKind) mcpuse.Notification {
		t.Helper()
		select {
		case n := <-got:
			if n.Kind != kind {
				t.Fatalf("kind = %v, want %v (method %s)", n.Kind, kind, n.Method)
			}
			return n
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
			return mcpuse.Notification{}
		}
	}

	expect(mcpuse.KindToolsChanged)
	if n := expect(mcpuse.KindLogMessage); n.Log.Level != "warning" {
		t.Errorf("log level = %q", n.Log.Level)
	}
	if n := expect(mcpuse.KindResourceUpdated); n.ResourceUpdated.URI != "file:///a.txt" {
		t.Errorf("resource uri = %q", n.ResourceUpdated.URI)
	}
	if n := expect(mcpuse.KindCancelled); n.Cancelled.RequestID != "9" {
		t.Errorf("cancelled id = %q", n.Cancelled.RequestID)
	}
	if n := expect(mcpuse.KindUnknown); string(n.Raw) != `{"x":1}` {
		t.Errorf("unknown raw = %s", n.Raw)
	}
}

func TestSessionAnswersServerPing(t *testing.T) {
	_, fc := startSession(t)

	fc.in <- mcpuse.JSONRPCMessage{
		JSONRPC: mcpuse.JSONRPCVersion,
		ID:      mcpuse.MustString("srv-1"),
		Method:  mcpuse.MethodPing,
	}

	pong := fc.nextSent(t)
	if pong.ID != "srv-1" || !pong.IsResponse() || pong.Error != nil {
		t.Errorf("ping answer = %+v", pong)
	}
}

func TestSessionServesRootsList(t *testing.T) {
	roots := []mcpuse.Root{{URI: "file:///work", Name: "work"}}
	_, fc := startSession(t, mcpuse.WithRoots(roots))

	fc.in <- mcpuse.JSONRPCMessage{
		JSONRPC: mcpuse.JSONRPCVersion,
		ID:      mcpuse.MustString("srv-2"),
		Method:  mcpuse.MethodRootsList,
	}

	res := fc.nextSent(t)
	if res.ID != "srv-2" || !res.IsResponse() {
		t.Fatalf("roots answer = %+v", res)
	}
	var list mcpuse.RootList
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("failed to unmarshal roots: %v", err)
	}
	if len(list.Roots) != 1 || list.Roots[0].URI != "file:///work" {
		t.Errorf("roots = %+v", list.Roots)
	}
}

func TestSessionSetRootsNotifiesServer(t *testing.T) {
	sess, fc := startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.SetRoots(ctx, []mcpuse.Root{{URI: "file:///new"}}); err != nil {
		t.Fatalf("SetRoots failed: %v", err)
	}

	note := fc.nextSent(t)
	if note.Method != "notifications/roots/list_changed" || !note.IsNotification() {
		t.Errorf("frame = %+v, want roots list_changed notification", note)
	}
	if got := sess.Roots(); len(got) != 1 || got[0].URI != "file:///new" {
		t.Errorf("roots = %+v", got)
	}
}

func TestSessionCloseFailsOutstandingRequests(t *testing.T) {
	sess, fc := startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.Request(ctx, mcpuse.MethodPing, nil)
			errs <- err
		}()
	}

	// Wait until all requests are on the wire, then tear down.
	for i := 0; i < n; i++ {
		fc.nextSent(t)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		var de *mcpuse.DisconnectError
		if !errors.As(err, &de) {
			t.Errorf("expected DisconnectError, got %v", err)
		}
	}

	// Further use is a usage error, and Close stays idempotent.
	if _, err := sess.Request(ctx, mcpuse.MethodPing, nil); err == nil {
		t.Error("expected an error after Close")
	}
	if err := sess.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestSessionListToolsAppliesFilter(t *testing.T) {
	filter, err := mcpuse.CompileToolFilter([]string{"read_*"})
	if err != nil {
		t.Fatal(err)
	}
	sess, fc := startSession(t, mcpuse.WithToolFilter(filter))

	go func() {
		req := fc.nextSent(t)
		fc.respond(req.ID, `{"tools":[
			{"name":"read_file","inputSchema":{}},
			{"name":"write_file","inputSchema":{}},
			{"name":"read_dir","inputSchema":{}}
		]}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := sess.ListTools(ctx, mcpuse.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("expected 2 tools after filtering, got %d", len(result.Tools))
	}
	for _, tool := range result.Tools {
		if tool.Name != "read_file" && tool.Name != "read_dir" {
			t.Errorf("unexpected tool %q", tool.Name)
		}
	}
}

func TestSessionCallToolRejectsFilteredTool(t *testing.T) {
	filter, err := mcpuse.CompileToolFilter([]string{"read_*"})
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := startSession(t, mcpuse.WithToolFilter(filter))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sess.CallTool(ctx, mcpuse.CallToolParams{Name: "write_file"})
	var ue *mcpuse.UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestSessionCallTool(t *testing.T) {
	sess, fc := startSession(t)

	go func() {
		req := fc.nextSent(t)
		var params mcpuse.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name != "echo" {
			t.Errorf("call params = %s: %v", req.Params, err)
		}
		fc.respond(req.ID, `{"content":[{"type":"text","text":"hi"}]}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, mcpuse.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("result = %+v", result)
	}
}

func TestSessionInitializeRetryAfterHandshakeFailure(t *testing.T) {
	fc := newFakeConnector()
	sess := mcpuse.NewSession(fc)

	go func() {
		init := <-fc.sent
		fc.respond(init.ID, `{
			"protocolVersion": "1999-01-01",
			"capabilities": {},
			"serverInfo": {"name": "old", "version": "0"}
		}`)
		retry := <-fc.sent
		fc.respond(retry.ID, handshakeResult)
		<-fc.sent // notifications/initialized
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Initialize(ctx); err == nil {
		t.Fatal("expected the first handshake to fail")
	}
	if err := sess.Initialize(ctx); err != nil {
		t.Fatalf("retry after failed handshake: %v", err)
	}
	defer sess.Close(ctx)

	if got := sess.ServerInfo().Name; got != "fake-server" {
		t.Errorf("server name = %q", got)
	}

	// Only once the handshake has succeeded is a further attempt a misuse.
	var ue *mcpuse.UsageError
	if err := sess.Initialize(ctx); !errors.As(err, &ue) {
		t.Errorf("third Initialize error = %v, want UsageError", err)
	}
}

func TestSessionInitializeRetryAfterConnectFailure(t *testing.T) {
	conn := mcpuse.NewProcessConnector(mcpuse.ProcessConfig{
		Command: "/nonexistent-mcp-server-binary",
	})
	sess := mcpuse.NewSession(conn)

	ctx := context.Background()
	var te *mcpuse.TransportError
	if err := sess.Initialize(ctx); !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	// The failed attempt must not poison the retry with a misleading
	// already-initialized error.
	if err := sess.Initialize(ctx); !errors.As(err, &te) {
		t.Fatalf("expected TransportError on retry, got %v", err)
	}
}

func TestSessionTypedOpsRequireCapability(t *testing.T) {
	fc := newFakeConnector()
	sess := mcpuse.NewSession(fc)

	// Handshake declaring no capabilities at all.
	go func() {
		init := <-fc.sent
		fc.respond(init.ID, `{
			"protocolVersion": "2024-11-05",
			"capabilities": {},
			"serverInfo": {"name": "bare", "version": "0"}
		}`)
		<-fc.sent
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer sess.Close(ctx)

	var ue *mcpuse.UsageError
	if _, err := sess.ListTools(ctx, mcpuse.ListToolsParams{}); !errors.As(err, &ue) {
		t.Errorf("ListTools error = %v, want UsageError", err)
	}
	if _, err := sess.ListResources(ctx, mcpuse.ListResourcesParams{}); !errors.As(err, &ue) {
		t.Errorf("ListResources error = %v, want UsageError", err)
	}
	if _, err := sess.GetPrompt(ctx, mcpuse.GetPromptParams{Name: "x"}); !errors.As(err, &ue) {
		t.Errorf("GetPrompt error = %v, want UsageError", err)
	}
}
