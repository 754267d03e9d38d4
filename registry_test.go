package mcpuse_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	mcpuse "github.com/mcp-use/mcp-use-go"
)

// newStreamingMCPServer serves a minimal streaming endpoint: requests get a
// JSON response body, notifications a 202.
func newStreamingMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req mcpuse.JSONRPCMessage
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result string
		switch req.Method {
		case "initialize":
			result = `{
				"protocolVersion": "2024-11-05",
				"capabilities": {"tools": {}},
				"serverInfo": {"name": "registry-test-server", "version": "0.1.0"}
			}`
		case "ping":
			result = `{}`
		default:
			result = `{}`
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":%s}`, req.ID, result)
	}))
}

func TestRegistryCreateSessionEndToEnd(t *testing.T) {
	srv := newStreamingMCPServer(t)
	defer srv.Close()

	reg := mcpuse.NewRegistry(map[string]mcpuse.ServerConfig{
		"remote": mcpuse.HTTPConfig{
			URL:             srv.URL,
			PreferStreaming: true,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := reg.CreateSession(ctx, "remote", true)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	defer reg.CloseAllSessions(ctx)

	if got := sess.ServerInfo().Name; got != "registry-test-server" {
		t.Errorf("server name = %q", got)
	}
	if err := sess.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	// A connected session is cached and reused.
	again, err := reg.CreateSession(ctx, "remote", true)
	if err != nil {
		t.Fatalf("second CreateSession failed: %v", err)
	}
	if again != sess {
		t.Error("expected the cached session to be reused")
	}

	// The shared wire log saw traffic tagged with the server name.
	wl := reg.WireLog()
	if wl == nil {
		t.Fatal("registry has no wire log")
	}
	entries := wl.Entries()
	if len(entries) == 0 {
		t.Fatal("wire log is empty")
	}
	for _, entry := range entries {
		if entry.Server != "remote" {
			t.Errorf("entry server = %q, want remote", entry.Server)
		}
	}
}

func TestRegistryCloseAllSessions(t *testing.T) {
	srv := newStreamingMCPServer(t)
	defer srv.Close()

	reg := mcpuse.NewRegistry(map[string]mcpuse.ServerConfig{
		"a": mcpuse.HTTPConfig{URL: srv.URL, PreferStreaming: true},
		"b": mcpuse.HTTPConfig{URL: srv.URL, PreferStreaming: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := reg.CreateSession(ctx, "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CreateSession(ctx, "b", true); err != nil {
		t.Fatal(err)
	}

	if err := reg.CloseAllSessions(ctx); err != nil {
		t.Fatalf("CloseAllSessions failed: %v", err)
	}

	// The cache was cleared: the next CreateSession builds a fresh session.
	rebuilt, err := reg.CreateSession(ctx, "a", true)
	if err != nil {
		t.Fatalf("CreateSession after CloseAllSessions failed: %v", err)
	}
	if rebuilt == first {
		t.Error("expected a fresh session after CloseAllSessions")
	}
	reg.CloseAllSessions(ctx)
}

func TestRegistryUnknownServer(t *testing.T) {
	reg := mcpuse.NewRegistry(nil)

	_, err := reg.CreateSession(context.Background(), "ghost", false)
	var ue *mcpuse.UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestRegistryDoesNotReuseDisconnectedSessions(t *testing.T) {
	reg := mcpuse.NewRegistry(map[string]mcpuse.ServerConfig{
		"proc": mcpuse.ProcessConfig{Command: "cat"},
	})

	ctx := context.Background()
	first, err := reg.CreateSession(ctx, "proc", false)
	if err != nil {
		t.Fatal(err)
	}

	// Never initialized, so never connected: the next call must not hand the
	// same dormant session back.
	second, err := reg.CreateSession(ctx, "proc", false)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("disconnected session was reused")
	}
}

func TestRegistryAddRemoveServers(t *testing.T) {
	reg := mcpuse.NewRegistry(map[string]mcpuse.ServerConfig{
		"b": mcpuse.ProcessConfig{Command: "cat"},
	})

	if err := reg.AddServer("a", mcpuse.ProcessConfig{Command: "cat"}); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}

	var ue *mcpuse.UsageError
	if err := reg.AddServer("a", mcpuse.ProcessConfig{Command: "cat"}); !errors.As(err, &ue) {
		t.Errorf("duplicate AddServer error = %v, want UsageError", err)
	}

	if got := reg.ServerNames(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("ServerNames = %v", got)
	}

	if err := reg.RemoveServer(context.Background(), "a"); err != nil {
		t.Fatalf("RemoveServer failed: %v", err)
	}
	if got := reg.ServerNames(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("ServerNames after remove = %v", got)
	}
}

func TestRegistryRejectsBadToolPattern(t *testing.T) {
	reg := mcpuse.NewRegistry(map[string]mcpuse.ServerConfig{
		"proc": mcpuse.ProcessConfig{
			Command:    "cat",
			AllowTools: []string{"["},
		},
	})

	if _, err := reg.CreateSession(context.Background(), "proc", false); err == nil {
		t.Fatal("expected an error for an invalid tool pattern")
	}
}

func TestRegistryInitializeFailureLeavesNothingCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := mcpuse.NewRegistry(map[string]mcpuse.ServerConfig{
		"broken": mcpuse.HTTPConfig{URL: srv.URL, PreferStreaming: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := reg.CreateSession(ctx, "broken", true); err == nil {
		t.Fatal("expected the handshake to fail")
	}

	// The failed attempt must not poison later ones with a dead cached session.
	if _, err := reg.CreateSession(ctx, "broken", true); err == nil {
		t.Fatal("expected the second handshake to fail too")
	}
}
