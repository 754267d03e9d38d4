package mcpuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds named server configurations and lazily creates at most one
// Session per name. Sessions are cached while their connector stays Connected;
// a dropped session is rebuilt on the next CreateSession call.
type Registry struct {
	logger         *slog.Logger
	sink           WireSink
	wireLog        *WireLog
	clientInfo     Info
	requestTimeout time.Duration

	mu       sync.Mutex
	configs  map[string]ServerConfig
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger shared by the registry and everything it
// creates.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryWireSink replaces the registry's built-in wire log with a custom
// sink. WireLog then returns nil.
func WithRegistryWireSink(sink WireSink) RegistryOption {
	return func(r *Registry) {
		r.sink = sink
		r.wireLog = nil
	}
}

// WithRegistryClientInfo sets the identity announced by every session the
// registry creates.
func WithRegistryClientInfo(info Info) RegistryOption {
	return func(r *Registry) {
		r.clientInfo = info
	}
}

// WithRegistryRequestTimeout sets the default request timeout for every
// session the registry creates.
func WithRegistryRequestTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.requestTimeout = timeout
	}
}

const defaultWireLogCapacity = 256

// NewRegistry copies the given configurations into a fresh registry. By
// default every connector records wire traffic into one shared bounded
// WireLog, retrievable with WireLog.
func NewRegistry(configs map[string]ServerConfig, options ...RegistryOption) *Registry {
	wl := NewWireLog(defaultWireLogCapacity)
	r := &Registry{
		logger:         slog.Default(),
		sink:           wl,
		wireLog:        wl,
		clientInfo:     Info{Name: "mcp-use-go", Version: "1.0.0"},
		requestTimeout: defaultRequestTimeout,
		configs:        make(map[string]ServerConfig, len(configs)),
		sessions:       make(map[string]*Session),
	}
	for name, cfg := range configs {
		r.configs[name] = cfg
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WireLog returns the registry's built-in wire log, or nil when a custom sink
// was installed.
func (r *Registry) WireLog() *WireLog {
	return r.wireLog
}

// AddServer registers one more named configuration.
func (r *Registry) AddServer(name string, cfg ServerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[name]; ok {
		return &UsageError{Msg: fmt.Sprintf("server %q already registered", name)}
	}
	r.configs[name] = cfg
	return nil
}

// RemoveServer drops a named configuration, closing its cached session first
// if one exists.
func (r *Registry) RemoveServer(ctx context.Context, name string) error {
	r.mu.Lock()
	sess := r.sessions[name]
	delete(r.sessions, name)
	delete(r.configs, name)
	r.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close(ctx)
}

// ServerNames lists the registered configuration names, sorted.
func (r *Registry) ServerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateSession returns the session for a named server, building one on first
// use. A cached session is reused only while its connector reports Connected;
// otherwise it is replaced. With autoInitialize the handshake runs before the
// session is returned, and a handshake failure tears the session down and
// leaves nothing cached.
func (r *Registry) CreateSession(ctx context.Context, name string, autoInitialize bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[name]; ok {
		if sess.Connected() {
			return sess, nil
		}
		delete(r.sessions, name)
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, &UsageError{Msg: fmt.Sprintf("no server named %q", name)}
	}

	sess, err := r.buildSession(name, cfg)
	if err != nil {
		return nil, err
	}

	if autoInitialize {
		if err := sess.Initialize(ctx); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := sess.Close(closeCtx); cerr != nil {
				r.logger.Error("failed to close session after handshake failure",
					"server", name, "err", cerr)
			}
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}

	r.sessions[name] = sess
	return sess, nil
}

func (r *Registry) buildSession(name string, cfg ServerConfig) (*Session, error) {
	logger := r.logger.With("server", name)
	sink := &serverSink{name: name, next: r.sink}

	var connector Connector
	switch c := cfg.(type) {
	case ProcessConfig:
		connector = NewProcessConnector(c,
			WithProcessLogger(logger),
			WithProcessWireSink(sink),
		)
	case HTTPConfig:
		connector = NewHTTPConnector(c,
			WithHTTPLogger(logger),
			WithHTTPWireSink(sink),
		)
	default:
		return nil, &UsageError{Msg: fmt.Sprintf("unsupported config type %T", cfg)}
	}

	opts := []SessionOption{
		WithSessionLogger(logger),
		WithClientInfo(r.clientInfo),
		WithRequestTimeout(r.requestTimeout),
	}
	if patterns := allowedTools(cfg); len(patterns) > 0 {
		filter, err := CompileToolFilter(patterns)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		opts = append(opts, WithToolFilter(filter))
	}

	return NewSession(connector, opts...), nil
}

// CloseAllSessions tears down every cached session concurrently. All closures
// are attempted regardless of individual failures, the cache is cleared
// unconditionally, and the joined errors are returned.
func (r *Registry) CloseAllSessions(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sessions))
	for name, sess := range sessions {
		wg.Add(1)
		go func(name string, sess *Session) {
			defer wg.Done()
			if err := sess.Close(ctx); err != nil {
				errCh <- fmt.Errorf("server %q: %w", name, err)
			}
		}(name, sess)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// serverSink stamps the server name onto every entry before forwarding.
type serverSink struct {
	name string
	next WireSink
}

func (s *serverSink) Record(entry WireEntry) {
	entry.Server = s.name
	s.next.Record(entry)
}
