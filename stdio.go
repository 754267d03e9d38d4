package mcpuse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessConnector owns one spawned child process and frames messages as
// newline-delimited JSON records over its standard streams. Create instances
// with NewProcessConnector.
type ProcessConnector struct {
	cfg    ProcessConfig
	logger *slog.Logger
	sink   WireSink

	state atomic.Int32

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writes    chan processWrite
	done      chan struct{}
	exited    chan error
	closeOnce sync.Once
}

type processWrite struct {
	frame []byte
	errs  chan error
}

// ProcessConnectorOption configures a ProcessConnector.
type ProcessConnectorOption func(*ProcessConnector)

// WithProcessLogger sets the logger for the connector.
func WithProcessLogger(logger *slog.Logger) ProcessConnectorOption {
	return func(p *ProcessConnector) {
		p.logger = logger
	}
}

// WithProcessWireSink sets the sink receiving wire traffic and framing errors.
func WithProcessWireSink(sink WireSink) ProcessConnectorOption {
	return func(p *ProcessConnector) {
		p.sink = sink
	}
}

const defaultKillGracePeriod = 5 * time.Second

// NewProcessConnector creates a connector that will spawn the configured
// command on Connect. The child is not started until Connect is called.
func NewProcessConnector(cfg ProcessConfig, options ...ProcessConnectorOption) *ProcessConnector {
	p := &ProcessConnector{
		cfg:    cfg,
		logger: slog.Default(),
		sink:   nopSink{},
		writes: make(chan processWrite),
		done:   make(chan struct{}),
		exited: make(chan error, 1),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Connect spawns the configured command. The state becomes Connected only
// after the spawn succeeds; a spawn failure surfaces the OS error and leaves
// the state Disconnected.
func (p *ProcessConnector) Connect(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return &UsageError{Msg: fmt.Sprintf("connect called in state %s", p.State())}
	}

	if p.cfg.Command == "" {
		p.state.Store(int32(StateDisconnected))
		return &UsageError{Msg: "process config has no command"}
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	if len(p.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range p.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.state.Store(int32(StateDisconnected))
		return &TransportError{Op: "spawn", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.state.Store(int32(StateDisconnected))
		return &TransportError{Op: "spawn", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.state.Store(int32(StateDisconnected))
		return &TransportError{Op: "spawn", Err: err}
	}

	if err := cmd.Start(); err != nil {
		p.state.Store(int32(StateDisconnected))
		return &TransportError{Op: "spawn", Err: err}
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout

	go p.drainStderr(stderr)
	go p.processWrites()
	go func() {
		p.exited <- cmd.Wait()
	}()

	p.state.Store(int32(StateConnected))
	return nil
}

// Send writes one framed record to the child's stdin. It fails fast when the
// connector is not Connected.
func (p *ProcessConnector) Send(ctx context.Context, msg JSONRPCMessage) error {
	if p.State() != StateConnected {
		return &UsageError{Msg: fmt.Sprintf("send called in state %s", p.State())}
	}

	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	w := processWrite{
		frame: frame,
		errs:  make(chan error, 1),
	}

	// Queue the write so a single goroutine owns the pipe.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return &DisconnectError{Reason: "process connector closed"}
	case p.writes <- w:
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		p.sink.Record(WireEntry{Direction: WireSend, Payload: json.RawMessage(frame)})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return &DisconnectError{Reason: "process connector closed"}
	}
}

// Messages returns an iterator over decoded records from the child's stdout,
// in arrival order. A record that fails to decode is reported to the wire sink
// and the reader continues with the next one. The iteration ends when the
// stream closes.
func (p *ProcessConnector) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer func() {
			if p.State() == StateConnected {
				p.state.Store(int32(StateDisconnected))
			}
		}()

		dec := newLineDecoder(p.stdout)
		for {
			msg, err := dec.next()
			if err != nil {
				var fe *FramingError
				if errors.As(err, &fe) {
					p.reportFramingError(fe)
					if errors.Is(fe.Err, errPartialRecord) {
						// Partial trailing record means the stream ended.
						return
					}
					continue
				}
				if !errors.Is(err, io.EOF) {
					p.logger.Error("failed to read from process", "err", err)
				}
				return
			}

			p.sink.Record(WireEntry{Direction: WireReceive, Payload: rawPayload(msg)})
			if !yield(msg) {
				return
			}
		}
	}
}

// State reports the connector lifecycle state.
func (p *ProcessConnector) State() ConnectorState {
	return ConnectorState(p.state.Load())
}

// Close terminates the child: SIGTERM first, then SIGKILL after a bounded
// grace period. It is idempotent and always leaves the state Disconnected.
func (p *ProcessConnector) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosing))
		close(p.done)
		err = p.terminate(ctx)
		p.state.Store(int32(StateDisconnected))
	})
	return err
}

func (p *ProcessConnector) terminate(ctx context.Context) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	// Closing stdin is the polite hint; SIGTERM the direct one.
	_ = p.stdin.Close()
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to signal process", "err", err)
	}

	grace := p.cfg.GracePeriod
	if grace <= 0 {
		grace = defaultKillGracePeriod
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &TransportError{Op: "kill", Err: err}
	}
	<-p.exited
	return nil
}

func (p *ProcessConnector) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("process stderr", "command", p.cfg.Command, "line", scanner.Text())
	}
}

func (p *ProcessConnector) processWrites() {
	for {
		var w processWrite
		select {
		case <-p.done:
			return
		case w = <-p.writes:
		}

		_, err := p.stdin.Write(w.frame)
		w.errs <- err
	}
}

func (p *ProcessConnector) reportFramingError(fe *FramingError) {
	p.logger.Error("failed to decode inbound record", "err", fe.Err)
	p.sink.Record(WireEntry{Direction: WireError, Payload: json.RawMessage(fe.Data), Err: fe})
}

func rawPayload(msg JSONRPCMessage) json.RawMessage {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return bs
}
