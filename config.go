package mcpuse

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes how to reach one named server. Exactly two kinds
// exist: ProcessConfig and HTTPConfig. A config is immutable once a Session
// has been created from it.
type ServerConfig interface {
	serverConfig()
}

// ProcessConfig describes a server reached by spawning a child process that
// speaks newline-delimited JSON over its standard streams.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env entries are appended to the parent environment.
	Env map[string]string

	// GracePeriod bounds the interrupt-to-kill window on Close. Zero means
	// the package default.
	GracePeriod time.Duration

	// AllowTools restricts the tools callable through sessions created from
	// this config. Entries are glob patterns; empty means no restriction.
	AllowTools []string
}

func (ProcessConfig) serverConfig() {}

// HTTPConfig describes a server reached over HTTP, preferring the streamable
// transport and falling back to the classic SSE transport.
type HTTPConfig struct {
	URL     string
	Headers map[string]string

	// Credentials, when set, supplies the Authorization header and refreshes
	// it once on a 401 before the request fails.
	Credentials CredentialProvider

	// PreferStreaming selects streaming mode first. When false the connector
	// starts directly in classic mode.
	PreferStreaming bool

	// FallbackStatus decides whether a streaming-mode POST rejection should
	// trigger the classic fallback. Nil means the package default, which
	// treats 404, 405 and 406 as "streaming unsupported".
	FallbackStatus func(status int) bool

	// MaxReconnects bounds reconnect attempts after an unexpected inbound
	// stream closure. Zero means the package default.
	MaxReconnects int
	// ReconnectBackoff is the base delay between reconnect attempts; it
	// doubles per attempt. Zero means the package default.
	ReconnectBackoff time.Duration

	// RequestTimeout bounds each HTTP round trip: classic POSTs entirely,
	// streaming POSTs until response headers arrive. Zero means no bound
	// beyond the caller's context.
	RequestTimeout time.Duration

	// HTTPClient overrides the client used for all requests.
	HTTPClient *http.Client

	// AllowTools restricts the tools callable through sessions created from
	// this config. Entries are glob patterns; empty means no restriction.
	AllowTools []string
}

func (HTTPConfig) serverConfig() {}

type fileConfig struct {
	Servers map[string]serverEntry `yaml:"servers"`
}

// duration accepts time.ParseDuration strings like "30s" in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

type serverEntry struct {
	Type string `yaml:"type"`

	// Process fields.
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	GracePeriod duration          `yaml:"grace_period"`

	// HTTP fields.
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	PreferStreaming  bool              `yaml:"prefer_streaming"`
	MaxReconnects    int               `yaml:"max_reconnects"`
	ReconnectBackoff duration          `yaml:"reconnect_backoff"`
	RequestTimeout   duration          `yaml:"request_timeout"`

	AllowTools []string `yaml:"allow_tools"`
}

// LoadConfig reads named server configurations from a YAML file. Each entry
// carries a type discriminator, "process" or "http":
//
//	servers:
//	  files:
//	    type: process
//	    command: my-mcp-server
//	    args: ["--root", "/data"]
//	  remote:
//	    type: http
//	    url: https://example.com/mcp
//	    prefer_streaming: true
func LoadConfig(path string) (map[string]ServerConfig, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(bs)
}

// ParseConfig decodes named server configurations from YAML bytes.
func ParseConfig(bs []byte) (map[string]ServerConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(bs, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configs := make(map[string]ServerConfig, len(fc.Servers))
	for name, entry := range fc.Servers {
		cfg, err := entry.toServerConfig()
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		configs[name] = cfg
	}
	return configs, nil
}

func (e serverEntry) toServerConfig() (ServerConfig, error) {
	switch e.Type {
	case "process":
		if e.Command == "" {
			return nil, fmt.Errorf("process server requires a command")
		}
		return ProcessConfig{
			Command:     e.Command,
			Args:        e.Args,
			Env:         e.Env,
			GracePeriod: time.Duration(e.GracePeriod),
			AllowTools:  e.AllowTools,
		}, nil
	case "http":
		if e.URL == "" {
			return nil, fmt.Errorf("http server requires a url")
		}
		return HTTPConfig{
			URL:              e.URL,
			Headers:          e.Headers,
			PreferStreaming:  e.PreferStreaming,
			MaxReconnects:    e.MaxReconnects,
			ReconnectBackoff: time.Duration(e.ReconnectBackoff),
			RequestTimeout:   time.Duration(e.RequestTimeout),
			AllowTools:       e.AllowTools,
		}, nil
	case "":
		return nil, fmt.Errorf("missing server type")
	default:
		return nil, fmt.Errorf("unknown server type %q", e.Type)
	}
}

func allowedTools(cfg ServerConfig) []string {
	switch c := cfg.(type) {
	case ProcessConfig:
		return c.AllowTools
	case HTTPConfig:
		return c.AllowTools
	default:
		return nil
	}
}
