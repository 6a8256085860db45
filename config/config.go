package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/plyght/amp-acp/errors"
	"gopkg.in/yaml.v3"
)

// Transport kinds for MCP servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Upstream driver kinds.
const (
	DriverStream = "stream"
	DriverThread = "thread"
)

type FilesystemAccess struct {
	Hidden []string `yaml:"hidden"`
}

type MCPServer struct {
	Name         string            `yaml:"name"`
	Transport    string            `yaml:"transport"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          []string          `yaml:"env"`
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	AllowedTools []string          `yaml:"allowed_tools"`
}

type Reconnect struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type MCP struct {
	MaxInFlight    int           `yaml:"max_in_flight"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Reconnect      Reconnect     `yaml:"reconnect"`
	Servers        []MCPServer   `yaml:"servers"`
}

type Upstream struct {
	Driver     string        `yaml:"driver"`
	Command    string        `yaml:"command"`
	Args       []string      `yaml:"args"`
	Env        []string      `yaml:"env"`
	Cwd        string        `yaml:"cwd"`
	ThreadsDir string        `yaml:"threads_dir"`
	CloseGrace time.Duration `yaml:"close_grace"`
}

type Credential struct {
	Provider string `yaml:"provider"`
	Env      string `yaml:"env"`
	Probe    bool   `yaml:"probe"`
	Model    string `yaml:"model"`
	Region   string `yaml:"region"`
	// BaseURL overrides the provider endpoint used to check the credential.
	BaseURL string `yaml:"base_url"`
}

type Session struct {
	CancelDrainTimeout time.Duration `yaml:"cancel_drain_timeout"`
	MaxDiffCells       int           `yaml:"max_diff_cells"`
}

type Metrics struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Config struct {
	LogLevel         string           `yaml:"log_level"`
	TraceFile        string           `yaml:"trace_file"`
	Upstream         Upstream         `yaml:"upstream"`
	Credential       Credential       `yaml:"credential"`
	Session          Session          `yaml:"session"`
	MCP              MCP              `yaml:"mcp"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	Metrics          Metrics          `yaml:"metrics"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	threads := ""
	if home, err := os.UserHomeDir(); err == nil {
		threads = filepath.Join(home, ".local", "share", "amp", "threads")
	}
	return &Config{
		LogLevel: "info",
		Upstream: Upstream{
			Driver:     DriverStream,
			Command:    "amp",
			Args:       []string{"--execute", "--stream-json", "--stream-json-input"},
			ThreadsDir: threads,
			CloseGrace: 2 * time.Second,
		},
		Credential: Credential{
			Provider: "amp",
			Env:      "AMP_API_KEY",
		},
		Session: Session{
			CancelDrainTimeout: 5 * time.Second,
			MaxDiffCells:       4_000_000,
		},
		MCP: MCP{
			MaxInFlight:    16,
			ConnectTimeout: 10 * time.Second,
			CallTimeout:    60 * time.Second,
			Reconnect: Reconnect{
				MaxAttempts:  5,
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     30 * time.Second,
			},
		},
		FilesystemAccess: FilesystemAccess{
			Hidden: []string{".env", "**/.env", "**/*.pem", "**/id_rsa*"},
		},
	}
}

// Load loads configuration from the user's home directory, the current
// working directory and finally the explicit path, each layer overriding the
// previous one. An empty explicit path is skipped.
func Load(explicit string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".amp-acp", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".amp-acp", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if explicit != "" {
		if err := loadFromFile(explicit, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", explicit)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML replace the previous layer; lists are
	// replaced, not appended.
	return yaml.Unmarshal(data, cfg)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Upstream.Driver {
	case DriverStream, DriverThread:
	default:
		return errors.New("upstream.driver must be %q or %q, got %q", DriverStream, DriverThread, c.Upstream.Driver)
	}
	if strings.TrimSpace(c.Upstream.Command) == "" {
		return errors.New("upstream.command is required")
	}
	if c.Upstream.Driver == DriverThread && c.Upstream.ThreadsDir == "" {
		return errors.New("upstream.threads_dir is required for the thread driver")
	}
	if c.Session.CancelDrainTimeout <= 0 {
		return errors.New("session.cancel_drain_timeout must be positive")
	}
	if c.MCP.MaxInFlight < 0 {
		return errors.New("mcp.max_in_flight must not be negative")
	}
	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "mcp.servers[%d]", i)
		}
		if seen[s.Name] {
			return errors.New("mcp.servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Validate checks a single MCP server entry.
func (s MCPServer) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if strings.Contains(s.Name, "__") {
		return errors.New("server name %q must not contain \"__\"", s.Name)
	}
	switch s.TransportKind() {
	case TransportStdio:
		if s.Command == "" {
			return errors.New("server %q: command is required for stdio", s.Name)
		}
	case TransportHTTP, TransportSSE:
		if s.URL == "" {
			return errors.New("server %q: url is required for %s", s.Name, s.Transport)
		}
	default:
		return errors.New("server %q: unknown transport %q", s.Name, s.Transport)
	}
	return nil
}

// TransportKind returns the transport, defaulting to stdio.
func (s MCPServer) TransportKind() string {
	if s.Transport == "" {
		return TransportStdio
	}
	return strings.ToLower(s.Transport)
}

// GetServer finds an MCP server by name.
func (c *Config) GetServer(name string) (*MCPServer, bool) {
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Name == name {
			return &c.MCP.Servers[i], true
		}
	}
	return nil, false
}

// BuildEnv constructs a child process environment. Each entry is either
// "KEY" to copy from the current process or "KEY=value". Missing variables
// are skipped.
func BuildEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, fmt.Sprintf("%s=%s", v, val))
		}
	}
	return out
}
