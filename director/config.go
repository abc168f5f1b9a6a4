// ABOUTME: Director configuration: one YAML file describing listeners, storage, connectors, and services.
// ABOUTME: Environment variables override the file for the handful of deployment-specific knobs.
package director

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/unicorn/connectors"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvMediatorAddr   = "NETUNICORN_MEDIATOR_ADDR"
	EnvGatewayAddr    = "NETUNICORN_GATEWAY_ADDR"
	EnvDatabase       = "NETUNICORN_DATABASE"
	EnvRegistry       = "NETUNICORN_REGISTRY"
	EnvExecutorBinary = "NETUNICORN_EXECUTOR_BINARY"
)

// Config is the full director configuration.
type Config struct {
	// MediatorListen is the bind address of the authenticated user API.
	MediatorListen string `yaml:"mediator_listen"`
	// GatewayListen is the bind address of the unauthenticated executor
	// gateway. The two listeners are separate so the gateway can face
	// the measurement network while the mediator stays internal.
	GatewayListen string `yaml:"gateway_listen"`
	// Database is the SQLite database path.
	Database string `yaml:"database"`

	Compiler  CompilerConfig  `yaml:"compiler"`
	Processor ProcessorConfig `yaml:"processor"`

	// Connectors maps connector names to their driver configuration.
	Connectors map[string]connectors.ConnectorConfig `yaml:"connectors"`

	// Users seeded into the authentication table at boot. Existing rows
	// are overwritten, so the file stays authoritative for these users.
	Users []UserConfig `yaml:"users"`
}

// CompilerConfig configures the build service.
type CompilerConfig struct {
	// Registry is the image registry prefix built tags are pushed under.
	Registry string `yaml:"registry"`
	// ExecutorBinary is the path of the executor binary baked into
	// every docker environment.
	ExecutorBinary string `yaml:"executor_binary"`
	// Push pushes built images to the registry; off means --load into
	// the local daemon, which only works for single-host setups.
	Push          bool   `yaml:"push"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	PollSeconds   int    `yaml:"poll_seconds"`
	WorkDir       string `yaml:"work_dir"`
}

// ProcessorConfig configures the lifecycle loop.
type ProcessorConfig struct {
	TickSeconds      int `yaml:"tick_seconds"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	StartWaitMinutes int `yaml:"start_wait_minutes"`
}

// UserConfig is one seeded user. The password is hashed before it
// reaches the database.
type UserConfig struct {
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Sudo       bool     `yaml:"sudo"`
	AccessTags []string `yaml:"access_tags"`
}

// LoadConfig reads and validates a YAML config file, then applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns a runnable config with no file at all: local
// SQLite, default ports, no connectors.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMediatorAddr); v != "" {
		c.MediatorListen = v
	}
	if v := os.Getenv(EnvGatewayAddr); v != "" {
		c.GatewayListen = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvRegistry); v != "" {
		c.Compiler.Registry = v
	}
	if v := os.Getenv(EnvExecutorBinary); v != "" {
		c.Compiler.ExecutorBinary = v
	}
}

func (c *Config) applyDefaults() {
	if c.MediatorListen == "" {
		c.MediatorListen = ":26511"
	}
	if c.GatewayListen == "" {
		c.GatewayListen = ":26512"
	}
	if c.Database == "" {
		c.Database = "unicorn.db"
	}
}

func (c *Config) validate() error {
	if c.MediatorListen == c.GatewayListen {
		return fmt.Errorf("mediator and gateway cannot share listen address %s", c.MediatorListen)
	}
	for _, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("seeded user with empty username")
		}
		if u.Password == "" {
			return fmt.Errorf("seeded user %q has no password", u.Username)
		}
	}
	for name, cc := range c.Connectors {
		if cc.Driver == "" {
			return fmt.Errorf("connector %q has no driver", name)
		}
	}
	return nil
}

// TickInterval returns the processor tick, zero meaning "use default".
func (p ProcessorConfig) TickInterval() time.Duration {
	return time.Duration(p.TickSeconds) * time.Second
}

// HeartbeatInterval returns the expected executor heartbeat period.
func (p ProcessorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}

// StartWaitTimeout returns how long READY experiments may sit unstarted.
func (p ProcessorConfig) StartWaitTimeout() time.Duration {
	return time.Duration(p.StartWaitMinutes) * time.Minute
}

// PollInterval returns the compiler claim-poll period.
func (c CompilerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}
