package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/lock"
	"github.com/openfroyo/bsig/pkg/telemetry"
)

// DefaultPort is the port agents listen on unless configured otherwise.
const DefaultPort = 1314

// Environment variables that override the configuration file.
const (
	EnvName     = "BSIG_NAME"
	EnvPort     = "BSIG_PORT"
	EnvDataDir  = "BSIG_DATA_DIR"
	EnvRedisURL = "BSIG_REDIS_URL"
	EnvLogLevel = "LOG_LEVEL"
)

// DefaultDataDir returns /var/sfpagent for root and ~/.sfpagent otherwise.
func DefaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/sfpagent"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sfpagent"
	}
	return filepath.Join(home, ".sfpagent")
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	name, _, _ := strings.Cut(host, ".")
	return name
}

// DefaultAgentConfig returns the stock configuration.
func DefaultAgentConfig() *AgentConfig {
	eng := engine.DefaultConfig()
	return &AgentConfig{
		Agent: AgentSection{
			Name: defaultName(),
			Port: DefaultPort,
		},
		DataDir: DefaultDataDir(),
		Lock: LockConfig{
			Kind: lock.KindFile,
			TTL:  time.Minute,
		},
		Engine: EngineConfig{
			SleepTime:        eng.SleepTime,
			MaxTries:         eng.MaxTries,
			PollInterval:     eng.ThrottlePoll,
			BootstrapTimeout: eng.BootstrapTimeout,
			BootstrapPoll:    eng.BootstrapPoll,
			CreateActions:    eng.CreateActions,
			DeleteActions:    eng.DeleteActions,
			PeerParameter:    eng.PeerParameter,
			DefaultPeerPort:  eng.DefaultPeerPort,
			CallTimeout:      10 * time.Minute,
		},
		Client: ClientConfig{
			DialTimeout:    5 * time.Second,
			RequestTimeout: 30 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the BSIG_* and LOG_LEVEL overrides read through lookup.
func (c *AgentConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvName); ok && v != "" {
		c.Agent.Name = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Agent.Port = port
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Lock.Kind = lock.KindRedis
		c.Lock.RedisURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// fillDerived sets paths that default to locations under the data dir.
func (c *AgentConfig) fillDerived() {
	if c.ModulesDir == "" {
		c.ModulesDir = filepath.Join(c.DataDir, "modules")
	}
	if c.PolicyDir == "" {
		c.PolicyDir = filepath.Join(c.DataDir, "policies")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "bsig.db")
	}
	if c.Lock.Kind == "" {
		c.Lock.Kind = lock.KindFile
	}
}

// Validate checks struct constraints and the telemetry section.
func (c *AgentConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// ListenAddress returns host:port for the peer server.
func (c *AgentConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Agent.ListenAddress, c.Agent.Port)
}

// PIDFile returns the path of the engine pid file.
func (c *AgentConfig) PIDFile() string {
	return filepath.Join(c.DataDir, "bsig.pid")
}

// EngineConfig converts the engine section.
func (c *AgentConfig) EngineConfig() engine.Config {
	return engine.Config{
		SleepTime:        c.Engine.SleepTime,
		MaxTries:         c.Engine.MaxTries,
		Sequential:       c.Engine.Sequential,
		ThrottlePoll:     c.Engine.PollInterval,
		BootstrapTimeout: c.Engine.BootstrapTimeout,
		BootstrapPoll:    c.Engine.BootstrapPoll,
		CreateActions:    c.Engine.CreateActions,
		DeleteActions:    c.Engine.DeleteActions,
		PeerParameter:    c.Engine.PeerParameter,
		DefaultPeerPort:  c.Engine.DefaultPeerPort,
	}
}

// LockOptions converts the lock section.
func (c *AgentConfig) LockOptions() lock.Options {
	return lock.Options{
		Kind:     c.Lock.Kind,
		Dir:      c.DataDir,
		RedisURL: c.Lock.RedisURL,
		Agent:    c.Agent.Name,
		TTL:      c.Lock.TTL,
	}
}
