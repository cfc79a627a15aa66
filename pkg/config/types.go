package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/bsig/pkg/telemetry"
)

// AgentConfig is the configuration of one agent process.
type AgentConfig struct {
	Agent AgentSection `yaml:"agent" validate:"required"`

	// DataDir holds the store, lock files and the pid file.
	DataDir string `yaml:"data_dir" validate:"required"`

	// ModulesDir holds the resource modules. Defaults to <data_dir>/modules.
	ModulesDir string `yaml:"modules_dir"`

	// PolicyDir holds trust policies. Defaults to <data_dir>/policies.
	PolicyDir string `yaml:"policy_dir"`

	Store  StoreConfig  `yaml:"store"`
	Lock   LockConfig   `yaml:"lock"`
	Engine EngineConfig `yaml:"engine"`
	Client ClientConfig `yaml:"client"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// AgentSection identifies the agent on the network.
type AgentSection struct {
	// Name is the agent's identity segment in state paths.
	Name string `yaml:"name" validate:"required,excludesall=./$"`

	// ListenAddress is the interface the peer server binds.
	ListenAddress string `yaml:"listen_address"`

	Port int `yaml:"port" validate:"min=1,max=65535"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path defaults to <data_dir>/bsig.db.
	Path string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// LockConfig selects the operator lock backend.
type LockConfig struct {
	Kind     string        `yaml:"kind" validate:"oneof=file redis"`
	RedisURL string        `yaml:"redis_url" validate:"required_if=Kind redis"`
	// TTL bounds how long a redis lock survives a holder that died. Held
	// locks are renewed, so it does not limit how long an operator runs.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// EngineConfig holds the repair engine tunables.
type EngineConfig struct {
	SleepTime        time.Duration `yaml:"sleep_time" validate:"gte=0"`
	MaxTries         int           `yaml:"max_tries" validate:"min=1"`
	Sequential       bool          `yaml:"sequential"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout" validate:"gt=0"`
	BootstrapPoll    time.Duration `yaml:"bootstrap_poll" validate:"gt=0"`
	CreateActions    []string      `yaml:"create_actions" validate:"dive,required"`
	DeleteActions    []string      `yaml:"delete_actions" validate:"dive,required"`
	PeerParameter    string        `yaml:"peer_parameter" validate:"required"`
	DefaultPeerPort  int           `yaml:"default_peer_port" validate:"min=1,max=65535"`
	CallTimeout      time.Duration `yaml:"call_timeout" validate:"gte=0"`
}

// ClientConfig configures the peer HTTP client.
type ClientConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	HTTPProxy      string        `yaml:"http_proxy"`
	NoProxy        []string      `yaml:"no_proxy"`
}

// ValidationError is a document problem with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// DocumentError reports every problem found in one document.
type DocumentError struct {
	Source string
	Errors []ValidationError
}

func (e *DocumentError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid document %s: %s", e.Source, strings.Join(msgs, "; "))
}
