package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/bsig/pkg/config"
	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/transport"
)

// session is the CLI's connection to one running agent.
type session struct {
	cfg    *config.AgentConfig
	client *transport.Client
	target engine.AgentEntry
	docs   *config.DocumentLoader
	out    io.Writer
}

func newSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	target, err := resolveTarget(agentAddr, cfg.Agent.Port)
	if err != nil {
		return nil, err
	}

	client, err := transport.NewClient(transport.ClientConfig{
		DialTimeout:    cfg.Client.DialTimeout,
		RequestTimeout: cfg.Client.RequestTimeout,
		HTTPProxy:      cfg.Client.HTTPProxy,
		NoProxy:        cfg.Client.NoProxy,
	}, log.Logger)
	if err != nil {
		return nil, err
	}

	return &session{
		cfg:    cfg,
		client: client,
		target: target,
		docs:   config.NewDocumentLoader(),
		out:    os.Stdout,
	}, nil
}

// resolveTarget turns host[:port] into an agent entry. An empty address
// means the local agent.
func resolveTarget(addr string, defaultPort int) (engine.AgentEntry, error) {
	if addr == "" {
		return engine.AgentEntry{Name: "local", Address: "127.0.0.1", Port: defaultPort}, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return engine.AgentEntry{Name: addr, Address: addr, Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return engine.AgentEntry{}, fmt.Errorf("invalid agent port in %q", addr)
	}
	return engine.AgentEntry{Name: host, Address: host, Port: port}, nil
}

// expectOK turns a non-200 reply into an error naming what was refused.
func expectOK(what string, code int, err error) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("failed to %s: agent answered %d %s", what, code, http.StatusText(code))
	}
	return nil
}

func (s *session) printJSON(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// self asks the target agent for its name.
func (s *session) self(ctx context.Context) (string, error) {
	health, err := s.client.GetHealth(ctx, s.target)
	if err != nil {
		return "", fmt.Errorf("agent at %s:%d is not reachable: %w", s.target.Address, s.target.Port, err)
	}
	return health.Agent, nil
}
