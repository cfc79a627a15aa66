package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/stores"
)

// HeaderAgent carries the name of the calling agent on peer requests.
const HeaderAgent = "X-BSig-Agent"

// Default client timeouts. The read timeout is long because a satisfier
// request only returns once the peer finished repairing.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Minute
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Self is sent in the X-BSig-Agent header.
	Self string

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// HTTPProxy is used for peers outside private networks. Empty reads
	// http_proxy from the environment.
	HTTPProxy string

	// NoProxy lists host prefixes that never use the proxy; a trailing '*'
	// is ignored. Nil reads no_proxy from the environment.
	NoProxy []string
}

// Client talks to peer agents over HTTP. It implements engine.PeerClient
// and registry.Broadcaster.
type Client struct {
	self   string
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a peer client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPProxy == "" {
		cfg.HTTPProxy = firstEnv("http_proxy", "HTTP_PROXY")
	}
	if cfg.NoProxy == nil {
		cfg.NoProxy = splitList(firstEnv("no_proxy", "NO_PROXY"))
	}

	proxy, err := proxyFunc(cfg.HTTPProxy, cfg.NoProxy)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}

	return &Client{
		self:   cfg.Self,
		http:   &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		logger: logger.With().Str("component", "transport").Logger(),
	}, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// proxyFunc routes requests through httpProxy unless the target host is a
// private or loopback address or matches a no-proxy prefix.
func proxyFunc(httpProxy string, noProxy []string) (func(*http.Request) (*url.URL, error), error) {
	if httpProxy == "" {
		return nil, nil
	}
	if !strings.Contains(httpProxy, "://") {
		httpProxy = "http://" + httpProxy
	}
	proxyURL, err := url.Parse(httpProxy)
	if err != nil {
		return nil, fmt.Errorf("invalid http proxy %q: %w", httpProxy, err)
	}
	return func(req *http.Request) (*url.URL, error) {
		if UseProxy(req.URL.Hostname(), noProxy) {
			return proxyURL, nil
		}
		return nil, nil
	}, nil
}

// UseProxy reports whether requests to host should go through the proxy.
func UseProxy(host string, noProxy []string) bool {
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
		return false
	}
	for _, pattern := range noProxy {
		pattern = strings.TrimSuffix(pattern, "*")
		if pattern != "" && strings.HasPrefix(host, pattern) {
			return false
		}
	}
	return true
}

func peerURL(peer engine.AgentEntry, path string) (string, error) {
	if !peer.Reachable() {
		return "", fmt.Errorf("agent %q has no address", peer.Name)
	}
	host := net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port))
	return "http://" + host + "/" + strings.TrimLeft(path, "/"), nil
}

// do sends one request and returns the status code and the body.
func (c *Client) do(ctx context.Context, method string, peer engine.AgentEntry, path, contentType string, body []byte) (int, []byte, error) {
	target, err := peerURL(peer, path)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.self != "" {
		req.Header.Set(HeaderAgent, c.self)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("agent", peer.Name).
		Str("method", method).
		Str("path", path).
		Int("code", resp.StatusCode).
		Msg("Peer request completed")
	return resp.StatusCode, data, nil
}

func (c *Client) putJSON(ctx context.Context, peer engine.AgentEntry, path string, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s body: %w", path, err)
	}
	code, _, err := c.do(ctx, http.MethodPut, peer, path, "application/json", body)
	return code, err
}

func (c *Client) getJSON(ctx context.Context, peer engine.AgentEntry, path string, v any) error {
	code, data, err := c.do(ctx, http.MethodGet, peer, path, "", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, code)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// SendGoal delegates a goal fragment to the peer's satisfier endpoint.
func (c *Client) SendGoal(ctx context.Context, peer engine.AgentEntry, req engine.SatisfierRequest) (int, error) {
	return c.putJSON(ctx, peer, PathSatisfier, req)
}

// Ping succeeds once the peer answers its health endpoint with 200.
func (c *Client) Ping(ctx context.Context, peer engine.AgentEntry) error {
	code, _, err := c.do(ctx, http.MethodGet, peer, PathHealth, "", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("health check returned %d", code)
	}
	return nil
}

// ListModules returns the module hashes installed on the peer.
func (c *Client) ListModules(ctx context.Context, peer engine.AgentEntry) (map[string]string, error) {
	var hashes map[string]string
	if err := c.getJSON(ctx, peer, PathModules, &hashes); err != nil {
		return nil, err
	}
	if hashes == nil {
		hashes = map[string]string{}
	}
	return hashes, nil
}

// PushModule uploads a module archive.
func (c *Client) PushModule(ctx context.Context, peer engine.AgentEntry, name string, archive []byte) (int, error) {
	code, _, err := c.do(ctx, http.MethodPut, peer, PathModules+"/"+url.PathEscape(name), ContentTypeModule, archive)
	return code, err
}

// PushRegistry replaces the peer's view of the registry entries listed.
func (c *Client) PushRegistry(ctx context.Context, peer engine.AgentEntry, registry map[string]engine.AgentEntry) (int, error) {
	delta := make(engine.RegistryDelta, len(registry))
	for name, entry := range registry {
		delta[name] = &entry
	}
	return c.PushRegistryDelta(ctx, peer, delta)
}

// PushRegistryDelta sends a registry delta; nil entries delete agents.
func (c *Client) PushRegistryDelta(ctx context.Context, peer engine.AgentEntry, delta engine.RegistryDelta) (int, error) {
	return c.putJSON(ctx, peer, PathAgents, delta)
}

// PushModel sends the peer its own desired-state document.
func (c *Client) PushModel(ctx context.Context, peer engine.AgentEntry, model map[string]any) (int, error) {
	return c.putJSON(ctx, peer, PathModel, map[string]map[string]any{peer.Name: model})
}

// PushRepairModel sends a repair model.
func (c *Client) PushRepairModel(ctx context.Context, peer engine.AgentEntry, model *engine.RepairModel) (int, error) {
	return c.putJSON(ctx, peer, PathRepairModel, model)
}

// GetRepairModel fetches the peer's current repair model.
func (c *Client) GetRepairModel(ctx context.Context, peer engine.AgentEntry) (*engine.RepairModel, error) {
	var model engine.RepairModel
	if err := c.getJSON(ctx, peer, PathRepairModel, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

// GetModel fetches the peer's desired-state tree.
func (c *Client) GetModel(ctx context.Context, peer engine.AgentEntry) (map[string]map[string]any, error) {
	var tree map[string]map[string]any
	if err := c.getJSON(ctx, peer, PathModel, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// ReplaceModel sends a full desired-state tree.
func (c *Client) ReplaceModel(ctx context.Context, peer engine.AgentEntry, tree map[string]map[string]any) (int, error) {
	return c.putJSON(ctx, peer, PathModel, tree)
}

// GetAgents fetches the peer's registry.
func (c *Client) GetAgents(ctx context.Context, peer engine.AgentEntry) (map[string]engine.AgentEntry, error) {
	var agents map[string]engine.AgentEntry
	if err := c.getJSON(ctx, peer, PathAgents, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetHealth fetches the peer's health report.
func (c *Client) GetHealth(ctx context.Context, peer engine.AgentEntry) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON(ctx, peer, PathHealth, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetState fetches the peer's observed state, optionally limited to the
// paths under prefix.
func (c *Client) GetState(ctx context.Context, peer engine.AgentEntry, prefix string) (engine.State, error) {
	path := PathState
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var state engine.State
	if err := c.getJSON(ctx, peer, path, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// GetEvents fetches recent audit events from the peer.
func (c *Client) GetEvents(ctx context.Context, peer engine.AgentEntry, q url.Values) ([]*stores.Event, error) {
	path := PathEvents
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []*stores.Event
	if err := c.getJSON(ctx, peer, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}
