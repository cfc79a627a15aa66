package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/bsig/pkg/telemetry"
)

// Fake runtime: actions apply their operator's local effects to the state
type fakeRuntime struct {
	mu       sync.Mutex
	name     string
	state    State
	stateErr error
	fail     map[string]bool
	panics   map[string]bool
	hooks    map[string]func(State)
	invoked  []string
}

func newFakeRuntime(name string, state State) *fakeRuntime {
	if state == nil {
		state = State{}
	}
	return &fakeRuntime{
		name:   name,
		state:  state,
		fail:   make(map[string]bool),
		panics: make(map[string]bool),
		hooks:  make(map[string]func(State)),
	}
}

func (r *fakeRuntime) GetCurrentState(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stateErr != nil {
		return nil, r.stateErr
	}
	out := make(State, len(r.state))
	out.Merge(r.state)
	return out, nil
}

func (r *fakeRuntime) ExecuteAction(ctx context.Context, op *Operator) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := op.Key()
	r.invoked = append(r.invoked, key)
	if r.panics[key] {
		panic("action exploded: " + key)
	}
	if r.fail[key] {
		return false, nil
	}
	for p, v := range op.Effect {
		if p.IsLocal(r.name) {
			r.state[p] = v
		}
	}
	if hook, ok := r.hooks[key]; ok {
		hook(r.state)
	}
	return true, nil
}

func (r *fakeRuntime) Whoami() string {
	return r.name
}

func (r *fakeRuntime) invocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.invoked))
	copy(out, r.invoked)
	return out
}

func (r *fakeRuntime) get(p Path) Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Resolve(p)
}

// Fake registry
type fakeRegistry struct {
	mu      sync.Mutex
	entries map[string]AgentEntry
	deltas  []RegistryDelta
	err     error
}

func newFakeRegistry(entries ...AgentEntry) *fakeRegistry {
	r := &fakeRegistry{entries: make(map[string]AgentEntry)}
	for _, e := range entries {
		r.entries[e.Name] = e
	}
	return r
}

func (r *fakeRegistry) GetAgentRegistry(ctx context.Context) (map[string]AgentEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]AgentEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out, nil
}

func (r *fakeRegistry) SetAgentRegistry(ctx context.Context, delta RegistryDelta) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.deltas = append(r.deltas, delta)
	for name, entry := range delta {
		if entry == nil {
			delete(r.entries, name)
			continue
		}
		r.entries[name] = *entry
	}
	return true, nil
}

// Fake model source
type fakeModels struct {
	mu     sync.Mutex
	repair *RepairModel
	models map[string]map[string]any
	err    error
}

func (m *fakeModels) GetRepairModel(ctx context.Context) (*RepairModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repair, m.err
}

func (m *fakeModels) GetModel(ctx context.Context, agent string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.models[agent], m.err
}

// Fake lock: busy[key] makes the next n acquisitions of key fail
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	busy     map[string]int
	err      error
	acquired []string
	resets   int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool), busy: make(map[string]int)}
}

func (l *fakeLocks) TryAcquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if n := l.busy[key]; n > 0 {
		l.busy[key] = n - 1
		return false, nil
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return true, nil
}

func (l *fakeLocks) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func (l *fakeLocks) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = make(map[string]bool)
	l.resets++
	return nil
}

func (l *fakeLocks) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

// Fake throttle
type fakeThrottle struct {
	mu       sync.Mutex
	count    int64
	max      int64
	resets   int
	countErr error
	regErr   error
}

func (t *fakeThrottle) Register(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regErr != nil {
		return t.regErr
	}
	t.count++
	if t.count > t.max {
		t.max = t.count
	}
	return nil
}

func (t *fakeThrottle) Unregister(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
	return nil
}

func (t *fakeThrottle) Count(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.countErr
}

func (t *fakeThrottle) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
	t.resets++
	return nil
}

// Fake peer client recording every call in order
type fakePeers struct {
	mu        sync.Mutex
	calls     []string
	requests  []SatisfierRequest
	goalCode  int
	goalErr   error
	pingFails int
	remote    map[string]string
	pushCode  map[string]int
	pushed    map[string]any
}

func newFakePeers() *fakePeers {
	return &fakePeers{
		goalCode: 200,
		remote:   make(map[string]string),
		pushCode: make(map[string]int),
		pushed:   make(map[string]any),
	}
}

func (p *fakePeers) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePeers) code(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.pushCode[kind]; ok {
		return c
	}
	return 200
}

func (p *fakePeers) SendGoal(ctx context.Context, peer AgentEntry, req SatisfierRequest) (int, error) {
	p.record("goal:" + peer.Name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.goalCode, p.goalErr
}

func (p *fakePeers) Ping(ctx context.Context, peer AgentEntry) error {
	p.record("ping")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pingFails > 0 {
		p.pingFails--
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakePeers) ListModules(ctx context.Context, peer AgentEntry) (map[string]string, error) {
	p.record("list_modules")
	return p.remote, nil
}

func (p *fakePeers) PushModule(ctx context.Context, peer AgentEntry, name string, archive []byte) (int, error) {
	p.record("module:" + name)
	return p.code("module"), nil
}

func (p *fakePeers) PushRegistry(ctx context.Context, peer AgentEntry, registry map[string]AgentEntry) (int, error) {
	p.record("registry")
	p.mu.Lock()
	p.pushed["registry"] = registry
	p.mu.Unlock()
	return p.code("registry"), nil
}

func (p *fakePeers) PushModel(ctx context.Context, peer AgentEntry, model map[string]any) (int, error) {
	p.record("model")
	p.mu.Lock()
	p.pushed["model"] = model
	p.mu.Unlock()
	return p.code("model"), nil
}

func (p *fakePeers) PushRepairModel(ctx context.Context, peer AgentEntry, model *RepairModel) (int, error) {
	p.record("repair_model")
	p.mu.Lock()
	p.pushed["repair_model"] = model
	p.mu.Unlock()
	return p.code("repair_model"), nil
}

func (p *fakePeers) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// Fake module inventory
type fakeModules struct {
	hashes map[string]string
}

func (m *fakeModules) Hashes(ctx context.Context) (map[string]string, error) {
	return m.hashes, nil
}

func (m *fakeModules) Archive(ctx context.Context, name string) ([]byte, error) {
	return []byte("archive:" + name), nil
}

// testHarness bundles an engine with its fakes.
type testHarness struct {
	engine   *Engine
	runtime  *fakeRuntime
	registry *fakeRegistry
	models   *fakeModels
	locks    *fakeLocks
	throttle *fakeThrottle
	peers    *fakePeers
	modules  *fakeModules
}

func newHarness(t *testing.T, rt *fakeRuntime) *testHarness {
	t.Helper()

	h := &testHarness{
		runtime:  rt,
		registry: newFakeRegistry(),
		models:   &fakeModels{models: make(map[string]map[string]any)},
		locks:    newFakeLocks(),
		throttle: &fakeThrottle{},
		peers:    newFakePeers(),
		modules:  &fakeModules{hashes: map[string]string{}},
	}

	cfg := DefaultConfig()
	cfg.SleepTime = 0
	cfg.ThrottlePoll = time.Millisecond
	cfg.BootstrapPoll = time.Millisecond
	cfg.BootstrapTimeout = time.Second

	e, err := New(cfg, Deps{
		Runtime:  h.runtime,
		Registry: h.registry,
		Models:   h.models,
		Locks:    h.locks,
		Throttle: h.throttle,
		Peers:    h.peers,
		Modules:  h.modules,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.Enable()
	h.engine = e
	return h
}

func pt(s string) Path {
	return MustParsePath(s)
}

func newOp(id int64, name string, pi int, condition, effect Goal) Operator {
	return Operator{ID: id, Name: pt(name), Pi: pi, Condition: condition, Effect: effect}
}

// withMetrics gives the engine a live metrics registry.
func (h *testHarness) withMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	h.engine.metrics = m
	return m
}

// errorCount returns how many errors with code the engine has counted.
func errorCount(t *testing.T, m *telemetry.Metrics, code string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "bsig_errors_by_code_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "code" && l.GetValue() == code {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
