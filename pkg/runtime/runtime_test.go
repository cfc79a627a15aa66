package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/bsig/pkg/engine"
)

var _ engine.Runtime = (*StarlarkRuntime)(nil)

type memModels map[string]map[string]any

func (m memModels) GetModel(_ context.Context, agent string) (map[string]any, error) {
	return m[agent], nil
}

const fileModule = `
def state(m):
    content = read_file(m["path"])
    return {"path": m["path"], "exists": content != None, "content": content}

def create(m, p):
    return write_file(m["path"], p.get("content", m.get("content", "")))

def delete(m, p):
    return remove_file(m["path"])

def refuse(m, p):
    return False
`

func writeModule(t *testing.T, dir, name string, files map[string]string) {
	t.Helper()
	for rel, src := range files {
		path := filepath.Join(dir, name, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func setup(t *testing.T, doc map[string]any) (*StarlarkRuntime, string) {
	t.Helper()
	modules := t.TempDir()
	writeModule(t, modules, "file", map[string]string{"file.star": fileModule})

	rt, err := New(Config{Self: "web", ModulesDir: modules}, memModels{"web": doc}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return rt, modules
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}, memModels{}, zerolog.Nop()); err == nil {
		t.Error("expected error without agent name")
	}
	if _, err := New(Config{Self: "web"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error without model source")
	}
}

func TestGetCurrentStateAndExecuteAction(t *testing.T) {
	target := filepath.Join(t.TempDir(), "motd")
	rt, _ := setup(t, map[string]any{
		"motd": map[string]any{"_isa": "$.File", "path": target, "owner": "root"},
	})
	ctx := context.Background()

	state, err := rt.GetCurrentState(ctx)
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if !state[engine.MustParsePath("$.web.motd.exists")].Equal(engine.Bool(false)) {
		t.Errorf("exists = %v, want false", state[engine.MustParsePath("$.web.motd.exists")])
	}
	if !state[engine.MustParsePath("$.web.motd.content")].IsNull() {
		t.Errorf("content = %v, want null", state[engine.MustParsePath("$.web.motd.content")])
	}
	if state[engine.MustParsePath("$.web.motd.owner")].Kind() != engine.KindUndefined {
		t.Errorf("owner should be undefined, got %v", state[engine.MustParsePath("$.web.motd.owner")])
	}

	op := &engine.Operator{
		ID:         1,
		Name:       engine.MustParsePath("$.web.motd.create"),
		Pi:         1,
		Parameters: map[string]engine.Value{"$.content": engine.String("hello")},
	}
	ok, err := rt.ExecuteAction(ctx, op)
	if err != nil || !ok {
		t.Fatalf("ExecuteAction() = %v, %v; want true", ok, err)
	}

	state, err = rt.GetCurrentState(ctx)
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if !state[engine.MustParsePath("$.web.motd.exists")].Equal(engine.Bool(true)) {
		t.Error("file should exist after create")
	}
	if !state[engine.MustParsePath("$.web.motd.content")].Equal(engine.String("hello")) {
		t.Errorf("content = %v, want hello", state[engine.MustParsePath("$.web.motd.content")])
	}
}

func TestFalsyActionResult(t *testing.T) {
	rt, _ := setup(t, map[string]any{
		"motd": map[string]any{"_isa": "file", "path": filepath.Join(t.TempDir(), "x")},
	})
	ok, err := rt.ExecuteAction(context.Background(), &engine.Operator{Name: engine.MustParsePath("$.web.motd.refuse"), Pi: 1})
	if err != nil {
		t.Fatalf("ExecuteAction() error = %v", err)
	}
	if ok {
		t.Error("ExecuteAction() = true, want false")
	}
}

func TestExecuteActionErrors(t *testing.T) {
	rt, _ := setup(t, map[string]any{
		"motd":  map[string]any{"_isa": "file", "path": "/tmp/x"},
		"plain": map[string]any{"value": 1},
		"ghost": map[string]any{"_isa": "nosuchmodule"},
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		op      string
		wantErr error
	}{
		{"unknown action", "$.web.motd.explode", ErrUnknownAction},
		{"state is not an action", "$.web.motd.state", ErrUnknownAction},
		{"missing object", "$.web.nothing.create", ErrObjectNotFound},
		{"object without module", "$.web.plain.create", ErrObjectNotFound},
		{"missing module", "$.web.ghost.create", ErrModuleNotFound},
		{"foreign agent", "$.db.motd.create", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := rt.ExecuteAction(ctx, &engine.Operator{Name: engine.MustParsePath(tt.op), Pi: 1})
			if err == nil || ok {
				t.Fatalf("ExecuteAction(%s) = %v, %v; want error", tt.op, ok, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNestedObjects(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "svc", map[string]string{
		"svc.star": `
load("lib/util.star", "status_of")

def state(m):
    return {"running": status_of(m["name"])}
`,
		"lib/util.star": `
def status_of(name):
    return name == "apache"
`,
	})
	doc := map[string]any{
		"services": map[string]any{
			"apache": map[string]any{"_isa": "svc", "name": "apache"},
			"cron":   map[string]any{"_isa": "svc", "name": "cron"},
		},
	}
	rt, err := New(Config{Self: "web", ModulesDir: modules}, memModels{"web": doc}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	state, err := rt.GetCurrentState(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if !state[engine.MustParsePath("$.web.services.apache.running")].Equal(engine.Bool(true)) {
		t.Error("apache should be running")
	}
	if !state[engine.MustParsePath("$.web.services.cron.running")].Equal(engine.Bool(false)) {
		t.Error("cron should not be running")
	}
	if state[engine.MustParsePath("$.web.services.cron.name")].Kind() != engine.KindUndefined {
		t.Error("unreported attribute should be undefined")
	}
}

func TestLoadCannotEscapeModule(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "evil", map[string]string{
		"evil.star": `load("../file/file.star", "state")`,
	})
	writeModule(t, modules, "file", map[string]string{"file.star": fileModule})
	rt, err := New(Config{Self: "web", ModulesDir: modules},
		memModels{"web": {"x": map[string]any{"_isa": "evil"}}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.GetCurrentState(context.Background()); err == nil {
		t.Error("expected load outside the module to fail")
	}
}

func TestEmptyModel(t *testing.T) {
	rt, _ := setup(t, nil)
	state, err := rt.GetCurrentState(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if len(state) != 0 {
		t.Errorf("state = %v, want empty", state)
	}
}

func TestCallTimeout(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "slow", map[string]string{
		"slow.star": `
def state(m):
    n = 0
    for i in range(2000000000):
        n += 1
    return {"n": n}
`,
	})
	rt, err := New(Config{Self: "web", ModulesDir: modules, CallTimeout: 50 * time.Millisecond},
		memModels{"web": {"x": map[string]any{"_isa": "slow"}}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := rt.GetCurrentState(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("call was not cancelled")
	}
}

func TestInvalidateReloadsModule(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "ver", map[string]string{"ver.star": `def state(m): return {"v": 1}`})
	rt, err := New(Config{Self: "web", ModulesDir: modules},
		memModels{"web": {"x": map[string]any{"_isa": "ver"}}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p := engine.MustParsePath("$.web.x.v")

	state, _ := rt.GetCurrentState(ctx)
	if !state[p].Equal(engine.Number(1)) {
		t.Fatalf("v = %v, want 1", state[p])
	}

	writeModule(t, modules, "ver", map[string]string{"ver.star": `def state(m): return {"v": 2}`})
	state, _ = rt.GetCurrentState(ctx)
	if !state[p].Equal(engine.Number(1)) {
		t.Fatalf("cached module should still answer 1, got %v", state[p])
	}

	rt.Invalidate("ver")
	state, _ = rt.GetCurrentState(ctx)
	if !state[p].Equal(engine.Number(2)) {
		t.Errorf("v = %v, want 2 after invalidate", state[p])
	}
}

func TestWatchInvalidatesChangedModule(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "ver", map[string]string{"ver.star": `def state(m): return {"v": 1}`})
	rt, err := New(Config{Self: "web", ModulesDir: modules},
		memModels{"web": {"x": map[string]any{"_isa": "ver"}}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if _, err := rt.GetCurrentState(ctx); err != nil {
		t.Fatal(err)
	}
	if got := rt.Loaded(); len(got) != 1 {
		t.Fatalf("Loaded() = %v", got)
	}

	writeModule(t, modules, "ver", map[string]string{"ver.star": `def state(m): return {"v": 2}`})

	deadline := time.Now().Add(3 * time.Second)
	for len(rt.Loaded()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("module was not invalidated after change")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOwningModule(t *testing.T) {
	rt := &StarlarkRuntime{cfg: Config{ModulesDir: "/m"}}
	tests := map[string]string{
		"/m/file/file.star":      "file",
		"/m/file/lib/util.star":  "file",
		"/m/file":                "file",
		"/m/file.old":            "file",
		"/m/.file.123/file.star": "",
		"/elsewhere/x.star":      "",
	}
	for path, want := range tests {
		if got := rt.owningModule(path); got != want {
			t.Errorf("owningModule(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestNormalizeParameters(t *testing.T) {
	got := NormalizeParameters(map[string]engine.Value{
		"$.vm":   engine.String("$.vm1"),
		"size":   engine.Number(2),
		"$.tags": engine.List(engine.String("a")),
	})
	if got["vm"] != "$.vm1" {
		t.Errorf("vm = %v", got["vm"])
	}
	if got["size"] != float64(2) {
		t.Errorf("size = %v", got["size"])
	}
	if _, ok := got["tags"].([]any); !ok {
		t.Errorf("tags = %T", got["tags"])
	}
}

func TestConversionRoundTrip(t *testing.T) {
	in := map[string]any{
		"s": "x",
		"b": true,
		"f": 1.5,
		"n": nil,
		"l": []any{"a", true},
		"m": map[string]any{"k": "v"},
	}
	sv, err := toStarlark(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := fromStarlark(sv)
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["s"] != "x" || m["b"] != true || m["f"] != 1.5 || m["n"] != nil {
		t.Errorf("unexpected scalars: %v", m)
	}
	if _, err := toStarlark(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
