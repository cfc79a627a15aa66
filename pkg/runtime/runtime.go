// Package runtime is the reference resource runtime of a BSig agent.
//
// The desired-state model of an agent is a tree of objects. A map holding
// an _isa key is an object whose behaviour comes from the Starlark module
// of that name, loaded from <modules>/<name>/<name>.star. A module exposes
// state(model), returning the observed attributes of one object, and one
// function per action, called as action(model, params).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/bsig/pkg/engine"
)

// KeyIsa names the module implementing an object.
const KeyIsa = "_isa"

// StateFunc is the module function returning an object's observed state.
const StateFunc = "state"

var (
	// ErrModuleNotFound is returned when no module implements an _isa.
	ErrModuleNotFound = errors.New("module not found")

	// ErrObjectNotFound is returned when an operator names an object that
	// is not part of the model.
	ErrObjectNotFound = errors.New("object not found")

	// ErrUnknownAction is returned when a module does not define an action.
	ErrUnknownAction = errors.New("unknown action")
)

// Models supplies the desired-state document of an agent.
type Models interface {
	GetModel(ctx context.Context, agent string) (map[string]any, error)
}

// Config configures a StarlarkRuntime.
type Config struct {
	// Self is this agent's name.
	Self string

	// ModulesDir holds one directory per module.
	ModulesDir string

	// CallTimeout bounds a single module call.
	CallTimeout time.Duration
}

type module struct {
	name    string
	globals starlark.StringDict
}

// StarlarkRuntime implements engine.Runtime with Starlark resource modules.
type StarlarkRuntime struct {
	cfg    Config
	models Models
	logger zerolog.Logger

	mu      sync.Mutex
	modules map[string]*module

	watcher *fsnotify.Watcher
}

// New creates a runtime.
func New(cfg Config, models Models, logger zerolog.Logger) (*StarlarkRuntime, error) {
	if cfg.Self == "" {
		return nil, errors.New("runtime: agent name is required")
	}
	if models == nil {
		return nil, errors.New("runtime: model source is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Minute
	}
	return &StarlarkRuntime{
		cfg:     cfg,
		models:  models,
		logger:  logger.With().Str("component", "runtime").Logger(),
		modules: make(map[string]*module),
	}, nil
}

// Whoami returns this agent's name.
func (r *StarlarkRuntime) Whoami() string {
	return r.cfg.Self
}

// object is one node of the model tree with an _isa.
type object struct {
	path  engine.Path
	isa   string
	model map[string]any
}

// objects returns every object below root in path order.
func objects(root engine.Path, doc map[string]any) []object {
	var out []object
	for key, v := range doc {
		if strings.HasPrefix(key, "_") {
			continue
		}
		child, ok := v.(map[string]any)
		if !ok {
			continue
		}
		p := root.Child(key)
		if isa, ok := child[KeyIsa].(string); ok && isa != "" {
			out = append(out, object{path: p, isa: moduleName(isa), model: child})
		}
		out = append(out, objects(p, child)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// moduleName maps an _isa reference such as $.Service to a module name.
func moduleName(isa string) string {
	return strings.ToLower(strings.TrimPrefix(isa, "$."))
}

// attributes returns the plain attributes of an object model: no hidden
// keys and no nested objects.
func attributes(model map[string]any) map[string]any {
	out := make(map[string]any, len(model))
	for k, v := range model {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if child, ok := v.(map[string]any); ok {
			if _, isObj := child[KeyIsa]; isObj {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// GetCurrentState observes every object of this agent's model. Attributes
// declared in the model but not reported by the module are Undefined.
func (r *StarlarkRuntime) GetCurrentState(ctx context.Context) (engine.State, error) {
	doc, err := r.models.GetModel(ctx, r.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	state := make(engine.State)
	for _, obj := range objects(engine.AgentPath(r.cfg.Self), doc) {
		observed, err := r.objectState(ctx, obj)
		if err != nil {
			return nil, fmt.Errorf("failed to observe %s: %w", obj.path, err)
		}
		attrs := attributes(obj.model)
		for name := range attrs {
			if _, ok := observed[name]; !ok {
				state[obj.path.Child(name)] = engine.Undefined()
			}
		}
		for name, raw := range observed {
			v, err := engine.FromInterface(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid state %s.%s: %w", obj.path, name, err)
			}
			state[obj.path.Child(name)] = v
		}
	}
	return state, nil
}

func (r *StarlarkRuntime) objectState(ctx context.Context, obj object) (map[string]any, error) {
	mod, err := r.module(obj.isa)
	if err != nil {
		return nil, err
	}
	fn, ok := mod.globals[StateFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, obj.isa, StateFunc)
	}
	model, err := toStarlark(attributes(obj.model))
	if err != nil {
		return nil, err
	}
	res, err := r.call(ctx, obj, fn, starlark.Tuple{model})
	if err != nil {
		return nil, err
	}
	out, err := fromStarlark(res)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s.%s must return a dict, got %s", obj.isa, StateFunc, res.Type())
	}
	return m, nil
}

// ExecuteAction calls the action named by op on the module of its object.
// The result is the truth value of what the action returns.
func (r *StarlarkRuntime) ExecuteAction(ctx context.Context, op *engine.Operator) (bool, error) {
	if agent := op.Name.Agent(); agent != r.cfg.Self {
		return false, fmt.Errorf("operator %s belongs to agent %s", op.Name, agent)
	}

	doc, err := r.models.GetModel(ctx, r.cfg.Self)
	if err != nil {
		return false, fmt.Errorf("failed to load model: %w", err)
	}
	obj, err := findObject(op.Object(), doc)
	if err != nil {
		return false, err
	}

	mod, err := r.module(obj.isa)
	if err != nil {
		return false, err
	}
	fn, ok := mod.globals[op.Action()].(starlark.Callable)
	if !ok || strings.HasPrefix(op.Action(), "_") || op.Action() == StateFunc {
		return false, fmt.Errorf("%w: %s.%s", ErrUnknownAction, obj.isa, op.Action())
	}

	model, err := toStarlark(attributes(obj.model))
	if err != nil {
		return false, err
	}
	params, err := toStarlark(NormalizeParameters(op.Parameters))
	if err != nil {
		return false, err
	}

	start := time.Now()
	res, err := r.call(ctx, obj, fn, starlark.Tuple{model, params})
	if err != nil {
		return false, err
	}
	ok = bool(res.Truth())
	r.logger.Info().
		Str("operator", string(op.Name)).
		Bool("ok", ok).
		Dur("duration", time.Since(start)).
		Msg("Action executed")
	return ok, nil
}

// NormalizeParameters strips the $. prefix from parameter names and turns
// values into plain data.
func NormalizeParameters(params map[string]engine.Value) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[strings.TrimPrefix(k, "$.")] = v.Interface()
	}
	return out
}

// findObject resolves an object path inside the agent's model.
func findObject(p engine.Path, doc map[string]any) (object, error) {
	segs := p.Segments()
	if len(segs) < 2 {
		return object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, p)
	}
	cur := doc
	for _, seg := range segs[1:] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, p)
		}
		cur = next
	}
	isa, ok := cur[KeyIsa].(string)
	if !ok || isa == "" {
		return object{}, fmt.Errorf("%w: %s has no %s", ErrObjectNotFound, p, KeyIsa)
	}
	return object{path: p, isa: moduleName(isa), model: cur}, nil
}

// call runs fn on a fresh thread bounded by the call timeout.
func (r *StarlarkRuntime) call(ctx context.Context, obj object, fn starlark.Callable, args starlark.Tuple) (starlark.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	logger := r.logger.With().Str("module", obj.isa).Str("object", string(obj.path)).Logger()
	thread := &starlark.Thread{
		Name: string(obj.path),
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Msg(msg)
		},
	}
	thread.SetLocal(localContext, ctx)
	thread.SetLocal(localLogger, logger)

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	return starlark.Call(thread, fn, args, nil)
}

// module returns the loaded module, loading it on first use.
func (r *StarlarkRuntime) module(name string) (*module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.modules[name]; ok {
		return m, nil
	}
	m, err := r.load(name)
	if err != nil {
		return nil, err
	}
	r.modules[name] = m
	return m, nil
}

// load executes the module's main file. Files of the same module may be
// loaded with load("relative/path.star", ...).
func (r *StarlarkRuntime) load(name string) (*module, error) {
	dir := filepath.Join(r.cfg.ModulesDir, name)
	main := name + ".star"
	if _, err := os.Stat(filepath.Join(dir, main)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	type entry struct {
		globals starlark.StringDict
		err     error
	}
	cache := make(map[string]*entry)
	predeclared := hostBuiltins()

	var loadFile func(thread *starlark.Thread, file string) (starlark.StringDict, error)
	loadFile = func(thread *starlark.Thread, file string) (starlark.StringDict, error) {
		rel := filepath.FromSlash(file)
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("load %q: path escapes module %s", file, name)
		}
		if e, ok := cache[rel]; ok {
			if e == nil {
				return nil, fmt.Errorf("load %q: cycle", file)
			}
			return e.globals, e.err
		}
		cache[rel] = nil
		src, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			cache[rel] = &entry{err: err}
			return nil, err
		}
		globals, err := starlark.ExecFile(thread, filepath.ToSlash(filepath.Join(name, rel)), src, predeclared)
		cache[rel] = &entry{globals: globals, err: err}
		return globals, err
	}

	thread := &starlark.Thread{
		Name: "load " + name,
		Load: loadFile,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Debug().Str("module", name).Msg(msg)
		},
	}
	globals, err := loadFile(thread, main)
	if err != nil {
		return nil, fmt.Errorf("failed to load module %s: %w", name, err)
	}
	globals.Freeze()

	r.logger.Debug().Str("module", name).Msg("Module loaded")
	return &module{name: name, globals: globals}, nil
}

// Invalidate drops a loaded module so the next use reloads it.
func (r *StarlarkRuntime) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Reload drops every loaded module.
func (r *StarlarkRuntime) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*module)
}

// Loaded returns the names of the modules currently loaded.
func (r *StarlarkRuntime) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
