package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// hostCommand runs a command and returns its trimmed stdout. Package and
// service helpers go through it so tests can replace the host.
var hostCommand = func(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

// lookPath reports whether a program is installed.
var lookPath = func(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

var packageManagers = []string{"apt", "dnf", "yum", "zypper"}

func detectPackageManager() (string, error) {
	for _, mgr := range packageManagers {
		if lookPath(mgr) {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

// packageVersion returns the installed version of name, or "" when the
// package is not installed.
func packageVersion(ctx context.Context, manager, name string) (string, error) {
	var out string
	var err error
	switch manager {
	case "apt":
		out, err = hostCommand(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	case "dnf", "yum", "zypper":
		out, err = hostCommand(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	default:
		return "", fmt.Errorf("unsupported package manager: %s", manager)
	}
	if err != nil {
		return "", nil
	}
	return out, nil
}

// packageCommand builds the manager invocation for verb on spec.
func packageCommand(manager, verb, name, version string) []string {
	spec := name
	if version != "" {
		switch manager {
		case "apt":
			spec = name + "=" + version
		case "dnf", "yum":
			spec = name + "-" + version
		}
	}
	if manager == "zypper" && verb == "upgrade" {
		verb = "update"
	}
	return []string{manager, verb, "-y", spec}
}

// ensurePackage drives name to state (present, absent or latest) and
// reports the action taken.
func ensurePackage(ctx context.Context, manager, name, state, version string) (action, installed string, err error) {
	current, err := packageVersion(ctx, manager, name)
	if err != nil {
		return "", "", err
	}

	var argv []string
	switch state {
	case "present":
		if current != "" && (version == "" || version == current) {
			return "already_present", current, nil
		}
		argv, action = packageCommand(manager, "install", name, version), "installed"
	case "absent":
		if current == "" {
			return "already_absent", "", nil
		}
		argv, action = packageCommand(manager, "remove", name, ""), "removed"
	case "latest":
		if current == "" {
			argv, action = packageCommand(manager, "install", name, ""), "installed"
		} else {
			argv, action = packageCommand(manager, "upgrade", name, ""), "upgraded"
		}
	default:
		return "", "", fmt.Errorf("invalid package state %q", state)
	}

	if _, err := hostCommand(ctx, argv[0], argv[1:]...); err != nil {
		return "", "", fmt.Errorf("%s %s failed: %w", argv[0], argv[1], err)
	}
	installed, _ = packageVersion(ctx, manager, name)
	return action, installed, nil
}

type serviceStatus struct {
	active   bool
	enabled  bool
	subState string
}

func getServiceStatus(ctx context.Context, name string) serviceStatus {
	active, _ := hostCommand(ctx, "systemctl", "is-active", name)
	enabled, _ := hostCommand(ctx, "systemctl", "is-enabled", name)
	sub, _ := hostCommand(ctx, "systemctl", "show", name, "--property=SubState", "--value")
	return serviceStatus{active: active == "active", enabled: enabled == "enabled", subState: sub}
}

// controlService applies action to a systemd unit. start, stop, enable and
// disable are skipped when the unit is already in the requested state.
func controlService(ctx context.Context, name, action string) (bool, serviceStatus, error) {
	before := getServiceStatus(ctx, name)

	var skip bool
	switch action {
	case "start":
		skip = before.active
	case "stop":
		skip = !before.active
	case "enable":
		skip = before.enabled
	case "disable":
		skip = !before.enabled
	case "reload", "restart":
	default:
		return false, before, fmt.Errorf("invalid service action %q", action)
	}
	if skip {
		return false, before, nil
	}

	if _, err := hostCommand(ctx, "systemctl", action, name); err != nil {
		return false, before, fmt.Errorf("failed to %s service %s: %w", action, name, err)
	}
	return true, getServiceStatus(ctx, name), nil
}

func resolveManager(manager string) (string, error) {
	if manager != "" {
		return manager, nil
	}
	return detectPackageManager()
}

// builtinPkgState returns struct(installed, version).
func builtinPkgState(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, manager string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "manager?", &manager); err != nil {
		return nil, err
	}
	manager, err := resolveManager(manager)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	version, err := packageVersion(threadContext(thread), manager, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"installed": starlark.Bool(version != ""),
		"version":   starlark.String(version),
	}), nil
}

// builtinPkgEnsure returns struct(changed, action, version).
func builtinPkgEnsure(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, version, manager string
	state := "present"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "state?", &state, "version?", &version, "manager?", &manager); err != nil {
		return nil, err
	}
	manager, err := resolveManager(manager)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	action, installed, err := ensurePackage(threadContext(thread), manager, name, state, version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	l := threadLogger(thread)
	l.Info().Str("package", name).Str("action", action).Msg("Package ensured")

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"changed": starlark.Bool(!strings.HasPrefix(action, "already_")),
		"action":  starlark.String(action),
		"version": starlark.String(installed),
	}), nil
}

func serviceStruct(st serviceStatus, extra starlark.StringDict) starlark.Value {
	d := starlark.StringDict{
		"active":    starlark.Bool(st.active),
		"enabled":   starlark.Bool(st.enabled),
		"sub_state": starlark.String(st.subState),
	}
	for k, v := range extra {
		d[k] = v
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, d)
}

// builtinServiceState returns struct(active, enabled, sub_state).
func builtinServiceState(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	return serviceStruct(getServiceStatus(threadContext(thread), name), nil), nil
}

// builtinServiceCtl returns struct(changed, active, enabled, sub_state).
func builtinServiceCtl(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, action string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "action", &action); err != nil {
		return nil, err
	}
	changed, st, err := controlService(threadContext(thread), name, action)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	l := threadLogger(thread)
	l.Info().Str("service", name).Str("action", action).Bool("changed", changed).Msg("Service controlled")

	return serviceStruct(st, starlark.StringDict{"changed": starlark.Bool(changed)}), nil
}
