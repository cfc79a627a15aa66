package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	localContext = "context"
	localLogger  = "logger"
)

// threadContext returns the context the current call runs under.
func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(localContext).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func threadLogger(thread *starlark.Thread) zerolog.Logger {
	if l, ok := thread.Local(localLogger).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// hostBuiltins are the functions resource modules use to observe and
// change the host.
func hostBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"log":         starlark.NewBuiltin("log", builtinLog),
		"shell":       starlark.NewBuiltin("shell", builtinShell),
		"read_file":   starlark.NewBuiltin("read_file", builtinReadFile),
		"write_file":  starlark.NewBuiltin("write_file", builtinWriteFile),
		"remove_file": starlark.NewBuiltin("remove_file", builtinRemoveFile),
		"file_exists": starlark.NewBuiltin("file_exists", builtinFileExists),
		"getenv":      starlark.NewBuiltin("getenv", builtinGetenv),

		"pkg_state":     starlark.NewBuiltin("pkg_state", builtinPkgState),
		"pkg_ensure":    starlark.NewBuiltin("pkg_ensure", builtinPkgEnsure),
		"service_state": starlark.NewBuiltin("service_state", builtinServiceState),
		"service_ctl":   starlark.NewBuiltin("service_ctl", builtinServiceCtl),
	}
}

func builtinLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	l := threadLogger(thread)
	l.Info().Msg(msg)
	return starlark.None, nil
}

// builtinShell runs a command and returns struct(code, stdout, stderr). A
// command that cannot be started is an error; a non-zero exit is not.
func builtinShell(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing command", b.Name())
	}
	argv := make([]string, len(args))
	for i, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d must be a string, got %s", b.Name(), i, a.Type())
		}
		argv[i] = s
	}
	var dir string
	var stdin string
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "dir?", &dir, "stdin?", &stdin); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(threadContext(thread), argv[0], argv[1:]...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		code = exitErr.ExitCode()
	}

	l := threadLogger(thread)
	l.Debug().Strs("argv", argv).Int("code", code).Msg("Command finished")

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"code":   starlark.MakeInt(code),
		"stdout": starlark.String(stdout.String()),
		"stderr": starlark.String(stderr.String()),
	}), nil
}

func builtinReadFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func builtinWriteFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	mode := 0o644
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content, "mode?", &mode); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.WriteFile(path, []byte(content), os.FileMode(mode)); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}

func builtinRemoveFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}

func builtinFileExists(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	_, err := os.Stat(path)
	return starlark.Bool(err == nil), nil
}

func builtinGetenv(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}
