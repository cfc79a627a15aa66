package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/openfroyo/bsig/pkg/engine"
)

// DocumentLoader reads JSON, YAML and CUE documents and validates them
// against the built-in schemas.
type DocumentLoader struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewDocumentLoader creates a loader.
func NewDocumentLoader() *DocumentLoader {
	ctx := cuecontext.New()
	return &DocumentLoader{
		ctx:     ctx,
		schemas: NewSchemaRegistry(ctx),
	}
}

// Schemas returns the schema registry.
func (dl *DocumentLoader) Schemas() *SchemaRegistry {
	return dl.schemas
}

// LoadFile evaluates the file at path. The format follows the extension:
// .json, .yaml/.yml or .cue.
func (dl *DocumentLoader) LoadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return dl.LoadBytes(path, content)
}

// LoadBytes evaluates content as if read from filename.
func (dl *DocumentLoader) LoadBytes(filename string, content []byte) (cue.Value, error) {
	var val cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		expr, err := cuejson.Extract(filename, content)
		if err != nil {
			return cue.Value{}, dl.documentError(filename, err)
		}
		val = dl.ctx.BuildExpr(expr)
	case ".yaml", ".yml":
		file, err := cueyaml.Extract(filename, content)
		if err != nil {
			return cue.Value{}, dl.documentError(filename, err)
		}
		val = dl.ctx.BuildFile(file)
	case ".cue":
		val = dl.ctx.CompileBytes(content, cue.Filename(filename))
	default:
		return cue.Value{}, fmt.Errorf("unsupported document format %q", filepath.Ext(filename))
	}
	if err := val.Err(); err != nil {
		return cue.Value{}, dl.documentError(filename, err)
	}
	return val, nil
}

// decode validates val against schema and decodes it into out through JSON,
// so types with custom JSON decoding see the same input as over the wire.
func (dl *DocumentLoader) decode(source, schema string, val cue.Value, out any) error {
	unified, err := dl.schemas.Validate(schema, val)
	if err != nil {
		return dl.documentError(source, err)
	}
	raw, err := unified.MarshalJSON()
	if err != nil {
		return dl.documentError(source, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", source, err)
	}
	return nil
}

// LoadRepairModel reads and validates a repair model.
func (dl *DocumentLoader) LoadRepairModel(path string) (*engine.RepairModel, error) {
	val, err := dl.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return dl.RepairModelFromValue(path, val)
}

// RepairModelFromValue validates and decodes an evaluated repair model.
func (dl *DocumentLoader) RepairModelFromValue(source string, val cue.Value) (*engine.RepairModel, error) {
	var model engine.RepairModel
	if err := dl.decode(source, SchemaRepairModel, val, &model); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid repair model %s: %w", source, err)
	}
	return &model, nil
}

// LoadModel reads and validates a desired-state model tree.
func (dl *DocumentLoader) LoadModel(path string) (map[string]map[string]any, error) {
	val, err := dl.LoadFile(path)
	if err != nil {
		return nil, err
	}
	var tree map[string]map[string]any
	if err := dl.decode(path, SchemaModel, val, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// LoadRegistry reads and validates a set of agent registry entries.
func (dl *DocumentLoader) LoadRegistry(path string) (map[string]engine.AgentEntry, error) {
	val, err := dl.LoadFile(path)
	if err != nil {
		return nil, err
	}
	var agents map[string]engine.AgentEntry
	if err := dl.decode(path, SchemaRegistry, val, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ExtractValue returns the plain value at path inside val.
func (dl *DocumentLoader) ExtractValue(val cue.Value, path string) (any, error) {
	v := val.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil, fmt.Errorf("path %s not found", path)
	}
	var result any
	if err := v.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode value at %s: %w", path, err)
	}
	return result, nil
}

// documentError converts CUE errors into a DocumentError with positions.
func (dl *DocumentLoader) documentError(source string, err error) error {
	if err == nil {
		return nil
	}
	derr := &DocumentError{Source: source}
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		derr.Errors = append(derr.Errors, ve)
	}
	if len(derr.Errors) == 0 {
		derr.Errors = []ValidationError{{File: source, Message: err.Error()}}
	}
	return derr
}
