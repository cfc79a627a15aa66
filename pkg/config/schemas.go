package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaRepairModel = "repair_model"
	SchemaModel       = "model"
	SchemaRegistry    = "registry"
)

// SchemaRegistry manages the CUE schemas documents are validated against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range map[string]string{
		SchemaRepairModel: "#RepairModel",
		SchemaModel:       "#Model",
		SchemaRegistry:    "#Registry",
	} {
		if err := sr.RegisterSchema(name, builtinSchemas, def); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies val with the named schema and returns the unified
// value, which must be concrete.
func (sr *SchemaRegistry) Validate(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
// A state reference: $.<agent>[.<attribute>...]
#Path: =~"^\\$\\.[^.]+(\\.[^.]+)*$"

// An agent name: one path segment.
#Agent: =~"^[A-Za-z0-9_-]+$"

#Goal: {[#Path]: _}

#Operator: {
	id:          int & >=0
	name:        #Path & =~"^\\$\\.[^.]+\\.[^.]+"
	pi:          int & >=1
	parameters?: {[string]: _}
	condition?:  #Goal
	effect?:     #Goal
}

#RepairModel: {
	id:        int & >=0
	goal:      #Goal
	operators: [...#Operator]
}

// The desired-state model: one document per agent.
#Model: {[#Agent]: {[string]: _}}

#Registry: {[Name=#Agent]: {
	name:    Name
	address: string & !=""
	port:    int & >=1 & <=65535
}}
`
