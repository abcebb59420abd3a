package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation. Schemas share the
// parser's context so they can be unified with parsed values.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaGraph, "#Graph", builtinGraphSchema); err != nil {
		panic(err)
	}
	return sr
}

// Built-in schema names.
const (
	SchemaGraph = "graph"
)

// RegisterSchema compiles src and registers the definition it declares
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with a named schema and requires the result to be
// concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateGraph validates a graph description against the graph schema.
func (sr *SchemaRegistry) ValidateGraph(ctx context.Context, spec *GraphSpec) error {
	return sr.ValidateAgainstSchema(ctx, SchemaGraph, spec)
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

const builtinGraphSchema = `
#Alias: =~"^[A-Za-z_][A-Za-z0-9_]*$"

// An endpoint is "alias:port".
#Endpoint: =~"^[A-Za-z_][A-Za-z0-9_]*:[0-9]+$"

#Byte: int & >=0 & <=255

#Graph: {
	origin?:           #Byte
	mode?:             "full" | "hot_swap"
	diff?:             bool
	merge_parameters?: bool

	elements?: [#Alias]: {
		template: int & >=0 & <=65535
		instance: *0 | #Byte
	}

	wires?: [...{
		from: #Endpoint
		to: [#Endpoint, ...#Endpoint]
	}]

	params?: [...{
		element: #Alias
		data: [...#Byte]
	}]
}
`
