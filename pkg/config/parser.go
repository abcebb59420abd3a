package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StarlarkGraphVar is the global a Starlark description assigns its graph to.
const StarlarkGraphVar = "graph"

// GraphParser reads graph descriptions written in CUE, YAML or Starlark.
// Every description is checked against the built-in #Graph schema and the
// struct tags of GraphSpec.
type GraphParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewGraphParser creates a new graph parser.
func NewGraphParser() *GraphParser {
	ctx := cuecontext.New()
	return &GraphParser{
		ctx:               ctx,
		schemaRegistry:    NewSchemaRegistry(ctx),
		starlarkEvaluator: NewStarlarkEvaluator(DefaultStarlarkTimeout),
		validator:         validator.New(),
	}
}

// ParseFile parses one description, choosing the format by extension:
// .cue, .yaml/.yml, .json or .star. Directories are read as CUE.
func (gp *GraphParser) ParseFile(ctx context.Context, path string) (*ParseResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}
	if info.IsDir() {
		return gp.Parse(ctx, []string{path})
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return gp.Parse(ctx, []string{path})
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return gp.ParseYAML(data, path), nil
	case ".star":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return gp.ParseStarlark(ctx, path, string(data), nil), nil
	default:
		return nil, fmt.Errorf("unsupported graph description %s", path)
	}
}

// Parse unifies CUE files and directories into one description.
func (gp *GraphParser) Parse(_ context.Context, sources []string) (*ParseResult, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		files := []string{source}
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if info.IsDir() {
			files, err = cueFiles(source)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				parseErrors = append(parseErrors, ValidationError{
					File:     source,
					Message:  "no CUE files found",
					Severity: "error",
				})
				continue
			}
		}

		for _, file := range files {
			val, errs := gp.loadFile(file)
			parseErrors = append(parseErrors, errs...)
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, file)
		}
	}

	if len(parseErrors) > 0 {
		return gp.failed(sourceFiles, parseErrors), nil
	}
	return gp.extract(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (gp *GraphParser) ParseInline(_ context.Context, content string) (*ParseResult, error) {
	val := gp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return gp.failed([]string{"inline"}, gp.convertCUEErrors(err)), nil
	}
	return gp.extract(val, []string{"inline"}), nil
}

// ParseYAML parses a YAML (or JSON) description.
func (gp *GraphParser) ParseYAML(data []byte, filename string) *ParseResult {
	var spec GraphSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return gp.failed([]string{filename}, []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("failed to decode YAML: %v", err),
			Severity: "error",
		}})
	}
	return gp.check(&spec, []string{filename})
}

// ParseStarlark runs a script and reads the description it assigns to the
// global "graph".
func (gp *GraphParser) ParseStarlark(ctx context.Context, filename, script string, input map[string]interface{}) *ParseResult {
	files := []string{filename}
	result, err := gp.starlarkEvaluator.Evaluate(ctx, filename, script, input)
	if err != nil {
		return gp.failed(files, []ValidationError{{File: filename, Message: err.Error(), Severity: "error"}})
	}

	raw, ok := result.Output[StarlarkGraphVar]
	if !ok {
		return gp.failed(files, []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("script does not assign %q", StarlarkGraphVar),
			Severity: "error",
		}})
	}

	// The JSON round trip maps Starlark dicts and lists onto GraphSpec.
	data, err := json.Marshal(raw)
	if err != nil {
		return gp.failed(files, []ValidationError{{File: filename, Path: StarlarkGraphVar, Message: err.Error(), Severity: "error"}})
	}
	var spec GraphSpec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return gp.failed(files, []ValidationError{{
			File:     filename,
			Path:     StarlarkGraphVar,
			Message:  fmt.Sprintf("failed to decode graph: %v", err),
			Severity: "error",
		}})
	}
	return gp.check(&spec, files)
}

// loadFile loads a single CUE file.
func (gp *GraphParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := gp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, gp.convertCUEErrors(err)
	}
	return val, nil
}

// extract checks a CUE value against the graph schema and decodes it.
func (gp *GraphParser) extract(val cue.Value, sourceFiles []string) *ParseResult {
	unified, err := gp.schemaRegistry.Unify(SchemaGraph, val)
	if err != nil {
		return gp.failed(sourceFiles, gp.convertCUEErrors(err))
	}

	var spec GraphSpec
	if err := unified.Decode(&spec); err != nil {
		return gp.failed(sourceFiles, []ValidationError{{
			Message:  fmt.Sprintf("failed to decode graph: %v", err),
			Severity: "error",
		}})
	}
	return gp.check(&spec, sourceFiles)
}

// check runs the schema and struct tag validation on a decoded spec and
// makes sure it compiles.
func (gp *GraphParser) check(spec *GraphSpec, sourceFiles []string) *ParseResult {
	file := ""
	if len(sourceFiles) == 1 {
		file = sourceFiles[0]
	}

	if err := gp.schemaRegistry.ValidateGraph(context.Background(), spec); err != nil {
		errs := gp.convertCUEErrors(err)
		for i := range errs {
			if errs[i].File == "" || strings.HasPrefix(errs[i].File, SchemaGraph) {
				errs[i].File = file
				errs[i].Line, errs[i].Column = 0, 0
			}
		}
		return gp.failed(sourceFiles, errs)
	}

	if err := gp.validator.Struct(spec); err != nil {
		return gp.failed(sourceFiles, []ValidationError{{File: file, Message: err.Error(), Severity: "error"}})
	}

	if _, _, err := spec.Compile(); err != nil {
		return gp.failed(sourceFiles, []ValidationError{{File: file, Message: err.Error(), Severity: "error"}})
	}

	return &ParseResult{
		Spec:        spec,
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}
}

func (gp *GraphParser) failed(sourceFiles []string, errs []ValidationError) *ParseResult {
	return &ParseResult{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      errs,
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (gp *GraphParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (gp *GraphParser) GetSchemaRegistry() *SchemaRegistry {
	return gp.schemaRegistry
}

// ExportCUE renders a description as CUE source.
func (gp *GraphParser) ExportCUE(spec *GraphSpec) ([]byte, error) {
	val := gp.ctx.Encode(spec)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	return formatCUE(val)
}

// ExportJSON renders a description as indented JSON.
func (gp *GraphParser) ExportJSON(spec *GraphSpec) ([]byte, error) {
	val := gp.ctx.Encode(spec)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}

	var data interface{}
	if err := val.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return json.MarshalIndent(data, "", "  ")
}

// cueFiles lists the .cue files directly inside dir in name order.
func cueFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".cue") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func formatCUE(val cue.Value) ([]byte, error) {
	out, err := format.Node(val.Syntax(cue.Concrete(true), cue.Final()))
	if err != nil {
		return nil, fmt.Errorf("failed to format CUE: %w", err)
	}
	return out, nil
}
