package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser parses agent definitions written in CUE.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// Parse parses CUE definitions from files or package directories. All
// sources are unified into one value before the agents list is extracted.
func (cp *CUEParser) Parse(_ context.Context, sources []string) (*Definitions, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &Definitions{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &Definitions{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extract(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*Definitions, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Definitions{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extract(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extract decodes the agents list. It accepts either a list or a struct
// keyed by agent name, in which case the key supplies a missing name.
func (cp *CUEParser) extract(val cue.Value, sourceFiles []string) *Definitions {
	defs := &Definitions{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	agentsVal := val.LookupPath(cue.ParsePath("agents"))
	if !agentsVal.Exists() {
		return defs
	}

	fail := func(path string, err error) {
		defs.Errors = append(defs.Errors, ValidationError{
			Path:     path,
			Message:  err.Error(),
			Severity: "error",
		})
	}

	switch agentsVal.Kind() {
	case cue.StructKind:
		iter, err := agentsVal.Fields()
		if err != nil {
			fail("agents", fmt.Errorf("failed to iterate agents: %w", err))
			return defs
		}
		for iter.Next() {
			var def AgentDefinition
			if err := iter.Value().Decode(&def); err != nil {
				fail(fmt.Sprintf("agents.%s", iter.Selector()), fmt.Errorf("failed to decode agent: %w", err))
				continue
			}
			if def.Name == "" {
				def.Name = iter.Selector().Unquoted()
			}
			defs.Agents = append(defs.Agents, def)
		}
	case cue.ListKind:
		list, err := agentsVal.List()
		if err != nil {
			fail("agents", fmt.Errorf("failed to list agents: %w", err))
			return defs
		}
		for idx := 0; list.Next(); idx++ {
			var def AgentDefinition
			if err := list.Value().Decode(&def); err != nil {
				fail(fmt.Sprintf("agents[%d]", idx), fmt.Errorf("failed to decode agent: %w", err))
				continue
			}
			defs.Agents = append(defs.Agents, def)
		}
	default:
		fail("agents", fmt.Errorf("must be a list or a struct, got %s", agentsVal.Kind()))
	}

	return defs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
