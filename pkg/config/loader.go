package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads agent definitions from YAML, JSON and CUE files and
// validates them.
type Loader struct {
	cue       *CUEParser
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a definitions loader.
func NewLoader() *Loader {
	return &Loader{
		cue:       NewCUEParser(),
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load parses and validates definitions from the given files or
// directories. I/O failures are returned as errors; problems with the
// content are collected in Definitions.Errors.
func (l *Loader) Load(ctx context.Context, sources ...string) (*Definitions, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueSources []string
	merged := &Definitions{ParsedAt: time.Now()}

	for _, source := range sources {
		files, err := definitionFiles(source)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if filepath.Ext(file) == ".cue" {
				cueSources = append(cueSources, file)
				continue
			}
			defs, err := l.parseYAMLFile(file)
			if err != nil {
				return nil, err
			}
			merged.merge(defs)
		}
	}

	if len(cueSources) > 0 {
		defs, err := l.cue.Parse(ctx, cueSources)
		if err != nil {
			return nil, err
		}
		merged.merge(defs)
	}

	l.validate(ctx, merged)
	return merged, nil
}

// ParseYAML parses definitions from YAML (or JSON) content.
func (l *Loader) ParseYAML(ctx context.Context, name string, r io.Reader) (*Definitions, error) {
	defs, err := decodeYAML(name, r)
	if err != nil {
		return nil, err
	}
	l.validate(ctx, defs)
	return defs, nil
}

// ParseCUE parses definitions from inline CUE content.
func (l *Loader) ParseCUE(ctx context.Context, content string) (*Definitions, error) {
	defs, err := l.cue.ParseInline(ctx, content)
	if err != nil {
		return nil, err
	}
	l.validate(ctx, defs)
	return defs, nil
}

func (l *Loader) parseYAMLFile(path string) (*Definitions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return decodeYAML(path, f)
}

func decodeYAML(name string, r io.Reader) (*Definitions, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	defs := &Definitions{SourceFiles: []string{name}, ParsedAt: time.Now()}
	if len(bytes.TrimSpace(data)) == 0 {
		return defs, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(defs); err != nil && !errors.Is(err, io.EOF) {
		ve := ValidationError{File: name, Message: err.Error(), Severity: "error"}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
			ve.Message = strings.Join(typeErr.Errors, "; ")
		}
		defs.Agents = nil
		defs.Errors = append(defs.Errors, ve)
	}
	return defs, nil
}

// validate runs struct-tag validation, the CUE agent schema and the
// cross-definition checks: unique names and links that resolve.
func (l *Loader) validate(ctx context.Context, defs *Definitions) {
	fail := func(i int, format string, args ...interface{}) {
		defs.Errors = append(defs.Errors, ValidationError{
			Path:     fmt.Sprintf("agents[%d]", i),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	seen := make(map[string]int, len(defs.Agents))
	for i, def := range defs.Agents {
		if err := l.validator.Struct(def); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					fail(i, "%s failed %s", fe.Namespace(), fe.Tag())
				}
			} else {
				fail(i, "%v", err)
			}
			continue
		}
		if err := l.schemas.ValidateAgent(ctx, def); err != nil {
			fail(i, "%s: %v", def.Name, err)
		}
		if prev, dup := seen[def.Name]; dup {
			fail(i, "duplicate agent name %q (first defined at agents[%d])", def.Name, prev)
			continue
		}
		seen[def.Name] = i
	}

	for i, def := range defs.Agents {
		for _, src := range def.Sources {
			if _, ok := seen[src]; !ok {
				fail(i, "%s: unknown source %q", def.Name, src)
			}
			if src == def.Name {
				fail(i, "%s: an agent cannot receive its own events", def.Name)
			}
		}
		for _, target := range def.ControlTargets {
			if _, ok := seen[target]; !ok {
				fail(i, "%s: unknown control target %q", def.Name, target)
			}
		}
	}
}

func (d *Definitions) merge(other *Definitions) {
	d.Agents = append(d.Agents, other.Agents...)
	d.SourceFiles = append(d.SourceFiles, other.SourceFiles...)
	d.Errors = append(d.Errors, other.Errors...)
}

var definitionExts = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".cue": true}

// definitionFiles expands a source into the definition files it holds.
// Directories are walked recursively; files are returned sorted.
func definitionFiles(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}
	if !info.IsDir() {
		return []string{source}, nil
	}

	var files []string
	err = filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && definitionExts[filepath.Ext(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", source, err)
	}
	sort.Strings(files)
	return files, nil
}
