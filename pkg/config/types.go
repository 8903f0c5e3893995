package config

import (
	"fmt"
	"strings"
	"time"
)

// AgentDefinition is the declarative form of one agent, as written in a
// definitions file.
type AgentDefinition struct {
	// Name identifies the agent; it is unique across all definitions.
	Name string `json:"name" yaml:"name" validate:"required,max=255"`

	// Type is the registered agent type (e.g., "manual", "formatter").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Schedule is the check cadence (e.g., "every_5m", "midnight", "cron:*/5 * * * *").
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Disabled stops scheduled checks, workers and event delivery.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Deactivated hides the agent from control actions.
	Deactivated bool `json:"deactivated,omitempty" yaml:"deactivated,omitempty"`

	// Options is the type-specific configuration.
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`

	// Sources names the agents this one receives events from.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty" validate:"dive,required"`

	// ControlTargets names the agents this one controls.
	ControlTargets []string `json:"control_targets,omitempty" yaml:"control_targets,omitempty" validate:"dive,required"`
}

// Definitions is the parsed content of one or more definitions files.
type Definitions struct {
	// Agents are all agents defined, in file order.
	Agents []AgentDefinition `json:"agents" yaml:"agents"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files,omitempty" yaml:"-"`

	// ParsedAt is when the definitions were parsed.
	ParsedAt time.Time `json:"parsed_at" yaml:"-"`

	// Errors lists any parse or validation errors.
	Errors []ValidationError `json:"errors,omitempty" yaml:"-"`
}

// Err folds Errors into a single error, or returns nil when there are none.
func (d *Definitions) Err() error {
	var msgs []string
	for _, e := range d.Errors {
		if e.Severity == "error" {
			msgs = append(msgs, e.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid definitions:\n  %s", strings.Join(msgs, "\n  "))
}

// Lookup returns the definition with the given name.
func (d *Definitions) Lookup(name string) (AgentDefinition, bool) {
	for _, a := range d.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentDefinition{}, false
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the error (e.g., "agents[2].sources").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
