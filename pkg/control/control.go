// Package control applies lifecycle actions issued by a controller agent to
// its target agents. Each target is actuated inside its own failure
// boundary, so one failing target never keeps the others from being
// processed.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/agentd/pkg/expr"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

// Action is a lifecycle action.
type Action string

const (
	ActionRun     Action = "run"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

// ErrInvalidAction is returned for an action outside the vocabulary.
var ErrInvalidAction = errors.New("invalid control action")

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.TrimSpace(s)); a {
	case ActionRun, ActionEnable, ActionDisable:
		return a, nil
	}
	return "", fmt.Errorf("%w %q: must be one of run, enable, disable", ErrInvalidAction, s)
}

// Target is an agent a controller acts on.
type Target interface {
	ID() int64
	Name() string
	CannotBeScheduled() bool
	Active() bool
	Disabled() bool
	SetDisabled(ctx context.Context, disabled bool) error
	// Run queues an asynchronous run and returns immediately.
	Run(ctx context.Context) error
}

// Logger receives the controller's log lines.
type Logger interface {
	Log(ctx context.Context, msg string)
	Error(ctx context.Context, msg string)
}

// Validate checks an action against its targets. A templated action is
// only checked once rendered, per target, at control time.
func Validate(action string, targets []Target) error {
	if expr.IsTemplate(action) {
		return nil
	}
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	if a != ActionRun {
		return nil
	}
	var errs []error
	for _, t := range targets {
		if t.CannotBeScheduled() {
			errs = append(errs, fmt.Errorf("%s cannot be scheduled", t.Name()))
		}
	}
	return errors.Join(errs...)
}

// Controller applies one action to a set of targets.
type Controller struct {
	Action   string
	Targets  []Target
	Logger   Logger
	Renderer expr.Renderer
	Metrics  *telemetry.Metrics
}

// Control applies the action to every active target. Per-target failures,
// including panics, are logged on the controller and do not stop the
// remaining targets. Only an invalid static action is returned.
func (c *Controller) Control(ctx context.Context) error {
	templated := expr.IsTemplate(c.Action)
	if !templated {
		if _, err := ParseAction(c.Action); err != nil {
			return err
		}
	}

	for _, t := range c.Targets {
		if !t.Active() {
			continue
		}
		action := c.Action
		if templated {
			rendered, err := c.render(t)
			if err != nil {
				c.fail(ctx, Action(c.Action), t, err)
				continue
			}
			action = rendered
		}
		if err := c.apply(ctx, action, t); err != nil {
			c.fail(ctx, Action(action), t, err)
			continue
		}
	}
	return nil
}

func (c *Controller) render(t Target) (string, error) {
	r := c.Renderer
	if r == nil {
		r = expr.NewStarlarkRenderer(0)
	}
	return r.Render(c.Action, map[string]interface{}{
		"target": map[string]interface{}{
			"id":   t.ID(),
			"name": t.Name(),
		},
	})
}

// apply actuates one target inside its own failure boundary.
func (c *Controller) apply(ctx context.Context, raw string, t Target) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	action, err := ParseAction(raw)
	if err != nil {
		return err
	}

	switch action {
	case ActionRun:
		switch {
		case t.CannotBeScheduled():
			return fmt.Errorf("'%s' cannot run without an incoming event", t.Name())
		case t.Disabled():
			c.Logger.Log(ctx, fmt.Sprintf("Agent run ignored for disabled Agent '%s'", t.Name()))
		default:
			if err := t.Run(ctx); err != nil {
				return err
			}
			c.Logger.Log(ctx, fmt.Sprintf("Agent run queued for '%s'", t.Name()))
		}
	case ActionEnable:
		if !t.Disabled() {
			c.Logger.Log(ctx, fmt.Sprintf("Agent '%s' is already enabled", t.Name()))
			break
		}
		if err := t.SetDisabled(ctx, false); err != nil {
			return err
		}
		c.Logger.Log(ctx, fmt.Sprintf("Agent '%s' is enabled", t.Name()))
	case ActionDisable:
		if t.Disabled() {
			c.Logger.Log(ctx, fmt.Sprintf("Agent '%s' is already disabled", t.Name()))
			break
		}
		if err := t.SetDisabled(ctx, true); err != nil {
			return err
		}
		c.Logger.Log(ctx, fmt.Sprintf("Agent '%s' is disabled", t.Name()))
	}

	c.Metrics.RecordControlAction(string(action), "success")
	return nil
}

func (c *Controller) fail(ctx context.Context, action Action, t Target, err error) {
	label := string(action)
	if _, perr := ParseAction(label); perr != nil {
		label = "invalid"
	}
	c.Metrics.RecordControlAction(label, "failure")
	c.Logger.Error(ctx, fmt.Sprintf("Failed to %s '%s': %s", action, t.Name(), err.Error()))
}
