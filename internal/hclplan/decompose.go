package hclplan

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/job"
)

// ErrNoPlan is returned when no plan matches a goal and there is no default.
var ErrNoPlan = errors.New("no plan matches the job")

// Decompose implements decomposer.Decomposer. The first plan whose match
// pattern fits the goal wins; the plan named "default" is the fallback.
func (c *Catalogue) Decompose(ctx context.Context, req decomposer.Request) (decomposer.TaskMap, error) {
	p, err := c.selectPlan(req.Job.Goal)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Plan selected.", "plan", p.name, "job_id", req.Job.ID)

	evalCtx := evalContext(req.Job, req.Lesson)
	tm := make(decomposer.TaskMap, len(p.tasks))
	for _, t := range p.tasks {
		spec := decomposer.TaskSpec{
			AssignedExpert: t.AssignedExpert,
			Dependencies:   t.Dependencies,
		}
		fields := []struct {
			name string
			expr hcl.Expression
			dst  *string
		}{
			{"goal", t.Goal, &spec.Goal},
			{"context", t.Context, &spec.Context},
			{"completion_criteria", t.CompletionCriteria, &spec.CompletionCriteria},
			{"thinking", t.Thinking, &spec.Thinking},
		}
		for _, f := range fields {
			s, err := evalString(f.expr, evalCtx)
			if err != nil {
				return nil, fmt.Errorf("plan %q task %q attribute %s: %w", p.name, t.ID, f.name, err)
			}
			*f.dst = s
		}
		tm[t.ID] = spec
	}
	return tm, nil
}

func (c *Catalogue) selectPlan(goal string) (*plan, error) {
	var fallback *plan
	for _, p := range c.plans {
		if p.name == DefaultPlanName {
			fallback = p
			continue
		}
		if p.match != nil && p.match.MatchString(goal) {
			return p, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoPlan, goal)
}

func evalContext(j job.Job, lesson string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"job": cty.ObjectVal(map[string]cty.Value{
				"id":      cty.StringVal(j.ID),
				"goal":    cty.StringVal(j.Goal),
				"context": cty.StringVal(j.Context),
			}),
			"lesson": cty.StringVal(lesson),
		},
	}
}

// evalString evaluates expr and converts the result to a string. A missing
// optional attribute evaluates to null and yields "".
func evalString(expr hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	if expr == nil {
		return "", nil
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return "", diags
	}
	if val.IsNull() {
		return "", nil
	}
	if !val.IsKnown() {
		return "", fmt.Errorf("value is not known")
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("value must be a string: %w", err)
	}
	return str.AsString(), nil
}
