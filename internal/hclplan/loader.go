// Package hclplan loads expert catalogues and decomposition plans from HCL.
//
// A plan file declares the experts available to a run and one or more plans.
// Each plan is a set of task blocks that becomes a decomposition when the
// plan's match pattern fits the goal of the job being decomposed. Task text
// attributes are expressions and may reference job.id, job.goal, job.context
// and lesson.
package hclplan

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/fsutil"
)

// DefaultPlanName is the plan used when no other plan matches.
const DefaultPlanName = "default"

// Catalogue is everything loaded from a set of plan files.
type Catalogue struct {
	Settings Settings
	Experts  []ExpertSpec
	plans    []*plan
}

// Load parses every .hcl file under the given paths. A path may be a file or
// a directory, which is walked recursively.
func Load(ctx context.Context, paths ...string) (*Catalogue, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL plan loader started.", "path_count", len(paths))

	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	cat := &Catalogue{}
	seenExperts := make(map[string]string)
	seenPlans := make(map[string]string)
	parser := hclparse.NewParser()

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, s := range root.Settings {
			cat.Settings = mergeSettings(cat.Settings, s)
		}
		for _, e := range root.Experts {
			if prev, ok := seenExperts[e.Name]; ok {
				return nil, fmt.Errorf("expert %q declared twice (%s and %s)", e.Name, prev, file)
			}
			seenExperts[e.Name] = file
			spec, err := translateExpert(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			cat.Experts = append(cat.Experts, spec)
		}
		for _, p := range root.Plans {
			if prev, ok := seenPlans[p.Name]; ok {
				return nil, fmt.Errorf("plan %q declared twice (%s and %s)", p.Name, prev, file)
			}
			seenPlans[p.Name] = file
			compiled, err := translatePlan(p, file)
			if err != nil {
				return nil, err
			}
			cat.plans = append(cat.plans, compiled)
		}
	}

	logger.Debug("HCL plan loading complete.", "experts", len(cat.Experts), "plans", len(cat.plans))
	return cat, nil
}

// PlanNames returns the plan names in declaration order.
func (c *Catalogue) PlanNames() []string {
	names := make([]string, len(c.plans))
	for i, p := range c.plans {
		names[i] = p.name
	}
	return names
}

func mergeSettings(cur Settings, s *settingsBlock) Settings {
	if s.Workers > 0 {
		cur.Workers = s.Workers
	}
	if s.LifeCycle > 0 {
		cur.LifeCycle = s.LifeCycle
	}
	if s.MaxRetries > 0 {
		cur.MaxRetries = s.MaxRetries
	}
	return cur
}

func translateExpert(e *expertBlock) (ExpertSpec, error) {
	spec := ExpertSpec{
		Name:               e.Name,
		Description:        e.Description,
		Kind:               e.Kind,
		URL:                e.URL,
		Namespace:          e.Namespace,
		InsecureSkipVerify: e.InsecureSkipVerify,
	}
	if spec.Kind == "" {
		spec.Kind = KindEcho
	}
	switch spec.Kind {
	case KindEcho:
	case KindSocketIO:
		if spec.URL == "" {
			return ExpertSpec{}, fmt.Errorf("expert %q: kind %q requires url", e.Name, spec.Kind)
		}
	default:
		return ExpertSpec{}, fmt.Errorf("expert %q: unknown kind %q", e.Name, spec.Kind)
	}
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return ExpertSpec{}, fmt.Errorf("expert %q: invalid timeout: %w", e.Name, err)
		}
		spec.Timeout = d
	}
	return spec, nil
}

func translatePlan(p *planBlock, file string) (*plan, error) {
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("%s: plan %q has no tasks", file, p.Name)
	}
	compiled := &plan{name: p.Name, tasks: p.Tasks, file: file}
	if p.Match != "" {
		re, err := regexp.Compile(p.Match)
		if err != nil {
			return nil, fmt.Errorf("%s: plan %q: invalid match pattern: %w", file, p.Name, err)
		}
		compiled.match = re
	}
	return compiled, nil
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl files found.
func findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		found, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			add(f)
		}
	}
	return allFiles, nil
}
