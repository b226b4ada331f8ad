package hclplan

import (
	"regexp"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// fileRoot decodes every top-level block a plan file may contain.
type fileRoot struct {
	Settings []*settingsBlock `hcl:"settings,block"`
	Experts  []*expertBlock   `hcl:"expert,block"`
	Plans    []*planBlock     `hcl:"plan,block"`
	Remain   hcl.Body         `hcl:",remain"`
}

type settingsBlock struct {
	Workers    int `hcl:"workers,optional"`
	LifeCycle  int `hcl:"life_cycle,optional"`
	MaxRetries int `hcl:"max_retries,optional"`
}

type expertBlock struct {
	Name               string `hcl:"name,label"`
	Description        string `hcl:"description,optional"`
	Kind               string `hcl:"kind,optional"`
	URL                string `hcl:"url,optional"`
	Namespace          string `hcl:"namespace,optional"`
	Timeout            string `hcl:"timeout,optional"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify,optional"`
}

type planBlock struct {
	Name  string       `hcl:"name,label"`
	Match string       `hcl:"match,optional"`
	Tasks []*taskBlock `hcl:"task,block"`
}

type taskBlock struct {
	ID                 string         `hcl:"id,label"`
	Goal               hcl.Expression `hcl:"goal"`
	Context            hcl.Expression `hcl:"context,optional"`
	CompletionCriteria hcl.Expression `hcl:"completion_criteria,optional"`
	Thinking           hcl.Expression `hcl:"thinking,optional"`
	AssignedExpert     string         `hcl:"assigned_expert"`
	Dependencies       []string       `hcl:"dependencies,optional"`
}

// Expert kinds.
const (
	KindEcho     = "echo"
	KindSocketIO = "socketio"
)

// Settings are run defaults declared in a plan file. Zero means unset.
type Settings struct {
	Workers    int
	LifeCycle  int
	MaxRetries int
}

// ExpertSpec declares one expert.
type ExpertSpec struct {
	Name               string
	Description        string
	Kind               string
	URL                string
	Namespace          string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

type plan struct {
	name  string
	match *regexp.Regexp
	tasks []*taskBlock
	file  string
}
