package scheduler

import (
	"fmt"
	"time"

	"github.com/inkworks/pressroom/internal/agent"
)

// StageSpec declares what one working stage expects: which roles contribute,
// which subject keys must end up with an authoritative result, and how long
// the scheduler waits before closing the stage out in degraded mode.
type StageSpec struct {
	Stage    Stage
	Roles    []string
	Subjects []string
	Deadline time.Duration
}

// Plan is the ordered stage roster for a run.
type Plan struct {
	Stages []StageSpec
}

// Validate checks the plan covers only known working stages in pipeline
// order, each with at least one role and one subject.
func (p Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan has no stages")
	}
	order := make(map[Stage]int, len(pipelineStages))
	for i, s := range pipelineStages {
		order[s] = i
	}
	prev := -1
	for _, spec := range p.Stages {
		idx, ok := order[spec.Stage]
		if !ok {
			return fmt.Errorf("unknown stage %q", spec.Stage)
		}
		if idx <= prev {
			return fmt.Errorf("stage %q out of pipeline order", spec.Stage)
		}
		prev = idx
		if len(spec.Roles) == 0 {
			return fmt.Errorf("stage %q has no roles", spec.Stage)
		}
		if len(spec.Subjects) == 0 {
			return fmt.Errorf("stage %q has no subjects", spec.Stage)
		}
		if spec.Deadline <= 0 {
			return fmt.Errorf("stage %q has no deadline", spec.Stage)
		}
	}
	return nil
}

// DefaultPlan is the six-stage linear content workflow: each stage has a
// single rostered role producing one subject, the next stage consuming it.
func DefaultPlan() Plan {
	deadline := 2 * time.Minute
	return Plan{Stages: []StageSpec{
		{Stage: StageResearching, Roles: []string{agent.RoleResearcher}, Subjects: []string{"background"}, Deadline: deadline},
		{Stage: StageWriting, Roles: []string{agent.RoleWriter}, Subjects: []string{"draft"}, Deadline: deadline},
		{Stage: StageEditing, Roles: []string{agent.RoleEditor}, Subjects: []string{"article"}, Deadline: deadline},
		{Stage: StageOptimizing, Roles: []string{agent.RoleSEO}, Subjects: []string{"metadata"}, Deadline: deadline},
		{Stage: StageIllustrating, Roles: []string{agent.RoleImage}, Subjects: []string{"imagery"}, Deadline: deadline},
		{Stage: StagePublishing, Roles: []string{agent.RolePublisher}, Subjects: []string{"publication"}, Deadline: deadline},
	}}
}
