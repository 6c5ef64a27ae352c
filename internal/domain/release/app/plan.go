package app

import (
	"context"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/pipeline"
)

// PlanInput contains the input for planning a run.
type PlanInput struct {
	Gate domain.PublishGate
	Only []string
}

// PlannedStage says whether one stage would run.
type PlannedStage struct {
	Name    string           `json:"name"`
	Kind    domain.StageKind `json:"kind"`
	Needs   []string         `json:"needs,omitempty"`
	Depth   int              `json:"depth"`
	WillRun bool             `json:"will_run"`
	Reason  string           `json:"reason,omitempty"`
}

// PlanOutput lists every stage in execution order.
type PlanOutput struct {
	Stages []PlannedStage `json:"stages"`
	Run    int            `json:"run"`
	Skip   int            `json:"skip"`
}

// PlanUseCase predicts which stages a gate runs, assuming every stage
// that runs succeeds.
type PlanUseCase struct{}

// NewPlanUseCase creates a new PlanUseCase.
func NewPlanUseCase() *PlanUseCase {
	return &PlanUseCase{}
}

// Execute dry-runs the release graph with no-op stages.
func (uc *PlanUseCase) Execute(ctx context.Context, input PlanInput) (*PlanOutput, error) {
	g, err := BuildGraph(input.Gate, input.Only, nil)
	if err != nil {
		return nil, err
	}
	report := pipeline.NewScheduler().Execute(ctx, g)

	out := &PlanOutput{Stages: make([]PlannedStage, 0, g.Len())}
	for _, o := range report.Ordered() {
		st, _ := g.Stage(o.Name)
		depth, _ := g.Depth(o.Name)
		ps := PlannedStage{
			Name:    o.Name,
			Kind:    o.Kind,
			Needs:   st.Needs,
			Depth:   depth,
			WillRun: o.Status == domain.StatusSucceeded,
			Reason:  o.Reason,
		}
		if ps.WillRun {
			out.Run++
		} else {
			out.Skip++
		}
		out.Stages = append(out.Stages, ps)
	}
	return out, nil
}
