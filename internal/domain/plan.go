package domain

// ModelTier is the model-capability class chosen for a turn.
type ModelTier string

const (
	TierFast      ModelTier = "fast"
	TierReasoning ModelTier = "reasoning"
)

// TimeRange is a planner-chosen window. Empty strings mean null.
type TimeRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Plan is the routing decision for a single turn.
type Plan struct {
	ModelTier        ModelTier   `json:"modelTier"`
	IsSelfReflection bool        `json:"isSelfReflection"`
	IsAbuse          bool        `json:"isAbuse"`
	NeedsImage       bool        `json:"needsImage"`
	NeedsAudio       bool        `json:"needsAudio"`
	TimeRanges       []TimeRange `json:"timeRanges"`
	Reasoning        string      `json:"reasoning,omitempty"`
}

// DefaultPlan is the safe plan used whenever planning output is unusable:
// fast tier, no media, no history.
func DefaultPlan() Plan {
	return Plan{ModelTier: TierFast, TimeRanges: []TimeRange{}}
}
