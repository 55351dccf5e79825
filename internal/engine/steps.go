package engine

import (
	"fmt"
	"strings"

	"prototypia/internal/domain"
)

// Step is a position in the attempt workflow. The order is fixed.
type Step int

const (
	StepBriefing Step = iota
	StepIdeation
	StepDesign
	StepParameters
	StepSlicing
	StepResult
)

var stepNames = [...]string{"briefing", "ideation", "design", "parameters", "slicing", "result"}

// StepCount is the number of steps in an attempt.
const StepCount = len(stepNames)

func (s Step) String() string {
	if s < 0 || int(s) >= StepCount {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func ParseStep(v string) (Step, error) {
	for i, n := range stepNames {
		if n == v {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", v)
}

// Gate field names reported in GateError.Missing.
const (
	FieldUserAnalysis      = "user_analysis"
	FieldContextAnalysis   = "context_analysis"
	FieldIdeaDescription   = "idea_description"
	FieldSketch            = "sketch"
	FieldDesignArtifact    = "design_artifact"
	FieldSlicingConfirmed  = "slicing_confirmed"
	FieldSlicingScreenshot = "slicing_screenshot"
)

// missing lists what the attempt lacks to leave step. Briefing and
// Parameters are always open; Result never is, which Advance handles itself.
func missing(step Step, a domain.MissionAttempt) []string {
	var out []string
	switch step {
	case StepIdeation:
		if strings.TrimSpace(a.Ideation.UserAnalysis) == "" {
			out = append(out, FieldUserAnalysis)
		}
		if strings.TrimSpace(a.Ideation.ContextAnalysis) == "" {
			out = append(out, FieldContextAnalysis)
		}
		if strings.TrimSpace(a.Ideation.IdeaDescription) == "" {
			out = append(out, FieldIdeaDescription)
		}
		if a.Ideation.Sketch == nil {
			out = append(out, FieldSketch)
		}
	case StepDesign:
		if a.DesignArtifact == nil {
			out = append(out, FieldDesignArtifact)
		}
	case StepSlicing:
		if !a.SlicingConfirmed {
			out = append(out, FieldSlicingConfirmed)
		}
		if a.SlicingScreenshot == nil {
			out = append(out, FieldSlicingScreenshot)
		}
	}
	return out
}
