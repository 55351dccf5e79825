// Package scoring turns the print parameters of a finished attempt into a
// success flag and a score. Evaluate is pure; persisting the score is the
// caller's job.
package scoring

import (
	"strings"

	"golang.org/x/text/message"

	"prototypia/internal/config"
	"prototypia/internal/domain"
	"prototypia/internal/i18n"
)

const (
	BonusBase            = "base"
	BonusOptimalMaterial = "optimal_material"
	BonusInfill          = "infill"
	BonusLayerHeight     = "layer_height"
	BonusPrintSpeed      = "print_speed"
	BonusFirstCompletion = "first_completion"
)

// layerEpsilon absorbs float noise from slider steps such as 0.1+0.1.
const layerEpsilon = 1e-9

type Input struct {
	Params   domain.PrintParameters
	Mission  domain.MissionDefinition
	Progress domain.UserProgress
}

// Outcome is the result of one evaluation. Notes are i18n keys in the order
// they appear in the feedback text.
type Outcome struct {
	Success         bool
	Score           int
	FirstCompletion bool
	Bonuses         []domain.Bonus
	Notes           []string
}

// Evaluate applies the scoring policy. A failed run always scores 0 and
// carries no bonuses; a successful run scores at least policy.Base.
func Evaluate(policy config.Scoring, in Input) Outcome {
	var out Outcome
	bonuses := []domain.Bonus{{Key: BonusBase, Points: policy.Base}}

	p := in.Params
	if p.Material == in.Mission.OptimalMaterial {
		bonuses = append(bonuses, domain.Bonus{Key: BonusOptimalMaterial, Points: policy.OptimalMaterialBonus})
	} else {
		out.Notes = append(out.Notes, i18n.FeedbackSuboptimal)
	}
	if p.Infill > policy.InfillBonusAbove && p.Infill < policy.InfillBonusBelow {
		bonuses = append(bonuses, domain.Bonus{Key: BonusInfill, Points: policy.InfillBonus})
	}
	if p.LayerHeight <= policy.LayerBonusMax+layerEpsilon {
		bonuses = append(bonuses, domain.Bonus{Key: BonusLayerHeight, Points: policy.LayerBonus})
	}
	if p.PrintSpeed > policy.SpeedBonusAbove && p.PrintSpeed < policy.SpeedBonusBelow {
		bonuses = append(bonuses, domain.Bonus{Key: BonusPrintSpeed, Points: policy.SpeedBonus})
	}

	if p.Infill < policy.MinInfill || p.Material == "" {
		out.Notes = append(out.Notes, i18n.FeedbackFailure)
		return out
	}

	out.Success = true
	if _, done := in.Progress.Completion(in.Mission.ID); !done {
		out.FirstCompletion = true
		bonuses = append(bonuses, domain.Bonus{Key: BonusFirstCompletion, Points: policy.FirstCompletionBonus})
	}
	// the success message replaces any warning
	out.Notes = []string{i18n.FeedbackSuccess}
	out.Bonuses = bonuses
	for _, b := range bonuses {
		out.Score += b.Points
	}
	return out
}

// Feedback renders the notes with p.
func (o Outcome) Feedback(p *message.Printer) string {
	var b strings.Builder
	for _, n := range o.Notes {
		b.WriteString(p.Sprintf(n))
	}
	return b.String()
}

// Result converts the outcome into the record stored on the attempt.
func (o Outcome) Result(p *message.Printer) *domain.AttemptResult {
	return &domain.AttemptResult{
		PrintSuccessful: o.Success,
		Score:           o.Score,
		Feedback:        o.Feedback(p),
		FirstCompletion: o.FirstCompletion,
		Bonuses:         append([]domain.Bonus(nil), o.Bonuses...),
	}
}
