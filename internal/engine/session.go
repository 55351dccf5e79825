package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"prototypia/internal/asset"
	"prototypia/internal/domain"
	"prototypia/internal/events"
	"prototypia/internal/i18n"
	"prototypia/internal/report"
	"prototypia/internal/repo"
	"prototypia/internal/scoring"
)

var validate = validator.New()

// Session owns one attempt. Every operation takes mu; while an analysis is in
// flight all of them return ErrAnalysisInFlight.
type Session struct {
	engine  Engine
	userKey string
	mission domain.MissionDefinition

	mu       sync.Mutex
	step     Step
	attempt  domain.MissionAttempt
	progress domain.UserProgress
	busy     bool
	exited   bool
}

// Analysis is delivered once on the channel returned by Analyze.
type Analysis struct {
	Result   domain.AttemptResult `json:"result"`
	Change   repo.Change          `json:"change"`
	Progress domain.UserProgress  `json:"progress"`
}

// State is a consistent read of the session.
type State struct {
	Step       Step
	StepIndex  int
	StepCount  int
	Busy       bool
	Exited     bool
	CanAdvance bool
	Missing    []string
	Attempt    domain.MissionAttempt
}

// UserKey identifies the user the attempt belongs to.
func (s *Session) UserKey() string { return s.userKey }

// Mission is the catalog entry being attempted.
func (s *Session) Mission() domain.MissionDefinition { return s.mission }

// Step returns the current workflow step.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Busy reports whether an analysis is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Snapshot returns a copy of the attempt.
func (s *Session) Snapshot() domain.MissionAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt.Clone()
}

// UserProgress is the progress as of the start of the attempt, or as left by
// the last analysis.
func (s *Session) UserProgress() domain.UserProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.Clone()
}

// Progress returns the one-based position of the current step.
func (s *Session) Progress() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.step) + 1, StepCount
}

// CanAdvance reports whether the current step's gate is open. At Slicing an
// open gate means Analyze is allowed.
func (s *Session) CanAdvance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canAdvance()
}

func (s *Session) canAdvance() bool {
	if s.busy || s.exited || s.step == StepResult {
		return false
	}
	return len(missing(s.step, s.attempt)) == 0
}

// State returns a consistent view of the attempt for display.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Step:       s.step,
		StepIndex:  int(s.step) + 1,
		StepCount:  StepCount,
		Busy:       s.busy,
		Exited:     s.exited,
		CanAdvance: s.canAdvance(),
		Missing:    missing(s.step, s.attempt),
		Attempt:    s.attempt.Clone(),
	}
}

func (s *Session) usable() error {
	if s.exited {
		return ErrExited
	}
	if s.busy {
		return ErrAnalysisInFlight
	}
	return nil
}

// Advance moves one step forward when the gate allows it. It is a no-op at
// Result.
func (s *Session) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.step == StepResult {
		return nil
	}
	if m := missing(s.step, s.attempt); len(m) > 0 {
		return &GateError{Step: s.step, Missing: m}
	}
	if s.step == StepSlicing {
		return ErrUseAnalyze
	}
	s.step++
	return nil
}

// Retreat moves one step back keeping every input.
func (s *Session) Retreat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	switch s.step {
	case StepBriefing:
		return ErrAtFirstStep
	case StepResult:
		return ErrResultIsFinal
	}
	s.step--
	return nil
}

// RetryFromResult returns a failed attempt to Parameters. Only the result is
// cleared.
func (s *Session) RetryFromResult() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.step != StepResult || s.attempt.Result == nil {
		return ErrNotAtResult
	}
	if s.attempt.Result.PrintSuccessful {
		return ErrNothingToRetry
	}
	s.attempt.Result = nil
	s.step = StepParameters
	return nil
}

// Exit abandons the attempt. Progress already recorded by a successful
// analysis stays.
func (s *Session) Exit(ctx context.Context) error {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.exited = true
	step, id := s.step, s.attempt.ID
	completed := s.attempt.Result != nil && s.attempt.Result.PrintSuccessful
	s.attempt = domain.MissionAttempt{}
	s.mu.Unlock()

	s.engine.record(ctx, events.AttemptExited, s.userKey, id, events.EventPayload{
		"mission_id": s.mission.ID,
		"step":       step.String(),
		"completed":  completed,
	})
	return nil
}

// Analyze starts the simulated analysis from Slicing. The returned channel
// receives exactly one Analysis and is then closed. The analysis cannot be
// canceled; ctx only carries values to the audit log.
func (s *Session) Analyze(ctx context.Context) (<-chan Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.step != StepSlicing {
		return nil, ErrNotAtSlicing
	}
	if m := missing(s.step, s.attempt); len(m) > 0 {
		return nil, &GateError{Step: s.step, Missing: m}
	}
	s.busy = true
	ch := make(chan Analysis, 1)
	go s.analyze(context.WithoutCancel(ctx), s.attempt.ID, s.attempt.Parameters, ch)
	return ch, nil
}

func (s *Session) analyze(ctx context.Context, attemptID string, params domain.PrintParameters, ch chan<- Analysis) {
	e := s.engine
	started := e.now()
	<-e.after(e.Config.Simulation.Delay)

	prior, err := e.Repo.LoadProgress(ctx, s.userKey)
	if err != nil {
		e.logger().Printf("analysis %s: load progress: %v; scoring against session progress", attemptID, err)
		s.mu.Lock()
		prior = s.progress.Clone()
		s.mu.Unlock()
	}
	out := scoring.Evaluate(e.Config.Scoring, scoring.Input{Params: params, Mission: s.mission, Progress: prior})
	result := out.Result(i18n.Printer(e.Config.Locale))

	progress := prior
	change := repo.Change{Kind: repo.ChangeUnchanged}
	if out.Success {
		updated, chg, err := e.Repo.CompleteMission(ctx, s.userKey, s.mission.ID, out.Score)
		if err != nil {
			e.logger().Printf("analysis %s: record completion: %v", attemptID, err)
		} else {
			progress, change = updated, chg
			e.Metrics.XPAwarded(chg.Delta)
			if chg.Kind != repo.ChangeUnchanged {
				e.record(ctx, events.ProgressUpdated, s.userKey, attemptID, events.EventPayload{
					"mission_id": s.mission.ID,
					"score":      out.Score,
					"change":     string(chg.Kind),
					"delta":      chg.Delta,
					"xp":         updated.XP,
				})
			}
		}
	}

	s.mu.Lock()
	s.attempt.Result = result
	s.progress = progress.Clone()
	s.step = StepResult
	s.busy = false
	s.mu.Unlock()

	e.Metrics.Analyzed(s.mission.ID, out.Success, e.now().Sub(started))
	e.record(ctx, events.AttemptAnalyzed, s.userKey, attemptID, events.EventPayload{
		"mission_id": s.mission.ID,
		"success":    out.Success,
		"score":      out.Score,
	})
	ch <- Analysis{Result: *result, Change: change, Progress: progress.Clone()}
	close(ch)
}

// Wait blocks until a pending analysis delivers or ctx is done.
func Wait(ctx context.Context, ch <-chan Analysis) (Analysis, error) {
	select {
	case a, ok := <-ch:
		if !ok {
			return Analysis{}, fmt.Errorf("analysis channel closed")
		}
		return a, nil
	case <-ctx.Done():
		return Analysis{}, ctx.Err()
	}
}

func (s *Session) mutate(fn func(a *domain.MissionAttempt) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.step == StepResult {
		return ErrResultIsFinal
	}
	return fn(&s.attempt)
}

func (s *Session) SetIdeationText(userAnalysis, contextAnalysis, ideaDescription string) error {
	return s.mutate(func(a *domain.MissionAttempt) error {
		a.Ideation.UserAnalysis = userAnalysis
		a.Ideation.ContextAnalysis = contextAnalysis
		a.Ideation.IdeaDescription = ideaDescription
		return nil
	})
}

func attach(ref string, dst **string) error {
	if ref == "" {
		return ErrEmptyAsset
	}
	v := ref
	*dst = &v
	return nil
}

func (s *Session) AttachSketch(ref string) error {
	return s.mutate(func(a *domain.MissionAttempt) error { return attach(ref, &a.Ideation.Sketch) })
}

func (s *Session) AttachDesign(ref string) error {
	return s.mutate(func(a *domain.MissionAttempt) error { return attach(ref, &a.DesignArtifact) })
}

func (s *Session) AttachScreenshot(ref string) error {
	return s.mutate(func(a *domain.MissionAttempt) error { return attach(ref, &a.SlicingScreenshot) })
}

// Attach stores ref in the field that holds uploads of kind.
func (s *Session) Attach(kind asset.Kind, ref string) error {
	switch kind {
	case asset.KindSketch:
		return s.AttachSketch(ref)
	case asset.KindModel:
		return s.AttachDesign(ref)
	case asset.KindScreenshot:
		return s.AttachScreenshot(ref)
	}
	return fmt.Errorf("no attempt field takes %q uploads", kind)
}

func (s *Session) ConfirmSlicing(confirmed bool) error {
	return s.mutate(func(a *domain.MissionAttempt) error {
		a.SlicingConfirmed = confirmed
		return nil
	})
}

// SetParameters replaces the print parameters. Layer height is rounded to
// two decimals; values outside the configured ranges are refused. An empty
// material is accepted and fails the analysis.
func (s *Session) SetParameters(p domain.PrintParameters) error {
	return s.mutate(func(a *domain.MissionAttempt) error {
		p.LayerHeight = math.Round(p.LayerHeight*100) / 100
		if err := s.checkParameters(p); err != nil {
			return err
		}
		a.Parameters = p
		return nil
	})
}

func (s *Session) checkParameters(p domain.PrintParameters) error {
	r := s.engine.Config.Parameters.Ranges
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if p.LayerHeight < r.LayerHeight.Min || p.LayerHeight > r.LayerHeight.Max {
		return fmt.Errorf("%w: layer height %.2f outside %.2f-%.2f", ErrInvalidParameters, p.LayerHeight, r.LayerHeight.Min, r.LayerHeight.Max)
	}
	if p.Infill < r.Infill.Min || p.Infill > r.Infill.Max {
		return fmt.Errorf("%w: infill %d outside %d-%d", ErrInvalidParameters, p.Infill, r.Infill.Min, r.Infill.Max)
	}
	if p.PrintSpeed < r.PrintSpeed.Min || p.PrintSpeed > r.PrintSpeed.Max {
		return fmt.Errorf("%w: print speed %d outside %d-%d", ErrInvalidParameters, p.PrintSpeed, r.PrintSpeed.Min, r.PrintSpeed.Max)
	}
	if p.Material == "" {
		return nil
	}
	if _, err := s.engine.Catalog.Material(p.Material); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if !s.progress.HasMaterial(p.Material) {
		return fmt.Errorf("%w: material %s is not in the inventory", ErrInvalidParameters, p.Material)
	}
	return nil
}

// Report renders the PDF for a successful attempt and returns it with its
// download name. A render failure leaves the session untouched.
func (s *Session) Report(ctx context.Context, profile domain.UserProfile) ([]byte, string, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	if s.step != StepResult || s.attempt.Result == nil || !s.attempt.Result.PrintSuccessful {
		s.mu.Unlock()
		return nil, "", ErrReportUnavailable
	}
	attempt := s.attempt.Clone()
	s.mu.Unlock()

	e := s.engine
	pdf, err := report.Render(profile, s.mission, attempt, report.Options{Locale: e.Config.Locale, Now: e.now()})
	e.Metrics.Report(err == nil)
	if err != nil {
		e.record(ctx, events.ReportFailed, s.userKey, attempt.ID, events.EventPayload{"error": err.Error()})
		return nil, "", err
	}
	name := report.Filename(s.mission.ID, profile.Username)
	e.record(ctx, events.ReportRendered, s.userKey, attempt.ID, events.EventPayload{
		"mission_id": s.mission.ID,
		"file":       name,
		"bytes":      len(pdf),
	})
	return pdf, name, nil
}

// Delay is the configured analysis time.
func (s *Session) Delay() time.Duration {
	return s.engine.Config.Simulation.Delay
}
