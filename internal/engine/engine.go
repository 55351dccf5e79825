package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"prototypia/internal/catalog"
	"prototypia/internal/config"
	"prototypia/internal/domain"
	"prototypia/internal/events"
	"prototypia/internal/metrics"
	"prototypia/internal/repo"
)

var (
	ErrAnalysisInFlight  = errors.New("analysis in progress")
	ErrAtFirstStep       = errors.New("already at the first step")
	ErrResultIsFinal     = errors.New("result is final; retry from result after a failed analysis")
	ErrUseAnalyze        = errors.New("slicing is left by analyzing the model")
	ErrNotAtSlicing      = errors.New("analysis starts from the slicing step")
	ErrNotAtResult       = errors.New("no result to retry from")
	ErrNothingToRetry    = errors.New("the analysis succeeded; nothing to retry")
	ErrExited            = errors.New("attempt was exited")
	ErrEmptyAsset        = errors.New("asset reference is empty")
	ErrInvalidParameters = errors.New("invalid print parameters")
	ErrReportUnavailable = errors.New("a report needs a successful result")
	ErrNoSession         = errors.New("no active attempt")
)

// GateError is returned when Advance or Analyze is refused because the
// current step is missing input. Missing holds the field names.
type GateError struct {
	Step    Step
	Missing []string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("cannot advance from %s: missing %s", e.Step, strings.Join(e.Missing, ", "))
}

// Blocked reports whether err is a refused transition rather than a failure.
func Blocked(err error) bool {
	var gate *GateError
	if errors.As(err, &gate) {
		return true
	}
	for _, target := range []error{ErrAtFirstStep, ErrResultIsFinal, ErrUseAnalyze, ErrNotAtSlicing, ErrNotAtResult, ErrNothingToRetry, ErrReportUnavailable} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type Engine struct {
	Catalog *catalog.Catalog
	Repo    *repo.Repo
	Events  events.Writer
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *log.Logger
	Now     func() time.Time
	After   func(time.Duration) <-chan time.Time
}

func New(cat *catalog.Catalog, r *repo.Repo, ev events.Writer, cfg *config.Config) Engine {
	return Engine{
		Catalog: cat,
		Repo:    r,
		Events:  ev,
		Config:  cfg,
		Now:     time.Now,
		After:   time.After,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) after(d time.Duration) <-chan time.Time {
	if e.After != nil {
		return e.After(d)
	}
	return time.After(d)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// record appends an audit event. Audit failures never block the workflow.
func (e Engine) record(ctx context.Context, evtType, userKey, attemptID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, userKey, "attempt", attemptID, payload); err != nil {
		e.logger().Printf("append %s event: %v", evtType, err)
	}
}

// Login stores profile under the key derived from its email and resets the
// user's progress.
func (e Engine) Login(ctx context.Context, profile domain.UserProfile) (string, domain.UserProfile, domain.UserProgress, error) {
	key := repo.UserKey(profile.Email)
	saved, progress, err := e.Repo.Login(ctx, key, profile)
	if err != nil {
		return "", domain.UserProfile{}, domain.UserProgress{}, err
	}
	e.recordUser(ctx, events.ProfileLogin, key, events.EventPayload{"username": saved.Username})
	return key, saved, progress, nil
}

// Logout forgets the profile and progress stored for key.
func (e Engine) Logout(ctx context.Context, key string) error {
	if err := e.Repo.Logout(ctx, key); err != nil {
		return err
	}
	e.recordUser(ctx, events.ProfileLogout, key, nil)
	return nil
}

func (e Engine) recordUser(ctx context.Context, evtType, userKey string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, userKey, "profile", userKey, payload); err != nil {
		e.logger().Printf("append %s event: %v", evtType, err)
	}
}

// StartMission creates a fresh attempt at Briefing with default parameters.
func (e Engine) StartMission(ctx context.Context, userKey, missionID string) (*Session, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if e.Catalog == nil || e.Repo == nil {
		return nil, errors.New("engine is missing its catalog or repo")
	}
	mission, err := e.Catalog.Mission(missionID)
	if err != nil {
		return nil, err
	}
	progress, err := e.Repo.LoadProgress(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	d := e.Config.Parameters.Defaults
	material := d.Material
	if len(progress.Inventory) > 0 {
		material = progress.Inventory[0]
	}
	s := &Session{
		engine:   e,
		userKey:  userKey,
		mission:  mission,
		progress: progress,
		attempt: domain.MissionAttempt{
			ID:        uuid.NewString(),
			MissionID: mission.ID,
			Parameters: domain.PrintParameters{
				Material:    material,
				LayerHeight: d.LayerHeight,
				Infill:      d.Infill,
				PrintSpeed:  d.PrintSpeed,
				Supports:    d.Supports,
				BedAdhesion: d.BedAdhesion,
			},
		},
	}
	e.Metrics.AttemptStarted(mission.ID)
	e.record(ctx, events.AttemptStarted, userKey, s.attempt.ID, events.EventPayload{"mission_id": mission.ID})
	return s, nil
}

// Sessions keeps at most one live attempt per user key.
type Sessions struct {
	mu     sync.Mutex
	byUser map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{byUser: map[string]*Session{}}
}

// Start exits the user's current attempt, if any, and starts a new one. It
// fails while the current attempt is being analyzed.
func (ss *Sessions) Start(ctx context.Context, e Engine, userKey, missionID string) (*Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if prev, ok := ss.byUser[userKey]; ok {
		if err := prev.Exit(ctx); err != nil && !errors.Is(err, ErrExited) {
			return nil, err
		}
		delete(ss.byUser, userKey)
	}
	s, err := e.StartMission(ctx, userKey, missionID)
	if err != nil {
		return nil, err
	}
	ss.byUser[userKey] = s
	return s, nil
}

func (ss *Sessions) Get(userKey string) (*Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byUser[userKey]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Drop exits and forgets the user's attempt.
func (ss *Sessions) Drop(ctx context.Context, userKey string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byUser[userKey]
	if !ok {
		return ErrNoSession
	}
	if err := s.Exit(ctx); err != nil && !errors.Is(err, ErrExited) {
		return err
	}
	delete(ss.byUser, userKey)
	return nil
}
