package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"prototypia/internal/domain"
	"prototypia/internal/kv"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidProfile = errors.New("invalid profile")
)

const (
	profilePrefix  = "prototypia_user/"
	progressPrefix = "prototypia_progress/"
)

var validate = validator.New()

// Repo stores one profile and one progress record per user key. All
// read-modify-write sequences run under mu.
type Repo struct {
	Store            kv.Store
	StarterInventory []string
	Now              func() time.Time

	mu sync.Mutex
}

func New(store kv.Store, starterInventory []string) *Repo {
	return &Repo{Store: store, StarterInventory: append([]string(nil), starterInventory...), Now: time.Now}
}

// UserKey derives the stable key for an email address.
func UserKey(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.ToLower(strings.TrimSpace(email)))).String()
}

// Seed is the progress of a user who has completed nothing.
func (r *Repo) Seed() domain.UserProgress {
	return domain.UserProgress{
		CompletedMissions: []domain.MissionCompletionRecord{},
		Inventory:         append([]string{}, r.StarterInventory...),
	}
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Repo) LoadProfile(ctx context.Context, key string) (domain.UserProfile, error) {
	var p domain.UserProfile
	if err := r.getJSON(ctx, profilePrefix+key, &p); err != nil {
		return domain.UserProfile{}, err
	}
	return p, nil
}

// LoadProgress returns the seed when nothing has been stored for key.
func (r *Repo) LoadProgress(ctx context.Context, key string) (domain.UserProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadProgress(ctx, key)
}

func (r *Repo) loadProgress(ctx context.Context, key string) (domain.UserProgress, error) {
	var p domain.UserProgress
	err := r.getJSON(ctx, progressPrefix+key, &p)
	if errors.Is(err, ErrNotFound) {
		return r.Seed(), nil
	}
	if err != nil {
		return domain.UserProgress{}, err
	}
	if p.CompletedMissions == nil {
		p.CompletedMissions = []domain.MissionCompletionRecord{}
	}
	if p.Inventory == nil {
		p.Inventory = []string{}
	}
	return p, nil
}

func (r *Repo) SaveProfile(ctx context.Context, key string, p domain.UserProfile) error {
	p = normalizeProfile(p)
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return r.putJSON(ctx, profilePrefix+key, p)
}

func (r *Repo) SaveProgress(ctx context.Context, key string, p domain.UserProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putJSON(ctx, progressPrefix+key, p)
}

// Clear removes both records for key.
func (r *Repo) Clear(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Store.Delete(ctx, profilePrefix+key); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if err := r.Store.Delete(ctx, progressPrefix+key); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// Login stores the profile and resets progress to the seed.
func (r *Repo) Login(ctx context.Context, key string, p domain.UserProfile) (domain.UserProfile, domain.UserProgress, error) {
	p = normalizeProfile(p)
	if err := validate.Struct(p); err != nil {
		return domain.UserProfile{}, domain.UserProgress{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.putJSON(ctx, profilePrefix+key, p); err != nil {
		return domain.UserProfile{}, domain.UserProgress{}, err
	}
	seed := r.Seed()
	if err := r.putJSON(ctx, progressPrefix+key, seed); err != nil {
		return domain.UserProfile{}, domain.UserProgress{}, err
	}
	return p, seed, nil
}

func (r *Repo) Logout(ctx context.Context, key string) error {
	return r.Clear(ctx, key)
}

type ChangeKind string

const (
	ChangeFirst     ChangeKind = "first"
	ChangeImproved  ChangeKind = "improved"
	ChangeUnchanged ChangeKind = "unchanged"
)

// Change describes what CompleteMission did to the progress record. Delta is
// the XP added.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Delta int        `json:"delta"`
}

// CompleteMission records score as the best score for missionID if it beats
// the stored one. XP grows by the difference only, so XP stays equal to the
// sum of best scores.
func (r *Repo) CompleteMission(ctx context.Context, key, missionID string, score int) (domain.UserProgress, Change, error) {
	if score < 0 {
		return domain.UserProgress{}, Change{}, fmt.Errorf("score must not be negative, got %d", score)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	progress, err := r.loadProgress(ctx, key)
	if err != nil {
		return domain.UserProgress{}, Change{}, err
	}
	ts := r.now().UTC().Format(time.RFC3339)

	var change Change
	idx := -1
	for i, c := range progress.CompletedMissions {
		if c.MissionID == missionID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		progress.CompletedMissions = append(progress.CompletedMissions, domain.MissionCompletionRecord{
			MissionID: missionID, Score: score, Timestamp: ts,
		})
		change = Change{Kind: ChangeFirst, Delta: score}
	case progress.CompletedMissions[idx].Score >= score:
		return progress, Change{Kind: ChangeUnchanged}, nil
	default:
		prev := progress.CompletedMissions[idx].Score
		progress.CompletedMissions[idx].Score = score
		progress.CompletedMissions[idx].Timestamp = ts
		change = Change{Kind: ChangeImproved, Delta: score - prev}
	}
	progress.XP += change.Delta
	if err := r.putJSON(ctx, progressPrefix+key, progress); err != nil {
		return domain.UserProgress{}, Change{}, err
	}
	return progress, change, nil
}

func (r *Repo) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.Store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *Repo) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.Store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func normalizeProfile(p domain.UserProfile) domain.UserProfile {
	p.Username = strings.TrimSpace(p.Username)
	p.Email = strings.TrimSpace(p.Email)
	p.Major = strings.TrimSpace(p.Major)
	p.Course = strings.TrimSpace(p.Course)
	return p
}
