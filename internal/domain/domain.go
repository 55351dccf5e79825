package domain

type MissionDefinition struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Briefing        string   `json:"briefing"`
	Problem         string   `json:"problem"`
	Requirements    []string `json:"requirements"`
	XP              int      `json:"xp"`
	OptimalMaterial string   `json:"optimal_material"`
}

type MaterialDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Properties  string `json:"properties"`
}

// UserProfile is the self-reported onboarding form.
type UserProfile struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Major    string `json:"major" validate:"required"`
	Course   string `json:"course" validate:"required"`
}

type MissionCompletionRecord struct {
	MissionID string `json:"mission_id"`
	Score     int    `json:"score"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// UserProgress holds one record per completed mission. XP always equals the
// sum of the recorded scores.
type UserProgress struct {
	XP                int                       `json:"xp"`
	CompletedMissions []MissionCompletionRecord `json:"completed_missions"`
	Inventory         []string                  `json:"inventory"`
}

// Completion returns the record for missionID, if any.
func (p UserProgress) Completion(missionID string) (MissionCompletionRecord, bool) {
	for _, c := range p.CompletedMissions {
		if c.MissionID == missionID {
			return c, true
		}
	}
	return MissionCompletionRecord{}, false
}

func (p UserProgress) HasMaterial(id string) bool {
	for _, m := range p.Inventory {
		if m == id {
			return true
		}
	}
	return false
}

func (p UserProgress) Clone() UserProgress {
	out := UserProgress{XP: p.XP}
	out.CompletedMissions = append([]MissionCompletionRecord{}, p.CompletedMissions...)
	out.Inventory = append([]string{}, p.Inventory...)
	return out
}

const (
	BedAdhesionNone  = "none"
	BedAdhesionSkirt = "skirt"
	BedAdhesionBrim  = "brim"
	BedAdhesionRaft  = "raft"
)

type PrintParameters struct {
	Material    string  `json:"material"`
	LayerHeight float64 `json:"layer_height"`
	Infill      int     `json:"infill"`
	PrintSpeed  int     `json:"print_speed"`
	Supports    bool    `json:"supports"`
	BedAdhesion string  `json:"bed_adhesion" enum:"none,skirt,brim,raft" validate:"oneof=none skirt brim raft"`
}

type Ideation struct {
	UserAnalysis    string  `json:"user_analysis"`
	ContextAnalysis string  `json:"context_analysis"`
	IdeaDescription string  `json:"idea_description"`
	Sketch          *string `json:"sketch,omitempty"`
}

type Bonus struct {
	Key    string `json:"key"`
	Points int    `json:"points"`
}

type AttemptResult struct {
	PrintSuccessful bool    `json:"print_successful"`
	Score           int     `json:"score"`
	Feedback        string  `json:"feedback"`
	FirstCompletion bool    `json:"first_completion"`
	Bonuses         []Bonus `json:"bonuses,omitempty"`
}

// MissionAttempt is the working record of one pass at a mission. It is never
// persisted; only its score reaches UserProgress.
type MissionAttempt struct {
	ID                string          `json:"id"`
	MissionID         string          `json:"mission_id"`
	Ideation          Ideation        `json:"ideation"`
	DesignArtifact    *string         `json:"design_artifact,omitempty"`
	Parameters        PrintParameters `json:"parameters"`
	SlicingConfirmed  bool            `json:"slicing_confirmed"`
	SlicingScreenshot *string         `json:"slicing_screenshot,omitempty"`
	Result            *AttemptResult  `json:"result,omitempty"`
}

// Clone copies the attempt so callers cannot mutate a live session through it.
func (a MissionAttempt) Clone() MissionAttempt {
	out := a
	out.Ideation.Sketch = cloneString(a.Ideation.Sketch)
	out.DesignArtifact = cloneString(a.DesignArtifact)
	out.SlicingScreenshot = cloneString(a.SlicingScreenshot)
	if a.Result != nil {
		r := *a.Result
		r.Bonuses = append([]Bonus(nil), a.Result.Bonuses...)
		out.Result = &r
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserKey    string `json:"user_key,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
