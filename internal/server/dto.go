package server

import (
	"prototypia/internal/domain"
	"prototypia/internal/engine"
	"prototypia/internal/repo"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email" format:"email"`
	Major    string `json:"major"`
	Course   string `json:"course"`
}

type StartAttemptRequest struct {
	MissionID string `json:"mission_id" example:"m01"`
}

type IdeationRequest struct {
	UserAnalysis    string `json:"user_analysis"`
	ContextAnalysis string `json:"context_analysis"`
	IdeaDescription string `json:"idea_description"`
}

// AssetRequest carries one upload. Data is base64 in JSON.
type AssetRequest struct {
	Filename string `json:"filename" example:"boceto.png"`
	Data     []byte `json:"data"`
}

type SlicingRequest struct {
	Confirmed bool `json:"confirmed"`
}

// Response payloads

type LoginResponse struct {
	Token    string              `json:"token"`
	UserKey  string              `json:"user_key"`
	Profile  domain.UserProfile  `json:"profile"`
	Progress domain.UserProgress `json:"progress"`
}

type MissionStatus struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	XP        int    `json:"xp"`
	Completed bool   `json:"completed"`
	BestScore int    `json:"best_score,omitempty"`
}

type MeResponse struct {
	UserKey  string              `json:"user_key"`
	Profile  domain.UserProfile  `json:"profile"`
	Progress domain.UserProgress `json:"progress"`
	Missions []MissionStatus     `json:"missions"`
}

type AttemptResponse struct {
	MissionID  string                `json:"mission_id"`
	Step       string                `json:"step" enum:"briefing,ideation,design,parameters,slicing,result"`
	StepIndex  int                   `json:"step_index"`
	StepCount  int                   `json:"step_count"`
	Progress   float64               `json:"progress"`
	Busy       bool                  `json:"busy"`
	CanAdvance bool                  `json:"can_advance"`
	Missing    []string              `json:"missing"`
	Attempt    domain.MissionAttempt `json:"attempt"`
}

type AnalyzeResponse struct {
	Attempt  AttemptResponse      `json:"attempt"`
	Change   *repo.Change         `json:"change,omitempty"`
	Progress *domain.UserProgress `json:"progress,omitempty"`
}

func attemptResponse(s *engine.Session) AttemptResponse {
	st := s.State()
	return AttemptResponse{
		MissionID:  s.Mission().ID,
		Step:       st.Step.String(),
		StepIndex:  st.StepIndex,
		StepCount:  st.StepCount,
		Progress:   float64(st.StepIndex) / float64(st.StepCount),
		Busy:       st.Busy,
		CanAdvance: st.CanAdvance,
		Missing:    nonNilSlice(st.Missing),
		Attempt:    st.Attempt,
	}
}

func missionStatuses(missions []domain.MissionDefinition, p domain.UserProgress) []MissionStatus {
	out := make([]MissionStatus, 0, len(missions))
	for _, m := range missions {
		st := MissionStatus{ID: m.ID, Title: m.Title, XP: m.XP}
		if c, ok := p.Completion(m.ID); ok {
			st.Completed = true
			st.BestScore = c.Score
		}
		out = append(out, st)
	}
	return out
}

func (r LoginRequest) profile() domain.UserProfile {
	return domain.UserProfile{Username: r.Username, Email: r.Email, Major: r.Major, Course: r.Course}
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
