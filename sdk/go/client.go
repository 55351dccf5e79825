package prototypiasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Prototypia HTTP API client. Login stores the bearer
// token on the client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

type Mission struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Briefing        string   `json:"briefing"`
	Problem         string   `json:"problem"`
	Requirements    []string `json:"requirements"`
	XP              int      `json:"xp"`
	OptimalMaterial string   `json:"optimal_material"`
}

type Material struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Properties  string `json:"properties"`
}

type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Major    string `json:"major"`
	Course   string `json:"course"`
}

type Completion struct {
	MissionID string `json:"mission_id"`
	Score     int    `json:"score"`
	Timestamp string `json:"timestamp"`
}

type Progress struct {
	XP                int          `json:"xp"`
	CompletedMissions []Completion `json:"completed_missions"`
	Inventory         []string     `json:"inventory"`
}

type MissionStatus struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	XP        int    `json:"xp"`
	Completed bool   `json:"completed"`
	BestScore int    `json:"best_score,omitempty"`
}

type Me struct {
	UserKey  string          `json:"user_key"`
	Profile  Profile         `json:"profile"`
	Progress Progress        `json:"progress"`
	Missions []MissionStatus `json:"missions"`
}

type Parameters struct {
	Material    string  `json:"material"`
	LayerHeight float64 `json:"layer_height"`
	Infill      int     `json:"infill"`
	PrintSpeed  int     `json:"print_speed"`
	Supports    bool    `json:"supports"`
	BedAdhesion string  `json:"bed_adhesion"`
}

type Result struct {
	PrintSuccessful bool   `json:"print_successful"`
	Score           int    `json:"score"`
	Feedback        string `json:"feedback"`
	FirstCompletion bool   `json:"first_completion"`
	Bonuses         []struct {
		Key    string `json:"key"`
		Points int    `json:"points"`
	} `json:"bonuses,omitempty"`
}

type Attempt struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	Ideation  struct {
		UserAnalysis    string  `json:"user_analysis"`
		ContextAnalysis string  `json:"context_analysis"`
		IdeaDescription string  `json:"idea_description"`
		Sketch          *string `json:"sketch,omitempty"`
	} `json:"ideation"`
	DesignArtifact    *string    `json:"design_artifact,omitempty"`
	Parameters        Parameters `json:"parameters"`
	SlicingConfirmed  bool       `json:"slicing_confirmed"`
	SlicingScreenshot *string    `json:"slicing_screenshot,omitempty"`
	Result            *Result    `json:"result,omitempty"`
}

// AttemptState is the server's view of the live attempt.
type AttemptState struct {
	MissionID  string   `json:"mission_id"`
	Step       string   `json:"step"`
	StepIndex  int      `json:"step_index"`
	StepCount  int      `json:"step_count"`
	Progress   float64  `json:"progress"`
	Busy       bool     `json:"busy"`
	CanAdvance bool     `json:"can_advance"`
	Missing    []string `json:"missing"`
	Attempt    Attempt  `json:"attempt"`
}

type Analysis struct {
	Attempt AttemptState `json:"attempt"`
	Change  *struct {
		Kind  string `json:"kind"`
		Delta int    `json:"delta"`
	} `json:"change,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) Missions(ctx context.Context) ([]Mission, error) {
	var resp []Mission
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp, err
}

func (c *Client) Mission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Materials(ctx context.Context) ([]Material, error) {
	var resp []Material
	err := c.do(ctx, http.MethodGet, "materials", nil, &resp)
	return resp, err
}

// Login registers the profile, resets its progress and keeps the token.
func (c *Client) Login(ctx context.Context, p Profile) (Progress, error) {
	var resp struct {
		Token    string   `json:"token"`
		Progress Progress `json:"progress"`
	}
	if err := c.do(ctx, http.MethodPost, "session", p, &resp); err != nil {
		return Progress{}, err
	}
	c.BearerToken = resp.Token
	return resp.Progress, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodDelete, "session", nil, nil); err != nil {
		return err
	}
	c.BearerToken = ""
	return nil
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// StartAttempt starts missionID, exiting any attempt in progress.
func (c *Client) StartAttempt(ctx context.Context, missionID string) (AttemptState, error) {
	var resp AttemptState
	err := c.do(ctx, http.MethodPost, "attempts", map[string]any{"mission_id": missionID}, &resp)
	return resp, err
}

func (c *Client) Attempt(ctx context.Context) (AttemptState, error) {
	var resp AttemptState
	err := c.do(ctx, http.MethodGet, "attempt", nil, &resp)
	return resp, err
}

func (c *Client) SetIdeation(ctx context.Context, userAnalysis, contextAnalysis, ideaDescription string) (AttemptState, error) {
	body := map[string]any{
		"user_analysis":    userAnalysis,
		"context_analysis": contextAnalysis,
		"idea_description": ideaDescription,
	}
	var resp AttemptState
	err := c.do(ctx, http.MethodPut, "attempt/ideation", body, &resp)
	return resp, err
}

// UploadAsset sends a sketch, model or screenshot file.
func (c *Client) UploadAsset(ctx context.Context, kind, filename string, data []byte) (AttemptState, error) {
	body := map[string]any{"filename": filename, "data": data}
	var resp AttemptState
	err := c.do(ctx, http.MethodPut, "attempt/assets/"+url.PathEscape(kind), body, &resp)
	return resp, err
}

func (c *Client) SetParameters(ctx context.Context, p Parameters) (AttemptState, error) {
	var resp AttemptState
	err := c.do(ctx, http.MethodPut, "attempt/parameters", p, &resp)
	return resp, err
}

func (c *Client) ConfirmSlicing(ctx context.Context, confirmed bool) (AttemptState, error) {
	var resp AttemptState
	err := c.do(ctx, http.MethodPut, "attempt/slicing", map[string]any{"confirmed": confirmed}, &resp)
	return resp, err
}

func (c *Client) Advance(ctx context.Context) (AttemptState, error) {
	return c.transition(ctx, "advance")
}

func (c *Client) Retreat(ctx context.Context) (AttemptState, error) {
	return c.transition(ctx, "retreat")
}

func (c *Client) Retry(ctx context.Context) (AttemptState, error) {
	return c.transition(ctx, "retry")
}

func (c *Client) transition(ctx context.Context, op string) (AttemptState, error) {
	var resp AttemptState
	err := c.do(ctx, http.MethodPost, "attempt/"+op, nil, &resp)
	return resp, err
}

// Analyze starts the analysis. With wait set the call returns once the
// result has landed; otherwise poll Attempt until Busy clears.
func (c *Client) Analyze(ctx context.Context, wait bool) (Analysis, error) {
	endpoint := "attempt/analyze"
	if wait {
		endpoint += "?wait=true"
	}
	var resp Analysis
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Exit abandons the live attempt.
func (c *Client) Exit(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "attempt", nil, nil)
}

// Report downloads the PDF of a successful attempt and its file name.
func (c *Client) Report(ctx context.Context) ([]byte, string, error) {
	resp, err := c.send(ctx, http.MethodGet, "attempt/report", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	name := "report.pdf"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return data, name, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
