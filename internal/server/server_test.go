package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"prototypia/internal/app"
	"prototypia/internal/domain"
	"prototypia/internal/metrics"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func newTestServer(t *testing.T, after func(time.Duration) <-chan time.Time) (*testServer, func()) {
	t.Helper()
	reg := prometheus.NewRegistry()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Logger:    log.New(io.Discard, "", 0),
		Metrics:   metrics.MustNewMetrics(reg),
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	a.Engine.After = after
	handler, err := New(Config{
		Engine:   a.Engine,
		Assets:   a.Assets,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", Logger: log.New(io.Discard, "", 0)},
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func login(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/session", map[string]any{
		"username": "José Pérez",
		"email":    "jose@example.edu",
		"major":    "Ingeniería Mecánica",
		"course":   "Fabricación Digital",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" || out.Progress.XP != 0 {
		t.Fatalf("unexpected login response %s", string(data))
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func decodeAttempt(t *testing.T, data []byte) AttemptResponse {
	t.Helper()
	var out AttemptResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal attempt: %v (%s)", err, string(data))
	}
	return out
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestCatalogIsPublicAndAttemptsNeedAToken(t *testing.T) {
	srv, cleanup := newTestServer(t, immediate)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("missions status %d: %s", res.StatusCode, string(data))
	}
	var missions []domain.MissionDefinition
	if err := json.Unmarshal(data, &missions); err != nil || len(missions) != 3 {
		t.Fatalf("expected 3 missions, got %d (%v)", len(missions), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/m99", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestLoginRejectsInvalidProfile(t *testing.T) {
	srv, cleanup := newTestServer(t, immediate)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/session", map[string]any{
		"username": "ana",
		"email":    "not-an-email",
		"major":    "Diseño",
		"course":   "Prototipado",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestMissionFlowEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t, immediate)
	defer cleanup()
	client := srv.Client()
	auth := login(t, srv)
	url := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodPost, url+"/attempts", map[string]any{"mission_id": "m01"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if st := decodeAttempt(t, data); st.Step != "briefing" || st.StepIndex != 1 || st.StepCount != 6 {
		t.Fatalf("unexpected start state %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/attempt/advance", nil, auth)
	if res.StatusCode != http.StatusOK || decodeAttempt(t, data).Step != "ideation" {
		t.Fatalf("advance to ideation: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/attempt/advance", nil, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected blocked ideation, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "validation_blocked" || e.Details["missing"] == nil {
		t.Fatalf("unexpected block envelope %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPut, url+"/attempt/assets/sketch", map[string]any{
		"filename": "boceto.png",
		"data":     []byte("esto no es una imagen"),
	}, auth)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "asset_unreadable" {
		t.Fatalf("expected asset_unreadable, got %d %s", res.StatusCode, string(data))
	}

	steps := []struct {
		method, path string
		body         any
	}{
		{http.MethodPut, "/attempt/ideation", map[string]any{
			"user_analysis":    "Estudiantes con mochilas pesadas",
			"context_analysis": "Aulas sin ganchos",
			"idea_description": "Un gancho plegable para el pupitre",
		}},
		{http.MethodPut, "/attempt/assets/sketch", map[string]any{"filename": "boceto.png", "data": pngBytes(t)}},
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPut, "/attempt/assets/model", map[string]any{"filename": "gancho.stl", "data": []byte("solid gancho\nendsolid gancho\n")}},
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPut, "/attempt/parameters", map[string]any{
			"material": "PLA", "layer_height": 0.2, "infill": 20, "print_speed": 50, "supports": false, "bed_adhesion": "brim",
		}},
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPut, "/attempt/slicing", map[string]any{"confirmed": true}},
		{http.MethodPut, "/attempt/assets/screenshot", map[string]any{"filename": "laminado.png", "data": pngBytes(t)}},
	}
	for _, step := range steps {
		res, data := doJSON(t, client, step.method, url+step.path, step.body, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s %s status %d: %s", step.method, step.path, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/attempt/advance", nil, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("advance from slicing should point at analyze, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/attempt/analyze?wait=true", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var analyzed AnalyzeResponse
	if err := json.Unmarshal(data, &analyzed); err != nil {
		t.Fatalf("unmarshal analyze: %v", err)
	}
	result := analyzed.Attempt.Attempt.Result
	if analyzed.Attempt.Step != "result" || result == nil || !result.PrintSuccessful || result.Score != 200 {
		t.Fatalf("unexpected analysis %s", string(data))
	}
	if analyzed.Progress == nil || analyzed.Progress.XP != 200 || analyzed.Change == nil || analyzed.Change.Delta != 200 {
		t.Fatalf("unexpected progress %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/attempt/retry", nil, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("retry after success should be blocked, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, url+"/attempt/report", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("report is not a PDF")
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "Reporte_Proyecto_m01_Jose_Perez.pdf") {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	res, data = doJSON(t, client, http.MethodGet, url+"/me", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Progress.XP != 200 || !me.Missions[0].Completed || me.Missions[0].BestScore != 200 || me.Missions[1].Completed {
		t.Fatalf("unexpected dashboard %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, url+"/attempt", nil, auth)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("exit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, url+"/attempt", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected no attempt after exit, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "prototypia_xp_awarded_total 200") {
		t.Fatalf("metrics missing xp counter: %d %s", res.StatusCode, string(data))
	}
}

// driveToSlicing starts missionID and fills every step up to a confirmed
// slicing review.
func driveToSlicing(t *testing.T, srv *testServer, auth map[string]string, missionID string) {
	t.Helper()
	client := srv.Client()
	url := srv.URL + "/v0"
	res, data := doJSON(t, client, http.MethodPost, url+"/attempts", map[string]any{"mission_id": missionID}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	for _, step := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPut, "/attempt/ideation", map[string]any{"user_analysis": "u", "context_analysis": "c", "idea_description": "i"}},
		{http.MethodPut, "/attempt/assets/sketch", map[string]any{"filename": "b.png", "data": pngBytes(t)}},
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPut, "/attempt/assets/model", map[string]any{"filename": "m.stl", "data": []byte("solid m")}},
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPost, "/attempt/advance", nil},
		{http.MethodPut, "/attempt/slicing", map[string]any{"confirmed": true}},
		{http.MethodPut, "/attempt/assets/screenshot", map[string]any{"filename": "s.png", "data": pngBytes(t)}},
	} {
		res, data := doJSON(t, client, step.method, url+step.path, step.body, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s %s status %d: %s", step.method, step.path, res.StatusCode, string(data))
		}
	}
}

func TestAnalysisInFlightBlocksTransitions(t *testing.T) {
	release := make(chan time.Time)
	srv, cleanup := newTestServer(t, func(time.Duration) <-chan time.Time { return release })
	defer cleanup()
	client := srv.Client()
	auth := login(t, srv)
	url := srv.URL + "/v0"

	driveToSlicing(t, srv, auth, "m02")

	res, data := doJSON(t, client, http.MethodPost, url+"/attempt/analyze", nil, auth)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var pending AnalyzeResponse
	if err := json.Unmarshal(data, &pending); err != nil || !pending.Attempt.Busy {
		t.Fatalf("expected busy attempt: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/attempt/retreat", nil, auth)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "analysis_in_flight" {
		t.Fatalf("expected analysis_in_flight, got %d %s", res.StatusCode, string(data))
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, url+"/attempt", nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get attempt status %d: %s", res.StatusCode, string(data))
		}
		st := decodeAttempt(t, data)
		if !st.Busy {
			if st.Step != "result" || st.Attempt.Result == nil {
				t.Fatalf("analysis did not land: %s", string(data))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis still running")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoginWaitsForAnalysisInFlight(t *testing.T) {
	release := make(chan time.Time)
	srv, cleanup := newTestServer(t, func(time.Duration) <-chan time.Time { return release })
	defer cleanup()
	client := srv.Client()
	auth := login(t, srv)
	url := srv.URL + "/v0"

	driveToSlicing(t, srv, auth, "m01")
	res, data := doJSON(t, client, http.MethodPost, url+"/attempt/analyze", nil, auth)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/session", map[string]any{
		"username": "José Pérez",
		"email":    "jose@example.edu",
		"major":    "Ingeniería Mecánica",
		"course":   "Fabricación Digital",
	}, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "analysis_in_flight" {
		t.Fatalf("expected analysis_in_flight, got %d %s", res.StatusCode, string(data))
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, url+"/attempt", nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get attempt status %d: %s", res.StatusCode, string(data))
		}
		if !decodeAttempt(t, data).Busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis still running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	auth = login(t, srv)
	res, data = doJSON(t, client, http.MethodGet, url+"/attempt", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected no live attempt after login, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, url+"/me", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Progress.XP != 0 || len(me.Progress.CompletedMissions) != 0 {
		t.Fatalf("login did not reset progress: %s", string(data))
	}
}
