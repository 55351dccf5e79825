package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prototypia/internal/asset"
	"prototypia/internal/catalog"
	"prototypia/internal/domain"
	"prototypia/internal/engine"
	"prototypia/internal/kv"
	"prototypia/internal/report"
	"prototypia/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sessions *engine.Sessions
	Assets   *asset.Ingestor
	BasePath string
	Auth     AuthConfig
	// Gatherer backs /metrics; nil means the global registry.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_blocked"`
	Message string         `json:"message" example:"cannot advance from ideation: missing sketch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"sketch\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mission API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Repo == nil || cfg.Engine.Catalog == nil {
		return nil, errors.New("server needs an engine with a repo and a catalog")
	}
	if cfg.Assets == nil {
		return nil, errors.New("server needs an asset ingestor")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = engine.NewSessions()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Prototypia API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerSession(group, cfg)
	registerMe(group, cfg.Engine)
	registerAttempts(group, cfg)
	registerReport(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var gate *engine.GateError
	if errors.As(err, &gate) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_blocked", msg, map[string]any{
			"step":    gate.Step.String(),
			"missing": gate.Missing,
		})
	}
	if engine.Blocked(err) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_blocked", msg, nil)
	}
	if errors.Is(err, engine.ErrAnalysisInFlight) {
		return newAPIError(http.StatusConflict, "analysis_in_flight", msg, nil)
	}
	if errors.Is(err, engine.ErrExited) {
		return newAPIError(http.StatusConflict, "attempt_exited", msg, nil)
	}
	var ioErr *asset.IOError
	if errors.As(err, &ioErr) {
		return newAPIError(http.StatusBadRequest, "asset_unreadable", msg, map[string]any{
			"kind":     string(ioErr.Kind),
			"filename": ioErr.Filename,
		})
	}
	var renderErr *report.RenderError
	if errors.As(err, &renderErr) {
		return newAPIError(http.StatusInternalServerError, "render_failed", msg, nil)
	}
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, repo.ErrNotFound),
		errors.Is(err, kv.ErrNotFound),
		errors.Is(err, engine.ErrNoSession):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidParameters),
		errors.Is(err, engine.ErrEmptyAsset),
		errors.Is(err, repo.ErrInvalidProfile),
		errors.As(err, &verrs):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for method, op := range map[string]*huma.Operation{
			http.MethodGet: item.Get, http.MethodPut: item.Put, http.MethodPost: item.Post, http.MethodDelete: item.Delete,
		} {
			if op == nil {
				continue
			}
			if publicRoute(basePath, method, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Prototypia API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Log in with POST /session, then send Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MissionDefinition `json:"body"`
	}, error) {
		return &struct {
			Body []domain.MissionDefinition `json:"body"`
		}{Body: e.Catalog.Missions()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.MissionDefinition `json:"body"`
	}, error) {
		m, err := e.Catalog.Mission(input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissionDefinition `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-materials",
		Method:      http.MethodGet,
		Path:        "/materials",
		Summary:     "List materials",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MaterialDefinition `json:"body"`
	}, error) {
		return &struct {
			Body []domain.MaterialDefinition `json:"body"`
		}{Body: e.Catalog.Materials()}, nil
	})
}

func registerSession(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "login",
		Method:        http.MethodPost,
		Path:          "/session",
		Summary:       "Log in with the onboarding profile; resets progress",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		// A new login drops the live attempt. One under analysis blocks it.
		if err := cfg.Sessions.Drop(ctx, repo.UserKey(input.Body.Email)); err != nil && !errors.Is(err, engine.ErrNoSession) {
			return nil, handleError(err)
		}
		key, profile, progress, err := e.Login(ctx, input.Body.profile())
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(cfg.Auth, key, profile.Username)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, UserKey: key, Profile: profile, Progress: progress}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodDelete,
		Path:          "/session",
		Summary:       "Log out and clear stored progress",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		key, authErr := userKeyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Sessions.Drop(ctx, key); err != nil && !errors.Is(err, engine.ErrNoSession) {
			return nil, handleError(err)
		}
		if err := e.Logout(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Profile, progress and per-mission completion",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		key, authErr := userKeyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		profile, err := e.Repo.LoadProfile(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		progress, err := e.Repo.LoadProgress(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserKey:  key,
			Profile:  profile,
			Progress: progress,
			Missions: missionStatuses(e.Catalog.Missions(), progress),
		}}, nil
	})
}

type attemptOutput struct {
	Body AttemptResponse `json:"body"`
}

func registerAttempts(api huma.API, cfg Config) {
	e := cfg.Engine
	sessions := cfg.Sessions
	attemptErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	// current resolves the caller's live attempt.
	current := func(ctx context.Context) (*engine.Session, huma.StatusError) {
		key, authErr := userKeyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := sessions.Get(key)
		if err != nil {
			return nil, handleError(err)
		}
		return s, nil
	}
	// transition runs fn against the live attempt and returns its new state.
	transition := func(ctx context.Context, fn func(s *engine.Session) error) (*attemptOutput, error) {
		s, herr := current(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := fn(s); err != nil {
			return nil, handleError(err)
		}
		return &attemptOutput{Body: attemptResponse(s)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-attempt",
		Method:        http.MethodPost,
		Path:          "/attempts",
		Summary:       "Start a mission; exits the current attempt",
		DefaultStatus: http.StatusCreated,
		Errors:        attemptErrors,
	}, func(ctx context.Context, input *struct {
		Body StartAttemptRequest `json:"body"`
	}) (*attemptOutput, error) {
		key, authErr := userKeyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		missionID := strings.TrimSpace(input.Body.MissionID)
		if missionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mission_id is required", nil)
		}
		s, err := sessions.Start(ctx, e, key, missionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &attemptOutput{Body: attemptResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attempt",
		Method:      http.MethodGet,
		Path:        "/attempt",
		Summary:     "Current attempt",
		Errors:      attemptErrors,
	}, func(ctx context.Context, _ *struct{}) (*attemptOutput, error) {
		return transition(ctx, func(*engine.Session) error { return nil })
	})

	huma.Register(api, huma.Operation{
		OperationID:   "exit-attempt",
		Method:        http.MethodDelete,
		Path:          "/attempt",
		Summary:       "Exit the current attempt",
		DefaultStatus: http.StatusNoContent,
		Errors:        attemptErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		key, authErr := userKeyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := sessions.Drop(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-ideation",
		Method:      http.MethodPut,
		Path:        "/attempt/ideation",
		Summary:     "Set the ideation answers",
		Errors:      attemptErrors,
	}, func(ctx context.Context, input *struct {
		Body IdeationRequest `json:"body"`
	}) (*attemptOutput, error) {
		return transition(ctx, func(s *engine.Session) error {
			b := input.Body
			return s.SetIdeationText(b.UserAnalysis, b.ContextAnalysis, b.IdeaDescription)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-asset",
		Method:      http.MethodPut,
		Path:        "/attempt/assets/{kind}",
		Summary:     "Upload a sketch, model or slicer screenshot",
		Errors:      attemptErrors,
	}, func(ctx context.Context, input *struct {
		Kind string       `path:"kind" enum:"sketch,model,screenshot"`
		Body AssetRequest `json:"body"`
	}) (*attemptOutput, error) {
		kind, err := asset.ParseKind(input.Kind)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return transition(ctx, func(s *engine.Session) error {
			ref, err := cfg.Assets.Read(ctx, kind, input.Body.Filename, bytes.NewReader(input.Body.Data))
			if err != nil {
				return err
			}
			return s.Attach(kind, ref)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-parameters",
		Method:      http.MethodPut,
		Path:        "/attempt/parameters",
		Summary:     "Set the print parameters",
		Errors:      attemptErrors,
	}, func(ctx context.Context, input *struct {
		Body domain.PrintParameters `json:"body"`
	}) (*attemptOutput, error) {
		return transition(ctx, func(s *engine.Session) error { return s.SetParameters(input.Body) })
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-slicing",
		Method:      http.MethodPut,
		Path:        "/attempt/slicing",
		Summary:     "Confirm the slicing review",
		Errors:      attemptErrors,
	}, func(ctx context.Context, input *struct {
		Body SlicingRequest `json:"body"`
	}) (*attemptOutput, error) {
		return transition(ctx, func(s *engine.Session) error { return s.ConfirmSlicing(input.Body.Confirmed) })
	})

	for _, op := range []struct {
		id, summary string
		fn          func(s *engine.Session) error
	}{
		{"advance", "Move to the next step", (*engine.Session).Advance},
		{"retreat", "Move to the previous step", (*engine.Session).Retreat},
		{"retry", "Return a failed result to the parameters step", (*engine.Session).RetryFromResult},
	} {
		huma.Register(api, huma.Operation{
			OperationID: op.id + "-attempt",
			Method:      http.MethodPost,
			Path:        "/attempt/" + op.id,
			Summary:     op.summary,
			Errors:      attemptErrors,
		}, func(ctx context.Context, _ *struct{}) (*attemptOutput, error) {
			return transition(ctx, op.fn)
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "analyze-attempt",
		Method:      http.MethodPost,
		Path:        "/attempt/analyze",
		Summary:     "Run the print analysis; 202 unless wait is set",
		Errors:      attemptErrors,
	}, func(ctx context.Context, input *struct {
		Wait bool `query:"wait" doc:"Block until the result lands"`
	}) (*struct {
		Status int
		Body   AnalyzeResponse `json:"body"`
	}, error) {
		s, herr := current(ctx)
		if herr != nil {
			return nil, herr
		}
		ch, err := s.Analyze(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   AnalyzeResponse `json:"body"`
		}{Status: http.StatusAccepted}
		if input.Wait {
			res, err := engine.Wait(ctx, ch)
			if err != nil {
				return nil, handleError(err)
			}
			out.Status = http.StatusOK
			out.Body.Change = &res.Change
			out.Body.Progress = &res.Progress
		}
		out.Body.Attempt = attemptResponse(s)
		return out, nil
	})
}

func registerReport(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "attempt-report",
		Method:      http.MethodGet,
		Path:        "/attempt/report",
		Summary:     "Download the PDF report of a successful attempt",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		key, authErr := userKeyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := cfg.Sessions.Get(key)
		if err != nil {
			return nil, handleError(err)
		}
		profile, err := e.Repo.LoadProfile(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		pdf, name, err := s.Report(ctx, profile)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/pdf",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
			Body:               pdf,
		}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
