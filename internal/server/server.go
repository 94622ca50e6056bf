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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"taskhub/internal/cache"
	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
)

const (
	msgValidation      = "Validation failed"
	msgForbidden       = "Forbidden: You do not have permission to perform this action."
	msgUnauthenticated = "Unauthenticated: You must be logged in to perform this action."
	msgNotFound        = "Resource not found"
	msgUnexpected      = "Something went wrong"

	// maxBodyBytes caps every request body, matching huma's per-operation default.
	maxBodyBytes = 1 << 20
)

// Credentials is the credential store the boundary signs users in with.
type Credentials interface {
	Authenticator
	Register(ctx context.Context, in auth.RegisterInput) (auth.Session, error)
	Login(ctx context.Context, in auth.LoginInput) (auth.Session, error)
	Logout(ctx context.Context, actor domain.Actor) error
}

// StatsSource reports cache counters for the health endpoint.
type StatsSource interface {
	Stats() cache.StatsSnapshot
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Auth     Credentials
	Cache    StatsSource
	BasePath string
	// Debug exposes error details in 500 responses.
	Debug bool
	// AuthRateLimit is requests per minute per client on /auth endpoints; 0 disables it.
	AuthRateLimit int
	Log           logrus.FieldLogger
}

type server struct {
	engine engine.Engine
	auth   Credentials
	cache  StatsSource
	debug  bool
	log    logrus.FieldLogger
}

type bodyBytesKey struct{}

// apiError is the failure form of the response envelope.
type apiError struct {
	status  int
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    any                 `json:"data"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the task API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Auth == nil {
		return nil, errors.New("server: credential store required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &server{engine: cfg.Engine, auth: cfg.Auth, cache: cfg.Cache, debug: cfg.Debug, log: log}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the response envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return humaError(status, msg, errs)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return humaError(status, msg, errs)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(accessLog(log))
	router.Use(recoverer(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "Request body too large", nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "Could not read request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthRateLimit(basePath, cfg.AuthRateLimit))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, log))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, msgNotFound, nil))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusMethodNotAllowed, "Method not allowed", nil))
	})

	hcfg := huma.DefaultConfig("taskhub API", "1.0.0")
	hcfg.OpenAPIPath = "" // served below under the base path
	hcfg.DocsPath = ""    // custom Swagger UI below
	hcfg.SchemasPath = ""
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, s)
	registerAuth(group, s)
	registerTasks(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, message string, fields map[string][]string) huma.StatusError {
	return &apiError{status: status, Message: message, Errors: fields}
}

// humaError shapes errors raised by request parsing and schema validation.
func humaError(status int, msg string, errs []error) huma.StatusError {
	if status != http.StatusUnprocessableEntity {
		if msg == "" {
			msg = http.StatusText(status)
		}
		return newAPIError(status, msg, nil)
	}
	fields := map[string][]string{}
	for _, err := range errs {
		var detail *huma.ErrorDetail
		if errors.As(err, &detail) {
			key := detail.Location
			for _, prefix := range []string{"body.", "query.", "path.", "header."} {
				key = strings.TrimPrefix(key, prefix)
			}
			if key == "" {
				key = "body"
			}
			fields[key] = append(fields[key], detail.Message)
			continue
		}
		fields["body"] = append(fields["body"], err.Error())
	}
	if len(fields) == 0 {
		fields["body"] = []string{msg}
	}
	return newAPIError(http.StatusUnprocessableEntity, msgValidation, fields)
}

func (s *server) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve domain.ValidationError
		ae domain.AuthorizationError
		ce domain.ConflictError
		ne domain.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, msgValidation, ve.Fields)
	case errors.As(err, &ae):
		if len(ae.Fields) > 0 {
			return newAPIError(http.StatusForbidden, ae.Error(), nil)
		}
		return newAPIError(http.StatusForbidden, msgForbidden, nil)
	case errors.As(err, &ce):
		return newAPIError(http.StatusUnprocessableEntity, ce.Message, nil)
	case errors.As(err, &ne):
		return newAPIError(http.StatusNotFound, msgNotFound, nil)
	case errors.Is(err, domain.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, msgUnauthenticated, nil)
	}
	s.log.WithError(err).WithField("request_id", middleware.GetReqID(ctx)).Error("request failed")
	if s.debug {
		return newAPIError(http.StatusInternalServerError, err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, msgUnexpected, nil)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>taskhub API Docs</title>
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
      Register or log in under /auth, then authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*envelopeOutput[HealthResponse], error) {
		res := HealthResponse{Status: "ok"}
		if s.cache != nil {
			stats := s.cache.Stats()
			res.Cache = &stats
		}
		return ok("OK", res), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func registerInput(b RegisterRequest) auth.RegisterInput {
	return auth.RegisterInput{
		Name:                 b.Name,
		Email:                b.Email,
		Password:             b.Password,
		PasswordConfirmation: b.PasswordConfirmation,
		Role:                 domain.Role(b.Role),
	}
}

func loginInput(b LoginRequest) auth.LoginInput {
	return auth.LoginInput{Email: b.Email, Password: b.Password}
}
