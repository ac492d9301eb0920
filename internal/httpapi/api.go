// Package httpapi exposes the gateway over HTTP: resource reads, actions, the
// secret admin surface and signed inbound callbacks.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpgate.org/internal/action"
	"mcpgate.org/internal/apperr"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/obs"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/secrets"
	"mcpgate.org/internal/signing"
)

const serviceName = "mcpgate"

// Pinger is implemented by both store backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks that the backing store answers.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the domain components the API dispatches to.
type Services struct {
	Auth      *auth.Builder
	Resources *resource.Gateway
	Actions   *action.Gateway
	Secrets   *secrets.Manager
	Callbacks *signing.Validator
	Recorder  *audit.Recorder
}

// Options tune the outer middleware.
type Options struct {
	Version            string
	Ready              readinessChecker
	RateBurst          int
	RatePerSec         int
	MaxBodyBytes       int64
	CORSAllowedOrigins []string
}

// API is the HTTP layer.
type API struct {
	router chi.Router

	auth      *auth.Builder
	resources *resource.Gateway
	actions   *action.Gateway
	secrets   *secrets.Manager
	callbacks *signing.Validator
	recorder  *audit.Recorder

	ready   readinessChecker
	version string
	opts    Options
}

// New wires the routes. Zero-valued limits fall back to the config defaults.
func New(svc Services, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if svc.Recorder == nil {
		svc.Recorder = audit.NewRecorder(nil)
	}

	a := &API{
		auth:      svc.Auth,
		resources: svc.Resources,
		actions:   svc.Actions,
		secrets:   svc.Secrets,
		callbacks: svc.Callbacks,
		recorder:  svc.Recorder,
		ready:     opts.Ready,
		version:   opts.Version,
		opts:      opts,
	}

	r := chi.NewRouter()
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", a.Health)
	r.Get("/readyz", a.Ready)
	r.Get("/manifest", a.Manifest)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.Post("/callbacks/{provider}", a.Callback)

	r.Group(func(r chi.Router) {
		r.Use(a.withCaller)

		r.Get("/resources/{type}", a.ListResources)
		r.Get("/resources/{type}/{id}", a.GetResource)
		r.Post("/actions/{action}", a.ExecuteAction)

		r.Route("/admin-mcp-secrets", func(r chi.Router) {
			r.Get("/", a.ListSecrets)
			r.Post("/create", a.CreateSecret)
			r.Post("/rotate", a.RotateSecret)
			r.Post("/deactivate/{id}", a.DeactivateSecret)
			r.Post("/reveal", a.RevealSecret)
			r.Post("/test/ping", a.PingWorkflow)
			r.Post("/test/verify-callback", a.VerifyCallback)
			r.Get("/health", a.SecretHealth)
		})
	})

	a.router = r
	return a
}

// Handler returns the router wrapped in the outer middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = LoggingJSON(h)
	h = obs.Instrument(h)
	h = obs.Trace(serviceName, h)
	h = CORS(h, a.opts.CORSAllowedOrigins)
	h = SecurityHeaders(h)
	h = Recoverer(h)
	return RequestID(h)
}

// Health reports liveness plus the store check; it never requires auth.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	store := "ok"
	status := "ok"
	if err := a.ready.Check(ctx); err != nil {
		store = "unavailable"
		status = "degraded"
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"status":  status,
		"service": serviceName,
		"version": a.version,
		"checks":  map[string]string{"store": store},
		"time":    time.Now().UTC().Format(time.RFC3339),
	}, nil)
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeEnvelope(w, r, http.StatusServiceUnavailable, envelope{
			Error: &errorBody{Code: apperr.CodeInternal, Message: "store unavailable"},
		})
		return
	}
	obs.SetReady(true)
	writeData(w, r, http.StatusOK, map[string]any{"status": "ready"}, nil)
}

// Manifest describes what a tool-calling client may invoke.
func (a *API) Manifest(w http.ResponseWriter, r *http.Request) {
	var actions []string
	if a.actions != nil {
		actions = a.actions.Names()
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"name":           serviceName,
		"version":        a.version,
		"resource_types": resource.TypeNames(),
		"actions":        actions,
		"required_headers": []string{
			auth.HeaderAuthorization,
			auth.HeaderTenantID,
			auth.HeaderUserID,
		},
		"optional_headers": []string{
			auth.HeaderRequestID,
			auth.HeaderIdempotencyKey,
		},
		"pagination": map[string]any{
			"default_limit": resource.DefaultLimit,
			"max_limit":     resource.MaxLimit,
		},
	}, nil)
}
