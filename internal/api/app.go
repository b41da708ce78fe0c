// Package api exposes the session and mirror operations over HTTP and
// grpc: a chi router with JSON handlers, an SSE event stream, and a
// websocket terminal proxy. Handlers are thin — they decode, run the
// permission gates, and delegate to the session manager and mirror
// service.
package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/branchbox/branchbox/internal/auth"
	"github.com/branchbox/branchbox/internal/config"
	"github.com/branchbox/branchbox/internal/events"
	"github.com/branchbox/branchbox/internal/gitmirror"
	"github.com/branchbox/branchbox/internal/metrics"
	"github.com/branchbox/branchbox/internal/permissions"
	"github.com/branchbox/branchbox/internal/recording"
	"github.com/branchbox/branchbox/internal/runtime"
	"github.com/branchbox/branchbox/internal/session"
	"github.com/branchbox/branchbox/internal/store"
	"github.com/branchbox/branchbox/pkg/ratelimit"
)

const defaultMaxRequestSize = 1 << 20

type App struct {
	cfg        *config.Config
	sessions   *session.Manager
	sessStore  store.SessionStore
	repos      store.RepositoryStore
	eventStore store.EventStore
	mirrors    *gitmirror.Service
	perms      *permissions.Provider
	quota      session.QuotaPolicy
	recorder   *events.Recorder
	broker     *events.Broker
	metrics    *metrics.Collector
	apiKeys    *auth.APIKeyAuth
	terminal   runtime.TerminalRuntime
	recordings *recording.Recorder
	limiter    *ratelimit.Keyed

	maxRequestSize int64
}

// Options carries the App's collaborators. Config, Sessions, SessionStore,
// Repos, EventStore, Mirrors, Recorder, and Broker are required; the rest
// degrade gracefully when nil (no metrics, no grants, no quota, no
// terminal support, no recording).
type Options struct {
	Config       *config.Config
	Sessions     *session.Manager
	SessionStore store.SessionStore
	Repos        store.RepositoryStore
	EventStore   store.EventStore
	Mirrors      *gitmirror.Service
	Permissions  *permissions.Provider
	Quota        session.QuotaPolicy
	Recorder     *events.Recorder
	Broker       *events.Broker
	Metrics      *metrics.Collector
	APIKeys      *auth.APIKeyAuth
	Terminal     runtime.TerminalRuntime
	Recordings   *recording.Recorder
}

func New(opts Options) *App {
	a := &App{
		cfg:            opts.Config,
		sessions:       opts.Sessions,
		sessStore:      opts.SessionStore,
		repos:          opts.Repos,
		eventStore:     opts.EventStore,
		mirrors:        opts.Mirrors,
		perms:          opts.Permissions,
		quota:          opts.Quota,
		recorder:       opts.Recorder,
		broker:         opts.Broker,
		metrics:        opts.Metrics,
		apiKeys:        opts.APIKeys,
		terminal:       opts.Terminal,
		recordings:     opts.Recordings,
		maxRequestSize: defaultMaxRequestSize,
	}
	if opts.Config != nil {
		if n, err := config.ParseByteSize(opts.Config.Server.HTTP.MaxRequestSize); err == nil && n > 0 {
			a.maxRequestSize = n
		}
		if rl := opts.Config.Server.HTTP.RateLimit; rl.Enabled {
			a.limiter = ratelimit.NewKeyed(rl.RequestsPerSecond, rl.Burst)
		}
	}
	return a
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(a.logRequests)

	// Liveness and metrics stay outside auth so probes and scrapers
	// need no key.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.cfg.Metrics.Enabled && a.metrics != nil {
		path := a.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, a.metrics.Handler(metrics.HandlerOptions{
			ActiveSessions: a.sessions.ActiveCount,
			ReadyMirrors:   a.mirrors.ReadyCount,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Use(a.throttle)
		r.Use(a.limitBody)

		r.Post("/sessions", a.createSession)
		r.Get("/sessions", a.listSessions)
		r.Get("/sessions/{id}", a.getSession)
		r.Delete("/sessions/{id}", a.stopSession)
		r.Post("/sessions/{id}/heartbeat", a.heartbeatSession)
		r.Get("/sessions/{id}/events", a.streamSessionEvents)
		r.Get("/sessions/{id}/terminal", a.attachTerminal)

		r.Get("/events", a.queryEvents)

		r.Post("/repos", a.createRepository)
		r.Get("/repos", a.listRepositories)
		r.Get("/repos/{id}", a.getRepository)
		r.Delete("/repos/{id}", a.deleteRepository)
		r.Post("/repos/{id}/clone", a.cloneRepository)
		r.Post("/repos/{id}/update", a.updateRepository)
		r.Get("/repos/{id}/branches", a.listBranches)
		r.Post("/repos/{id}/branches", a.createBranch)

		r.Post("/admin/health-checks", a.runHealthChecks)
		r.Post("/admin/cleanup", a.runCleanup)
	})

	return r
}

// requireAuth gates /v1 on the configured API key. With auth type none
// only loopback callers get in; anything else must present the key in
// the configured header or as a bearer token.
func (a *App) requireAuth(next http.Handler) http.Handler {
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeys == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "api key auth enabled but no keys loaded"})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(a.apiKeys.HeaderName())
			if key == "" {
				key = bearerToken(r)
			}
			if !a.apiKeys.IsAllowed(key) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "remote access requires api_key auth"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// throttle rejects callers that exceed the configured request rate. Each
// API key gets its own bucket; callers without a key share one per remote
// host. Runs after requireAuth so only accepted callers burn tokens.
func (a *App) throttle(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow(a.callerKey(r)) {
			a.metrics.IncRateLimited()
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) callerKey(r *http.Request) string {
	if a.apiKeys != nil {
		if key := r.Header.Get(a.apiKeys.HeaderName()); key != "" {
			return key
		}
		if key := bearerToken(r); key != "" {
			return key
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *App) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.maxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
