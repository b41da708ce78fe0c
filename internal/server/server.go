// Package server assembles the orchestrator from its parts: stores, the
// event pipeline, git mirrors, the container runtime, the session manager,
// and the HTTP/gRPC surfaces. New builds everything or fails; Run serves
// until the context ends or a listener dies.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/branchbox/branchbox/internal/api"
	"github.com/branchbox/branchbox/internal/auth"
	"github.com/branchbox/branchbox/internal/config"
	"github.com/branchbox/branchbox/internal/events"
	"github.com/branchbox/branchbox/internal/gitcreds"
	"github.com/branchbox/branchbox/internal/gitmirror"
	"github.com/branchbox/branchbox/internal/limits"
	"github.com/branchbox/branchbox/internal/metrics"
	"github.com/branchbox/branchbox/internal/permissions"
	"github.com/branchbox/branchbox/internal/recording"
	"github.com/branchbox/branchbox/internal/recording/kms"
	"github.com/branchbox/branchbox/internal/runtime"
	"github.com/branchbox/branchbox/internal/session"
	storepkg "github.com/branchbox/branchbox/internal/store"
	"github.com/branchbox/branchbox/internal/store/composite"
	"github.com/branchbox/branchbox/internal/store/jsonl"
	otelstore "github.com/branchbox/branchbox/internal/store/otel"
	"github.com/branchbox/branchbox/internal/store/sqlite"
	"github.com/branchbox/branchbox/internal/store/webhook"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener

	grpcServer *grpc.Server
	grpcLn     net.Listener

	store    *composite.Store
	broker   *events.Broker
	mirrors  *gitmirror.Service
	runtime  *runtime.DockerRuntime
	sessions *session.Manager
	perms    *permissions.Provider
	keys     kms.Provider

	watchGrants     bool
	healthInterval  time.Duration
	cleanupInterval time.Duration
}

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	// Parse every duration knob before opening anything so a config typo
	// never leaves half-built resources behind.
	readTimeout, err := config.ParseDuration(cfg.Server.HTTP.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.Server.HTTP.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.write_timeout: %w", err)
	}
	cloneTimeout, err := config.ParseDuration(cfg.Mirrors.CloneTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse mirrors.clone_timeout: %w", err)
	}
	fetchTimeout, err := config.ParseDuration(cfg.Mirrors.FetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse mirrors.fetch_timeout: %w", err)
	}
	idleTimeout, err := config.ParseDuration(cfg.Sessions.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse sessions.idle_timeout: %w", err)
	}
	stopTimeout, err := config.ParseDuration(cfg.Sessions.StopTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse sessions.stop_timeout: %w", err)
	}
	startTimeout, err := config.ParseDuration(cfg.Sessions.StartTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse sessions.start_timeout: %w", err)
	}
	cleanupInterval, err := config.ParseDuration(cfg.Sessions.CleanupInterval)
	if err != nil {
		return nil, fmt.Errorf("parse sessions.cleanup_interval: %w", err)
	}
	healthInterval, err := config.ParseDuration(cfg.Health.Interval)
	if err != nil {
		return nil, fmt.Errorf("parse health.interval: %w", err)
	}
	probeTimeout, err := config.ParseDuration(cfg.Health.ProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse health.probe_timeout: %w", err)
	}
	credsTTL, err := config.ParseDuration(cfg.GitCreds.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("parse git_credentials.cache_ttl: %w", err)
	}

	collector := metrics.New()

	db, err := sqlite.Open(cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}

	var sinks []storepkg.EventStore
	if cfg.Store.AuditLog.Path != "" {
		auditStore, err := jsonl.New(cfg.Store.AuditLog.Path, cfg.Store.AuditLog.MaxSizeMB, cfg.Store.AuditLog.MaxBackups)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sinks = append(sinks, auditStore)
	}
	if cfg.Store.Webhook.URL != "" {
		flushEvery, err := config.ParseDuration(cfg.Store.Webhook.FlushInterval)
		if err != nil {
			closeStores(db, sinks)
			return nil, fmt.Errorf("parse store.webhook.flush_interval: %w", err)
		}
		timeout, err := config.ParseDuration(cfg.Store.Webhook.Timeout)
		if err != nil {
			closeStores(db, sinks)
			return nil, fmt.Errorf("parse store.webhook.timeout: %w", err)
		}
		webhookStore, err := webhook.New(webhook.Config{
			URL:           cfg.Store.Webhook.URL,
			Headers:       cfg.Store.Webhook.Headers,
			BatchSize:     cfg.Store.Webhook.BatchSize,
			FlushInterval: flushEvery,
			Timeout:       timeout,
		})
		if err != nil {
			closeStores(db, sinks)
			return nil, err
		}
		sinks = append(sinks, webhookStore)
	}
	if cfg.Store.OTel.Enabled {
		otelStore, err := otelstore.New(context.Background(), otelstore.Config{
			Endpoint: cfg.Store.OTel.Endpoint,
			Protocol: cfg.Store.OTel.Protocol,
			Insecure: cfg.Store.OTel.Insecure,
			Headers:  cfg.Store.OTel.Headers,
		})
		if err != nil {
			closeStores(db, sinks)
			return nil, err
		}
		sinks = append(sinks, otelStore)
	}

	st := composite.New(db, sinks...)

	broker := events.NewBroker()
	// The recorder is the only writer, so wrapping its append path counts
	// each event exactly once.
	recorder := events.NewRecorder(metrics.WrapEventStore(st, collector), broker)

	creds := gitcreds.New(gitcreds.Config{
		CacheTTL: credsTTL,
		Vault: gitcreds.VaultConfig{
			Address:    cfg.GitCreds.Vault.Address,
			AuthMethod: cfg.GitCreds.Vault.AuthMethod,
			TokenFile:  cfg.GitCreds.Vault.TokenFile,
			K8sRole:    cfg.GitCreds.Vault.K8sRole,
		},
		AWS: gitcreds.AWSConfig{
			Region:  cfg.GitCreds.AWS.Region,
			RoleARN: cfg.GitCreds.AWS.RoleARN,
		},
	})

	mirrors, err := gitmirror.New(gitmirror.Options{
		Dir:          cfg.Mirrors.Dir,
		Git:          gitmirror.NewRunner(cfg.Mirrors.GitPath),
		Credentials:  creds,
		CloneTimeout: cloneTimeout,
		FetchTimeout: fetchTimeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	caps := limits.Limits{
		CPUs:         cfg.Sessions.Resources.CPUs,
		MemoryMB:     cfg.Sessions.Resources.MemoryMB,
		MemorySwapMB: cfg.Sessions.Resources.MemorySwapMB,
		PidsLimit:    cfg.Sessions.Resources.PidsLimit,
	}
	if !caps.IsZero() {
		slog.Info("session containers capped", "limits", caps.String())
	}

	rt, err := runtime.NewDockerRuntime(context.Background(), runtime.DockerOptions{
		ContainerPort: cfg.Sessions.ContainerPort,
		AdvertiseHost: cfg.Sessions.AdvertiseHost,
		StopTimeout:   stopTimeout,
		Env:           cfg.Sessions.Env,
		Limits:        caps,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var perms *permissions.Provider
	if cfg.Permissions.GrantsFile != "" {
		perms, err = permissions.Load(cfg.Permissions.GrantsFile)
		if err != nil {
			_ = rt.Close()
			_ = st.Close()
			return nil, err
		}
	}

	var keys kms.Provider
	var recordings *recording.Recorder
	if cfg.Recording.Enabled {
		keys, err = kms.NewProvider(kmsConfig(cfg.Recording.Key))
		if err != nil {
			_ = rt.Close()
			_ = st.Close()
			return nil, err
		}
		recordings = recording.New(cfg.Recording.Dir, keys)
	}

	mgr, err := session.New(session.Options{
		Runtime:             rt,
		Sessions:            st,
		Repos:               st,
		Mirrors:             mirrors,
		Events:              recorder,
		Metrics:             collector,
		Image:               cfg.Sessions.Image,
		Env:                 cfg.Sessions.Env,
		MaxSessions:         cfg.Sessions.MaxSessions,
		IdleTimeout:         idleTimeout,
		StopTimeout:         stopTimeout,
		StartTimeout:        startTimeout,
		ProbeTimeout:        probeTimeout,
		MaxConcurrentProbes: cfg.Health.MaxConcurrent,
	})
	if err != nil {
		closeAll(rt, keys, st)
		return nil, err
	}

	var apiKeys *auth.APIKeyAuth
	if strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "api_key") {
		apiKeys, err = auth.Load(cfg.Auth.APIKey.Key, cfg.Auth.APIKey.KeyFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			closeAll(rt, keys, st)
			return nil, err
		}
	}

	app := api.New(api.Options{
		Config:       cfg,
		Sessions:     mgr,
		SessionStore: st,
		Repos:        st,
		EventStore:   st,
		Mirrors:      mirrors,
		Permissions:  perms,
		Quota:        &session.EventCountQuota{Counter: st},
		Recorder:     recorder,
		Broker:       broker,
		Metrics:      collector,
		APIKeys:      apiKeys,
		Terminal:     rt,
		Recordings:   recordings,
	})

	srv := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTP.Addr,
			Handler:           app.Router(),
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
		},
		store:           st,
		broker:          broker,
		mirrors:         mirrors,
		runtime:         rt,
		sessions:        mgr,
		perms:           perms,
		keys:            keys,
		watchGrants:     cfg.Permissions.Watch,
		healthInterval:  healthInterval,
		cleanupInterval: cleanupInterval,
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		closeAll(rt, keys, st)
		return nil, err
	}
	srv.httpLn = ln

	if cfg.Server.GRPC.Enabled {
		grpcLn, grpcErr := listenGRPC(cfg)
		if grpcErr != nil {
			_ = srv.Close()
			return nil, grpcErr
		}
		gs := grpc.NewServer(
			grpc.UnaryInterceptor(api.GRPCUnaryAuthInterceptor(app)),
			grpc.StreamInterceptor(api.GRPCStreamAuthInterceptor(app)),
		)
		api.RegisterGRPC(gs, app)
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(gs, hs)

		srv.grpcLn = grpcLn
		srv.grpcServer = gs
	}

	return srv, nil
}

func closeStores(db *sqlite.Store, sinks []storepkg.EventStore) {
	_ = db.Close()
	for _, s := range sinks {
		_ = s.Close()
	}
}

func closeAll(rt *runtime.DockerRuntime, keys kms.Provider, st *composite.Store) {
	if rt != nil {
		_ = rt.Close()
	}
	if keys != nil {
		_ = keys.Close()
	}
	if st != nil {
		_ = st.Close()
	}
}

func kmsConfig(cfg config.KMSConfig) kms.Config {
	return kms.Config{
		Source:              cfg.Source,
		KeyFile:             cfg.KeyFile,
		KeyEnv:              cfg.KeyEnv,
		AWSKeyID:            cfg.AWSKeyID,
		AWSRegion:           cfg.AWSRegion,
		AWSEncryptedDEKFile: cfg.AWSEncryptedDEKFile,
		AzureVaultURL:       cfg.AzureVaultURL,
		AzureSecretName:     cfg.AzureSecretName,
		GCPKeyName:          cfg.GCPKeyName,
		GCPEncryptedDEKFile: cfg.GCPEncryptedDEKFile,
		VaultAddress:        cfg.VaultAddress,
		VaultAuthMethod:     cfg.VaultAuthMethod,
		VaultTokenFile:      cfg.VaultTokenFile,
		VaultK8sRole:        cfg.VaultK8sRole,
		VaultSecretPath:     cfg.VaultSecretPath,
		VaultKeyField:       cfg.VaultKeyField,
	}
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.HTTP.Addr
	if strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") {
		if !isLoopbackListenAddr(addr) {
			return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", addr)
		}
	}
	return net.Listen("tcp", addr)
}

func listenGRPC(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.GRPC.Addr
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") {
		if !isLoopbackListenAddr(addr) {
			return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", addr)
		}
	}
	return net.Listen("tcp", addr)
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		// If it's missing a port, treat as a hostname/IP.
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Conservative: unknown hostnames could resolve non-loopback.
	return false
}

func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconcile sessions the store believes are running against the
	// containers that actually survived the restart, before serving.
	if err := s.sessions.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	if s.watchGrants && s.perms != nil {
		go func() {
			err := s.perms.Watch(ctx, 0, func(err error) {
				if err != nil {
					slog.Warn("grants reload failed", "error", err)
					return
				}
				slog.Info("grants reloaded", "grants", s.perms.GrantCount())
			})
			if err != nil && ctx.Err() == nil {
				slog.Warn("grants watch stopped", "error", err)
			}
		}()
	}

	if s.healthInterval > 0 {
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.healthCheckOnce(ctx)
				}
			}
		}()
	}

	if s.cleanupInterval > 0 {
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := s.sessions.CleanupInactive(ctx); n > 0 {
						slog.Info("idle sessions stopped", "count", n)
					}
				}
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.grpcServer != nil && s.grpcLn != nil {
		go func() {
			if err := s.grpcServer.Serve(s.grpcLn); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		return fmt.Errorf("server: %w", err)
	}
}

func (s *Server) healthCheckOnce(ctx context.Context) {
	unhealthy := 0
	for _, res := range s.sessions.HealthChecks(ctx) {
		if !res.Healthy {
			unhealthy++
			slog.Warn("session unhealthy", "session_id", res.SessionID, "error", res.Error)
		}
	}
	if unhealthy > 0 {
		slog.Info("health sweep done", "unhealthy", unhealthy)
	}
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.grpcLn != nil {
		_ = s.grpcLn.Close()
		s.grpcLn = nil
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
		s.grpcServer = nil
	}
	if s.runtime != nil {
		_ = s.runtime.Close()
	}
	if s.keys != nil {
		_ = s.keys.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	return nil
}

// Addr reports the bound HTTP address, useful when the config asked for
// port 0.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}
