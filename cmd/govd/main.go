package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"coreos/pkg/audit"
	"coreos/pkg/auth"
	"coreos/pkg/clock"
	"coreos/pkg/config"
	"coreos/pkg/firewall"
	"coreos/pkg/governance"
	"coreos/pkg/hardening"
	"coreos/pkg/httpx"
	"coreos/pkg/jobs"
	"coreos/pkg/metrics"
	"coreos/pkg/models"
	"coreos/pkg/noncepool"
	"coreos/pkg/policy"
	"coreos/pkg/ratelimit"
	"coreos/pkg/statebus"
	"coreos/pkg/store"
	"coreos/pkg/stream"
	"coreos/pkg/telemetry"
	"coreos/pkg/workerguard"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// backends are the optional external stores; nil means in-memory only.
type backends struct {
	DB    auditDB
	Redis *redis.Client
}

type Server struct {
	Config     config.Config
	Clock      clock.Clock
	Policy     *policy.Engine
	Governance *governance.Engine
	Audit      *audit.Logger
	Guard      *workerguard.Guard
	Signer     *workerguard.Signer
	Firewall   *firewall.Firewall
	Metrics    *metrics.Registry
	Events     *stream.Hub

	sinks   []*audit.AsyncSink
	closers []func() error
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context, config.Config) (auditDB, func(), error)
	openRedisFn     func(context.Context, config.Config) (*redis.Client, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGovd(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("govd: %v", err)
	}
}

func runGovd(
	initTelemetry func(context.Context, telemetry.Settings) (func(context.Context) error, error),
	openDB func(context.Context, config.Config) (auditDB, func(), error),
	openRedis func(context.Context, config.Config) (*redis.Client, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context, cfg config.Config) (auditDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx, store.PostgresOptions{
				DSN:        cfg.DatabaseURL,
				RequireTLS: strings.EqualFold(strings.TrimSpace(cfg.DatabaseRequireTLS), "true"),
			})
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context, cfg config.Config) (*redis.Client, func(), error) {
			client, err := store.NewRedis(ctx, store.RedisOptionsFromEnv(cfg.RedisAddr))
			if err != nil {
				return nil, nil, err
			}
			return client, func() { _ = client.Close() }, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := checkAuthMode(cfg); err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "govd",
		Environment:            cfg.Environment,
		StrictProdSecurity:     cfg.StrictProdSecurity,
		AuthMode:               cfg.AuthMode,
		DatabaseURL:            cfg.DatabaseURL,
		DatabaseRequireTLS:     cfg.DatabaseRequireTLS,
		RedisAddr:              cfg.RedisAddr,
		RedisRequireTLS:        cfg.RedisRequireTLS,
		RedisTLSInsecure:       cfg.RedisTLSInsecure,
		CORSAllowedOrigins:     cfg.CORSAllowedOrigins,
		DevHarness:             cfg.DevHarness,
		TicketKeys:             cfg.TicketPublicKeys,
		RequireTicket:          cfg.RequireTicket,
		RequiredServiceSecrets: requiredSecrets(cfg),
	}); err != nil {
		return err
	}

	if cfg.DevHarness && !harnessCompiled {
		log.Printf("govd: DEV_HARNESS ignored, binary built without the devharness tag")
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, telemetry.SettingsFromEnv("govd"))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	var b backends
	if cfg.DatabaseURL != "" {
		db, closeDB, err := openDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		if closeDB != nil {
			defer closeDB()
		}
		b.DB = db
	}
	if cfg.NonceBackend == config.BackendRedis || cfg.RateLimitBackend == config.BackendRedis {
		client, closeRedis, err := openRedis(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		if closeRedis != nil {
			defer closeRedis()
		}
		b.Redis = client
	}

	s, err := newServer(ctx, cfg, b)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	if err := s.startJobWorker(jobsCtx); err != nil {
		return err
	}

	log.Printf("govd listening on %s (env=%s auth=%s)", cfg.Addr, cfg.Environment, cfg.AuthMode)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// newServer wires the engines. Every component shares one clock, one audit
// log and one governance engine.
func newServer(ctx context.Context, cfg config.Config, b backends) (*Server, error) {
	clk := clock.System()
	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	pcfg := cfg.Policy.PolicyConfig()
	version := pcfg.Version
	if version == "" {
		version = policy.DefaultVersion
	}
	logger := audit.NewLogger(cfg.AuditCapacity, version, clk)
	logger.AddSink(hub)

	s := &Server{Config: cfg, Clock: clk, Audit: logger, Metrics: reg, Events: hub}

	if b.DB != nil {
		w := &audit.Writer{DB: b.DB, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
		s.addSink(audit.NewAsyncSink("postgres", cfg.AuditSinkQueue, 5*time.Second, w.Handler()))
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.AuditTopic})
		if err != nil {
			return nil, fmt.Errorf("audit publisher: %w", err)
		}
		s.closers = append(s.closers, pub.Close)
		s.addSink(audit.NewAsyncSink("kafka", cfg.AuditSinkQueue, 5*time.Second, func(ctx context.Context, ev audit.Event) error {
			return pub.Publish(ctx, ev.ID, ev)
		}))
	}

	gov := governance.New(cfg.Policy.Governance, clk, logger)
	gov.OnReaction(hub.PublishReaction)
	gov.OnReaction(func(e governance.ReactionLogEntry) { reg.IncReaction(e.Trigger) })
	s.Governance = gov

	fw, err := cfg.Policy.Firewall()
	if err != nil {
		return nil, err
	}
	s.Firewall = fw

	local := noncepool.New(cfg.NoncePoolCapacity, clk)
	executed := noncepool.New(cfg.NoncePoolCapacity, clk)
	var nonces, executedNonces noncepool.Checker = local, executed
	if cfg.NonceBackend == config.BackendRedis {
		if b.Redis == nil {
			return nil, errors.New("NONCE_BACKEND=redis but redis is not connected")
		}
		cache := store.NewCache(ctx, b.Redis)
		nonces = noncepool.NewRedis(cache, cfg.NonceTTL, local)
		shared := noncepool.NewRedis(cache, cfg.NonceTTL, executed)
		shared.Prefix = "coreos:executed:"
		executedNonces = shared
	}
	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == config.BackendRedis {
		if b.Redis == nil {
			return nil, errors.New("RATE_LIMIT_BACKEND=redis but redis is not connected")
		}
		limiter = ratelimit.NewRedis(b.Redis, pcfg.Window)
	}

	s.Policy = policy.New(pcfg, policy.Deps{
		Firewall:   fw,
		Nonces:     nonces,
		Limiter:    limiter,
		Audit:      logger,
		Violations: gov,
		Modes:      gov,
		Metrics:    reg,
		Clock:      clk,
	})

	keys, err := workerguard.ParseKeySet(cfg.TicketPublicKeys)
	if err != nil {
		return nil, fmt.Errorf("TICKET_PUBLIC_KEYS: %w", err)
	}
	if cfg.TicketSigningKey != "" {
		key, err := parseSigningKey(cfg.TicketSigningKey)
		if err != nil {
			return nil, fmt.Errorf("TICKET_SIGNING_KEY: %w", err)
		}
		signer := workerguard.NewSigner(cfg.TicketSigningKeyID, key, cfg.TicketTTL)
		signer.Clock = clk
		s.Signer = signer
		if _, ok := keys[cfg.TicketSigningKeyID]; !ok {
			keys[cfg.TicketSigningKeyID] = key.Public().(ed25519.PublicKey)
		}
	}
	if cfg.RequireTicket && len(keys) == 0 {
		return nil, errors.New("WORKER_REQUIRE_TICKET=true needs TICKET_PUBLIC_KEYS or TICKET_SIGNING_KEY")
	}
	s.Guard = workerguard.New(workerguard.Config{Keys: keys, RequireTicket: cfg.RequireTicket}, workerguard.Deps{
		Modes:    gov,
		Scopes:   fw,
		Audit:    logger,
		Metrics:  reg,
		Clock:    clk,
		Executed: executedNonces,
	})
	return s, nil
}

func (s *Server) addSink(sink *audit.AsyncSink) {
	s.sinks = append(s.sinks, sink)
	s.Audit.AddSink(sink)
}

// startJobWorker consumes job envelopes when kafka and a result secret are
// configured.
func (s *Server) startJobWorker(ctx context.Context) error {
	cfg := s.Config
	if len(cfg.KafkaBrokers) == 0 || cfg.WorkerHMACSecret == "" {
		return nil
	}
	consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.JobsTopic,
		GroupID: cfg.KafkaGroupID,
	})
	if err != nil {
		return fmt.Errorf("jobs consumer: %w", err)
	}
	results, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.ResultsTopic})
	if err != nil {
		_ = consumer.Close()
		return fmt.Errorf("jobs results publisher: %w", err)
	}
	s.closers = append(s.closers, consumer.Close, results.Close)
	w := jobs.NewWorker(jobs.WorkerConfig{
		ID:     cfg.WorkerID,
		Secret: []byte(cfg.WorkerHMACSecret),
		Rate:   cfg.WorkerRate,
		Burst:  cfg.WorkerBurst,
	}, s.Guard, jobs.NewDispatcher(s.Clock), s.Clock, s.Metrics)
	go func() {
		if err := w.Run(ctx, consumer, results); err != nil {
			log.Printf("jobs worker stopped: %v", err)
		}
	}()
	return nil
}

// Close drains the audit sinks, then closes bus clients.
func (s *Server) Close(ctx context.Context) {
	for _, sink := range s.sinks {
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := sink.Close(drainCtx); err != nil {
			log.Printf("audit sink close: %v", err)
		}
		cancel()
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Printf("govd close: %v", err)
		}
	}
}

func (s *Server) Routes() http.Handler {
	cfg := s.Config
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CorrelationMiddleware)
	r.Use(telemetry.HTTPMiddleware("govd"))
	r.Use(s.observe)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "govd"})
	})

	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authMw := auth.Middleware(
		cfg.AuthMode,
		cfg.JWTSecret,
		auth.WithJWKS(cfg.JWKSURL),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAudience(cfg.JWTAudience),
		auth.WithTimeout(authTimeout),
		auth.WithDevRole(models.Role(cfg.AuthDevRole)),
	)
	api := chi.NewRouter()
	api.Use(authMw)
	api.Post("/policy/evaluate", s.evaluate)
	api.With(auth.RequireRole(models.RoleAdmin)).Post("/worker/verify", s.verifyExecution)
	api.Group(func(owner chi.Router) {
		owner.Use(auth.RequireOwner)
		owner.Get("/policy/status", s.policyStatus)
		owner.Get("/policy/evidence", s.evidencePack)
		owner.Get("/governance/status", s.governanceStatus)
		owner.Post("/governance/override", s.override)
		owner.Post("/governance/integrity", s.integrity)
		owner.Post("/governance/ledger-parity", s.ledgerParity)
		owner.Get("/v1/stream", s.streamEvents)
		owner.Get("/metrics", s.metricsJSON)
		owner.Get("/metrics/prometheus", s.metricsPrometheus)
		mountHarness(owner, s)
	})
	r.Mount("/", api)
	return r
}

// observe records latency and status per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.Observe(path, status, time.Since(start))
	})
}

func checkAuthMode(cfg config.Config) error {
	if !strings.EqualFold(cfg.AuthMode, "off") {
		return nil
	}
	if hardening.IsProductionLike(cfg.Environment) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if !isExplicitNonProductionEnv(cfg.Environment) && !isTestBinaryProcess() {
		return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
	return nil
}

func requiredSecrets(cfg config.Config) []hardening.EnvRequirement {
	switch cfg.AuthMode {
	case "hs256", "oidc_hs256":
		return []hardening.EnvRequirement{{Name: "JWT_SECRET", Value: cfg.JWTSecret}}
	case "rs256", "oidc_rs256":
		return []hardening.EnvRequirement{{Name: "OIDC_JWKS_URL", Value: cfg.JWKSURL}}
	}
	return nil
}

// parseSigningKey accepts a base64 ed25519 seed or full private key.
func parseSigningKey(raw string) (ed25519.PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("want %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
