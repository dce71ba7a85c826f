package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/anumate/control-plane/pkg/api"
	"github.com/anumate/control-plane/pkg/approvals"
	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/captokens"
	"github.com/anumate/control-plane/pkg/config"
	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/database"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/ghostrun"
	"github.com/anumate/control-plane/pkg/observability"
	"github.com/anumate/control-plane/pkg/orchestrator"
	"github.com/anumate/control-plane/pkg/plancompiler"
	"github.com/anumate/control-plane/pkg/receipts"
	"github.com/anumate/control-plane/pkg/redaction"
	"github.com/anumate/control-plane/pkg/tenancy"
	"github.com/anumate/control-plane/pkg/toolproto"
	"github.com/anumate/control-plane/pkg/wasmtool"
)

func runServer(stderr io.Writer) int {
	if err := serve(); err != nil {
		fmt.Fprintf(stderr, "anumate: %v\n", err)
		return 1
	}
	return 0
}

// stores bundles the persistence layer so memory and Postgres wiring
// produce the same shape.
type stores struct {
	registry  capsule.Registry
	audits    audit.Store
	runs      orchestrator.RunStore
	idem      orchestrator.IdempotencyStore
	approvals approvals.Store
	receipts  receipts.Store
	guard     captokens.ReplayGuard
	reports   ghostrun.ReportStore
	plans     plancompiler.PlanStore // nil without a durable backend
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "anumate-control-plane",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	secret, err := masterSecret(cfg.Crypto.SigningKeyRef, logger)
	if err != nil {
		return err
	}
	tokenSigner, err := crypto.NewDerivedSigner(secret, crypto.PurposeCapTokens)
	if err != nil {
		return err
	}
	receiptSigner, err := crypto.NewDerivedSigner(secret, crypto.PurposeReceipts)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer redisClient.Close()
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	redactor := redaction.New()
	var bus eventbus.Bus
	if redisClient != nil {
		bus = eventbus.NewRedisBus(redisClient, eventbus.RedisBusConfig{
			Retention:  time.Duration(cfg.EventBus.StreamRetentionDays) * 24 * time.Hour,
			MaxDeliver: int64(cfg.EventBus.MaxDeliver),
			DLQSubject: cfg.EventBus.DLQSubject,
		}, redactor, logger)
	} else {
		bus = eventbus.NewMemoryBus(redactor)
	}
	defer bus.Close()
	publisher := eventbus.NewPublisher(bus, "control-plane")

	st, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if redisClient != nil {
		st.guard = captokens.NewRedisReplayGuard(redisClient)
	}

	wormOpts, err := wormOptions(ctx, cfg.WORM)
	if err != nil {
		return err
	}

	tokens := captokens.NewService(tokenSigner, st.guard, st.audits,
		captokens.WithMaxTTL(time.Duration(cfg.Token.MaxTTLSeconds)*time.Second))
	approvalSvc := approvals.NewService(st.approvals, st.audits, publisher, logger,
		approvals.WithDefaultTimeout(time.Duration(cfg.Approval.DefaultDeadlineSeconds)*time.Second))

	receiptKeys := crypto.NewKeyring(receiptSigner)
	receiptOpts := append(wormOpts, receipts.WithKeyring(receiptKeys))
	receiptSvc := receipts.NewService(st.receipts, receiptSigner, st.audits, publisher, logger, receiptOpts...)
	if strings.HasPrefix(cfg.Crypto.SigningKeyRef, "file:") {
		go watchSigningKey(ctx, cfg.Crypto.SigningKeyRef, receiptKeys, logger)
	}

	compilerOpts := []plancompiler.CompilerOption{plancompiler.WithEvents(publisher)}
	if st.plans != nil {
		compilerOpts = append(compilerOpts, plancompiler.WithStore(st.plans))
	}
	compiler := plancompiler.NewCompiler(st.registry, nil, compilerOpts...)
	var plans orchestrator.PlanResolver
	if st.plans != nil {
		plans = orchestrator.NewDurableResolver(compiler.Cache(), st.plans)
	} else {
		plans = orchestrator.NewCacheResolver(compiler.Cache())
	}

	rules, err := ghostrun.NewRuleEngine(ghostrun.DefaultRules())
	if err != nil {
		return err
	}
	ghost := ghostrun.NewRunner(ghostrun.NewSimulator(nil, rules, st.reports), publisher)

	remote, closeRemote := remoteCaller(ctx, cfg, logger)
	defer closeRemote()

	wasmEngine, err := wasmtool.NewEngine(ctx, wasmtool.NewStaticResolver(), wasmtool.Config{})
	if err != nil {
		return err
	}
	defer wasmEngine.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Runs:      st.runs,
		Idem:      st.idem,
		Plans:     plans,
		Tokens:    tokens,
		Approvals: approvalSvc,
		Receipts:  receiptSvc,
		Remote:    remote,
		Wasm:      wasmEngine,
		Events:    publisher,
		Audit:     st.audits,
		Logger:    logger,
	}, orchestrator.Config{
		MaxConcurrentRunsPerTenant: cfg.Orchestrator.MaxConcurrentRunsPerTenant,
		RetryMaxAttempts:           cfg.Retry.MaxAttempts,
		RetryBaseDelay:             cfg.Retry.BaseDelay(),
		RetryMaxDelay:              cfg.Retry.MaxDelay(),
		RetryJitterRatio:           cfg.Retry.JitterRatio,
		StepTimeout:                time.Duration(cfg.ToolRuntime.TimeoutSeconds) * time.Second,
		IdempotencyTTL:             time.Duration(cfg.Idempotency.RecordTTLHours) * time.Hour,
	})

	if lister, ok := st.approvals.(approvals.TenantLister); ok {
		sweeper := approvals.NewSweeper(approvalSvc, lister, 30*time.Second, logger)
		go sweeper.Run(ctx)
	}
	go purgeIdempotency(ctx, st.idem, logger)

	server := api.NewServer(api.Services{
		Registry:  st.registry,
		Compiler:  compiler,
		Jobs:      plancompiler.NewJobRunner(compiler, 4),
		Plans:     plans,
		Ghost:     ghost,
		Orch:      orch,
		Tokens:    tokens,
		Approvals: approvalSvc,
		Receipts:  receiptSvc,
		Audits:    st.audits,
	}, nil, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	orch.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// masterSecret resolves the signing secret: "env:NAME" reads the named
// environment variable (hex), "file:PATH" reads hex from a file. An empty
// ref generates an ephemeral key, which makes receipts unverifiable after
// restart.
func masterSecret(ref string, logger *slog.Logger) ([]byte, error) {
	switch {
	case ref == "":
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warn("no signing_key_ref configured, using an ephemeral signing key")
		return secret, nil
	case strings.HasPrefix(ref, "env:"):
		v := os.Getenv(strings.TrimPrefix(ref, "env:"))
		if v == "" {
			return nil, fmt.Errorf("signing key ref %s: environment variable unset", ref)
		}
		return decodeSecret(v)
	case strings.HasPrefix(ref, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return nil, fmt.Errorf("signing key ref %s: %w", ref, err)
		}
		return decodeSecret(strings.TrimSpace(string(data)))
	default:
		return nil, fmt.Errorf("signing key ref %q: expected env: or file: prefix", ref)
	}
}

// watchSigningKey re-reads the signing key file on SIGHUP and rotates the
// receipt keyring when the derived key changes. Receipts signed before the
// rotation keep verifying through the retired key.
func watchSigningKey(ctx context.Context, ref string, keys *crypto.Keyring, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			secret, err := masterSecret(ref, logger)
			if err != nil {
				logger.Warn("signing key reload failed", "error", err)
				continue
			}
			next, err := crypto.NewDerivedSigner(secret, crypto.PurposeReceipts)
			if err != nil {
				logger.Warn("signing key reload failed", "error", err)
				continue
			}
			if next.KeyID == keys.Active().KeyID {
				continue
			}
			keys.Rotate(next)
			logger.Info("receipt signing key rotated", "key_id", next.KeyID)
		}
	}
}

func decodeSecret(v string) ([]byte, error) {
	secret, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("signing secret is not hex: %w", err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("signing secret too short: %d bytes", len(secret))
	}
	return secret, nil
}

// buildStores picks the persistence layer from the database URL:
// postgres:// for production, sqlite:PATH for single-node durable
// receipts, anything else runs fully in memory.
func buildStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, func(), error) {
	noop := func() {}

	switch {
	case strings.HasPrefix(cfg.DatabaseURL, "postgres"):
		db, err := database.Open(ctx, cfg.DatabaseURL, database.PoolConfig{})
		if err != nil {
			return nil, noop, err
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, noop, err
		}
		scope := tenancy.NewScope(db)
		logger.Info("postgres connected")
		return &stores{
			registry:  capsule.NewPostgresRegistry(db),
			audits:    audit.NewPostgresStore(db),
			runs:      orchestrator.NewPostgresRunStore(db),
			idem:      orchestrator.NewPostgresIdempotencyStore(db),
			approvals: approvals.NewPostgresStore(scope),
			receipts:  receipts.NewPostgresStore(scope),
			guard:     captokens.NewPostgresReplayGuard(db),
			reports:   ghostrun.NewPostgresReportStore(scope),
			plans:     plancompiler.NewPostgresPlanStore(scope),
		}, func() { db.Close() }, nil

	case strings.HasPrefix(cfg.DatabaseURL, "sqlite:"):
		path := strings.TrimPrefix(cfg.DatabaseURL, "sqlite:")
		sqlite, err := receipts.OpenSQLite(path)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("lite mode: sqlite receipts, in-memory state", "path", path)
		st := memoryStores()
		st.receipts = sqlite
		return st, func() { sqlite.Close() }, nil

	default:
		logger.Warn("no database configured, state will not survive restart")
		return memoryStores(), noop, nil
	}
}

func memoryStores() *stores {
	return &stores{
		registry:  capsule.NewMemoryRegistry(),
		audits:    audit.NewMemoryStore(),
		runs:      orchestrator.NewMemoryRunStore(),
		idem:      orchestrator.NewMemoryIdempotencyStore(),
		approvals: approvals.NewMemoryStore(),
		receipts:  receipts.NewMemoryStore(),
		guard:     captokens.NewMemoryReplayGuard(),
		reports:   ghostrun.NewMemoryReportStore(),
	}
}

// wormOptions builds the receipt service options for the configured
// append-only export sink.
func wormOptions(ctx context.Context, cfg config.WORMConfig) ([]receipts.ServiceOption, error) {
	switch cfg.Sink {
	case "":
		return nil, nil
	case "file":
		sink, err := receipts.NewFileSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return []receipts.ServiceOption{receipts.WithWORM(sink)}, nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("worm s3: %w", err)
		}
		sink := receipts.NewS3Sink(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix)
		return []receipts.ServiceOption{receipts.WithWORM(sink)}, nil
	case "gcs":
		sink, err := receipts.NewGCSSink(ctx, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("worm gcs: %w", err)
		}
		return []receipts.ServiceOption{receipts.WithWORM(sink)}, nil
	default:
		return nil, fmt.Errorf("worm: unknown sink %q", cfg.Sink)
	}
}

// remoteCaller connects to the tool runtime when an endpoint is
// configured. Connection failure degrades: execution requests for remote
// engines fail until restart, the rest of the plane stays up.
func remoteCaller(ctx context.Context, cfg *config.Config, logger *slog.Logger) (toolproto.Caller, func()) {
	if cfg.ToolRuntime.Endpoint == "" {
		return nil, func() {}
	}

	dialer := &toolproto.TCPDialer{
		Addr:    cfg.ToolRuntime.Endpoint,
		Timeout: time.Duration(cfg.ToolRuntime.TimeoutSeconds) * time.Second,
	}
	session, err := toolproto.Connect(ctx, dialer, toolproto.ClientInfo{
		Name:    "anumate-control-plane",
		Version: version,
	}, logger)
	if err != nil {
		logger.Warn("tool runtime unreachable, remote execution degraded",
			"endpoint", cfg.ToolRuntime.Endpoint, "error", err)
		return nil, func() {}
	}
	logger.Info("tool runtime connected", "endpoint", cfg.ToolRuntime.Endpoint)

	// Step-level retries belong to the orchestrator; the invoker only
	// shields transport blips and trips the breaker on a dead runtime.
	invoker := toolproto.NewInvoker(session, nil, toolproto.InvokerConfig{MaxRetries: 1})
	return invoker, func() { _ = session.Close() }
}

// purgeIdempotency drops expired replay records once an hour.
func purgeIdempotency(ctx context.Context, store orchestrator.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx, time.Now())
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency records purged", "count", n)
			}
		}
	}
}
