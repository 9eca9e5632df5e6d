package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shishu/api/internal/di"
	"github.com/shishu/api/internal/handlers"
	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/config"
	"github.com/shishu/api/internal/platform/observability"
	"github.com/shishu/api/internal/platform/secrets"
	"github.com/shishu/api/internal/platform/visitor"
	"github.com/shishu/api/internal/repositories"
	"github.com/shishu/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
		di.WithOverrides(di.Overrides{HealthChecks: secretHealthChecks(fetcher)}),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	if err := container.Start(ctx); err != nil {
		logger.Fatal("failed to start background workers", zap.Error(err))
	}

	svc := container.Services
	authenticator := container.Authenticator

	contentHandlers := handlers.NewContentHandlers(authenticator, svc.Directory, svc.Gate, svc.Ledger)
	meHandlers := handlers.NewMeHandlers(authenticator, svc.Identity)
	streamHandlers := handlers.NewStreamHandlers(authenticator, svc.Directory, svc.Gate, svc.Ledger, svc.Identity, handlers.StreamOptions{
		PingInterval:    cfg.Stream.PingInterval,
		WriteTimeout:    cfg.Stream.WriteTimeout,
		MaxMessageBytes: cfg.Stream.MaxMessageBytes,
		AllowedOrigins:  cfg.Stream.AllowedOrigins,
		FramesPerMinute: cfg.Stream.FramesPerMinute,
		FrameBurst:      cfg.Stream.FrameBurst,
		Logger:          observability.EventLogger(logger.Named("stream"), "stream"),
	})
	internalUsageHandlers := handlers.NewInternalUsageHandlers(svc.Ledger)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		visitor.Middleware(visitor.Options{
			CookieName: cfg.Usage.VisitorCookie,
			MaxAge:     cfg.Usage.VisitorCookieMaxAge,
			Secure:     cfg.Usage.SecureCookies,
		}),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithContentRoutes(contentHandlers.Routes))
	opts = append(opts, handlers.WithContentMiddlewares(handlers.RateLimitMiddleware(cfg.RateLimits.PerVisitorPerMinute, cfg.RateLimits.Burst, time.Now)))
	opts = append(opts, handlers.WithMeRoutes(meHandlers.Routes))
	opts = append(opts, handlers.WithStreamRoutes(streamHandlers.Routes))
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalRoutes(internalUsageHandlers.Routes))
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	} else {
		logger.Warn("auth: OIDC not configured; internal routes stay disabled")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("instance", container.InstanceID))
	go func() {
		serverLogger.Info("shishu api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func secretHealthChecks(fetcher *secrets.Fetcher) []repositories.DependencyCheck {
	if fetcher == nil {
		return nil
	}
	const secretHealthReference = "secret://system/healthz?version=latest"
	return []repositories.DependencyCheck{{
		Name:     "secretManager",
		Timeout:  time.Second,
		Optional: true,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audiences["internal"])
	if audience == "" {
		audience = strings.TrimSpace(cfg.Security.OIDC.Audience)
	}
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS"))
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		lowered := make(map[string]string, len(projectMap))
		for label, project := range projectMap {
			lowered[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(lowered))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the selected backends cannot run without.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env == nil {
		return required
	}
	if strings.TrimSpace(env["API_STORAGE_AFFIRMATIONS_BUCKET"]) != "" {
		required = append(required, "Storage.SignerKey")
	}
	store := strings.ToLower(strings.TrimSpace(env["API_USAGE_STORE"]))
	usageFeed := strings.ToLower(strings.TrimSpace(env["API_USAGE_FEED"]))
	if store == config.UsageStoreRedis || usageFeed == config.UsageFeedRedis {
		required = append(required, "Redis.URL")
	}
	sort.Strings(required)
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
