package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/config"
	"github.com/shishu/api/internal/platform/feed"
	pfirestore "github.com/shishu/api/internal/platform/firestore"
	"github.com/shishu/api/internal/platform/observability"
	"github.com/shishu/api/internal/platform/redisx"
	platformstorage "github.com/shishu/api/internal/platform/storage"
	"github.com/shishu/api/internal/repositories"
	firestoreRepo "github.com/shishu/api/internal/repositories/firestore"
	"github.com/shishu/api/internal/repositories/memory"
	redisRepo "github.com/shishu/api/internal/repositories/redis"
	"github.com/shishu/api/internal/services"
)

const (
	envPubSubEmulator = "PUBSUB_EMULATOR_HOST"
	closeTimeout      = 5 * time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Ledger    services.UsageLedger
	Directory services.ContentDirectory
	Gate      services.GateService
	Identity  services.IdentityService
	System    services.SystemService
}

// Overrides replaces collaborators that would otherwise be built from configuration.
type Overrides struct {
	Authenticator *auth.Authenticator
	Content       repositories.ContentRepository
	Profiles      repositories.ProfileRepository
	UsageStore    repositories.UsageStore
	UsageFeed     services.UsageFeed
	Images        services.ImageSigner
	HealthChecks  []repositories.DependencyCheck
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	build     services.BuildInfo
	overrides Overrides
}

// WithLogger sets the base logger used for service events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo sets the build metadata reported by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithOverrides injects prebuilt collaborators, mainly for tests and local runs.
func WithOverrides(overrides Overrides) Option {
	return func(o *containerOptions) {
		o.overrides = overrides
	}
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Authenticator *auth.Authenticator
	Services      Services
	InstanceID    string

	logger  *zap.Logger
	cron    *cron.Cron
	closers []func(context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.build.StartedAt.IsZero() {
		options.build.StartedAt = time.Now().UTC()
	}
	if options.build.Environment == "" {
		options.build.Environment = cfg.Security.Environment
	}

	c := &Container{
		Config:     cfg,
		InstanceID: strings.ToLower(ulid.Make().String()),
		logger:     options.logger,
	}
	if err := c.build(ctx, options); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = c.Close(closeCtx)
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, options containerOptions) error {
	cfg := c.Config
	ov := options.overrides
	checks := append([]repositories.DependencyCheck(nil), ov.HealthChecks...)

	var provider *pfirestore.Provider
	firestoreProvider := func() *pfirestore.Provider {
		if provider == nil {
			provider = pfirestore.NewProvider(cfg.Firestore)
			c.closers = append(c.closers, provider.Close)
			checks = append(checks, repositories.DependencyCheck{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: provider.Ping})
		}
		return provider
	}

	var redisClient *redis.Client
	redisConn := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		client, err := redisx.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		redisClient = client
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  time.Second,
			Optional: cfg.Usage.Store != config.UsageStoreRedis,
			Check:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		return client, nil
	}

	authenticator := ov.Authenticator
	if authenticator == nil {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return fmt.Errorf("build firebase verifier: %w", err)
		}
		authenticator = auth.NewAuthenticator(verifier, auth.WithUserGetter(verifier))
	}
	c.Authenticator = authenticator

	contentRepo := ov.Content
	if contentRepo == nil {
		repo, err := firestoreRepo.NewContentRepository(firestoreProvider())
		if err != nil {
			return fmt.Errorf("build content repository: %w", err)
		}
		contentRepo = repo
	}
	// profiles live next to the catalog; an injected catalog comes without them
	profiles := ov.Profiles
	if profiles == nil && ov.Content == nil {
		repo, err := firestoreRepo.NewProfileRepository(firestoreProvider())
		if err != nil {
			return fmt.Errorf("build profile repository: %w", err)
		}
		profiles = repo
	}

	store := ov.UsageStore
	if store == nil {
		switch cfg.Usage.Store {
		case config.UsageStoreRedis:
			client, err := redisConn()
			if err != nil {
				return fmt.Errorf("build redis usage store: %w", err)
			}
			if store, err = redisRepo.NewUsageStore(client, cfg.Redis.Prefix, 0); err != nil {
				return fmt.Errorf("build redis usage store: %w", err)
			}
		case config.UsageStoreMemory:
			store = memory.NewUsageStore(time.Now)
		default:
			repo, err := firestoreRepo.NewUsageStore(firestoreProvider(), cfg.Usage.Collection, time.Now)
			if err != nil {
				return fmt.Errorf("build firestore usage store: %w", err)
			}
			store = repo
		}
	}

	usageFeed, err := c.buildFeed(ctx, ov, redisConn)
	if err != nil {
		return err
	}

	images := ov.Images
	if images == nil && strings.TrimSpace(cfg.Storage.SignerKey) != "" && strings.TrimSpace(cfg.Storage.AffirmationsBucket) != "" {
		signer, err := platformstorage.LoadSigner(cfg.Storage.SignerKey)
		if err != nil {
			return fmt.Errorf("build storage signer: %w", err)
		}
		client, err := platformstorage.NewClient(signer, cfg.Storage.AffirmationsBucket, platformstorage.WithExpiry(cfg.Storage.SignedURLTTL))
		if err != nil {
			return fmt.Errorf("build signed url client: %w", err)
		}
		images = client
	}

	ledger, err := services.NewUsageLedger(services.UsageLedgerDeps{
		Store:           store,
		Fallback:        memory.NewUsageStore(time.Now),
		Feed:            usageFeed,
		InstanceID:      c.InstanceID,
		FallbackIdleTTL: cfg.Usage.FallbackIdleTTL,
		Clock:           time.Now,
		Logger:          observability.EventLogger(c.logger, "usage"),
	})
	if err != nil {
		return fmt.Errorf("build usage ledger: %w", err)
	}

	directory, err := services.NewContentDirectory(services.ContentDirectoryDeps{
		Repository:         contentRepo,
		Images:             images,
		Clock:              time.Now,
		Logger:             observability.EventLogger(c.logger, "content"),
		FetchTimeout:       cfg.Content.FetchTimeout,
		PlaceholderImages:  cfg.Content.PlaceholderImages,
		PlaceholderPerMood: cfg.Content.PlaceholderPerMood,
	})
	if err != nil {
		return fmt.Errorf("build content directory: %w", err)
	}

	gate, err := services.NewGateService(services.GateServiceDeps{
		Ledger:       ledger,
		PreviewRunes: cfg.Content.PreviewRunes,
		Logger:       observability.EventLogger(c.logger, "gate"),
	})
	if err != nil {
		return fmt.Errorf("build gate service: %w", err)
	}

	identity, err := services.NewIdentityService(services.IdentityServiceDeps{
		Authenticator: authenticator,
		Profiles:      profiles,
		Logger:        observability.EventLogger(c.logger, "identity"),
	})
	if err != nil {
		return fmt.Errorf("build identity service: %w", err)
	}

	c.Services = Services{
		Ledger:    ledger,
		Directory: directory,
		Gate:      gate,
		Identity:  identity,
	}

	if len(checks) > 0 {
		healthRepo, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return fmt.Errorf("build health repository: %w", err)
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            options.build,
		})
		if err != nil {
			return fmt.Errorf("build system service: %w", err)
		}
		c.Services.System = system
	}
	return nil
}

func (c *Container) buildFeed(ctx context.Context, ov Overrides, redisConn func() (*redis.Client, error)) (services.UsageFeed, error) {
	if ov.UsageFeed != nil {
		return ov.UsageFeed, nil
	}
	cfg := c.Config
	feedLogger := c.logger.Named("feed")
	onError := func(err error) {
		feedLogger.Warn("usage feed message dropped", zap.Error(err))
	}

	switch cfg.Usage.Feed {
	case config.UsageFeedRedis:
		client, err := redisConn()
		if err != nil {
			return nil, fmt.Errorf("build redis usage feed: %w", err)
		}
		f, err := feed.NewRedis(client, redisx.Key(cfg.Redis.Prefix, cfg.PubSub.UsageTopic), onError)
		if err != nil {
			return nil, fmt.Errorf("build redis usage feed: %w", err)
		}
		return f, nil
	case config.UsageFeedPubSub:
		if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" && os.Getenv(envPubSubEmulator) == "" {
			_ = os.Setenv(envPubSubEmulator, host)
		}
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		subscription := cfg.PubSub.SubscriptionPrefix + c.InstanceID
		f, err := feed.NewPubSub(ctx, client, cfg.PubSub.UsageTopic, subscription, onError)
		if err != nil {
			return nil, fmt.Errorf("build pubsub usage feed: %w", err)
		}
		c.closers = append(c.closers, f.Close)
		return f, nil
	default:
		return feed.Noop{}, nil
	}
}

// Start launches the usage feed listener and the fallback sweep schedule.
func (c *Container) Start(ctx context.Context) error {
	if c == nil || c.Services.Ledger == nil {
		return errors.New("container: services not built")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("container: already started")
	}

	sweeper := cron.New()
	ledger := c.Services.Ledger
	sweepLogger := c.logger.Named("usage")
	if _, err := sweeper.AddFunc(c.Config.Usage.SweepSchedule, func() {
		if recovered := ledger.Sweep(); len(recovered) > 0 {
			sweepLogger.Info("fallback usage records swept", zap.Int("visitors", len(recovered)))
		}
	}); err != nil {
		return fmt.Errorf("container: sweep schedule %q: %w", c.Config.Usage.SweepSchedule, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.cron = sweeper
	sweeper.Start()

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		if err := ledger.Listen(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			sweepLogger.Error("usage feed listener stopped", zap.Error(err))
		}
	}()
	return nil
}

// Close stops background work and releases clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	sweeper := c.cron
	c.cron = nil
	c.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	c.workers.Wait()

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
