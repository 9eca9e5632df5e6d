package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRateLimitPerMinute  = 120
	defaultRateLimitBurst      = 30
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"
	defaultSignedURLTTL        = 15 * time.Minute
	defaultRedisPrefix         = "shishu:"
	defaultRedisPoolSize       = 10
	defaultUsageCollection     = "visitors"
	defaultUsageTopic          = "usage-changes"
	defaultSubscriptionPrefix  = "usage-changes-"
	defaultFallbackIdleTTL     = 30 * time.Minute
	defaultSweepSchedule       = "@every 5m"
	defaultVisitorCookie       = "shishu_vid"
	defaultVisitorCookieMaxAge = 365 * 24 * time.Hour
	defaultContentFetchTimeout = 5 * time.Second
	defaultPlaceholderPerMood  = 5
	defaultPreviewRunes        = 280
	defaultStreamPingInterval  = 30 * time.Second
	defaultStreamWriteTimeout  = 10 * time.Second
	defaultStreamMaxMessage    = 4096
	defaultStreamFramesPerMin  = 120
	defaultStreamFrameBurst    = 20
)

// Usage store backends.
const (
	UsageStoreFirestore = "firestore"
	UsageStoreRedis     = "redis"
	UsageStoreMemory    = "memory"
)

// Usage feed backends.
const (
	UsageFeedNone   = "none"
	UsageFeedRedis  = "redis"
	UsageFeedPubSub = "pubsub"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Firebase   FirebaseConfig
	Firestore  FirestoreConfig
	Storage    StorageConfig
	Redis      RedisConfig
	PubSub     PubSubConfig
	Usage      UsageConfig
	Content    ContentConfig
	RateLimits RateLimitConfig
	Security   SecurityConfig
	Stream     StreamConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig controls signed URLs for affirmation images.
type StorageConfig struct {
	AffirmationsBucket string
	SignerKey          string
	SignedURLTTL       time.Duration
}

// RedisConfig is used when the usage store or feed runs on Redis.
type RedisConfig struct {
	URL      string
	Prefix   string
	PoolSize int
}

// PubSubConfig is used when the usage feed runs on Cloud Pub/Sub.
type PubSubConfig struct {
	ProjectID          string
	EmulatorHost       string
	UsageTopic         string
	SubscriptionPrefix string
}

// UsageConfig selects the usage ledger backends and fallback behaviour.
type UsageConfig struct {
	Store               string
	Feed                string
	Collection          string
	FallbackIdleTTL     time.Duration
	SweepSchedule       string
	VisitorCookie       string
	VisitorCookieMaxAge time.Duration
	SecureCookies       bool
}

// ContentConfig tunes the content directory.
type ContentConfig struct {
	FetchTimeout       time.Duration
	PlaceholderImages  bool
	PlaceholderPerMood int
	PreviewRunes       int
}

// RateLimitConfig controls per-visitor request throttling.
type RateLimitConfig struct {
	PerVisitorPerMinute int
	Burst               int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for operator routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// StreamConfig tunes the live gate websocket.
type StreamConfig struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
	FramesPerMinute int
	FrameBurst      int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers use it to build the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match config field names, e.g. "Redis.URL" or "Storage.SignerKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			AffirmationsBucket: stringWithDefault(lookup, "API_STORAGE_AFFIRMATIONS_BUCKET", ""),
			SignerKey:          stringWithDefault(lookup, "API_STORAGE_SIGNER_KEY", ""),
			SignedURLTTL:       durationWithDefault(lookup, "API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Redis: RedisConfig{
			URL:      stringWithDefault(lookup, "API_REDIS_URL", ""),
			Prefix:   stringWithDefault(lookup, "API_REDIS_PREFIX", defaultRedisPrefix),
			PoolSize: intWithDefault(lookup, "API_REDIS_POOL_SIZE", defaultRedisPoolSize),
		},
		PubSub: PubSubConfig{
			ProjectID:          stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			EmulatorHost:       stringWithDefault(lookup, "API_PUBSUB_EMULATOR_HOST", ""),
			UsageTopic:         stringWithDefault(lookup, "API_PUBSUB_USAGE_TOPIC", defaultUsageTopic),
			SubscriptionPrefix: stringWithDefault(lookup, "API_PUBSUB_SUBSCRIPTION_PREFIX", defaultSubscriptionPrefix),
		},
		Usage: UsageConfig{
			Store:               strings.ToLower(stringWithDefault(lookup, "API_USAGE_STORE", UsageStoreFirestore)),
			Feed:                strings.ToLower(stringWithDefault(lookup, "API_USAGE_FEED", UsageFeedNone)),
			Collection:          stringWithDefault(lookup, "API_USAGE_COLLECTION", defaultUsageCollection),
			FallbackIdleTTL:     durationWithDefault(lookup, "API_USAGE_FALLBACK_IDLE_TTL", defaultFallbackIdleTTL),
			SweepSchedule:       stringWithDefault(lookup, "API_USAGE_SWEEP_SCHEDULE", defaultSweepSchedule),
			VisitorCookie:       stringWithDefault(lookup, "API_USAGE_VISITOR_COOKIE", defaultVisitorCookie),
			VisitorCookieMaxAge: durationWithDefault(lookup, "API_USAGE_VISITOR_COOKIE_MAX_AGE", defaultVisitorCookieMaxAge),
			SecureCookies:       boolWithDefault(lookup, "API_USAGE_SECURE_COOKIES", true),
		},
		Content: ContentConfig{
			FetchTimeout:       durationWithDefault(lookup, "API_CONTENT_FETCH_TIMEOUT", defaultContentFetchTimeout),
			PlaceholderImages:  boolWithDefault(lookup, "API_CONTENT_PLACEHOLDER_IMAGES", true),
			PlaceholderPerMood: intWithDefault(lookup, "API_CONTENT_PLACEHOLDER_PER_MOOD", defaultPlaceholderPerMood),
			PreviewRunes:       intWithDefault(lookup, "API_CONTENT_PREVIEW_RUNES", defaultPreviewRunes),
		},
		RateLimits: RateLimitConfig{
			PerVisitorPerMinute: intWithDefault(lookup, "API_RATELIMIT_VISITOR_PER_MIN", defaultRateLimitPerMinute),
			Burst:               intWithDefault(lookup, "API_RATELIMIT_BURST", defaultRateLimitBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Stream: StreamConfig{
			PingInterval:    durationWithDefault(lookup, "API_STREAM_PING_INTERVAL", defaultStreamPingInterval),
			WriteTimeout:    durationWithDefault(lookup, "API_STREAM_WRITE_TIMEOUT", defaultStreamWriteTimeout),
			MaxMessageBytes: int64(intWithDefault(lookup, "API_STREAM_MAX_MESSAGE_BYTES", defaultStreamMaxMessage)),
			AllowedOrigins:  csvWithDefault(lookup, "API_STREAM_ALLOWED_ORIGINS"),
			FramesPerMinute: intWithDefault(lookup, "API_STREAM_FRAMES_PER_MIN", defaultStreamFramesPerMin),
			FrameBurst:      intWithDefault(lookup, "API_STREAM_FRAME_BURST", defaultStreamFrameBurst),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Redis.URL", &cfg.Redis.URL},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}

	switch cfg.Usage.Store {
	case UsageStoreFirestore, UsageStoreMemory:
	case UsageStoreRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			missing = append(missing, "Redis.URL")
		}
	default:
		missing = append(missing, "Usage.Store")
	}

	switch cfg.Usage.Feed {
	case UsageFeedNone:
	case UsageFeedRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" && cfg.Usage.Store != UsageStoreRedis {
			missing = append(missing, "Redis.URL")
		}
	case UsageFeedPubSub:
		if strings.TrimSpace(cfg.PubSub.UsageTopic) == "" {
			missing = append(missing, "PubSub.UsageTopic")
		}
		if strings.TrimSpace(cfg.PubSub.ProjectID) == "" {
			missing = append(missing, "PubSub.ProjectID")
		}
	default:
		missing = append(missing, "Usage.Feed")
	}

	if strings.TrimSpace(cfg.Usage.Collection) == "" {
		missing = append(missing, "Usage.Collection")
	}
	if strings.TrimSpace(cfg.Usage.SweepSchedule) == "" {
		missing = append(missing, "Usage.SweepSchedule")
	}
	if cfg.Usage.FallbackIdleTTL <= 0 {
		missing = append(missing, "Usage.FallbackIdleTTL")
	}
	if strings.TrimSpace(cfg.Usage.VisitorCookie) == "" {
		missing = append(missing, "Usage.VisitorCookie")
	}
	if cfg.RateLimits.PerVisitorPerMinute < 0 || cfg.RateLimits.Burst < 0 {
		missing = append(missing, "RateLimits")
	}
	if cfg.Content.PlaceholderPerMood < 0 {
		missing = append(missing, "Content.PlaceholderPerMood")
	}
	if cfg.Stream.MaxMessageBytes <= 0 {
		missing = append(missing, "Stream.MaxMessageBytes")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: uniqueStrings(missing)}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range uniqueStrings(required) {
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range csvWithDefault(lookup, key) {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
