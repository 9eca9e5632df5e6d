package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	metricNamespace     = "github.com/shishu/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret:// references using Google Secret Manager with a TTL cache
// and a local fallback file for development.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	env           string
	defaultProjID string
	projectMap    map[string]string
	cacheTTL      time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	cacheTTL     time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects the environment key used to resolve per-environment project IDs.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject configures the project ID used when no environment-specific mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies environment-specific project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = make(map[string]string, len(m))
		for k, v := range m {
			cfg.projectMap[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL bounds how long a resolved value is reused. Zero keeps values for the process lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl >= 0 {
			cfg.cacheTTL = ttl
		}
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithClock injects the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal: the
// fetcher then serves values from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		projectMap:   map[string]string{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	latency, err := meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}
	cacheHits, err := meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	}

	f := &Fetcher{
		logger:        cfg.logger,
		now:           cfg.now,
		env:           cfg.env,
		defaultProjID: cfg.defaultProj,
		projectMap:    cfg.projectMap,
		cacheTTL:      cfg.cacheTTL,
		fallbackPath:  cfg.fallbackPath,
		cache:         make(map[string]cacheEntry),
		latency:       latency,
		cacheHits:     cacheHits,
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Resolve returns the secret value for ref. Concurrent lookups for the same
// reference share one remote call.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	if value, ok := f.lookupCache(parsed.key()); ok {
		f.recordCacheHit(ctx, parsed)
		f.recordLatency(ctx, start, "cache", nil)
		return value, nil
	}

	result, err, _ := f.group.Do(parsed.key(), func() (any, error) {
		value, source, err := f.fetch(ctx, parsed)
		f.recordLatency(ctx, start, source, err)
		if err != nil {
			return "", err
		}
		f.storeCache(parsed.key(), value)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (f *Fetcher) fetch(ctx context.Context, ref parsedReference) (string, string, error) {
	projectID := f.projectID(ref)
	if projectID != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, projectID, ref)
		if err == nil {
			return value, "remote", nil
		}
		if !isFallbackError(err) {
			return "", "error", fmt.Errorf("secrets: fetch failed for %s: %w", ref.Canonical, err)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", maskReference(ref.Canonical)), zap.Error(err))
	}

	value, ok := f.lookupFallback(ref)
	if !ok {
		return "", "error", fmt.Errorf("secrets: fallback value not found for %s", ref.Canonical)
	}
	return value, "fallback", nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID string, ref parsedReference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, ref.Secret, ref.version())
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) lookupCache(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if f.cacheTTL > 0 && f.now().Sub(entry.fetchedAt) > f.cacheTTL {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) storeCache(key, value string) {
	f.mu.Lock()
	f.cache[key] = cacheEntry{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) projectID(ref parsedReference) string {
	if ref.ProjectOverride != "" {
		return ref.ProjectOverride
	}
	if id := f.projectMap[f.env]; id != "" {
		return id
	}
	return f.defaultProjID
}

func (f *Fetcher) lookupFallback(ref parsedReference) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallbackVals[ref.key()]; ok {
		return value, true
	}
	value, ok := f.fallbackVals[ref.Canonical]
	return value, ok
}

// loadFallback reads "secret://name[?version=N]=value" lines.
func (f *Fetcher) loadFallback() {
	f.fallbackVals = map[string]string{}
	path := strings.TrimSpace(f.fallbackPath)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// The reference itself contains "://", so split on the last "=" before the value.
		idx := strings.Index(line, "=")
		if q := strings.Index(line, "?"); q >= 0 && q < idx {
			if next := strings.Index(line[idx+1:], "="); next >= 0 {
				idx = idx + 1 + next
			}
		}
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		parsed, err := parseReference(key)
		if err != nil {
			continue
		}
		if parsed.Version == "" {
			f.fallbackVals[parsed.Canonical] = value
		}
		f.fallbackVals[parsed.key()] = value
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	elapsed := f.now().Sub(start)
	f.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) recordCacheHit(ctx context.Context, ref parsedReference) {
	if f.cacheHits == nil {
		return
	}
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(ref.Canonical))))
}

type parsedReference struct {
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func (r parsedReference) version() string {
	if r.Version == "" {
		return "latest"
	}
	return r.Version
}

func (r parsedReference) key() string {
	return r.Canonical + "#" + r.version()
}

func parseReference(ref string) (parsedReference, error) {
	if strings.TrimSpace(ref) == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	query := u.Query()
	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	return parsedReference{
		Canonical:       canonical.String(),
		Secret:          secret,
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
