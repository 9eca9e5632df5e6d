package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shishu-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "shishu-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "shishu-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Usage.Store != UsageStoreFirestore {
		t.Errorf("expected firestore usage store, got %s", cfg.Usage.Store)
	}
	if cfg.Usage.Feed != UsageFeedNone {
		t.Errorf("expected no usage feed, got %s", cfg.Usage.Feed)
	}
	if cfg.Usage.Collection != "visitors" {
		t.Errorf("unexpected usage collection %s", cfg.Usage.Collection)
	}
	if cfg.Usage.SweepSchedule != defaultSweepSchedule {
		t.Errorf("unexpected sweep schedule %s", cfg.Usage.SweepSchedule)
	}
	if cfg.Usage.VisitorCookie != "shishu_vid" {
		t.Errorf("unexpected cookie name %s", cfg.Usage.VisitorCookie)
	}
	if !cfg.Content.PlaceholderImages || cfg.Content.PlaceholderPerMood != 5 {
		t.Errorf("expected placeholder images enabled with 5 per mood, got %+v", cfg.Content)
	}
	if cfg.RateLimits.PerVisitorPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.PerVisitorPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Stream.MaxMessageBytes != defaultStreamMaxMessage {
		t.Errorf("unexpected stream max message %d", cfg.Stream.MaxMessageBytes)
	}
	if cfg.Stream.FramesPerMinute != defaultStreamFramesPerMin || cfg.Stream.FrameBurst != defaultStreamFrameBurst {
		t.Errorf("unexpected stream frame limits %d/%d", cfg.Stream.FramesPerMinute, cfg.Stream.FrameBurst)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                 "9090",
		"API_SERVER_IDLE_TIMEOUT":         "2m",
		"API_FIREBASE_PROJECT_ID":         "shishu-prod",
		"API_FIRESTORE_PROJECT_ID":        "shishu-data",
		"API_STORAGE_AFFIRMATIONS_BUCKET": "affirmations-prod",
		"API_STORAGE_SIGNER_KEY":          "secret://storage/signer",
		"API_STORAGE_SIGNED_URL_TTL":      "5m",
		"API_REDIS_URL":                   "sm://redis/url",
		"API_USAGE_STORE":                 "Redis",
		"API_USAGE_FEED":                  "pubsub",
		"API_PUBSUB_USAGE_TOPIC":          "usage-prod",
		"API_USAGE_FALLBACK_IDLE_TTL":     "10m",
		"API_USAGE_SECURE_COOKIES":        "false",
		"API_CONTENT_PLACEHOLDER_IMAGES":  "off",
		"API_RATELIMIT_VISITOR_PER_MIN":   "300",
		"API_SECURITY_ENVIRONMENT":        "prod",
		"API_SECURITY_OIDC_AUDIENCES":     "prod=https://api.example.com,stg=https://stg.example.com",
		"API_STREAM_ALLOWED_ORIGINS":      "https://shishu.example.com, https://www.shishu.example.com",
	}

	secrets := map[string]string{
		"secret://storage/signer": `{"client_email":"signer@example.com"}`,
		"secret://redis/url":      "redis://cache:6379/0",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "shishu-data" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Storage.SignerKey != secrets["secret://storage/signer"] {
		t.Errorf("expected resolved signer key, got %s", cfg.Storage.SignerKey)
	}
	if cfg.Storage.SignedURLTTL != 5*time.Minute {
		t.Errorf("unexpected signed url ttl %s", cfg.Storage.SignedURLTTL)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("expected legacy sm:// reference to resolve, got %s", cfg.Redis.URL)
	}
	if cfg.Usage.Store != UsageStoreRedis || cfg.Usage.Feed != UsageFeedPubSub {
		t.Errorf("unexpected usage backends %s/%s", cfg.Usage.Store, cfg.Usage.Feed)
	}
	if cfg.PubSub.UsageTopic != "usage-prod" {
		t.Errorf("unexpected topic %s", cfg.PubSub.UsageTopic)
	}
	if cfg.Usage.FallbackIdleTTL != 10*time.Minute || cfg.Usage.SecureCookies {
		t.Errorf("unexpected usage config %+v", cfg.Usage)
	}
	if cfg.Content.PlaceholderImages {
		t.Errorf("expected placeholders disabled")
	}
	if cfg.RateLimits.PerVisitorPerMinute != 300 {
		t.Errorf("unexpected rate limit %d", cfg.RateLimits.PerVisitorPerMinute)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected audience selected by environment, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Stream.AllowedOrigins) != 2 || cfg.Stream.AllowedOrigins[1] != "https://www.shishu.example.com" {
		t.Errorf("unexpected allowed origins %v", cfg.Stream.AllowedOrigins)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local overrides\nAPI_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"shishu-dot\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "shishu-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadIgnoresMissingDotEnv(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "shishu-dev"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	if err != nil {
		t.Fatalf("expected missing dotenv to be ignored, got %v", err)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shishu-dev",
		"API_USAGE_STORE":         "sqlite",
		"API_USAGE_FEED":          "redis",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validation.Fields()
	want := map[string]bool{"Usage.Store": false, "Redis.URL": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, fields)
		}
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shishu-dev",
		"API_REDIS_URL":           "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shishu-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Storage.SignerKey", "Storage.SignerKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	expectedRedacted := redactSecretName("Storage.SignerKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
	if got := missing.Names(); len(got) != 1 || got[0] != "Storage.SignerKey" {
		t.Fatalf("unexpected names %v", got)
	}
}
