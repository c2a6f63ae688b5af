package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID": "orchard-dev",
		"API_PSP_STRIPE_API_KEY":  "sk_test_123",
		"API_WEBHOOK_SECRETS":     "whsec_current",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "orchard-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "orchard-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PSP.Provider != "stripe" {
		t.Errorf("expected default provider stripe, got %s", cfg.PSP.Provider)
	}
	if cfg.Webhooks.Tolerance != 5*time.Minute {
		t.Errorf("unexpected default webhook tolerance: %s", cfg.Webhooks.Tolerance)
	}
	if cfg.Webhooks.MaxBodyBytes != 1<<20 {
		t.Errorf("unexpected default webhook body limit: %d", cfg.Webhooks.MaxBodyBytes)
	}
	if cfg.Reconciliation.Interval != 60*time.Second {
		t.Errorf("unexpected default reconcile interval: %s", cfg.Reconciliation.Interval)
	}
	if cfg.Reconciliation.MinAge != 2*time.Minute {
		t.Errorf("unexpected default reconcile min age: %s", cfg.Reconciliation.MinAge)
	}
	if cfg.Reconciliation.MaxPendingAge != 30*time.Minute {
		t.Errorf("unexpected default max pending age: %s", cfg.Reconciliation.MaxPendingAge)
	}
	if cfg.Reconciliation.BatchSize != 50 {
		t.Errorf("unexpected default reconcile batch size: %d", cfg.Reconciliation.BatchSize)
	}
	if cfg.Idempotency.Header != "Idempotency-Key" {
		t.Errorf("unexpected default idempotency header: %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":               "9090",
		"API_SERVER_READ_TIMEOUT":       "20s",
		"API_SERVER_IDLE_TIMEOUT":       "2m",
		"API_FIREBASE_PROJECT_ID":       "orchard-prod",
		"API_FIRESTORE_PROJECT_ID":      "orchard-fire",
		"API_PSP_STRIPE_API_KEY":        "secret://stripe/api",
		"API_WEBHOOK_SECRETS":           "secret://webhook/current, whsec_previous",
		"API_WEBHOOK_TOLERANCE":         "3m",
		"API_WEBHOOK_MAX_BODY_BYTES":    "65536",
		"API_RECONCILE_INTERVAL":        "30s",
		"API_RECONCILE_MIN_AGE":         "5m",
		"API_RECONCILE_MAX_PENDING_AGE": "45m",
		"API_RECONCILE_BATCH_SIZE":      "25",
		"API_PUBSUB_PROJECT_ID":         "orchard-events",
		"API_PUBSUB_TOPIC_ID":           "order-events",
	}

	secrets := map[string]string{
		"secret://stripe/api":      "sk_live_resolved",
		"secret://webhook/current": "whsec_resolved",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "orchard-fire" {
		t.Errorf("unexpected firestore project: %s", cfg.Firestore.ProjectID)
	}
	if cfg.PSP.StripeAPIKey != "sk_live_resolved" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if len(cfg.Webhooks.Secrets) != 2 {
		t.Fatalf("expected 2 webhook secrets, got %v", cfg.Webhooks.Secrets)
	}
	if cfg.Webhooks.Secrets[0] != "whsec_resolved" {
		t.Errorf("expected resolved webhook secret, got %s", cfg.Webhooks.Secrets[0])
	}
	if cfg.Webhooks.Secrets[1] != "whsec_previous" {
		t.Errorf("expected literal rotation secret, got %s", cfg.Webhooks.Secrets[1])
	}
	if cfg.Webhooks.Tolerance != 3*time.Minute {
		t.Errorf("unexpected webhook tolerance: %s", cfg.Webhooks.Tolerance)
	}
	if cfg.Webhooks.MaxBodyBytes != 65536 {
		t.Errorf("unexpected webhook body limit: %d", cfg.Webhooks.MaxBodyBytes)
	}
	if cfg.Reconciliation.Interval != 30*time.Second {
		t.Errorf("unexpected reconcile interval: %s", cfg.Reconciliation.Interval)
	}
	if cfg.Reconciliation.MaxPendingAge != 45*time.Minute {
		t.Errorf("unexpected max pending age: %s", cfg.Reconciliation.MaxPendingAge)
	}
	if cfg.PubSub.ProjectID != "orchard-events" {
		t.Errorf("unexpected pubsub project: %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.TopicID != "order-events" {
		t.Errorf("unexpected pubsub topic: %s", cfg.PubSub.TopicID)
	}
}

func TestLoadStubProviderNeedsNoStripeKey(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orchard-dev",
		"API_PSP_PROVIDER":        "stub",
		"API_WEBHOOK_SECRETS":     "whsec_local",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.Provider != "stub" {
		t.Errorf("expected stub provider, got %s", cfg.PSP.Provider)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=orchard-dot\nAPI_PSP_PROVIDER=stub\nAPI_WEBHOOK_SECRETS=whsec_dot\n"
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
	if cfg.Firebase.ProjectID != "orchard-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	env := baseEnv()
	env["API_PSP_PROVIDER"] = "paypal"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://missing"

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
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
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
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orchard-dev",
		"API_PSP_PROVIDER":        "stub",
		"API_WEBHOOK_SECRETS":     "whsec_local",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeAPIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orchard-dev",
		"API_PSP_PROVIDER":        "stub",
		"API_WEBHOOK_SECRETS":     "whsec_local",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "sm://stripe/api"

	secrets := map[string]string{
		"secret://stripe/api": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripeAPIKey != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripeAPIKey)
	}
}
