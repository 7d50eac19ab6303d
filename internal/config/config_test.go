package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "inline", cfg.Events.Mode)
	assert.Equal(t, "apphub:events", cfg.Events.Channel)
	assert.Equal(t, 30*time.Second, cfg.Analytics.Interval)
	assert.Equal(t, 7*24*time.Hour, cfg.Analytics.Window)
	assert.Equal(t, time.Hour, cfg.Analytics.Bucket)
	assert.Equal(t, 30*24*time.Hour, cfg.Sampling.TTL)
	assert.Equal(t, 50000, cfg.Sampling.OverflowThreshold)
	assert.Equal(t, int64(16*1024*1024), cfg.Bundles.MaxSize)
	assert.Equal(t, "local", cfg.Bundles.Storage)
	assert.Empty(t, cfg.Bundles.SigningSecret)
	assert.Equal(t, 4, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.AutoInterval)
	assert.Equal(t, 8620, cfg.Server.Port)
	assert.Empty(t, cfg.OperatorTokens)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://apphub:secret@db:5432/apphub")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("APPHUB_EVENTS_MODE", "redis")
	t.Setenv("APPHUB_EVENTS_CHANNEL", "apphub:staging")
	t.Setenv("APPHUB_ANALYTICS_INTERVAL_MS", "5000")
	t.Setenv("EVENT_SAMPLING_TTL_MS", "60000")
	t.Setenv("EVENT_SAMPLING_OVERFLOW_THRESHOLD", "100")
	t.Setenv("APPHUB_JOB_BUNDLE_MAX_SIZE", "1048576")
	t.Setenv("APPHUB_RUN_CONCURRENCY", "8")
	t.Setenv("APPHUB_OPERATOR_TOKENS", "alpha, beta,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://apphub:secret@db:5432/apphub", cfg.DatabaseURL)
	assert.Equal(t, "redis", cfg.Events.Mode)
	assert.Equal(t, "redis://cache:6379/0", cfg.Events.RedisURL)
	assert.Equal(t, "apphub:staging", cfg.Events.Channel)
	assert.Equal(t, 5*time.Second, cfg.Analytics.Interval)
	assert.Equal(t, time.Minute, cfg.Sampling.TTL)
	assert.Equal(t, 100, cfg.Sampling.OverflowThreshold)
	assert.Equal(t, int64(1048576), cfg.Bundles.MaxSize)
	assert.Equal(t, 8, cfg.Orchestrator.Concurrency)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.OperatorTokens)
}

func TestDisableAnalyticsZeroesInterval(t *testing.T) {
	t.Setenv("APPHUB_DISABLE_ANALYTICS", "true")
	t.Setenv("APPHUB_ANALYTICS_INTERVAL_MS", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Analytics.Interval)
}

func TestOperatorTokenFileOverridesInlineList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, os.WriteFile(path, []byte("tok-one\ntok-two\n\n"), 0o600))

	t.Setenv("APPHUB_OPERATOR_TOKENS", "inline-token")
	t.Setenv("APPHUB_OPERATOR_TOKENS_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-one", "tok-two"}, cfg.OperatorTokens)
}

func TestS3BundleStorageFromEnvironment(t *testing.T) {
	t.Setenv("APPHUB_JOB_BUNDLE_STORAGE", "s3")
	t.Setenv("APPHUB_JOB_BUNDLE_S3_ENDPOINT", "minio.internal:9000")
	t.Setenv("APPHUB_JOB_BUNDLE_S3_BUCKET", "apphub-bundles")
	t.Setenv("APPHUB_JOB_BUNDLE_S3_ACCESS_KEY", "access")
	t.Setenv("APPHUB_JOB_BUNDLE_S3_SECRET_KEY", "secret")
	t.Setenv("APPHUB_JOB_BUNDLE_S3_REGION", "us-east-1")
	t.Setenv("APPHUB_JOB_BUNDLE_S3_USE_SSL", "false")
	t.Setenv("APPHUB_JOB_BUNDLE_SIGNING_SECRET", "download-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Bundles.Storage)
	assert.Equal(t, "minio.internal:9000", cfg.Bundles.S3Endpoint)
	assert.Equal(t, "apphub-bundles", cfg.Bundles.S3Bucket)
	assert.Equal(t, "access", cfg.Bundles.S3AccessKey)
	assert.Equal(t, "secret", cfg.Bundles.S3SecretKey)
	assert.Equal(t, "us-east-1", cfg.Bundles.S3Region)
	assert.False(t, cfg.Bundles.S3UseSSL)
	assert.Equal(t, "download-secret", cfg.Bundles.SigningSecret)
}

func TestS3BundleStorageRequiresEndpointAndBucket(t *testing.T) {
	t.Setenv("APPHUB_JOB_BUNDLE_STORAGE", "s3")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestUnknownBundleStorageRejected(t *testing.T) {
	t.Setenv("APPHUB_JOB_BUNDLE_STORAGE", "gcs")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestRedisModeRequiresURL(t *testing.T) {
	t.Setenv("APPHUB_EVENTS_MODE", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestUnknownEventsModeRejected(t *testing.T) {
	t.Setenv("APPHUB_EVENTS_MODE", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}
