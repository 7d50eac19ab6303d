package bundles

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/apphub/apphub/internal/backoff"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/models"
)

// DefaultMaxArtifactSize caps uploaded bundle artifacts (16 MiB).
const DefaultMaxArtifactSize = 16 << 20

const metadataCacheTTL = time.Minute

// Registry publishes, resolves and streams job bundle artifacts.
type Registry struct {
	repo    models.BundleRepo
	store   ArtifactStore
	bus     *eventbus.Bus
	maxSize int64

	// versionCache memoizes resolved versions; invalidated on bundle events.
	versionCache *lru.LRU[string, *core.JobBundleVersion]
}

func NewRegistry(repo models.BundleRepo, store ArtifactStore, bus *eventbus.Bus, maxSize int64) *Registry {
	if maxSize <= 0 {
		maxSize = DefaultMaxArtifactSize
	}
	r := &Registry{
		repo:         repo,
		store:        store,
		bus:          bus,
		maxSize:      maxSize,
		versionCache: lru.NewLRU[string, *core.JobBundleVersion](256, nil, metadataCacheTTL),
	}
	if bus != nil {
		bus.Subscribe(r.onEvent)
	}
	return r
}

func (r *Registry) onEvent(_ context.Context, event core.Event) {
	switch event.Type {
	case core.EventJobBundlePublished, core.EventJobBundleUpdated, core.EventJobBundleDeprecated:
		r.versionCache.Purge()
	}
}

// PublishInput describes a bundle version upload.
type PublishInput struct {
	Slug            string
	Version         string
	Manifest        json.RawMessage
	CapabilityFlags []string
	Data            io.Reader
	ContentType     string
	Force           bool
	PublishedBy     string
	PublishedByKind string
}

// Publish stores the artifact and inserts the version row. A non-force
// publish over an existing (slug, version) is a conflict; force replaces.
func (r *Registry) Publish(ctx context.Context, in PublishInput) (*core.JobBundleVersion, error) {
	if in.Slug == "" || in.Version == "" {
		return nil, core.ValidationErr("bundle slug and version are required")
	}
	if _, err := semver.NewVersion(in.Version); err != nil {
		return nil, core.ValidationErr("bundle version %q is not a valid semver: %v", in.Version, err)
	}

	// Buffer the artifact so the checksum covers exactly what is stored.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(in.Data, r.maxSize+1))
	if err != nil {
		return nil, core.TransientErr(err, "read bundle artifact")
	}
	if n > r.maxSize {
		return nil, core.ValidationErr("bundle artifact exceeds %d bytes", r.maxSize)
	}
	sum := sha256.Sum256(buf.Bytes())
	checksum := hex.EncodeToString(sum[:])

	artifactPath := fmt.Sprintf("%s/%s/bundle.tgz", in.Slug, in.Version)
	if err := r.store.Put(ctx, artifactPath, &buf, n, in.ContentType); err != nil {
		return nil, err
	}

	size := n
	version := &core.JobBundleVersion{
		ID:                  uuid.NewString(),
		Slug:                in.Slug,
		Version:             in.Version,
		Manifest:            in.Manifest,
		Checksum:            checksum,
		CapabilityFlags:     in.CapabilityFlags,
		ArtifactStorage:     r.store.Backend(),
		ArtifactPath:        artifactPath,
		ArtifactContentType: in.ContentType,
		ArtifactSize:        &size,
		Immutable:           !in.Force,
		Status:              core.BundlePublished,
		PublishedBy:         in.PublishedBy,
		PublishedByKind:     in.PublishedByKind,
		PublishedAt:         time.Now().UTC(),
	}
	if err := r.repo.Publish(ctx, version, in.Force); err != nil {
		return nil, err
	}

	r.versionCache.Purge()
	r.publishEvent(ctx, core.EventJobBundlePublished, version)
	return version, nil
}

// Deprecate marks a version deprecated; it stays downloadable.
func (r *Registry) Deprecate(ctx context.Context, slug, version string) error {
	if err := r.repo.Deprecate(ctx, slug, version, time.Now().UTC()); err != nil {
		return err
	}
	r.versionCache.Purge()
	if v, err := r.repo.GetVersion(ctx, slug, version); err == nil {
		r.publishEvent(ctx, core.EventJobBundleDeprecated, v)
	}
	return nil
}

// Resolve maps a bundle binding to a concrete version. The latest strategy
// resolves to the current highest published version; callers invoke this at
// run creation time so the binding is snapshotted per run.
func (r *Registry) Resolve(ctx context.Context, binding *core.BundleBinding) (*core.JobBundleVersion, error) {
	if binding == nil {
		return nil, core.ValidationErr("step has no bundle binding")
	}
	cacheKey := binding.Slug + "@" + binding.Version
	if binding.Strategy == core.BundleLatest {
		cacheKey = binding.Slug + "@latest"
	}
	if v, ok := r.versionCache.Get(cacheKey); ok {
		return v, nil
	}

	var (
		version *core.JobBundleVersion
		err     error
	)
	switch binding.Strategy {
	case core.BundlePinned:
		if binding.Version == "" {
			return nil, core.ValidationErr("pinned bundle binding for %q requires a version", binding.Slug)
		}
		version, err = r.repo.GetVersion(ctx, binding.Slug, binding.Version)
	case core.BundleLatest:
		version, err = r.repo.LatestPublished(ctx, binding.Slug)
	default:
		return nil, core.ValidationErr("unknown bundle strategy %q", binding.Strategy)
	}
	if err != nil {
		return nil, err
	}
	r.versionCache.Add(cacheKey, version)
	return version, nil
}

// artifactRetryPolicy governs retries of transient artifact-store reads.
var artifactRetryPolicy = backoff.Policy{
	Strategy:     backoff.StrategyExponential,
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

// Open streams the artifact for a version, verifying the stored checksum.
// Transient store failures are retried; anything else fails the open.
func (r *Registry) Open(ctx context.Context, version *core.JobBundleVersion) (io.ReadCloser, error) {
	var data []byte
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		rc, err := r.store.Get(ctx, version.ArtifactPath)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		data, err = io.ReadAll(rc)
		if err != nil {
			return core.TransientErr(err, "read artifact %q", version.ArtifactPath)
		}
		return nil
	}, artifactRetryPolicy, func(err error) bool {
		return core.IsKind(err, core.KindTransient)
	})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != version.Checksum {
		return nil, core.NewError(core.KindFatal, "artifact checksum mismatch for %s@%s", version.Slug, version.Version)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *Registry) publishEvent(ctx context.Context, eventType string, version *core.JobBundleVersion) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, core.NewEvent(eventType, "", map[string]any{
		"slug":     version.Slug,
		"version":  version.Version,
		"checksum": version.Checksum,
		"status":   string(version.Status),
	}))
}
