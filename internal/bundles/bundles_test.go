package bundles

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
)

type fakeBundleRepo struct {
	versions map[string]*core.JobBundleVersion // slug@version
}

func newFakeBundleRepo() *fakeBundleRepo {
	return &fakeBundleRepo{versions: map[string]*core.JobBundleVersion{}}
}

func (f *fakeBundleRepo) key(slug, version string) string { return slug + "@" + version }

func (f *fakeBundleRepo) Publish(_ context.Context, v *core.JobBundleVersion, force bool) error {
	k := f.key(v.Slug, v.Version)
	if _, exists := f.versions[k]; exists && !force {
		return core.ConflictErr("bundle %s@%s already published", v.Slug, v.Version)
	}
	f.versions[k] = v
	return nil
}

func (f *fakeBundleRepo) GetVersion(_ context.Context, slug, version string) (*core.JobBundleVersion, error) {
	v, ok := f.versions[f.key(slug, version)]
	if !ok {
		return nil, core.NotFoundErr("bundle %s@%s not found", slug, version)
	}
	return v, nil
}

func (f *fakeBundleRepo) LatestPublished(_ context.Context, slug string) (*core.JobBundleVersion, error) {
	var candidates []*core.JobBundleVersion
	for _, v := range f.versions {
		if v.Slug == slug && v.Status == core.BundlePublished {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil, core.NotFoundErr("no published versions for %q", slug)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return semver.MustParse(candidates[i].Version).LessThan(semver.MustParse(candidates[j].Version))
	})
	return candidates[len(candidates)-1], nil
}

func (f *fakeBundleRepo) Deprecate(_ context.Context, slug, version string, at time.Time) error {
	v, ok := f.versions[f.key(slug, version)]
	if !ok {
		return core.NotFoundErr("bundle %s@%s not found", slug, version)
	}
	v.Status = core.BundleDeprecated
	v.DeprecatedAt = &at
	return nil
}

func (f *fakeBundleRepo) GetBundle(_ context.Context, slug string) (*core.JobBundle, error) {
	return &core.JobBundle{Slug: slug}, nil
}

func (f *fakeBundleRepo) ListVersions(_ context.Context, slug string) ([]*core.JobBundleVersion, error) {
	var out []*core.JobBundleVersion
	for _, v := range f.versions {
		if v.Slug == slug {
			out = append(out, v)
		}
	}
	return out, nil
}

type memStore struct {
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: map[string][]byte{}} }

func (m *memStore) Backend() core.ArtifactStorage { return core.ArtifactStorageLocal }

func (m *memStore) Put(_ context.Context, path string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.blobs[path] = data
	return nil
}

func (m *memStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.blobs[path]
	if !ok {
		return nil, core.NotFoundErr("artifact %q not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(_ context.Context, path string) error {
	delete(m.blobs, path)
	return nil
}

func newTestRegistry() (*Registry, *fakeBundleRepo, *memStore) {
	repo := newFakeBundleRepo()
	store := newMemStore()
	return NewRegistry(repo, store, nil, 0), repo, store
}

func TestPublishAndOpenRoundTrip(t *testing.T) {
	reg, _, _ := newTestRegistry()

	v, err := reg.Publish(context.Background(), PublishInput{
		Slug:    "extract",
		Version: "1.2.0",
		Data:    strings.NewReader("bundle-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.BundlePublished, v.Status)
	assert.NotEmpty(t, v.Checksum)
	require.NotNil(t, v.ArtifactSize)
	assert.EqualValues(t, len("bundle-bytes"), *v.ArtifactSize)

	rc, err := reg.Open(context.Background(), v)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "bundle-bytes", string(data))
}

func TestPublishConflictWithoutForce(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	_, err := reg.Publish(ctx, PublishInput{Slug: "x", Version: "1.0.0", Data: strings.NewReader("a")})
	require.NoError(t, err)

	_, err = reg.Publish(ctx, PublishInput{Slug: "x", Version: "1.0.0", Data: strings.NewReader("b")})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))

	// force replaces the artifact.
	v, err := reg.Publish(ctx, PublishInput{Slug: "x", Version: "1.0.0", Data: strings.NewReader("b"), Force: true})
	require.NoError(t, err)
	rc, err := reg.Open(ctx, v)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "b", string(data))
}

func TestPublishRejectsOversizedArtifact(t *testing.T) {
	repo := newFakeBundleRepo()
	reg := NewRegistry(repo, newMemStore(), nil, 8)

	_, err := reg.Publish(context.Background(), PublishInput{
		Slug:    "big",
		Version: "1.0.0",
		Data:    strings.NewReader("way more than eight bytes"),
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestPublishRejectsInvalidSemver(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Publish(context.Background(), PublishInput{Slug: "x", Version: "not.semver.x", Data: strings.NewReader("a")})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestResolveLatestAndPinned(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		_, err := reg.Publish(ctx, PublishInput{Slug: "etl", Version: version, Data: strings.NewReader(version)})
		require.NoError(t, err)
	}

	latest, err := reg.Resolve(ctx, &core.BundleBinding{Strategy: core.BundleLatest, Slug: "etl"})
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)

	pinned, err := reg.Resolve(ctx, &core.BundleBinding{Strategy: core.BundlePinned, Slug: "etl", Version: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", pinned.Version)

	// Deprecating the head shifts latest.
	require.NoError(t, reg.Deprecate(ctx, "etl", "1.10.0"))
	latest, err = reg.Resolve(ctx, &core.BundleBinding{Strategy: core.BundleLatest, Slug: "etl"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest.Version)
}

func TestOpenDetectsChecksumMismatch(t *testing.T) {
	reg, _, store := newTestRegistry()
	ctx := context.Background()

	v, err := reg.Publish(ctx, PublishInput{Slug: "x", Version: "1.0.0", Data: strings.NewReader("original")})
	require.NoError(t, err)

	store.blobs[v.ArtifactPath] = []byte("tampered")
	_, err = reg.Open(ctx, v)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFatal))
}

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner([]byte("secret"))
	now := time.Now()

	token := signer.Sign("etl", "1.0.0", now.Add(time.Hour))
	require.NoError(t, signer.Verify("etl", "1.0.0", token, now))

	assert.Error(t, signer.Verify("etl", "2.0.0", token, now), "version mismatch")
	assert.Error(t, signer.Verify("other", "1.0.0", token, now), "slug mismatch")
	assert.Error(t, signer.Verify("etl", "1.0.0", token, now.Add(2*time.Hour)), "expired")
	assert.Error(t, signer.Verify("etl", "1.0.0", "garbage", now))
}

type flakyStore struct {
	*memStore
	failures int
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, core.TransientErr(nil, "blob backend unavailable")
	}
	return f.memStore.Get(ctx, path)
}

func TestOpenRetriesTransientStoreFailures(t *testing.T) {
	repo := newFakeBundleRepo()
	store := &flakyStore{memStore: newMemStore(), failures: 2}
	reg := NewRegistry(repo, store, nil, 0)
	ctx := context.Background()

	v, err := reg.Publish(ctx, PublishInput{Slug: "etl", Version: "1.0.0", Data: strings.NewReader("payload")})
	require.NoError(t, err)
	store.calls = 0

	rc, err := reg.Open(ctx, v)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 3, store.calls)
}

func TestOpenDoesNotRetryMissingArtifacts(t *testing.T) {
	repo := newFakeBundleRepo()
	store := &flakyStore{memStore: newMemStore()}
	reg := NewRegistry(repo, store, nil, 0)
	ctx := context.Background()

	v, err := reg.Publish(ctx, PublishInput{Slug: "etl", Version: "1.0.0", Data: strings.NewReader("payload")})
	require.NoError(t, err)
	delete(store.blobs, v.ArtifactPath)
	store.calls = 0

	_, err = reg.Open(ctx, v)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.Equal(t, 1, store.calls)
}
