package store

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type bundleRepo struct {
	pool *pgxpool.Pool
}

const bundleVersionColumns = `
id, bundle_id, slug, version, manifest, checksum, capability_flags,
artifact_storage, artifact_path, artifact_content_type, artifact_size,
immutable, status, published_by, published_by_kind, published_at, deprecated_at`

func scanBundleVersion(row pgx.Row) (*core.JobBundleVersion, error) {
	var v core.JobBundleVersion
	err := row.Scan(&v.ID, &v.BundleID, &v.Slug, &v.Version, &v.Manifest,
		&v.Checksum, &v.CapabilityFlags, &v.ArtifactStorage, &v.ArtifactPath,
		&v.ArtifactContentType, &v.ArtifactSize, &v.Immutable, &v.Status,
		&v.PublishedBy, &v.PublishedByKind, &v.PublishedAt, &v.DeprecatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *bundleRepo) Publish(ctx context.Context, version *core.JobBundleVersion, force bool) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		now := nowUTC()
		var bundleID string
		err := tx.QueryRow(ctx, `
INSERT INTO job_bundles (id, slug, display_name, created_at, updated_at)
VALUES ($1, $2, $2, $3, $3)
ON CONFLICT (slug) DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING id`, uuid.NewString(), version.Slug, now).Scan(&bundleID)
		if err != nil {
			return core.TransientErr(err, "upsert bundle %s", version.Slug)
		}
		version.BundleID = bundleID

		if !force {
			_, err = tx.Exec(ctx, `
INSERT INTO job_bundle_versions (`+bundleVersionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
				version.ID, version.BundleID, version.Slug, version.Version,
				version.Manifest, version.Checksum, version.CapabilityFlags,
				version.ArtifactStorage, version.ArtifactPath,
				version.ArtifactContentType, version.ArtifactSize,
				version.Immutable, version.Status, version.PublishedBy,
				version.PublishedByKind, version.PublishedAt, version.DeprecatedAt)
			if isUniqueViolation(err, "") {
				return core.ConflictErr("bundle %s@%s already published", version.Slug, version.Version)
			}
			if err != nil {
				return core.TransientErr(err, "insert bundle version %s@%s", version.Slug, version.Version)
			}
		} else {
			_, err = tx.Exec(ctx, `
INSERT INTO job_bundle_versions (`+bundleVersionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (slug, version) DO UPDATE SET
    manifest = EXCLUDED.manifest, checksum = EXCLUDED.checksum,
    capability_flags = EXCLUDED.capability_flags,
    artifact_storage = EXCLUDED.artifact_storage,
    artifact_path = EXCLUDED.artifact_path,
    artifact_content_type = EXCLUDED.artifact_content_type,
    artifact_size = EXCLUDED.artifact_size, immutable = EXCLUDED.immutable,
    status = EXCLUDED.status, published_by = EXCLUDED.published_by,
    published_by_kind = EXCLUDED.published_by_kind,
    published_at = EXCLUDED.published_at, deprecated_at = NULL`,
				version.ID, version.BundleID, version.Slug, version.Version,
				version.Manifest, version.Checksum, version.CapabilityFlags,
				version.ArtifactStorage, version.ArtifactPath,
				version.ArtifactContentType, version.ArtifactSize,
				version.Immutable, version.Status, version.PublishedBy,
				version.PublishedByKind, version.PublishedAt, version.DeprecatedAt)
			if err != nil {
				return core.TransientErr(err, "replace bundle version %s@%s", version.Slug, version.Version)
			}
		}

		return r.refreshLatestTx(ctx, tx, version.Slug, bundleID)
	})
}

// refreshLatestTx recomputes job_bundles.latest_version after a publish or
// deprecate. Semver ordering happens here since SQL cannot compare semvers.
func (r *bundleRepo) refreshLatestTx(ctx context.Context, tx pgx.Tx, slug, bundleID string) error {
	rows, err := tx.Query(ctx,
		`SELECT version FROM job_bundle_versions WHERE slug = $1 AND status = 'published'`, slug)
	if err != nil {
		return core.TransientErr(err, "list versions for %s", slug)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return core.TransientErr(err, "list versions for %s", slug)
	}

	var latest *semver.Version
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	var latestStr *string
	if latest != nil {
		s := latest.Original()
		latestStr = &s
	}
	_, err = tx.Exec(ctx,
		`UPDATE job_bundles SET latest_version = $2, updated_at = $3 WHERE id = $1`,
		bundleID, latestStr, nowUTC())
	if err != nil {
		return core.TransientErr(err, "update latest version for %s", slug)
	}
	return nil
}

func (r *bundleRepo) GetVersion(ctx context.Context, slug, version string) (*core.JobBundleVersion, error) {
	v, err := scanBundleVersion(r.pool.QueryRow(ctx,
		`SELECT `+bundleVersionColumns+` FROM job_bundle_versions WHERE slug = $1 AND version = $2`,
		slug, version))
	if err != nil {
		return nil, notFound(err, "bundle %s@%s not found", slug, version)
	}
	return v, nil
}

func (r *bundleRepo) LatestPublished(ctx context.Context, slug string) (*core.JobBundleVersion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bundleVersionColumns+` FROM job_bundle_versions WHERE slug = $1 AND status = 'published'`,
		slug)
	if err != nil {
		return nil, core.TransientErr(err, "list published versions for %s", slug)
	}
	defer rows.Close()

	var (
		best    *core.JobBundleVersion
		bestVer *semver.Version
	)
	for rows.Next() {
		v, err := scanBundleVersion(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan bundle version")
		}
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if bestVer == nil || parsed.GreaterThan(bestVer) {
			best, bestVer = v, parsed
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.TransientErr(err, "list published versions for %s", slug)
	}
	if best == nil {
		return nil, core.NotFoundErr("no published versions for %q", slug)
	}
	return best, nil
}

func (r *bundleRepo) Deprecate(ctx context.Context, slug, version string, at time.Time) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var bundleID string
		err := tx.QueryRow(ctx, `
UPDATE job_bundle_versions SET status = 'deprecated', deprecated_at = $3
WHERE slug = $1 AND version = $2
RETURNING bundle_id`, slug, version, at).Scan(&bundleID)
		if err != nil {
			return notFound(err, "bundle %s@%s not found", slug, version)
		}
		return r.refreshLatestTx(ctx, tx, slug, bundleID)
	})
}

func (r *bundleRepo) GetBundle(ctx context.Context, slug string) (*core.JobBundle, error) {
	var b core.JobBundle
	err := r.pool.QueryRow(ctx, `
SELECT id, slug, display_name, description, latest_version, created_at, updated_at
FROM job_bundles WHERE slug = $1`, slug).
		Scan(&b.ID, &b.Slug, &b.DisplayName, &b.Description, &b.LatestVersion,
			&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "bundle %s not found", slug)
	}
	return &b, nil
}

func (r *bundleRepo) ListVersions(ctx context.Context, slug string) ([]*core.JobBundleVersion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bundleVersionColumns+` FROM job_bundle_versions WHERE slug = $1 ORDER BY published_at DESC`,
		slug)
	if err != nil {
		return nil, core.TransientErr(err, "list versions for %s", slug)
	}
	defer rows.Close()

	var versions []*core.JobBundleVersion
	for rows.Next() {
		v, err := scanBundleVersion(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan bundle version")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
