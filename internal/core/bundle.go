package core

import (
	"encoding/json"
	"time"
)

// ArtifactStorage selects where a bundle artifact lives.
type ArtifactStorage string

const (
	ArtifactStorageLocal ArtifactStorage = "local"
	ArtifactStorageS3    ArtifactStorage = "s3"
)

// JobBundle is the addressable family of versioned job artifacts.
type JobBundle struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	DisplayName   string    `json:"displayName"`
	Description   string    `json:"description,omitempty"`
	LatestVersion *string   `json:"latestVersion,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// JobBundleVersion is one (slug, version) artifact.
type JobBundleVersion struct {
	ID                  string              `json:"id"`
	BundleID            string              `json:"bundleId"`
	Slug                string              `json:"slug"`
	Version             string              `json:"version"`
	Manifest            json.RawMessage     `json:"manifest,omitempty"`
	Checksum            string              `json:"checksum"`
	CapabilityFlags     []string            `json:"capabilityFlags,omitempty"`
	ArtifactStorage     ArtifactStorage     `json:"artifactStorage"`
	ArtifactPath        string              `json:"artifactPath"`
	ArtifactContentType string              `json:"artifactContentType,omitempty"`
	ArtifactSize        *int64              `json:"artifactSize,omitempty"`
	Immutable           bool                `json:"immutable"`
	Status              BundleVersionStatus `json:"status"`
	PublishedBy         string              `json:"publishedBy,omitempty"`
	PublishedByKind     string              `json:"publishedByKind,omitempty"`
	PublishedAt         time.Time           `json:"publishedAt"`
	DeprecatedAt        *time.Time          `json:"deprecatedAt,omitempty"`
}
