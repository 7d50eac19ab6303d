package store

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationIDsAreOrderedAndUnique(t *testing.T) {
	ids := make([]string, len(migrations))
	for i, m := range migrations {
		ids[i] = m.id
	}
	assert.True(t, sort.StringsAreSorted(ids), "migration ids must apply in lexical order")

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate migration id %s", id)
		seen[id] = true
	}
}

func TestBundleVersionArtifactColumns(t *testing.T) {
	require.NotEmpty(t, migrations)
	last := migrations[len(migrations)-1]
	assert.Equal(t, "016_job_bundle_artifact_columns", last.id)
	assert.Contains(t, last.sql, "artifact_data BYTEA")
	assert.Contains(t, last.sql, "published_by_token_hash TEXT")
}
