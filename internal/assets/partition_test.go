package assets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
)

func TestBucketStart(t *testing.T) {
	// Wednesday 2025-01-08 13:42:17 UTC.
	ts := time.Date(2025, 1, 8, 13, 42, 17, 0, time.UTC)

	tests := []struct {
		granularity core.Granularity
		want        time.Time
	}{
		{core.GranularityHour, time.Date(2025, 1, 8, 13, 0, 0, 0, time.UTC)},
		{core.GranularityDay, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)},
		{core.GranularityWeek, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)}, // Monday
		{core.GranularityMonth, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := BucketStart(ts, tc.granularity)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "granularity %s", tc.granularity)
	}
}

func TestBucketStartWeekOnSunday(t *testing.T) {
	// Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2025, 1, 12, 8, 0, 0, 0, time.UTC)
	got, err := BucketStart(sunday, core.GranularityWeek)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), got)
}

func TestEnumerateWindowsDay(t *testing.T) {
	p := &core.Partitioning{
		Type:            core.PartitioningTimeWindow,
		Granularity:     core.GranularityDay,
		Format:          FormatDay,
		LookbackWindows: 3,
	}
	now := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	keys, err := EnumerateWindows(p, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-05", "2025-01-04", "2025-01-03"}, keys)
}

func TestEnumerateWindowsDefaultLookback(t *testing.T) {
	p := &core.Partitioning{
		Type:        core.PartitioningTimeWindow,
		Granularity: core.GranularityHour,
	}
	keys, err := EnumerateWindows(p, time.Date(2025, 3, 1, 5, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, keys, 24)
	assert.Equal(t, "2025-03-01T05", keys[0])
	assert.Equal(t, "2025-02-28T06", keys[23])
}

func TestValidateKeyTimeWindow(t *testing.T) {
	p := &core.Partitioning{
		Type:        core.PartitioningTimeWindow,
		Granularity: core.GranularityDay,
		Format:      FormatDay,
	}

	require.NoError(t, ValidateKey(p, "2025-01-05"))

	err := ValidateKey(p, "2025-01-05T00")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))

	err = ValidateKey(p, "not-a-date")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestValidateKeyStatic(t *testing.T) {
	p := &core.Partitioning{Type: core.PartitioningStatic, Keys: []string{"eu", "us"}}
	require.NoError(t, ValidateKey(p, "eu"))
	assert.Error(t, ValidateKey(p, "apac"))
}

func TestValidateKeyDynamic(t *testing.T) {
	p := &core.Partitioning{Type: core.PartitioningDynamic}
	require.NoError(t, ValidateKey(p, "tenant-42"))
	assert.Error(t, ValidateKey(p, ""))
}

func TestValidateRunKeyAgainstDeclaration(t *testing.T) {
	decl := &core.AssetDeclaration{
		AssetID: "sales",
		Partitioning: &core.Partitioning{
			Type:        core.PartitioningTimeWindow,
			Granularity: core.GranularityDay,
			Format:      FormatDay,
		},
	}

	err := ValidateRunKeyAgainstDeclaration(decl, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partitionKey is required")

	bad := "2025-01-05T00"
	require.Error(t, ValidateRunKeyAgainstDeclaration(decl, &bad))

	good := "2025-01-05"
	require.NoError(t, ValidateRunKeyAgainstDeclaration(decl, &good))

	// Unpartitioned workflows reject a key.
	key := "2025-01-05"
	require.Error(t, ValidateRunKeyAgainstDeclaration(nil, &key))
	require.NoError(t, ValidateRunKeyAgainstDeclaration(nil, nil))
}
