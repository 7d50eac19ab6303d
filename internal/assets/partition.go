// Package assets implements the asset ledger: materializations, staleness
// markers and partitioning policy.
package assets

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/apphub/apphub/internal/core"
)

// Partition key format strings accepted for time-window partitioning.
const (
	FormatDay    = "YYYY-MM-DD"
	FormatHour   = "YYYY-MM-DDTHH"
	FormatMinute = "YYYY-MM-DDTHH:mm"
	FormatISO    = "ISO-8601"
)

var formatLayouts = map[string]string{
	FormatDay:    "2006-01-02",
	FormatHour:   "2006-01-02T15",
	FormatMinute: "2006-01-02T15:04",
	FormatISO:    time.RFC3339,
}

// layoutFor maps a declared format to a Go time layout. An empty format
// falls back to the granularity default.
func layoutFor(format string, granularity core.Granularity) (string, error) {
	if format == "" {
		if granularity == core.GranularityHour {
			format = FormatHour
		} else {
			format = FormatDay
		}
	}
	layout, ok := formatLayouts[format]
	if !ok {
		return "", core.ValidationErr("unknown partition format %q", format)
	}
	return layout, nil
}

// BucketStart aligns t down to the start of its window: hour to minute 0,
// day to midnight, week to Monday 00:00, month to the first day 00:00.
func BucketStart(t time.Time, granularity core.Granularity) (time.Time, error) {
	t = t.UTC()
	switch granularity {
	case core.GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC), nil
	case core.GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case core.GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday starts on Sunday; shift so Monday opens the week.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	case core.GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, core.ValidationErr("unknown granularity %q", granularity)
	}
}

func advance(t time.Time, granularity core.Granularity, n int) time.Time {
	switch granularity {
	case core.GranularityHour:
		return t.Add(time.Duration(n) * time.Hour)
	case core.GranularityDay:
		return t.AddDate(0, 0, n)
	case core.GranularityWeek:
		return t.AddDate(0, 0, 7*n)
	case core.GranularityMonth:
		return t.AddDate(0, n, 0)
	default:
		return t
	}
}

// EnumerateWindows returns the partition keys of the lookback window,
// newest first, as UTC-aligned buckets ending at now.
func EnumerateWindows(p *core.Partitioning, now time.Time) ([]string, error) {
	if p == nil || p.Type != core.PartitioningTimeWindow {
		return nil, core.ValidationErr("asset is not time-window partitioned")
	}
	layout, err := layoutFor(p.Format, p.Granularity)
	if err != nil {
		return nil, err
	}
	lookback := p.LookbackWindows
	if lookback <= 0 {
		lookback = p.Granularity.DefaultLookbackWindows()
	}
	if lookback <= 0 {
		return nil, core.ValidationErr("unknown granularity %q", p.Granularity)
	}

	start, err := BucketStart(now, p.Granularity)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, lookback)
	for i := 0; i < lookback; i++ {
		keys = append(keys, advance(start, p.Granularity, -i).Format(layout))
	}
	return keys, nil
}

// KeyForTime formats the partition key addressing the window t falls in.
// The scheduler uses it to derive keys from cron occurrence times.
func KeyForTime(p *core.Partitioning, t time.Time) (string, error) {
	if p == nil || p.Type != core.PartitioningTimeWindow {
		return "", core.ValidationErr("asset is not time-window partitioned")
	}
	layout, err := layoutFor(p.Format, p.Granularity)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(layout), nil
}

// ValidateKey checks a partition key against the declared scheme: static
// keys must be in the declared set, time-window keys must parse with the
// declared format, dynamic keys accept any non-empty string.
func ValidateKey(p *core.Partitioning, key string) error {
	if p == nil {
		return core.ValidationErr("asset is not partitioned")
	}
	if key == "" {
		return core.ValidationErr("partitionKey must not be empty")
	}
	switch p.Type {
	case core.PartitioningStatic:
		if !lo.Contains(p.Keys, key) {
			return core.ValidationErr("partition key %q is not in the declared set", key)
		}
		return nil
	case core.PartitioningTimeWindow:
		layout, err := layoutFor(p.Format, p.Granularity)
		if err != nil {
			return err
		}
		parsed, err := time.Parse(layout, key)
		if err != nil {
			return core.ValidationErr("partition key %q does not match format %s", key, formatName(p))
		}
		// Round-trip so "2025-01-05T00" cannot pass a day format.
		if parsed.Format(layout) != key {
			return core.ValidationErr("partition key %q does not match format %s", key, formatName(p))
		}
		return nil
	case core.PartitioningDynamic:
		return nil
	default:
		return core.ValidationErr("unknown partitioning type %q", p.Type)
	}
}

func formatName(p *core.Partitioning) string {
	if p.Format != "" {
		return p.Format
	}
	if p.Granularity == core.GranularityHour {
		return FormatHour
	}
	return FormatDay
}

// ValidateRunKeyAgainstDeclaration gates run creation for partitioned
// workflows: a partitioned declaration requires a key, an unpartitioned
// one forbids it.
func ValidateRunKeyAgainstDeclaration(decl *core.AssetDeclaration, partitionKey *string) error {
	if decl == nil || decl.Partitioning == nil {
		if partitionKey != nil && *partitionKey != "" {
			return core.ValidationErr("workflow is not partitioned; partitionKey is not allowed")
		}
		return nil
	}
	if partitionKey == nil || *partitionKey == "" {
		return core.ValidationErr("partitionKey is required").
			WithDetail("assetId", decl.AssetID)
	}
	if err := ValidateKey(decl.Partitioning, *partitionKey); err != nil {
		return err
	}
	return nil
}

// WindowBounds returns the [start, end) bounds of the window the key
// addresses, used for schedule window snapshots.
func WindowBounds(p *core.Partitioning, key string) (time.Time, time.Time, error) {
	layout, err := layoutFor(p.Format, p.Granularity)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := time.Parse(layout, key)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse partition key: %w", err)
	}
	return start, advance(start, p.Granularity, 1), nil
}
