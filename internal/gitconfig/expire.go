// Package gitconfig resolves the one config value whose syntax the bitmap
// lifecycle core parses itself: gc.prunePackExpire, a Git time expression
// such as "now" or "3600.seconds.ago" (spec §3, §6).
//
// No library in the retrieval pack parses Git's approxidate grammar (it is
// a small, Git-specific syntax that git itself implements in C); the
// subset this program accepts — "now" and "<N>.<unit>.ago" — is therefore
// hand-rolled against the standard library rather than grounded on a
// third-party dependency. See DESIGN.md.
package gitconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GerritForge/ghs-actions-executor/internal/log"
)

// DefaultExpire is the value substituted when gc.prunePackExpire is absent
// or unparseable (spec §4.3, §6): one hour.
const DefaultExpire = "3600.seconds.ago"

// ParsePrunePackExpire parses the subset of Git's time-expression grammar
// this program needs relative to now.
func ParsePrunePackExpire(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("gitconfig: empty prunePackExpire")
	}

	if strings.EqualFold(raw, "now") {
		return now, nil
	}

	if d, ok := parseAgoExpression(raw); ok {
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("gitconfig: unparseable prunePackExpire %q", raw)
}

// ResolveCutoff resolves the effective prune cutoff for Preserver/PruneOrchestrator.
// present is false when the repository has no gc.prunePackExpire entry at all;
// an unparseable value is downgraded to a warning (spec §7 ConfigParse) and
// DefaultExpire is used instead of failing the action.
func ResolveCutoff(raw string, present bool, now time.Time, logger log.Logger) time.Time {
	if !present || strings.TrimSpace(raw) == "" {
		cutoff, _ := ParsePrunePackExpire(DefaultExpire, now)
		return cutoff
	}

	cutoff, err := ParsePrunePackExpire(raw, now)
	if err != nil {
		logger.WithField("gc.prunePackExpire", raw).WithError(err).
			Warn("unparseable gc.prunePackExpire, falling back to default")
		fallback, _ := ParsePrunePackExpire(DefaultExpire, now)
		return fallback
	}

	return cutoff
}

// parseAgoExpression parses "<N>.<unit(s)>.ago" expressions, e.g.
// "10.seconds.ago", "1.hour.ago", "3600.seconds.ago".
func parseAgoExpression(raw string) (time.Duration, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) < 3 || parts[len(parts)-1] != "ago" {
		return 0, false
	}

	unit := parts[len(parts)-2]
	countStr := strings.Join(parts[:len(parts)-2], ".")

	n, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return unitDuration(n, unit)
}

func unitDuration(n int64, unit string) (time.Duration, bool) {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "second":
		return time.Duration(n) * time.Second, true
	case "minute":
		return time.Duration(n) * time.Minute, true
	case "hour":
		return time.Duration(n) * time.Hour, true
	case "day":
		return time.Duration(n) * 24 * time.Hour, true
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour, true
	case "month":
		return time.Duration(n) * 30 * 24 * time.Hour, true
	case "year":
		return time.Duration(n) * 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
