package quota

import (
	"time"

	"github.com/nodeplane/xpd/pkg/types"
)

// defaultResetConfig is used when neither the user nor the node carries an
// explicit reset configuration: a monthly reset on the 1st, in the default
// user timezone offset.
func defaultResetConfig() *types.ResetConfig {
	offset := types.DefaultUserTZOffsetMinutes
	return &types.ResetConfig{Policy: types.ResetPolicyMonthly, DayOfMonth: 1, TZOffsetMinutes: &offset}
}

// resolveEffectiveReset picks the reset configuration governing a
// (user, node) quota pairing: UserNodeQuota.ResetSource selects user or
// node, defaulting to "user" when no UserNodeQuota record exists.
func resolveEffectiveReset(user *types.User, node *types.Node, unq *types.UserNodeQuota) *types.ResetConfig {
	source := types.QuotaResetSourceUser
	if unq != nil && unq.ResetSource != "" {
		source = unq.ResetSource
	}

	var cfg *types.ResetConfig
	if source == types.QuotaResetSourceNode && node != nil {
		cfg = node.Reset
	} else if user != nil {
		cfg = user.Reset
	}
	if cfg == nil {
		cfg = defaultResetConfig()
	}
	if cfg.TZOffsetMinutes == nil {
		offset := types.DefaultUserTZOffsetMinutes
		cp := *cfg
		cp.TZOffsetMinutes = &offset
		cfg = &cp
	}
	return cfg
}

// farFuture stands in for "never" on an unlimited reset policy's cycle end.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// computeCycleBounds returns the [start, end) of the quota cycle containing
// now, per cfg. For ResetPolicyUnlimited, the cycle never rolls over.
func computeCycleBounds(now time.Time, cfg *types.ResetConfig) (start, end time.Time) {
	if cfg.Policy == types.ResetPolicyUnlimited {
		return time.Unix(0, 0).UTC(), farFuture
	}

	offset := time.Duration(*cfg.TZOffsetMinutes) * time.Minute
	local := now.UTC().Add(offset)

	day := cfg.DayOfMonth
	if day < 1 {
		day = 1
	}
	thisBoundary := monthBoundary(local, day)

	var startLocal, endLocal time.Time
	if !local.Before(thisBoundary) {
		startLocal = thisBoundary
		endLocal = monthBoundary(thisBoundary.AddDate(0, 1, 0), day)
	} else {
		endLocal = thisBoundary
		startLocal = monthBoundary(thisBoundary.AddDate(0, -1, 0), day)
	}
	return startLocal.Add(-offset), endLocal.Add(-offset)
}

// monthBoundary returns 00:00 on dayOfMonth in ref's month, clamped to the
// last day of that month when dayOfMonth doesn't exist in it (e.g. 31 in
// February).
func monthBoundary(ref time.Time, dayOfMonth int) time.Time {
	year, month, _ := ref.Date()
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if dayOfMonth > lastDay {
		dayOfMonth = lastDay
	}
	return time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC)
}
