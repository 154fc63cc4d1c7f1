// Package schedule computes when a subscription is due next.
package schedule

import (
	"strings"
	"time"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// NextRunAt returns the next due time for freq relative to now.
// Unknown frequencies are treated like immediate.
func NextRunAt(freq types.Frequency, now time.Time) time.Time {
	switch freq {
	case types.FrequencyDaily:
		return now.Add(Day)
	case types.FrequencyWeekly:
		return now.Add(Week)
	default:
		return now
	}
}

// ParseFrequency normalises user input. Values that do not match a known
// frequency are returned trimmed but otherwise untouched.
func ParseFrequency(s string) types.Frequency {
	v := strings.TrimSpace(s)
	switch f := types.Frequency(strings.ToLower(v)); f {
	case types.FrequencyImmediate, types.FrequencyDaily, types.FrequencyWeekly:
		return f
	}
	return types.Frequency(v)
}
