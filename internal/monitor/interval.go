package monitor

import (
	"time"

	"github.com/m-nash/pr-copilot/internal/config"
)

// minAfterHoursSleep bounds the after-hours sleep from below so a clock
// right at the window edge still makes progress.
const minAfterHoursSleep = 60 * time.Second

// extensionWindow is the amount one EXTEND trigger adds.
const extensionWindow = 2 * time.Hour

// AfterHours reports whether now falls outside the configured working
// window: any weekend, or a weekday before StartHour or at/after EndHour.
func AfterHours(now time.Time, cfg *config.Config) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	h := now.Hour()
	return h < cfg.AfterHours.StartHour || h >= cfg.AfterHours.EndHour
}

// NextInterval returns the sleep before the next poll and whether the
// session entered the after-hours sleep. An active extension suspends the
// after-hours rule.
func NextInterval(now time.Time, checks CheckCounts, extensionUntil time.Time, cfg *config.Config) (time.Duration, bool) {
	if AfterHours(now, cfg) && !extensionUntil.After(now) {
		d := NextWorkStart(now, cfg).Sub(now)
		if d < minAfterHoursSleep {
			d = minAfterHoursSleep
		}
		return d, true
	}

	switch {
	case checks.Pending > 0 || checks.Queued > 0:
		return cfg.Poll.PendingInterval(), false
	case checks.Total == 0:
		return cfg.Poll.EmptyInterval(), false
	default:
		return cfg.Poll.CompleteInterval(), false
	}
}

// NextWorkStart returns the next weekday StartHour strictly after now.
func NextWorkStart(now time.Time, cfg *config.Config) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(),
		cfg.AfterHours.StartHour, 0, 0, 0, now.Location())
	for !candidate.After(now) || candidate.Weekday() == time.Saturday || candidate.Weekday() == time.Sunday {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// ExtendAfterHours adds two hours to an active extension, or starts a fresh
// two-hour window when none is active.
func ExtendAfterHours(s *MonitorState, now time.Time) {
	if s.ExtensionUntil.After(now) {
		s.ExtensionUntil = s.ExtensionUntil.Add(extensionWindow)
		return
	}
	s.ExtensionUntil = now.Add(extensionWindow)
}
