package util

import (
	"fmt"
	"time"
)

// TradingWindow is a daily trading window in a fixed timezone. Start and End
// are "HH:MM" wall-clock strings. Windows that cross midnight (Start > End)
// are supported.
type TradingWindow struct {
	Start    string
	End      string
	Timezone string
}

// Contains reports whether now falls inside the window. An error means the
// window itself is misconfigured; callers should treat that as "do not
// trade".
func (w TradingWindow) Contains(now time.Time) (bool, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("loading timezone %q: %w", w.Timezone, err)
	}

	start, err := parseClock(w.Start)
	if err != nil {
		return false, fmt.Errorf("parsing window start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, fmt.Errorf("parsing window end: %w", err)
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	// Overnight window, e.g. 22:00-02:00.
	if start > end {
		return cur >= start || cur <= end, nil
	}
	return cur >= start && cur <= end, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}
