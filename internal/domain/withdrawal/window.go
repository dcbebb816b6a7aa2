package withdrawal

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is the recurring period in which requests are queued and processed.
// Openings follow a cron expression (CRON_TZ= prefixes are honoured) and
// each stays open for a fixed duration. A window without a schedule is
// always open.
type Window struct {
	schedule cron.Schedule
	duration time.Duration
}

// NewWindow parses a cron expression. An empty expression yields an always-open window.
func NewWindow(expr string, duration time.Duration) (*Window, error) {
	if expr == "" {
		return &Window{}, nil
	}
	if duration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %s", duration)
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse window schedule %q: %w", expr, err)
	}
	return &Window{schedule: schedule, duration: duration}, nil
}

// AlwaysOpen returns a window with no schedule.
func AlwaysOpen() *Window {
	return &Window{}
}

// Contains reports whether t falls inside an opening.
func (w *Window) Contains(t time.Time) bool {
	if w.schedule == nil {
		return true
	}
	// The last opening at or before t is the first one after t-duration.
	start := w.schedule.Next(t.Add(-w.duration))
	return !start.After(t)
}

// NextOpen returns t when the window is open, otherwise the next opening.
func (w *Window) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	return w.schedule.Next(t)
}
