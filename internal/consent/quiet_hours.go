package consent

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultQuietStart = "22:00"
	DefaultQuietEnd   = "08:00"
)

// QuietHours is a recipient-local window, possibly wrapping midnight.
// Start is inclusive and End is exclusive.
type QuietHours struct {
	start time.Duration
	end   time.Duration
}

// ParseQuietHours parses "15:04" clock values.
func ParseQuietHours(start, end string) (QuietHours, error) {
	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("invalid quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("invalid quiet hours end: %w", err)
	}
	return QuietHours{start: s, end: e}, nil
}

// DefaultQuietHours returns the 22:00-08:00 window.
func DefaultQuietHours() QuietHours {
	q, _ := ParseQuietHours(DefaultQuietStart, DefaultQuietEnd)
	return q
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Enabled reports whether the window has any length.
func (q QuietHours) Enabled() bool {
	return q.start != q.end
}

// Contains reports whether the local clock of ts falls inside the window.
func (q QuietHours) Contains(ts time.Time) bool {
	if !q.Enabled() {
		return false
	}
	clock := sinceMidnight(ts)
	if q.start < q.end {
		return clock >= q.start && clock < q.end
	}
	return clock >= q.start || clock < q.end
}

// NextEnd returns the first instant at or after ts where the window closes,
// expressed in ts's location.
func (q QuietHours) NextEnd(ts time.Time) time.Time {
	y, m, d := ts.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
	end := midnight.Add(q.end)
	if !end.After(ts) {
		end = time.Date(y, m, d+1, 0, 0, 0, 0, ts.Location()).Add(q.end)
	}
	return end
}

func sinceMidnight(ts time.Time) time.Duration {
	return time.Duration(ts.Hour())*time.Hour +
		time.Duration(ts.Minute())*time.Minute +
		time.Duration(ts.Second())*time.Second
}
