package orders

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session is the trading window orders are accepted in. Weekends are
// always closed; the window is inclusive of open and exclusive of close.
type Session struct {
	openMinute  int
	closeMinute int
	loc         *time.Location
}

// NewSession parses "HH:MM" bounds in the given IANA timezone.
func NewSession(open, close, tz string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", tz, err)
	}
	openMin, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("parse market open %q: %w", open, err)
	}
	closeMin, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("parse market close %q: %w", close, err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("market close %q must be after open %q", close, open)
	}
	return &Session{openMinute: openMin, closeMinute: closeMin, loc: loc}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func (s *Session) OpenAt(t time.Time) bool {
	local := t.In(s.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= s.openMinute && minute < s.closeMinute
}
