// Package calendar answers exchange trading-hour questions for a given day.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Session is one trading day's regular hours.
type Session struct {
	Open  time.Time
	Close time.Time
}

// Provider returns trading hours for an exchange on a date. ok is false when
// the exchange is closed that day or unknown.
type Provider interface {
	Schedule(exchange string, day time.Time) (Session, bool)
}

type hours struct {
	openHour, openMin   int
	closeHour, closeMin int
}

// Regular hours in exchange-local (New York) time. CBOE quotes index options
// until 16:15.
var regularHours = map[string]hours{
	"NYSE":     {9, 30, 16, 0},
	"NASDAQ":   {9, 30, 16, 0},
	"ARCA":     {9, 30, 16, 0},
	"NYSEARCA": {9, 30, 16, 0},
	"AMEX":     {9, 30, 16, 0},
	"BATS":     {9, 30, 16, 0},
	"ISLAND":   {9, 30, 16, 0},
	"SMART":    {9, 30, 16, 0},
	"CBOE":     {9, 30, 16, 15},
}

// Static is a table-driven calendar with configurable holidays and early
// closes. Early closes apply to every exchange; index options keep their
// extra fifteen minutes.
type Static struct {
	loc         *time.Location
	holidays    map[string]bool
	earlyCloses map[string]hours
}

// NewStatic builds a calendar in loc. holidays are YYYY-MM-DD; earlyCloses
// map YYYY-MM-DD to HH:MM.
func NewStatic(loc *time.Location, holidays []string, earlyCloses map[string]string) (*Static, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Static{
		loc:         loc,
		holidays:    make(map[string]bool, len(holidays)),
		earlyCloses: make(map[string]hours, len(earlyCloses)),
	}
	for _, d := range holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		s.holidays[d] = true
	}
	for d, hm := range earlyCloses {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("early close %q: %w", d, err)
		}
		t, err := time.Parse("15:04", hm)
		if err != nil {
			return nil, fmt.Errorf("early close %s time %q: %w", d, hm, err)
		}
		s.earlyCloses[d] = hours{closeHour: t.Hour(), closeMin: t.Minute()}
	}
	return s, nil
}

// Location returns the calendar's timezone.
func (s *Static) Location() *time.Location {
	return s.loc
}

// Schedule implements Provider.
func (s *Static) Schedule(exchange string, day time.Time) (Session, bool) {
	h, ok := regularHours[strings.ToUpper(strings.TrimSpace(exchange))]
	if !ok {
		return Session{}, false
	}
	local := day.In(s.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Session{}, false
	}
	key := local.Format("2006-01-02")
	if s.holidays[key] {
		return Session{}, false
	}

	y, m, d := local.Date()
	open := time.Date(y, m, d, h.openHour, h.openMin, 0, 0, s.loc)
	closeAt := time.Date(y, m, d, h.closeHour, h.closeMin, 0, 0, s.loc)
	if ec, ok := s.earlyCloses[key]; ok {
		early := time.Date(y, m, d, ec.closeHour, ec.closeMin, 0, 0, s.loc)
		// keep the index-option tail past the equity close
		early = early.Add(closeAt.Sub(time.Date(y, m, d, 16, 0, 0, 0, s.loc)))
		if early.Before(closeAt) {
			closeAt = early
		}
	}
	if !open.Before(closeAt) {
		return Session{}, false
	}
	return Session{Open: open, Close: closeAt}, true
}

// ExpirationClose returns the close time on an option's expiration date.
func ExpirationClose(p Provider, exchange, expiration string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation("20060102", expiration, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing expiration %q: %w", expiration, err)
	}
	sess, ok := p.Schedule(exchange, day)
	if !ok {
		return time.Time{}, fmt.Errorf("no %s session on expiration %s", exchange, expiration)
	}
	return sess.Close, nil
}

// AnyOpenToday reports whether at least one exchange trades on now's date and
// has not closed yet.
func AnyOpenToday(p Provider, exchanges []string, now time.Time) bool {
	for _, ex := range exchanges {
		if sess, ok := p.Schedule(ex, now); ok && now.Before(sess.Close) {
			return true
		}
	}
	return false
}
