package bus

import (
	"time"
)

// MarketCalendar answers trading-day and session-time questions for US
// equity options (NYSE schedule, America/New_York).
type MarketCalendar struct {
	loc *time.Location
}

// NewMarketCalendar loads the exchange timezone.
func NewMarketCalendar() (*MarketCalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &MarketCalendar{loc: loc}, nil
}

// Location returns the exchange timezone.
func (c *MarketCalendar) Location() *time.Location { return c.loc }

// IsTradingDay reports whether the exchange is open on the given date.
func (c *MarketCalendar) IsTradingDay(t time.Time) bool {
	day := t.In(c.loc)
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.isHoliday(day)
}

// SessionOpen returns 09:30 ET on the given date.
func (c *MarketCalendar) SessionOpen(t time.Time) time.Time {
	d := t.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, c.loc)
}

// SessionClose returns 16:00 ET, or 13:00 ET on early-close days.
func (c *MarketCalendar) SessionClose(t time.Time) time.Time {
	d := t.In(c.loc)
	hour := 16
	if c.isEarlyClose(d) {
		hour = 13
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, c.loc)
}

// InSession reports whether t falls inside regular trading hours.
func (c *MarketCalendar) InSession(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	d := t.In(c.loc)
	return !d.Before(c.SessionOpen(d)) && d.Before(c.SessionClose(d))
}

// NextTradingDay returns the next date the exchange is open, after t.
func (c *MarketCalendar) NextTradingDay(t time.Time) time.Time {
	d := t.In(c.loc).AddDate(0, 0, 1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
}

func (c *MarketCalendar) isHoliday(d time.Time) bool {
	y := d.Year()
	for _, h := range holidays(y) {
		if sameDay(d, h) {
			return true
		}
	}
	return false
}

// isEarlyClose covers the 13:00 ET sessions: July 3 (when July 4 is a
// weekday), the day after Thanksgiving, and Christmas Eve on a weekday.
func (c *MarketCalendar) isEarlyClose(d time.Time) bool {
	y := d.Year()

	july4 := time.Date(y, time.July, 4, 0, 0, 0, 0, d.Location())
	if july4.Weekday() != time.Saturday && july4.Weekday() != time.Sunday {
		if sameDay(d, july4.AddDate(0, 0, -1)) && d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			return true
		}
	}

	thanksgiving := nthWeekday(y, time.November, time.Thursday, 4, d.Location())
	if sameDay(d, thanksgiving.AddDate(0, 0, 1)) {
		return true
	}

	xmasEve := time.Date(y, time.December, 24, 0, 0, 0, 0, d.Location())
	if sameDay(d, xmasEve) && xmasEve.Weekday() != time.Saturday && xmasEve.Weekday() != time.Sunday {
		return true
	}

	return false
}

func holidays(y int) []time.Time {
	loc := time.UTC
	return []time.Time{
		observed(time.Date(y, time.January, 1, 0, 0, 0, 0, loc)),
		nthWeekday(y, time.January, time.Monday, 3, loc),  // MLK
		nthWeekday(y, time.February, time.Monday, 3, loc), // Presidents
		goodFriday(y, loc),
		lastWeekday(y, time.May, time.Monday, loc), // Memorial
		observed(time.Date(y, time.June, 19, 0, 0, 0, 0, loc)),
		observed(time.Date(y, time.July, 4, 0, 0, 0, 0, loc)),
		nthWeekday(y, time.September, time.Monday, 1, loc),  // Labor
		nthWeekday(y, time.November, time.Thursday, 4, loc), // Thanksgiving
		observed(time.Date(y, time.December, 25, 0, 0, 0, 0, loc)),
	}
}

// observed shifts weekend holidays to the adjacent weekday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, (n-1)*7)
}

func lastWeekday(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// goodFriday derives from Easter via the anonymous Gregorian algorithm.
func goodFriday(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	return easter.AddDate(0, 0, -2)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
