package util

import (
	"time"
)

// TradingCalendar provides market-hours awareness for the Indian equity and
// derivatives segments (NSE/BSE, 09:15-15:30 IST, Monday to Friday, minus
// exchange holidays).
type TradingCalendar struct {
	loc      *time.Location
	open     time.Duration // offset from midnight
	close    time.Duration
	holidays map[string]bool // YYYYMMDD
}

// NewTradingCalendar creates a TradingCalendar with the given holiday list in
// YYYYMMDD form.
func NewTradingCalendar(holidays []string) *TradingCalendar {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &TradingCalendar{
		loc:      loc,
		open:     9*time.Hour + 15*time.Minute,
		close:    15*time.Hour + 30*time.Minute,
		holidays: h,
	}
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsHoliday reports whether the calendar date of t is an exchange holiday.
func (tc *TradingCalendar) IsHoliday(t time.Time) bool {
	return tc.holidays[t.In(tc.loc).Format("20060102")]
}

// IsTradingDay reports whether the calendar date of t is a weekday that is
// not a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(tc.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !tc.IsHoliday(local)
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	local := t.In(tc.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	since := local.Sub(midnight)
	return since >= tc.open && since < tc.close
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	for i := 0; i < 366; i++ {
		open := day.Add(tc.open)
		if tc.IsTradingDay(day) && !open.Before(local) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	for i := 0; i < 366; i++ {
		cl := day.Add(tc.close)
		if tc.IsTradingDay(day) && !cl.Before(local) {
			return cl
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}
