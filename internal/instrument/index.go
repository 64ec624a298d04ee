package instrument

import (
	"strings"
	"time"

	"tradedesk/internal/domain"
)

// IndexSpec holds the derivative contract rules of an index.
type IndexSpec struct {
	Symbol        string
	Exchange      string
	WeeklyExpiry  time.Weekday
	MonthlyExpiry time.Weekday
	LotQuantity   int64
	MaxLots       int64
	StepSize      int64
}

// MaxOrderQty is the largest quantity the exchange accepts in one order for
// the index's derivatives.
func (s IndexSpec) MaxOrderQty() int64 {
	return s.MaxLots * s.LotQuantity / 10
}

// Indices lists the index derivatives with known contract rules.
var Indices = map[string]IndexSpec{
	"NIFTY":     {Symbol: "NIFTY", Exchange: domain.ExchangeNSE, WeeklyExpiry: time.Thursday, MonthlyExpiry: time.Thursday, LotQuantity: 25, MaxLots: 720, StepSize: 50},
	"BANKNIFTY": {Symbol: "BANKNIFTY", Exchange: domain.ExchangeNSE, WeeklyExpiry: time.Wednesday, MonthlyExpiry: time.Thursday, LotQuantity: 15, MaxLots: 600, StepSize: 100},
	"FINNIFTY":  {Symbol: "FINNIFTY", Exchange: domain.ExchangeNSE, WeeklyExpiry: time.Tuesday, MonthlyExpiry: time.Tuesday, LotQuantity: 40, MaxLots: 450, StepSize: 50},
	"SENSEX":    {Symbol: "SENSEX", Exchange: domain.ExchangeBSE, WeeklyExpiry: time.Friday, MonthlyExpiry: time.Friday, LotQuantity: 10, MaxLots: 1000, StepSize: 100},
}

// IndexFor returns the spec of the index underlying a derivative symbol such
// as "NIFTY 29 AUG 2024 CE 24000.00".
func IndexFor(symbol string) (IndexSpec, bool) {
	root, _, _ := strings.Cut(strings.ToUpper(symbol), " ")
	spec, ok := Indices[root]
	return spec, ok
}

// withIndexLimits fills QtyLimit for index derivatives whose master row did
// not carry one.
func withIndexLimits(inst domain.Instrument) domain.Instrument {
	if inst.QtyLimit != 0 || inst.ExchangeType != "D" {
		return inst
	}
	if spec, ok := IndexFor(inst.Symbol); ok {
		inst.QtyLimit = spec.MaxOrderQty()
	}
	return inst
}

// ExpiryCalculator picks contract expiry dates around exchange holidays.
type ExpiryCalculator struct {
	holidays map[string]bool
}

// NewExpiryCalculator creates a calculator with holidays in YYYYMMDD form.
func NewExpiryCalculator(holidays []string) *ExpiryCalculator {
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &ExpiryCalculator{holidays: h}
}

// CurrentExpiry returns the expiry that is current on today for the index:
// the weekly expiry, or the monthly one once the month's final week has
// started and the monthly expiry is less than a week away.
func (c *ExpiryCalculator) CurrentExpiry(spec IndexSpec, today time.Time) time.Time {
	today = dateOf(today)
	weekly := c.rollBack(nextWeekday(today, spec.WeeklyExpiry))
	monthly := c.rollBack(c.monthlyExpiry(today, spec.MonthlyExpiry))

	if isLastWeekOfMonth(today) && (today.Equal(monthly) || today.Equal(weekly)) {
		return today
	}
	if monthly.After(today) && monthly.Sub(today) < 7*24*time.Hour && isLastWeekOfMonth(today) {
		return monthly
	}
	return weekly
}

// monthlyExpiry is the last given weekday of today's month, or of next month
// when this month's has passed.
func (c *ExpiryCalculator) monthlyExpiry(today time.Time, wd time.Weekday) time.Time {
	last := lastWeekdayOfMonth(today.Year(), today.Month(), wd, today.Location())
	if last.Before(today) {
		next := today.AddDate(0, 1, 1-today.Day())
		last = lastWeekdayOfMonth(next.Year(), next.Month(), wd, today.Location())
	}
	return last
}

// rollBack moves d to the previous trading day while it is a weekend or a
// holiday.
func (c *ExpiryCalculator) rollBack(d time.Time) time.Time {
	for c.holidays[d.Format("20060102")] || d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(from.Weekday()) + 7) % 7
	return from.AddDate(0, 0, days)
}

func lastWeekdayOfMonth(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func isLastWeekOfMonth(d time.Time) bool {
	return d.AddDate(0, 0, 7).Month() != d.Month()
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
