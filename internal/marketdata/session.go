package marketdata

import (
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar date format used for session dates.
const DateLayout = "2006-01-02"

// Regular NYSE trading hours, in fractional hours of the exchange's local day.
const (
	RegularOpenHour  = 9.5
	RegularCloseHour = 16.0
	ExchangeTimeZone = "America/New_York"
)

// SessionRange returns the UTC instants bounding a trading window on date.
// Hours are fractional (9.5 is 09:30) and interpreted in loc.
func SessionRange(date string, startHour, endHour float64, loc *time.Location) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse session date %q: %w", date, err)
	}
	if startHour < 0 || endHour > 24 || startHour > endHour {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid session hours %.2f-%.2f", startHour, endHour)
	}
	return atHour(day, startHour, loc).UTC(), atHour(day, endHour, loc).UTC(), nil
}

// atHour builds a wall-clock time so DST transitions are resolved by loc.
func atHour(day time.Time, hour float64, loc *time.Location) time.Time {
	whole := math.Floor(hour)
	minutes := int(math.Round((hour - whole) * 60))
	return time.Date(day.Year(), day.Month(), day.Day(), int(whole), minutes, 0, 0, loc)
}

// RegularHours returns the NYSE regular session for date.
func RegularHours(date string) (time.Time, time.Time, error) {
	loc, err := time.LoadLocation(ExchangeTimeZone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load exchange time zone: %w", err)
	}
	return SessionRange(date, RegularOpenHour, RegularCloseHour, loc)
}

// DatesInRange lists every calendar date from start to end inclusive.
// Weekends and holidays are not skipped; a data source returns no
// samples for them.
func DatesInRange(start, end string) ([]string, error) {
	from, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", start, err)
	}
	to, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("parse end date %q: %w", end, err)
	}

	dates := make([]string, 0)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates, nil
}
