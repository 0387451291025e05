// Package markethours answers "is the market open" and "what was the last
// completed trading session" against a fixed weekday calendar.
//
// Known limitation: exchange holidays are not modeled. A weekday holiday is
// treated as a regular trading day.
package markethours

import "time"

// Calendar is a fixed trading calendar: Monday through Friday, one session
// window per day expressed in minutes of the day, evaluated in a fixed
// timezone rather than the runtime's local zone.
type Calendar struct {
	loc         *time.Location
	openMinute  int
	closeMinute int
}

// New builds a calendar with the given session window. The zone is a fixed
// UTC offset, so wall-clock math never depends on the host tzdata.
func New(zoneName string, utcOffsetMinutes, openMinute, closeMinute int) Calendar {
	return Calendar{
		loc:         time.FixedZone(zoneName, utcOffsetMinutes*60),
		openMinute:  openMinute,
		closeMinute: closeMinute,
	}
}

// NSE returns the default calendar: 09:15-15:30 IST, Monday to Friday.
func NSE() Calendar {
	return New("IST", 330, 9*60+15, 15*60+30)
}

// Location returns the calendar's fixed timezone.
func (c Calendar) Location() *time.Location {
	return c.loc
}

// IsSessionOpen reports whether now falls inside a trading session. Both
// boundaries are inclusive at second granularity: 09:15:00 and 15:30:00 are
// open, 09:14:59 and 15:30:01 are not.
func (c Calendar) IsSessionOpen(now time.Time) bool {
	local := now.In(c.loc)
	if !isWeekday(local.Weekday()) {
		return false
	}
	sec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	return sec >= c.openMinute*60 && sec <= c.closeMinute*60
}

// LastCompletedSession returns the date (midnight in the calendar's zone) of
// the most recent trading day whose session has started. On a trading day at
// or after the open it returns today; before the open, or on a weekend, it
// walks back to the previous weekday, so Monday pre-open yields Friday.
func (c Calendar) LastCompletedSession(now time.Time) time.Time {
	local := now.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)

	sec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	if !isWeekday(local.Weekday()) || sec < c.openMinute*60 {
		day = day.AddDate(0, 0, -1)
	}
	for !isWeekday(day.Weekday()) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

func isWeekday(d time.Weekday) bool {
	return d >= time.Monday && d <= time.Friday
}
