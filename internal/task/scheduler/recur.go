package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxDayOfMonth is the largest day each month can have (Feb in a leap year).
var maxDayOfMonth = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// calendarRule is a cron schedule evaluated in a fixed location.
//
// cron skips months that lack the requested day, so "day 31" runs only in
// 31-day months and "Feb 29" only in leap years.
type calendarRule struct {
	sched cron.Schedule
	loc   *time.Location
	spec  string
}

func (r calendarRule) Next(t time.Time) time.Time { return r.sched.Next(t.In(r.loc)) }

func (r calendarRule) String() string { return r.spec }

func (s *Service) monthlyRule(day, hour, minute int) (calendarRule, error) {
	if err := validateCalendar(0, day, hour, minute); err != nil {
		return calendarRule{}, err
	}
	return s.cronRule(fmt.Sprintf("0 %d %d %d * *", minute, hour, day))
}

func (s *Service) yearlyRule(month, day, hour, minute int) (calendarRule, error) {
	if err := validateCalendar(month, day, hour, minute); err != nil {
		return calendarRule{}, err
	}
	return s.cronRule(fmt.Sprintf("0 %d %d %d %d *", minute, hour, day, month))
}

func (s *Service) cronRule(spec string) (calendarRule, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return calendarRule{}, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	return calendarRule{sched: sched, loc: s.location(), spec: spec}, nil
}

// validateCalendar checks calendar fields. month 0 means "any month".
func validateCalendar(month, day, hour, minute int) error {
	if month < 0 || month > 12 {
		return fmt.Errorf("month %d out of range 1..12", month)
	}
	maxDay := 31
	if month > 0 {
		maxDay = maxDayOfMonth[month]
	}
	if day < 1 || day > maxDay {
		return fmt.Errorf("day %d out of range 1..%d", day, maxDay)
	}
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour %d out of range 0..23", hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("minute %d out of range 0..59", minute)
	}
	return nil
}
