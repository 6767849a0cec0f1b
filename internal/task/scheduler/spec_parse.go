package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field specs, 6-field specs with seconds, and
// descriptors such as @hourly or @every 5m.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecMonthly
	SpecYearly
)

var specKindNames = [...]string{SpecCron: "cron", SpecInterval: "interval", SpecMonthly: "monthly", SpecYearly: "yearly"}

func (k SpecKind) String() string {
	if k >= 0 && int(k) < len(specKindNames) {
		return specKindNames[k]
	}
	return "unknown"
}

// ParsedSpec is a normalized schedule string.
//
//	"*/5 * * * *", "@hourly"   cron (SpecCron)
//	"55m", "2h30m"             interval as a Go duration
//	"00:50", "02:30"           interval as HH:MM (hours may exceed 23)
//	"monthly: 31 09:00"        day of month at HH:MM
//	"yearly: 02-29 09:00"      MM-DD at HH:MM
//
// "cron:", "interval:" and "every:" prefixes force a form.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration, hhmm or calendar

	Month  int
	Day    int
	Hour   int
	Minute int
}

var (
	reHHMM    = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	reMonthly = regexp.MustCompile(`^(\d{1,2})\s+(\d{1,2}:\d{2})$`)
	reYearly  = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})\s+(\d{1,2}:\d{2})$`)

	errNonPositive = errors.New("interval must be > 0")
)

var prefixed = []struct {
	prefix string
	parse  func(string) (ParsedSpec, error)
}{
	{"cron:", parseCronSpec},
	{"interval:", parseIntervalSpec},
	{"every:", parseIntervalSpec},
	{"monthly:", parseMonthly},
	{"yearly:", parseYearly},
}

// ParseSchedule recognizes the schedule forms listed on ParsedSpec. It does
// not check cron field ranges; ValidateSchedule does.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	lower := strings.ToLower(s)
	for _, p := range prefixed {
		if strings.HasPrefix(lower, p.prefix) {
			return p.parse(strings.TrimSpace(s[len(p.prefix):]))
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n") {
		return parseCronSpec(s)
	}
	if ps, err := parseIntervalSpec(s); err == nil || errors.Is(err, errNonPositive) || reHHMM.MatchString(s) {
		return ps, err
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', 'monthly: 31 09:00' or 'yearly: 02-29 09:00')",
		raw,
	)
}

// ValidateSchedule is ParseSchedule plus a full cron parse for cron forms.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind != SpecCron {
		return nil
	}
	if _, err := cronParser.Parse(ps.Cron); err != nil {
		return fmt.Errorf("parse cron %q: %w", ps.Cron, err)
	}
	return nil
}

func parseCronSpec(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, errors.New("cron expression required")
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		ps.Every, ps.Source = d, "hhmm"
		return ps, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	ps.Every = d
	return ps, nil
}

func parseMonthly(v string) (ParsedSpec, error) {
	m := reMonthly.FindStringSubmatch(v)
	if m == nil {
		return ParsedSpec{}, fmt.Errorf("invalid monthly schedule %q, expected 'DD HH:MM'", v)
	}
	return calendarSpec(SpecMonthly, 0, m[1], m[2])
}

func parseYearly(v string) (ParsedSpec, error) {
	m := reYearly.FindStringSubmatch(v)
	if m == nil {
		return ParsedSpec{}, fmt.Errorf("invalid yearly schedule %q, expected 'MM-DD HH:MM'", v)
	}
	month, _ := strconv.Atoi(m[1])
	return calendarSpec(SpecYearly, month, m[2], m[3])
}

func calendarSpec(kind SpecKind, month int, dayText, clock string) (ParsedSpec, error) {
	day, _ := strconv.Atoi(dayText)
	h, mins, err := parseHHMM(clock)
	if err != nil {
		return ParsedSpec{}, err
	}
	if err := validateCalendar(month, day, h, mins); err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: kind, Source: "calendar", Month: month, Day: day, Hour: h, Minute: mins}, nil
}

// parseHHMMDuration reads "H:MM" as a duration; hours are not capped.
func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errNonPositive
	}
	return d, nil
}

// parseHHMM reads a wall clock time of day.
func parseHHMM(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if hour, err = strconv.Atoi(hs); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute, err = strconv.Atoi(ms); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
