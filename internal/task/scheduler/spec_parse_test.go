package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want ParsedSpec
	}{
		{"*/5 * * * *", ParsedSpec{Kind: SpecCron, Cron: "*/5 * * * *", Source: "cron"}},
		{"CRON: 0 0 * * *", ParsedSpec{Kind: SpecCron, Cron: "0 0 * * *", Source: "cron"}},
		{"@every 90s", ParsedSpec{Kind: SpecCron, Cron: "@every 90s", Source: "cron"}},
		{" 2h30m ", ParsedSpec{Kind: SpecInterval, Every: 150 * time.Minute, Source: "duration"}},
		{"every: 00:45", ParsedSpec{Kind: SpecInterval, Every: 45 * time.Minute, Source: "hhmm"}},
		{"100:00", ParsedSpec{Kind: SpecInterval, Every: 100 * time.Hour, Source: "hhmm"}},
		{"interval:5s", ParsedSpec{Kind: SpecInterval, Every: 5 * time.Second, Source: "duration"}},
		{"monthly: 31 23:59", ParsedSpec{Kind: SpecMonthly, Source: "calendar", Day: 31, Hour: 23, Minute: 59}},
		{"Yearly: 02-29 00:00", ParsedSpec{Kind: SpecYearly, Source: "calendar", Month: 2, Day: 29}},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	bad := map[string]string{
		"empty":             "   ",
		"garbage":           "whenever",
		"bare cron prefix":  "cron:",
		"zero interval":     "0s",
		"negative interval": "interval:-1m",
		"day 32":            "monthly: 32 10:00",
		"hour 24":           "monthly: 1 24:00",
		"april 31":          "yearly: 04-31 10:00",
		"feb 30":            "yearly: 02-30 10:00",
		"month 13":          "yearly: 13-01 10:00",
		"minute 60":         "every: 01:60",
	}
	for name, raw := range bad {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("%s: ParseSchedule(%q) succeeded", name, raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("07:05")
	require.NoError(t, err)
	assert.Equal(t, [2]int{7, 5}, [2]int{h, m})

	for _, raw := range []string{"24:00", "12:60", "7", "aa:bb"} {
		_, _, err := parseHHMM(raw)
		assert.Error(t, err, raw)
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"*/5 * * * *", "0 30 9 * * 1-5", "@daily", "90s", "monthly: 31 02:00"} {
		assert.NoError(t, ValidateSchedule(raw), raw)
	}
	// Shaped like cron, but out of range.
	assert.Error(t, ValidateSchedule("99 * * * *"))
	assert.Error(t, ValidateSchedule("cron: * * *"))
}
