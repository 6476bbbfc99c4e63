package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrNotFixedInterval = errors.New("cron expression is not a fixed interval")

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval parses a schedule value into a fixed interval.
//
// Supported forms:
//   - whole seconds: "90", "90.0", "1e2"
//   - Go duration: "1m30s", "2h"
//   - HH:MM: "00:05" (5 minutes), "02:30" (2 hours 30 minutes)
//   - cron descriptor: "@every 10m" (parsed by robfig/cron, truncated to whole seconds)
//
// Calendar cron expressions ("*/5 * * * *", "@hourly") are rejected.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("schedule required")
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\n\r") {
		return parseCronEvery(s)
	}

	if n, ok := wholeSeconds(s); ok {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return time.Duration(n) * time.Second, nil
	}

	if reHHMM.MatchString(s) {
		return parseHHMMDuration(s)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q (use seconds like '90', HH:MM like '02:30', duration like '55m' or '@every 10m')", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseCronEvery(s string) (time.Duration, error) {
	sched, err := cron.ParseStandard(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cron %q: %w", s, err)
	}
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, fmt.Errorf("%w: %q (use '@every <duration>')", ErrNotFixedInterval, s)
	}
	return every.Delay, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// wholeSeconds reports s as an integer count of seconds. Numbers written in
// float or exponent form are accepted when they carry no fraction.
func wholeSeconds(s string) (int64, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if strings.ContainsAny(s, "xXpP_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, false
	}
	if f >= math.MaxInt64/float64(time.Second) || f <= math.MinInt64/float64(time.Second) {
		return 0, false
	}
	return int64(f), true
}

// ParseDurationField parses an optional duration setting. Empty means 0; bare
// numbers are seconds, as for schedule values.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, ok := wholeSeconds(s); ok {
		d = time.Duration(n) * time.Second
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for unset or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
