package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultInterval = 60 * time.Second
	MinInterval     = time.Second

	maxIntervalSeconds = float64(math.MaxInt64) / float64(time.Second)
)

// Interval is the raw interval setting. It accepts a JSON number (seconds)
// or a string; use Duration to resolve it.
type Interval string

func (i *Interval) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*i = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = Interval(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("interval: expected number of seconds or string, got %s", b)
	}
	*i = Interval(n.String())
	return nil
}

// Duration resolves the interval, applying the default and the minimum.
func (i Interval) Duration() (time.Duration, error) { return ParseInterval(string(i)) }

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	// Only descriptors: "@every 2m" is the one form with a fixed delay.
	descriptorParser = cron.NewParser(cron.Descriptor)
)

// ParseInterval parses an interval setting.
//
// Supported forms:
//   - Seconds: "60", "1.5"
//   - Go duration: "90s", "2h30m"
//   - HH:MM: "01:30" (1 hour 30 minutes)
//   - Cron descriptor: "@every 2m"
//
// Empty or non-positive values yield DefaultInterval; values below
// MinInterval are raised to it. NaN, Inf and seconds too large for a
// time.Duration are errors.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultInterval, nil
	}

	var d time.Duration
	switch {
	case strings.HasPrefix(s, "@"):
		sched, err := descriptorParser.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
		}
		cd, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, fmt.Errorf("invalid interval %q: only @every has a fixed delay", raw)
		}
		d = cd.Delay
	case reHHMM.MatchString(s):
		m := reHHMM.FindStringSubmatch(s)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	default:
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			if math.IsNaN(secs) || math.IsInf(secs, 0) || secs >= maxIntervalSeconds {
				return 0, fmt.Errorf("invalid interval %q: out of range", raw)
			}
			if secs > 0 && secs < MinInterval.Seconds() {
				d = MinInterval
				break
			}
			d = time.Duration(secs * float64(time.Second))
			break
		}
		pd, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q (use seconds like '60', a duration like '90s', HH:MM like '01:30' or '@every 2m')", raw)
		}
		d = pd
	}

	if d <= 0 {
		return DefaultInterval, nil
	}
	if d < MinInterval {
		d = MinInterval
	}
	return d, nil
}

// ParseDurationField parses an optional Go duration setting; "" means 0.
// path names the setting in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
