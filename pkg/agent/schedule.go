package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind distinguishes how a schedule fires.
type ScheduleKind int

const (
	ScheduleNever ScheduleKind = iota
	ScheduleEvery
	ScheduleCron
)

// Schedule is a parsed schedule descriptor.
type Schedule struct {
	Kind     ScheduleKind
	Interval time.Duration
	Cron     string
}

var (
	everyPattern = regexp.MustCompile(`^every_(\d+)(s|m|h|d)$`)
	hourPattern  = regexp.MustCompile(`^(1[0-1]|[1-9])(am|pm)$`)
)

// ParseSchedule parses a schedule descriptor:
//
//	never | every_<n>(s|m|h|d) | midnight | noon | <1-11>am | <1-11>pm | cron:<expr>
//
// The empty string is treated as never.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "never":
		return Schedule{Kind: ScheduleNever}, nil
	case "midnight":
		return Schedule{Kind: ScheduleCron, Cron: "0 0 * * *"}, nil
	case "noon":
		return Schedule{Kind: ScheduleCron, Cron: "0 12 * * *"}, nil
	}

	if expr, ok := strings.CutPrefix(s, "cron:"); ok {
		expr = strings.TrimSpace(expr)
		if len(strings.Fields(expr)) != 5 {
			return Schedule{}, fmt.Errorf("invalid schedule %q: cron expressions need five fields", s)
		}
		return Schedule{Kind: ScheduleCron, Cron: expr}, nil
	}

	if m := everyPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return Schedule{}, fmt.Errorf("invalid schedule %q", s)
		}
		unit := map[string]time.Duration{
			"s": time.Second,
			"m": time.Minute,
			"h": time.Hour,
			"d": 24 * time.Hour,
		}[m[2]]
		return Schedule{Kind: ScheduleEvery, Interval: time.Duration(n) * unit}, nil
	}

	if m := hourPattern.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if m[2] == "pm" {
			hour += 12
		}
		return Schedule{Kind: ScheduleCron, Cron: fmt.Sprintf("0 %d * * *", hour)}, nil
	}

	return Schedule{}, fmt.Errorf("unknown schedule %q", s)
}
