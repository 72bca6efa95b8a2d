package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Kind identifies how a schedule computes its next run.
type Kind string

const (
	KindCron  Kind = "cron"
	KindEvery Kind = "every"
	KindAt    Kind = "at"
)

// ScheduleConfig is the configured form of a schedule. Exactly one of Cron,
// Every or At should be set.
type ScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`
}

// Schedule is a parsed schedule.
type Schedule struct {
	Kind     Kind
	Every    time.Duration
	At       time.Time
	expr     string
	cron     cron.Schedule
	location *time.Location
}

// ParseSchedule validates cfg and returns a Schedule.
func ParseSchedule(cfg ScheduleConfig) (Schedule, error) {
	expr := strings.TrimSpace(cfg.Cron)
	at := strings.TrimSpace(cfg.At)
	set := 0
	for _, ok := range []bool{expr != "", cfg.Every != 0, at != ""} {
		if ok {
			set++
		}
	}
	switch {
	case set == 0:
		return Schedule{}, errors.New("schedule is required")
	case set > 1:
		return Schedule{}, errors.New("schedule must set only one of cron, every or at")
	}

	var loc *time.Location
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}

	switch {
	case at != "":
		t, err := parseAt(at, loc)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindAt, At: t, location: loc}, nil
	case cfg.Every != 0:
		if cfg.Every < time.Second {
			return Schedule{}, fmt.Errorf("every interval %s is below one second", cfg.Every)
		}
		return Schedule{Kind: KindEvery, Every: cfg.Every, location: loc}, nil
	default:
		parsed, err := cronParser.Parse(expr)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return Schedule{Kind: KindCron, expr: expr, cron: parsed, location: loc}, nil
	}
}

// Next returns the first run strictly after now. ok is false when the
// schedule will never run again.
func (s Schedule) Next(now time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindAt:
		if !now.Before(s.At) {
			return time.Time{}, false
		}
		return s.At, true
	case KindEvery:
		return now.Add(s.Every), true
	case KindCron:
		if s.location != nil {
			now = now.In(s.location)
		}
		next := s.cron.Next(now)
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}

// String describes the schedule for status output.
func (s Schedule) String() string {
	switch s.Kind {
	case KindAt:
		return "at " + s.At.Format(time.RFC3339)
	case KindEvery:
		return "every " + s.Every.String()
	case KindCron:
		return "cron " + s.expr
	default:
		return "invalid"
	}
}

func parseAt(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", value, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid at schedule: %s", value)
}
