package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/cuongbtq/taskq/internal/domain"
)

// maxOccurrences bounds how far Between walks a schedule
const maxOccurrences = 100000

// Recurrence generates the occurrences of a schedule rule. Both bounds of
// Between are exclusive.
type Recurrence interface {
	Between(after, before time.Time) []time.Time
	// After returns the first occurrence strictly after t, or the zero time
	After(t time.Time) time.Time
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRule parses a recurrence anchored at start. Accepted forms:
//   - RFC 5545 rules: "FREQ=HOURLY;INTERVAL=2", "RRULE:FREQ=DAILY;BYHOUR=9"
//   - cron expressions and descriptors: "*/5 * * * *", "@daily"
//   - fixed intervals: "@every 90s", counted from start
func ParseRule(rule string, start time.Time) (Recurrence, error) {
	s := strings.TrimSpace(rule)
	if s == "" {
		return nil, fmt.Errorf("%w: empty rule", domain.ErrInvalidRule)
	}

	if isRRule(s) {
		return parseRRule(s, start)
	}

	sched, err := cronParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidRule, rule, err)
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		return everyRecurrence{start: start, every: every.Delay}, nil
	}
	return cronRecurrence{sched: sched}, nil
}

// ValidateRule reports whether rule parses
func ValidateRule(rule string) error {
	_, err := ParseRule(rule, domain.Now())
	return err
}

func isRRule(s string) bool {
	u := strings.ToUpper(s)
	return strings.HasPrefix(u, "RRULE:") || strings.HasPrefix(u, "FREQ=") || strings.HasPrefix(u, "DTSTART")
}

type rruleRecurrence struct {
	r *rrule.RRule
}

func parseRRule(s string, start time.Time) (Recurrence, error) {
	var body string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 6 && strings.EqualFold(line[:6], "RRULE:") {
			line = line[6:]
		}
		if strings.HasPrefix(strings.ToUpper(line), "FREQ=") {
			body = line
		}
	}
	if body == "" {
		return nil, fmt.Errorf("%w: %q: missing FREQ", domain.ErrInvalidRule, s)
	}

	opt, err := rrule.StrToROption(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidRule, s, err)
	}
	opt.Dtstart = start.UTC()
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidRule, s, err)
	}
	return rruleRecurrence{r: r}, nil
}

func (r rruleRecurrence) Between(after, before time.Time) []time.Time {
	return r.r.Between(after, before, false)
}

func (r rruleRecurrence) After(t time.Time) time.Time {
	return r.r.After(t, false)
}

type cronRecurrence struct {
	sched cron.Schedule
}

func (c cronRecurrence) Between(after, before time.Time) []time.Time {
	var out []time.Time
	for t := c.sched.Next(after); !t.IsZero() && t.Before(before); t = c.sched.Next(t) {
		out = append(out, t)
		if len(out) == maxOccurrences {
			break
		}
	}
	return out
}

func (c cronRecurrence) After(t time.Time) time.Time {
	return c.sched.Next(t)
}

// everyRecurrence fires at start + k*every for k >= 1
type everyRecurrence struct {
	start time.Time
	every time.Duration
}

func (e everyRecurrence) After(t time.Time) time.Time {
	if t.Before(e.start) {
		return e.start.Add(e.every)
	}
	k := t.Sub(e.start)/e.every + 1
	return e.start.Add(k * e.every)
}

func (e everyRecurrence) Between(after, before time.Time) []time.Time {
	var out []time.Time
	for t := e.After(after); t.Before(before) && len(out) < maxOccurrences; t = t.Add(e.every) {
		out = append(out, t)
	}
	return out
}
