package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval runs a job every d, measured from the previous due time.
type Interval struct {
	d time.Duration
}

// Every returns an Interval schedule. A non-positive d never fires.
func Every(d time.Duration) Interval { return Interval{d: d} }

func (i Interval) Next(t time.Time) time.Time {
	if i.d <= 0 {
		return time.Time{}
	}
	return t.Add(i.d)
}

func (i Interval) String() string { return "@every " + i.d.String() }

// Cron is a five-field cron expression (minute hour day-of-month month
// day-of-week) evaluated in a fixed location. Each field accepts *, n, n-m,
// a /step on any of those, and comma lists of them. Day-of-week takes 0-7
// with both 0 and 7 meaning Sunday. When day-of-month and day-of-week are
// both restricted a day matching either one fires.
type Cron struct {
	raw string
	loc *time.Location

	minute, hour, dom, month, dow uint64
	domAny, dowAny                bool
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseCron parses expr; the result is evaluated in UTC until In is called.
func ParseCron(expr string) (*Cron, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}

	var masks [5]uint64
	for i, f := range cronFields {
		m, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, f.name, err)
		}
		masks[i] = m
	}
	if masks[4]&(1<<7) != 0 {
		masks[4] = masks[4]&^(1<<7) | 1
	}

	return &Cron{
		raw:    expr,
		loc:    time.UTC,
		minute: masks[0],
		hour:   masks[1],
		dom:    masks[2],
		month:  masks[3],
		dow:    masks[4],
		domAny: strings.HasPrefix(parts[2], "*"),
		dowAny: strings.HasPrefix(parts[4], "*"),
	}, nil
}

// MustParseCron is ParseCron for expressions known at compile time.
func MustParseCron(expr string) *Cron {
	c, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func parseCronField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, item := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(item, "/")

		lo, hi := min, max
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = cronValue(a, min, max); err != nil {
				return 0, err
			}
			if hi, err = cronValue(b, min, max); err != nil {
				return 0, err
			}
			if lo > hi {
				return 0, fmt.Errorf("range %q is reversed", rng)
			}
		default:
			v, err := cronValue(rng, min, max)
			if err != nil {
				return 0, err
			}
			lo = v
			if !hasStep {
				hi = v
			}
		}

		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}

func cronValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", v, min, max)
	}
	return v, nil
}

// In returns a copy of c evaluated in loc.
func (c *Cron) In(loc *time.Location) *Cron {
	out := *c
	if loc != nil {
		out.loc = loc
	}
	return &out
}

func (c *Cron) String() string { return c.raw }

// Next returns the first matching minute strictly after t, in c's location,
// or the zero time if nothing matches within five years (e.g. "0 0 30 2 *").
func (c *Cron) Next(t time.Time) time.Time {
	t = t.In(c.loc)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, c.loc)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		switch {
		case c.month&(1<<uint(t.Month())) == 0:
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, c.loc)
		case !c.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.loc)
		case c.hour&(1<<uint(t.Hour())) == 0:
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, c.loc)
		case c.minute&(1<<uint(t.Minute())) == 0:
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

func (c *Cron) dayMatches(t time.Time) bool {
	dom := c.dom&(1<<uint(t.Day())) != 0
	dow := c.dow&(1<<uint(t.Weekday())) != 0
	if c.domAny || c.dowAny {
		return dom && dow
	}
	return dom || dow
}
