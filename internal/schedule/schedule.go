// Package schedule parses human schedule specs such as "every 30 min"
// or "daily 9:30pm" into triggers, and computes their run times.
package schedule

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

// ErrInvalidSpec is returned (wrapped) for any spec outside the grammar.
var ErrInvalidSpec = errors.New("invalid schedule spec")

// Kind discriminates trigger variants.
type Kind string

const (
	// KindInterval repeats every fixed duration.
	KindInterval Kind = "interval"
	// KindDaily fires once a day at a wall-clock time.
	KindDaily Kind = "daily"
)

// Trigger is a parsed schedule spec. Exactly one of Every (interval)
// or Hour/Minute (daily) is meaningful, selected by Kind.
type Trigger struct {
	Kind   Kind          `json:"kind"`
	Every  time.Duration `json:"every,omitempty"`
	Hour   int           `json:"hour,omitempty"`
	Minute int           `json:"minute,omitempty"`
}

var (
	intervalRe = regexp.MustCompile(`^every\s+(\d+)\s*(min|mins|minute|minutes|hour|hours)$`)
	timeRe     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// Parse converts a spec into a Trigger. Matching is case-insensitive
// and ignores surrounding whitespace. Accepted forms:
//
//	every N min | every N minutes | every N hour | every N hours
//	daily H[:MM][am|pm]
//	H:MM[am|pm]
//
// Everything else returns an error wrapping [ErrInvalidSpec].
func Parse(spec string) (Trigger, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	if s == "" {
		return Trigger{}, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}

	if m := intervalRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return Trigger{}, fmt.Errorf("%w: interval must be a positive number in %q", ErrInvalidSpec, spec)
		}
		unit := time.Minute
		if strings.HasPrefix(m[2], "hour") {
			unit = time.Hour
		}
		if int64(n) > int64(math.MaxInt64/unit) {
			return Trigger{}, fmt.Errorf("%w: interval too large in %q", ErrInvalidSpec, spec)
		}
		return Trigger{Kind: KindInterval, Every: time.Duration(n) * unit}, nil
	}

	if rest, ok := strings.CutPrefix(s, "daily"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
		return parseDaily(spec, strings.TrimSpace(rest))
	}
	if strings.Contains(s, ":") {
		return parseDaily(spec, s)
	}

	return Trigger{}, fmt.Errorf("%w: %q (use \"every N min\", \"every N hours\", \"daily H:MM[am|pm]\" or \"H:MM\")", ErrInvalidSpec, spec)
}

func parseDaily(spec, tod string) (Trigger, error) {
	hour, minute, err := ParseTimeOfDay(tod)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	return Trigger{Kind: KindDaily, Hour: hour, Minute: minute}, nil
}

// ParseTimeOfDay parses "H", "H:MM", and either form suffixed with
// am/pm. 12am is midnight and 12pm is noon.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	m := timeRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
	}

	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range", minute)
	}

	switch m[3] {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("hour %d out of range for %s", hour, m[3])
		}
		if hour == 12 {
			hour = 0
		}
		if m[3] == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, fmt.Errorf("hour %d out of range", hour)
		}
	}

	return hour, minute, nil
}

// First returns the initial run time for a trigger created at now.
// Interval triggers fire one interval from now. Daily triggers fire at
// today's target time, or tomorrow's if that moment is not strictly
// after now.
func (t Trigger) First(now time.Time) time.Time {
	switch t.Kind {
	case KindInterval:
		return now.Add(t.Every)
	case KindDaily:
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", t.Minute, t.Hour))
		if err == nil {
			return sched.Next(now)
		}
		// Parse already bounded hour and minute; fall back to plain arithmetic.
		target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target
	default:
		return now
	}
}

// Advance returns the run time following a firing that was due at next
// and happened at now. Interval triggers add whole intervals until the
// result is strictly after now, so a late tick catches up without
// drifting off the original cadence. Daily triggers move one calendar
// day at a time, keeping the wall-clock time across DST changes.
func (t Trigger) Advance(next, now time.Time) time.Time {
	switch t.Kind {
	case KindInterval:
		if t.Every <= 0 {
			return now
		}
		if !next.After(now) {
			steps := now.Sub(next)/t.Every + 1
			next = next.Add(steps * t.Every)
		}
		return next
	case KindDaily:
		next = next.AddDate(0, 0, 1)
		for !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return now
	}
}

// String renders the trigger back into canonical spec form.
func (t Trigger) String() string {
	switch t.Kind {
	case KindInterval:
		if t.Every%time.Hour == 0 {
			n := int(t.Every / time.Hour)
			if n == 1 {
				return "every 1 hour"
			}
			return fmt.Sprintf("every %d hours", n)
		}
		return fmt.Sprintf("every %d min", int(t.Every/time.Minute))
	case KindDaily:
		return fmt.Sprintf("daily %d:%02d", t.Hour, t.Minute)
	default:
		return "invalid"
	}
}
