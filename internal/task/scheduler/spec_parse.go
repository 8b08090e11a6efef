package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

func (k SpecKind) String() string {
	if k == SpecInterval {
		return "interval"
	}
	return "cron"
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "0 */2 * * *", "30 0 * * * *" (optional seconds), "@hourly", "@every 55m"
//   - Interval duration: "60m", "2h30m"
//   - Interval HH:MM: "01:00" (one hour), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a schedule string into either a cron expression or an
// interval duration. Cron expressions are validated here so bad config fails
// at load time, not at install time.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(s[len("every:"):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if d, src, err := parseInterval(s); err == nil {
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 */2 * * *', HH:MM like '01:00', or duration like '60m')",
		raw,
	)
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '60m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
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

// Schedule computes successive fire times for a timer.
type Schedule interface {
	cron.Schedule
	String() string
}

// Build turns a parsed spec into a Schedule. loc applies to cron expressions
// only; nil means time.Local.
func (p ParsedSpec) Build(loc *time.Location) (Schedule, error) {
	switch p.Kind {
	case SpecInterval:
		return Every(p.Every)
	case SpecCron:
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
		}
		if ss, ok := sched.(*cron.SpecSchedule); ok && loc != nil {
			ss.Location = loc
		}
		return cronSchedule{expr: p.Cron, sched: sched}, nil
	default:
		return nil, fmt.Errorf("unsupported schedule kind %d", p.Kind)
	}
}

// IntervalSchedule fires at a fixed interval measured from the previous
// scheduled fire time, not from when the action ran.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) (IntervalSchedule, error) {
	if d <= 0 {
		return IntervalSchedule{}, fmt.Errorf("%w: %s", ErrInvalidInterval, d)
	}
	return IntervalSchedule{Interval: d}, nil
}

func (s IntervalSchedule) Next(t time.Time) time.Time { return t.Add(s.Interval) }
func (s IntervalSchedule) String() string            { return "@every " + s.Interval.String() }

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

func (s cronSchedule) Next(t time.Time) time.Time { return s.sched.Next(t) }
func (s cronSchedule) String() string            { return s.expr }

// offsetSchedule shifts every fire time of base by offset. Used to stagger
// spiders sharing one cron expression.
type offsetSchedule struct {
	base   Schedule
	offset time.Duration
}

// WithOffset returns base shifted by offset. Interval schedules are returned
// unchanged since their phase comes from the first fire time.
func WithOffset(base Schedule, offset time.Duration) Schedule {
	if offset == 0 {
		return base
	}
	if _, ok := base.(IntervalSchedule); ok {
		return base
	}
	return offsetSchedule{base: base, offset: offset}
}

func (s offsetSchedule) Next(t time.Time) time.Time {
	n := s.base.Next(t.Add(-s.offset))
	if n.IsZero() {
		return n
	}
	return n.Add(s.offset)
}

func (s offsetSchedule) String() string { return s.base.String() + " +" + s.offset.String() }
