package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Granularity selects how a rule's dedup key is derived from local time.
type Granularity int

const (
	// PerDay keys on the local calendar date.
	PerDay Granularity = iota
	// PerMinute keys on the minute-quantised local timestamp.
	PerMinute
)

const (
	dayKeyLayout    = "2006-01-02"
	minuteKeyLayout = "2006-01-02T15:04"
)

func (g Granularity) String() string {
	if g == PerMinute {
		return "per_minute"
	}
	return "per_day"
}

func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per_day", "day":
		return PerDay, nil
	case "per_minute", "minute":
		return PerMinute, nil
	default:
		return PerDay, fmt.Errorf("unknown dedup %q (want per_day|per_minute)", s)
	}
}

// Rule fires Action when local time is on one of Weekdays (empty = every day)
// at Hour:Minute.
type Rule struct {
	Name     string
	Weekdays []time.Weekday
	Hour     int
	Minute   int
	Dedup    Granularity
	Action   string
}

// Matches reports whether local time t satisfies the rule's predicate.
func (r Rule) Matches(t time.Time) bool {
	if t.Hour() != r.Hour || t.Minute() != r.Minute {
		return false
	}
	if len(r.Weekdays) == 0 {
		return true
	}
	wd := t.Weekday()
	for _, d := range r.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// Key returns the dedup key of the occurrence containing local time t.
func (r Rule) Key(t time.Time) string {
	if r.Dedup == PerMinute {
		return t.Format(minuteKeyLayout)
	}
	return t.Format(dayKeyLayout)
}

// CronSpec renders the rule as a 5-field cron expression.
func (r Rule) CronSpec() string {
	dow := "*"
	if len(r.Weekdays) > 0 {
		days := make([]int, 0, len(r.Weekdays))
		for _, d := range r.Weekdays {
			days = append(days, int(d))
		}
		sort.Ints(days)
		parts := make([]string, 0, len(days))
		for _, d := range days {
			parts = append(parts, strconv.Itoa(d))
		}
		dow = strings.Join(parts, ",")
	}
	return fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, dow)
}

func (r Rule) At() string { return fmt.Sprintf("%02d:%02d", r.Hour, r.Minute) }

// Table is the ordered rule set. Evaluation follows table order.
type Table struct {
	rules []Rule
}

// NewTable validates rules: unique non-empty names, valid times, an action name.
func NewTable(rules []Rule) (*Table, error) {
	seen := map[string]bool{}
	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
			return nil, fmt.Errorf("rule %q: invalid time %02d:%02d", r.Name, r.Hour, r.Minute)
		}
		if strings.TrimSpace(r.Action) == "" {
			return nil, fmt.Errorf("rule %q: action is required", r.Name)
		}
	}
	return &Table{rules: append([]Rule(nil), rules...)}, nil
}

func (t *Table) Rules() []Rule { return append([]Rule(nil), t.rules...) }

func (t *Table) Len() int { return len(t.rules) }

// ParseHHMM parses "HH:MM" (24h).
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses names like "sat", "Sunday". An empty list or "*" means every day.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	var out []time.Weekday
	seen := map[time.Weekday]bool{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "*" || n == "all" {
			return nil, nil
		}
		d, ok := weekdayNames[n]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}
