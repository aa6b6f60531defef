package recurrence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Unit is the calendar unit a rule repeats in.
type Unit string

const (
	Day   Unit = "day"
	Week  Unit = "week"
	Month Unit = "month"
)

// Rule is a normalized, immutable description of when a task fires.
//
// All calendar arithmetic happens on civil dates in Timezone; StartAt and
// End.Until are absolute instants.
type Rule struct {
	Unit      Unit      `json:"unit"`
	Interval  int       `json:"interval"`
	Anchor    Anchor    `json:"anchor"`
	TimeOfDay TimeOfDay `json:"time_of_day"`
	Timezone  string    `json:"timezone"`
	StartAt   time.Time `json:"start_at"`
	End       *End      `json:"end,omitempty"`
}

// Anchor pins occurrences inside a period.
// Weekdays is used by week rules (required) and day rules (optional filter).
// MonthDay is used by month rules only.
type Anchor struct {
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	MonthDay MonthDay       `json:"month_day,omitempty"`
}

// End bounds a rule. At most one of Until and Count is set.
type End struct {
	Until *time.Time `json:"until,omitempty"`
	Count int        `json:"count,omitempty"`
}

func (a Anchor) allows(wd time.Weekday) bool {
	if len(a.Weekdays) == 0 {
		return true
	}
	for _, w := range a.Weekdays {
		if w == wd {
			return true
		}
	}
	return false
}

// MonthDay is a day-of-month anchor: 1..31, or LastDay.
type MonthDay int

// LastDay anchors a month rule on the last day of every month.
const LastDay MonthDay = -1

// in returns the concrete day for year/month, clamped to the month length.
func (d MonthDay) in(year int, month time.Month) int {
	last := daysIn(year, month)
	if d == LastDay || int(d) > last {
		return last
	}
	return int(d)
}

func (d MonthDay) String() string {
	if d == LastDay {
		return "last"
	}
	return strconv.Itoa(int(d))
}

func (d MonthDay) MarshalJSON() ([]byte, error) {
	if d == LastDay {
		return []byte(`"last"`), nil
	}
	return []byte(strconv.Itoa(int(d))), nil
}

func (d *MonthDay) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "last" {
			*d = LastDay
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("month_day: want 1-31 or \"last\", got %q", s)
		}
		*d = MonthDay(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("month_day: %w", err)
	}
	*d = MonthDay(n)
	return nil
}

// TimeOfDay is a local wall-clock time with minute granularity.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad minute", s)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.valid() {
		return TimeOfDay{}, fmt.Errorf("time of day %q: out of range", s)
	}
	return t, nil
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time_of_day: %w", err)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

var locCache sync.Map // string -> *time.Location

// Location resolves the rule's IANA zone.
func (r Rule) Location() (*time.Location, error) {
	return loadLocation(r.Timezone)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("timezone is empty")
	}
	if v, ok := locCache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locCache.Store(name, loc)
	return loc, nil
}

// EncodeJSON renders the rule as compact JSON, the stored form.
func (r Rule) EncodeJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ParseJSON decodes a rule strictly (unknown fields are rejected) and validates it.
func ParseJSON(b []byte) (Rule, error) {
	var r Rule
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Rule{}, &ValidationError{Field: "rule", Reason: err.Error()}
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
