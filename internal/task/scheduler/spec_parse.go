package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Field identifies one of the five cron fields.
type Field int

const (
	FieldMinute Field = iota
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek
)

var fieldNames = [...]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

func (f Field) String() string {
	if f < 0 || int(f) >= len(fieldNames) {
		return "field"
	}
	return fieldNames[f]
}

type bounds struct{ min, max int }

var fieldBounds = [...]bounds{
	FieldMinute:     {0, 59},
	FieldHour:       {0, 23},
	FieldDayOfMonth: {1, 31},
	FieldMonth:      {1, 12},
	FieldDayOfWeek:  {0, 6},
}

// ParseError reports a malformed cron expression. Field is -1 when the
// expression as a whole is wrong (e.g. field count).
type ParseError struct {
	Expr   string
	Field  Field
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("invalid cron %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid cron %q: %s %q: %s", e.Expr, e.Field, e.Value, e.Reason)
}

// UnreachableScheduleError reports a valid spec that matches no calendar
// instant within the search horizon (e.g. February 31st).
type UnreachableScheduleError struct {
	Spec CronSpec
	From time.Time
}

func (e *UnreachableScheduleError) Error() string {
	return fmt.Sprintf("cron %q never fires within 5 years of %s", e.Spec.String(), e.From.Format(time.RFC3339))
}

// IsScheduleError reports whether err is a ParseError or an UnreachableScheduleError.
func IsScheduleError(err error) bool {
	var pe *ParseError
	var ue *UnreachableScheduleError
	return errors.As(err, &pe) || errors.As(err, &ue)
}

// cronField is either a wildcard or one concrete value.
type cronField struct {
	any   bool
	value int
}

func (f cronField) String() string {
	if f.any {
		return "*"
	}
	return strconv.Itoa(f.value)
}

// CronSpec is an immutable, validated 5-field schedule.
//
// Only "*" and single integers are accepted; lists, ranges and steps are
// rejected at parse time.
type CronSpec struct {
	fields [5]cronField
	sched  cron.Schedule
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses "<minute> <hour> <day-of-month> <month> <day-of-week>".
func ParseCron(expr string) (CronSpec, error) {
	toks := strings.Fields(expr)
	if len(toks) != 5 {
		return CronSpec{}, &ParseError{Expr: expr, Field: -1, Reason: fmt.Sprintf("expected 5 fields, got %d", len(toks))}
	}
	var spec CronSpec
	for i, tok := range toks {
		f := Field(i)
		if tok == "*" {
			spec.fields[i] = cronField{any: true}
			continue
		}
		if !isDecimal(tok) {
			return CronSpec{}, &ParseError{Expr: expr, Field: f, Value: tok, Reason: "want * or a base-10 integer"}
		}
		n, err := strconv.Atoi(tok)
		b := fieldBounds[f]
		if err != nil || n < b.min || n > b.max {
			return CronSpec{}, &ParseError{Expr: expr, Field: f, Value: tok, Reason: fmt.Sprintf("out of range [%d,%d]", b.min, b.max)}
		}
		spec.fields[i] = cronField{value: n}
	}
	sched, err := specParser.Parse(spec.encode())
	if err != nil {
		// Unreachable for input that passed the checks above.
		return CronSpec{}, &ParseError{Expr: expr, Field: -1, Reason: err.Error()}
	}
	spec.sched = sched
	return spec, nil
}

// MustParseCron is ParseCron for constant expressions.
func MustParseCron(expr string) CronSpec {
	spec, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return spec
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String encodes the spec; wildcards stay "*", values print without leading zeros.
func (s CronSpec) String() string {
	if s.IsZero() {
		return ""
	}
	return s.encode()
}

// encode joins the fields whether or not the schedule has been built yet.
func (s CronSpec) encode() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, " ")
}

// IsZero reports whether s was never successfully parsed.
func (s CronSpec) IsZero() bool { return s.sched == nil }

// Equal reports whether two specs have the same fields.
func (s CronSpec) Equal(o CronSpec) bool { return s.fields == o.fields }

// Value returns the concrete value of f and whether f is restricted.
func (s CronSpec) Value(f Field) (int, bool) {
	if f < 0 || int(f) >= len(s.fields) {
		return 0, false
	}
	c := s.fields[f]
	return c.value, !c.any
}

// NextFireAfter returns the earliest whole minute strictly after from whose
// wall clock (in from's location) matches the spec. Day-of-month and
// day-of-week are OR-ed when both are restricted, AND-ed otherwise.
func (s CronSpec) NextFireAfter(from time.Time) (time.Time, error) {
	if s.IsZero() {
		return time.Time{}, &ParseError{Field: -1, Reason: "empty schedule"}
	}
	next := s.sched.Next(from)
	if next.IsZero() {
		return time.Time{}, &UnreachableScheduleError{Spec: s, From: from}
	}
	return next, nil
}

// NextFireAfter is the free-function form of CronSpec.NextFireAfter.
func NextFireAfter(spec CronSpec, from time.Time) (time.Time, error) {
	return spec.NextFireAfter(from)
}

// reachabilityRef is a fixed origin for reachability checks so the answer
// doesn't depend on when a task is edited.
var reachabilityRef = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Reachable returns an UnreachableScheduleError if the spec can never fire.
func (s CronSpec) Reachable() error {
	_, err := s.NextFireAfter(reachabilityRef)
	return err
}

// ValidateCron parses expr and checks that it fires at least once. Task
// creation and edits go through here.
func ValidateCron(expr string) (CronSpec, error) {
	spec, err := ParseCron(expr)
	if err != nil {
		return CronSpec{}, err
	}
	if err := spec.Reachable(); err != nil {
		return CronSpec{}, err
	}
	return spec, nil
}
