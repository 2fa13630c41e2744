package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gathercal/internal/dateutil"
	appLog "gathercal/internal/log"
	"gathercal/internal/model"
)

// Interpreted is the engine's reading of a happening's recurrence fields.
// It is the single decision point for shape, effective weekday and
// confidence; every other component consumes this instead of the raw
// fields.
type Interpreted struct {
	Shape     Shape
	Recurring bool

	// Confident is false when the stored fields are insufficient or
	// malformed. Not-confident patterns are never expanded.
	Confident bool

	// EffectiveDay is the weekday the series recurs on, valid only when
	// HasDay is true.
	EffectiveDay time.Weekday
	HasDay       bool

	// DerivedFromFallback is true when EffectiveDay came from EventDate's
	// weekday because day_of_week was missing. The pattern is usable but
	// the gap may mask a data-entry defect, so it is surfaced rather than
	// silently absorbed.
	DerivedFromFallback bool

	// AnchorMismatch is true when both day_of_week and event_date were
	// present but event_date falls on a different weekday. day_of_week
	// wins (it defines the repeating pattern); event_date stays the
	// series anchor only. Surfaced for operator review.
	AnchorMismatch bool

	// Ordinals holds the week-of-month slots for ordinal and monthly
	// shapes (1..5, OrdinalLast). For plain monthly it is derived from
	// the anchor date's week-of-month, defaulting to the 1st slot.
	Ordinals []int

	// EventDate is the validated anchor date key, "" when absent or
	// unparseable.
	EventDate string

	// CustomDates is the validated, ascending date list for custom
	// shapes.
	CustomDates []string
}

// Interpret classifies a happening's recurrence fields and decides whether
// they are sufficient to compute occurrences without guessing.
//
// Rules:
//   - empty rule: one-time; confident iff event_date parses.
//   - "custom": confident iff custom_dates is non-empty and every entry
//     parses; day_of_week is irrelevant.
//   - weekly/biweekly/monthly/ordinal: confident iff day_of_week is a
//     valid weekday name, or — as a logged fallback — event_date parses
//     and its weekday is adopted.
//   - unrecognized rule text: ShapeUnknown, never confident.
func Interpret(h model.Happening) Interpreted {
	shape, ordinals, ok := normalizeRule(h.RecurrenceRule)
	if !ok {
		appLog.Warn("unrecognized recurrence rule",
			"happening_id", h.ID, "rule", h.RecurrenceRule)
		return Interpreted{Shape: ShapeUnknown}
	}

	itp := Interpreted{
		Shape:     shape,
		Recurring: shape != ShapeOneTime,
		Ordinals:  ordinals,
	}

	// Validate the anchor date once; everything downstream uses the
	// validated key or nothing.
	if h.EventDate != "" {
		if _, err := dateutil.ParseKey(h.EventDate); err == nil {
			itp.EventDate = h.EventDate
		} else {
			appLog.Warn("unparseable event_date",
				"happening_id", h.ID, "event_date", h.EventDate)
		}
	}

	switch shape {
	case ShapeOneTime:
		itp.Confident = itp.EventDate != ""
		return itp

	case ShapeCustom:
		dates, valid := validateCustomDates(h.CustomDates)
		itp.CustomDates = dates
		itp.Confident = valid
		return itp
	}

	// Weekly/biweekly/ordinal/monthly family: resolve the effective
	// weekday.
	if wd, valid := dateutil.ParseWeekday(h.DayOfWeek); valid {
		itp.EffectiveDay = wd
		itp.HasDay = true
		itp.Confident = true
		if itp.EventDate != "" {
			if anchorDay, err := dateutil.WeekdayOf(itp.EventDate); err == nil && anchorDay != wd {
				itp.AnchorMismatch = true
				appLog.Warn("event_date weekday disagrees with day_of_week; day_of_week wins",
					"happening_id", h.ID,
					"event_date", itp.EventDate,
					"event_date_weekday", anchorDay.String(),
					"day_of_week", h.DayOfWeek)
			}
		}
	} else if itp.EventDate != "" {
		// Fallback: derive the weekday from the anchor date. Deliberate
		// safety net for legacy rows, not silent correctness.
		wd, err := dateutil.WeekdayOf(itp.EventDate)
		if err == nil {
			itp.EffectiveDay = wd
			itp.HasDay = true
			itp.Confident = true
			itp.DerivedFromFallback = true
			appLog.Warn("day_of_week missing; derived from event_date",
				"happening_id", h.ID,
				"event_date", itp.EventDate,
				"derived_day", wd.String(),
				"rule", h.RecurrenceRule)
		}
	}

	if shape == ShapeMonthly && itp.Confident {
		itp.Ordinals = []int{monthlyOrdinal(itp.EventDate)}
	}

	return itp
}

// validateCustomDates parses and sorts an explicit date list. Any
// unparseable entry invalidates the whole set (fail closed: a partially
// bad list means the row needs attention, not a silent subset).
func validateCustomDates(raw []string) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	dates := make([]string, 0, len(raw))
	for _, d := range raw {
		if _, err := dateutil.ParseKey(d); err != nil {
			return nil, false
		}
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, true
}

// monthlyOrdinal picks the week-of-month slot for a plain "monthly" rule.
// With an anchor date the slot is the anchor's week of the month (the
// 15th is in week 3, so the series runs on the 3rd such weekday); without
// one the series defaults to the first slot.
func monthlyOrdinal(anchor string) int {
	if anchor == "" {
		return 1
	}
	t, err := dateutil.ParseKey(anchor)
	if err != nil {
		return 1
	}
	return (t.Day()-1)/7 + 1
}

// Canonicalize fills a missing day_of_week from event_date at write time,
// so rows reach the store already confident where possible. Returns true
// when the happening was changed. Read paths still tolerate legacy rows
// via Interpret's fallback.
func Canonicalize(h *model.Happening) bool {
	shape, _, ok := normalizeRule(h.RecurrenceRule)
	if !ok || !requiresDayOfWeek(shape) {
		return false
	}
	if _, valid := dateutil.ParseWeekday(h.DayOfWeek); valid {
		return false
	}
	wd, err := dateutil.WeekdayOf(h.EventDate)
	if err != nil {
		return false
	}
	h.DayOfWeek = wd.String()
	appLog.Warn("canonicalized day_of_week from event_date at write time",
		"happening_id", h.ID, "event_date", h.EventDate, "day_of_week", h.DayOfWeek)
	return true
}

// Label renders a human-readable schedule description from the
// interpretation, e.g. "Every Monday", "Every other Thursday",
// "1st & 3rd Tuesday of the month". Labels and occurrence dates come from
// the same Interpreted value, so they can never disagree about the
// weekday.
func Label(itp Interpreted) string {
	switch itp.Shape {
	case ShapeOneTime:
		if itp.EventDate != "" {
			return "One time on " + itp.EventDate
		}
		return "One time (date TBD)"
	case ShapeCustom:
		return fmt.Sprintf("Custom dates (%d scheduled)", len(itp.CustomDates))
	case ShapeWeekly:
		if !itp.HasDay {
			return "Weekly (day unknown)"
		}
		return "Every " + itp.EffectiveDay.String()
	case ShapeBiweekly:
		if !itp.HasDay {
			return "Every other week (day unknown)"
		}
		return "Every other " + itp.EffectiveDay.String()
	case ShapeOrdinal, ShapeMonthly:
		if !itp.HasDay {
			return "Monthly (day unknown)"
		}
		return ordinalList(itp.Ordinals) + " " + itp.EffectiveDay.String() + " of the month"
	default:
		return "Schedule unknown"
	}
}

func ordinalList(ordinals []int) string {
	parts := make([]string, 0, len(ordinals))
	for _, n := range ordinals {
		parts = append(parts, ordinalWord(n))
	}
	return strings.Join(parts, " & ")
}

func ordinalWord(n int) string {
	switch n {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	case 4:
		return "4th"
	case 5:
		return "5th"
	case OrdinalLast:
		return "Last"
	default:
		return fmt.Sprintf("%dth", n)
	}
}
