package recurrence

import (
	"errors"
	"fmt"
	"time"

	"gathercal/internal/dateutil"
	appLog "gathercal/internal/log"
	"gathercal/internal/model"
)

const (
	// DefaultMaxOccurrences caps a single expansion when the caller does
	// not set its own limit.
	DefaultMaxOccurrences = 500

	// maxScanDays bounds how many calendar days a single expansion or
	// next-occurrence search may examine. Even a malformed pattern that
	// never matches (or an enormous window) terminates here, loudly.
	maxScanDays = 730

	// biweeklyEpoch anchors the alternating-week phase when a happening
	// has no event_date. 2024-01-01 is a Monday.
	biweeklyEpoch = "2024-01-01"
)

// ErrInvalidWindow reports a caller-contract violation in expansion
// arguments. These are programming errors, distinct from bad row data
// which degrades to not-confident/empty instead.
var ErrInvalidWindow = errors.New("invalid expansion window")

// Window bounds an expansion. Start and End are inclusive date keys.
// MaxOccurrences of zero means DefaultMaxOccurrences.
type Window struct {
	Start          string
	End            string
	MaxOccurrences int
}

// Result is a bounded expansion outcome. Truncated is true when the
// occurrence cap or the scan ceiling cut the window short, so callers can
// surface partial results instead of silently presenting them as complete.
type Result struct {
	Occurrences []model.Occurrence
	Truncated   bool
}

// NextResult is the outcome of a next-occurrence computation.
//
// Found=false with Confident=true means the pattern is valid but exhausted
// (a one-time happening in the past, a custom list with no future dates).
// Confident=false means the stored fields could not be trusted; Date then
// carries the reference date as a best-effort value so callers always have
// something to branch on.
type NextResult struct {
	Date            string
	Found           bool
	Confident       bool
	FallbackDerived bool
}

// Next computes the first occurrence on or after todayKey. todayKey is
// passed in rather than read from the clock so one notion of "today"
// threads through a whole request, and so tests can pin it.
//
// Bad row data never produces an error; a malformed todayKey does, since
// that is a caller bug.
func Next(h model.Happening, todayKey string) (NextResult, error) {
	todayT, err := dateutil.ParseKey(todayKey)
	if err != nil {
		return NextResult{}, fmt.Errorf("next occurrence: %w", err)
	}

	itp := Interpret(h)
	if !itp.Confident {
		return NextResult{Date: todayKey}, nil
	}

	switch itp.Shape {
	case ShapeOneTime:
		if itp.EventDate >= todayKey {
			return NextResult{Date: itp.EventDate, Found: true, Confident: true}, nil
		}
		return NextResult{Confident: true}, nil

	case ShapeCustom:
		for _, d := range itp.CustomDates {
			if d >= todayKey {
				return NextResult{Date: d, Found: true, Confident: true}, nil
			}
		}
		return NextResult{Confident: true}, nil
	}

	// Recurring family: walk forward day by day with the same predicate
	// expansion uses. Bounded by the scan ceiling.
	anchor := phaseAnchor(itp)
	cursor := todayT
	for i := 0; i < maxScanDays; i++ {
		if matchesOn(itp, cursor, anchor) {
			return NextResult{
				Date:            dateutil.FormatKey(cursor),
				Found:           true,
				Confident:       true,
				FallbackDerived: itp.DerivedFromFallback,
			}, nil
		}
		cursor = cursor.AddDate(0, 0, 1)
	}

	appLog.Warn("no occurrence found within scan ceiling",
		"happening_id", h.ID, "today", todayKey, "shape", string(itp.Shape))
	return NextResult{Confident: true}, nil
}

// Expand produces every occurrence within [w.Start, w.End] in ascending
// order, with cancelled overrides removed entirely and modified overrides
// annotated. It is a pure function of its arguments: identical inputs
// always yield identical output.
func Expand(h model.Happening, overrides model.OverrideSet, w Window) (Result, error) {
	startT, err := dateutil.ParseKey(w.Start)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	endT, err := dateutil.ParseKey(w.End)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	if endT.Before(startT) {
		return Result{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidWindow, w.End, w.Start)
	}
	if w.MaxOccurrences < 0 {
		return Result{}, fmt.Errorf("%w: negative max occurrences %d", ErrInvalidWindow, w.MaxOccurrences)
	}
	limit := w.MaxOccurrences
	if limit == 0 {
		limit = DefaultMaxOccurrences
	}

	itp := Interpret(h)
	if !itp.Confident {
		// Insufficient data is a first-class outcome, not an error: the
		// row is skipped here and surfaced on admin attention surfaces.
		appLog.Debug("skipping expansion of not-confident happening",
			"happening_id", h.ID, "rule", h.RecurrenceRule)
		return Result{}, nil
	}

	var res Result

	switch itp.Shape {
	case ShapeOneTime:
		if itp.EventDate >= w.Start && itp.EventDate <= w.End {
			if occ, keep := applyOverride(h, itp, itp.EventDate, overrides); keep {
				res.Occurrences = append(res.Occurrences, occ)
			}
		}
		return res, nil

	case ShapeCustom:
		for _, d := range itp.CustomDates {
			if d < w.Start || d > w.End {
				continue
			}
			if len(res.Occurrences) >= limit {
				res.Truncated = true
				break
			}
			if occ, keep := applyOverride(h, itp, d, overrides); keep {
				res.Occurrences = append(res.Occurrences, occ)
			}
		}
		return res, nil
	}

	anchor := phaseAnchor(itp)
	cursor := startT
	for scanned := 0; !cursor.After(endT); scanned++ {
		if scanned >= maxScanDays {
			res.Truncated = true
			appLog.Warn("expansion hit scan ceiling before window end",
				"happening_id", h.ID,
				"window_start", w.Start, "window_end", w.End,
				"scan_ceiling_days", maxScanDays)
			break
		}
		if matchesOn(itp, cursor, anchor) {
			if len(res.Occurrences) >= limit {
				res.Truncated = true
				appLog.Warn("expansion hit occurrence cap",
					"happening_id", h.ID, "cap", limit)
				break
			}
			key := dateutil.FormatKey(cursor)
			if occ, keep := applyOverride(h, itp, key, overrides); keep {
				res.Occurrences = append(res.Occurrences, occ)
			}
		}
		cursor = cursor.AddDate(0, 0, 1)
	}
	return res, nil
}

// applyOverride builds the occurrence for one date, consulting the
// override set. Cancelled dates are dropped entirely; they must not render
// anywhere downstream. Modified dates carry the override's payload.
func applyOverride(h model.Happening, itp Interpreted, key string, overrides model.OverrideSet) (model.Occurrence, bool) {
	occ := model.Occurrence{
		HappeningID:     h.ID,
		Title:           h.Title,
		Date:            key,
		Confident:       true,
		FallbackDerived: itp.DerivedFromFallback,
		StartTime:       h.StartTime,
		EndTime:         h.EndTime,
	}

	ov, found := overrides[key]
	if !found {
		return occ, true
	}
	switch ov.Action {
	case model.OverrideCancelled:
		return model.Occurrence{}, false
	case model.OverrideModified:
		occ.Modified = true
		occ.Note = ov.Note
		if ov.StartTime != "" {
			occ.StartTime = ov.StartTime
		}
		if ov.EndTime != "" {
			occ.EndTime = ov.EndTime
		}
	}
	return occ, true
}

// phaseAnchor returns the date that fixes a series' phase: the first day
// on or after the anchor date (event_date, or the documented epoch when
// absent) that falls on the effective weekday. Only biweekly actually
// depends on it, but computing it uniformly keeps matchesOn simple.
func phaseAnchor(itp Interpreted) time.Time {
	base := itp.EventDate
	if base == "" {
		base = biweeklyEpoch
	}
	t, err := dateutil.ParseKey(base)
	if err != nil {
		t, _ = dateutil.ParseKey(biweeklyEpoch)
	}
	for t.Weekday() != itp.EffectiveDay {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// matchesOn is the one predicate deciding whether a recurring pattern
// lands on a given day. Next and Expand both use it, so they can never
// disagree.
func matchesOn(itp Interpreted, t time.Time, anchor time.Time) bool {
	if !itp.HasDay || t.Weekday() != itp.EffectiveDay {
		return false
	}

	switch itp.Shape {
	case ShapeWeekly:
		return true

	case ShapeBiweekly:
		days := int(t.Sub(anchor).Hours() / 24)
		return ((days%14)+14)%14 == 0

	case ShapeOrdinal, ShapeMonthly:
		for _, n := range itp.Ordinals {
			if n == OrdinalLast {
				if isLastWeekdayOfMonth(t) {
					return true
				}
				continue
			}
			if weekOfMonth(t) == n {
				return true
			}
		}
		return false
	}
	return false
}

// weekOfMonth returns which occurrence of its weekday t is within its
// month (1-based): the 1st..7th is 1, the 8th..14th is 2, and so on.
func weekOfMonth(t time.Time) int {
	return (t.Day()-1)/7 + 1
}

// isLastWeekdayOfMonth reports whether the same weekday one week later
// falls in a different month.
func isLastWeekdayOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 7).Month() != t.Month()
}
