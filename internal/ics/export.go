// Package ics renders happenings as an iCalendar feed so community
// members can subscribe from their own calendar apps. Recurring shapes are
// emitted as RRULE-bearing VEVENTs with EXDATEs for cancelled dates;
// one-time and custom shapes become discrete VEVENTs from the expansion.
// Non-confident happenings never reach the feed (public surface).
package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"gathercal/internal/dateutil"
	appLog "gathercal/internal/log"
	"gathercal/internal/model"
	"gathercal/internal/recurrence"
)

const (
	uidSuffix = "@gathercal"

	utcStampLayout = "20060102T150405Z"
	dateLayout     = "20060102"
)

// Export builds a serialized VCALENDAR for all given happenings over the
// window. loc is the civil timezone for event clock times; nil means the
// deployment default.
func Export(happenings []model.Happening, overridesByID map[string]model.OverrideSet, loc *time.Location, w recurrence.Window) (string, error) {
	if loc == nil {
		var err error
		loc, err = dateutil.LoadLocation("")
		if err != nil {
			return "", err
		}
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//gathercal//community happenings//EN")

	for _, h := range happenings {
		itp := recurrence.Interpret(h)
		if !itp.Confident {
			appLog.Debug("ics export: skipping not-confident happening",
				"happening_id", h.ID, "rule", h.RecurrenceRule)
			continue
		}

		overrides := overridesByID[h.ID]
		var err error
		if itp.Recurring && itp.Shape != recurrence.ShapeCustom {
			err = addRecurringEvent(cal, h, itp, overrides, loc, w)
		} else {
			err = addDiscreteEvents(cal, h, overrides, loc, w)
		}
		if err != nil {
			return "", fmt.Errorf("ics export %s: %w", h.ID, err)
		}
	}

	return cal.Serialize(), nil
}

// addRecurringEvent emits one VEVENT whose RRULE carries the whole series.
// DTSTART anchors at the first occurrence on/after the window start;
// cancelled overrides become EXDATEs.
func addRecurringEvent(cal *ical.Calendar, h model.Happening, itp recurrence.Interpreted, overrides model.OverrideSet, loc *time.Location, w recurrence.Window) error {
	next, err := recurrence.Next(h, w.Start)
	if err != nil {
		return err
	}
	if !next.Found {
		// Pattern valid but nothing upcoming within the scan ceiling.
		return nil
	}

	ruleStr, err := buildRRule(itp)
	if err != nil {
		return err
	}

	ev := cal.AddEvent(h.ID + uidSuffix)
	start, allDay := eventStart(next.Date, h.StartTime, loc)
	if allDay {
		ev.SetAllDayStartAt(start)
		ev.SetAllDayEndAt(start.AddDate(0, 0, 1))
	} else {
		ev.SetStartAt(start)
		if end, ok := clockOn(next.Date, h.EndTime, loc); ok {
			ev.SetEndAt(end)
		}
	}
	ev.SetDtStampTime(start)
	ev.SetSummary(h.Title)
	if h.Venue != "" {
		ev.SetLocation(h.Venue)
	}
	if h.Description != "" {
		ev.SetDescription(h.Description)
	}
	ev.AddRrule(ruleStr)

	for date, ov := range overrides {
		if ov.Action != model.OverrideCancelled {
			continue
		}
		ev.AddExdate(exdateValue(date, h.StartTime, loc, allDay))
	}
	return nil
}

// addDiscreteEvents emits one VEVENT per expanded occurrence, used for
// one-time and custom shapes where an RRULE cannot express the series.
func addDiscreteEvents(cal *ical.Calendar, h model.Happening, overrides model.OverrideSet, loc *time.Location, w recurrence.Window) error {
	res, err := recurrence.Expand(h, overrides, w)
	if err != nil {
		return err
	}

	for _, occ := range res.Occurrences {
		ev := cal.AddEvent(fmt.Sprintf("%s-%s%s", h.ID, occ.Date, uidSuffix))
		start, allDay := eventStart(occ.Date, occ.StartTime, loc)
		if allDay {
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(start.AddDate(0, 0, 1))
		} else {
			ev.SetStartAt(start)
			if end, ok := clockOn(occ.Date, occ.EndTime, loc); ok {
				ev.SetEndAt(end)
			}
		}
		ev.SetDtStampTime(start)
		ev.SetSummary(h.Title)
		if h.Venue != "" {
			ev.SetLocation(h.Venue)
		}
		if occ.Modified && occ.Note != "" {
			ev.SetDescription(occ.Note)
		} else if h.Description != "" {
			ev.SetDescription(h.Description)
		}
	}
	return nil
}

// buildRRule translates an interpreted recurrence into an RRULE string.
func buildRRule(itp recurrence.Interpreted) (string, error) {
	wd, err := rruleWeekday(itp.EffectiveDay)
	if err != nil {
		return "", err
	}

	var opt rrule.ROption
	switch itp.Shape {
	case recurrence.ShapeWeekly:
		opt = rrule.ROption{Freq: rrule.WEEKLY, Byweekday: []rrule.Weekday{wd}}
	case recurrence.ShapeBiweekly:
		opt = rrule.ROption{Freq: rrule.WEEKLY, Interval: 2, Byweekday: []rrule.Weekday{wd}}
	case recurrence.ShapeOrdinal, recurrence.ShapeMonthly:
		days := make([]rrule.Weekday, 0, len(itp.Ordinals))
		for _, n := range itp.Ordinals {
			days = append(days, wd.Nth(n))
		}
		opt = rrule.ROption{Freq: rrule.MONTHLY, Byweekday: days}
	default:
		return "", fmt.Errorf("shape %s has no RRULE form", itp.Shape)
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return "", fmt.Errorf("build rrule: %w", err)
	}
	return r.String(), nil
}

func rruleWeekday(wd time.Weekday) (rrule.Weekday, error) {
	switch wd {
	case time.Sunday:
		return rrule.SU, nil
	case time.Monday:
		return rrule.MO, nil
	case time.Tuesday:
		return rrule.TU, nil
	case time.Wednesday:
		return rrule.WE, nil
	case time.Thursday:
		return rrule.TH, nil
	case time.Friday:
		return rrule.FR, nil
	case time.Saturday:
		return rrule.SA, nil
	}
	return rrule.MO, fmt.Errorf("invalid weekday %d", wd)
}

// eventStart resolves a date key plus optional "HH:MM" clock time into the
// event start. allDay is true when no usable clock time exists.
func eventStart(dateKey, clock string, loc *time.Location) (time.Time, bool) {
	if t, ok := clockOn(dateKey, clock, loc); ok {
		return t, false
	}
	day, _ := dateutil.ParseKey(dateKey)
	return day, true
}

// clockOn combines a date key with an "HH:MM" time in loc.
func clockOn(dateKey, clock string, loc *time.Location) (time.Time, bool) {
	if clock == "" {
		return time.Time{}, false
	}
	day, err := dateutil.ParseKey(dateKey)
	if err != nil {
		return time.Time{}, false
	}
	hm, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), true
}

// exdateValue formats a cancelled date to match the DTSTART form of its
// event (date-only for all-day, UTC timestamp otherwise).
func exdateValue(dateKey, clock string, loc *time.Location, allDay bool) string {
	if allDay {
		day, _ := dateutil.ParseKey(dateKey)
		return day.Format(dateLayout)
	}
	t, ok := clockOn(dateKey, clock, loc)
	if !ok {
		day, _ := dateutil.ParseKey(dateKey)
		return day.Format(dateLayout)
	}
	return t.UTC().Format(utcStampLayout)
}
