package model

// DateKeyLayout is the canonical calendar-date format used everywhere a
// date crosses a package boundary: store rows, API parameters, map keys.
const DateKeyLayout = "2006-01-02"

// Happening represents a community happening (open mic, song circle,
// workshop) as stored, including the sparse recurrence fields. The raw
// fields are deliberately kept as plain strings; internal/recurrence owns
// their interpretation and nothing else re-derives meaning from them.
type Happening struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Venue       string `json:"venue,omitempty"`
	Description string `json:"description,omitempty"`

	// EventDate is the only date for one-time happenings and the anchor
	// date for recurring ones. Optional, YYYY-MM-DD.
	EventDate string `json:"event_date,omitempty"`

	// DayOfWeek is a weekday name ("Sunday".."Saturday"). Required for
	// weekly/biweekly/ordinal/monthly rules to be trusted.
	DayOfWeek string `json:"day_of_week,omitempty"`

	// RecurrenceRule is a tag from a closed vocabulary: "" (one-time),
	// "weekly", "biweekly", "monthly", "custom", or an ordinal expression
	// such as "2nd" or "1st/3rd".
	RecurrenceRule string `json:"recurrence_rule,omitempty"`

	// CustomDates lists explicit occurrence dates, used only when
	// RecurrenceRule is "custom".
	CustomDates []string `json:"custom_dates,omitempty"`

	// StartTime / EndTime are display times ("19:00"); opaque to the
	// recurrence engine.
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	// Timezone optionally overrides the deployment timezone for this
	// happening (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

// OverrideAction is what a per-date override does to one occurrence.
type OverrideAction string

const (
	// OverrideCancelled suppresses the occurrence entirely.
	OverrideCancelled OverrideAction = "cancelled"
	// OverrideModified keeps the occurrence but changes its details
	// (time, note). The payload is opaque to expansion.
	OverrideModified OverrideAction = "modified"
)

// Override is a per-date exception to a happening's base pattern.
type Override struct {
	HappeningID string         `json:"happening_id"`
	Date        string         `json:"date"` // YYYY-MM-DD
	Action      OverrideAction `json:"action"`
	Note        string         `json:"note,omitempty"`
	StartTime   string         `json:"start_time,omitempty"`
	EndTime     string         `json:"end_time,omitempty"`
}

// OverrideSet indexes one happening's overrides by date key. Absence of a
// key means the base pattern applies unmodified.
type OverrideSet map[string]Override

// BuildOverrideSet groups a flat override list by date key. Later entries
// for the same date win.
func BuildOverrideSet(overrides []Override) OverrideSet {
	if len(overrides) == 0 {
		return nil
	}
	set := make(OverrideSet, len(overrides))
	for _, o := range overrides {
		set[o.Date] = o
	}
	return set
}

// Occurrence is a single concrete calendar-date instance of a happening
// after recurrence expansion.
type Occurrence struct {
	HappeningID string `json:"happening_id"`
	Title       string `json:"title"`
	Date        string `json:"date"` // YYYY-MM-DD

	// Confident reports whether the stored recurrence fields were
	// sufficient to compute this occurrence without guessing. Consumers
	// must hide or flag rows where this is false; it is a display
	// contract, not an internal detail.
	Confident bool `json:"confident"`

	// FallbackDerived is true when the weekday driving this occurrence
	// was derived from EventDate because DayOfWeek was missing.
	FallbackDerived bool `json:"fallback_derived,omitempty"`

	// Modified is true when a "modified" override applied to this date.
	Modified  bool   `json:"modified,omitempty"`
	Note      string `json:"note,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}
