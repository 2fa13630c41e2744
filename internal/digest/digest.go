// Package digest assembles the upcoming-happenings summary sent to the
// community list and shown to operators. It is a pure consumer of the
// recurrence engine: expansion output drives the public section, and the
// confidence/fallback flags drive the admin "needs attention" section.
// The two audiences see the same flag differently: the public view hides
// untrusted rows entirely, the admin view lists them with a reason.
package digest

import (
	"fmt"
	"sort"
	"strings"

	"gathercal/internal/dateutil"
	appLog "gathercal/internal/log"
	"gathercal/internal/model"
	"gathercal/internal/recurrence"
)

// Day groups the occurrences of one calendar date.
type Day struct {
	Date        string             `json:"date"`
	Weekday     string             `json:"weekday"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

// AttentionItem flags a happening operators should look at: its stored
// recurrence fields were insufficient, derived via fallback, or internally
// inconsistent.
type AttentionItem struct {
	HappeningID string `json:"happening_id"`
	Title       string `json:"title"`
	Rule        string `json:"rule"`
	Label       string `json:"label"`
	Reason      string `json:"reason"`
}

// Digest is one built summary covering [Today, Today+days].
type Digest struct {
	Today          string          `json:"today"`
	Start          string          `json:"start"`
	End            string          `json:"end"`
	Days           []Day           `json:"days"`
	NeedsAttention []AttentionItem `json:"needs_attention,omitempty"`
	Truncated      bool            `json:"truncated,omitempty"`
}

// Build expands every happening over the window and assembles the digest.
// todayKey is injected so one consistent "today" covers the whole build
// (and so tests can pin it).
func Build(happenings []model.Happening, overridesByID map[string]model.OverrideSet, todayKey string, days int) (Digest, error) {
	if days <= 0 {
		return Digest{}, fmt.Errorf("digest: non-positive day span %d", days)
	}
	endKey, err := dateutil.AddDays(todayKey, days)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: %w", err)
	}

	d := Digest{Today: todayKey, Start: todayKey, End: endKey}
	byDate := make(map[string][]model.Occurrence)

	for _, h := range happenings {
		itp := recurrence.Interpret(h)

		if item, needs := Attention(h, itp); needs {
			d.NeedsAttention = append(d.NeedsAttention, item)
		}
		if !itp.Confident {
			continue
		}

		res, err := recurrence.Expand(h, overridesByID[h.ID], recurrence.Window{
			Start: todayKey,
			End:   endKey,
		})
		if err != nil {
			// Window came from this function, so an error here is a bug,
			// not bad row data.
			return Digest{}, fmt.Errorf("digest: expand %s: %w", h.ID, err)
		}
		if res.Truncated {
			d.Truncated = true
		}
		for _, occ := range res.Occurrences {
			byDate[occ.Date] = append(byDate[occ.Date], occ)
		}
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	for _, date := range dates {
		occs := byDate[date]
		sort.Slice(occs, func(i, j int) bool {
			if occs[i].StartTime != occs[j].StartTime {
				return occs[i].StartTime < occs[j].StartTime
			}
			return occs[i].Title < occs[j].Title
		})
		wd, _ := dateutil.WeekdayOf(date)
		d.Days = append(d.Days, Day{Date: date, Weekday: wd.String(), Occurrences: occs})
	}

	sort.Slice(d.NeedsAttention, func(i, j int) bool {
		return d.NeedsAttention[i].Title < d.NeedsAttention[j].Title
	})

	appLog.Info("digest built",
		"start", d.Start, "end", d.End,
		"days_with_occurrences", len(d.Days),
		"needs_attention", len(d.NeedsAttention))
	return d, nil
}

// Attention decides whether a happening belongs on the operator list and
// why. Confident, cleanly-stored rows return needs=false.
func Attention(h model.Happening, itp recurrence.Interpreted) (AttentionItem, bool) {
	item := AttentionItem{
		HappeningID: h.ID,
		Title:       h.Title,
		Rule:        h.RecurrenceRule,
		Label:       recurrence.Label(itp),
	}
	switch {
	case itp.Shape == recurrence.ShapeUnknown:
		item.Reason = "unrecognized recurrence rule"
	case !itp.Confident:
		item.Reason = "insufficient recurrence data"
	case itp.DerivedFromFallback:
		item.Reason = "day of week derived from event date"
	case itp.AnchorMismatch:
		item.Reason = "event date falls on a different weekday than day_of_week"
	default:
		return AttentionItem{}, false
	}
	return item, true
}

// Render formats a digest as plain text, one block per day. Modified
// occurrences carry their note inline.
func Render(d Digest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Upcoming happenings %s through %s\n", d.Start, d.End)
	if len(d.Days) == 0 {
		b.WriteString("\nNothing scheduled in this window.\n")
	}
	for _, day := range d.Days {
		fmt.Fprintf(&b, "\n%s, %s\n", day.Weekday, day.Date)
		for _, occ := range day.Occurrences {
			b.WriteString("  - " + occ.Title)
			if occ.StartTime != "" {
				b.WriteString(" at " + occ.StartTime)
			}
			if occ.Modified {
				b.WriteString(" (changed")
				if occ.Note != "" {
					b.WriteString(": " + occ.Note)
				}
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	}

	if len(d.NeedsAttention) > 0 {
		b.WriteString("\nNeeds attention (not shown publicly):\n")
		for _, item := range d.NeedsAttention {
			fmt.Fprintf(&b, "  - %s: %s (rule=%q)\n", item.Title, item.Reason, item.Rule)
		}
	}
	if d.Truncated {
		b.WriteString("\nNote: some series were truncated by the expansion cap.\n")
	}
	return b.String()
}
