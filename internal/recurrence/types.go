// Package recurrence interprets the sparse recurrence fields stored on a
// happening and expands them into concrete occurrence dates. It is pure
// computation: no I/O, no clock reads, no state between calls. Every
// consumer (digest, web, ICS export) works from Interpret's output; nothing
// outside this package re-derives shape or weekday from raw fields.
package recurrence

import (
	"sort"
	"strings"
)

// Shape classifies how a happening repeats.
type Shape string

const (
	ShapeOneTime  Shape = "one_time"
	ShapeWeekly   Shape = "weekly"
	ShapeBiweekly Shape = "biweekly"
	ShapeOrdinal  Shape = "ordinal"  // e.g. "2nd Thursday", "1st/3rd Tuesday"
	ShapeMonthly  Shape = "monthly"  // a single ordinal weekday slot per month
	ShapeCustom   Shape = "custom"   // explicit date list
	ShapeUnknown  Shape = "unknown"  // unrecognized rule text; never trusted
)

// OrdinalLast marks "last <weekday> of the month" in an ordinal list.
const OrdinalLast = -1

// ordinalTokens is the closed vocabulary for ordinal expressions. Anything
// outside this table fails closed as ShapeUnknown.
var ordinalTokens = map[string]int{
	"1st":  1,
	"2nd":  2,
	"3rd":  3,
	"4th":  4,
	"5th":  5,
	"last": OrdinalLast,
}

// normalizeRule maps raw recurrence_rule text onto a canonical shape. For
// ordinal shapes it also returns the ordinal set (1..5, OrdinalLast),
// deduplicated and sorted with "last" at the end.
//
// Accepted ordinal spellings: single tags ("2nd", "Last") and compounds
// joined by "/", ",", "&" or the word "and" ("1st/3rd", "2nd & 4th",
// "1st and Last"). ok is false for anything not in the table.
func normalizeRule(raw string) (shape Shape, ordinals []int, ok bool) {
	rule := strings.ToLower(strings.TrimSpace(raw))

	switch rule {
	case "":
		return ShapeOneTime, nil, true
	case "custom":
		return ShapeCustom, nil, true
	case "weekly":
		return ShapeWeekly, nil, true
	case "biweekly":
		return ShapeBiweekly, nil, true
	case "monthly":
		return ShapeMonthly, nil, true
	}

	// Ordinal expression. Unify every accepted separator to "/" before
	// splitting so "1st and 3rd" and "1st/3rd" take the same path.
	rule = strings.ReplaceAll(rule, " and ", "/")
	rule = strings.ReplaceAll(rule, "&", "/")
	rule = strings.ReplaceAll(rule, ",", "/")

	seen := make(map[int]bool)
	for _, tok := range strings.Split(rule, "/") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, known := ordinalTokens[tok]
		if !known {
			return ShapeUnknown, nil, false
		}
		if !seen[n] {
			seen[n] = true
			ordinals = append(ordinals, n)
		}
	}
	if len(ordinals) == 0 {
		return ShapeUnknown, nil, false
	}

	sort.Slice(ordinals, func(i, j int) bool {
		// OrdinalLast sorts after the numeric ordinals.
		oi, oj := ordinals[i], ordinals[j]
		if oi == OrdinalLast {
			return false
		}
		if oj == OrdinalLast {
			return true
		}
		return oi < oj
	})
	return ShapeOrdinal, ordinals, true
}

// requiresDayOfWeek reports whether the shape cannot be trusted without a
// weekday. One-time and custom shapes never need one.
func requiresDayOfWeek(s Shape) bool {
	switch s {
	case ShapeWeekly, ShapeBiweekly, ShapeOrdinal, ShapeMonthly:
		return true
	default:
		return false
	}
}
