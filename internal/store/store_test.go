package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gathercal/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := model.Happening{
		Title:          "Open Mic",
		Venue:          "The Listening Room",
		RecurrenceRule: "weekly",
		DayOfWeek:      "Tuesday",
		StartTime:      "19:00",
	}
	require.NoError(t, st.Create(ctx, &h))
	assert.NotEmpty(t, h.ID, "Create assigns an ID")

	got, err := st.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestCreateCanonicalizesDayOfWeek(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := model.Happening{
		Title:          "Derived",
		RecurrenceRule: "weekly",
		EventDate:      "2026-01-24", // Saturday
	}
	require.NoError(t, st.Create(ctx, &h))

	got, err := st.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "Saturday", got.DayOfWeek,
		"day_of_week should be derived and persisted at write time")
}

func TestCustomDatesRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := model.Happening{
		Title:          "Series",
		RecurrenceRule: "custom",
		CustomDates:    []string{"2026-03-01", "2026-04-01"},
	}
	require.NoError(t, st.Create(ctx, &h))

	got, err := st.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-01", "2026-04-01"}, got.CustomDates)
}

func TestGetMissingReturnsNoRows(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := model.Happening{Title: "Workshop", EventDate: "2026-01-10"}
	require.NoError(t, st.Create(ctx, &h))

	h.Venue = "Community Hall"
	require.NoError(t, st.Update(ctx, &h))

	got, err := st.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "Community Hall", got.Venue)

	missing := model.Happening{ID: "ghost", Title: "Ghost"}
	assert.ErrorIs(t, st.Update(ctx, &missing), sql.ErrNoRows)
}

func TestListOrdersByTitle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"Zine Night", "Acoustic Circle", "Open Mic"} {
		h := model.Happening{Title: title, EventDate: "2026-01-10"}
		require.NoError(t, st.Create(ctx, &h))
	}

	got, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Acoustic Circle", got[0].Title)
	assert.Equal(t, "Zine Night", got[2].Title)
}

func TestOverrideUpsertAndLookup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := model.Happening{Title: "Jam", RecurrenceRule: "weekly", DayOfWeek: "Tuesday"}
	require.NoError(t, st.Create(ctx, &h))

	o := model.Override{
		HappeningID: h.ID,
		Date:        "2026-01-20",
		Action:      model.OverrideCancelled,
	}
	require.NoError(t, st.SaveOverride(ctx, o))

	// Upsert: same date flips to modified.
	o.Action = model.OverrideModified
	o.Note = "back room"
	require.NoError(t, st.SaveOverride(ctx, o))

	set, err := st.OverridesFor(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, model.OverrideModified, set["2026-01-20"].Action)
	assert.Equal(t, "back room", set["2026-01-20"].Note)
}

func TestOverridesInWindow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := model.Happening{Title: "A", RecurrenceRule: "weekly", DayOfWeek: "Monday"}
	b := model.Happening{Title: "B", RecurrenceRule: "weekly", DayOfWeek: "Friday"}
	require.NoError(t, st.Create(ctx, &a))
	require.NoError(t, st.Create(ctx, &b))

	for _, o := range []model.Override{
		{HappeningID: a.ID, Date: "2026-01-12", Action: model.OverrideCancelled},
		{HappeningID: a.ID, Date: "2026-03-02", Action: model.OverrideCancelled}, // outside window
		{HappeningID: b.ID, Date: "2026-01-16", Action: model.OverrideModified, Note: "early start"},
	} {
		require.NoError(t, st.SaveOverride(ctx, o))
	}

	byID, err := st.OverridesInWindow(ctx, "2026-01-01", "2026-01-31")
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Len(t, byID[a.ID], 1)
	assert.Contains(t, byID[a.ID], "2026-01-12")
	assert.NotContains(t, byID[a.ID], "2026-03-02")
	assert.Equal(t, "early start", byID[b.ID]["2026-01-16"].Note)
}

func TestSaveOverrideValidation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, st.SaveOverride(ctx, model.Override{Date: "2026-01-01"}))
	assert.Error(t, st.SaveOverride(ctx, model.Override{HappeningID: "x"}))
}
