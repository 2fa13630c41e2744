package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gathercal/internal/config"
	"gathercal/internal/digest"
	"gathercal/internal/model"
	"gathercal/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	loc, err := time.LoadLocation(cfg.Timezone)
	require.NoError(t, err)
	return NewServer(cfg, st, loc), st
}

func seedHappenings(t *testing.T, st *store.Store) (weekly, untrusted model.Happening) {
	t.Helper()
	ctx := context.Background()

	weekly = model.Happening{
		Title:          "Open Mic",
		RecurrenceRule: "weekly",
		DayOfWeek:      "Tuesday",
		StartTime:      "19:00",
	}
	require.NoError(t, st.Create(ctx, &weekly))

	untrusted = model.Happening{
		Title:          "Mystery Meetup",
		RecurrenceRule: "weekly", // no day, no anchor
	}
	require.NoError(t, st.Create(ctx, &untrusted))
	return weekly, untrusted
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestListHappeningsIncludesInterpretation(t *testing.T) {
	s, st := newTestServer(t)
	seedHappenings(t, st)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/happenings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []struct {
		model.Happening
		Shape     string `json:"shape"`
		Label     string `json:"label"`
		Confident bool   `json:"confident"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	require.Len(t, views, 2)

	byTitle := map[string]bool{}
	for _, v := range views {
		byTitle[v.Title] = v.Confident
		if v.Title == "Open Mic" {
			assert.Equal(t, "Every Tuesday", v.Label)
			assert.Equal(t, "weekly", v.Shape)
		}
	}
	assert.True(t, byTitle["Open Mic"])
	assert.False(t, byTitle["Mystery Meetup"],
		"admin listing still shows the row, flagged rather than hidden")
}

func TestCreateHappening(t *testing.T) {
	s, st := newTestServer(t)

	body := `{"title":"Workshop","recurrence_rule":"2nd","day_of_week":"Thursday"}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/happenings", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Happening
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)

	got, err := st.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Workshop", got.Title)
}

func TestCreateHappeningRejectsMissingTitle(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/happenings", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOccurrencesWindow(t *testing.T) {
	s, st := newTestServer(t)
	weekly, _ := seedHappenings(t, st)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/occurrences?start=2026-01-06&end=2026-02-03", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Start       string             `json:"start"`
		End         string             `json:"end"`
		Occurrences []model.Occurrence `json:"occurrences"`
		Truncated   bool               `json:"truncated"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	// Five Tuesdays, nothing from the untrusted row.
	require.Len(t, resp.Occurrences, 5)
	for _, occ := range resp.Occurrences {
		assert.Equal(t, weekly.ID, occ.HappeningID)
		assert.True(t, occ.Confident)
	}
	assert.Equal(t, "2026-01-06", resp.Occurrences[0].Date)
}

func TestOccurrencesAppliesStoredCancellation(t *testing.T) {
	s, st := newTestServer(t)
	weekly, _ := seedHappenings(t, st)

	require.NoError(t, st.SaveOverride(context.Background(), model.Override{
		HappeningID: weekly.ID,
		Date:        "2026-01-20",
		Action:      model.OverrideCancelled,
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/occurrences?start=2026-01-06&end=2026-02-03", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Occurrences []model.Occurrence `json:"occurrences"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Occurrences, 4)
	for _, occ := range resp.Occurrences {
		assert.NotEqual(t, "2026-01-20", occ.Date)
	}
}

func TestOccurrencesRejectsBadWindows(t *testing.T) {
	s, _ := newTestServer(t)
	for _, url := range []string{
		"/api/occurrences?start=2026-02-01&end=2026-01-01",
		"/api/occurrences?start=bogus",
		"/api/occurrences?start=2026-01-01&end=bogus",
		"/api/occurrences?start=2020-01-01&end=2026-01-01", // wider than window_days
		"/api/occurrences?start=2026-01-01&end=2026-01-31&max=-2",
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "url %s", url)
	}
}

func TestNextEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	weekly, _ := seedHappenings(t, st)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/next?id="+weekly.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var next struct {
		Date      string `json:"Date"`
		Found     bool   `json:"Found"`
		Confident bool   `json:"Confident"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&next))
	// A weekly pattern always has an occurrence within the next 7 days.
	assert.True(t, next.Found)
	assert.True(t, next.Confident)
	assert.NotEmpty(t, next.Date)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/next?id=ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttentionEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	_, untrusted := seedHappenings(t, st)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/attention", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var items []digest.AttentionItem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, untrusted.ID, items[0].HappeningID)
	assert.Equal(t, "insufficient recurrence data", items[0].Reason)
}

func TestCalendarFeed(t *testing.T) {
	s, st := newTestServer(t)
	weekly, _ := seedHappenings(t, st)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calendar.ics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, rec.Body.String(), weekly.ID+"@gathercal")
}

func TestBasicAuthProtectsEverythingButHealth(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	loc, err := time.LoadLocation(cfg.Timezone)
	require.NoError(t, err)
	s := NewServer(cfg, st, loc)

	// /health stays open.
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Everything else requires credentials.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/happenings", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/happenings", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
