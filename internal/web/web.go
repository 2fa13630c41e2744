package web

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"gathercal/internal/config"
	"gathercal/internal/dateutil"
	"gathercal/internal/digest"
	"gathercal/internal/ics"
	appLog "gathercal/internal/log"
	"gathercal/internal/model"
	"gathercal/internal/recurrence"
	"gathercal/internal/store"
)

// Server provides the HTTP API over the happening store and the
// recurrence engine: public listing/feed endpoints plus admin surfaces.
type Server struct {
	cfg *config.Config
	st  *store.Store
	loc *time.Location
	mux *http.ServeMux
}

// NewServer constructs a new Server. loc is the deployment's civil
// timezone, already resolved from cfg by the caller.
func NewServer(cfg *config.Config, st *store.Store, loc *time.Location) *Server {
	s := &Server{
		cfg: cfg,
		st:  st,
		loc: loc,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Gathercal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer starts an HTTP server bound to cfg.Listen and shuts it down
// when ctx is cancelled.
func StartServer(ctx context.Context, cfg *config.Config, st *store.Store, loc *time.Location) error {
	s := NewServer(cfg, st, loc)
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/happenings", s.handleHappenings)
	s.mux.HandleFunc("/api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("/api/next", s.handleNext)
	s.mux.HandleFunc("/api/overrides", s.handleOverrides)
	s.mux.HandleFunc("/api/digest", s.handleDigest)
	s.mux.HandleFunc("/api/admin/attention", s.handleAttention)
	s.mux.HandleFunc("/calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// happeningView is a happening plus the engine's reading of it, so UI
// callers never interpret raw recurrence fields themselves.
type happeningView struct {
	model.Happening
	Shape           string `json:"shape"`
	Label           string `json:"label"`
	Confident       bool   `json:"confident"`
	FallbackDerived bool   `json:"fallback_derived,omitempty"`
}

func (s *Server) handleHappenings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listHappenings(w, r)
	case http.MethodPost:
		s.createHappening(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listHappenings(w http.ResponseWriter, r *http.Request) {
	happenings, err := s.st.List(r.Context())
	if err != nil {
		appLog.Error("list happenings failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list happenings")
		return
	}

	views := make([]happeningView, 0, len(happenings))
	for _, h := range happenings {
		itp := recurrence.Interpret(h)
		views = append(views, happeningView{
			Happening:       h,
			Shape:           string(itp.Shape),
			Label:           recurrence.Label(itp),
			Confident:       itp.Confident,
			FallbackDerived: itp.DerivedFromFallback,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createHappening(w http.ResponseWriter, r *http.Request) {
	var h model.Happening
	if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
		writeError(w, http.StatusBadRequest, "invalid happening payload")
		return
	}
	if h.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.st.Create(r.Context(), &h); err != nil {
		appLog.Error("create happening failed", err, "title", h.Title)
		writeError(w, http.StatusInternalServerError, "failed to create happening")
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var o model.Override
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid override payload")
		return
	}
	if o.Action != model.OverrideCancelled && o.Action != model.OverrideModified {
		writeError(w, http.StatusBadRequest, "action must be cancelled or modified")
		return
	}
	if _, err := dateutil.ParseKey(o.Date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	if _, err := s.st.Get(r.Context(), o.HappeningID); err != nil {
		writeError(w, http.StatusNotFound, "happening not found")
		return
	}
	if err := s.st.SaveOverride(r.Context(), o); err != nil {
		appLog.Error("save override failed", err, "happening_id", o.HappeningID, "date", o.Date)
		writeError(w, http.StatusInternalServerError, "failed to save override")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleOccurrences expands every happening over the requested window.
// Defaults: start=today, end=start+window_days. Only confident patterns
// produce occurrences (public surface); not-confident rows are visible on
// /api/admin/attention instead.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	today := dateutil.Today(s.loc)
	start := r.URL.Query().Get("start")
	if start == "" {
		start = today
	}
	end := r.URL.Query().Get("end")
	if end == "" {
		var err error
		end, err = dateutil.AddDays(start, s.cfg.WindowDays)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
			return
		}
	}
	if _, err := dateutil.ParseKey(end); err != nil {
		writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
		return
	}
	if span, err := dateutil.DaysBetween(start, end); err != nil {
		writeError(w, http.StatusBadRequest, "invalid window")
		return
	} else if span < 0 {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	} else if span > s.cfg.WindowDays {
		writeError(w, http.StatusBadRequest,
			"window wider than "+strconv.Itoa(s.cfg.WindowDays)+" days")
		return
	}

	maxOcc := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		maxOcc = n
	}

	happenings, err := s.st.List(r.Context())
	if err != nil {
		appLog.Error("list happenings failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list happenings")
		return
	}
	overridesByID, err := s.st.OverridesInWindow(r.Context(), start, end)
	if err != nil {
		appLog.Error("load overrides failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load overrides")
		return
	}

	window := recurrence.Window{Start: start, End: end, MaxOccurrences: maxOcc}
	occurrences := make([]model.Occurrence, 0)
	truncated := false
	for _, h := range happenings {
		res, err := recurrence.Expand(h, overridesByID[h.ID], window)
		if err != nil {
			appLog.Error("expansion failed", err, "happening_id", h.ID)
			writeError(w, http.StatusInternalServerError, "expansion failed")
			return
		}
		occurrences = append(occurrences, res.Occurrences...)
		truncated = truncated || res.Truncated
	}
	sortOccurrences(occurrences)

	writeJSON(w, http.StatusOK, map[string]any{
		"start":       start,
		"end":         end,
		"occurrences": occurrences,
		"truncated":   truncated,
	})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	h, err := s.st.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "happening not found")
			return
		}
		appLog.Error("get happening failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load happening")
		return
	}

	next, err := recurrence.Next(h, dateutil.Today(s.loc))
	if err != nil {
		appLog.Error("next occurrence failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "next occurrence failed")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	d, err := s.buildDigest(r.Context())
	if err != nil {
		appLog.Error("digest build failed", err)
		writeError(w, http.StatusInternalServerError, "digest build failed")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(digest.Render(d)))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) buildDigest(ctx context.Context) (digest.Digest, error) {
	happenings, err := s.st.List(ctx)
	if err != nil {
		return digest.Digest{}, err
	}
	today := dateutil.Today(s.loc)
	end, err := dateutil.AddDays(today, s.cfg.DigestDays)
	if err != nil {
		return digest.Digest{}, err
	}
	overridesByID, err := s.st.OverridesInWindow(ctx, today, end)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Build(happenings, overridesByID, today, s.cfg.DigestDays)
}

// handleAttention lists happenings whose recurrence data needs operator
// review. These rows are hidden from every public surface but must stay
// visible here so bad data gets fixed instead of silently vanishing.
func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	happenings, err := s.st.List(r.Context())
	if err != nil {
		appLog.Error("list happenings failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list happenings")
		return
	}

	items := make([]digest.AttentionItem, 0)
	for _, h := range happenings {
		if item, needs := digest.Attention(h, recurrence.Interpret(h)); needs {
			items = append(items, item)
		}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	happenings, err := s.st.List(r.Context())
	if err != nil {
		appLog.Error("list happenings failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list happenings")
		return
	}
	today := dateutil.Today(s.loc)
	end, err := dateutil.AddDays(today, s.cfg.WindowDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "window computation failed")
		return
	}
	overridesByID, err := s.st.OverridesInWindow(r.Context(), today, end)
	if err != nil {
		appLog.Error("load overrides failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load overrides")
		return
	}

	feed, err := ics.Export(happenings, overridesByID, s.loc, recurrence.Window{Start: today, End: end})
	if err != nil {
		appLog.Error("ics export failed", err)
		writeError(w, http.StatusInternalServerError, "calendar export failed")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(feed))
}

// sortOccurrences gives API consumers a stable ordering: date, then start
// time, then title.
func sortOccurrences(occs []model.Occurrence) {
	sort.Slice(occs, func(i, j int) bool {
		a, b := occs[i], occs[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.Title < b.Title
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to encode JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
