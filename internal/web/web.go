package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"asksync/internal/calendar"
	"asksync/internal/config"
	"asksync/internal/ics"
	appLog "asksync/internal/log"
	"asksync/internal/model"
	"asksync/internal/recurrence"
	"asksync/internal/store"
	"asksync/internal/subscribe"
	"asksync/internal/view"
)

const dateLayout = "2006-01-02"

// minRefreshInterval throttles manual /api/refresh calls; the cron schedule
// is not affected.
const minRefreshInterval = 30 * time.Second

// TimeblockStore is the mutation/query surface the API needs.
type TimeblockStore interface {
	Create(ctx context.Context, ev model.Event) (model.Event, error)
	Update(ctx context.Context, ev model.Event) (model.Event, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (model.Event, error)
	ListOwner(ctx context.Context, owner string) ([]model.Event, error)
	AddException(ctx context.Context, id string, date time.Time) error
	RemoveException(ctx context.Context, id string, date time.Time) error
}

// Refresher runs a subscription sync. *subscribe.Syncer implements it.
type Refresher interface {
	Run(ctx context.Context) (subscribe.Report, error)
}

// Server provides the timeblock HTTP API.
type Server struct {
	cfg       *config.Config
	loc       *time.Location
	svc       *calendar.Service
	store     TimeblockStore
	refresher Refresher
	limiter   *rate.Limiter
	mux       *http.ServeMux
}

// NewServer constructs a Server. refresher may be nil, which disables
// /api/refresh.
func NewServer(cfg *config.Config, svc *calendar.Service, st TimeblockStore, refresher Refresher) *Server {
	s := &Server{
		cfg:       cfg,
		loc:       cfg.Location(),
		svc:       svc,
		store:     st,
		refresher: refresher,
		limiter:   rate.NewLimiter(rate.Every(minRefreshInterval), 1),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler, wrapped in basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="AskSync", charset="UTF-8"`)
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

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/range", s.handleRange)
	s.mux.HandleFunc("GET /api/view", s.handleView)
	s.mux.HandleFunc("GET /api/timeblocks", s.handleListTimeblocks)
	s.mux.HandleFunc("POST /api/timeblocks", s.handleCreateTimeblock)
	s.mux.HandleFunc("GET /api/timeblocks/{id}", s.handleGetTimeblock)
	s.mux.HandleFunc("PUT /api/timeblocks/{id}", s.handleUpdateTimeblock)
	s.mux.HandleFunc("DELETE /api/timeblocks/{id}", s.handleDeleteTimeblock)
	s.mux.HandleFunc("POST /api/timeblocks/{id}/exceptions", s.handleAddException)
	s.mux.HandleFunc("DELETE /api/timeblocks/{id}/exceptions/{date}", s.handleRemoveException)
	s.mux.HandleFunc("GET /api/calendar.ics", s.handleExport)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// viewParams reads ?view= and ?date= (YYYY-MM-DD in the configured zone,
// default today).
func (s *Server) viewParams(r *http.Request) (model.ViewMode, time.Time, error) {
	q := r.URL.Query()
	mode, err := view.ParseViewMode(q.Get("view"))
	if err != nil {
		return "", time.Time{}, err
	}
	anchor, err := s.parseDate(q.Get("date"))
	if err != nil {
		return "", time.Time{}, err
	}
	return mode, anchor, nil
}

func (s *Server) parseDate(v string) (time.Time, error) {
	if v == "" {
		now := time.Now().In(s.loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc), nil
	}
	t, err := time.ParseInLocation(dateLayout, v, s.loc)
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD")
	}
	return t, nil
}

// rangeResponse is the JSON shape for /api/range.
type rangeResponse struct {
	View     model.ViewMode  `json:"view"`
	Range    model.DateRange `json:"range"`
	TimeZone string          `json:"timezone"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	mode, anchor, err := s.viewParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rangeResponse{
		View:     mode,
		Range:    s.svc.Range(mode, anchor),
		TimeZone: s.loc.String(),
	})
}

// handleView returns the range, expanded occurrences and per-day layout.
//
// GET /api/view?view=week&date=2024-03-15&owner=user_1
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	mode, anchor, err := s.viewParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := r.URL.Query().Get("owner")

	res, err := s.svc.View(r.Context(), owner, mode, anchor)
	if err != nil {
		appLog.Error("api view failed", err, "owner", owner, "view", string(mode))
		writeError(w, http.StatusInternalServerError, "failed to build view")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// occurrencesResponse is the JSON shape for GET /api/timeblocks.
type occurrencesResponse struct {
	Range       model.DateRange `json:"range"`
	Occurrences []model.Event   `json:"occurrences"`
	Truncated   []string        `json:"truncated,omitempty"`
}

func (s *Server) handleListTimeblocks(w http.ResponseWriter, r *http.Request) {
	mode, anchor, err := s.viewParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := r.URL.Query().Get("owner")
	rng := s.svc.Range(mode, anchor)

	res, err := s.svc.Occurrences(r.Context(), owner, rng)
	if err != nil {
		appLog.Error("api timeblocks failed", err, "owner", owner)
		writeError(w, http.StatusInternalServerError, "failed to list timeblocks")
		return
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{
		Range:       rng,
		Occurrences: res.Events,
		Truncated:   res.TruncatedSeries,
	})
}

// timeblockRequest is the body of POST/PUT /api/timeblocks.
type timeblockRequest struct {
	OwnerID        string      `json:"owner_id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	AllDay         bool        `json:"all_day"`
	Recurrence     string      `json:"recurrence"`
	ExceptionDates []time.Time `json:"exception_dates"`
}

func (req timeblockRequest) toEvent() (model.Event, error) {
	if strings.TrimSpace(req.Title) == "" {
		return model.Event{}, errors.New("title is required")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return model.Event{}, errors.New("start and end are required")
	}
	if req.End.Before(req.Start) {
		return model.Event{}, errors.New("end is before start")
	}
	freq := recurrence.ParseFrequency(req.Recurrence)
	if strings.TrimSpace(req.Recurrence) != "" && freq == model.FrequencyNone {
		return model.Event{}, errors.New("unsupported recurrence")
	}
	return model.Event{
		OwnerID:        req.OwnerID,
		Title:          req.Title,
		Description:    req.Description,
		Start:          req.Start,
		End:            req.End,
		AllDay:         req.AllDay,
		Recurrence:     freq,
		ExceptionDates: req.ExceptionDates,
	}, nil
}

func decodeTimeblock(w http.ResponseWriter, r *http.Request) (model.Event, error) {
	var req timeblockRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return model.Event{}, errors.New("invalid JSON body")
	}
	return req.toEvent()
}

func (s *Server) handleCreateTimeblock(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeTimeblock(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.store.Create(r.Context(), ev)
	if err != nil {
		appLog.Error("api create timeblock failed", err)
		writeError(w, http.StatusInternalServerError, "failed to create timeblock")
		return
	}
	appLog.Info("timeblock created", "id", created.ID, "owner", created.OwnerID, "recurrence", created.Recurrence.String())
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTimeblock(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "failed to load timeblock")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUpdateTimeblock(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeTimeblock(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.ID = r.PathValue("id")

	updated, err := s.store.Update(r.Context(), ev)
	if err != nil {
		s.writeStoreError(w, err, "failed to update timeblock")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTimeblock(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "failed to delete timeblock")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type exceptionRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleAddException(w http.ResponseWriter, r *http.Request) {
	var req exceptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.Date == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"date\": \"YYYY-MM-DD\"}")
		return
	}
	date, err := s.parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.AddException(r.Context(), r.PathValue("id"), date); err != nil {
		s.writeStoreError(w, err, "failed to add exception")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveException(w http.ResponseWriter, r *http.Request) {
	date, err := s.parseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.RemoveException(r.Context(), r.PathValue("id"), date); err != nil {
		s.writeStoreError(w, err, "failed to remove exception")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExport serves the owner's base timeblocks as an ICS feed.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	events, err := s.store.ListOwner(r.Context(), owner)
	if err != nil {
		appLog.Error("api export failed", err, "owner", owner)
		writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}

	// Encode fully first so a failure can still produce a JSON error.
	var buf bytes.Buffer
	if err := ics.Encode(&buf, events); err != nil {
		appLog.Error("api export encode failed", err, "owner", owner)
		writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// refreshResponse is the JSON shape for /api/refresh.
type refreshResponse struct {
	Report subscribe.Report `json:"report"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions are not configured")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "refresh requested too recently")
		return
	}
	report, err := s.refresher.Run(r.Context())
	resp := refreshResponse{Report: report}
	if err != nil {
		// 일부 피드 실패는 리포트와 함께 200으로 돌려준다.
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	appLog.Error("api store error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
