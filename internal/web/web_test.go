package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asksync/internal/calendar"
	"asksync/internal/config"
	"asksync/internal/store"
	"asksync/internal/subscribe"
	"asksync/internal/view"
)

type fakeRefresher struct {
	report subscribe.Report
	err    error
}

func (f *fakeRefresher) Run(context.Context) (subscribe.Report, error) {
	return f.report, f.err
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (http.Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc := calendar.NewService(st, calendar.Options{
		Selector: view.Selector{WeekStart: cfg.WeekStartDay(), AgendaDays: cfg.AgendaDays},
	})
	refresher := &fakeRefresher{report: subscribe.Report{Synced: []string{"team"}, Imported: 2}}
	return NewServer(cfg, svc, st, refresher).Handler(), st
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestRangeEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/range?view=day&date=2024-03-15", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		View  string `json:"view"`
		Range struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"range"`
	}](t, rec)
	assert.Equal(t, "day", resp.View)
	assert.True(t, strings.HasPrefix(resp.Range.Start, "2024-03-15T00:00:00"), resp.Range.Start)
	assert.True(t, strings.HasPrefix(resp.Range.End, "2024-03-15T23:59:59"), resp.Range.End)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/range?view=year", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/range?date=15/03/2024", "").Code)
}

type timeblockJSON struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Recurrence     string   `json:"recurrence"`
	ExceptionDates []string `json:"exception_dates"`
	SeriesID       string   `json:"series_id"`
	Start          string   `json:"start"`
}

func TestTimeblockLifecycle(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/timeblocks", `{
		"owner_id": "u1",
		"title": "Standup",
		"start": "2024-03-04T09:00:00Z",
		"end": "2024-03-04T10:00:00Z",
		"recurrence": "FREQ=WEEKLY"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[timeblockJSON](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "weekly", created.Recurrence)

	rec = do(t, h, http.MethodPost, "/api/timeblocks/"+created.ID+"/exceptions", `{"date": "2024-03-18"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/timeblocks?view=month&date=2024-03-10&owner=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Occurrences []timeblockJSON `json:"occurrences"`
	}](t, rec)
	var starts []string
	for _, occ := range list.Occurrences {
		starts = append(starts, occ.Start[:10])
	}
	// The series starts 03-04, so the leading grid week has no occurrence.
	assert.Equal(t, []string{"2024-03-04", "2024-03-11", "2024-03-25"}, starts)

	rec = do(t, h, http.MethodDelete, "/api/timeblocks/"+created.ID+"/exceptions/2024-03-18", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	got := decode[timeblockJSON](t, do(t, h, http.MethodGet, "/api/timeblocks/"+created.ID, ""))
	assert.Empty(t, got.ExceptionDates)

	rec = do(t, h, http.MethodPut, "/api/timeblocks/"+created.ID, `{
		"owner_id": "u1",
		"title": "Daily standup",
		"start": "2024-03-04T09:00:00Z",
		"end": "2024-03-04T09:15:00Z",
		"recurrence": "weekdays"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[timeblockJSON](t, rec)
	assert.Equal(t, "Daily standup", updated.Title)
	assert.Equal(t, "weekdays", updated.Recurrence)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/timeblocks/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/timeblocks/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/timeblocks/"+created.ID, "").Code)
}

func TestCreateValidation(t *testing.T) {
	h, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing title", `{"start": "2024-03-04T09:00:00Z", "end": "2024-03-04T10:00:00Z"}`},
		{"inverted", `{"title": "x", "start": "2024-03-04T10:00:00Z", "end": "2024-03-04T09:00:00Z"}`},
		{"monthly", `{"title": "x", "start": "2024-03-04T09:00:00Z", "end": "2024-03-04T10:00:00Z", "recurrence": "FREQ=MONTHLY"}`},
		{"unknown field", `{"title": "x", "colour": "red"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/timeblocks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestViewEndpointLaysOutDay(t *testing.T) {
	h, _ := newTestServer(t, nil)
	for _, body := range []string{
		`{"owner_id": "u1", "title": "a", "start": "2024-03-15T09:00:00Z", "end": "2024-03-15T10:00:00Z"}`,
		`{"owner_id": "u1", "title": "b", "start": "2024-03-15T09:30:00Z", "end": "2024-03-15T10:30:00Z"}`,
		`{"owner_id": "u1", "title": "c", "start": "2024-03-15T11:00:00Z", "end": "2024-03-15T12:00:00Z"}`,
	} {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/timeblocks", body).Code)
	}

	rec := do(t, h, http.MethodGet, "/api/view?view=day&date=2024-03-15&owner=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Days []struct {
			Timed []struct {
				Column int     `json:"column"`
				Left   float64 `json:"left"`
				Event  struct {
					Title string `json:"title"`
				} `json:"event"`
			} `json:"timed"`
		} `json:"days"`
	}](t, rec)

	require.Len(t, resp.Days, 1)
	cols := map[string]int{}
	for _, p := range resp.Days[0].Timed {
		cols[p.Event.Title] = p.Column
	}
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 0}, cols)
}

func TestExportICS(t *testing.T) {
	h, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/timeblocks",
		`{"owner_id": "u1", "title": "Focus", "start": "2024-03-15T09:00:00Z", "end": "2024-03-15T11:00:00Z", "recurrence": "daily"}`).Code)

	rec := do(t, h, http.MethodGet, "/api/calendar.ics?owner=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.Contains(t, rec.Body.String(), "SUMMARY:Focus")
	assert.Contains(t, rec.Body.String(), "RRULE:FREQ=DAILY")
}

func TestRefresh(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec := do(t, h, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"imported":2`)

	rec = do(t, h, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRefreshReportsPartialFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	st, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	defer st.Close()

	svc := calendar.NewService(st, calendar.Options{})
	failing := &fakeRefresher{report: subscribe.Report{Failed: []string{"down"}}, err: errors.New("subscription down: boom")}
	h := NewServer(cfg, svc, st, failing).Handler()

	rec := do(t, h, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "subscription down")

	noSync := NewServer(cfg, svc, st, nil).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, noSync, http.MethodPost, "/api/refresh", "").Code)
}

func TestBasicAuth(t *testing.T) {
	h, _ := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/range", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/range?view=week", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExceptionDateIsCivilInConfiguredZone(t *testing.T) {
	h, _ := newTestServer(t, func(c *config.Config) { c.Timezone = "Asia/Seoul" })

	rec := do(t, h, http.MethodPost, "/api/timeblocks",
		`{"owner_id": "u1", "title": "Sync", "start": "2024-03-04T09:00:00Z", "end": "2024-03-04T10:00:00Z", "recurrence": "weekly"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[timeblockJSON](t, rec)

	list := func() []timeblockJSON {
		rec := do(t, h, http.MethodGet, "/api/timeblocks?view=week&date=2024-03-11&owner=u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[struct {
			Occurrences []timeblockJSON `json:"occurrences"`
		}](t, rec).Occurrences
	}
	require.Len(t, list(), 1)

	rec = do(t, h, http.MethodPost, "/api/timeblocks/"+created.ID+"/exceptions", `{"date": "2024-03-11"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, list())

	got := decode[timeblockJSON](t, do(t, h, http.MethodGet, "/api/timeblocks/"+created.ID, ""))
	require.Len(t, got.ExceptionDates, 1)
	assert.True(t, strings.HasPrefix(got.ExceptionDates[0], "2024-03-11"), got.ExceptionDates[0])

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/timeblocks/"+created.ID+"/exceptions/2024-03-11", "").Code)
	assert.Len(t, list(), 1)
}
