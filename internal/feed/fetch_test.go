package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"friendcal/internal/model"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(baseURL, StaticToken("test-token"))
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func eventsJSON(t *testing.T, events []model.RawEvent) []byte {
	t.Helper()
	data, err := json.Marshal(events)
	require.NoError(t, err)
	return data
}

func window() (time.Time, time.Time) {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
}

func TestFetchWindowDecodesJSON(t *testing.T) {
	want := []model.RawEvent{{
		ID:        "e1",
		Title:     "lunch",
		StartTime: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC),
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/friends/owner-1/events", r.URL.Path)
		assert.Equal(t, "2025-01-01T00:00:00Z", r.URL.Query().Get("windowStart"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		w.Write(eventsJSON(t, want))
	}))
	defer srv.Close()

	start, end := window()
	got, err := newTestClient(srv.URL).FetchWindow(context.Background(), "owner-1", start, end)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFetchWindowSkipsMalformedRecords(t *testing.T) {
	records := []model.RawEvent{
		{ID: "", Title: "no id", StartTime: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)},
		{ID: "no-start", Title: "zero start"},
		{ID: "ok", Title: "fine", StartTime: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC), EndTime: time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC)},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(eventsJSON(t, records))
	}))
	defer srv.Close()

	start, end := window()
	got, err := newTestClient(srv.URL).FetchWindow(context.Background(), "owner-1", start, end)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

func TestFetchWindowRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	start, end := window()
	got, err := newTestClient(srv.URL).FetchWindow(context.Background(), "owner-1", start, end)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(3), calls.Load(), "two failures then success")
}

func TestFetchWindowGivesUpAfterFourAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start, end := window()
	_, err := newTestClient(srv.URL).FetchWindow(context.Background(), "owner-1", start, end)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int64(4), calls.Load(), "maximum 4 total attempts")
}

func TestFetchWindowNonRetryableFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"auth expired", http.StatusUnauthorized, ErrAuthExpired},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, tt.name, tt.status)
			}))
			defer srv.Close()

			start, end := window()
			_, err := newTestClient(srv.URL).FetchWindow(context.Background(), "owner-1", start, end)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsTerminal(err))
			assert.Equal(t, int64(1), calls.Load(), "no retry on terminal failures")
		})
	}
}

func TestNewFetchCancelsInflightFetchForSameOwner(t *testing.T) {
	firstArrived := make(chan struct{})
	secondMayProceed := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-firstArrived:
			// Second request: respond immediately.
			<-secondMayProceed
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[]`))
		default:
			// First request: hold until its context is canceled.
			close(firstArrived)
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	start, end := window()

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.FetchWindow(context.Background(), "owner-1", start, end)
		firstDone <- err
	}()

	<-firstArrived
	close(secondMayProceed)

	got, err := client.FetchWindow(context.Background(), "owner-1", start, end)
	require.NoError(t, err)
	assert.Empty(t, got)

	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, context.Canceled, "superseded fetch must observe cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("superseded fetch never returned")
	}
}

func TestFetchesForDifferentOwnersDoNotInterfere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	start, end := window()

	_, err := client.FetchWindow(context.Background(), "owner-1", start, end)
	require.NoError(t, err)
	_, err = client.FetchWindow(context.Background(), "owner-2", start, end)
	require.NoError(t, err)
}

func TestFetchWindowParsesICSBody(t *testing.T) {
	const ics = "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:ics-1\r\n" +
		"SUMMARY:weekly sync\r\n" +
		"DTSTART:20250106T140000Z\r\n" +
		"DTEND:20250106T150000Z\r\n" +
		"RRULE:FREQ=WEEKLY;COUNT=4\r\n" +
		"EXDATE:20250113T140000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Write([]byte(ics))
	}))
	defer srv.Close()

	start, end := window()
	got, err := newTestClient(srv.URL).FetchWindow(context.Background(), "owner-1", start, end)
	require.NoError(t, err)
	require.Len(t, got, 1)

	rec := got[0]
	assert.Equal(t, "ics-1", rec.ID)
	assert.Equal(t, "weekly sync", rec.Title)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", rec.RecurrenceRule)
	require.Len(t, rec.Exceptions, 1)
	assert.True(t, rec.Exceptions[0].Equal(time.Date(2025, 1, 13, 14, 0, 0, 0, time.UTC)))
	assert.True(t, rec.StartTime.Equal(time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC)))
}
