package subscribe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asksync/internal/config"
	"asksync/internal/ics"
	"asksync/internal/model"
)

const feed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:retro\r\n" +
	"SUMMARY:Retro\r\n" +
	"DTSTART:20240308T150000Z\r\n" +
	"DTEND:20240308T160000Z\r\n" +
	"RRULE:FREQ=WEEKLY\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type fakeFetcher struct {
	bodies map[string]string
}

func (f *fakeFetcher) FetchOne(_ context.Context, src ics.Source) (ics.FetchResult, error) {
	body, ok := f.bodies[src.URL]
	if !ok {
		return ics.FetchResult{}, errors.New("unreachable")
	}
	return ics.FetchResult{Source: src, Body: []byte(body)}, nil
}

type replaceCall struct {
	source, owner string
	events        []model.Event
}

type fakeSink struct {
	calls []replaceCall
}

func (f *fakeSink) ReplaceSource(_ context.Context, sourceID, owner string, events []model.Event) error {
	f.calls = append(f.calls, replaceCall{sourceID, owner, events})
	return nil
}

func TestRunImportsAndReportsFailures(t *testing.T) {
	subs := []config.SubscriptionConfig{
		{URL: "https://cal.example/team.ics", ID: "team", Owner: "u1"},
		{URL: "https://cal.example/down.ics", Name: "down", Owner: "u1"},
		{Name: "no-url"},
	}
	fetcher := &fakeFetcher{bodies: map[string]string{"https://cal.example/team.ics": feed}}
	sink := &fakeSink{}

	report, err := NewSyncer(subs, time.UTC, fetcher, sink).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription down")

	assert.Equal(t, []string{"team"}, report.Synced)
	assert.Equal(t, []string{"down"}, report.Failed)
	assert.Equal(t, 1, report.Imported)

	require.Len(t, sink.calls, 1)
	call := sink.calls[0]
	assert.Equal(t, "team", call.source)
	assert.Equal(t, "u1", call.owner)
	require.Len(t, call.events, 1)
	assert.Equal(t, model.FrequencyWeekly, call.events[0].Recurrence)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subs := []config.SubscriptionConfig{{URL: "https://cal.example/team.ics", ID: "team"}}
	_, err := NewSyncer(subs, time.UTC, &fakeFetcher{}, &fakeSink{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
