package subscribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"asksync/internal/config"
	"asksync/internal/ics"
	appLog "asksync/internal/log"
	"asksync/internal/model"
)

// Sink stores imported timeblocks. *store.Store implements it.
type Sink interface {
	ReplaceSource(ctx context.Context, sourceID, owner string, events []model.Event) error
}

// Fetcher downloads feeds. *ics.Fetcher implements it.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Report summarizes one sync run.
type Report struct {
	Synced   []string `json:"synced"`
	Failed   []string `json:"failed,omitempty"`
	Imported int      `json:"imported"`
}

// Syncer imports every configured subscription into the sink.
type Syncer struct {
	subs    []config.SubscriptionConfig
	loc     *time.Location
	fetcher Fetcher
	sink    Sink

	// running serializes runs from cron and the refresh endpoint.
	running sync.Mutex
}

// NewSyncer builds a Syncer. loc interprets floating feed times.
func NewSyncer(subs []config.SubscriptionConfig, loc *time.Location, fetcher Fetcher, sink Sink) *Syncer {
	return &Syncer{subs: subs, loc: loc, fetcher: fetcher, sink: sink}
}

// Run syncs all subscriptions. A failing feed does not stop the others;
// their errors are joined into the returned error.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var (
		report Report
		errs   []error
	)
	started := time.Now()

	for _, sub := range s.subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if sub.URL == "" {
			continue
		}
		id := sub.SourceID()

		n, err := s.syncOne(ctx, id, sub)
		if err != nil {
			report.Failed = append(report.Failed, id)
			errs = append(errs, fmt.Errorf("subscription %s: %w", id, err))
			appLog.Error("subscription sync failed", err, "id", id)
			continue
		}
		report.Synced = append(report.Synced, id)
		report.Imported += n
	}

	appLog.Info("subscription sync completed",
		"synced", len(report.Synced),
		"failed", len(report.Failed),
		"imported", report.Imported,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return report, errors.Join(errs...)
}

func (s *Syncer) syncOne(ctx context.Context, id string, sub config.SubscriptionConfig) (int, error) {
	src := ics.Source{ID: id, URL: sub.URL, Location: s.loc}

	res, err := s.fetcher.FetchOne(ctx, src)
	if err != nil {
		return 0, err
	}
	events, err := ics.Parse(src, res.Body)
	if err != nil {
		return 0, err
	}
	if err := s.sink.ReplaceSource(ctx, id, sub.Owner, events); err != nil {
		return 0, err
	}
	return len(events), nil
}
