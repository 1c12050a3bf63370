package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	appLog "asksync/internal/log"
	"asksync/internal/layout"
	"asksync/internal/model"
	"asksync/internal/recurrence"
	"asksync/internal/view"
)

// Source supplies base timeblocks for a range. *store.Store implements it.
type Source interface {
	ListRange(ctx context.Context, owner string, r model.DateRange) ([]model.Event, error)
	RevisionKey() string
}

// Day is one calendar day of a view: all-day blocks in a strip, timed
// blocks positioned in the hour grid.
type Day struct {
	Date   time.Time               `json:"date"`
	AllDay []model.Event           `json:"all_day"`
	Timed  []model.PositionedEvent `json:"timed"`
}

// ViewResult is everything a calendar view needs to render.
type ViewResult struct {
	Mode        model.ViewMode  `json:"mode"`
	Range       model.DateRange `json:"range"`
	Occurrences []model.Event   `json:"occurrences"`
	Days        []Day           `json:"days"`
	// Truncated lists series that hit the per-series occurrence cap.
	Truncated []string `json:"truncated,omitempty"`
}

// Options configures a Service.
type Options struct {
	Selector               view.Selector
	Layout                 layout.Options
	MaxOccurrencesPerEvent int
}

// Service runs view range selection, fetching, recurrence expansion and
// day layout for one owner at a time.
type Service struct {
	src  Source
	opts Options
	calc *layout.Calculator

	mu      sync.Mutex
	memoGen string
	memos   map[string]*layout.Memo
}

// maxOwnerMemos caps the per-owner memos kept for one store revision.
const maxOwnerMemos = 256

// NewService returns a Service reading from src.
func NewService(src Source, opts Options) *Service {
	return &Service{
		src:   src,
		opts:  opts,
		calc:  layout.NewCalculator(opts.Layout),
		memos: make(map[string]*layout.Memo),
	}
}

// Range returns the range shown by mode around anchor.
func (s *Service) Range(mode model.ViewMode, anchor time.Time) model.DateRange {
	return s.opts.Selector.Range(mode, anchor)
}

// Occurrences returns the expanded timeblocks of owner inside r.
func (s *Service) Occurrences(ctx context.Context, owner string, r model.DateRange) (recurrence.Result, error) {
	base, err := s.src.ListRange(ctx, owner, r)
	if err != nil {
		return recurrence.Result{}, fmt.Errorf("list timeblocks: %w", err)
	}
	return recurrence.ExpandWithOptions(base, r.Start, r.End, recurrence.Options{
		MaxOccurrencesPerEvent: s.opts.MaxOccurrencesPerEvent,
	}), nil
}

// View builds the full view for owner.
func (s *Service) View(ctx context.Context, owner string, mode model.ViewMode, anchor time.Time) (ViewResult, error) {
	// Revision is read before the data; a write in between only forces a
	// recompute on the next call.
	generation := s.src.RevisionKey()

	mode = mode.Normalize()
	r := s.Range(mode, anchor)
	res, err := s.Occurrences(ctx, owner, r)
	if err != nil {
		return ViewResult{}, err
	}

	memo := s.memoFor(owner, generation)
	days := r.Days()
	out := ViewResult{
		Mode:        mode,
		Range:       r,
		Occurrences: res.Events,
		Days:        make([]Day, 0, len(days)),
		Truncated:   res.TruncatedSeries,
	}

	for _, d := range days {
		dayRange := model.DateRange{Start: d, End: d.AddDate(0, 0, 1).Add(-time.Nanosecond)}
		var allDay, timed []model.Event
		for _, ev := range res.Events {
			if !dayRange.Overlaps(ev.Start, ev.End) {
				continue
			}
			if ev.AllDay {
				// All-day ends are exclusive midnights.
				if ev.End.Equal(d) && ev.End.After(ev.Start) {
					continue
				}
				allDay = append(allDay, ev)
				continue
			}
			timed = append(timed, ev)
		}
		if allDay == nil {
			allDay = []model.Event{}
		}
		out.Days = append(out.Days, Day{
			Date:   d,
			AllDay: allDay,
			// Occurrences are kept by start, so an overnight occurrence that
			// began before r.Start is missing here but present in a wider
			// range. The range is part of the generation.
			Timed: memo.Positions(generation+"|"+r.Start.Format(time.RFC3339), timed, d),
		})
	}

	appLog.Debug("calendar view built",
		"owner", owner,
		"mode", string(mode),
		"range_start", r.Start.Format(time.RFC3339),
		"range_end", r.End.Format(time.RFC3339),
		"occurrences", len(res.Events),
	)
	return out, nil
}

// DayLayout returns the positioned timed blocks of owner on day.
func (s *Service) DayLayout(ctx context.Context, owner string, day time.Time) ([]model.PositionedEvent, error) {
	res, err := s.View(ctx, owner, model.ViewDay, day)
	if err != nil {
		return nil, err
	}
	if len(res.Days) == 0 {
		return []model.PositionedEvent{}, nil
	}
	return res.Days[0].Timed, nil
}

// memoFor returns owner's memo. Memos of an older store revision are stale
// anyway and are dropped, as is the whole set once it hits maxOwnerMemos.
func (s *Service) memoFor(owner, generation string) *layout.Memo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.memoGen {
		s.memoGen = generation
		s.memos = make(map[string]*layout.Memo)
	}
	m, ok := s.memos[owner]
	if !ok {
		if len(s.memos) >= maxOwnerMemos {
			s.memos = make(map[string]*layout.Memo)
		}
		m = layout.NewMemo(s.calc)
		s.memos[owner] = m
	}
	return m
}
