// Package service provides top level publisher. Combines feed reader, record store, dashboard renderer
// and notifier into a single linear run.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jpub/app/feed"
	"github.com/umputun/jpub/app/notify"
	"github.com/umputun/jpub/app/persistence"
)

//go:generate moq -out mocks/feed_reader.go -pkg mocks -skip-ensure -fmt goimports . FeedReader
//go:generate moq -out mocks/store.go -pkg mocks -skip-ensure -fmt goimports . Store
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

const (
	// StableDescription marks a successful build
	StableDescription = "(stable)"
	// UpdatedLayout is the only accepted format of the entry update time
	UpdatedLayout = "2006-01-02T15:04:05Z"
	staleAge      = 24 * time.Hour
)

// ErrMalformedEntry returned for a feed entry which can't be converted to a record
var ErrMalformedEntry = errors.New("malformed entry")

// Publisher is a top-level service wiring feed, store and renderer. Do makes a single run.
type Publisher struct {
	Feed     FeedReader
	Store    Store
	Renderer Renderer
	Notifier Notifier         // optional
	Now      func() time.Time // time.Now if not set
}

// FeedReader returns entries of the current feed snapshot
type FeedReader interface {
	Read(ctx context.Context) ([]feed.Entry, error)
}

// Store keeps the latest record per job
type Store interface {
	Upsert(ctx context.Context, rec persistence.Record) error
	ReadAll(ctx context.Context) ([]persistence.Record, error)
	Close() error
}

// Renderer makes the dashboard from ordered records
type Renderer interface {
	CheckOutput() error
	Render(jobs []persistence.Record, generated time.Time) error
}

// Notifier delivers status change reports
type Notifier interface {
	Send(ctx context.Context, changes []notify.Change, generated time.Time) error
}

// Stats summarizes a run
type Stats struct {
	Entries   int // entries in the feed
	Updated   int // records upserted
	Malformed int // entries skipped
	Jobs      int // jobs on the dashboard
	Failed    int // jobs on the dashboard not ok
	Stale     int // jobs on the dashboard not updated for a day
}

func (s Stats) String() string {
	return fmt.Sprintf("entries:%d, updated:%d, malformed:%d, jobs:%d, failed:%d, stale:%d",
		s.Entries, s.Updated, s.Malformed, s.Jobs, s.Failed, s.Stale)
}

// Do runs the whole pipeline once. The store is closed on return in all cases.
// Feed failure aborts the run before any store mutation and leaves the dashboard untouched.
func (p *Publisher) Do(ctx context.Context) (stats Stats, err error) {
	storeClosed := false
	closeStore := func() error {
		if storeClosed {
			return nil
		}
		storeClosed = true
		return p.Store.Close()
	}
	defer func() {
		if e := closeStore(); e != nil {
			log.Printf("[WARN] failed to close store, %v", e)
		}
	}()

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ts := now().UTC() // single timestamp for all staleness checks of this run

	if err = p.Renderer.CheckOutput(); err != nil {
		return stats, err
	}

	entries, err := p.Feed.Read(ctx)
	if err != nil {
		return stats, fmt.Errorf("can't read feed: %w", err)
	}
	stats.Entries = len(entries)
	log.Printf("[INFO] feed loaded, %d entries", len(entries))

	prev, err := p.Store.ReadAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("can't load stored records: %w", err)
	}

	updated := map[string]persistence.Record{} // last processed record per job, for change detection
	for _, e := range entries {
		rec, perr := ParseEntry(e, ts)
		if perr != nil {
			stats.Malformed++
			log.Printf("[WARN] skip entry %q, %v", e.Title, perr)
			continue
		}
		if err = p.Store.Upsert(ctx, rec); err != nil {
			return stats, fmt.Errorf("can't update store: %w", err)
		}
		stats.Updated++
		updated[rec.Job] = rec
		log.Printf("[DEBUG] updated %s #%s, ok:%v, stale:%v", rec.Job, rec.BuildID, rec.OK, rec.Stale)
	}

	jobs, err := p.Store.ReadAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("can't load records: %w", err)
	}
	for i := range jobs {
		jobs[i].Stale = IsStale(jobs[i].UpdatedAt, ts)
	}
	SortRecords(jobs)

	if err = closeStore(); err != nil {
		return stats, fmt.Errorf("can't close store: %w", err)
	}

	stats.Jobs = len(jobs)
	for _, j := range jobs {
		if !j.OK {
			stats.Failed++
		}
		if j.Stale {
			stats.Stale++
		}
	}

	if err = p.Renderer.Render(jobs, ts); err != nil {
		return stats, fmt.Errorf("can't render dashboard: %w", err)
	}

	p.notify(ctx, Changes(prev, updated), ts)
	return stats, nil
}

// notify sends status changes if notifier defined. Delivery failures are not fatal,
// the dashboard is already published at this point.
func (p *Publisher) notify(ctx context.Context, changes []notify.Change, ts time.Time) {
	if p.Notifier == nil || len(changes) == 0 {
		return
	}
	if err := p.Notifier.Send(ctx, changes, ts); err != nil {
		log.Printf("[WARN] failed to send notification, %v", err)
	}
}

// ParseEntry converts feed entry to a record. Title expected as "<job> <build id> <description...>",
// description is optional. Updated must match UpdatedLayout exactly.
func ParseEntry(e feed.Entry, now time.Time) (persistence.Record, error) {
	job, buildID, desc := splitTitle(e.Title)
	if job == "" || buildID == "" {
		return persistence.Record{}, fmt.Errorf("%w: title %q needs at least job name and build id", ErrMalformedEntry, e.Title)
	}

	updated, err := ParseUpdated(e.Updated)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	return persistence.Record{
		Job:         job,
		BuildID:     buildID,
		Description: desc,
		Link:        e.Link,
		UpdatedAt:   updated,
		OK:          desc == StableDescription,
		Stale:       IsStale(updated, now),
		Key:         e.Updated + ":::" + job,
	}, nil
}

// ParseUpdated parses entry update time. time.Parse silently accepts fractional seconds,
// so the length is checked as well.
func ParseUpdated(s string) (time.Time, error) {
	if len(s) != len(UpdatedLayout) {
		return time.Time{}, fmt.Errorf("bad updated time %q, expected format %s", s, UpdatedLayout)
	}
	res, err := time.Parse(UpdatedLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad updated time %q, expected format %s", s, UpdatedLayout)
	}
	return res, nil
}

// IsStale is true if updated at least one full day before now
func IsStale(updated, now time.Time) bool {
	return now.Sub(updated) >= staleAge
}

// SortRecords orders records by update time, most recent first. Ties ordered by job name.
func SortRecords(recs []persistence.Record) {
	slices.SortFunc(recs, func(a, b persistence.Record) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Job, b.Job)
	})
}

// Changes compares records stored before the run with records written by the run.
// Jobs seen for the first time are reported only if failed.
func Changes(prev []persistence.Record, updated map[string]persistence.Record) []notify.Change {
	prevByJob := make(map[string]persistence.Record, len(prev))
	for _, r := range prev {
		prevByJob[r.Job] = r
	}

	res := []notify.Change{}
	for job, rec := range updated {
		old, found := prevByJob[job]
		switch {
		case !rec.OK && (!found || old.OK):
			res = append(res, notify.Change{Kind: notify.ChangeFailed, Record: rec})
		case rec.OK && found && !old.OK:
			res = append(res, notify.Change{Kind: notify.ChangeRecovered, Record: rec})
		}
	}
	slices.SortFunc(res, func(a, b notify.Change) int { return cmp.Compare(a.Record.Job, b.Record.Job) })
	return res
}

// splitTitle cuts title into job, build id and the rest, any whitespace run separates fields
func splitTitle(title string) (job, buildID, rest string) {
	job, rest = cutField(title)
	buildID, rest = cutField(rest)
	return job, buildID, strings.TrimSpace(rest)
}

func cutField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx:]
}
