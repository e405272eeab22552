// Package feed fetches a build-server activity feed (Atom or RSS) and exposes its entries
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/mmcdole/gofeed"
)

const defaultMaxSize = 10 * 1024 * 1024

var (
	// ErrFeedUnavailable returned when the feed can't be fetched
	ErrFeedUnavailable = errors.New("feed unavailable")
	// ErrFeedParse returned when the payload is not a well-formed feed
	ErrFeedParse = errors.New("feed parse error")
)

// Entry is a single feed item, fields kept raw as published by the feed
type Entry struct {
	Title   string
	Link    string
	Updated string
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Params for New
type Params struct {
	URL      string
	Timeout  time.Duration // per-attempt fetch timeout, 30s if not set
	Repeater Repeater      // optional, single attempt if nil
	Client   *http.Client  // optional, http.DefaultClient if nil
	MaxSize  int64         // max payload size in bytes, 10MB if not set
}

// Reader fetches and parses the feed
type Reader struct {
	Params
}

// New makes a Reader for the given params
func New(p Params) *Reader {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.MaxSize <= 0 {
		p.MaxSize = defaultMaxSize
	}
	return &Reader{Params: p}
}

// ValidateURL checks feed url is an absolute http or https url
func ValidateURL(feedURL string) error {
	u, err := url.Parse(feedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid feed url %q, http or https url expected", feedURL)
	}
	return nil
}

// Read fetches the full current feed and returns its entries in feed order
func (r *Reader) Read(ctx context.Context) ([]Entry, error) {
	err := ValidateURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	var body []byte
	fetch := func() error {
		b, e := r.fetch(ctx)
		if e != nil {
			log.Printf("[DEBUG] fetch attempt failed, %v", e)
			return e
		}
		body = b
		return nil
	}

	if r.Repeater != nil {
		err = r.Repeater.Do(ctx, fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[DEBUG] fetched %d bytes from %s", len(body), r.URL)
	return parse(body)
}

// fetch makes a single GET request with timeout and body size limit
func (r *Reader) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch %s: %v", ErrFeedUnavailable, r.URL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code %d from %s", ErrFeedUnavailable, resp.StatusCode, r.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrFeedUnavailable, err)
	}
	if int64(len(body)) > r.MaxSize {
		return nil, fmt.Errorf("%w: feed from %s exceeds %d bytes", ErrFeedUnavailable, r.URL, r.MaxSize)
	}
	return body, nil
}

// parse converts raw feed payload to entries. Updated falls back to the published
// field for feeds without per-item update time.
func parse(body []byte) ([]Entry, error) {
	f, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedParse, err)
	}

	res := make([]Entry, 0, len(f.Items))
	for _, item := range f.Items {
		if item == nil {
			continue
		}
		e := Entry{Title: item.Title, Link: item.Link, Updated: item.Updated}
		if e.Updated == "" {
			e.Updated = item.Published
		}
		res = append(res, e)
	}
	return res, nil
}
