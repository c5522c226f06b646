package ics

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"doorsync/internal/statefile"
)

// feed is one ICS subscription. Conditional-request headers and the
// last good payload live together in a single JSON blob per feed,
// written through the same atomic state helper as every other file
// this service owns, so a dead upstream still yields a calendar.
type feed struct {
	id     string
	url    string
	path   string
	client *http.Client
	logger zerolog.Logger
}

type feedState struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	FetchedAt    time.Time `json:"fetchedAt"`
	Body         string    `json:"body"`
}

func newFeed(id, feedURL, cacheDir string, client *http.Client, logger zerolog.Logger) *feed {
	return &feed{
		id:     id,
		url:    feedURL,
		path:   filepath.Join(cacheDir, feedKey(feedURL)+".json"),
		client: client,
		logger: logger,
	}
}

// feedKey derives a stable cache filename from the subscription URL.
func feedKey(u string) string {
	h := fnv.New64a()
	h.Write([]byte(u))
	return fmt.Sprintf("%016x", h.Sum64())
}

// fetch returns the feed payload and whether it came from cache. A live
// conditional GET is attempted first; network errors, non-OK statuses,
// and 304 responses all fall back to the stored payload when one exists.
func (f *feed) fetch(ctx context.Context) ([]byte, bool, error) {
	var prev feedState
	_ = statefile.LoadOr(f.path, &prev)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, false, err
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.cached(prev, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if prev.Body == "" {
			return nil, false, fmt.Errorf("ics feed %s: 304 with no cached payload", f.id)
		}
		return []byte(prev.Body), true, nil
	case resp.StatusCode != http.StatusOK:
		return f.cached(prev, fmt.Errorf("ics feed %s: %s", f.id, resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.cached(prev, err)
	}

	next := feedState{
		URL:          f.url,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now().UTC(),
		Body:         string(body),
	}
	if err := statefile.Save(f.path, next); err != nil {
		f.logger.Warn().Err(err).Str("feed", f.id).Msg("feed cache save failed")
	}
	return body, false, nil
}

// cached serves the stored payload after a failed live fetch.
func (f *feed) cached(prev feedState, cause error) ([]byte, bool, error) {
	if prev.Body == "" {
		return nil, false, cause
	}
	f.logger.Warn().Err(cause).Str("feed", f.id).Str("url", redactURL(f.url)).
		Msg("serving cached ics payload")
	return []byte(prev.Body), true, nil
}

// redactURL keeps scheme and host only; private feed URLs often embed
// tokens in the path or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(unparseable url)"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
