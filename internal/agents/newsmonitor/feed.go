package newsmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	pkghttp "github.com/helloemzy/personal-brand-dna-sub000/pkg/http"
)

// HTTPFeedSource pulls a JSON feed (an array of feed items) over HTTP.
// The shared client wraps calls in a circuit breaker so one flapping feed
// cannot stall a scan pass with repeated timeouts.
type HTTPFeedSource struct {
	name   string
	url    string
	client *pkghttp.Client
}

func NewHTTPFeedSource(name, url string, client *pkghttp.Client) *HTTPFeedSource {
	return &HTTPFeedSource{name: name, url: url, client: client}
}

func (s *HTTPFeedSource) Name() string { return s.name }

func (s *HTTPFeedSource) Fetch(ctx context.Context) ([]models.FeedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned status %d", s.name, resp.StatusCode)
	}

	var items []models.FeedItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode feed %s: %w", s.name, err)
	}
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = s.name
		}
	}
	return items, nil
}

// StaticFeedSource serves a fixed item list, for tests and local runs.
type StaticFeedSource struct {
	name  string
	items []models.FeedItem
	err   error
}

func NewStaticFeedSource(name string, items []models.FeedItem) *StaticFeedSource {
	return &StaticFeedSource{name: name, items: items}
}

// NewFailingFeedSource always returns the given error.
func NewFailingFeedSource(name string, err error) *StaticFeedSource {
	return &StaticFeedSource{name: name, err: err}
}

func (s *StaticFeedSource) Name() string { return s.name }

func (s *StaticFeedSource) Fetch(_ context.Context) ([]models.FeedItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}
