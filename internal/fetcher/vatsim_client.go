package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/logger"
	"flight-cdm/pkg/utils"
)

// DefaultFeedURL is the public VATSIM v3 data feed.
const DefaultFeedURL = "https://data.vatsim.net/v3/vatsim-data.json"

// FeedClient polls the flight-position feed and keeps the most recent
// flight plan per identifier for display enrichment. It is never consulted
// for scheduling decisions.
type FeedClient struct {
	url        string
	httpClient *http.Client
	plans      *expirable.LRU[string, model.FlightPlan]
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

// NewFeedClient creates a feed client. Cached plans expire after ttl so
// disconnected aircraft drop out of the enrichment data.
func NewFeedClient(url string, timeout, ttl time.Duration, size int, log *logger.Logger, m *metrics.Metrics) *FeedClient {
	if url == "" {
		url = DefaultFeedURL
	}
	if size <= 0 {
		size = 5000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FeedClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		plans:      expirable.NewLRU[string, model.FlightPlan](size, nil, ttl),
		logger:     log.With("component", "feed"),
		metrics:    m,
	}
}

// FetchSnapshot downloads and decodes one feed snapshot.
func (c *FeedClient) FetchSnapshot(ctx context.Context) (*model.FeedSnapshot, error) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "flight-cdm/1.0")

	if c.metrics != nil {
		c.metrics.IncrementFeedPolls()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.fail()
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.fail()
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.fail()
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}

	var snap model.FeedSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		c.fail()
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	c.logger.Debug("Fetched %d pilots from feed in %dms", len(snap.Pilots), time.Since(startTime).Milliseconds())
	return &snap, nil
}

func (c *FeedClient) fail() {
	if c.metrics != nil {
		c.metrics.IncrementFeedErrors()
	}
}

// Update caches the flight plan of every pilot in snap.
func (c *FeedClient) Update(snap *model.FeedSnapshot) int {
	if snap == nil {
		return 0
	}
	n := 0
	for _, p := range snap.Pilots {
		if p.FlightPlan == nil {
			continue
		}
		id := utils.NormalizeIdentifier(p.Identifier)
		if id == "" {
			continue
		}
		c.plans.Add(id, model.FlightPlan{
			Origin:      utils.NormalizeAirport(p.FlightPlan.Origin),
			Destination: utils.NormalizeAirport(p.FlightPlan.Destination),
			Route:       p.FlightPlan.Route,
		})
		n++
	}
	return n
}

// Lookup returns the cached flight plan for identifier.
func (c *FeedClient) Lookup(identifier string) (model.FlightPlan, bool) {
	return c.plans.Get(utils.NormalizeIdentifier(identifier))
}

// Len returns the number of cached plans.
func (c *FeedClient) Len() int {
	return c.plans.Len()
}

// PollContinuously fetches the feed immediately and then every interval
// until ctx is cancelled. A failed poll is logged and skipped.
func (c *FeedClient) PollContinuously(ctx context.Context, interval time.Duration, callback func(*model.FeedSnapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Starting feed polling every %v", interval)

	poll := func() {
		snap, err := c.FetchSnapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Feed poll failed, keeping stale data: %v", err)
			}
			return
		}
		if callback != nil {
			callback(snap)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping feed polling")
			return
		case <-ticker.C:
			poll()
		}
	}
}

// Run polls the feed and refreshes the enrichment cache until ctx is cancelled.
func (c *FeedClient) Run(ctx context.Context, interval time.Duration) {
	c.PollContinuously(ctx, interval, func(snap *model.FeedSnapshot) {
		n := c.Update(snap)
		c.logger.Debug("Cached %d flight plans", n)
	})
}
