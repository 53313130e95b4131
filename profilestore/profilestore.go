// Package profilestore submits fully processed profiles to the profile
// storage service.
package profilestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/utils/httputil"
)

var (
	// ErrOverloaded is returned on a 429 from the store. It is the one
	// job-level retryable condition: the whole pipeline run is re-queued
	// with backoff, stage flags preventing recomputation.
	ErrOverloaded = errors.New("profile store overloaded")

	// ErrDuplicate is returned on a 412: the profile was already stored.
	// Non-retryable.
	ErrDuplicate = errors.New("duplicate profile")
)

// Client posts profiles to the store over HTTP.
type Client struct {
	config struct {
		url     string
		timeout time.Duration
	}
	log    logger.Logger
	stat   stats.Stats
	client *http.Client
}

type Opt func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) { c.client = hc }
}

func New(conf *config.Config, log logger.Logger, stat stats.Stats, opts ...Opt) *Client {
	c := &Client{}
	c.log = log.Child("profilestore")
	c.stat = stat
	c.config.url = conf.GetString("ProfileStore.url", "http://localhost:8085")
	c.config.timeout = conf.GetDuration("ProfileStore.timeout", 30, time.Second)
	c.client = &http.Client{Timeout: c.config.timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Insert stores the processed profile. The distinguished errors ErrOverloaded
// and ErrDuplicate report the store's 429 and 412 responses; any other
// non-nil error is a non-retryable failure.
func (c *Client) Insert(ctx context.Context, p *profile.Profile) error {
	payload, err := jsonrs.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.url+"/profile", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	c.stat.NewTaggedStat("profile_store.request_time", stats.TimerType, stats.Tags{
		"platform": string(p.Platform),
	}).SendTiming(time.Since(start))
	if err != nil {
		return fmt.Errorf("posting profile: %w", err)
	}
	defer httputil.CloseResponse(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		c.stat.NewTaggedStat("profile_store.insert_error", stats.CountType, stats.Tags{
			"platform": string(p.Platform), "reason": "overloaded",
		}).Increment()
		return ErrOverloaded
	case http.StatusPreconditionFailed:
		c.stat.NewTaggedStat("profile_store.insert_error", stats.CountType, stats.Tags{
			"platform": string(p.Platform), "reason": "duplicate profile",
		}).Increment()
		return ErrDuplicate
	default:
		c.stat.NewTaggedStat("profile_store.insert_error", stats.CountType, stats.Tags{
			"platform": string(p.Platform), "reason": "bad status",
		}).Increment()
		return fmt.Errorf("profile store returned status code: %d", resp.StatusCode)
	}
}
