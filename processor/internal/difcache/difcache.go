// Package difcache fetches debug information files (proguard mapping
// artifacts) from the debug-file service and caches them on local disk.
package difcache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/utils/httputil"
)

// Cache resolves (project, debug id, features) to a local file path.
type Cache struct {
	config struct {
		url      string
		cacheDir string
	}
	log    logger.Logger
	stat   stats.Stats
	client *retryablehttp.Client
}

type Opt func(*Cache)

// WithBaseURL overrides the debug-file service URL, mainly for tests.
func WithBaseURL(url string) Opt {
	return func(c *Cache) { c.config.url = url }
}

func New(conf *config.Config, log logger.Logger, stat stats.Stats, opts ...Opt) *Cache {
	c := &Cache{}
	c.log = log.Child("difcache")
	c.stat = stat
	c.config.url = conf.GetString("DebugFiles.url", "http://localhost:8091")
	c.config.cacheDir = conf.GetString("DebugFiles.cacheDir", filepath.Join(os.TempDir(), "stacktrail-difs"))

	client := retryablehttp.NewClient()
	client.RetryMax = conf.GetInt("DebugFiles.maxRetry", 3)
	client.RetryWaitMax = conf.GetDuration("DebugFiles.maxRetryWait", 10, time.Second)
	client.HTTPClient.Timeout = conf.GetDuration("DebugFiles.timeout", 30, time.Second)
	client.Logger = nil
	c.client = client

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the local path of the debug file with the given id, or an
// empty path when the service has no artifact with the requested features.
// A missing artifact is not an error.
func (c *Cache) Fetch(ctx context.Context, projectID uint64, debugID string, features []string) (string, error) {
	cached := filepath.Join(c.config.cacheDir, fmt.Sprint(projectID), debugID)
	if _, err := os.Stat(cached); err == nil {
		c.stat.NewStat("difcache.hit", stats.CountType).Increment()
		return cached, nil
	}

	url := fmt.Sprintf("%s/projects/%d/difs/%s?features=%s",
		c.config.url, projectID, debugID, strings.Join(features, ","))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating debug file request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching debug file %s: %w", debugID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		httputil.CloseResponse(resp)
		c.stat.NewStat("difcache.miss", stats.CountType).Increment()
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		httputil.CloseResponse(resp)
		return "", fmt.Errorf("debug file service returned status code: %d", resp.StatusCode)
	}

	body, err := httputil.ReadAndClose(resp)
	if err != nil {
		return "", fmt.Errorf("reading debug file %s: %w", debugID, err)
	}
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	if err := os.WriteFile(cached, body, 0o644); err != nil {
		return "", fmt.Errorf("caching debug file: %w", err)
	}
	c.stat.NewStat("difcache.fill", stats.CountType).Increment()
	return cached, nil
}
