// Package symbolicator is the HTTP client for the external symbolication
// service. It resolves native instruction addresses, JS sourcemapped frames
// and obfuscated JVM frames into human-readable frames.
package symbolicator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/utils/httputil"
)

// ErrTimeout reports that a symbolication request exceeded the hard
// wall-clock budget. It converts to a non-retryable stage failure: the
// job-level retry is reserved for store overload, not for slow symbolication.
var ErrTimeout = errors.New("symbolication timed out")

// Stacktrace is a list of frames sent for (or returned from) symbolication.
type Stacktrace struct {
	Frames []profile.Frame `json:"frames"`
}

// NativeRequest symbolicates cocoa/rust stacktraces against native debug
// images.
type NativeRequest struct {
	Modules            []profile.DebugImage `json:"modules"`
	Stacktraces        []Stacktrace         `json:"stacktraces"`
	ApplySourceContext bool                 `json:"apply_source_context"`
}

// JSRequest symbolicates javascript/node stacktraces against sourcemap
// images.
type JSRequest struct {
	Modules            []profile.DebugImage `json:"modules"`
	Stacktraces        []Stacktrace         `json:"stacktraces"`
	Release            string               `json:"release,omitempty"`
	Dist               string               `json:"dist,omitempty"`
	ApplySourceContext bool                 `json:"apply_source_context"`
}

// JVMFrame is the frame shape of the JVM symbolication endpoint. Index ties
// a returned frame back to the method it originated from.
type JVMFrame struct {
	Function   string `json:"function,omitempty"`
	Module     string `json:"module,omitempty"`
	Filename   string `json:"filename,omitempty"`
	AbsPath    string `json:"abs_path,omitempty"`
	Lineno     int    `json:"lineno,omitempty"`
	InApp      *bool  `json:"in_app,omitempty"`
	Index      *int   `json:"index,omitempty"`
}

// JVMStacktrace is a list of JVM frames.
type JVMStacktrace struct {
	Frames []JVMFrame `json:"frames"`
}

// JVMRequest deobfuscates JVM frames against a proguard mapping module.
type JVMRequest struct {
	Exceptions         []any                `json:"exceptions"`
	Stacktraces        []JVMStacktrace      `json:"stacktraces"`
	Modules            []profile.DebugImage `json:"modules"`
	ReleasePackage     string               `json:"release_package,omitempty"`
	ApplySourceContext bool                 `json:"apply_source_context"`
}

// Response statuses defined by the service contract. Anything else is
// treated as an internal failure.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Response is the reply for native and JS symbolication.
type Response struct {
	Status      string               `json:"status"`
	Modules     []profile.DebugImage `json:"modules,omitempty"`
	Stacktraces []Stacktrace         `json:"stacktraces,omitempty"`
	Message     string               `json:"message,omitempty"`
	Errors      []map[string]any     `json:"errors,omitempty"`
}

// JVMResponse is the reply for JVM deobfuscation.
type JVMResponse struct {
	Status      string           `json:"status"`
	Stacktraces []JVMStacktrace  `json:"stacktraces,omitempty"`
	Message     string           `json:"message,omitempty"`
	Errors      []map[string]any `json:"errors,omitempty"`
}

// Client talks to the symbolication service.
type Client struct {
	config struct {
		url                     string
		hardTimeout             time.Duration
		maxRetry                config.ValueLoader[int]
		maxRetryBackoffInterval config.ValueLoader[time.Duration]
	}
	conf   *config.Config
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
	c.conf = conf
	c.log = log.Child("symbolicator")
	c.stat = stat
	c.config.url = conf.GetString("Symbolicator.url", "http://localhost:3021")
	c.config.hardTimeout = conf.GetDuration("Symbolicator.hardTimeout", 15, time.Second)
	c.config.maxRetry = conf.GetReloadableIntVar(3, 1, "Symbolicator.maxRetry")
	c.config.maxRetryBackoffInterval = conf.GetReloadableDurationVar(5, time.Second, "Symbolicator.maxRetryBackoffInterval")
	c.client = &http.Client{Timeout: conf.GetDuration("Symbolicator.requestTimeout", 60, time.Second)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessNative symbolicates cocoa/rust stacktraces.
func (c *Client) ProcessNative(ctx context.Context, req NativeRequest) (*Response, error) {
	var resp Response
	if err := c.do(ctx, "/symbolicate/native", "native", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessJS symbolicates javascript/node stacktraces.
func (c *Client) ProcessJS(ctx context.Context, req JSRequest) (*Response, error) {
	var resp Response
	if err := c.do(ctx, "/symbolicate/js", "js", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessJVM deobfuscates JVM frames via a proguard mapping module.
func (c *Client) ProcessJVM(ctx context.Context, req JVMRequest) (*JVMResponse, error) {
	var resp JVMResponse
	if err := c.do(ctx, "/symbolicate/jvm", "jvm", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, path, platform string, reqBody, out any) error {
	payload, err := jsonrs.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshalling symbolication request: %w", err)
	}

	start := time.Now()
	budget := c.config.hardTimeout
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	expo := backoff.NewExponentialBackOff()
	expo.MaxInterval = c.config.maxRetryBackoffInterval.Load()

	var respData []byte
	op := func() error {
		req, reqErr := http.NewRequestWithContext(cctx, http.MethodPost, c.config.url+path, bytes.NewReader(payload))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		requestStart := time.Now()
		resp, reqErr := c.client.Do(req)
		c.stat.NewTaggedStat("symbolicator.request_time", stats.TimerType, stats.Tags{
			"platform": platform,
		}).SendTiming(time.Since(requestStart))
		if reqErr != nil {
			if cctx.Err() != nil {
				return backoff.Permanent(ErrTimeout)
			}
			return reqErr
		}
		defer httputil.CloseResponse(resp)

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			// service-side rate limiting and server errors are retried
			// while the budget allows
			return fmt.Errorf("symbolicator returned status code: %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("symbolicator returned status code: %d", resp.StatusCode))
		}

		respData, reqErr = io.ReadAll(resp.Body)
		return reqErr
	}

	err = backoff.RetryNotify(
		op,
		backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.config.maxRetry.Load())), cctx),
		func(err error, _ time.Duration) {
			c.log.Warnn("symbolicator request error",
				logger.NewErrorField(err),
				logger.NewStringField("platform", platform))
		},
	)
	if err != nil {
		if errors.Is(err, ErrTimeout) || cctx.Err() != nil {
			return ErrTimeout
		}
		return err
	}
	// The budget is a wall-clock bound on the whole exchange: a reply that
	// arrives past it still counts as a timeout.
	if time.Since(start) > budget {
		return ErrTimeout
	}

	if err := jsonrs.Unmarshal(respData, out); err != nil {
		return fmt.Errorf("unmarshalling symbolication response: %w", err)
	}
	return nil
}
