package symbolicator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/profile"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, overrides map[string]any) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conf := config.New()
	conf.Set("Symbolicator.url", srv.URL)
	conf.Set("Symbolicator.maxRetryBackoffInterval", "5ms")
	for k, v := range overrides {
		conf.Set(k, v)
	}
	return New(conf, logger.NOP, stats.NOP)
}

func TestProcessNative(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/symbolicate/native", r.URL.Path)
		var req NativeRequest
		require.NoError(t, jsonrs.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Stacktraces, 1)

		_ = jsonrs.NewEncoder(w).Encode(Response{
			Status: StatusCompleted,
			Stacktraces: []Stacktrace{{Frames: []profile.Frame{
				{Function: "main", Status: "symbolicated"},
			}}},
		})
	}, nil)

	resp, err := c.ProcessNative(context.Background(), NativeRequest{
		Stacktraces: []Stacktrace{{Frames: []profile.Frame{{InstructionAddr: "0x10"}}}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, resp.Status)
	require.Equal(t, "main", resp.Stacktraces[0].Frames[0].Function)
}

func TestRetries(t *testing.T) {
	t.Run("retries transient statuses", func(t *testing.T) {
		var calls atomic.Int64
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = jsonrs.NewEncoder(w).Encode(Response{Status: StatusCompleted})
		}, nil)

		resp, err := c.ProcessNative(context.Background(), NativeRequest{})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, resp.Status)
		require.EqualValues(t, 3, calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int64
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}, nil)

		_, err := c.ProcessNative(context.Background(), NativeRequest{})
		require.Error(t, err)
		require.EqualValues(t, 1, calls.Load())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		var calls atomic.Int64
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}, map[string]any{"Symbolicator.maxRetry": 2})

		_, err := c.ProcessNative(context.Background(), NativeRequest{})
		require.Error(t, err)
		require.EqualValues(t, 3, calls.Load())
	})
}

func TestHardTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = jsonrs.NewEncoder(w).Encode(Response{Status: StatusCompleted})
	}, map[string]any{
		"Symbolicator.hardTimeout": "50ms",
		"Symbolicator.maxRetry":    0,
	})

	_, err := c.ProcessNative(context.Background(), NativeRequest{})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestProcessJVM(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/symbolicate/jvm", r.URL.Path)
		_ = jsonrs.NewEncoder(w).Encode(JVMResponse{
			Status: StatusCompleted,
			Stacktraces: []JVMStacktrace{{Frames: []JVMFrame{
				{Function: "onCreate", Module: "com.example.MainActivity"},
			}}},
		})
	}, nil)

	resp, err := c.ProcessJVM(context.Background(), JVMRequest{
		Exceptions:  []any{},
		Stacktraces: []JVMStacktrace{{}},
	})
	require.NoError(t, err)
	require.Equal(t, "onCreate", resp.Stacktraces[0].Frames[0].Function)
}
