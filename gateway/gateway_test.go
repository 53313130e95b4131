package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/profilestore"
)

type stubProcessor struct {
	calls int
	errs  []error
}

func (s *stubProcessor) ProcessProfile(_ context.Context, _ *profile.Profile) error {
	s.calls++
	if s.calls > len(s.errs) {
		return nil
	}
	return s.errs[s.calls-1]
}

func newTestGateway(t *testing.T, proc Processor) *Gateway {
	t.Helper()
	conf := config.New()
	conf.Set("Gateway.Retry.initialInterval", "1ms")
	conf.Set("Gateway.Retry.maxInterval", "5ms")
	return New(conf, logger.NOP, stats.NOP, proc, WithReader(&kafka.Reader{}))
}

func TestRunJobRetries(t *testing.T) {
	t.Run("retries overload until success", func(t *testing.T) {
		proc := &stubProcessor{errs: []error{
			profilestore.ErrOverloaded,
			profilestore.ErrOverloaded,
		}}
		g := newTestGateway(t, proc)
		g.runJob(context.Background(), &profile.Profile{Platform: profile.PlatformCocoa})
		require.Equal(t, 3, proc.calls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		errs := make([]error, 10)
		for i := range errs {
			errs[i] = profilestore.ErrOverloaded
		}
		proc := &stubProcessor{errs: errs}
		g := newTestGateway(t, proc)
		g.runJob(context.Background(), &profile.Profile{})
		require.Equal(t, 6, proc.calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		proc := &stubProcessor{errs: []error{errors.New("boom")}}
		g := newTestGateway(t, proc)
		g.runJob(context.Background(), &profile.Profile{})
		require.Equal(t, 1, proc.calls)
	})
}

func TestHandleMessage(t *testing.T) {
	t.Run("invalid payload never reaches the processor", func(t *testing.T) {
		proc := &stubProcessor{}
		g := newTestGateway(t, proc)
		g.handleMessage(context.Background(), kafka.Message{Value: []byte("junk")})
		require.Zero(t, proc.calls)
	})

	t.Run("valid envelope is processed", func(t *testing.T) {
		proc := &stubProcessor{}
		g := newTestGateway(t, proc)
		g.handleMessage(context.Background(), kafka.Message{
			Value: packEnvelope(t, Envelope{
				OrganizationID: 1,
				ProjectID:      2,
				Payload:        []byte(`{"platform":"cocoa"}`),
			}),
		})
		require.Equal(t, 1, proc.calls)
	})
}
