// Package gateway consumes profile envelopes from the ingest topic and
// drives each one through the processing pipeline. A message is committed
// once its run ends, whether accepted, terminally rejected, or abandoned
// after the retry budget; only an in-flight shutdown leaves it for the next
// consumer generation.
package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/profilestore"
)

// Processor runs one profile through the pipeline. A non-nil error is a
// job failure; only the store's overload rejection is retried.
type Processor interface {
	ProcessProfile(ctx context.Context, p *profile.Profile) error
}

// Gateway is the consumer loop.
type Gateway struct {
	conf *config.Config
	log  logger.Logger
	stat stats.Stats

	proc   Processor
	reader *kafka.Reader

	config struct {
		workers         int
		maxRetries      uint64
		initialInterval time.Duration
		maxInterval     time.Duration
	}
}

type Opt func(*Gateway)

// WithReader overrides the Kafka reader, mainly for tests.
func WithReader(r *kafka.Reader) Opt {
	return func(g *Gateway) { g.reader = r }
}

func New(conf *config.Config, log logger.Logger, stat stats.Stats, proc Processor, opts ...Opt) *Gateway {
	g := &Gateway{
		conf: conf,
		log:  log.Child("gateway"),
		stat: stat,
		proc: proc,
	}
	g.config.workers = conf.GetInt("Gateway.workers", 8)
	g.config.maxRetries = uint64(conf.GetInt("Gateway.Retry.maxRetries", 5))
	g.config.initialInterval = conf.GetDuration("Gateway.Retry.initialInterval", 5, time.Second)
	g.config.maxInterval = conf.GetDuration("Gateway.Retry.maxInterval", 60, time.Second)

	for _, opt := range opts {
		opt(g)
	}
	if g.reader == nil {
		g.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     conf.GetStringSlice("Gateway.Kafka.brokers", []string{"localhost:9092"}),
			GroupID:     conf.GetString("Gateway.Kafka.group", "profiles-processor"),
			Topic:       conf.GetString("Gateway.Kafka.topic", "profiles"),
			MinBytes:    conf.GetInt("Gateway.Kafka.minBytes", 1),
			MaxBytes:    conf.GetInt("Gateway.Kafka.maxBytes", 10<<20),
			StartOffset: kafka.FirstOffset,
		})
	}
	return g
}

// Run consumes until the context is cancelled, then drains the in-flight
// workers and closes the reader.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Infon("gateway started",
		logger.NewIntField("workers", int64(g.config.workers)))
	defer func() {
		if err := g.reader.Close(); err != nil {
			g.log.Errorn("closing kafka reader", logger.NewErrorField(err))
		}
	}()

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.config.workers)

	for {
		msg, err := g.reader.FetchMessage(gctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				break
			}
			_ = grp.Wait()
			return err
		}
		grp.Go(func() error {
			g.handleMessage(gctx, msg)
			if err := g.reader.CommitMessages(gctx, msg); err != nil && !errors.Is(err, context.Canceled) {
				g.log.Errorn("committing message", logger.NewErrorField(err))
			}
			return nil
		})
	}

	_ = grp.Wait()
	g.log.Infon("gateway stopped")
	return nil
}

func (g *Gateway) handleMessage(ctx context.Context, msg kafka.Message) {
	g.stat.NewStat("gateway.messages", stats.CountType).Increment()

	p, err := DecodeMessage(msg.Value)
	if err != nil {
		g.stat.NewStat("gateway.invalid_payload", stats.CountType).Increment()
		g.log.Warnn("dropping undecodable message",
			logger.NewErrorField(err),
			logger.NewIntField("partition", int64(msg.Partition)),
			logger.NewIntField("offset", msg.Offset))
		return
	}

	g.runJob(ctx, p)
}

// runJob runs the pipeline with the job-level retry policy. Stage flags on
// the profile make re-runs resume after the last completed stage.
func (g *Gateway) runJob(ctx context.Context, p *profile.Profile) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.initialInterval
	bo.MaxInterval = g.config.maxInterval

	op := func() error {
		err := g.proc.ProcessProfile(ctx, p)
		if err == nil {
			return nil
		}
		if errors.Is(err, profilestore.ErrOverloaded) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		g.stat.NewTaggedStat("gateway.jobs.retried", stats.CountType, stats.Tags{
			"platform": string(p.Platform),
		}).Increment()
		g.log.Warnn("retrying profile job",
			logger.NewErrorField(err),
			logger.NewDurationField("backoff", next),
			logger.NewStringField("profileId", p.EventIdentifier()))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, g.config.maxRetries), ctx), notify)
	if err == nil {
		return
	}
	retryable := "false"
	if errors.Is(err, profilestore.ErrOverloaded) {
		retryable = "true"
	}
	g.stat.NewTaggedStat("gateway.jobs.failed", stats.CountType, stats.Tags{
		"platform":  string(p.Platform),
		"retryable": retryable,
	}).Increment()
	g.log.Errorn("profile job failed",
		logger.NewErrorField(err),
		logger.NewStringField("profileId", p.EventIdentifier()),
		logger.NewIntField("organizationId", int64(p.OrganizationID)),
		logger.NewIntField("projectId", int64(p.ProjectID)))
}
