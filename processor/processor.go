// Package processor runs the profile post-processing pipeline: a fixed
// sequence of stages transforming a decoded profile in place, ending with
// submission to the profile store and outcome accounting. Stage failures are
// isolated: the failing run records an INVALID outcome and ends cleanly, it
// never takes the worker down. The only error escaping ProcessProfile is the
// store's overload rejection, which the caller retries with backoff.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/processor/internal/difcache"
	"github.com/stacktrail/stacktrail/processor/internal/symbolicator"
	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/profilestore"
	"github.com/stacktrail/stacktrail/reporting"
	"github.com/stacktrail/stacktrail/tenant"
)

// Handle owns the pipeline's dependencies. A single Handle is shared by all
// workers; per-run state lives on the profile itself.
type Handle struct {
	conf *config.Config
	log  logger.Logger
	stat stats.Stats

	symbolicator *symbolicator.Client
	difs         *difcache.Cache
	store        *profilestore.Client
	reporter     reporting.Reporter
	tenants      *tenant.Store

	metricsDSN   *lru.Cache[uint64, string]
	firstProfile *lru.Cache[uint64, struct{}]

	config struct {
		unsampledProfiles   config.ValueLoader[bool]
		functionMetrics     config.ValueLoader[bool]
		functionMetricsOrgs map[uint64]struct{}
	}
}

type Opt func(*Handle)

// WithSymbolicator overrides the symbolication client.
func WithSymbolicator(c *symbolicator.Client) Opt {
	return func(h *Handle) { h.symbolicator = c }
}

// WithDIFCache overrides the debug-file cache.
func WithDIFCache(c *difcache.Cache) Opt {
	return func(h *Handle) { h.difs = c }
}

// WithStore overrides the profile store client.
func WithStore(c *profilestore.Client) Opt {
	return func(h *Handle) { h.store = c }
}

func New(conf *config.Config, log logger.Logger, stat stats.Stats, tenants *tenant.Store, reporter reporting.Reporter, opts ...Opt) (*Handle, error) {
	h := &Handle{
		conf:     conf,
		log:      log.Child("processor"),
		stat:     stat,
		reporter: reporter,
		tenants:  tenants,
	}
	h.config.unsampledProfiles = conf.GetReloadableBoolVar(false, "Processor.unsampledProfiles.enabled")
	h.config.functionMetrics = conf.GetReloadableBoolVar(false, "Processor.FunctionMetrics.enabled")
	h.config.functionMetricsOrgs = map[uint64]struct{}{}
	for _, raw := range conf.GetStringSlice("Processor.FunctionMetrics.allowedOrgIDs", nil) {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.log.Warnn("invalid org id in function metrics allowlist",
				logger.NewStringField("value", raw))
			continue
		}
		h.config.functionMetricsOrgs[id] = struct{}{}
	}

	var err error
	if h.metricsDSN, err = lru.New[uint64, string](conf.GetInt("Processor.metricsDSNCacheSize", 100)); err != nil {
		return nil, fmt.Errorf("creating metrics DSN cache: %w", err)
	}
	if h.firstProfile, err = lru.New[uint64, struct{}](conf.GetInt("Processor.firstProfileCacheSize", 10000)); err != nil {
		return nil, fmt.Errorf("creating first profile cache: %w", err)
	}

	for _, opt := range opts {
		opt(h)
	}
	if h.symbolicator == nil {
		h.symbolicator = symbolicator.New(conf, log, stat)
	}
	if h.difs == nil {
		h.difs = difcache.New(conf, log, stat)
	}
	if h.store == nil {
		h.store = profilestore.New(conf, log, stat)
	}
	return h, nil
}

// ProcessProfile runs the pipeline on one profile. A nil return means the
// run is finished, whether accepted or terminally rejected with an INVALID
// outcome. A non-nil return is retryable: the stage flags on the profile
// ensure a re-run resumes where it left off.
func (h *Handle) ProcessProfile(ctx context.Context, p *profile.Profile) error {
	if !p.Sampled {
		if !h.config.unsampledProfiles.Load() {
			return nil
		}
		h.stat.NewTaggedStat("process_profile.unsampled_profiles", stats.CountType, stats.Tags{
			"platform": string(p.Platform),
		}).Increment()
	}

	p.NormalizeIdentity()

	org, err := h.tenants.Organization(ctx, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("resolving organization %d: %w", p.OrganizationID, err)
	}
	project, err := h.tenants.Project(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("resolving project %d: %w", p.ProjectID, err)
	}

	defer h.stat.NewTaggedStat("process_profile.duration", stats.TimerType, stats.Tags{
		"platform": string(p.Platform),
	}).RecordDuration()()

	if err := h.symbolicateProfile(ctx, p); err != nil {
		return stageResult(err)
	}

	if err := h.deobfuscateProfile(ctx, p, project); err != nil {
		return stageResult(err)
	}

	if p.JSProfile != nil {
		if err := h.symbolicateEmbeddedJSProfile(ctx, p); err != nil {
			return stageResult(err)
		}
	}

	if err := h.normalizeProfile(ctx, p, org); err != nil {
		return stageResult(err)
	}

	h.attachMetricsDSN(ctx, p)

	if err := h.store.Insert(ctx, p); err != nil {
		if errors.Is(err, profilestore.ErrOverloaded) {
			return err
		}
		h.captureError(err, p, "store")
		h.trackOutcome(ctx, p, reporting.OutcomeInvalid, reporting.ReasonFailedInsertion)
		return nil
	}

	h.trackDurationOutcome(ctx, p)
	if p.Version != profile.VersionV2 {
		h.trackOutcome(ctx, p, reporting.OutcomeAccepted, "")
	}
	return nil
}

// stageResult translates a stage error into the job result: a stage that
// already recorded its INVALID outcome ends the run cleanly.
func stageResult(err error) error {
	if errors.Is(err, errStageFailed) {
		return nil
	}
	return err
}

// symbolicateEmbeddedJSProfile symbolicates the javascript sub-profile of a
// hybrid Android payload through a synthetic wrapper record. The wrapper
// shares the sub-profile's body, so symbolicated frames land back on the
// parent without copying. Completion is flagged on the body itself: a run
// retried after a store rejection must not symbolicate it twice.
func (h *Handle) symbolicateEmbeddedJSProfile(ctx context.Context, p *profile.Profile) error {
	if p.JSProfile.ProcessedBySymbolicator {
		return nil
	}
	js := &profile.Profile{
		OrganizationID: p.OrganizationID,
		ProjectID:      p.ProjectID,
		Sampled:        p.Sampled,
		Platform:       profile.PlatformJavaScript,
		Version:        profile.VersionV1,
		EventID:        p.EventID,
		Release:        p.Release,
		Dist:           p.Dist,
		DebugMeta:      p.DebugMeta,
		Inner:          p.JSProfile,
	}
	if err := h.symbolicateProfile(ctx, js); err != nil {
		return err
	}
	p.JSProfile.ProcessedBySymbolicator = js.ProcessedBySymbolicator
	return nil
}

// attachMetricsDSN attaches the ingest DSN for function metrics extraction
// to transaction-based profiles of allowlisted organizations. Failures are
// reported and otherwise ignored.
func (h *Handle) attachMetricsDSN(ctx context.Context, p *profile.Profile) {
	if p.Version == profile.VersionV2 || !h.config.functionMetrics.Load() {
		return
	}
	if _, ok := h.config.functionMetricsOrgs[p.OrganizationID]; !ok {
		return
	}

	dsn, ok := h.metricsDSN.Get(p.ProjectID)
	if !ok {
		var err error
		start := time.Now()
		dsn, err = h.tenants.MetricsDSN(ctx, p.ProjectID)
		h.stat.NewStat("process_profile.get_metrics_dsn", stats.TimerType).SendTiming(time.Since(start))
		if err != nil {
			h.captureError(err, p, "metrics_dsn")
			return
		}
		h.metricsDSN.Add(p.ProjectID, dsn)
	}
	p.Options = map[string]string{"dsn": dsn}
}

// trackOutcome emits the run's terminal outcome record. The first profile
// ever seen for a project is additionally logged, whatever the outcome.
func (h *Handle) trackOutcome(ctx context.Context, p *profile.Profile, outcome reporting.Outcome, reason string) {
	if _, seen := h.firstProfile.Get(p.ProjectID); !seen {
		h.firstProfile.Add(p.ProjectID, struct{}{})
		h.log.Infon("first profile received for project",
			logger.NewIntField("projectId", int64(p.ProjectID)),
			logger.NewIntField("organizationId", int64(p.OrganizationID)))
	}

	h.reporter.Report(ctx, reporting.Record{
		OrganizationID: p.OrganizationID,
		ProjectID:      p.ProjectID,
		Outcome:        outcome,
		Reason:         reason,
		Category:       profileCategory(p),
		Quantity:       1,
		EventID:        p.EventIdentifier(),
		Timestamp:      time.Now().UTC(),
	})
}

// trackDurationOutcome emits the accepted wall-clock duration of the
// profile, in milliseconds. Profiles without a measurable duration emit
// nothing.
func (h *Handle) trackDurationOutcome(ctx context.Context, p *profile.Profile) {
	durationMS := p.DurationMS()
	if durationMS <= 0 {
		return
	}
	h.reporter.Report(ctx, reporting.Record{
		OrganizationID: p.OrganizationID,
		ProjectID:      p.ProjectID,
		Outcome:        reporting.OutcomeAccepted,
		Category:       reporting.CategoryProfileDuration,
		Quantity:       durationMS,
		Timestamp:      time.Now().UTC(),
	})
}

func profileCategory(p *profile.Profile) reporting.Category {
	if p.Version == profile.VersionV2 {
		return reporting.CategoryProfileChunk
	}
	return reporting.CategoryProfileIndexed
}

// captureError reports an operational error to the error tracker with the
// profile's identifying tags attached.
func (h *Handle) captureError(err error, p *profile.Profile, stage string) {
	h.log.Errorn("profile processing error",
		logger.NewErrorField(err),
		logger.NewStringField("stage", stage),
		logger.NewStringField("platform", string(p.Platform)),
		logger.NewIntField("organizationId", int64(p.OrganizationID)),
		logger.NewIntField("projectId", int64(p.ProjectID)))

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)
		scope.SetTag("platform", string(p.Platform))
		scope.SetTag("organization", strconv.FormatUint(p.OrganizationID, 10))
		scope.SetTag("project", strconv.FormatUint(p.ProjectID, 10))
		scope.SetContext("profile", map[string]any{
			"organization_id": p.OrganizationID,
			"project_id":      p.ProjectID,
			"profile_id":      p.EventIdentifier(),
		})
		sentry.CaptureException(err)
	})
}
