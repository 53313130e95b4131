package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/processor/internal/symbolicator"
	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/reporting"
)

// errStageFailed signals that a stage already recorded an INVALID outcome
// and the run must stop. It never crosses the ProcessProfile boundary.
var errStageFailed = errors.New("stage failed")

// symbolicateProfile runs the symbolication stage. Skips platforms outside
// the symbolication set and profiles already processed; a nil return means
// the pipeline proceeds.
func (h *Handle) symbolicateProfile(ctx context.Context, p *profile.Profile) error {
	if !p.Platform.Symbolicates() || p.ProcessedBySymbolicator {
		return nil
	}

	if len(p.Images()) == 0 {
		h.stat.NewTaggedStat("process_profile.missing_keys.debug_meta", stats.CountType, stats.Tags{
			"platform": string(p.Platform),
		}).Increment()
		return nil
	}

	for _, platform := range profilePlatforms(p) {
		if err := h.symbolicatePlatform(ctx, p, platform); err != nil {
			h.captureError(err, p, "symbolicate")
			h.stat.NewStat("process_profile.symbolicate.error", stats.CountType).Increment()
			h.trackOutcome(ctx, p, reporting.OutcomeInvalid, reporting.ReasonFailedSymbolication)
			return errStageFailed
		}
	}

	p.ProcessedBySymbolicator = true
	return nil
}

func (h *Handle) symbolicatePlatform(ctx context.Context, p *profile.Profile, platform profile.Platform) error {
	images := imagesForPlatform(p, platform)
	batch := prepareFrames(p, platform, images)

	h.stat.NewTaggedStat("process_profile.frames.sent", stats.HistogramType, stats.Tags{
		"platform": string(platform),
	}).Observe(float64(len(batch.framesSent)))

	resp, err := h.runSymbolicate(ctx, p, platform, batch)
	if resp != nil {
		// per-image metadata is merged even when the pass fails below, so
		// partially symbolicated profiles keep whatever the service
		// resolved
		mergeModules(images, resp.Modules)
	}
	if err != nil {
		return err
	}

	if p.Version == profile.VersionLegacy {
		applyLegacyResults(p, resp.Stacktraces, platform)
		p.Inner = p.SampledProfile
		p.SampledProfile = nil
	} else {
		applySampleResults(p, resp.Stacktraces, batch.framesSent, platform)
	}
	return nil
}

// runSymbolicate invokes the symbolication service for one sub-platform and
// interprets the response status. A non-completed status records a typed
// error on the profile and fails the pass.
func (h *Handle) runSymbolicate(ctx context.Context, p *profile.Profile, platform profile.Platform, batch frameBatch) (*symbolicator.Response, error) {
	var (
		resp *symbolicator.Response
		err  error
	)
	if platform.IsJS() {
		resp, err = h.symbolicator.ProcessJS(ctx, symbolicator.JSRequest{
			Modules:     batch.modules,
			Stacktraces: batch.stacktraces,
			Release:     p.Release,
			Dist:        p.Dist,
		})
	} else {
		resp, err = h.symbolicator.ProcessNative(ctx, symbolicator.NativeRequest{
			Modules:     batch.modules,
			Stacktraces: batch.stacktraces,
		})
	}
	if err != nil {
		if errors.Is(err, symbolicator.ErrTimeout) {
			h.stat.NewStat("process_profile.symbolicate.timeout", stats.CountType).Increment()
		}
		return nil, err
	}

	switch resp.Status {
	case symbolicator.StatusCompleted:
		return resp, nil
	case symbolicator.StatusFailed:
		p.SymbolicatorError = &profile.SymbolicatorError{
			Type:    profile.ErrSymbolicatorFailed,
			Status:  resp.Status,
			Message: resp.Message,
		}
		return resp, fmt.Errorf("symbolication failed: %s", resp.Message)
	default:
		p.SymbolicatorError = &profile.SymbolicatorError{
			Type:   profile.ErrSymbolicatorInternal,
			Status: resp.Status,
		}
		return resp, fmt.Errorf("unexpected symbolication status %q", resp.Status)
	}
}

// mergeModules overlays the per-image metadata returned by the symbolicator
// onto the profile's own debug images, pairing them by position.
func mergeModules(images []profile.DebugImage, modules []profile.DebugImage) {
	if len(modules) != len(images) {
		return
	}
	for i, module := range modules {
		for k, v := range module {
			if v == nil {
				continue
			}
			images[i][k] = v
		}
	}
}
