package processor

import (
	"context"
	"errors"

	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/reporting"
	"github.com/stacktrail/stacktrail/tenant"
)

var errMissingDeviceMetadata = errors.New("sample profile is missing device metadata")

// normalizeProfile runs the normalization stage: retention stamping plus
// device classification for the mobile platforms that report hardware
// metadata.
func (h *Handle) normalizeProfile(ctx context.Context, p *profile.Profile, org tenant.Organization) error {
	if p.Normalized {
		return nil
	}

	if err := h.normalize(p, org); err != nil {
		h.captureError(err, p, "normalize")
		h.stat.NewStat("process_profile.normalize.error", stats.CountType).Increment()
		h.trackOutcome(ctx, p, reporting.OutcomeInvalid, reporting.ReasonFailedNormalization)
		return errStageFailed
	}

	p.Normalized = true
	return nil
}

func (h *Handle) normalize(p *profile.Profile, org tenant.Organization) error {
	p.RetentionDays = org.RetentionDays

	if (p.Platform != profile.PlatformCocoa && p.Platform != profile.PlatformAndroid) ||
		p.Version == profile.VersionV2 {
		return nil
	}

	in := profile.ClassifyInput{}
	if p.Platform == profile.PlatformAndroid {
		in.CPUFrequencies = p.DeviceCPUFrequencies
		in.PhysicalMemoryBytes = p.DevicePhysicalMemoryBytes
	}

	switch p.Version {
	case profile.VersionV1:
		if p.Device == nil || p.OS == nil {
			return errMissingDeviceMetadata
		}
		in.Model = p.Device.Model
		in.OSName = p.OS.Name
		in.IsEmulator = p.Device.IsEmulator
	case profile.VersionLegacy:
		in.Model = p.DeviceModel
		in.OSName = p.DeviceOSName
		in.IsEmulator = p.DeviceIsEmulator
	default:
		return nil
	}

	classification := string(profile.ClassifyDevice(in))
	if p.Version == profile.VersionV1 {
		p.Device.Classification = classification
	} else {
		p.DeviceClassification = classification
	}
	return nil
}
