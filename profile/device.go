package profile

import "strings"

// Classification buckets a device by expected performance.
type Classification string

const (
	ClassificationLow     Classification = "low"
	ClassificationMid     Classification = "mid"
	ClassificationHigh    Classification = "high"
	ClassificationUnknown Classification = "unknown"
)

// ClassifyInput are the device attributes the classifier looks at. Which of
// them are populated depends on the platform and schema version.
type ClassifyInput struct {
	Model               string
	OSName              string
	IsEmulator          bool
	CPUFrequencies      []int
	PhysicalMemoryBytes uint64
}

// Apple models ship with fixed hardware, so classification is a lookup on the
// model identifier generation.
var appleModelClass = map[string]Classification{
	"iPhone8,1": ClassificationLow, "iPhone8,2": ClassificationLow,
	"iPhone8,4": ClassificationLow, "iPhone9,1": ClassificationLow,
	"iPhone9,2": ClassificationLow, "iPhone9,3": ClassificationLow,
	"iPhone9,4": ClassificationLow,
	"iPhone10,1": ClassificationMid, "iPhone10,2": ClassificationMid,
	"iPhone10,3": ClassificationMid, "iPhone10,4": ClassificationMid,
	"iPhone10,5": ClassificationMid, "iPhone10,6": ClassificationMid,
	"iPhone11,2": ClassificationMid, "iPhone11,4": ClassificationMid,
	"iPhone11,6": ClassificationMid, "iPhone11,8": ClassificationMid,
	"iPhone12,1": ClassificationMid, "iPhone12,3": ClassificationMid,
	"iPhone12,5": ClassificationMid, "iPhone12,8": ClassificationMid,
	"iPhone13,1": ClassificationHigh, "iPhone13,2": ClassificationHigh,
	"iPhone13,3": ClassificationHigh, "iPhone13,4": ClassificationHigh,
	"iPhone14,2": ClassificationHigh, "iPhone14,3": ClassificationHigh,
	"iPhone14,4": ClassificationHigh, "iPhone14,5": ClassificationHigh,
	"iPhone14,6": ClassificationHigh, "iPhone14,7": ClassificationHigh,
	"iPhone14,8": ClassificationHigh, "iPhone15,2": ClassificationHigh,
	"iPhone15,3": ClassificationHigh, "iPhone15,4": ClassificationHigh,
	"iPhone15,5": ClassificationHigh, "iPhone16,1": ClassificationHigh,
	"iPhone16,2": ClassificationHigh,
}

const (
	gib = uint64(1) << 30

	androidHighFrequencyKHz = 2_500_000
	androidMidFrequencyKHz  = 1_800_000
)

// ClassifyDevice buckets a device into low/mid/high. Emulators and unknown
// hardware classify as unknown so they can be excluded from device-class
// comparisons downstream.
func ClassifyDevice(in ClassifyInput) Classification {
	if in.IsEmulator {
		return ClassificationUnknown
	}
	switch strings.ToLower(in.OSName) {
	case "ios", "ipados", "watchos", "tvos":
		if class, ok := appleModelClass[in.Model]; ok {
			return class
		}
		return ClassificationUnknown
	case "android":
		return classifyAndroid(in)
	}
	return ClassificationUnknown
}

func classifyAndroid(in ClassifyInput) Classification {
	if len(in.CPUFrequencies) == 0 || in.PhysicalMemoryBytes == 0 {
		return ClassificationUnknown
	}
	maxFrequency := 0
	for _, f := range in.CPUFrequencies {
		if f > maxFrequency {
			maxFrequency = f
		}
	}
	cores := len(in.CPUFrequencies)
	switch {
	case cores >= 8 && maxFrequency >= androidHighFrequencyKHz && in.PhysicalMemoryBytes >= 6*gib:
		return ClassificationHigh
	case cores >= 4 && maxFrequency >= androidMidFrequencyKHz && in.PhysicalMemoryBytes >= 4*gib:
		return ClassificationMid
	default:
		return ClassificationLow
	}
}
