// Package profile holds the profile record flowing through the processing
// pipeline, together with the platform and schema-version tables that the
// stages dispatch on.
package profile

// Platform identifies the runtime a profile was captured on.
type Platform string

const (
	PlatformJavaScript Platform = "javascript"
	PlatformNode       Platform = "node"
	PlatformCocoa      Platform = "cocoa"
	PlatformRust       Platform = "rust"
	PlatformAndroid    Platform = "android"
	PlatformOther      Platform = "other"
)

// Version marks the wire schema of the profile payload: empty for the legacy
// sampled_profile format, "1" for the v1 sample format, "2" for the v2
// sample/chunk format.
type Version string

const (
	VersionLegacy Version = ""
	VersionV1     Version = "1"
	VersionV2     Version = "2"
)

type platformTraits struct {
	symbolicate bool
	js          bool
	deobfuscate bool
}

var platforms = map[Platform]platformTraits{
	PlatformJavaScript: {symbolicate: true, js: true},
	PlatformNode:       {symbolicate: true, js: true},
	PlatformCocoa:      {symbolicate: true},
	PlatformRust:       {symbolicate: true},
	PlatformAndroid:    {deobfuscate: true},
}

// IsJS reports whether the platform uses the sourcemap symbolication path.
func (p Platform) IsJS() bool { return platforms[p].js }

// Symbolicates reports whether frames of this platform are eligible for
// symbolication.
func (p Platform) Symbolicates() bool { return platforms[p].symbolicate }

// Deobfuscates reports whether profiles of this platform carry obfuscated
// JVM methods that need a mapping pass.
func (p Platform) Deobfuscates() bool { return platforms[p].deobfuscate }

// Frame is a single call frame, either raw as captured by an SDK or as
// returned by the symbolication service.
type Frame struct {
	Function              string         `json:"function,omitempty"`
	Module                string         `json:"module,omitempty"`
	Package               string         `json:"package,omitempty"`
	AbsPath               string         `json:"abs_path,omitempty"`
	Filename              string         `json:"filename,omitempty"`
	Lineno                *int           `json:"lineno,omitempty"`
	Colno                 *int           `json:"colno,omitempty"`
	InstructionAddr       string         `json:"instruction_addr,omitempty"`
	SymAddr               string         `json:"sym_addr,omitempty"`
	ImageAddr             string         `json:"image_addr,omitempty"`
	Platform              Platform       `json:"platform,omitempty"`
	Status                string         `json:"status,omitempty"`
	InApp                 *bool          `json:"in_app,omitempty"`
	OriginalIndex         *int           `json:"original_index,omitempty"`
	AdjustInstructionAddr *bool          `json:"adjust_instruction_addr,omitempty"`
	PreContext            []string       `json:"pre_context,omitempty"`
	ContextLine           *string        `json:"context_line,omitempty"`
	PostContext           []string       `json:"post_context,omitempty"`
	Data                  map[string]any `json:"data,omitempty"`
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	c := f
	c.Lineno = clonePtr(f.Lineno)
	c.Colno = clonePtr(f.Colno)
	c.InApp = clonePtr(f.InApp)
	c.OriginalIndex = clonePtr(f.OriginalIndex)
	c.AdjustInstructionAddr = clonePtr(f.AdjustInstructionAddr)
	c.ContextLine = clonePtr(f.ContextLine)
	if f.PreContext != nil {
		c.PreContext = append([]string(nil), f.PreContext...)
	}
	if f.PostContext != nil {
		c.PostContext = append([]string(nil), f.PostContext...)
	}
	if f.Data != nil {
		c.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			c.Data[k] = v
		}
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Stack is an ordered list of indices into the body's frame array,
// callee first.
type Stack []int

// Sample is one captured stack sample. The sample formats reference a stack
// by index; the legacy format embeds the frames directly.
type Sample struct {
	StackID             *int    `json:"stack_id,omitempty"`
	ThreadID            string  `json:"thread_id,omitempty"`
	QueueAddress        string  `json:"queue_address,omitempty"`
	ElapsedSinceStartNS uint64  `json:"elapsed_since_start_ns,omitempty"`
	Timestamp           float64 `json:"timestamp,omitempty"`
	Frames              []Frame `json:"frames,omitempty"`
}

// MethodData carries per-method deobfuscation bookkeeping.
type MethodData struct {
	DeobfuscationStatus string `json:"deobfuscation_status,omitempty"`
}

// Per-method deobfuscation statuses: a full class+method remap, a class-only
// remap, or a remap that was attempted and found nothing.
const (
	DeobfuscationStatusDeobfuscated = "deobfuscated"
	DeobfuscationStatusPartial      = "partial"
	DeobfuscationStatusMissing      = "missing"
)

// InlineFrame is a synthesized frame for a call inlined into a physical
// method, revealed by deobfuscation.
type InlineFrame struct {
	ClassName  string     `json:"class_name"`
	Name       string     `json:"name"`
	SourceFile string     `json:"source_file,omitempty"`
	SourceLine int        `json:"source_line,omitempty"`
	Signature  string     `json:"signature,omitempty"`
	Data       MethodData `json:"data,omitempty"`
}

// Method is an Android/JVM method entry, possibly obfuscated.
type Method struct {
	ClassName    string        `json:"class_name"`
	Name         string        `json:"name"`
	Signature    string        `json:"signature,omitempty"`
	SourceFile   string        `json:"source_file,omitempty"`
	SourceLine   *int          `json:"source_line,omitempty"`
	InlineFrames []InlineFrame `json:"inline_frames,omitempty"`
	Data         MethodData    `json:"data,omitempty"`
}

// DebugImage is a debug image descriptor. It is kept schemaless because the
// symbolication service merges back arbitrary per-image metadata.
type DebugImage map[string]any

// Type returns the image's "type" field, if any.
func (i DebugImage) Type() string {
	t, _ := i["type"].(string)
	return t
}

// DebugMeta holds the debug images consumed by symbolication.
type DebugMeta struct {
	Images []DebugImage `json:"images"`
}

// Body is the inner profile payload: a flattened frame array plus stacks and
// samples for the sample formats, per-sample frames for the legacy format,
// and methods for Android.
type Body struct {
	Frames  []Frame  `json:"frames,omitempty"`
	Stacks  []Stack  `json:"stacks,omitempty"`
	Samples []Sample `json:"samples,omitempty"`
	Methods []Method `json:"methods,omitempty"`

	// ProcessedBySymbolicator is only set on the embedded js_profile of
	// hybrid Android payloads, so a retried run skips re-symbolicating it.
	// The stage flags of a root profile live on Profile.
	ProcessedBySymbolicator bool `json:"processed_by_symbolicator,omitempty"`
}

// Device and OS carry the v1 nested device metadata.
type Device struct {
	Model          string `json:"model,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	Architecture   string `json:"architecture,omitempty"`
	IsEmulator     bool   `json:"is_emulator,omitempty"`
	Classification string `json:"classification,omitempty"`
}

type OS struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Transaction is the v1 transaction span the profile was captured for.
type Transaction struct {
	Name            string `json:"name,omitempty"`
	ID              string `json:"id,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
	ActiveThreadID  uint64 `json:"active_thread_id,omitempty"`
	RelativeStartNS uint64 `json:"relative_start_ns,omitempty"`
	RelativeEndNS   uint64 `json:"relative_end_ns,omitempty"`
}

// SymbolicatorError records a typed symbolication failure on the profile.
type SymbolicatorError struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Symbolicator error types, mirroring the event error taxonomy of the
// symbolication service.
const (
	ErrSymbolicatorInternal = "native_internal_failure"
	ErrSymbolicatorFailed   = "native_symbolicator_failed"
)

// Profile is the mutable record flowing through the pipeline. It is owned by
// a single worker for the duration of a run; stages mutate it in place and
// flip their completion flag on success.
type Profile struct {
	OrganizationID uint64 `json:"organization_id"`
	ProjectID      uint64 `json:"project_id"`
	Received       int64  `json:"received,omitempty"`
	Sampled        bool   `json:"sampled"`

	Platform Platform `json:"platform"`
	Version  Version  `json:"version,omitempty"`

	EventID       string `json:"event_id,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	ChunkID       string `json:"chunk_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	Release string `json:"release,omitempty"`
	Dist    string `json:"dist,omitempty"`
	BuildID string `json:"build_id,omitempty"`

	DurationNS uint64 `json:"duration_ns,omitempty"`

	Transaction         *Transaction      `json:"transaction,omitempty"`
	TransactionMetadata map[string]string `json:"transaction_metadata,omitempty"`

	DebugMeta *DebugMeta `json:"debug_meta,omitempty"`

	// Exactly one of Inner and SampledProfile is set: the legacy format
	// arrives under "sampled_profile" and is renamed to "profile" once
	// symbolicated; the sample formats arrive under "profile".
	Inner          *Body `json:"profile,omitempty"`
	SampledProfile *Body `json:"sampled_profile,omitempty"`

	// JSProfile is the embedded sub-profile of hybrid Android payloads. It
	// is symbolicated through a synthetic javascript wrapper profile.
	JSProfile *Body `json:"js_profile,omitempty"`

	Device *Device `json:"device,omitempty"`
	OS     *OS     `json:"os,omitempty"`

	// Legacy flattened device metadata.
	DeviceModel               string `json:"device_model,omitempty"`
	DeviceOSName              string `json:"device_os_name,omitempty"`
	DeviceIsEmulator          bool   `json:"device_is_emulator,omitempty"`
	DeviceCPUFrequencies      []int  `json:"device_cpu_frequencies,omitempty"`
	DevicePhysicalMemoryBytes uint64 `json:"device_physical_memory_bytes,omitempty"`
	DeviceClassification      string `json:"device_classification,omitempty"`

	RetentionDays int               `json:"retention_days,omitempty"`
	Options       map[string]string `json:"options,omitempty"`

	// Stage-completion flags. Monotonic within a run: once set they are
	// never reset, which makes re-runs after a retryable store rejection
	// skip the already-completed stages.
	ProcessedBySymbolicator bool `json:"processed_by_symbolicator,omitempty"`
	Deobfuscated            bool `json:"deobfuscated,omitempty"`
	Normalized              bool `json:"normalized,omitempty"`

	SymbolicatorError *SymbolicatorError `json:"symbolicator_error,omitempty"`
}

// EventIdentifier returns the identifier outcome records should carry,
// favouring the transaction id, then the event id, then the chunk id.
func (p *Profile) EventIdentifier() string {
	switch {
	case p.TransactionID != "":
		return p.TransactionID
	case p.EventID != "":
		return p.EventID
	case p.ChunkID != "":
		return p.ChunkID
	}
	return ""
}

// Normalize promotes the legacy profile_id alias onto event_id.
func (p *Profile) NormalizeIdentity() {
	if p.ProfileID != "" {
		p.EventID = p.ProfileID
	}
}

// Images returns the debug images, or nil when debug_meta is absent.
func (p *Profile) Images() []DebugImage {
	if p.DebugMeta == nil {
		return nil
	}
	return p.DebugMeta.Images
}
