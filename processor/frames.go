package processor

import (
	"github.com/samber/lo"

	"github.com/stacktrail/stacktrail/processor/internal/symbolicator"
	"github.com/stacktrail/stacktrail/profile"
)

// cocoaUnsymbolicatableAddr marks trailing cocoa frames the symbolicator can
// never resolve.
const cocoaUnsymbolicatableAddr = "0xffffffffc"

// rustProfilerFrame is the function name of the profiler's own signal
// handler, which tops every rust stack and is dropped after symbolication.
const rustProfilerFrame = "perf_signal_handler"

// frameBatch is the frame/stacktrace extract sent to the symbolicator for
// one sub-platform.
type frameBatch struct {
	modules     []profile.DebugImage
	stacktraces []symbolicator.Stacktrace
	// framesSent holds the frame-array indices that were extracted into the
	// batch. Empty means the whole frame array was sent (or, for the legacy
	// format, that frames travel inside per-sample stacktraces).
	framesSent map[int]struct{}
}

var adjustOff = false

// prepareFrames extracts the symbolication batch for one sub-platform.
// For sample-format profiles this may mutate the profile's frame array and
// stacks: each stack's leaf frame is deep-copied with
// adjust_instruction_addr=false so that a leaf showing up mid-stack
// elsewhere is never deduplicated with it.
func prepareFrames(p *profile.Profile, platform profile.Platform, images []profile.DebugImage) frameBatch {
	batch := frameBatch{
		modules:    images,
		framesSent: map[int]struct{}{},
	}

	if p.Version == profile.VersionLegacy {
		// legacy payloads carry frames inside each sample
		for i := range p.SampledProfile.Samples {
			frames := p.SampledProfile.Samples[i].Frames
			if len(frames) > 0 {
				frames[0].AdjustInstructionAddr = &adjustOff
			}
			batch.stacktraces = append(batch.stacktraces, symbolicator.Stacktrace{Frames: frames})
		}
		return batch
	}

	body := p.Inner
	var frames []profile.Frame

	switch {
	case platform.IsJS():
		for idx, f := range body.Frames {
			if isSymbolicatableJSFrame(f) {
				batch.framesSent[idx] = struct{}{}
				frames = append(frames, f)
			}
		}
	case p.Platform != platform:
		// hybrid payload (e.g. react-native): pick only the frames
		// recorded for this platform
		for idx, f := range body.Frames {
			if f.Platform == platform && f.InstructionAddr != "" {
				batch.framesSent[idx] = struct{}{}
				frames = append(frames, f)
			}
		}
	default:
		frames = body.Frames
	}

	// The JS pass sends the filtered frames as-is: sourcemap resolution has no
	// instruction addresses to adjust, so no leaf copies are made for it.
	if !platform.IsJS() {
		for si := range body.Stacks {
			stack := body.Stacks[si]
			if len(stack) == 0 {
				continue
			}
			leaf := body.Frames[stack[0]].Clone()
			leaf.AdjustInstructionAddr = &adjustOff

			if !p.Platform.IsJS() {
				frames = append(frames, leaf)
				stack[0] = len(frames) - 1
				continue
			}
			// JS-rooted hybrid: the native pass sends a filtered subset, so
			// the copied leaf has to land both in the profile's frame array
			// (so the stack can reference it) and in the batch (so it gets
			// symbolicated).
			if _, sent := batch.framesSent[stack[0]]; sent {
				body.Frames = append(body.Frames, leaf)
				frames = append(frames, leaf)
				stack[0] = len(body.Frames) - 1
				batch.framesSent[stack[0]] = struct{}{}
			}
		}
		// the batch aliases the profile's frame array in the root-native
		// case, keep the two in sync
		if p.Platform == platform {
			body.Frames = frames
		}
	}

	batch.stacktraces = []symbolicator.Stacktrace{{Frames: frames}}
	return batch
}

// isSymbolicatableJSFrame reports whether a JS frame carries enough source
// information to be worth sending to the symbolicator. Synthetic and native
// frames are kept as-is.
func isSymbolicatableJSFrame(f profile.Frame) bool {
	path := f.AbsPath
	if path == "" {
		path = f.Filename
	}
	switch path {
	case "", "native", "[native code]", "<anonymous>":
		return false
	}
	return f.Lineno != nil
}

// frameIndexMap maps each result frame's declared original index (its own
// position when absent) to the ordered positions in the result array that
// originated from it. A physical frame symbolicates into >1 logical frames
// when calls were inlined into it, ordered callee first.
func frameIndexMap(frames []profile.Frame) map[int][]int {
	m := make(map[int][]int, len(frames))
	for i, f := range frames {
		key := i
		if f.OriginalIndex != nil {
			key = *f.OriginalIndex
		}
		m[key] = append(m[key], i)
	}
	return m
}

// applySampleResults merges symbolicated frames back into a sample-format
// profile body and rewrites its stacks so that every index refers to the
// finalized frame array.
func applySampleResults(p *profile.Profile, stacktraces []symbolicator.Stacktrace, framesSent map[int]struct{}, platform profile.Platform) {
	if len(stacktraces) == 0 {
		return
	}
	body := p.Inner
	symbolicated := stacktraces[0].Frames
	indexMap := frameIndexMap(symbolicated)

	// replacement maps a pre-merge frame index to its post-merge indices
	var replacement map[int][]int

	if len(framesSent) > 0 {
		// the symbolicator saw a filtered subset: walk the original array,
		// copying unsent frames and splicing in the expansion of sent ones.
		// Sent frames consume batch slots in sequential order, since the
		// batch preserved the original ordering.
		replacement = make(map[int][]int, len(body.Frames))
		newFrames := make([]profile.Frame, 0, len(body.Frames))
		slot := 0
		for idx := range body.Frames {
			if _, sent := framesSent[idx]; !sent {
				replacement[idx] = []int{len(newFrames)}
				newFrames = append(newFrames, body.Frames[idx])
				continue
			}
			for _, ri := range indexMap[slot] {
				replacement[idx] = append(replacement[idx], len(newFrames))
				newFrames = append(newFrames, symbolicated[ri])
			}
			slot++
		}
		body.Frames = newFrames
	} else if len(symbolicated) > 0 {
		body.Frames = symbolicated
		replacement = indexMap
	}

	if platform.Symbolicates() && replacement != nil {
		for si, stack := range body.Stacks {
			newStack := make(profile.Stack, 0, len(stack))
			for _, index := range stack {
				if repl, ok := replacement[index]; ok {
					// a frame with inlined calls expands into the indices
					// of all frames that originated from it
					newStack = append(newStack, repl...)
				} else {
					newStack = append(newStack, index)
				}
			}
			body.Stacks[si] = newStack
		}
	}

	for si, stack := range body.Stacks {
		if len(stack) >= 2 {
			body.Stacks[si] = truncateStack(platform, body.Frames, stack)
		}
	}
}

// truncateStack drops frames that are either the profiler's own machinery or
// known to be unsymbolicatable, per platform. Stacks shorter than 2 frames
// are never truncated.
func truncateStack(platform profile.Platform, frames []profile.Frame, stack profile.Stack) profile.Stack {
	switch platform {
	case profile.PlatformRust:
		if frames[stack[0]].Function == rustProfilerFrame {
			stack = stack[2:]
		}
		if len(stack) >= 2 && frames[stack[len(stack)-2]].Function == "" {
			stack = stack[:len(stack)-2]
		}
	case profile.PlatformCocoa:
		if frames[stack[len(stack)-1]].InstructionAddr == cocoaUnsymbolicatableAddr {
			stack = stack[:len(stack)-2]
		}
	}
	return stack
}

// applyLegacyResults writes symbolicated stacktraces back onto a legacy
// profile's samples and renames the body to mark it processed.
func applyLegacyResults(p *profile.Profile, stacktraces []symbolicator.Stacktrace, platform profile.Platform) {
	switch platform {
	case profile.PlatformRust:
		for i := range stacktraces {
			if i >= len(p.SampledProfile.Samples) {
				break
			}
			frames := stacktraces[i].Frames
			for fi := range frames {
				frames[fi].PreContext = nil
				frames[fi].ContextLine = nil
				frames[fi].PostContext = nil
			}
			if len(frames) > 1 && frames[0].Function == rustProfilerFrame {
				frames = frames[2:]
			}
			p.SampledProfile.Samples[i].Frames = frames
		}
	case profile.PlatformCocoa:
		for i := range stacktraces {
			if i >= len(p.SampledProfile.Samples) {
				break
			}
			frames := stacktraces[i].Frames
			if len(frames) > 1 && frames[len(frames)-1].InstructionAddr == cocoaUnsymbolicatableAddr {
				frames = frames[:len(frames)-2]
			}
			p.SampledProfile.Samples[i].Frames = frames
		}
	}
}

// imagesForPlatform selects the debug images relevant to a sub-platform's
// symbolication pass.
func imagesForPlatform(p *profile.Profile, platform profile.Platform) []profile.DebugImage {
	if platform.IsJS() {
		return lo.Filter(p.Images(), func(img profile.DebugImage, _ int) bool {
			return img.Type() == "sourcemap"
		})
	}
	return lo.Filter(p.Images(), func(img profile.DebugImage, _ int) bool {
		return isNativeImage(img)
	})
}

func isNativeImage(img profile.DebugImage) bool {
	switch img.Type() {
	case "apple", "macho", "elf", "pe", "wasm", "symbolic":
		return true
	case "sourcemap", "proguard":
		return false
	}
	// images without an explicit type still count when they carry a native
	// debug identifier
	if _, ok := img["debug_id"]; ok {
		return true
	}
	_, ok := img["uuid"]
	return ok
}

// profilePlatforms lists the platforms contributing frames to the profile:
// the root platform, plus cocoa for JS-rooted sample profiles embedding
// native frames (react-native).
func profilePlatforms(p *profile.Profile) []profile.Platform {
	platforms := []profile.Platform{p.Platform}
	if p.Version != profile.VersionLegacy && p.Platform.IsJS() && p.Inner != nil {
		for _, f := range p.Inner.Frames {
			if f.Platform == profile.PlatformCocoa {
				platforms = append(platforms, profile.PlatformCocoa)
				break
			}
		}
	}
	return platforms
}
