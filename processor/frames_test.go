package processor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacktrail/stacktrail/processor/internal/symbolicator"
	"github.com/stacktrail/stacktrail/profile"
)

func intPtr(v int) *int { return &v }

func stacktraceOf(frames []profile.Frame) []symbolicator.Stacktrace {
	return []symbolicator.Stacktrace{{Frames: frames}}
}

func TestFrameIndexMap(t *testing.T) {
	frames := []profile.Frame{
		{Function: "inlined", OriginalIndex: intPtr(0)},
		{Function: "caller", OriginalIndex: intPtr(0)},
		{Function: "other", OriginalIndex: intPtr(1)},
		{Function: "bare"},
	}
	m := frameIndexMap(frames)
	require.Equal(t, []int{0, 1}, m[0])
	require.Equal(t, []int{2}, m[1])
	require.Equal(t, []int{3}, m[3])
}

func TestPrepareFramesNative(t *testing.T) {
	p := &profile.Profile{
		Platform: profile.PlatformCocoa,
		Version:  profile.VersionV1,
		Inner: &profile.Body{
			Frames: []profile.Frame{
				{Function: "leafFn", InstructionAddr: "0x10"},
				{Function: "rootFn", InstructionAddr: "0x20"},
			},
			Stacks: []profile.Stack{{0, 1}, {1, 0}},
		},
	}
	batch := prepareFrames(p, profile.PlatformCocoa, nil)

	// each stack got its leaf deep-copied with address adjustment disabled
	require.Len(t, p.Inner.Frames, 4)
	require.Equal(t, 2, p.Inner.Stacks[0][0])
	require.Equal(t, 3, p.Inner.Stacks[1][0])
	require.NotNil(t, p.Inner.Frames[2].AdjustInstructionAddr)
	require.False(t, *p.Inner.Frames[2].AdjustInstructionAddr)
	require.Nil(t, p.Inner.Frames[0].AdjustInstructionAddr)
	require.Equal(t, "leafFn", p.Inner.Frames[2].Function)
	require.Equal(t, "rootFn", p.Inner.Frames[3].Function)

	// the whole frame array travels in one stacktrace
	require.Len(t, batch.stacktraces, 1)
	require.Len(t, batch.stacktraces[0].Frames, 4)
	require.Empty(t, batch.framesSent)
}

func TestPrepareFramesLegacy(t *testing.T) {
	p := &profile.Profile{
		Platform: profile.PlatformCocoa,
		Version:  profile.VersionLegacy,
		SampledProfile: &profile.Body{
			Samples: []profile.Sample{
				{Frames: []profile.Frame{{Function: "a"}, {Function: "b"}}},
				{Frames: []profile.Frame{{Function: "c"}}},
			},
		},
	}
	batch := prepareFrames(p, profile.PlatformCocoa, nil)

	require.Len(t, batch.stacktraces, 2)
	require.False(t, *batch.stacktraces[0].Frames[0].AdjustInstructionAddr)
	require.Nil(t, batch.stacktraces[0].Frames[1].AdjustInstructionAddr)
	require.Empty(t, batch.framesSent)
}

func TestPrepareFramesJS(t *testing.T) {
	p := &profile.Profile{
		Platform: profile.PlatformJavaScript,
		Version:  profile.VersionV1,
		Inner: &profile.Body{
			Frames: []profile.Frame{
				{Function: "app", AbsPath: "/app/index.js", Lineno: intPtr(10)},
				{Function: "builtin", AbsPath: "native"},
				{Function: "anon", Filename: "<anonymous>", Lineno: intPtr(1)},
				{Function: "noline", AbsPath: "/app/util.js"},
			},
		},
	}
	batch := prepareFrames(p, profile.PlatformJavaScript, nil)

	require.Len(t, batch.stacktraces, 1)
	require.Len(t, batch.stacktraces[0].Frames, 1)
	require.Equal(t, "app", batch.stacktraces[0].Frames[0].Function)
	require.Equal(t, map[int]struct{}{0: {}}, batch.framesSent)
}

func TestPrepareFramesJSNoLeafCopies(t *testing.T) {
	// sourcemap resolution works on the filtered subset alone: the frame
	// array and the stacks must come out untouched, with no duplicated leaves
	p := &profile.Profile{
		Platform: profile.PlatformJavaScript,
		Version:  profile.VersionV1,
		Inner: &profile.Body{
			Frames: []profile.Frame{
				{Function: "leaf", AbsPath: "/app/index.js", Lineno: intPtr(3)},
				{Function: "root", AbsPath: "/app/main.js", Lineno: intPtr(1)},
			},
			Stacks: []profile.Stack{{0, 1}},
		},
	}
	batch := prepareFrames(p, profile.PlatformJavaScript, nil)

	require.Len(t, p.Inner.Frames, 2)
	require.Equal(t, profile.Stack{0, 1}, p.Inner.Stacks[0])
	require.Len(t, batch.stacktraces[0].Frames, 2)
	require.Equal(t, map[int]struct{}{0: {}, 1: {}}, batch.framesSent)
	for _, f := range p.Inner.Frames {
		require.Nil(t, f.AdjustInstructionAddr)
	}
}

func TestApplySampleResultsWholesale(t *testing.T) {
	p := &profile.Profile{
		Platform: profile.PlatformCocoa,
		Version:  profile.VersionV1,
		Inner: &profile.Body{
			Frames: []profile.Frame{
				{Function: "raw0", InstructionAddr: "0x10"},
				{Function: "raw1", InstructionAddr: "0x20"},
			},
			Stacks: []profile.Stack{{0, 1}},
		},
	}
	symbolicated := []profile.Frame{
		{Function: "inlined", OriginalIndex: intPtr(0)},
		{Function: "sym0", OriginalIndex: intPtr(0)},
		{Function: "sym1", OriginalIndex: intPtr(1)},
	}

	applySampleResults(p, stacktraceOf(symbolicated), nil, profile.PlatformCocoa)

	require.Len(t, p.Inner.Frames, 3)
	require.Equal(t, profile.Stack{0, 1, 2}, p.Inner.Stacks[0])
}

func TestApplySampleResultsSubsetSplice(t *testing.T) {
	p := &profile.Profile{
		Platform: profile.PlatformJavaScript,
		Version:  profile.VersionV1,
		Inner: &profile.Body{
			Frames: []profile.Frame{
				{Function: "sent0"},
				{Function: "kept"},
				{Function: "sent1"},
			},
			Stacks: []profile.Stack{{2, 1, 0}},
		},
	}
	framesSent := map[int]struct{}{0: {}, 2: {}}
	symbolicated := []profile.Frame{
		{Function: "sent0.inlined", OriginalIndex: intPtr(0)},
		{Function: "sent0.sym", OriginalIndex: intPtr(0)},
		{Function: "sent1.sym", OriginalIndex: intPtr(1)},
	}

	applySampleResults(p, stacktraceOf(symbolicated), framesSent, profile.PlatformJavaScript)

	require.Len(t, p.Inner.Frames, 4)
	require.Equal(t, "sent0.inlined", p.Inner.Frames[0].Function)
	require.Equal(t, "sent0.sym", p.Inner.Frames[1].Function)
	require.Equal(t, "kept", p.Inner.Frames[2].Function)
	require.Equal(t, "sent1.sym", p.Inner.Frames[3].Function)
	require.Equal(t, profile.Stack{3, 2, 0, 1}, p.Inner.Stacks[0])
}

func TestTruncateStack(t *testing.T) {
	t.Run("rust profiler prologue", func(t *testing.T) {
		frames := []profile.Frame{
			{Function: rustProfilerFrame},
			{Function: "libc_sigaction"},
			{Function: "work"},
			{Function: "main"},
		}
		got := truncateStack(profile.PlatformRust, frames, profile.Stack{0, 1, 2, 3})
		require.Equal(t, profile.Stack{2, 3}, got)
	})

	t.Run("rust trailing unknown pair", func(t *testing.T) {
		frames := []profile.Frame{
			{Function: "work"},
			{Function: ""},
			{Function: "start"},
		}
		got := truncateStack(profile.PlatformRust, frames, profile.Stack{0, 1, 2})
		require.Equal(t, profile.Stack{0}, got)
	})

	t.Run("cocoa sentinel root", func(t *testing.T) {
		frames := []profile.Frame{
			{Function: "work", InstructionAddr: "0x10"},
			{Function: "thread_start", InstructionAddr: "0x20"},
			{InstructionAddr: cocoaUnsymbolicatableAddr},
		}
		got := truncateStack(profile.PlatformCocoa, frames, profile.Stack{0, 1, 2})
		require.Equal(t, profile.Stack{0}, got)
	})

	t.Run("untouched", func(t *testing.T) {
		frames := []profile.Frame{{Function: "a"}, {Function: "b"}}
		got := truncateStack(profile.PlatformCocoa, frames, profile.Stack{0, 1})
		require.Equal(t, profile.Stack{0, 1}, got)
	})
}

func TestApplyLegacyResults(t *testing.T) {
	t.Run("rust strips context and prologue", func(t *testing.T) {
		ctx := "line"
		p := &profile.Profile{
			Platform:       profile.PlatformRust,
			SampledProfile: &profile.Body{Samples: []profile.Sample{{}}},
		}
		stacktraces := stacktraceOf([]profile.Frame{
			{Function: rustProfilerFrame, ContextLine: &ctx, PreContext: []string{"a"}},
			{Function: "libc_sigaction"},
			{Function: "work", PostContext: []string{"b"}},
		})
		applyLegacyResults(p, stacktraces, profile.PlatformRust)

		frames := p.SampledProfile.Samples[0].Frames
		require.Len(t, frames, 1)
		require.Equal(t, "work", frames[0].Function)
		require.Nil(t, frames[0].PostContext)
	})

	t.Run("cocoa drops sentinel pair", func(t *testing.T) {
		p := &profile.Profile{
			Platform:       profile.PlatformCocoa,
			SampledProfile: &profile.Body{Samples: []profile.Sample{{}}},
		}
		stacktraces := stacktraceOf([]profile.Frame{
			{Function: "work"},
			{Function: "thread_start"},
			{InstructionAddr: cocoaUnsymbolicatableAddr},
		})
		applyLegacyResults(p, stacktraces, profile.PlatformCocoa)
		require.Len(t, p.SampledProfile.Samples[0].Frames, 1)
	})
}

func TestImagesForPlatform(t *testing.T) {
	p := &profile.Profile{
		DebugMeta: &profile.DebugMeta{Images: []profile.DebugImage{
			{"type": "macho", "debug_id": "a"},
			{"type": "sourcemap", "debug_id": "b"},
			{"type": "proguard", "uuid": "c"},
			{"debug_id": "d"},
		}},
	}
	native := imagesForPlatform(p, profile.PlatformCocoa)
	require.Len(t, native, 2)
	require.Equal(t, "macho", native[0].Type())

	js := imagesForPlatform(p, profile.PlatformJavaScript)
	require.Len(t, js, 1)
	require.Equal(t, "sourcemap", js[0].Type())
}

func TestProfilePlatforms(t *testing.T) {
	t.Run("root only", func(t *testing.T) {
		p := &profile.Profile{Platform: profile.PlatformRust, Version: profile.VersionV1}
		require.Equal(t, []profile.Platform{profile.PlatformRust}, profilePlatforms(p))
	})

	t.Run("js with embedded cocoa frames", func(t *testing.T) {
		p := &profile.Profile{
			Platform: profile.PlatformJavaScript,
			Version:  profile.VersionV1,
			Inner: &profile.Body{Frames: []profile.Frame{
				{Function: "js"},
				{Function: "native", Platform: profile.PlatformCocoa, InstructionAddr: "0x1"},
			}},
		}
		require.Equal(t,
			[]profile.Platform{profile.PlatformJavaScript, profile.PlatformCocoa},
			profilePlatforms(p))
	})
}
