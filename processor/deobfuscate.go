package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/stacktrail/stacktrail/processor/internal/proguard"
	"github.com/stacktrail/stacktrail/processor/internal/symbolicator"
	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/reporting"
	"github.com/stacktrail/stacktrail/tenant"
)

// deobfuscateProfile runs the deobfuscation stage for JVM-obfuscated
// platforms. A nil return means the pipeline proceeds, including when the
// remote strategy degrades to a no-op.
func (h *Handle) deobfuscateProfile(ctx context.Context, p *profile.Profile, project tenant.Project) error {
	if !p.Platform.Deobfuscates() || p.Deobfuscated {
		return nil
	}

	if p.Inner == nil {
		h.stat.NewTaggedStat("process_profile.missing_keys.profile", stats.CountType, stats.Tags{
			"platform": string(p.Platform),
		}).Increment()
		return nil
	}

	if err := h.deobfuscate(ctx, p, project); err != nil {
		h.captureError(err, p, "deobfuscate")
		h.stat.NewStat("process_profile.deobfuscate.error", stats.CountType).Increment()
		h.trackOutcome(ctx, p, reporting.OutcomeInvalid, reporting.ReasonFailedDeobfuscation)
		return errStageFailed
	}

	p.Deobfuscated = true
	return nil
}

func (h *Handle) deobfuscate(ctx context.Context, p *profile.Profile, project tenant.Project) error {
	methods := p.Inner.Methods

	// Without a mapping file reference there is nothing to remap, but human
	// readable signatures can still be produced.
	if p.BuildID == "" {
		for i := range methods {
			if methods[i].Signature == "" {
				continue
			}
			if sig, ok := proguard.DecodeSignature(methods[i].Signature, nil); ok {
				methods[i].Signature = sig.Format()
			}
		}
		return nil
	}

	if project.RemoteDeobfuscation {
		done, err := h.deobfuscateRemotely(ctx, p)
		if err != nil {
			// the remote path degrades to a no-op rather than failing the
			// profile: the methods ship obfuscated
			h.captureError(err, p, "deobfuscate")
			h.stat.NewStat("process_profile.deobfuscate.remote_degraded", stats.CountType).Increment()
			h.log.Warnn("remote deobfuscation degraded",
				logger.NewErrorField(err),
				logger.NewIntField("projectId", int64(p.ProjectID)))
			return nil
		}
		if !done {
			h.stat.NewStat("process_profile.deobfuscate.remote_degraded", stats.CountType).Increment()
		}
		return nil
	}

	return h.deobfuscateLocally(ctx, p, project.ID)
}

// deobfuscateRemotely hands the whole remap to the symbolication service's
// JVM endpoint. It reports done=false when the service replied without
// stacktraces, which callers treat as a degrade.
func (h *Handle) deobfuscateRemotely(ctx context.Context, p *profile.Profile) (bool, error) {
	id, err := uuid.Parse(p.BuildID)
	if err != nil {
		return false, fmt.Errorf("parsing build id %q: %w", p.BuildID, err)
	}

	methods := p.Inner.Methods
	frames := make([]symbolicator.JVMFrame, len(methods))
	for i := range methods {
		idx := i
		frames[i] = symbolicator.JVMFrame{
			Function: methods[i].Name,
			Module:   methods[i].ClassName,
			Index:    &idx,
		}
		if methods[i].SourceLine != nil {
			frames[i].Lineno = *methods[i].SourceLine
		}
	}

	resp, err := h.symbolicator.ProcessJVM(ctx, symbolicator.JVMRequest{
		Exceptions:  []any{},
		Stacktraces: []symbolicator.JVMStacktrace{{Frames: frames}},
		Modules: []profile.DebugImage{{
			"uuid": id.String(),
			"type": "proguard",
		}},
		ReleasePackage: p.TransactionMetadata["app.identifier"],
	})
	if err != nil {
		return false, err
	}
	if len(resp.Stacktraces) == 0 {
		if resp.Status != symbolicator.StatusCompleted {
			h.log.Warnn("jvm symbolication returned no stacktraces",
				logger.NewStringField("status", resp.Status),
				logger.NewStringField("message", resp.Message))
		}
		return false, nil
	}

	mergeJVMFrames(methods, resp.Stacktraces[0].Frames)
	return true, nil
}

// mergeJVMFrames copies remapped names back onto the methods they were
// produced from. Multiple frames sharing an index are an inlining chain,
// returned innermost first.
func mergeJVMFrames(methods []profile.Method, frames []symbolicator.JVMFrame) {
	byMethod := make(map[int][]symbolicator.JVMFrame)
	order := make([]int, 0, len(methods))
	for _, f := range frames {
		if f.Index == nil || *f.Index < 0 || *f.Index >= len(methods) {
			continue
		}
		if _, seen := byMethod[*f.Index]; !seen {
			order = append(order, *f.Index)
		}
		byMethod[*f.Index] = append(byMethod[*f.Index], f)
	}

	for _, idx := range order {
		chain := byMethod[idx]
		m := &methods[idx]
		outer := chain[len(chain)-1]

		m.ClassName = outer.Module
		m.Name = outer.Function
		if outer.Filename != "" {
			m.SourceFile = outer.Filename
		}
		if outer.Lineno != 0 {
			line := outer.Lineno
			m.SourceLine = &line
		}
		m.Data = profile.MethodData{DeobfuscationStatus: profile.DeobfuscationStatusDeobfuscated}

		if len(chain) == 1 {
			continue
		}
		inlines := make([]profile.InlineFrame, 0, len(chain))
		for _, f := range chain {
			inlines = append(inlines, profile.InlineFrame{
				ClassName:  f.Module,
				Name:       f.Function,
				SourceFile: f.Filename,
				SourceLine: f.Lineno,
				Data:       profile.MethodData{DeobfuscationStatus: profile.DeobfuscationStatusDeobfuscated},
			})
		}
		inlines[0].Data = m.Data
		inlines[0].Signature = m.Signature
		m.InlineFrames = inlines
	}
}

// deobfuscateLocally fetches the proguard mapping through the debug-file
// cache and remaps every method in place.
func (h *Handle) deobfuscateLocally(ctx context.Context, p *profile.Profile, projectID uint64) error {
	path, err := h.difs.Fetch(ctx, projectID, p.BuildID, []string{"mapping"})
	if err != nil {
		return fmt.Errorf("fetching mapping file: %w", err)
	}
	if path == "" {
		return nil
	}

	mapper, err := proguard.Open(path)
	if err != nil {
		return fmt.Errorf("opening mapping file: %w", err)
	}
	if !mapper.HasLineInfo() {
		return nil
	}

	methods := p.Inner.Methods
	for i := range methods {
		remapMethod(&methods[i], mapper)
	}
	return nil
}

func remapMethod(m *profile.Method, mapper *proguard.Mapper) {
	var (
		sig   proguard.Signature
		sigOK bool
	)
	if m.Signature != "" {
		if sig, sigOK = proguard.DecodeSignature(m.Signature, mapper); sigOK {
			m.Signature = sig.Format()
		}
	}

	var mapped []proguard.MappedFrame
	paramBased := false
	if m.SourceLine == nil && sigOK {
		// without a line number the only way to pick the right overload is
		// by parameter types
		mapped = mapper.RemapFrameParams(m.ClassName, m.Name, sig.ParamList())
		paramBased = true
	} else {
		line := 0
		if m.SourceLine != nil {
			line = *m.SourceLine
		}
		mapped = mapper.RemapFrame(m.ClassName, m.Name, line)
	}

	if len(mapped) == 0 {
		if class := mapper.RemapClass(m.ClassName); class != "" {
			m.ClassName = class
			m.Data = profile.MethodData{DeobfuscationStatus: profile.DeobfuscationStatusPartial}
		} else {
			m.Data = profile.MethodData{DeobfuscationStatus: profile.DeobfuscationStatusMissing}
		}
		return
	}

	outer := mapped[len(mapped)-1]
	m.ClassName = outer.ClassName
	m.Name = outer.Method
	if outer.File != "" {
		m.SourceFile = outer.File
	}
	if outer.Line != 0 {
		line := outer.Line
		m.SourceLine = &line
	}
	status := profile.DeobfuscationStatusPartial
	if m.Signature != "" {
		status = profile.DeobfuscationStatusDeobfuscated
	}
	m.Data = profile.MethodData{DeobfuscationStatus: status}

	// parameter-based matches carry no line ranges, so no inlining chain can
	// be reconstructed from them
	if paramBased || len(mapped) == 1 {
		return
	}

	inlines := make([]profile.InlineFrame, 0, len(mapped))
	for _, fr := range mapped {
		sourceFile := fr.File
		if sourceFile == "" && fr.ClassName == outer.ClassName {
			sourceFile = m.SourceFile
		}
		inlines = append(inlines, profile.InlineFrame{
			ClassName:  fr.ClassName,
			Name:       fr.Method,
			SourceFile: sourceFile,
			SourceLine: fr.Line,
			Data:       profile.MethodData{DeobfuscationStatus: profile.DeobfuscationStatusDeobfuscated},
		})
	}
	inlines[0].Data = m.Data
	inlines[0].Signature = m.Signature
	m.InlineFrames = inlines
}
