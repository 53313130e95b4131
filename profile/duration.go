package profile

// maxDurationMS caps the duration billed for a v1 profile. Anything longer is
// a runaway transaction and gets clamped.
const maxDurationMS = 30_000

// DurationMS computes the billable duration of the profile in milliseconds,
// per schema version. It returns 0 whenever no meaningful duration can be
// derived, in which case no duration outcome should be emitted.
func (p *Profile) DurationMS() int64 {
	switch p.Version {
	case VersionV1:
		return p.durationV1()
	case VersionV2:
		return p.durationV2()
	}
	if p.Platform == PlatformAndroid {
		return int64(p.DurationNS / 1e6)
	}
	return 0
}

func (p *Profile) durationV1() int64 {
	var durationNS int64
	if p.Transaction != nil {
		durationNS = int64(p.Transaction.RelativeEndNS) - int64(p.Transaction.RelativeStartNS)
	}
	// The transaction span bounds are unreliable on some SDKs. Fall back to
	// the sample timestamps when they yield a non-positive duration.
	if durationNS <= 0 {
		first, last, ok := p.sampleSpanNS()
		if !ok {
			return 0
		}
		durationNS = int64(last) - int64(first)
	}
	durationMS := durationNS / 1e6
	if durationMS > maxDurationMS {
		return maxDurationMS
	}
	return durationMS
}

func (p *Profile) sampleSpanNS() (first, last uint64, ok bool) {
	if p.Inner == nil || len(p.Inner.Samples) < 2 {
		return 0, 0, false
	}
	first, last = p.Inner.Samples[0].ElapsedSinceStartNS, p.Inner.Samples[0].ElapsedSinceStartNS
	for _, s := range p.Inner.Samples[1:] {
		if s.ElapsedSinceStartNS < first {
			first = s.ElapsedSinceStartNS
		}
		if s.ElapsedSinceStartNS > last {
			last = s.ElapsedSinceStartNS
		}
	}
	return first, last, true
}

func (p *Profile) durationV2() int64 {
	if p.Inner == nil || len(p.Inner.Samples) < 2 {
		return 0
	}
	minTS, maxTS := p.Inner.Samples[0].Timestamp, p.Inner.Samples[0].Timestamp
	for _, s := range p.Inner.Samples[1:] {
		if s.Timestamp < minTS {
			minTS = s.Timestamp
		}
		if s.Timestamp > maxTS {
			maxTS = s.Timestamp
		}
	}
	return int64((maxTS - minTS) * 1e3)
}
