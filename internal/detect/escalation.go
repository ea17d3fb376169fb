package detect

// EscalationPolicy decides whether a fast-tier verdict is worth an LLM
// call. Pure: no I/O, no clock, no budget awareness. The budget is
// checked later by whoever makes the call.
type EscalationPolicy struct {
	Threshold float64
}

// ShouldEscalate is true iff the fast tier flagged the log and its
// score clears the configured threshold.
func (p EscalationPolicy) ShouldEscalate(v FastVerdict) bool {
	return v.IsAnomaly && v.Score >= p.Threshold
}
