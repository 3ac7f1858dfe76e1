package model

// PolicyRule binds a traffic class to a primary/secondary interface pair and
// the latency threshold that governs switching between them.
//
// BandwidthThresholdMbps is recorded for scenario compatibility but is not
// consulted by the path-selection transition logic; switching decisions are
// latency-only.
type PolicyRule struct {
	Class                  TrafficClass
	LatencyThresholdMs     float64
	BandwidthThresholdMbps float64
	Primary                IfaceID
	Secondary              IfaceID

	// Current is the interface the class is presently bound to. It is
	// mutated only by the path-selection controller.
	Current IfaceID
}

// OnPrimary reports whether the rule is in its initial (primary) state.
func (r *PolicyRule) OnPrimary() bool {
	return r.Current == r.Primary
}
