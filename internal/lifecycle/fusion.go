package lifecycle

// FusionPolicy re-estimates confidence when a claim is re-observed.
type FusionPolicy interface {
	Fuse(existing, observed float64) float64
}

// NoisyOr treats observations as independent noisy signals:
// fused = 1 - (1-a)(1-b). Monotonic, commutative, and never leaves [0,1]
// for inputs in [0,1].
type NoisyOr struct{}

func (NoisyOr) Fuse(existing, observed float64) float64 {
	fused := 1 - (1-existing)*(1-observed)
	if fused < 0 {
		return 0
	}
	if fused > 1 {
		return 1
	}
	return fused
}

// MaxFusion keeps the strongest single observation. Useful when repeated
// extraction of the same turn should not inflate confidence.
type MaxFusion struct{}

func (MaxFusion) Fuse(existing, observed float64) float64 {
	if observed > existing {
		return observed
	}
	return existing
}
