package domain

// QualityTier is one of the fixed encoding tiers a producer can run at.
// Ordering is monotonic: TierHigh > TierMedium > TierLow.
type QualityTier int

const (
	TierLow QualityTier = iota
	TierMedium
	TierHigh
)

func (t QualityTier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	}
	return "unknown"
}

// TierParams is the encoder parameter triple of one quality tier.
type TierParams struct {
	MaxBitrate   int // bits per second
	SpatialScale int // resolution downscale factor
	MaxFramerate int // frames per second
}

// TierTable maps each tier to its encoder parameters.
type TierTable map[QualityTier]TierParams

// DefaultTiers are the fixed encoding tiers.
func DefaultTiers() TierTable {
	return TierTable{
		TierHigh:   {MaxBitrate: 2_500_000, SpatialScale: 1, MaxFramerate: 30},
		TierMedium: {MaxBitrate: 1_000_000, SpatialScale: 2, MaxFramerate: 24},
		TierLow:    {MaxBitrate: 500_000, SpatialScale: 4, MaxFramerate: 15},
	}
}
