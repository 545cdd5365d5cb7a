package inventory

import "math"

// Freshness is a normalized freshness score in [0,1], 1 being perfectly
// fresh. External scorers report on either a 0-1 or 0-100 scale; the value is
// converted exactly once, at the boundary where it enters the pipeline, via
// FreshnessFromModel.
type Freshness float64

// FreshnessFromModel normalizes a raw scorer output. Values above 1 are
// treated as percentages.
func FreshnessFromModel(raw float64) Freshness {
	if raw > 1.0 {
		raw = raw / 100.0
	}
	return Freshness(raw).Clamp()
}

// Clamp bounds the score to [0,1].
func (f Freshness) Clamp() Freshness {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Status is the freshness tier of an item.
type Status string

const (
	StatusFresh     Status = "fresh"
	StatusRipening  Status = "ripening"
	StatusClearance Status = "clearance"
)

const (
	// maxDiscount is the discount applied at zero freshness.
	maxDiscount = 75.0
	// curvePower shapes the discount curve; >1 discounts more aggressively
	// as freshness drops.
	curvePower = 1.5
)

// DiscountForFreshness maps a freshness score to a discount percentage in
// [0,75]. The mapping is pure and deterministic: discount increases
// monotonically as freshness decreases, with discount(1)=0 and
// discount(0)=75.
func DiscountForFreshness(f Freshness) float64 {
	score := float64(f.Clamp())
	discount := maxDiscount * (1 - math.Pow(score, curvePower))
	return round2(discount)
}

// StatusForFreshness maps a freshness score to its status tier. Tiers are
// keyed on freshness, not discount.
func StatusForFreshness(f Freshness) Status {
	switch {
	case f >= 0.6:
		return StatusFresh
	case f >= 0.2:
		return StatusRipening
	default:
		return StatusClearance
	}
}

// DiscountedPrice applies a discount percentage to the original price,
// rounded to cents.
func DiscountedPrice(originalPrice, discount float64) float64 {
	return round2(originalPrice * (1 - discount/100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
