package domain

// ModelTier orders LLM models by capability and cost. Escalation walks the
// tier list upward after exhausting retries on a weaker tier.
type ModelTier string

const (
	TierSmall  ModelTier = "small"
	TierMedium ModelTier = "medium"
	TierLarge  ModelTier = "large"
)

// Tiers returns the escalation order, weakest first.
func Tiers() []ModelTier {
	return []ModelTier{TierSmall, TierMedium, TierLarge}
}
