// Package retrypolicy decides what to do with a unit after a rejected
// generation attempt. It is pure: callers pass the attempt count and the
// cascade's recommendation, and get back an action plus the model tier for
// the next attempt. All persistence happens in the executor.
package retrypolicy

import (
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/quality"
)

type Action string

const (
	// ActionRetry regenerates from scratch on the tier for the next attempt.
	ActionRetry Action = "retry"
	// ActionTargetedFix patches only the flagged sections instead of
	// regenerating the whole artifact. Chosen only when the generator
	// supports patching for the artifact kind.
	ActionTargetedFix Action = "targeted_fix"
	// ActionEscalateHuman parks the unit for manual review immediately,
	// regardless of remaining budget.
	ActionEscalateHuman Action = "escalate_human"
	// ActionGiveUp means the full retry budget across every tier is spent.
	ActionGiveUp Action = "give_up"
)

type Config struct {
	// RetriesPerTier is how many attempts run on each model tier before
	// escalating to the next one.
	RetriesPerTier int
}

func (c Config) withDefaults() Config {
	if c.RetriesPerTier <= 0 {
		c.RetriesPerTier = 2
	}
	return c
}

// Budget is the total attempt cap: every tier gets its full retry
// allocation, and the unit gives up at exactly this count.
func (c Config) Budget() int {
	c = c.withDefaults()
	return c.RetriesPerTier * len(domain.Tiers())
}

type Decision struct {
	Action Action
	// NextTier is the model tier for the next attempt. Meaningless for
	// ActionGiveUp and ActionEscalateHuman.
	NextTier domain.ModelTier
}

// TierFor maps an attempt number (1-based) to the model tier it runs on.
// Attempts beyond the budget stay on the largest tier; the executor should
// never get there, but a stable answer beats a panic.
func TierFor(attemptNumber int, cfg Config) domain.ModelTier {
	cfg = cfg.withDefaults()
	tiers := domain.Tiers()
	idx := (attemptNumber - 1) / cfg.RetriesPerTier
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}

// Decide picks the next action after a rejected attempt.
//
// attemptsMade is the number of attempts already completed for the unit. The
// escalate_human recommendation always wins; otherwise the budget is
// checked, then the tier ladder, then whether a targeted fix is possible.
func Decide(attemptsMade int, rec quality.Recommendation, supportsPatch bool, cfg Config) Decision {
	cfg = cfg.withDefaults()

	if rec == quality.RecommendEscalateHuman {
		return Decision{Action: ActionEscalateHuman}
	}
	if attemptsMade >= cfg.Budget() {
		return Decision{Action: ActionGiveUp}
	}

	next := TierFor(attemptsMade+1, cfg)
	if rec == quality.RecommendTargetedFix && supportsPatch {
		return Decision{Action: ActionTargetedFix, NextTier: next}
	}
	return Decision{Action: ActionRetry, NextTier: next}
}
