package grid

import (
	"context"
	"math"
)

// Action is the coordinator's per-cycle nudge to one worker.
type Action int

const (
	ActionHold              Action = iota // 0: no change
	ActionMoreLevels                      // 1: +20% levels
	ActionFewerLevels                     // 2: -20% levels
	ActionWiderSpacing                    // 3: +25% spacing
	ActionTighterSpacing                  // 4: -25% spacing
	ActionBiasBullish                     // 5: shift center up half a step, bias buys
	ActionBiasBearish                     // 6: shift center down half a step, bias sells
	ActionReset                           // 7: restore allocation defaults, recenter
	ActionAggressiveBullish               // 8: more levels + bullish bias + bigger orders
	ActionAggressiveBearish               // 9: more levels + bearish bias + bigger orders
)

// Valid reports whether the action is in the known range.
func (a Action) Valid() bool { return a >= ActionHold && a <= ActionAggressiveBearish }

func (a Action) String() string {
	names := [...]string{
		"hold", "more_levels", "fewer_levels", "wider_spacing", "tighter_spacing",
		"bias_bullish", "bias_bearish", "reset", "aggressive_bullish", "aggressive_bearish",
	}
	if !a.Valid() {
		return "unknown"
	}
	return names[a]
}

// aggressiveBudgetBoost lifts the per-level notional cap for the
// aggressive actions.
const aggressiveBudgetBoost = 1.2

// tunables is a candidate parameter set produced by one action.
type tunables struct {
	levels      int
	spacing     float64
	bias        int
	budgetBoost float64
	center      float64
	rebuild     bool
}

// applyAction validates the action through a trial ladder build and
// adopts it only when the trial passes; invalid or unknown actions are
// ignored. ActionHold never touches the ladder.
func (e *Engine) applyAction(ctx context.Context, a Action, mark float64) {
	if a == ActionHold {
		return
	}
	if !a.Valid() {
		e.log.Warn().Int("action", int(a)).Msg("unknown tuning action ignored")
		return
	}

	e.mu.Lock()
	cand := tunables{
		levels:      e.levels,
		spacing:     e.spacing,
		bias:        e.bias,
		budgetBoost: e.budgetBoost,
	}
	if e.ladder != nil {
		cand.center = e.ladder.Center
	} else {
		cand.center = mark
	}
	defaults := e.defaults
	minLv, maxLv := e.cfg.MinLevels, e.cfg.MaxLevels
	e.mu.Unlock()

	switch a {
	case ActionMoreLevels:
		cand.levels = clampLevels(scaleLevels(cand.levels, 1.2), minLv, maxLv)
		cand.rebuild = true
	case ActionFewerLevels:
		cand.levels = clampLevels(scaleLevels(cand.levels, 0.8), minLv, maxLv)
		cand.rebuild = true
	case ActionWiderSpacing:
		cand.spacing *= 1.25
		cand.rebuild = true
	case ActionTighterSpacing:
		cand.spacing *= 0.75
		cand.rebuild = true
	case ActionBiasBullish:
		cand.center *= 1 + cand.spacing/2
		cand.bias = 1
		cand.rebuild = true
	case ActionBiasBearish:
		cand.center *= 1 - cand.spacing/2
		cand.bias = -1
		cand.rebuild = true
	case ActionReset:
		cand = tunables{
			levels:      defaults.levels,
			spacing:     defaults.spacing,
			bias:        0,
			budgetBoost: 1,
			center:      mark,
			rebuild:     true,
		}
	case ActionAggressiveBullish:
		cand.levels = clampLevels(scaleLevels(cand.levels, 1.2), minLv, maxLv)
		cand.center *= 1 + cand.spacing/2
		cand.bias = 1
		cand.budgetBoost = aggressiveBudgetBoost
		cand.rebuild = true
	case ActionAggressiveBearish:
		cand.levels = clampLevels(scaleLevels(cand.levels, 1.2), minLv, maxLv)
		cand.center *= 1 - cand.spacing/2
		cand.bias = -1
		cand.budgetBoost = aggressiveBudgetBoost
		cand.rebuild = true
	}

	if !cand.rebuild {
		return
	}

	// trial build before adopting anything
	trial := LadderParams{
		Info:      e.info,
		Center:    cand.center,
		Spacing:   cand.spacing,
		Levels:    cand.levels,
		MinLevels: minLv,
		Bias:      cand.bias,
		Budget:    e.alloc.AllocatedUSD * cand.budgetBoost,
	}
	if _, err := BuildLadder(trial); err != nil {
		e.log.Warn().Err(err).Str("action", a.String()).Msg("tuning action fails sizing, ignored")
		return
	}

	e.mu.Lock()
	e.levels = cand.levels
	e.spacing = cand.spacing
	e.bias = cand.bias
	e.budgetBoost = cand.budgetBoost
	e.mu.Unlock()

	if err := e.rebuildLadder(ctx, cand.center); err != nil {
		e.log.Warn().Err(err).Str("action", a.String()).Msg("ladder rebuild after tuning failed")
		return
	}
	e.log.Info().Str("action", a.String()).
		Int("levels", cand.levels).
		Float64("spacing", cand.spacing).
		Int("bias", cand.bias).
		Msg("tuning action applied")
}

func scaleLevels(levels int, factor float64) int {
	scaled := int(math.Round(float64(levels) * factor))
	if scaled == levels {
		// ±20% of a small grid must still move at least one level
		if factor > 1 {
			scaled++
		} else {
			scaled--
		}
	}
	return scaled
}

func clampLevels(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
