package capital

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

// SizeReason classifies why an order could not be sized.
type SizeReason string

const (
	ReasonBadInput       SizeReason = "bad_input"
	ReasonBelowMinQty    SizeReason = "below_min_qty"
	ReasonExceedsBudget  SizeReason = "exceeds_budget"
	ReasonZeroAfterRound SizeReason = "zero_after_round"
)

// SizeError is a structured sizing failure.
type SizeError struct {
	Reason  SizeReason
	Symbol  string
	Message string
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("size %s: %s (%s)", e.Symbol, e.Message, e.Reason)
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).Round(0)
	out, _ := steps.Mul(t).Float64()
	return out
}

// RoundDownToStep truncates qty to a multiple of step.
func RoundDownToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// RoundUpToStep rounds qty up to a multiple of step.
func RoundUpToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Ceil()
	out, _ := steps.Mul(s).Float64()
	return out
}

// SizeOrder computes an executable quantity for one order: budget ×
// targetFraction worth at price, rounded down to step size, clipped to
// [min_qty, max_qty], then bumped up to reach min notional. A bump
// that pushes the order value past the budget is a structured failure.
func SizeOrder(info types.SymbolInfo, budget, price, targetFraction float64) (float64, error) {
	if price <= 0 || budget <= 0 || targetFraction <= 0 {
		return 0, &SizeError{
			Reason:  ReasonBadInput,
			Symbol:  info.Symbol,
			Message: fmt.Sprintf("budget=%.4f price=%.4f fraction=%.4f", budget, price, targetFraction),
		}
	}

	target := budget * targetFraction
	qty := RoundDownToStep(target/price, info.StepSize)

	if qty < info.MinQty {
		qty = RoundUpToStep(info.MinQty, info.StepSize)
	}
	if info.MaxQty > 0 && qty > info.MaxQty {
		qty = RoundDownToStep(info.MaxQty, info.StepSize)
	}
	if qty <= 0 {
		return 0, &SizeError{
			Reason:  ReasonZeroAfterRound,
			Symbol:  info.Symbol,
			Message: fmt.Sprintf("target %.8f at price %.4f rounds to zero", target, price),
		}
	}

	if info.MinNotional > 0 && qty*price < info.MinNotional {
		qty = RoundUpToStep(info.MinNotional/price, info.StepSize)
	}

	if notional := qty * price; notional > budget+1e-9 {
		return 0, &SizeError{
			Reason:  ReasonExceedsBudget,
			Symbol:  info.Symbol,
			Message: fmt.Sprintf("min-notional bump to %.8f (%.4f USD) exceeds budget %.4f", qty, notional, budget),
		}
	}
	if info.MinQty > 0 && qty < info.MinQty {
		return 0, &SizeError{
			Reason:  ReasonBelowMinQty,
			Symbol:  info.Symbol,
			Message: fmt.Sprintf("qty %.8f below venue minimum %.8f", qty, info.MinQty),
		}
	}
	return qty, nil
}
