package capital

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

func ethInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:      "ETHUSDT",
		Venue:       types.VenueDerivatives,
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 5,
	}
}

func TestSizeOrderRoundsDownToStep(t *testing.T) {
	qty, err := SizeOrder(ethInfo(), 100, 1990, 0.25)
	require.NoError(t, err)
	// 25 USD at 1990 = 0.012562..., truncated to step
	assert.InDelta(t, 0.012, qty, 1e-9)
}

func TestSizeOrderBumpsToMinNotional(t *testing.T) {
	qty, err := SizeOrder(ethInfo(), 16, 1990, 0.25)
	require.NoError(t, err)
	// 4 USD target rounds to 0.002 (3.98 USD), below min notional 5;
	// bumped up to 0.003 (5.97 USD) which still fits the 16 USD budget
	assert.InDelta(t, 0.003, qty, 1e-9)
}

func TestSizeOrderBumpExceedingBudgetFails(t *testing.T) {
	_, err := SizeOrder(ethInfo(), 4, 1990, 1)
	require.Error(t, err)
	var sizeErr *SizeError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, ReasonExceedsBudget, sizeErr.Reason)
}

func TestSizeOrderRejectsBadInput(t *testing.T) {
	_, err := SizeOrder(ethInfo(), 0, 1990, 0.25)
	var sizeErr *SizeError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, ReasonBadInput, sizeErr.Reason)

	_, err = SizeOrder(ethInfo(), 100, -1, 0.25)
	require.Error(t, err)
}

func TestSizeOrderClipsToMaxQty(t *testing.T) {
	info := ethInfo()
	info.MaxQty = 0.005
	qty, err := SizeOrder(info, 100000, 1990, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, qty, 1e-9)
}

func TestRoundingHelpers(t *testing.T) {
	assert.InDelta(t, 1980.05, RoundToTick(1980.0495, 0.01), 1e-9)
	assert.InDelta(t, 2004.88, RoundToTick(2004.87525, 0.01), 1e-9)
	assert.InDelta(t, 0.012, RoundDownToStep(0.0129, 0.001), 1e-9)
	assert.InDelta(t, 0.013, RoundUpToStep(0.0121, 0.001), 1e-9)
	// zero tick passes through
	assert.Equal(t, 123.456, RoundToTick(123.456, 0))
}
