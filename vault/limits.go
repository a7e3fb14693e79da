package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/fixedmath"
)

const secondsPerDay = 86_400

// SetLimits configures the global caps, daily increase minimums and
// minimum loan size. Nil caps mean unlimited; a zero cap closes the
// corresponding flow entirely.
func (e *Engine) SetLimits(caller common.Address, globalLend, globalDebt, dailyLendMin, dailyDebtMin, minLoanSize *big.Int) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	e.globalLendLimit = cloneIntOrNil(globalLend)
	e.globalDebtLimit = cloneIntOrNil(globalDebt)
	e.dailyLendIncreaseMin = cloneIntOrNil(dailyLendMin)
	e.dailyDebtIncreaseMin = cloneIntOrNil(dailyDebtMin)
	if minLoanSize != nil {
		e.minLoanSize = new(big.Int).Set(minLoanSize)
	}
	return nil
}

// SetDailyIncreaseBps configures the share of current lent assets
// granted as the daily allowance when a new window opens.
func (e *Engine) SetDailyIncreaseBps(caller common.Address, bps uint64) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if bps > 10_000 {
		return ErrInvalidAmount
	}
	e.dailyIncreaseBps = bps
	return nil
}

// ZeroLimits closes all growth limits immediately. Callable by the
// emergency admin as well as the owner so a response does not wait on
// the full governance path.
func (e *Engine) ZeroLimits(caller common.Address) error {
	if caller != e.owner && (e.emergencyAdmin == common.Address{} || caller != e.emergencyAdmin) {
		return ErrUnauthorized
	}
	zero := big.NewInt(0)
	e.globalLendLimit = new(big.Int).Set(zero)
	e.globalDebtLimit = new(big.Int).Set(zero)
	e.dailyLendIncreaseMin = new(big.Int).Set(zero)
	e.dailyDebtIncreaseMin = new(big.Int).Set(zero)
	e.logf("limits zeroed", "caller", caller.Hex())
	return nil
}

// dailyWindowStart aligns a unix timestamp to its UTC day boundary.
func dailyWindowStart(nowSec uint64) uint64 {
	return nowSec - nowSec%secondsPerDay
}

// dailyAllowance computes the allowance granted when a window opens: the
// larger of the configured daily minimum and the bps share of current
// lent assets, so a growing vault is not stuck at a fixed increment.
func (e *Engine) dailyAllowance(minimum *big.Int, lent *big.Int) *big.Int {
	allowance := fixedmath.BpsMul(lent, e.dailyIncreaseBps)
	if minimum != nil && allowance.Cmp(minimum) < 0 {
		allowance = new(big.Int).Set(minimum)
	}
	return allowance
}

// consumeDailyLend charges the lend increase against the current UTC
// window, rolling the window forward first when it has lapsed. A nil
// daily minimum disables the limiter, matching the nil-cap convention.
func (e *Engine) consumeDailyLend(market *Market, amount *big.Int) error {
	if e.dailyLendIncreaseMin == nil {
		return nil
	}
	ws := dailyWindowStart(uint64(e.currentTime().Unix()))
	if market.DailyLendWindowStart != ws {
		market.DailyLendWindowStart = ws
		market.DailyLendLeft = e.dailyAllowance(e.dailyLendIncreaseMin, market.LentAssets())
	}
	if market.DailyLendLeft.Cmp(amount) < 0 {
		return ErrDailyLendLimit
	}
	market.DailyLendLeft = new(big.Int).Sub(market.DailyLendLeft, amount)
	return nil
}

// restoreDailyLend credits a withdrawal back to the current window so
// round-tripping funds does not consume allowance.
func (e *Engine) restoreDailyLend(market *Market, amount *big.Int) {
	if e.dailyLendIncreaseMin == nil {
		return
	}
	ws := dailyWindowStart(uint64(e.currentTime().Unix()))
	if market.DailyLendWindowStart != ws {
		return
	}
	market.DailyLendLeft = new(big.Int).Add(market.DailyLendLeft, amount)
}

// consumeDailyDebt charges the debt increase against the current UTC
// window. A nil daily minimum disables the limiter.
func (e *Engine) consumeDailyDebt(market *Market, amount *big.Int) error {
	if e.dailyDebtIncreaseMin == nil {
		return nil
	}
	ws := dailyWindowStart(uint64(e.currentTime().Unix()))
	if market.DailyDebtWindowStart != ws {
		market.DailyDebtWindowStart = ws
		market.DailyDebtLeft = e.dailyAllowance(e.dailyDebtIncreaseMin, market.LentAssets())
	}
	if market.DailyDebtLeft.Cmp(amount) < 0 {
		return ErrDailyDebtLimit
	}
	market.DailyDebtLeft = new(big.Int).Sub(market.DailyDebtLeft, amount)
	return nil
}

func cloneIntOrNil(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
