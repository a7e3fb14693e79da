package vault

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/fixedmath"
	"rangevault/observability/metrics"
)

// LoanInfo computes the loan's current economics at virtual indexes:
// accrued debt, full and haircut collateral value, and the liquidation
// cost and value a liquidator would see right now.
func (e *Engine) LoanInfo(id uint64) (LoanInfo, error) {
	if e == nil || e.state == nil {
		return LoanInfo{}, errNilState
	}
	market, err := e.loadMarket()
	if err != nil {
		return LoanInfo{}, err
	}
	_, borrowIndex := e.virtualIndexes(market)

	loan, err := e.state.GetLoan(id)
	if err != nil {
		return LoanInfo{}, err
	}
	if loan == nil {
		return LoanInfo{}, ErrLoanNotFound
	}
	debt := assetsFromShares(loan.DebtShares, borrowIndex)

	valuation, err := e.oracle.Value(id, e.asset)
	if err != nil {
		return LoanInfo{}, err
	}
	fullValue, collateralValue, err := e.haircut(valuation)
	if err != nil {
		return LoanInfo{}, err
	}

	info := LoanInfo{
		Debt:             debt,
		FullValue:        fullValue,
		CollateralValue:  collateralValue,
		LiquidationCost:  big.NewInt(0),
		LiquidationValue: big.NewInt(0),
	}
	if debt.Sign() > 0 && debt.Cmp(collateralValue) > 0 {
		info.Liquidatable = true
		info.LiquidationCost, info.LiquidationValue = calculateLiquidation(debt, fullValue, collateralValue)
	}
	return info, nil
}

// Liquidate clears an unhealthy loan: the caller pays the liquidation
// cost and receives the full collateral position. When the collateral is
// worth less than the debt the cost is discounted to what is recoverable
// and the shortfall is socialized across lenders through the supply
// index, so liquidation always clears.
func (e *Engine) Liquidate(caller common.Address, id uint64) (cost, value *big.Int, err error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	market, err := e.loadMarket()
	if err != nil {
		return nil, nil, err
	}
	e.accrue(market)

	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, nil, err
	}
	if loan == nil {
		return nil, nil, ErrLoanNotFound
	}
	debt := assetsFromShares(loan.DebtShares, market.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, nil, ErrNoDebt
	}

	valuation, err := e.oracle.Value(id, e.asset)
	if err != nil {
		return nil, nil, err
	}
	fullValue, collateralValue, err := e.haircut(valuation)
	if err != nil {
		return nil, nil, err
	}
	if debt.Cmp(collateralValue) <= 0 {
		return nil, nil, ErrNotLiquidatable
	}

	cost, value = calculateLiquidation(debt, fullValue, collateralValue)

	// All remaining fallible reads run before any funds move.
	negShares := new(big.Int).Neg(loan.DebtShares)
	configs, err := e.shiftCollateralTotals(valuation.Token0, valuation.Token1, negShares, market.BorrowIndex, false)
	if err != nil {
		return nil, nil, err
	}

	if cost.Sign() > 0 {
		if err := e.token.Transfer(caller, e.vaultAddress, cost); err != nil {
			return nil, nil, err
		}
	}
	if err := e.positions.TransferFrom(e.vaultAddress, caller, id); err != nil {
		// A rejected liquidation moves zero funds: a failed seizure
		// refunds the payment.
		if cost.Sign() > 0 {
			if rerr := e.token.Transfer(e.vaultAddress, caller, cost); rerr != nil {
				return nil, nil, errors.Join(err, rerr)
			}
		}
		return nil, nil, err
	}
	market.Balance = new(big.Int).Add(market.Balance, cost)

	// The debt is written down in full; whatever the cost did not cover
	// is absorbed by lenders via the exchange rate.
	shortfall := new(big.Int).Sub(debt, cost)
	if shortfall.Sign() > 0 {
		e.socializeShortfall(market, shortfall)
	}
	market.TotalDebtShares = new(big.Int).Sub(market.TotalDebtShares, loan.DebtShares)

	if err := e.persistCollateralTotals(valuation.Token0, valuation.Token1, configs); err != nil {
		return nil, nil, err
	}
	if err := e.state.DeleteLoan(id); err != nil {
		return nil, nil, err
	}
	if err := e.state.RemoveOwnerLoan(loan.Owner, id); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, nil, err
	}

	metrics.Vault().ObserveLiquidation(shortfall.Sign() > 0)
	e.logf("loan liquidated",
		"id", id,
		"liquidator", caller.Hex(),
		"cost", cost.String(),
		"value", value.String(),
		"shortfall", shortfall.String(),
	)
	return cost, value, nil
}

// calculateLiquidation derives the liquidator's cost and the value
// received. The penalty interpolates between the minimum and maximum
// band with how far the debt has moved past the haircut collateral
// value toward the full value. The liquidator always receives the full
// collateral; the cost never exceeds the outstanding debt and never
// exceeds the collateral's full value.
func calculateLiquidation(debt, fullValue, collateralValue *big.Int) (cost, value *big.Int) {
	value = new(big.Int).Set(fullValue)
	if fullValue.Sign() <= 0 {
		// Nothing recoverable: the entire debt is a write-off.
		return big.NewInt(0), value
	}

	penaltyBps := uint64(MaxLiquidationPenaltyBps)
	if debt.Cmp(fullValue) < 0 {
		// 0 at the liquidation boundary (debt == collateralValue),
		// 1 when the debt has consumed the entire full value.
		span := new(big.Int).Sub(fullValue, collateralValue)
		if span.Sign() > 0 {
			progress := new(big.Int).Sub(debt, collateralValue)
			if progress.Sign() < 0 {
				progress = big.NewInt(0)
			}
			scaled := new(big.Int).Mul(progress, big.NewInt(MaxLiquidationPenaltyBps-MinLiquidationPenaltyBps))
			scaled.Quo(scaled, span)
			penaltyBps = MinLiquidationPenaltyBps + scaled.Uint64()
		}
	}

	cost = fixedmath.BpsMul(fullValue, 10_000-penaltyBps)
	if cost.Cmp(debt) > 0 {
		cost = new(big.Int).Set(debt)
	}
	return cost, value
}

// socializeShortfall writes the uncovered debt down against lenders by
// deflating the supply index.
func (e *Engine) socializeShortfall(market *Market, shortfall *big.Int) {
	lent := market.LentAssets()
	if lent.Sign() == 0 || market.TotalSupplyShares.Sign() == 0 {
		return
	}
	remaining := new(big.Int).Sub(lent, shortfall)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	scaled := new(big.Int).Mul(remaining, fixedmath.Ray)
	scaled.Quo(scaled, market.TotalSupplyShares)
	market.SupplyIndex = scaled
}
