package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rangevault/fixedmath"
)

// Pool exposes the state the oracle reads from a concentrated-liquidity
// pool: the current price, historical tick-cumulative observations and
// the fee-growth accumulators.
type Pool interface {
	Tokens() (token0, token1 common.Address)
	Fee() uint32
	Slot0() (sqrtPriceX96 *big.Int, tick int32, err error)
	Observe(secondsAgos []uint32) ([]int64, error)
	FeeGrowthGlobal() (fee0, fee1 *uint256.Int, err error)
	TickFeeGrowthOutside(tick int32) (fee0, fee1 *uint256.Int, err error)
}

// PoolFactory resolves the canonical pool for a token pair and fee tier.
type PoolFactory interface {
	Pool(token0, token1 common.Address, fee uint32) (Pool, error)
}

// PositionState is the live snapshot of a concentrated-liquidity
// position as reported by the position manager. It is transient and
// recomputed on every valuation, never persisted.
type PositionState struct {
	Token0               common.Address
	Token1               common.Address
	Fee                  uint32
	TickLower            int32
	TickUpper            int32
	Liquidity            *uint256.Int
	FeeGrowthInside0Last *uint256.Int
	FeeGrowthInside1Last *uint256.Int
	TokensOwed0          *big.Int
	TokensOwed1          *big.Int
}

// PositionManager is the custody collaborator holding position ids.
type PositionManager interface {
	Position(id uint64) (PositionState, error)
	OwnerOf(id uint64) (common.Address, error)
	TransferFrom(from, to common.Address, id uint64) error
	// Approve grants (or, with the zero address, revokes) per-id operator
	// rights used while a transformer restructures a position.
	Approve(operator common.Address, id uint64) error
}

// amountsForLiquidity converts a liquidity amount and tick range into
// token amounts at the supplied sqrt price. The price is the derived,
// cross-checked price rather than the pool's raw spot price, which is
// what makes the resulting valuation manipulation resistant.
func amountsForLiquidity(sqrtPriceX96 *big.Int, tickLower, tickUpper int32, liquidity *uint256.Int) (amount0, amount1 *big.Int, err error) {
	sqrtLower, err := TickToSqrtPriceX96(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := TickToSqrtPriceX96(tickUpper)
	if err != nil {
		return nil, nil, err
	}
	liq := liquidity.ToBig()
	amount0 = big.NewInt(0)
	amount1 = big.NewInt(0)
	if liq.Sign() == 0 {
		return amount0, amount1, nil
	}

	switch {
	case sqrtPriceX96.Cmp(sqrtLower) <= 0:
		amount0, err = amount0Delta(sqrtLower, sqrtUpper, liq)
	case sqrtPriceX96.Cmp(sqrtUpper) >= 0:
		amount1, err = amount1Delta(sqrtLower, sqrtUpper, liq)
	default:
		if amount0, err = amount0Delta(sqrtPriceX96, sqrtUpper, liq); err != nil {
			return nil, nil, err
		}
		amount1, err = amount1Delta(sqrtLower, sqrtPriceX96, liq)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

// amount0Delta = liquidity * Q96 * (sqrtB - sqrtA) / (sqrtB * sqrtA)
func amount0Delta(sqrtA, sqrtB *big.Int, liquidity *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	numerator := new(big.Int).Mul(liquidity, diff)
	numerator.Lsh(numerator, 96)
	denominator := new(big.Int).Mul(sqrtB, sqrtA)
	if denominator.Sign() == 0 {
		return nil, fixedmath.ErrDivisionByZero
	}
	return numerator.Quo(numerator, denominator), nil
}

// amount1Delta = liquidity * (sqrtB - sqrtA) / Q96
func amount1Delta(sqrtA, sqrtB *big.Int, liquidity *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	out := new(big.Int).Mul(liquidity, diff)
	return out.Rsh(out, 96), nil
}

// uncollectedFees computes the fee amounts the position has earned but
// not collected, from the fee-growth-outside checkpoints at its range
// boundaries versus the pool's global fee growth.
func uncollectedFees(pool Pool, pos PositionState, currentTick int32) (fees0, fees1 *big.Int, err error) {
	global0, global1, err := pool.FeeGrowthGlobal()
	if err != nil {
		return nil, nil, err
	}
	lower0, lower1, err := pool.TickFeeGrowthOutside(pos.TickLower)
	if err != nil {
		return nil, nil, err
	}
	upper0, upper1, err := pool.TickFeeGrowthOutside(pos.TickUpper)
	if err != nil {
		return nil, nil, err
	}

	inside0 := feeGrowthInside(global0, lower0, upper0, pos.TickLower, pos.TickUpper, currentTick)
	inside1 := feeGrowthInside(global1, lower1, upper1, pos.TickLower, pos.TickUpper, currentTick)

	fees0 = accruedFees(inside0, pos.FeeGrowthInside0Last, pos.Liquidity, pos.TokensOwed0)
	fees1 = accruedFees(inside1, pos.FeeGrowthInside1Last, pos.Liquidity, pos.TokensOwed1)
	return fees0, fees1, nil
}

// feeGrowthInside performs the three-way split on the current tick
// relative to the range. The subtractions wrap modulo 2^256 exactly like
// the underlying AMM's own accumulator arithmetic.
func feeGrowthInside(global, lowerOutside, upperOutside *uint256.Int, tickLower, tickUpper, currentTick int32) *uint256.Int {
	var below, above *uint256.Int
	if currentTick >= tickLower {
		below = lowerOutside
	} else {
		below = fixedmath.WrappingSub256(global, lowerOutside)
	}
	if currentTick < tickUpper {
		above = upperOutside
	} else {
		above = fixedmath.WrappingSub256(global, upperOutside)
	}
	inside := fixedmath.WrappingSub256(global, below)
	return fixedmath.WrappingSub256(inside, above)
}

func accruedFees(inside, insideLast, liquidity *uint256.Int, owed *big.Int) *big.Int {
	delta := fixedmath.WrappingSub256(inside, insideLast)
	total := new(big.Int).Mul(delta.ToBig(), liquidity.ToBig())
	total.Rsh(total, 128)
	if owed != nil {
		total.Add(total, owed)
	}
	return total
}
