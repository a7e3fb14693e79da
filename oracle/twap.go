package oracle

import (
	"math/big"

	"rangevault/fixedmath"
)

// Tick bounds of the underlying AMM's price grid.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// sqrtRatioMagic holds the Q128 multiplication constants used by the
// binary decomposition in TickToSqrtPriceX96. Entry i corresponds to bit
// i of the absolute tick value.
var sqrtRatioMagic = []string{
	"fffcb933bd6fad37aa2d162d1a594001",
	"fff97272373d413259a46990580e213a",
	"fff2e50f5f656932ef12357cf3c7fdcc",
	"ffe5caca7e10e4e61c3624eaa0941cd0",
	"ffcb9843d60f6159c9db58835c926644",
	"ff973b41fa98c081472e6896dfb254c0",
	"ff2ea16466c96a3843ec78b326b52861",
	"fe5dee046a99a2a811c461f1969c3053",
	"fcbe86c7900a88aedcffc83b479aa3a4",
	"f987a7253ac413176f2b074cf7815e54",
	"f3392b0822b70005940c7a398e4b70f3",
	"e7159475a2c29b7443b29c7fa6e889d9",
	"d097f3bdfd2022b8845ad8f792aa5825",
	"a9f746462d870fdf8a65dc1f90e061e5",
	"70d869a156d2a1b890bb3df62baf32f7",
	"31be135f97d08fd981231505542fcfa6",
	"9aa508b5b7a84e1c677de54f3e99bc9",
	"5d6af8dedb81196699c329225ee604",
	"2216e584f5fa1ea926041bedfe98",
	"48a170391f7dc42444e8fa2",
}

// TickToSqrtPriceX96 converts a tick coordinate into the corresponding
// sqrt price at Q96 scale.
func TickToSqrtPriceX96(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfRange
	}
	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(big.Int).Lsh(big.NewInt(1), 128)
	if absTick&1 != 0 {
		ratio, _ = new(big.Int).SetString(sqrtRatioMagic[0], 16)
	}
	for bit := 1; bit < len(sqrtRatioMagic); bit++ {
		if absTick&(1<<uint(bit)) != 0 {
			magic, _ := new(big.Int).SetString(sqrtRatioMagic[bit], 16)
			ratio.Mul(ratio, magic)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio = new(big.Int).Quo(maxUint256, ratio)
	}

	// Shift from Q128 to Q96, rounding up so round-tripping through the
	// tick grid never drifts below the grid line.
	sqrtPrice := new(big.Int).Rsh(ratio, 32)
	rem := new(big.Int).And(ratio, big.NewInt((1<<32)-1))
	if rem.Sign() != 0 {
		sqrtPrice.Add(sqrtPrice, big.NewInt(1))
	}
	return sqrtPrice, nil
}

// twapTick derives the geometric-mean tick of the pool over the
// configured window from two cumulative-tick observations. A zero window
// falls back to the instantaneous tick.
func twapTick(pool Pool, window uint32) (int32, error) {
	if window == 0 {
		_, tick, err := pool.Slot0()
		return tick, err
	}
	cumulatives, err := pool.Observe([]uint32{window, 0})
	if err != nil {
		return 0, err
	}
	if len(cumulatives) != 2 {
		return 0, ErrObservationUnavailable
	}
	delta := cumulatives[1] - cumulatives[0]
	tick := delta / int64(window)
	// Floor toward negative infinity: integer division in Go truncates
	// toward zero, which overstates negative averages by one tick.
	if delta < 0 && delta%int64(window) != 0 {
		tick--
	}
	if tick < int64(MinTick) || tick > int64(MaxTick) {
		return 0, ErrTickOutOfRange
	}
	return int32(tick), nil
}

// twapPrice reads the token's reference pool and returns the Q96 TWAP
// price of one token-wei in accounting-unit wei.
func (o *Oracle) twapPrice(cfg *TokenConfig) (*big.Int, error) {
	if cfg.Pool == nil {
		return nil, ErrNotConfigured
	}
	tick, err := twapTick(cfg.Pool, cfg.TwapWindow)
	if err != nil {
		return nil, err
	}
	sqrtPrice, err := TickToSqrtPriceX96(tick)
	if err != nil {
		return nil, err
	}
	priceX192 := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	price01X96 := new(big.Int).Quo(priceX192, fixedmath.Q96)
	if cfg.IsToken0 {
		return price01X96, nil
	}
	if price01X96.Sign() == 0 {
		return nil, ErrInvalidFeedAnswer
	}
	return new(big.Int).Quo(fixedmath.Q192, price01X96), nil
}
