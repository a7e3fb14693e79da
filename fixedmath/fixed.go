// Package fixedmath collects the fixed-point primitives shared by the
// oracle and vault packages. Prices use Q96 (integers scaled by 2^96)
// while interest indexes use ray (1e27) precision.
package fixedmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// Ray is the 1e27 scaling constant used for interest indexes and rates.
	Ray = mustBigInt("1000000000000000000000000000")
	// HalfRay is used for half-up rounding of ray products.
	HalfRay = new(big.Int).Rsh(Ray, 1)
	// Q96 is the 2^96 scaling constant used for prices.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)
	// Q192 is Q96 squared, the scale of a squared sqrt price.
	Q192 = new(big.Int).Lsh(big.NewInt(1), 192)

	basisPoints = big.NewInt(10_000)
)

// ErrDivisionByZero is returned by the checked division helpers.
var ErrDivisionByZero = errors.New("fixedmath: division by zero")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// RayMul multiplies two ray-scaled values with half-up rounding.
func RayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, HalfRay)
	product.Quo(product, Ray)
	return product
}

// RayDiv divides a by b at ray precision with half-up rounding.
func RayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	numerator.Add(numerator, halfUp(b))
	numerator.Quo(numerator, b)
	return numerator
}

// MulDiv computes a*b/denominator with full intermediate precision,
// rounding toward zero. The denominator must be non-zero.
func MulDiv(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, denominator), nil
}

// MulDivRoundingUp computes a*b/denominator rounding away from zero for
// positive operands. The denominator must be non-zero.
func MulDivRoundingUp(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, denominator, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo, nil
}

// BpsMul applies a basis-point fraction to an amount, rounding toward zero.
func BpsMul(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

// SqrtX96 returns the square root of a Q192-scaled value as a Q96 value.
// Because sqrt(x * 2^192) = sqrt(x) * 2^96 this preserves the price scale.
func SqrtX96(priceX192 *big.Int) *big.Int {
	if priceX192 == nil || priceX192.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Sqrt(priceX192)
}

// WrappingSub256 subtracts b from a modulo 2^256. Fee-growth accounting
// relies on the same modular wraparound as the underlying AMM, so the
// wrap here is intentional rather than an overflow accident.
func WrappingSub256(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	out.Sub(a, b)
	return out
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
