// Package rates implements the utilization-driven interest rate curve
// consumed by the vault during interest accrual.
package rates

import (
	"errors"
	"math/big"

	"rangevault/fixedmath"
)

// SecondsPerYear converts annual rates into the per-second rates applied
// during accrual.
const SecondsPerYear = 31_536_000

var (
	errNilParameter = errors.New("rate model: parameters must be non-nil and non-negative")
	errInvalidKink  = errors.New("rate model: kink must be within (0, 100%]")
)

// Model is a kinked interest rate curve. All parameters are ray-scaled
// (1e27) fractions: a 5% multiplier is 0.05 * fixedmath.Ray. Below the
// kink the borrow rate grows linearly with utilization; at and above the
// kink the jump multiplier takes over for the excess utilization, with
// both branches agreeing exactly at the kink.
type Model struct {
	// BaseRate is the annual borrow rate at zero utilization.
	BaseRate *big.Int
	// Multiplier is the annual rate increase per unit of utilization
	// below the kink.
	Multiplier *big.Int
	// JumpMultiplier governs the additional annual rate applied to
	// utilization in excess of the kink.
	JumpMultiplier *big.Int
	// Kink is the utilization ratio where the curve slope changes.
	Kink *big.Int
}

// NewModel constructs a rate curve from ray-scaled fractions.
func NewModel(baseRate, multiplier, jumpMultiplier, kink *big.Int) *Model {
	return &Model{
		BaseRate:       cloneInt(baseRate),
		Multiplier:     cloneInt(multiplier),
		JumpMultiplier: cloneInt(jumpMultiplier),
		Kink:           cloneInt(kink),
	}
}

// FractionFromBps converts basis points into a ray-scaled fraction.
func FractionFromBps(bps uint64) *big.Int {
	out := new(big.Int).Mul(fixedmath.Ray, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(10_000))
}

// Validate checks the curve parameters for internal consistency.
func (m *Model) Validate() error {
	if m == nil || m.BaseRate == nil || m.Multiplier == nil || m.JumpMultiplier == nil || m.Kink == nil {
		return errNilParameter
	}
	if m.BaseRate.Sign() < 0 || m.Multiplier.Sign() < 0 || m.JumpMultiplier.Sign() < 0 {
		return errNilParameter
	}
	if m.Kink.Sign() <= 0 || m.Kink.Cmp(fixedmath.Ray) > 0 {
		return errInvalidKink
	}
	return nil
}

// Clone returns a deep copy of the model so prospective updates never
// mutate a curve the vault already accrued under.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	return NewModel(m.BaseRate, m.Multiplier, m.JumpMultiplier, m.Kink)
}

// Utilization computes debt / (debt + cash) as a ray fraction. It is
// defined as zero when both operands are zero and saturates at 100%
// when no cash remains.
func Utilization(cash, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return big.NewInt(0)
	}
	if cash == nil || cash.Sign() == 0 {
		return new(big.Int).Set(fixedmath.Ray)
	}
	total := new(big.Int).Add(cash, debt)
	return fixedmath.RayDiv(debt, total)
}

// AnnualBorrowRate evaluates the curve at the utilization implied by the
// supplied cash and debt amounts, returning a ray-scaled annual rate.
func (m *Model) AnnualBorrowRate(cash, debt *big.Int) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	utilization := Utilization(cash, debt)
	rate := cloneInt(m.BaseRate)
	if utilization.Cmp(m.Kink) <= 0 {
		return rate.Add(rate, fixedmath.RayMul(m.Multiplier, utilization))
	}
	rate.Add(rate, fixedmath.RayMul(m.Multiplier, m.Kink))
	excess := new(big.Int).Sub(utilization, m.Kink)
	return rate.Add(rate, fixedmath.RayMul(m.JumpMultiplier, excess))
}

// BorrowRatePerSecond derives the per-second borrow rate applied during
// accrual. The division by SecondsPerYear happens once, after the branch
// sum, so curve continuity at the kink survives the conversion.
func (m *Model) BorrowRatePerSecond(cash, debt *big.Int) *big.Int {
	annual := m.AnnualBorrowRate(cash, debt)
	return annual.Quo(annual, big.NewInt(SecondsPerYear))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
