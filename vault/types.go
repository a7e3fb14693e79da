package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/fixedmath"
)

// Loan binds a collateral position id to its debt share count and
// economic owner. The vault physically holds the position; the owner is
// tracked as metadata deciding who may act on it.
type Loan struct {
	ID         uint64
	Owner      common.Address
	DebtShares *big.Int
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{ID: l.ID, Owner: l.Owner}
	if l.DebtShares != nil {
		clone.DebtShares = new(big.Int).Set(l.DebtShares)
	}
	return clone
}

// Market is the vault's global accounting state. Indexes are ray scaled;
// amounts are denominated in accounting-unit wei.
type Market struct {
	// TotalSupplyShares is the outstanding fungible lend share count.
	TotalSupplyShares *big.Int
	// TotalDebtShares is the outstanding debt share count across loans.
	TotalDebtShares *big.Int
	// SupplyIndex converts lend shares to underlying assets.
	SupplyIndex *big.Int
	// BorrowIndex converts debt shares to owed assets.
	BorrowIndex *big.Int
	// Balance is the underlying amount physically held by the vault,
	// including accumulated reserves.
	Balance *big.Int
	// Reserves is the protocol's accumulated interest share.
	Reserves *big.Int
	// LastAccrual is the unix second the indexes were last advanced to.
	LastAccrual uint64

	// Rolling daily increase windows: (window start, remaining) pairs
	// recomputed on entry, never implicit shared clock state.
	DailyLendWindowStart uint64
	DailyLendLeft        *big.Int
	DailyDebtWindowStart uint64
	DailyDebtLeft        *big.Int
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := &Market{
		LastAccrual:          m.LastAccrual,
		DailyLendWindowStart: m.DailyLendWindowStart,
		DailyDebtWindowStart: m.DailyDebtWindowStart,
	}
	clone.TotalSupplyShares = cloneInt(m.TotalSupplyShares)
	clone.TotalDebtShares = cloneInt(m.TotalDebtShares)
	clone.SupplyIndex = cloneInt(m.SupplyIndex)
	clone.BorrowIndex = cloneInt(m.BorrowIndex)
	clone.Balance = cloneInt(m.Balance)
	clone.Reserves = cloneInt(m.Reserves)
	clone.DailyLendLeft = cloneInt(m.DailyLendLeft)
	clone.DailyDebtLeft = cloneInt(m.DailyDebtLeft)
	return clone
}

func (m *Market) ensureDefaults() {
	if m.TotalSupplyShares == nil {
		m.TotalSupplyShares = big.NewInt(0)
	}
	if m.TotalDebtShares == nil {
		m.TotalDebtShares = big.NewInt(0)
	}
	if m.SupplyIndex == nil || m.SupplyIndex.Sign() == 0 {
		m.SupplyIndex = new(big.Int).Set(fixedmath.Ray)
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(fixedmath.Ray)
	}
	if m.Balance == nil {
		m.Balance = big.NewInt(0)
	}
	if m.Reserves == nil {
		m.Reserves = big.NewInt(0)
	}
	if m.DailyLendLeft == nil {
		m.DailyLendLeft = big.NewInt(0)
	}
	if m.DailyDebtLeft == nil {
		m.DailyDebtLeft = big.NewInt(0)
	}
}

// LentAssets is the underlying value of all lend shares at the given index.
func (m *Market) LentAssets() *big.Int {
	return assetsFromShares(m.TotalSupplyShares, m.SupplyIndex)
}

// TotalDebt is the underlying value of all debt shares at the given index.
func (m *Market) TotalDebt() *big.Int {
	return assetsFromShares(m.TotalDebtShares, m.BorrowIndex)
}

// AvailableCash is the balance not earmarked as protocol reserves.
func (m *Market) AvailableCash() *big.Int {
	cash := new(big.Int).Sub(m.Balance, m.Reserves)
	if cash.Sign() < 0 {
		return big.NewInt(0)
	}
	return cash
}

// CollateralConfig is the per-token risk configuration for collateral
// backing loans.
type CollateralConfig struct {
	// FactorBps discounts the token's value when computing the haircut
	// collateral value.
	FactorBps uint64
	// ValueCap ceilings the debt this token may back, in accounting-unit
	// wei. Nil disables the ceiling.
	ValueCap *big.Int
	// TotalDebtShares is the running total of debt shares backed by
	// positions containing this token.
	TotalDebtShares *big.Int
}

// Clone returns a deep copy of the collateral config.
func (c *CollateralConfig) Clone() *CollateralConfig {
	if c == nil {
		return nil
	}
	clone := &CollateralConfig{FactorBps: c.FactorBps}
	if c.ValueCap != nil {
		clone.ValueCap = new(big.Int).Set(c.ValueCap)
	}
	clone.TotalDebtShares = cloneInt(c.TotalDebtShares)
	return clone
}

// LoanInfo is the point-in-time view of a loan's economics.
type LoanInfo struct {
	Debt             *big.Int
	FullValue        *big.Int
	CollateralValue  *big.Int
	LiquidationCost  *big.Int
	LiquidationValue *big.Int
	Liquidatable     bool
}

// VaultInfo aggregates the market totals and current rates.
type VaultInfo struct {
	Debt                *big.Int
	Lent                *big.Int
	AvailableCash       *big.Int
	Reserves            *big.Int
	BorrowRatePerSecond *big.Int
	LendRatePerSecond   *big.Int
	DailyLendLeft       *big.Int
	DailyDebtLeft       *big.Int
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// assetsFromShares converts shares to underlying at the given ray index.
func assetsFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(shares, index)
	out.Add(out, fixedmath.HalfRay)
	out.Quo(out, fixedmath.Ray)
	return out
}

// sharesFromAssets converts an underlying amount to shares at the given
// ray index, rounding half up and never returning zero for a positive
// amount.
func sharesFromAssets(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, fixedmath.Ray)
	scaled.Add(scaled, halfOf(index))
	scaled.Quo(scaled, index)
	if scaled.Sign() == 0 {
		return big.NewInt(1)
	}
	return scaled
}

func halfOf(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
