package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/oracle"
)

func TestCreateTakesCustody(t *testing.T) {
	env := newTestEnv(t)
	env.positions.owners[1] = borrowerAddr
	env.positions.positions[1] = oracle.PositionState{Token0: tokenA, Token1: tokenB}
	env.oracle.setValuation(1, 4_000, 6_000)

	if err := env.engine.Create(borrowerAddr, 1, common.Address{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.positions.owners[1] != vaultAddr {
		t.Fatalf("position custody at %s, want vault", env.positions.owners[1].Hex())
	}
	owner, err := env.engine.OwnerOf(1)
	if err != nil {
		t.Fatalf("OwnerOf: %v", err)
	}
	if owner != borrowerAddr {
		t.Fatalf("loan owner = %s, want borrower", owner.Hex())
	}
	ids, err := env.engine.LoansOf(borrowerAddr)
	if err != nil {
		t.Fatalf("LoansOf: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("owner index = %v, want [1]", ids)
	}

	if err := env.engine.Create(borrowerAddr, 1, common.Address{}); !errors.Is(err, ErrLoanExists) {
		t.Fatalf("duplicate create: %v", err)
	}
}

func TestCreateForThirdPartyOwner(t *testing.T) {
	env := newTestEnv(t)
	env.positions.owners[1] = borrowerAddr
	env.positions.positions[1] = oracle.PositionState{Token0: tokenA, Token1: tokenB}

	other := common.HexToAddress("0x00000000000000000000000000000000000000f9")
	if err := env.engine.Create(borrowerAddr, 1, other); err != nil {
		t.Fatalf("Create: %v", err)
	}
	owner, err := env.engine.OwnerOf(1)
	if err != nil {
		t.Fatalf("OwnerOf: %v", err)
	}
	if owner != other {
		t.Fatalf("loan owner = %s, want designated owner", owner.Hex())
	}
}

func TestBorrowRepayRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	openLoanWithDebt(t, env, 1, 1_000)

	if env.token.balanceOf(borrowerAddr).Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("borrower balance = %s, want 1000", env.token.balanceOf(borrowerAddr))
	}

	// A year of interest at 10% utilization on the 5%-slope curve.
	env.advance(365 * 24 * time.Hour)
	info, err := env.engine.LoanInfo(1)
	if err != nil {
		t.Fatalf("LoanInfo: %v", err)
	}
	if info.Debt.Cmp(big.NewInt(1_000)) <= 0 {
		t.Fatalf("debt did not accrue: %s", info.Debt)
	}
	if info.Liquidatable {
		t.Fatalf("healthy loan marked liquidatable")
	}

	// Overpaying is clamped to the outstanding debt.
	env.token.mint(borrowerAddr, 1_000)
	repaid, err := env.engine.Repay(borrowerAddr, 1, big.NewInt(2_000))
	if err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if repaid.Cmp(info.Debt) != 0 {
		t.Fatalf("repaid %s, want full debt %s", repaid, info.Debt)
	}
	after, err := env.engine.LoanInfo(1)
	if err != nil {
		t.Fatalf("LoanInfo after repay: %v", err)
	}
	if after.Debt.Sign() != 0 {
		t.Fatalf("residual debt %s after full repayment", after.Debt)
	}
	if env.state.market.TotalDebtShares.Sign() != 0 {
		t.Fatalf("market debt shares = %s after full repayment", env.state.market.TotalDebtShares)
	}

	// A cleared loan can be removed and the position returned.
	if err := env.engine.Remove(borrowerAddr, 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if env.positions.owners[1] != borrowerAddr {
		t.Fatalf("position not returned to borrower")
	}
}

func TestBorrowRejectsUndercollateralized(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	openLoanWithDebt(t, env, 1, 0)

	// Haircut value is 90% of 10000; one wei above must fail.
	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(9_001)); !errors.Is(err, ErrCollateralFailure) {
		t.Fatalf("expected ErrCollateralFailure, got %v", err)
	}
	// The failed borrow left no debt behind.
	loan, err := env.engine.LoanInfo(1)
	if err != nil {
		t.Fatalf("LoanInfo: %v", err)
	}
	if loan.Debt.Sign() != 0 {
		t.Fatalf("failed borrow left debt %s", loan.Debt)
	}
	if env.token.balanceOf(borrowerAddr).Sign() != 0 {
		t.Fatalf("failed borrow moved funds")
	}

	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(9_000)); err != nil {
		t.Fatalf("borrow at the collateral bound: %v", err)
	}
}

func TestBorrowAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	openLoanWithDebt(t, env, 1, 0)

	if err := env.engine.Borrow(lenderAddr, 1, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger borrowed: %v", err)
	}
}

func TestMinLoanSize(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	if err := env.engine.SetLimits(ownerAddr, nil, nil, nil, nil, big.NewInt(500)); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}
	openLoanWithDebt(t, env, 1, 0)

	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(100)); !errors.Is(err, ErrMinLoanSize) {
		t.Fatalf("expected ErrMinLoanSize, got %v", err)
	}
	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(500)); err != nil {
		t.Fatalf("borrow at minimum: %v", err)
	}

	// Partial repayment may not leave dust below the minimum.
	env.token.mint(borrowerAddr, 500)
	if _, err := env.engine.Repay(borrowerAddr, 1, big.NewInt(300)); !errors.Is(err, ErrMinLoanSize) {
		t.Fatalf("dust repayment accepted: %v", err)
	}
	if _, err := env.engine.Repay(borrowerAddr, 1, big.NewInt(500)); err != nil {
		t.Fatalf("full repayment: %v", err)
	}
}

func TestCollateralValueCap(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	if err := env.engine.SetCollateralConfig(ownerAddr, tokenA, 9_000, big.NewInt(500)); err != nil {
		t.Fatalf("SetCollateralConfig: %v", err)
	}
	openLoanWithDebt(t, env, 1, 0)

	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(1_000)); !errors.Is(err, ErrCollateralValueCap) {
		t.Fatalf("expected ErrCollateralValueCap, got %v", err)
	}
	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(400)); err != nil {
		t.Fatalf("borrow under the ceiling: %v", err)
	}
}

func TestGlobalDebtLimit(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	if err := env.engine.SetLimits(ownerAddr, nil, big.NewInt(2_000), nil, nil, nil); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}
	openLoanWithDebt(t, env, 1, 0)

	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(2_500)); !errors.Is(err, ErrGlobalDebtLimit) {
		t.Fatalf("expected ErrGlobalDebtLimit, got %v", err)
	}
	if err := env.engine.Borrow(borrowerAddr, 1, big.NewInt(2_000)); err != nil {
		t.Fatalf("borrow at debt cap: %v", err)
	}
}

func TestRemoveRequiresZeroDebt(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	openLoanWithDebt(t, env, 1, 1_000)

	if err := env.engine.Remove(borrowerAddr, 1); !errors.Is(err, ErrDebtOutstanding) {
		t.Fatalf("expected ErrDebtOutstanding, got %v", err)
	}
	if err := env.engine.Remove(lenderAddr, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger removed loan: %v", err)
	}
}

func TestCreateWithBorrow(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)
	env.positions.owners[1] = borrowerAddr
	env.positions.positions[1] = oracle.PositionState{Token0: tokenA, Token1: tokenB}
	env.oracle.setValuation(1, 4_000, 6_000)

	if err := env.engine.CreateWithBorrow(borrowerAddr, 1, common.Address{}, big.NewInt(2_000)); err != nil {
		t.Fatalf("CreateWithBorrow: %v", err)
	}
	if env.token.balanceOf(borrowerAddr).Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("borrower balance = %s, want 2000", env.token.balanceOf(borrowerAddr))
	}
}

func TestCollateralNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.token.mint(lenderAddr, 10_000)
	mustDeposit(t, env, lenderAddr, 10_000)

	unknown := common.HexToAddress("0x00000000000000000000000000000000000000f5")
	env.positions.owners[2] = borrowerAddr
	env.positions.positions[2] = oracle.PositionState{Token0: unknown, Token1: tokenB}
	env.oracle.setValuation(2, 100, 100)
	stored := env.oracle.valuations[2]
	stored.Token0 = unknown
	env.oracle.valuations[2] = stored

	if err := env.engine.Create(borrowerAddr, 2, common.Address{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.engine.Borrow(borrowerAddr, 2, big.NewInt(50)); !errors.Is(err, ErrCollateralNotConfigured) {
		t.Fatalf("expected ErrCollateralNotConfigured, got %v", err)
	}
}
