package rates

import (
	"math/big"
	"testing"

	"rangevault/fixedmath"
)

func testModel() *Model {
	// 0% base, 5% slope to an 80% kink, 100% jump slope above it.
	return NewModel(
		FractionFromBps(0),
		FractionFromBps(500),
		FractionFromBps(10_000),
		FractionFromBps(8_000),
	)
}

func TestUtilizationBoundaries(t *testing.T) {
	if got := Utilization(big.NewInt(0), big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("empty market utilization = %s, want 0", got)
	}
	if got := Utilization(big.NewInt(0), big.NewInt(5)); got.Cmp(fixedmath.Ray) != 0 {
		t.Fatalf("no-cash utilization = %s, want ray", got)
	}
	if got := Utilization(nil, nil); got.Sign() != 0 {
		t.Fatalf("nil operands utilization = %s, want 0", got)
	}
	half := Utilization(big.NewInt(100), big.NewInt(100))
	if half.Cmp(fixedmath.HalfRay) != 0 {
		t.Fatalf("50%% utilization = %s, want %s", half, fixedmath.HalfRay)
	}
}

func TestAnnualBorrowRateBelowKink(t *testing.T) {
	model := testModel()
	// 50% utilization on a 5% slope curve with zero base: 2.5% annual.
	got := model.AnnualBorrowRate(big.NewInt(100), big.NewInt(100))
	want := FractionFromBps(250)
	if got.Cmp(want) != 0 {
		t.Fatalf("rate at 50%% utilization = %s, want %s", got, want)
	}
}

func TestAnnualBorrowRateAtFullUtilization(t *testing.T) {
	model := testModel()
	// 5% * 80% + 100% * 20% = 24% annual.
	got := model.AnnualBorrowRate(big.NewInt(0), big.NewInt(100))
	want := FractionFromBps(2_400)
	if got.Cmp(want) != 0 {
		t.Fatalf("rate at 100%% utilization = %s, want %s", got, want)
	}
}

func TestAnnualBorrowRateReferenceCurve(t *testing.T) {
	// 0% base, 5% slope to an 80% kink, 109% jump slope above it.
	model := NewModel(
		FractionFromBps(0),
		FractionFromBps(500),
		FractionFromBps(10_900),
		FractionFromBps(8_000),
	)
	if got, want := model.AnnualBorrowRate(big.NewInt(100), big.NewInt(100)), FractionFromBps(250); got.Cmp(want) != 0 {
		t.Fatalf("rate at 50%% utilization = %s, want %s", got, want)
	}
	// 5% * 80% + 109% * 20% = 25.8% annual at full utilization.
	if got, want := model.AnnualBorrowRate(big.NewInt(0), big.NewInt(100)), FractionFromBps(2_580); got.Cmp(want) != 0 {
		t.Fatalf("rate at 100%% utilization = %s, want %s", got, want)
	}
}

func TestCurveContinuityAtKink(t *testing.T) {
	model := testModel()
	// debt 4 : cash 1 puts utilization exactly at the 80% kink.
	atKink := model.AnnualBorrowRate(big.NewInt(1), big.NewInt(4))

	// Evaluating the above-kink branch with zero excess must agree.
	base := new(big.Int).Set(model.BaseRate)
	base.Add(base, fixedmath.RayMul(model.Multiplier, model.Kink))
	if atKink.Cmp(base) != 0 {
		t.Fatalf("kink discontinuity: below-branch %s, above-branch %s", atKink, base)
	}
}

func TestBorrowRatePerSecond(t *testing.T) {
	model := testModel()
	annual := model.AnnualBorrowRate(big.NewInt(100), big.NewInt(100))
	perSecond := model.BorrowRatePerSecond(big.NewInt(100), big.NewInt(100))
	want := new(big.Int).Quo(annual, big.NewInt(SecondsPerYear))
	if perSecond.Cmp(want) != 0 {
		t.Fatalf("per-second rate = %s, want %s", perSecond, want)
	}
}

func TestValidate(t *testing.T) {
	if err := testModel().Validate(); err != nil {
		t.Fatalf("valid model rejected: %v", err)
	}
	bad := testModel()
	bad.Kink = big.NewInt(0)
	if err := bad.Validate(); err == nil {
		t.Fatalf("zero kink accepted")
	}
	over := testModel()
	over.Kink = new(big.Int).Add(fixedmath.Ray, big.NewInt(1))
	if err := over.Validate(); err == nil {
		t.Fatalf("kink above 100%% accepted")
	}
	var nilModel *Model
	if err := nilModel.Validate(); err == nil {
		t.Fatalf("nil model accepted")
	}
}

func TestCloneIsolation(t *testing.T) {
	model := testModel()
	clone := model.Clone()
	clone.Multiplier.SetInt64(0)
	if model.Multiplier.Sign() == 0 {
		t.Fatalf("mutating clone leaked into original")
	}
}
