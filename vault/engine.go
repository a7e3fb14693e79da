// Package vault implements the lending vault: the lender share ledger,
// the loan registry keyed by collateral position id, risk limits and
// liquidation. Every state-mutating entry point accrues interest before
// reading or writing totals so all readers within one call observe
// exactly one exchange rate.
package vault

import (
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	vaultcommon "rangevault/common"
	"rangevault/fixedmath"
	"rangevault/observability/metrics"
	"rangevault/oracle"
	"rangevault/rates"
)

var (
	errNilState                = errors.New("vault engine: state not configured")
	errNilCollaborator         = errors.New("vault engine: collaborator not configured")
	ErrInvalidAmount           = errors.New("vault engine: amount must be positive")
	ErrUnauthorized            = errors.New("vault engine: caller not authorized")
	ErrLoanNotFound            = errors.New("vault engine: loan not found")
	ErrLoanExists              = errors.New("vault engine: loan already exists for position")
	ErrInsufficientShares      = errors.New("vault engine: insufficient share balance")
	ErrInsufficientLiquidity   = errors.New("vault engine: insufficient available liquidity")
	ErrCollateralFailure       = errors.New("vault engine: collateral check failed")
	ErrCollateralNotConfigured = errors.New("vault engine: collateral token not configured")
	ErrCollateralValueCap      = errors.New("vault engine: collateral token value ceiling exceeded")
	ErrGlobalLendLimit         = errors.New("vault engine: global lend limit exceeded")
	ErrGlobalDebtLimit         = errors.New("vault engine: global debt limit exceeded")
	ErrDailyLendLimit          = errors.New("vault engine: daily lend increase limit exceeded")
	ErrDailyDebtLimit          = errors.New("vault engine: daily debt increase limit exceeded")
	ErrMinLoanSize             = errors.New("vault engine: loan below minimum size")
	ErrDebtOutstanding         = errors.New("vault engine: loan still carries debt")
	ErrNotLiquidatable         = errors.New("vault engine: loan not eligible for liquidation")
	ErrNoDebt                  = errors.New("vault engine: no outstanding debt")
	ErrTransformNotAllowed     = errors.New("vault engine: transformer not allowlisted")
	ErrTransformActive         = errors.New("vault engine: transform already in progress")
	ErrTransformMismatch       = errors.New("vault engine: transform result does not match transferred position")
	ErrRateModelInvalid        = errors.New("vault engine: invalid rate model")
)

const moduleName = "vault"

// Liquidation penalty band, in basis points of full collateral value.
const (
	MinLiquidationPenaltyBps = 200
	MaxLiquidationPenaltyBps = 1000
)

// DefaultDailyIncreaseBps is the share of current lent assets granted as
// the daily increase allowance when a new UTC window opens.
const DefaultDailyIncreaseBps = 1000

// Token is the fungible-token collaborator moving the accounting asset.
type Token interface {
	Transfer(from, to common.Address, amount *big.Int) error
}

// CollateralOracle values a position in a requested unit. Satisfied by
// *oracle.Oracle.
type CollateralOracle interface {
	Value(id uint64, unit common.Address) (oracle.PositionValuation, error)
}

// EngineState is the persistence surface the vault requires.
// Implementations must return deep copies: the engine mutates what it
// reads and persists only on success, so a failed operation leaves the
// stored state untouched.
type EngineState interface {
	GetMarket() (*Market, error)
	PutMarket(*Market) error
	GetLoan(id uint64) (*Loan, error)
	PutLoan(*Loan) error
	DeleteLoan(id uint64) error
	LoanIDsByOwner(owner common.Address) ([]uint64, error)
	AddOwnerLoan(owner common.Address, id uint64) error
	RemoveOwnerLoan(owner common.Address, id uint64) error
	GetLenderShares(addr common.Address) (*big.Int, error)
	PutLenderShares(addr common.Address, shares *big.Int) error
	GetCollateralConfig(token common.Address) (*CollateralConfig, error)
	PutCollateralConfig(token common.Address, cfg *CollateralConfig) error
}

// Engine orchestrates the vault's state transitions.
type Engine struct {
	state     EngineState
	token     Token
	positions oracle.PositionManager
	oracle    CollateralOracle
	model     *rates.Model

	vaultAddress   common.Address
	asset          common.Address
	owner          common.Address
	emergencyAdmin common.Address

	reserveFactorBps uint64
	minLoanSize      *big.Int

	// Caps: nil means unlimited, a zero value means fully closed.
	globalLendLimit      *big.Int
	globalDebtLimit      *big.Int
	dailyLendIncreaseMin *big.Int
	dailyDebtIncreaseMin *big.Int
	dailyIncreaseBps     uint64

	transformers       map[common.Address]bool
	transformApprovals map[common.Address]map[common.Address]bool
	transformActive    bool
	transformActiveID  uint64
	transformNow       time.Time

	pauses vaultcommon.PauseView
	now    func() time.Time
	log    *slog.Logger
}

// NewEngine constructs a vault engine for the given accounting asset.
// The vault address is where custody of funds and positions is held.
func NewEngine(owner, vaultAddress, asset common.Address, model *rates.Model) *Engine {
	return &Engine{
		owner:              owner,
		vaultAddress:       vaultAddress,
		asset:              asset,
		model:              model.Clone(),
		minLoanSize:        big.NewInt(0),
		dailyIncreaseBps:   DefaultDailyIncreaseBps,
		transformers:       make(map[common.Address]bool),
		transformApprovals: make(map[common.Address]map[common.Address]bool),
		now:                time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state EngineState) { e.state = state }

// SetCollaborators wires the token, position manager and oracle.
func (e *Engine) SetCollaborators(token Token, positions oracle.PositionManager, orc CollateralOracle) {
	e.token = token
	e.positions = positions
	e.oracle = orc
}

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p vaultcommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source, used by deterministic tests.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetLogger attaches a structured logger. A nil logger disables logging.
func (e *Engine) SetLogger(log *slog.Logger) {
	if e == nil {
		return
	}
	e.log = log
}

// SetReserveFactor updates the share of accrued interest routed to
// protocol reserves, in basis points.
func (e *Engine) SetReserveFactor(caller common.Address, bps uint64) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if bps > 10_000 {
		return ErrInvalidAmount
	}
	e.reserveFactorBps = bps
	return nil
}

// SetEmergencyAdmin assigns the role allowed to zero limits without the
// owner.
func (e *Engine) SetEmergencyAdmin(caller, admin common.Address) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	e.emergencyAdmin = admin
	return nil
}

// SetRateModel swaps in a new interest curve. The update is prospective
// only: interest accrues under the old curve up to now before the clone
// of the new curve takes effect.
func (e *Engine) SetRateModel(caller common.Address, model *rates.Model) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if err := model.Validate(); err != nil {
		return ErrRateModelInvalid
	}
	market, err := e.loadMarket()
	if err != nil {
		return err
	}
	e.accrue(market)
	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	e.model = model.Clone()
	return nil
}

// SetCollateralConfig installs the per-token collateral risk settings.
func (e *Engine) SetCollateralConfig(caller, token common.Address, factorBps uint64, valueCap *big.Int) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if factorBps > 10_000 {
		return ErrInvalidAmount
	}
	existing, err := e.state.GetCollateralConfig(token)
	if err != nil {
		return err
	}
	cfg := &CollateralConfig{FactorBps: factorBps, TotalDebtShares: big.NewInt(0)}
	if existing != nil {
		cfg.TotalDebtShares = cloneInt(existing.TotalDebtShares)
	}
	if valueCap != nil {
		cfg.ValueCap = new(big.Int).Set(valueCap)
	}
	return e.state.PutCollateralConfig(token, cfg)
}

// currentTime returns the pinned transform timestamp while a transform
// is active so nested borrow/repay calls observe the same exchange rate
// as the enclosing call.
func (e *Engine) currentTime() time.Time {
	if e.transformActive {
		return e.transformNow
	}
	return e.now()
}

func (e *Engine) loadMarket() (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.state.GetMarket()
	if err != nil {
		return nil, err
	}
	if market == nil {
		market = &Market{}
	}
	market.ensureDefaults()
	return market, nil
}

// accrue advances the indexes from the last accrual to now and records
// the accrual. It is a deterministic, idempotent recomputation from
// elapsed time, run at the start of every state-mutating entry point.
func (e *Engine) accrue(market *Market) {
	delta, interest, reserveShare, accrued := e.advanceIndexes(market)
	if !accrued {
		return
	}
	metrics.Vault().ObserveAccrual(delta)
	e.logf("interest accrued", "elapsed", delta, "interest", interest.String(), "reserves", reserveShare.String())
}

// advanceIndexes performs the accrual arithmetic with no observability
// side effects, so view entry points can compute virtual indexes on a
// clone without counting as accruals.
func (e *Engine) advanceIndexes(market *Market) (delta uint64, interest, reserveShare *big.Int, accrued bool) {
	nowSec := uint64(e.currentTime().Unix())
	if nowSec <= market.LastAccrual {
		return 0, nil, nil, false
	}
	delta = nowSec - market.LastAccrual
	market.LastAccrual = nowSec

	debt := market.TotalDebt()
	if debt.Sign() == 0 {
		return 0, nil, nil, false
	}
	cash := market.AvailableCash()

	borrowRate := e.model.BorrowRatePerSecond(cash, debt)
	if borrowRate.Sign() == 0 {
		return 0, nil, nil, false
	}
	utilization := rates.Utilization(cash, debt)
	lendRate := fixedmath.RayMul(borrowRate, utilization)
	lendRate = fixedmath.BpsMul(lendRate, 10_000-e.reserveFactorBps)

	deltaInt := new(big.Int).SetUint64(delta)
	borrowFactor := new(big.Int).Mul(borrowRate, deltaInt)
	borrowFactor.Add(borrowFactor, fixedmath.Ray)
	supplyFactor := new(big.Int).Mul(lendRate, deltaInt)
	supplyFactor.Add(supplyFactor, fixedmath.Ray)

	market.BorrowIndex = fixedmath.RayMul(market.BorrowIndex, borrowFactor)
	market.SupplyIndex = fixedmath.RayMul(market.SupplyIndex, supplyFactor)

	interest = new(big.Int).Mul(debt, borrowRate)
	interest.Mul(interest, deltaInt)
	interest.Quo(interest, fixedmath.Ray)
	reserveShare = fixedmath.BpsMul(interest, e.reserveFactorBps)
	market.Reserves = new(big.Int).Add(market.Reserves, reserveShare)

	return delta, interest, reserveShare, true
}

// virtualIndexes computes the indexes accrue would produce now, without
// mutating anything, for the view entry points.
func (e *Engine) virtualIndexes(market *Market) (supplyIndex, borrowIndex *big.Int) {
	clone := market.Clone()
	clone.ensureDefaults()
	e.advanceIndexes(clone)
	return clone.SupplyIndex, clone.BorrowIndex
}

// Deposit moves assets from the lender into the vault and mints lend
// shares at the current exchange rate.
func (e *Engine) Deposit(from common.Address, assets *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	market, err := e.loadMarket()
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	newLent := new(big.Int).Add(market.LentAssets(), assets)
	if e.globalLendLimit != nil && newLent.Cmp(e.globalLendLimit) > 0 {
		return nil, ErrGlobalLendLimit
	}
	if err := e.consumeDailyLend(market, assets); err != nil {
		return nil, err
	}

	shares := sharesFromAssets(assets, market.SupplyIndex)

	balance, err := e.state.GetLenderShares(from)
	if err != nil {
		return nil, err
	}
	if err := e.token.Transfer(from, e.vaultAddress, assets); err != nil {
		return nil, err
	}

	market.Balance = new(big.Int).Add(market.Balance, assets)
	market.TotalSupplyShares = new(big.Int).Add(market.TotalSupplyShares, shares)
	if err := e.state.PutLenderShares(from, new(big.Int).Add(cloneInt(balance), shares)); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	metrics.Vault().ObserveOperation("deposit")
	return shares, nil
}

// Withdraw redeems the share count equivalent to the requested asset
// amount and releases the assets to the lender.
func (e *Engine) Withdraw(addr common.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return e.redeem(addr, nil, assets)
}

// Redeem burns an exact share count and releases the equivalent assets.
func (e *Engine) Redeem(addr common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return e.redeem(addr, shares, nil)
}

func (e *Engine) redeem(addr common.Address, shares, assets *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	market, err := e.loadMarket()
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	if shares == nil {
		shares = sharesFromAssets(assets, market.SupplyIndex)
	} else {
		assets = assetsFromShares(shares, market.SupplyIndex)
	}
	if shares.Sign() <= 0 || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, err := e.state.GetLenderShares(addr)
	if err != nil {
		return nil, err
	}
	if balance == nil || balance.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if market.AvailableCash().Cmp(assets) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	if err := e.token.Transfer(e.vaultAddress, addr, assets); err != nil {
		return nil, err
	}

	market.Balance = new(big.Int).Sub(market.Balance, assets)
	market.TotalSupplyShares = new(big.Int).Sub(market.TotalSupplyShares, shares)
	e.restoreDailyLend(market, assets)
	if err := e.state.PutLenderShares(addr, new(big.Int).Sub(cloneInt(balance), shares)); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	metrics.Vault().ObserveOperation("withdraw")
	return assets, nil
}

// WithdrawReserves releases accrued protocol reserves to the recipient.
func (e *Engine) WithdrawReserves(caller, recipient common.Address, amount *big.Int) (*big.Int, error) {
	if caller != e.owner {
		return nil, ErrUnauthorized
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	market, err := e.loadMarket()
	if err != nil {
		return nil, err
	}
	e.accrue(market)
	if market.Reserves.Cmp(amount) < 0 || market.Balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	if err := e.token.Transfer(e.vaultAddress, recipient, amount); err != nil {
		return nil, err
	}
	market.Reserves = new(big.Int).Sub(market.Reserves, amount)
	market.Balance = new(big.Int).Sub(market.Balance, amount)
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// LenderBalance reports the share count and its current underlying value.
func (e *Engine) LenderBalance(addr common.Address) (shares, assets *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	market, err := e.loadMarket()
	if err != nil {
		return nil, nil, err
	}
	supplyIndex, _ := e.virtualIndexes(market)
	balance, err := e.state.GetLenderShares(addr)
	if err != nil {
		return nil, nil, err
	}
	balance = cloneInt(balance)
	return balance, assetsFromShares(balance, supplyIndex), nil
}

// VaultInfo reports the aggregate market state at current virtual
// indexes.
func (e *Engine) VaultInfo() (VaultInfo, error) {
	if e == nil || e.state == nil {
		return VaultInfo{}, errNilState
	}
	market, err := e.loadMarket()
	if err != nil {
		return VaultInfo{}, err
	}
	virtual := market.Clone()
	virtual.ensureDefaults()
	e.advanceIndexes(virtual)

	debt := virtual.TotalDebt()
	cash := virtual.AvailableCash()
	borrowRate := e.model.BorrowRatePerSecond(cash, debt)
	lendRate := fixedmath.RayMul(borrowRate, rates.Utilization(cash, debt))
	lendRate = fixedmath.BpsMul(lendRate, 10_000-e.reserveFactorBps)

	return VaultInfo{
		Debt:                debt,
		Lent:                virtual.LentAssets(),
		AvailableCash:       cash,
		Reserves:            cloneInt(virtual.Reserves),
		BorrowRatePerSecond: borrowRate,
		LendRatePerSecond:   lendRate,
		DailyLendLeft:       cloneInt(virtual.DailyLendLeft),
		DailyDebtLeft:       cloneInt(virtual.DailyDebtLeft),
	}, nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.token == nil || e.positions == nil || e.oracle == nil {
		return errNilCollaborator
	}
	return vaultcommon.Guard(e.pauses, moduleName)
}

func (e *Engine) logf(msg string, args ...any) {
	if e == nil || e.log == nil {
		return
	}
	e.log.Info(msg, args...)
}
