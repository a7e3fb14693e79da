package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/fixedmath"
	"rangevault/observability/metrics"
	"rangevault/oracle"
)

// Create takes custody of a position and opens a zero-debt loan for the
// owner. A zero owner address defaults to the depositor.
func (e *Engine) Create(from common.Address, id uint64, owner common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	market, err := e.loadMarket()
	if err != nil {
		return err
	}
	e.accrue(market)

	existing, err := e.state.GetLoan(id)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrLoanExists
	}
	if owner == (common.Address{}) {
		owner = from
	}
	if err := e.positions.TransferFrom(from, e.vaultAddress, id); err != nil {
		return err
	}
	loan := &Loan{ID: id, Owner: owner, DebtShares: big.NewInt(0)}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.AddOwnerLoan(owner, id); err != nil {
		return err
	}
	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	metrics.Vault().ObserveOperation("create")
	e.logf("loan created", "id", id, "owner", owner.Hex())
	return nil
}

// CreateWithBorrow opens the loan and borrows inline in one call.
func (e *Engine) CreateWithBorrow(from common.Address, id uint64, owner common.Address, amount *big.Int) error {
	if err := e.Create(from, id, owner); err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if owner == (common.Address{}) {
		owner = from
	}
	return e.Borrow(owner, id, amount)
}

// Remove returns a zero-debt position to its owner and destroys the
// loan. A loan with no debt carries no economic claim.
func (e *Engine) Remove(caller common.Address, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	market, err := e.loadMarket()
	if err != nil {
		return err
	}
	e.accrue(market)

	loan, err := e.state.GetLoan(id)
	if err != nil {
		return err
	}
	if loan == nil {
		return ErrLoanNotFound
	}
	if caller != loan.Owner {
		return ErrUnauthorized
	}
	if loan.DebtShares != nil && loan.DebtShares.Sign() != 0 {
		return ErrDebtOutstanding
	}
	if err := e.positions.TransferFrom(e.vaultAddress, loan.Owner, id); err != nil {
		return err
	}
	if err := e.state.DeleteLoan(id); err != nil {
		return err
	}
	if err := e.state.RemoveOwnerLoan(loan.Owner, id); err != nil {
		return err
	}
	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	metrics.Vault().ObserveOperation("remove")
	return nil
}

// Borrow converts the amount to debt shares at the current rate and
// sends the funds to the loan owner. The caller must own the loan or act
// through an active transform.
func (e *Engine) Borrow(caller common.Address, id uint64, amount *big.Int) error {
	return e.borrow(caller, id, amount, false)
}

func (e *Engine) borrow(caller common.Address, id uint64, amount *big.Int, viaTransform bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	market, err := e.loadMarket()
	if err != nil {
		return err
	}
	e.accrue(market)

	loan, err := e.state.GetLoan(id)
	if err != nil {
		return err
	}
	if loan == nil {
		return ErrLoanNotFound
	}
	if viaTransform {
		if !e.transformActive || id != e.transformActiveID {
			return ErrTransformMismatch
		}
	} else if caller != loan.Owner {
		return ErrUnauthorized
	}

	newDebt := new(big.Int).Add(market.TotalDebt(), amount)
	if e.globalDebtLimit != nil && newDebt.Cmp(e.globalDebtLimit) > 0 {
		return ErrGlobalDebtLimit
	}
	if err := e.consumeDailyDebt(market, amount); err != nil {
		return err
	}
	if market.AvailableCash().Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}

	shares := sharesFromAssets(amount, market.BorrowIndex)
	loan.DebtShares = new(big.Int).Add(cloneInt(loan.DebtShares), shares)
	market.TotalDebtShares = new(big.Int).Add(market.TotalDebtShares, shares)

	valuation, err := e.oracle.Value(id, e.asset)
	if err != nil {
		return err
	}
	configs, err := e.shiftCollateralTotals(valuation.Token0, valuation.Token1, shares, market.BorrowIndex, true)
	if err != nil {
		return err
	}

	loanDebt := assetsFromShares(loan.DebtShares, market.BorrowIndex)
	if e.minLoanSize != nil && loanDebt.Cmp(e.minLoanSize) < 0 {
		return ErrMinLoanSize
	}
	_, collateralValue, err := e.haircut(valuation)
	if err != nil {
		return err
	}
	if loanDebt.Cmp(collateralValue) > 0 {
		return ErrCollateralFailure
	}

	// Borrowed funds go to the loan owner, or to the transformer when it
	// borrows mid-transform to finance the restructuring.
	recipient := loan.Owner
	if viaTransform {
		recipient = caller
	}
	if err := e.token.Transfer(e.vaultAddress, recipient, amount); err != nil {
		return err
	}
	market.Balance = new(big.Int).Sub(market.Balance, amount)

	if err := e.persistCollateralTotals(valuation.Token0, valuation.Token1, configs); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	metrics.Vault().ObserveOperation("borrow")
	e.logf("borrowed", "id", id, "amount", amount.String(), "debtShares", loan.DebtShares.String())
	return nil
}

// Repay converts the amount to debt shares at the current rate and
// decreases the loan's debt, pulling funds from the caller. Overpayment
// is clamped to the outstanding debt; the repaid amount is returned.
func (e *Engine) Repay(caller common.Address, id uint64, amount *big.Int) (*big.Int, error) {
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

	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	debt := assetsFromShares(loan.DebtShares, market.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, ErrNoDebt
	}

	repay := new(big.Int).Set(amount)
	var shares *big.Int
	if repay.Cmp(debt) >= 0 {
		repay = debt
		shares = cloneInt(loan.DebtShares)
	} else {
		shares = sharesFromAssets(repay, market.BorrowIndex)
		if shares.Cmp(loan.DebtShares) > 0 {
			shares = cloneInt(loan.DebtShares)
		}
	}

	remaining := new(big.Int).Sub(debt, repay)
	if remaining.Sign() > 0 && e.minLoanSize != nil && remaining.Cmp(e.minLoanSize) < 0 {
		return nil, ErrMinLoanSize
	}

	pos, err := e.positions.Position(id)
	if err != nil {
		return nil, err
	}
	negShares := new(big.Int).Neg(shares)
	configs, err := e.shiftCollateralTotals(pos.Token0, pos.Token1, negShares, market.BorrowIndex, false)
	if err != nil {
		return nil, err
	}

	if err := e.token.Transfer(caller, e.vaultAddress, repay); err != nil {
		return nil, err
	}
	market.Balance = new(big.Int).Add(market.Balance, repay)
	loan.DebtShares = new(big.Int).Sub(loan.DebtShares, shares)
	market.TotalDebtShares = new(big.Int).Sub(market.TotalDebtShares, shares)

	if err := e.persistCollateralTotals(pos.Token0, pos.Token1, configs); err != nil {
		return nil, err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	metrics.Vault().ObserveOperation("repay")
	e.logf("repaid", "id", id, "amount", repay.String(), "debtShares", loan.DebtShares.String())
	return repay, nil
}

// OwnerOf reports the economic owner of a loan.
func (e *Engine) OwnerOf(id uint64) (common.Address, error) {
	if e == nil || e.state == nil {
		return common.Address{}, errNilState
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return common.Address{}, err
	}
	if loan == nil {
		return common.Address{}, ErrLoanNotFound
	}
	return loan.Owner, nil
}

// LoansOf enumerates the loan ids owned by an address.
func (e *Engine) LoansOf(owner common.Address) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.LoanIDsByOwner(owner)
}

// haircut computes the full and discounted collateral values of a
// valuation: per token, price·(amount + fees)·collateralFactor, capped
// by that token's configured value ceiling.
func (e *Engine) haircut(valuation oracle.PositionValuation) (fullValue, collateralValue *big.Int, err error) {
	fullValue = new(big.Int).Add(valuation.Value, valuation.FeeValue)
	collateralValue = big.NewInt(0)

	legs := []struct {
		token  common.Address
		amount *big.Int
		fees   *big.Int
		price  *big.Int
	}{
		{valuation.Token0, valuation.Amount0, valuation.Fees0, valuation.Price0X96},
		{valuation.Token1, valuation.Amount1, valuation.Fees1, valuation.Price1X96},
	}
	for _, leg := range legs {
		cfg, err := e.state.GetCollateralConfig(leg.token)
		if err != nil {
			return nil, nil, err
		}
		if cfg == nil {
			return nil, nil, ErrCollateralNotConfigured
		}
		total := new(big.Int).Add(cloneInt(leg.amount), cloneInt(leg.fees))
		legValue := new(big.Int).Mul(total, leg.price)
		legValue.Rsh(legValue, 96)
		discounted := fixedmath.BpsMul(legValue, cfg.FactorBps)
		if cfg.ValueCap != nil && discounted.Cmp(cfg.ValueCap) > 0 {
			discounted = new(big.Int).Set(cfg.ValueCap)
		}
		collateralValue.Add(collateralValue, discounted)
	}
	return fullValue, collateralValue, nil
}

// shiftCollateralTotals applies a debt-share delta to the running totals
// of both pair tokens, enforcing each token's value ceiling on increases.
// The mutated configs are returned for persistence after the operation's
// remaining checks pass.
func (e *Engine) shiftCollateralTotals(token0, token1 common.Address, sharesDelta, borrowIndex *big.Int, checkCap bool) ([2]*CollateralConfig, error) {
	var configs [2]*CollateralConfig
	for i, token := range []common.Address{token0, token1} {
		cfg, err := e.state.GetCollateralConfig(token)
		if err != nil {
			return configs, err
		}
		if cfg == nil {
			return configs, ErrCollateralNotConfigured
		}
		cfg.TotalDebtShares = new(big.Int).Add(cloneInt(cfg.TotalDebtShares), sharesDelta)
		if cfg.TotalDebtShares.Sign() < 0 {
			cfg.TotalDebtShares = big.NewInt(0)
		}
		if checkCap && cfg.ValueCap != nil {
			backed := assetsFromShares(cfg.TotalDebtShares, borrowIndex)
			if backed.Cmp(cfg.ValueCap) > 0 {
				return configs, ErrCollateralValueCap
			}
		}
		configs[i] = cfg
	}
	return configs, nil
}

func (e *Engine) persistCollateralTotals(token0, token1 common.Address, configs [2]*CollateralConfig) error {
	if err := e.state.PutCollateralConfig(token0, configs[0]); err != nil {
		return err
	}
	return e.state.PutCollateralConfig(token1, configs[1])
}
