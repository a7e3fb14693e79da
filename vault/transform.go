package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/observability/metrics"
)

// Transformer is an allowlisted external contract permitted to
// restructure a loan's collateral position (change range, add or remove
// liquidity, swap) and call back into borrow/repay during the same
// call. It returns the id of the position actually left in the vault's
// custody. The re-entry contract is explicit: the callee receives only
// the narrow TransformAPI surface, never the engine.
type Transformer interface {
	Address() common.Address
	Transform(api TransformAPI, id uint64, data []byte) (uint64, error)
}

// TransformAPI is the capability handed to a transformer while it runs:
// borrow and repay against the loan under transformation, and ownership
// lookups. Nothing else.
type TransformAPI interface {
	Borrow(id uint64, amount *big.Int) error
	Repay(id uint64, amount *big.Int) (*big.Int, error)
	OwnerOf(id uint64) (common.Address, error)
}

type transformAPI struct {
	engine *Engine
	payer  common.Address
}

func (t transformAPI) Borrow(id uint64, amount *big.Int) error {
	return t.engine.borrow(t.payer, id, amount, true)
}

func (t transformAPI) Repay(id uint64, amount *big.Int) (*big.Int, error) {
	if !t.engine.transformActive || id != t.engine.transformActiveID {
		return nil, ErrTransformMismatch
	}
	// Repayment funds are pulled from the transformer, which holds any
	// proceeds it collected while restructuring the position.
	return t.engine.Repay(t.payer, id, amount)
}

func (t transformAPI) OwnerOf(id uint64) (common.Address, error) {
	return t.engine.OwnerOf(id)
}

// SetTransformer adds or removes an external contract from the
// transform allowlist.
func (e *Engine) SetTransformer(caller, transformer common.Address, allowed bool) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if allowed {
		e.transformers[transformer] = true
	} else {
		delete(e.transformers, transformer)
	}
	return nil
}

// ApproveTransform lets a loan owner delegate transform rights to an
// operator address.
func (e *Engine) ApproveTransform(owner, operator common.Address, approved bool) {
	if e.transformApprovals[owner] == nil {
		if !approved {
			return
		}
		e.transformApprovals[owner] = make(map[common.Address]bool)
	}
	if approved {
		e.transformApprovals[owner][operator] = true
	} else {
		delete(e.transformApprovals[owner], operator)
	}
}

// TransformApproved reports whether the operator may transform loans of
// the owner.
func (e *Engine) TransformApproved(owner, operator common.Address) bool {
	return e.transformApprovals[owner][operator]
}

// Transform routes execution through an allowlisted transformer that may
// restructure the collateral and call back into borrow/repay. After the
// callback returns, the vault requires custody of the returned position
// id, re-keys the loan if the id changed, and re-validates collateral
// sufficiency for the resulting position. This is the protocol's one
// intentional re-entrancy surface.
func (e *Engine) Transform(caller common.Address, id uint64, transformer Transformer, data []byte) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if transformer == nil || !e.transformers[transformer.Address()] {
		return 0, ErrTransformNotAllowed
	}
	if e.transformActive {
		return 0, ErrTransformActive
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return 0, err
	}
	if loan == nil {
		return 0, ErrLoanNotFound
	}
	if caller != loan.Owner && !e.TransformApproved(loan.Owner, caller) {
		return 0, ErrUnauthorized
	}
	// The pair backing the debt is captured up front: the transformer may
	// burn the position, and migration must still release the backing
	// recorded against its tokens.
	oldPos, err := e.positions.Position(id)
	if err != nil {
		return 0, err
	}

	// Pin the call's timestamp so every nested borrow/repay accrues to
	// the same instant and observes one exchange rate.
	e.transformActive = true
	e.transformActiveID = id
	e.transformNow = e.now()
	defer func() {
		e.transformActive = false
		e.transformActiveID = 0
	}()

	if err := e.positions.Approve(transformer.Address(), id); err != nil {
		return 0, err
	}

	newID, err := transformer.Transform(transformAPI{engine: e, payer: transformer.Address()}, id, data)
	if err != nil {
		return 0, err
	}

	// The vault must actually hold whatever the transformer claims to
	// have produced.
	holder, err := e.positions.OwnerOf(newID)
	if err != nil {
		return 0, err
	}
	if holder != e.vaultAddress {
		return 0, ErrTransformMismatch
	}

	if newID != id {
		// The original position must have left custody (burned or
		// consumed); a transformer may not park a second position and
		// keep the original.
		if oldHolder, err := e.positions.OwnerOf(id); err == nil && oldHolder == e.vaultAddress {
			return 0, ErrTransformMismatch
		}
		if err := e.rekeyLoan(id, newID, oldPos.Token0, oldPos.Token1); err != nil {
			return 0, err
		}
	} else {
		if err := e.positions.Approve(common.Address{}, id); err != nil {
			return 0, err
		}
	}

	// Final solvency check on the resulting position.
	market, err := e.loadMarket()
	if err != nil {
		return 0, err
	}
	e.accrue(market)
	current, err := e.state.GetLoan(newID)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, ErrTransformMismatch
	}
	debt := assetsFromShares(current.DebtShares, market.BorrowIndex)
	if debt.Sign() > 0 {
		valuation, err := e.oracle.Value(newID, e.asset)
		if err != nil {
			return 0, err
		}
		_, collateralValue, err := e.haircut(valuation)
		if err != nil {
			return 0, err
		}
		if debt.Cmp(collateralValue) > 0 {
			return 0, ErrCollateralFailure
		}
	}

	metrics.Vault().ObserveOperation("transform")
	e.logf("collateral transformed", "id", id, "resultID", newID, "transformer", transformer.Address().Hex())
	return newID, nil
}

// rekeyLoan moves a loan's registry entries from the consumed position
// id to the one the transformer produced, carrying the debt-share
// backing across the pair tokens of both positions. The old pair is the
// caller's pre-callback snapshot; the consumed position may no longer
// be readable.
func (e *Engine) rekeyLoan(oldID, newID uint64, oldToken0, oldToken1 common.Address) error {
	loan, err := e.state.GetLoan(oldID)
	if err != nil {
		return err
	}
	if loan == nil {
		return ErrLoanNotFound
	}
	if existing, err := e.state.GetLoan(newID); err != nil {
		return err
	} else if existing != nil {
		return ErrLoanExists
	}

	market, err := e.loadMarket()
	if err != nil {
		return err
	}
	e.accrue(market)

	if loan.DebtShares != nil && loan.DebtShares.Sign() > 0 {
		neg := new(big.Int).Neg(loan.DebtShares)
		configs, err := e.shiftCollateralTotals(oldToken0, oldToken1, neg, market.BorrowIndex, false)
		if err != nil {
			return err
		}
		if err := e.persistCollateralTotals(oldToken0, oldToken1, configs); err != nil {
			return err
		}
		newPos, err := e.positions.Position(newID)
		if err != nil {
			return err
		}
		configs, err = e.shiftCollateralTotals(newPos.Token0, newPos.Token1, loan.DebtShares, market.BorrowIndex, true)
		if err != nil {
			return err
		}
		if err := e.persistCollateralTotals(newPos.Token0, newPos.Token1, configs); err != nil {
			return err
		}
	}

	if err := e.state.DeleteLoan(oldID); err != nil {
		return err
	}
	if err := e.state.RemoveOwnerLoan(loan.Owner, oldID); err != nil {
		return err
	}
	moved := &Loan{ID: newID, Owner: loan.Owner, DebtShares: cloneInt(loan.DebtShares)}
	if err := e.state.PutLoan(moved); err != nil {
		return err
	}
	return e.state.AddOwnerLoan(loan.Owner, newID)
}
