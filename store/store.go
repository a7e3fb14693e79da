// Package store persists the vault engine's state as RLP records in a
// key-value database. Every read decodes a fresh value, which gives the
// engine the deep-copy isolation its persistence contract requires.
package store

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"rangevault/storage"
	"rangevault/vault"
)

var (
	marketKey        = []byte("vault/market")
	loanPrefix       = []byte("vault/loan/")
	ownerPrefix      = []byte("vault/owner/")
	lenderPrefix     = []byte("vault/lender/")
	collateralPrefix = []byte("vault/collateral/")
)

// Store is a vault.EngineState backed by a storage.Database.
type Store struct {
	db storage.Database
}

// New wraps a database as the vault's persistence layer.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

type storedMarket struct {
	TotalSupplyShares    *big.Int
	TotalDebtShares      *big.Int
	SupplyIndex          *big.Int
	BorrowIndex          *big.Int
	Balance              *big.Int
	Reserves             *big.Int
	LastAccrual          uint64
	DailyLendWindowStart uint64
	DailyLendLeft        *big.Int
	DailyDebtWindowStart uint64
	DailyDebtLeft        *big.Int
}

type storedLoan struct {
	ID         uint64
	Owner      common.Address
	DebtShares *big.Int
}

// HasCap keeps the nil-vs-zero distinction of the value ceiling across
// the encode round trip.
type storedCollateralConfig struct {
	FactorBps       uint64
	HasCap          bool
	ValueCap        *big.Int
	TotalDebtShares *big.Int
}

func loanKey(id uint64) []byte {
	key := make([]byte, len(loanPrefix)+8)
	copy(key, loanPrefix)
	binary.BigEndian.PutUint64(key[len(loanPrefix):], id)
	return key
}

func addressKey(prefix []byte, addr common.Address) []byte {
	key := make([]byte, len(prefix)+common.AddressLength)
	copy(key, prefix)
	copy(key[len(prefix):], addr.Bytes())
	return key
}

// GetMarket loads the market record, or nil when none has been written.
func (s *Store) GetMarket() (*vault.Market, error) {
	raw, err := s.db.Get(marketKey)
	if err != nil {
		return nil, fmt.Errorf("store: load market: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec storedMarket
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode market: %w", err)
	}
	return &vault.Market{
		TotalSupplyShares:    rec.TotalSupplyShares,
		TotalDebtShares:      rec.TotalDebtShares,
		SupplyIndex:          rec.SupplyIndex,
		BorrowIndex:          rec.BorrowIndex,
		Balance:              rec.Balance,
		Reserves:             rec.Reserves,
		LastAccrual:          rec.LastAccrual,
		DailyLendWindowStart: rec.DailyLendWindowStart,
		DailyLendLeft:        rec.DailyLendLeft,
		DailyDebtWindowStart: rec.DailyDebtWindowStart,
		DailyDebtLeft:        rec.DailyDebtLeft,
	}, nil
}

// PutMarket writes the market record.
func (s *Store) PutMarket(m *vault.Market) error {
	if m == nil {
		return fmt.Errorf("store: nil market")
	}
	rec := storedMarket{
		TotalSupplyShares:    orZero(m.TotalSupplyShares),
		TotalDebtShares:      orZero(m.TotalDebtShares),
		SupplyIndex:          orZero(m.SupplyIndex),
		BorrowIndex:          orZero(m.BorrowIndex),
		Balance:              orZero(m.Balance),
		Reserves:             orZero(m.Reserves),
		LastAccrual:          m.LastAccrual,
		DailyLendWindowStart: m.DailyLendWindowStart,
		DailyLendLeft:        orZero(m.DailyLendLeft),
		DailyDebtWindowStart: m.DailyDebtWindowStart,
		DailyDebtLeft:        orZero(m.DailyDebtLeft),
	}
	raw, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("store: encode market: %w", err)
	}
	return s.db.Put(marketKey, raw)
}

// GetLoan loads a loan by position id, or nil when absent.
func (s *Store) GetLoan(id uint64) (*vault.Loan, error) {
	raw, err := s.db.Get(loanKey(id))
	if err != nil {
		return nil, fmt.Errorf("store: load loan %d: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec storedLoan
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode loan %d: %w", id, err)
	}
	return &vault.Loan{ID: rec.ID, Owner: rec.Owner, DebtShares: rec.DebtShares}, nil
}

// PutLoan writes a loan record keyed by its position id.
func (s *Store) PutLoan(l *vault.Loan) error {
	if l == nil {
		return fmt.Errorf("store: nil loan")
	}
	rec := storedLoan{ID: l.ID, Owner: l.Owner, DebtShares: orZero(l.DebtShares)}
	raw, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("store: encode loan %d: %w", l.ID, err)
	}
	return s.db.Put(loanKey(l.ID), raw)
}

// DeleteLoan removes a loan record.
func (s *Store) DeleteLoan(id uint64) error {
	return s.db.Delete(loanKey(id))
}

// LoanIDsByOwner returns the owner's loan ids in ascending order.
func (s *Store) LoanIDsByOwner(owner common.Address) ([]uint64, error) {
	raw, err := s.db.Get(addressKey(ownerPrefix, owner))
	if err != nil {
		return nil, fmt.Errorf("store: load owner index: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var ids []uint64
	if err := rlp.DecodeBytes(raw, &ids); err != nil {
		return nil, fmt.Errorf("store: decode owner index: %w", err)
	}
	return ids, nil
}

// AddOwnerLoan records a loan id under the owner's index. Adding an id
// already present is a no-op.
func (s *Store) AddOwnerLoan(owner common.Address, id uint64) error {
	ids, err := s.LoanIDsByOwner(owner)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return s.putOwnerIndex(owner, ids)
}

// RemoveOwnerLoan drops a loan id from the owner's index.
func (s *Store) RemoveOwnerLoan(owner common.Address, id uint64) error {
	ids, err := s.LoanIDsByOwner(owner)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		return s.db.Delete(addressKey(ownerPrefix, owner))
	}
	return s.putOwnerIndex(owner, kept)
}

func (s *Store) putOwnerIndex(owner common.Address, ids []uint64) error {
	raw, err := rlp.EncodeToBytes(ids)
	if err != nil {
		return fmt.Errorf("store: encode owner index: %w", err)
	}
	return s.db.Put(addressKey(ownerPrefix, owner), raw)
}

// GetLenderShares loads a lender's share balance; absent lenders hold
// zero shares.
func (s *Store) GetLenderShares(addr common.Address) (*big.Int, error) {
	raw, err := s.db.Get(addressKey(lenderPrefix, addr))
	if err != nil {
		return nil, fmt.Errorf("store: load lender shares: %w", err)
	}
	if raw == nil {
		return big.NewInt(0), nil
	}
	shares := new(big.Int)
	if err := rlp.DecodeBytes(raw, shares); err != nil {
		return nil, fmt.Errorf("store: decode lender shares: %w", err)
	}
	return shares, nil
}

// PutLenderShares writes a lender's share balance, deleting the record
// when the balance reaches zero.
func (s *Store) PutLenderShares(addr common.Address, shares *big.Int) error {
	if shares == nil || shares.Sign() == 0 {
		return s.db.Delete(addressKey(lenderPrefix, addr))
	}
	if shares.Sign() < 0 {
		return fmt.Errorf("store: negative lender shares")
	}
	raw, err := rlp.EncodeToBytes(shares)
	if err != nil {
		return fmt.Errorf("store: encode lender shares: %w", err)
	}
	return s.db.Put(addressKey(lenderPrefix, addr), raw)
}

// GetCollateralConfig loads a token's collateral settings, or nil when
// the token is not configured.
func (s *Store) GetCollateralConfig(token common.Address) (*vault.CollateralConfig, error) {
	raw, err := s.db.Get(addressKey(collateralPrefix, token))
	if err != nil {
		return nil, fmt.Errorf("store: load collateral config: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec storedCollateralConfig
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode collateral config: %w", err)
	}
	cfg := &vault.CollateralConfig{FactorBps: rec.FactorBps, TotalDebtShares: rec.TotalDebtShares}
	if rec.HasCap {
		cfg.ValueCap = rec.ValueCap
	}
	return cfg, nil
}

// PutCollateralConfig writes a token's collateral settings.
func (s *Store) PutCollateralConfig(token common.Address, cfg *vault.CollateralConfig) error {
	if cfg == nil {
		return fmt.Errorf("store: nil collateral config")
	}
	rec := storedCollateralConfig{
		FactorBps:       cfg.FactorBps,
		TotalDebtShares: orZero(cfg.TotalDebtShares),
		ValueCap:        big.NewInt(0),
	}
	if cfg.ValueCap != nil {
		rec.HasCap = true
		rec.ValueCap = cfg.ValueCap
	}
	raw, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("store: encode collateral config: %w", err)
	}
	return s.db.Put(addressKey(collateralPrefix, token), raw)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
