package ledger

import (
	"fmt"

	fpmath "PortfolioLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// SubLedger is the exchange-rate view of one asset index of a Book. Shares
// are priced against the sub-ledger's backing value; principal records what
// each holder deposited.
type SubLedger struct {
	book  *Book
	index AssetIndex
}

// Sub returns the sub-ledger for index i.
func (b *Book) Sub(i AssetIndex) (*SubLedger, error) {
	if err := i.check(); err != nil {
		return nil, err
	}
	return &SubLedger{book: b, index: i}, nil
}

func (s *SubLedger) Index() AssetIndex {
	return s.index
}

func (s *SubLedger) ShareBalance(holder common.Address) uint64 {
	return s.book.shares[holder].GetUnchecked(s.index.Lane())
}

func (s *SubLedger) ShareTotalSupply() uint64 {
	return s.book.shareTotal.GetUnchecked(s.index.Lane())
}

func (s *SubLedger) BackingValue() uint64 {
	return s.book.backing.GetUnchecked(s.index.Lane())
}

func (s *SubLedger) PrincipalBalance(holder common.Address) uint64 {
	return s.book.principal[holder].GetUnchecked(s.index.Lane())
}

func (s *SubLedger) PrincipalTotalSupply() uint64 {
	return s.book.principalTotal.GetUnchecked(s.index.Lane())
}

// SharesForDeposit prices amount at the current rate, flooring.
func (s *SubLedger) SharesForDeposit(amount uint64) (uint64, error) {
	return fpmath.SharesForAmount(amount, s.ShareTotalSupply(), s.BackingValue())
}

// PrincipalForShares values shares at the current rate, flooring.
func (s *SubLedger) PrincipalForShares(shares uint64) (uint64, error) {
	return fpmath.AmountForShares(shares, s.BackingValue(), s.ShareTotalSupply())
}

// DepositPrincipal credits amount of backing and principal to holder and
// mints shares at the current rate. Returns the minted shares, which may be
// zero for an amount smaller than one share.
func (s *SubLedger) DepositPrincipal(holder common.Address, amount uint64) (uint64, error) {
	if IsZeroAddress(holder) {
		return 0, fmt.Errorf("deposit principal: %w", ErrZeroAddress)
	}
	if amount == 0 {
		return 0, nil
	}

	minted, err := s.SharesForDeposit(amount)
	if err != nil {
		return 0, fmt.Errorf("price deposit: %w", err)
	}

	journals := make([]Journal, 0, 3)
	if minted > 0 {
		journals = append(journals, Journal{JournalType: JournalTypeMint, Index: s.index, To: holder, Amount: minted})
	}
	journals = append(journals,
		Journal{JournalType: JournalTypeBackingIncrease, Index: s.index, Amount: amount},
		Journal{JournalType: JournalTypePrincipalIncrease, Index: s.index, To: holder, Amount: amount},
	)
	if err := s.book.post(journals...); err != nil {
		return 0, fmt.Errorf("deposit principal %d: %w", s.index, err)
	}
	return minted, nil
}

// HarvestReward raises the backing value by amount without minting shares,
// which raises the exchange rate for every holder. Amounts below the dust
// floor are ignored and report false.
func (s *SubLedger) HarvestReward(amount uint64) (bool, error) {
	if amount < fpmath.DustFloor {
		return false, nil
	}
	err := s.book.post(Journal{JournalType: JournalTypeBackingIncrease, Index: s.index, Amount: amount})
	if err != nil {
		return false, fmt.Errorf("harvest %d: %w", s.index, err)
	}
	return true, nil
}

// RedeemShares burns shares from holder and releases their value from the
// backing. Returns the redeemed principal.
func (s *SubLedger) RedeemShares(holder common.Address, shares uint64) (uint64, error) {
	principal, journals, err := s.redeemJournals(holder, shares)
	if err != nil {
		return 0, err
	}
	if err := s.book.post(journals...); err != nil {
		return 0, fmt.Errorf("redeem %d: %w", s.index, err)
	}
	return principal, nil
}

func (s *SubLedger) redeemJournals(holder common.Address, shares uint64) (uint64, []Journal, error) {
	if IsZeroAddress(holder) {
		return 0, nil, fmt.Errorf("redeem: %w", ErrZeroAddress)
	}
	balance := s.ShareBalance(holder)
	if shares > balance {
		return 0, nil, fmt.Errorf("redeem %d of %d shares in %d: %w", shares, balance, s.index, ErrInsufficientShares)
	}
	if shares == 0 {
		return 0, nil, nil
	}

	principal, err := s.PrincipalForShares(shares)
	if err != nil {
		return 0, nil, fmt.Errorf("value shares: %w", err)
	}
	released, err := fpmath.MulDiv(s.PrincipalBalance(holder), shares, balance)
	if err != nil {
		return 0, nil, fmt.Errorf("scale principal: %w", err)
	}

	journals := make([]Journal, 0, 3)
	journals = append(journals, Journal{JournalType: JournalTypeBurn, Index: s.index, From: holder, Amount: shares})
	if principal > 0 {
		journals = append(journals, Journal{JournalType: JournalTypeBackingDecrease, Index: s.index, Amount: principal})
	}
	if released > 0 {
		journals = append(journals, Journal{JournalType: JournalTypePrincipalDecrease, Index: s.index, From: holder, Amount: released})
	}
	return principal, journals, nil
}
