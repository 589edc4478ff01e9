package ledger

import (
	"fmt"
	"math"

	fpmath "PortfolioLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InfiniteAllowance is never decreased by TransferFrom.
const InfiniteAllowance = math.MaxUint64

// Portfolio is the aggregate view of a Book: one fungible balance per holder
// equal to the sum of their four sub-ledger share balances.
type Portfolio struct {
	book *Book
}

func NewPortfolio(book *Book) *Portfolio {
	return &Portfolio{book: book}
}

func (p *Portfolio) Book() *Book {
	return p.book
}

// === Share side ===

func (p *Portfolio) BalanceOf(holder common.Address) *uint256.Int {
	return p.book.shares[holder].Total()
}

func (p *Portfolio) SubBalanceOf(holder common.Address, i AssetIndex) (uint64, error) {
	if err := i.check(); err != nil {
		return 0, err
	}
	return p.book.shares[holder].GetUnchecked(i.Lane()), nil
}

func (p *Portfolio) TotalSupply() *uint256.Int {
	return p.book.shareTotal.Total()
}

func (p *Portfolio) SubTotalSupply(i AssetIndex) (uint64, error) {
	if err := i.check(); err != nil {
		return 0, err
	}
	return p.book.shareTotal.GetUnchecked(i.Lane()), nil
}

// === Principal side ===

func (p *Portfolio) RealBalanceOf(holder common.Address) *uint256.Int {
	return p.book.principal[holder].Total()
}

func (p *Portfolio) RealSubBalanceOf(holder common.Address, i AssetIndex) (uint64, error) {
	if err := i.check(); err != nil {
		return 0, err
	}
	return p.book.principal[holder].GetUnchecked(i.Lane()), nil
}

func (p *Portfolio) RealTotalSupply() *uint256.Int {
	return p.book.principalTotal.Total()
}

func (p *Portfolio) RealSubTotalSupply(i AssetIndex) (uint64, error) {
	if err := i.check(); err != nil {
		return 0, err
	}
	return p.book.principalTotal.GetUnchecked(i.Lane()), nil
}

// === Allowances ===

func (p *Portfolio) Allowance(owner, spender common.Address) uint64 {
	return p.book.Allowance(owner, spender)
}

func (p *Portfolio) Approve(owner, spender common.Address, amount uint64) error {
	if IsZeroAddress(owner) || IsZeroAddress(spender) {
		return fmt.Errorf("approve: %w", ErrZeroAddress)
	}
	return p.book.post(allowanceJournal(owner, spender, amount))
}

func (p *Portfolio) IncreaseAllowance(owner, spender common.Address, added uint64) error {
	if IsZeroAddress(owner) || IsZeroAddress(spender) {
		return fmt.Errorf("increase allowance: %w", ErrZeroAddress)
	}
	current := p.book.Allowance(owner, spender)
	if added > math.MaxUint64-current {
		return fmt.Errorf("increase allowance: %w", ErrValueOverflow)
	}
	return p.book.post(allowanceJournal(owner, spender, current+added))
}

func (p *Portfolio) DecreaseAllowance(owner, spender common.Address, subtracted uint64) error {
	if IsZeroAddress(owner) || IsZeroAddress(spender) {
		return fmt.Errorf("decrease allowance: %w", ErrZeroAddress)
	}
	current := p.book.Allowance(owner, spender)
	if subtracted > current {
		return fmt.Errorf("decrease allowance by %d from %d: %w", subtracted, current, ErrAllowanceUnderflow)
	}
	return p.book.post(allowanceJournal(owner, spender, current-subtracted))
}

func allowanceJournal(owner, spender common.Address, amount uint64) Journal {
	return Journal{JournalType: JournalTypeAllowance, From: owner, To: spender, Amount: amount}
}

// spendJournal returns the journal that consumes amount of spender's
// allowance over owner, or nil for an infinite allowance.
func (p *Portfolio) spendJournal(owner, spender common.Address, amount uint64) ([]Journal, error) {
	if IsZeroAddress(owner) || IsZeroAddress(spender) {
		return nil, fmt.Errorf("spend allowance: %w", ErrZeroAddress)
	}
	current := p.book.Allowance(owner, spender)
	if current == InfiniteAllowance {
		return nil, nil
	}
	if amount > current {
		return nil, fmt.Errorf("spend %d of allowance %d: %w", amount, current, ErrInsufficientAllowance)
	}
	return []Journal{allowanceJournal(owner, spender, current-amount)}, nil
}

// === Transfers ===

// Transfer moves amount of aggregate balance from one holder to another,
// drawing from each sub-ledger in proportion to the sender's holdings there.
// Each per-asset delta is floored; the residual is not moved.
func (p *Portfolio) Transfer(from, to common.Address, amount uint64) (Movement, error) {
	mv, journals, err := p.transferJournals(from, to, amount)
	if err != nil {
		return Movement{}, err
	}
	if err := p.book.post(journals...); err != nil {
		return Movement{}, fmt.Errorf("transfer: %w", err)
	}
	return mv, nil
}

// SubTransfer moves amount of shares in a single sub-ledger.
func (p *Portfolio) SubTransfer(from, to common.Address, amount uint64, i AssetIndex) (Movement, error) {
	mv, journals, err := p.subTransferJournals(from, to, amount, i)
	if err != nil {
		return Movement{}, err
	}
	if err := p.book.post(journals...); err != nil {
		return Movement{}, fmt.Errorf("sub transfer: %w", err)
	}
	return mv, nil
}

// TransferFrom spends amount of spender's allowance over from and transfers.
func (p *Portfolio) TransferFrom(spender, from, to common.Address, amount uint64) (Movement, error) {
	mv, journals, err := p.transferJournals(from, to, amount)
	if err != nil {
		return Movement{}, err
	}
	spend, err := p.spendJournal(from, spender, amount)
	if err != nil {
		return Movement{}, err
	}
	if err := p.book.post(append(spend, journals...)...); err != nil {
		return Movement{}, fmt.Errorf("transfer from: %w", err)
	}
	return mv, nil
}

// SubTransferFrom spends amount of spender's allowance and transfers within
// a single sub-ledger.
func (p *Portfolio) SubTransferFrom(spender, from, to common.Address, amount uint64, i AssetIndex) (Movement, error) {
	mv, journals, err := p.subTransferJournals(from, to, amount, i)
	if err != nil {
		return Movement{}, err
	}
	spend, err := p.spendJournal(from, spender, amount)
	if err != nil {
		return Movement{}, err
	}
	if err := p.book.post(append(spend, journals...)...); err != nil {
		return Movement{}, fmt.Errorf("sub transfer from: %w", err)
	}
	return mv, nil
}

func checkParties(from, to common.Address, amount uint64) error {
	if IsZeroAddress(from) {
		return fmt.Errorf("transfer from: %w", ErrZeroAddress)
	}
	if IsZeroAddress(to) {
		return fmt.Errorf("transfer to: %w", ErrZeroAddress)
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	return nil
}

func (p *Portfolio) transferJournals(from, to common.Address, amount uint64) (Movement, []Journal, error) {
	if err := checkParties(from, to, amount); err != nil {
		return Movement{}, nil, err
	}
	balance := p.BalanceOf(from)
	if balance.Cmp(uint256.NewInt(amount)) < 0 {
		return Movement{}, nil, fmt.Errorf("transfer %d of %s: %w", amount, balance, ErrInsufficientBalance)
	}

	split, err := fpmath.ProportionalSplit(amount, p.book.shares[from].Lanes())
	if err != nil {
		return Movement{}, nil, fmt.Errorf("split transfer: %w", err)
	}

	mv := Movement{From: from, To: to, Amounts: split.Parts}
	if from == to {
		return mv, nil, nil
	}

	journals := make([]Journal, 0, 2*NumAssets)
	for l, delta := range split.Parts {
		if delta == 0 {
			continue
		}
		moved, err := p.laneJournals(from, to, delta, IndexForLane(l))
		if err != nil {
			return Movement{}, nil, err
		}
		journals = append(journals, moved...)
	}
	return mv, journals, nil
}

func (p *Portfolio) subTransferJournals(from, to common.Address, amount uint64, i AssetIndex) (Movement, []Journal, error) {
	if err := i.check(); err != nil {
		return Movement{}, nil, err
	}
	if err := checkParties(from, to, amount); err != nil {
		return Movement{}, nil, err
	}
	balance := p.book.shares[from].GetUnchecked(i.Lane())
	if amount > balance {
		return Movement{}, nil, fmt.Errorf("sub transfer %d of %d in %d: %w", amount, balance, i, ErrInsufficientSubBalance)
	}

	mv := Movement{From: from, To: to}
	mv.Amounts[i.Lane()] = amount
	if from == to {
		return mv, nil, nil
	}

	journals, err := p.laneJournals(from, to, amount, i)
	if err != nil {
		return Movement{}, nil, err
	}
	return mv, journals, nil
}

// laneJournals moves shares in one lane and the matching share of the
// sender's principal.
func (p *Portfolio) laneJournals(from, to common.Address, shares uint64, i AssetIndex) ([]Journal, error) {
	l := i.Lane()
	held := p.book.shares[from].GetUnchecked(l)
	principal, err := fpmath.MulDiv(p.book.principal[from].GetUnchecked(l), shares, held)
	if err != nil {
		return nil, fmt.Errorf("scale principal: %w", err)
	}

	journals := []Journal{{JournalType: JournalTypeMove, Index: i, From: from, To: to, Amount: shares}}
	if principal > 0 {
		journals = append(journals, Journal{JournalType: JournalTypePrincipalMove, Index: i, From: from, To: to, Amount: principal})
	}
	return journals, nil
}

// === Mint / burn ===

// Mint credits shares to holder in sub-ledger i without touching backing.
func (p *Portfolio) Mint(to common.Address, i AssetIndex, shares uint64) error {
	if err := i.check(); err != nil {
		return err
	}
	if IsZeroAddress(to) {
		return fmt.Errorf("mint: %w", ErrZeroAddress)
	}
	if shares == 0 {
		return nil
	}
	return p.book.post(Journal{JournalType: JournalTypeMint, Index: i, To: to, Amount: shares})
}

// Burn redeems amount of holder's shares in sub-ledger i. Returns the burned
// movement and the redeemed principal.
func (p *Portfolio) Burn(from common.Address, amount uint64, i AssetIndex) (Movement, uint64, error) {
	sub, err := p.book.Sub(i)
	if err != nil {
		return Movement{}, 0, err
	}
	if balance := sub.ShareBalance(from); amount > balance {
		return Movement{}, 0, fmt.Errorf("burn %d of %d in %d: %w", amount, balance, i, ErrInsufficientSubBalance)
	}
	redeemed, err := sub.RedeemShares(from, amount)
	if err != nil {
		return Movement{}, 0, err
	}

	mv := Movement{From: from}
	mv.Amounts[i.Lane()] = amount
	return mv, redeemed, nil
}

// WithdrawPortions returns how amount of holder's aggregate balance splits
// across sub-ledgers. It does not mutate the book.
func (p *Portfolio) WithdrawPortions(holder common.Address, amount uint64) (fpmath.Split, error) {
	balance := p.BalanceOf(holder)
	if balance.Cmp(uint256.NewInt(amount)) < 0 {
		return fpmath.Split{}, fmt.Errorf("withdraw %d of %s: %w", amount, balance, ErrInsufficientBalance)
	}
	return fpmath.ProportionalSplit(amount, p.book.shares[holder].Lanes())
}

// BurnProportional redeems amount of holder's aggregate balance, split
// across sub-ledgers like Transfer. All lanes are redeemed or none are.
// Returns the burned movement and the redeemed principal per lane.
func (p *Portfolio) BurnProportional(from common.Address, amount uint64) (Movement, [NumAssets]uint64, error) {
	var redeemed [NumAssets]uint64

	split, err := p.WithdrawPortions(from, amount)
	if err != nil {
		return Movement{}, redeemed, err
	}

	var journals []Journal
	for l, portion := range split.Parts {
		if portion == 0 {
			continue
		}
		sub := &SubLedger{book: p.book, index: IndexForLane(l)}
		principal, js, err := sub.redeemJournals(from, portion)
		if err != nil {
			return Movement{}, redeemed, err
		}
		redeemed[l] = principal
		journals = append(journals, js...)
	}
	if err := p.book.post(journals...); err != nil {
		return Movement{}, [NumAssets]uint64{}, fmt.Errorf("burn proportional: %w", err)
	}
	return Movement{From: from, Amounts: split.Parts}, redeemed, nil
}
