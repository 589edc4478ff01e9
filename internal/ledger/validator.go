package ledger

import (
	"fmt"

	"PortfolioLedger/internal/lane"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	book *Book
}

func NewInvariantValidator(book *Book) *InvariantValidator {
	return &InvariantValidator{
		book: book,
	}
}

// ValidateBatch verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateShareSupply verifies shareTotalSupply[i] == sum of shareBalance[*, i]
func (v *InvariantValidator) ValidateShareSupply() error {
	return validateLaneSums("share", v.book.shares, v.book.shareTotal)
}

// ValidatePrincipalSupply verifies principalTotalSupply[i] == sum of principalBalance[*, i]
func (v *InvariantValidator) ValidatePrincipalSupply() error {
	return validateLaneSums("principal", v.book.principal, v.book.principalTotal)
}

// ValidatePortfolioSupply verifies the sum of every holder's aggregate
// balance equals the sum of all sub-ledger supplies.
func (v *InvariantValidator) ValidatePortfolioSupply() error {
	sum := new(uint256.Int)
	for _, w := range v.book.shares {
		sum.Add(sum, w.Total())
	}
	supply := v.book.shareTotal.Total()
	if !sum.Eq(supply) {
		return fmt.Errorf("sum of balances %s != total supply %s", sum, supply)
	}
	return nil
}

// ValidateRedemption verifies a batch only released backing in lanes where
// shares were burned, and never more than the backing held before.
func (v *InvariantValidator) ValidateRedemption(before lane.PackedLane, batch *Batch) error {
	var burned, released [lane.Count]uint64
	for _, j := range batch.Journals {
		switch j.JournalType {
		case JournalTypeBurn:
			burned[j.Index.Lane()] += j.Amount
		case JournalTypeBackingDecrease:
			released[j.Index.Lane()] += j.Amount
		}
	}
	for l := 0; l < lane.Count; l++ {
		if released[l] > 0 && burned[l] == 0 {
			return fmt.Errorf("backing %d released %d without burning shares", IndexForLane(l), released[l])
		}
		if released[l] > before.GetUnchecked(l) {
			return fmt.Errorf("backing %d released %d of %d", IndexForLane(l), released[l], before.GetUnchecked(l))
		}
	}
	return nil
}

// ValidateAll runs every state invariant
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateShareSupply(); err != nil {
		return err
	}
	if err := v.ValidatePrincipalSupply(); err != nil {
		return err
	}
	return v.ValidatePortfolioSupply()
}

func validateLaneSums[K comparable](name string, balances map[K]lane.PackedLane, total lane.PackedLane) error {
	var sums [lane.Count]uint256.Int
	for _, w := range balances {
		for l := 0; l < lane.Count; l++ {
			sums[l].Add(&sums[l], uint256.NewInt(w.GetUnchecked(l)))
		}
	}
	for l := 0; l < lane.Count; l++ {
		want := total.GetUnchecked(l)
		if !sums[l].IsUint64() || sums[l].Uint64() != want {
			return fmt.Errorf("%s supply %d: sum of balances %s != total %d", name, IndexForLane(l), &sums[l], want)
		}
	}
	return nil
}
