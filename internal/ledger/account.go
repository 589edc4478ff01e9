package ledger

import (
	"fmt"

	"PortfolioLedger/internal/lane"

	"github.com/ethereum/go-ethereum/common"
)

// NumAssets is the number of sub-ledgers a portfolio can hold.
const NumAssets = lane.Count

// AssetIndex identifies a sub-ledger. Valid indexes are 1..NumAssets;
// index i lives in lane i-1 of every packed word.
type AssetIndex uint8

// ParseAssetIndex validates a caller-supplied index.
func ParseAssetIndex(v int) (AssetIndex, error) {
	if v < 1 || v > NumAssets {
		return 0, fmt.Errorf("asset index %d: %w", v, ErrIndexOutOfRange)
	}
	return AssetIndex(v), nil
}

// IndexForLane maps a lane back to its asset index.
func IndexForLane(l int) AssetIndex {
	return AssetIndex(l + 1)
}

// AllIndexes returns 1..NumAssets in order.
func AllIndexes() []AssetIndex {
	out := make([]AssetIndex, 0, NumAssets)
	for i := 1; i <= NumAssets; i++ {
		out = append(out, AssetIndex(i))
	}
	return out
}

func (i AssetIndex) Valid() bool {
	return i >= 1 && i <= NumAssets
}

// Lane returns the packed-word lane for this index. Only call on a valid index.
func (i AssetIndex) Lane() int {
	return int(i) - 1
}

func (i AssetIndex) check() error {
	if !i.Valid() {
		return fmt.Errorf("asset index %d: %w", i, ErrIndexOutOfRange)
	}
	return nil
}

// IsZeroAddress reports whether a is the zero address.
func IsZeroAddress(a common.Address) bool {
	return a == (common.Address{})
}

// AccountKey identifies one holder's position in one sub-ledger.
type AccountKey struct {
	Owner common.Address
	Index AssetIndex
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("user:%s:%d", k.Owner.Hex(), k.Index)
}

// Movement describes shares moved between two holders, per sub-ledger.
// A zero From is a mint; a zero To is a burn.
type Movement struct {
	From    common.Address
	To      common.Address
	Amounts [NumAssets]uint64
}

// Total returns the sum of all per-asset amounts.
func (m Movement) Total() uint64 {
	var total uint64
	for _, a := range m.Amounts {
		total += a
	}
	return total
}

func (m Movement) IsZero() bool {
	return m.Amounts == [NumAssets]uint64{}
}
