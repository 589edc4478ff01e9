package projection

import (
	"PortfolioLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// TransferKind classifies a share movement.
type TransferKind string

const (
	KindMint     TransferKind = "mint"
	KindBurn     TransferKind = "burn"
	KindTransfer TransferKind = "transfer"
)

// TransferRecord is one row of projections.transfer_history: the share
// movement between two parties within one command, split per sub-ledger.
type TransferRecord struct {
	Sequence  int64
	Position  int
	Kind      TransferKind
	From      common.Address
	To        common.Address
	Amounts   [ledger.NumAssets]uint64
	Timestamp int64 // epoch microseconds
}

// Total is the aggregate amount across sub-ledgers.
func (r TransferRecord) Total() uint64 {
	var total uint64
	for _, a := range r.Amounts {
		total += a
	}
	return total
}

// TransfersFromBatch groups the share journals of a batch by (from, to) in
// first-seen order. Backing, principal and allowance journals are ignored.
func TransfersFromBatch(batch *ledger.Batch) []TransferRecord {
	type party struct{ from, to common.Address }

	var records []TransferRecord
	index := make(map[party]int)

	for _, j := range batch.Journals {
		var p party
		switch j.JournalType {
		case ledger.JournalTypeMint:
			p = party{to: j.To}
		case ledger.JournalTypeBurn:
			p = party{from: j.From}
		case ledger.JournalTypeMove:
			p = party{from: j.From, to: j.To}
		default:
			continue
		}

		pos, ok := index[p]
		if !ok {
			pos = len(records)
			index[p] = pos
			records = append(records, TransferRecord{
				Sequence:  batch.Sequence,
				Position:  pos,
				Kind:      kindOf(p.from, p.to),
				From:      p.from,
				To:        p.to,
				Timestamp: batch.Timestamp,
			})
		}
		records[pos].Amounts[j.Index.Lane()] += j.Amount
	}
	return records
}

func kindOf(from, to common.Address) TransferKind {
	switch {
	case ledger.IsZeroAddress(from):
		return KindMint
	case ledger.IsZeroAddress(to):
		return KindBurn
	default:
		return KindTransfer
	}
}
