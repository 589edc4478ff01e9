package query

import (
	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/ledger"
)

// PoolsResponse lists the bound sub-ledgers.
type PoolsResponse struct {
	Pools        []core.PoolBinding `json:"pools"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// TransferHistoryEntry is one projected share movement.
type TransferHistoryEntry struct {
	Sequence  int64                    `json:"sequence"`
	Position  int                      `json:"position"`
	Kind      string                   `json:"kind"`
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	Amounts   [ledger.NumAssets]Amount `json:"amounts"`
	Total     Amount                   `json:"total"`
	Timestamp int64                    `json:"timestamp"` // epoch microseconds
}

// TransferHistoryResponse is a page of history, newest first. Pass
// NextBefore as the next request's before_sequence to continue.
type TransferHistoryResponse struct {
	Entries      []TransferHistoryEntry `json:"entries"`
	NextBefore   *int64                 `json:"next_before,omitempty"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	Position    int    `json:"position"`
	JournalType string `json:"journal_type"`
	AssetIndex  uint8  `json:"asset_index"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Timestamp   int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool    `json:"is_healthy"`
	LiveSequence     int64   `json:"live_sequence"`
	InvariantError   string  `json:"invariant_error,omitempty"`
	HashChainBreaks  []int64 `json:"hash_chain_breaks,omitempty"`
	ProjectedThrough int64   `json:"projected_through"`
	ProjectionDrift  []int   `json:"projection_drift,omitempty"` // asset indexes whose projected share sum differs from live supply
}
