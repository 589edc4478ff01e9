package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/ledger"
	pmath "PortfolioLedger/internal/math"
	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

var ErrHistoryUnavailable = errors.New("history store not configured")

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// QueryService answers reads. Balances, supplies, allowances and estimates
// come from the live book; history comes from the Postgres projections.
// All responses carry as_of_sequence for freshness semantics.
type QueryService struct {
	engine  *core.Engine
	db      *sql.DB // nil disables history endpoints
	metrics *observability.Metrics
}

func NewQueryService(engine *core.Engine, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{engine: engine, db: db, metrics: metrics}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// asOf is the last applied sequence.
func (qs *QueryService) asOf() int64 {
	return qs.engine.GetSequence() - 1
}

// GetBalance returns a holder's shares and principal across all sub-ledgers.
func (qs *QueryService) GetBalance(ctx context.Context, holder common.Address) (resp *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("balance", start, err) }(time.Now())

	t := qs.engine.Token()
	resp = &BalanceResponse{
		Holder:       holder,
		AsOfSequence: qs.asOf(),
		Balance:      wideUnits(t.BalanceOf(holder)),
		RealBalance:  wideUnits(t.RealBalanceOf(holder)),
	}
	for _, i := range ledger.AllIndexes() {
		shares, err := t.SubBalanceOf(holder, i)
		if err != nil {
			return nil, err
		}
		principal, err := t.RealSubBalanceOf(holder, i)
		if err != nil {
			return nil, err
		}
		resp.SubBalances[i.Lane()] = units(shares)
		resp.RealSubBalances[i.Lane()] = units(principal)
	}
	return resp, nil
}

// GetSupply returns share, principal and backing totals.
func (qs *QueryService) GetSupply(ctx context.Context) (resp *SupplyResponse, err error) {
	defer func(start time.Time) { qs.observe("supply", start, err) }(time.Now())

	t := qs.engine.Token()
	resp = &SupplyResponse{
		AsOfSequence:    qs.asOf(),
		TotalSupply:     wideUnits(t.TotalSupply()),
		RealTotalSupply: wideUnits(t.RealTotalSupply()),
	}
	for _, i := range ledger.AllIndexes() {
		supply, err := t.SubTotalSupply(i)
		if err != nil {
			return nil, err
		}
		principal, err := t.RealSubTotalSupply(i)
		if err != nil {
			return nil, err
		}
		backing, err := t.BackingValue(i)
		if err != nil {
			return nil, err
		}
		resp.SubTotalSupplies[i.Lane()] = units(supply)
		resp.RealSubTotalSupplies[i.Lane()] = units(principal)
		resp.Backing[i.Lane()] = units(backing)
	}
	return resp, nil
}

func (qs *QueryService) GetAllowance(ctx context.Context, owner, spender common.Address) (resp *AllowanceResponse, err error) {
	defer func(start time.Time) { qs.observe("allowance", start, err) }(time.Now())

	amount := qs.engine.Token().Allowance(owner, spender)
	return &AllowanceResponse{
		Owner:    owner,
		Spender:  spender,
		Amount:   units(amount),
		Infinite: amount == ledger.InfiniteAllowance,
	}, nil
}

func (qs *QueryService) GetPools(ctx context.Context) (resp *PoolsResponse, err error) {
	defer func(start time.Time) { qs.observe("pools", start, err) }(time.Now())
	return &PoolsResponse{Pools: qs.engine.Token().Bindings(), AsOfSequence: qs.asOf()}, nil
}

// GetRewards returns the reward the pool at index would pay on the next harvest.
func (qs *QueryService) GetRewards(ctx context.Context, i ledger.AssetIndex) (resp *EstimateResponse, err error) {
	defer func(start time.Time) { qs.observe("rewards", start, err) }(time.Now())

	reward, err := qs.engine.Token().GetRewardsAmount(ctx, i)
	if err != nil {
		return nil, err
	}
	a := units(reward)
	return &EstimateResponse{Index: i, Reward: &a}, nil
}

// EstimateDeposit returns the shares a deposit of amount (a decimal string
// in the asset's own precision) would mint right now, harvest included.
func (qs *QueryService) EstimateDeposit(ctx context.Context, amount string, i ledger.AssetIndex) (resp *EstimateResponse, err error) {
	defer func(start time.Time) { qs.observe("estimate_deposit", start, err) }(time.Now())

	b, err := qs.binding(i)
	if err != nil {
		return nil, err
	}
	native, err := pmath.ParseNative(amount, b.Decimals)
	if err != nil {
		return nil, err
	}
	shares, err := qs.engine.Token().GetEstimatedAmountOnDeposit(ctx, native, i)
	if err != nil {
		return nil, err
	}
	a := units(shares)
	return &EstimateResponse{Index: i, Shares: &a}, nil
}

// EstimateWithdraw returns the native amounts holder would receive per
// sub-ledger for burning shares (a system-precision decimal string).
func (qs *QueryService) EstimateWithdraw(ctx context.Context, holder common.Address, shares string) (resp *WithdrawEstimateResponse, err error) {
	defer func(start time.Time) { qs.observe("estimate_withdraw", start, err) }(time.Now())

	n, err := pmath.ParseSystem(shares)
	if err != nil {
		return nil, err
	}
	t := qs.engine.Token()
	payouts, err := t.GetWithdrawProportionAmount(ctx, holder, n)
	if err != nil {
		return nil, err
	}

	resp = &WithdrawEstimateResponse{Holder: holder, Shares: units(n)}
	for _, b := range t.Bindings() {
		p := payouts[b.Index.Lane()]
		resp.Payouts = append(resp.Payouts, NativeAmount{
			Index:    b.Index,
			Raw:      p.String(),
			Value:    pmath.FormatNative(p, b.Decimals),
			Decimals: b.Decimals,
		})
	}
	return resp, nil
}

func (qs *QueryService) binding(i ledger.AssetIndex) (core.PoolBinding, error) {
	if !i.Valid() {
		return core.PoolBinding{}, fmt.Errorf("asset index %d: %w", i, ledger.ErrIndexOutOfRange)
	}
	for _, b := range qs.engine.Token().Bindings() {
		if b.Index == i {
			return b, nil
		}
	}
	return core.PoolBinding{}, fmt.Errorf("asset index %d: %w", i, core.ErrNoPoolBound)
}

// --- History (projections) ---

// GetTransferHistory returns share movements touching holder, newest first.
// beforeSequence, when set, pages strictly below that sequence.
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	holder common.Address,
	limit int,
	beforeSequence *int64,
) (resp *TransferHistoryResponse, err error) {
	defer func(start time.Time) { qs.observe("transfer_history", start, err) }(time.Now())

	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	limit = pageSize(limit)

	asOfSeq, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, position, kind, from_address, to_address,
		       amounts::TEXT[], total::TEXT, timestamp
		FROM projections.transfer_history
		WHERE (from_address = $1 OR to_address = $1)
	`
	args := []any{holder.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, position DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp = &TransferHistoryResponse{AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			e       TransferHistoryEntry
			amounts []string
			total   string
			ts      time.Time
		)
		if err := rows.Scan(&e.Sequence, &e.Position, &e.Kind, &e.From, &e.To,
			pq.Array(&amounts), &total, &ts); err != nil {
			return nil, err
		}
		if len(amounts) != ledger.NumAssets {
			return nil, fmt.Errorf("seq=%d: %d amounts, want %d", e.Sequence, len(amounts), ledger.NumAssets)
		}
		for l, a := range amounts {
			if e.Amounts[l], err = parseUnits(a); err != nil {
				return nil, fmt.Errorf("seq=%d: %w", e.Sequence, err)
			}
		}
		if e.Total, err = parseUnits(total); err != nil {
			return nil, fmt.Errorf("seq=%d: %w", e.Sequence, err)
		}
		e.Timestamp = ts.UnixMicro()
		resp.Entries = append(resp.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(resp.Entries) == limit {
		next := resp.Entries[len(resp.Entries)-1].Sequence
		resp.NextBefore = &next
	}
	return resp, nil
}

// GetJournalHistory returns journal entries touching holder with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder common.Address,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journal_history", start, err) }(time.Now())

	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}

	query := `
		SELECT j.journal_id, j.batch_id, j.event_ref, j.sequence, j.position,
		       j.journal_type, j.asset_index, j.from_address, j.to_address,
		       j.amount::TEXT, e.timestamp
		FROM event_log.journal j
		JOIN event_log.envelopes e ON e.sequence = j.sequence
		WHERE (j.from_address = $1 OR j.to_address = $1)
	`
	args := []any{holder.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND j.sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY j.sequence DESC, j.position ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e           JournalHistoryEntry
			journalType int32
			ts          time.Time
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &e.Position,
			&journalType, &e.AssetIndex, &e.From, &e.To,
			&e.Amount, &ts,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(journalType).String()
		e.Timestamp = ts.UnixMicro()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the live book invariants and, when Postgres is
// configured, the persisted hash chain and projection agreement.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("verify_integrity", start, err) }(time.Now())

	report = &IntegrityReport{LiveSequence: qs.asOf()}

	var supplies [ledger.NumAssets]uint64
	qs.engine.Token().View(func(b *ledger.Book) {
		if err := ledger.NewInvariantValidator(b).ValidateAll(); err != nil {
			report.InvariantError = err.Error()
		}
		for _, i := range ledger.AllIndexes() {
			supplies[i.Lane()] = b.ShareTotals().GetUnchecked(i.Lane())
		}
	})

	if qs.db != nil {
		if report.HashChainBreaks, err = qs.hashChainBreaks(ctx); err != nil {
			return nil, err
		}
		if report.ProjectedThrough, err = projection.LoadWatermark(ctx, qs.db); err != nil {
			return nil, err
		}
		// Projection totals are only comparable once they have caught up.
		if report.ProjectedThrough == report.LiveSequence {
			if report.ProjectionDrift, err = qs.projectionDrift(ctx, supplies); err != nil {
				return nil, err
			}
		}
	}

	report.IsHealthy = report.InvariantError == "" &&
		len(report.HashChainBreaks) == 0 &&
		len(report.ProjectionDrift) == 0
	return report, nil
}

func (qs *QueryService) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.envelopes e1
		JOIN event_log.envelopes e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func (qs *QueryService) projectionDrift(ctx context.Context, supplies [ledger.NumAssets]uint64) ([]int, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset_index, SUM(shares)::TEXT
		FROM projections.balances
		GROUP BY asset_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projected [ledger.NumAssets]uint64
	for rows.Next() {
		var (
			index int
			sum   string
		)
		if err := rows.Scan(&index, &sum); err != nil {
			return nil, err
		}
		if !ledger.AssetIndex(index).Valid() {
			continue
		}
		if projected[index-1], err = strconv.ParseUint(sum, 10, 64); err != nil {
			return nil, fmt.Errorf("asset %d projected supply %q: %w", index, sum, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var drift []int
	for l := range supplies {
		if projected[l] != supplies[l] {
			drift = append(drift, l+1)
		}
	}
	return drift, nil
}

// --- helpers ---

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

func parseUnits(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount %q: not an integer", s)
	}
	return bigUnits(v), nil
}
