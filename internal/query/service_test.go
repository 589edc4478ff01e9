package query_test

import (
	"context"
	"testing"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/persistence"
	"PortfolioLedger/internal/projection"
	"PortfolioLedger/internal/query"
	"PortfolioLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin   = testutil.Addr(0xad)
	custody = testutil.Addr(0xc0)
	alice   = testutil.Addr(0xa1)
	bob     = testutil.Addr(0xb0)
)

func meta(caller common.Address, n int) event.Meta {
	return event.Meta{
		CommandID: uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(n)}),
		Caller:    caller,
		Timestamp: 1_700_000_000_000_000 + int64(n),
	}
}

type fixture struct {
	d       *testutil.Deployment
	engine  *core.Engine
	outputs []core.CoreOutput
}

// setup binds a 6-decimal and an 18-decimal asset, deposits 10 of each for
// alice, transfers 4 shares to bob and approves bob for 3.
func setup(t *testing.T) *fixture {
	t.Helper()
	d := testutil.NewDeployment(t, 6, 18)
	d.Tokens[0].Mint(alice, testutil.Native(10, 6))
	d.Tokens[1].Mint(alice, testutil.Native(10, 18))

	ch := make(chan core.CoreOutput, 16)
	token := core.NewPortfolioToken(admin, custody, d.Registry, ledger.NewBook(), nil, zerolog.Nop())
	e := core.NewEngine(token, 1, core.Outputs{Persist: ch}, nil, 128, nil, zerolog.Nop())

	cmds := []event.Command{
		&event.SetPool{Meta: meta(admin, 1), Index: 1, Pool: d.Pools[0].Address()},
		&event.SetPool{Meta: meta(admin, 2), Index: 2, Pool: d.Pools[1].Address()},
		&event.Deposit{Meta: meta(alice, 3), Amount: testutil.Native(10, 6), Index: 1},
		&event.Deposit{Meta: meta(alice, 4), Amount: testutil.Native(10, 18), Index: 2},
		&event.Transfer{Meta: meta(alice, 5), To: bob, Amount: 4_000},
		&event.Approve{Meta: meta(alice, 6), Spender: bob, Amount: 3_000},
	}
	for _, cmd := range cmds {
		_, err := e.ProcessCommand(context.Background(), cmd)
		require.NoError(t, err, cmd.CommandType().String())
	}
	close(ch)

	f := &fixture{d: d, engine: e}
	for out := range ch {
		f.outputs = append(f.outputs, out)
	}
	return f
}

// ============================================================================
// Test: Live reads
// ============================================================================

func TestGetBalance(t *testing.T) {
	f := setup(t)
	qs := query.NewQueryService(f.engine, nil, nil)

	resp, err := qs.GetBalance(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.AsOfSequence)
	assert.Equal(t, "16000", resp.Balance.Units)
	assert.Equal(t, "16.000", resp.Balance.Value)
	assert.Equal(t, "16.000", resp.RealBalance.Value)
	assert.Equal(t, "0.000", resp.SubBalances[2].Value)

	bobResp, err := qs.GetBalance(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, "4.000", bobResp.Balance.Value)
	// The transfer splits across both funded sub-ledgers.
	assert.NotEqual(t, "0", bobResp.SubBalances[0].Units)
	assert.NotEqual(t, "0", bobResp.SubBalances[1].Units)
}

func TestGetSupply(t *testing.T) {
	f := setup(t)
	qs := query.NewQueryService(f.engine, nil, nil)

	resp, err := qs.GetSupply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20.000", resp.TotalSupply.Value)
	assert.Equal(t, "20.000", resp.RealTotalSupply.Value)
	assert.Equal(t, "10.000", resp.SubTotalSupplies[0].Value)
	assert.Equal(t, "10.000", resp.SubTotalSupplies[1].Value)
	assert.Equal(t, "10.000", resp.Backing[0].Value)
	assert.Equal(t, "0.000", resp.Backing[3].Value)
}

func TestGetAllowanceAndPools(t *testing.T) {
	f := setup(t)
	qs := query.NewQueryService(f.engine, nil, nil)
	ctx := context.Background()

	allowance, err := qs.GetAllowance(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, "3.000", allowance.Amount.Value)
	assert.False(t, allowance.Infinite)

	pools, err := qs.GetPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools.Pools, 2)
	assert.Equal(t, f.d.Pools[1].Address(), pools.Pools[1].Pool)
	assert.Equal(t, uint8(18), pools.Pools[1].Decimals)
}

func TestEstimates(t *testing.T) {
	f := setup(t)
	qs := query.NewQueryService(f.engine, nil, nil)
	ctx := context.Background()

	est, err := qs.EstimateDeposit(ctx, "2.5", 1)
	require.NoError(t, err)
	require.NotNil(t, est.Shares)
	assert.Equal(t, "2.500", est.Shares.Value)

	_, err = qs.EstimateDeposit(ctx, "1", 3)
	assert.ErrorIs(t, err, core.ErrNoPoolBound)
	_, err = qs.EstimateDeposit(ctx, "1", 9)
	assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange)

	testutil.AccrueReward(t, f.d.Pools[0], f.d.Tokens[0], custody, testutil.Native(1, 6))
	reward, err := qs.GetRewards(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, reward.Reward)
	assert.Equal(t, "1.000", reward.Reward.Value)

	w, err := qs.EstimateWithdraw(ctx, bob, "2")
	require.NoError(t, err)
	require.Len(t, w.Payouts, 2)
	assert.Equal(t, uint8(6), w.Payouts[0].Decimals)
	assert.Equal(t, uint8(18), w.Payouts[1].Decimals)
	assert.Equal(t, "2.000", w.Shares.Value)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	f := setup(t)
	qs := query.NewQueryService(f.engine, nil, nil)

	_, err := qs.GetTransferHistory(context.Background(), alice, 10, nil)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, int64(6), report.LiveSequence)
}

func TestQueryMetrics(t *testing.T) {
	f := setup(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	qs := query.NewQueryService(f.engine, nil, metrics)

	_, _ = qs.GetBalance(context.Background(), alice)
	_, _ = qs.EstimateDeposit(context.Background(), "not-a-number", 1)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("balance", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("estimate_deposit", "error")))
}

// ============================================================================
// Test: Projection-backed history
// ============================================================================

func TestTransferHistory_Paging(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	f := setup(t)
	persistCh := make(chan core.CoreOutput, len(f.outputs))
	projCh := make(chan core.CoreOutput, len(f.outputs))
	for _, out := range f.outputs {
		persistCh <- out
		projCh <- out
	}
	close(persistCh)
	close(projCh)
	require.NoError(t, persistence.NewPersistenceWorker(db, persistCh, 100, time.Second, nil, zerolog.Nop()).Run(ctx))
	require.NoError(t, projection.NewProjectionWorker(db, projCh, nil, zerolog.Nop()).Run(ctx))

	qs := query.NewQueryService(f.engine, db, nil)

	// alice: two mints and one transfer out.
	page, err := qs.GetTransferHistory(ctx, alice, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.AsOfSequence)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "transfer", page.Entries[0].Kind)
	assert.Equal(t, "4.000", page.Entries[0].Total.Value)
	require.NotNil(t, page.NextBefore)

	rest, err := qs.GetTransferHistory(ctx, alice, 2, page.NextBefore)
	require.NoError(t, err)
	require.Len(t, rest.Entries, 1)
	assert.Equal(t, "mint", rest.Entries[0].Kind)
	assert.Equal(t, int64(3), rest.Entries[0].Sequence)
	assert.Nil(t, rest.NextBefore)

	journals, err := qs.GetJournalHistory(ctx, bob, 100, nil)
	require.NoError(t, err)
	require.NotEmpty(t, journals)
	assert.Equal(t, int64(6), journals[0].Sequence)
	assert.Equal(t, "allowance", journals[0].JournalType)
	assert.Equal(t, "3000", journals[0].Amount)
	for _, j := range journals[1:] {
		assert.Equal(t, int64(5), j.Sequence, "only the transfer moves bob's shares")
	}

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, int64(6), report.ProjectedThrough)
}
