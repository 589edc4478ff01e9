package projection_test

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/persistence"
	"PortfolioLedger/internal/projection"
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

// run executes a two-asset scenario and returns every emitted output.
func run(t *testing.T) ([]core.CoreOutput, *core.Engine) {
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
		&event.Withdraw{Meta: meta(bob, 6), Amount: 1_000},
	}
	for _, cmd := range cmds {
		_, err := e.ProcessCommand(context.Background(), cmd)
		require.NoError(t, err, cmd.CommandType().String())
	}
	close(ch)

	var outputs []core.CoreOutput
	for out := range ch {
		outputs = append(outputs, out)
	}
	require.Len(t, outputs, len(cmds))
	return outputs, e
}

// ============================================================================
// Test: Transfer grouping
// ============================================================================

func TestTransfersFromBatch(t *testing.T) {
	outputs, _ := run(t)

	assert.Empty(t, projection.TransfersFromBatch(outputs[0].Batch), "SetPool moves no shares")

	mint := projection.TransfersFromBatch(outputs[2].Batch)
	require.Len(t, mint, 1)
	assert.Equal(t, projection.KindMint, mint[0].Kind)
	assert.Equal(t, alice, mint[0].To)
	assert.Equal(t, uint64(10_000), mint[0].Amounts[0])
	assert.Equal(t, int64(3), mint[0].Sequence)

	// One aggregate transfer is a single record split across both sub-ledgers.
	transfer := projection.TransfersFromBatch(outputs[4].Batch)
	require.Len(t, transfer, 1)
	assert.Equal(t, projection.KindTransfer, transfer[0].Kind)
	assert.Equal(t, alice, transfer[0].From)
	assert.Equal(t, bob, transfer[0].To)
	assert.Equal(t, uint64(4_000), transfer[0].Total())
	assert.Positive(t, transfer[0].Amounts[0])
	assert.Positive(t, transfer[0].Amounts[1])

	burn := projection.TransfersFromBatch(outputs[5].Batch)
	require.Len(t, burn, 1)
	assert.Equal(t, projection.KindBurn, burn[0].Kind)
	assert.Equal(t, bob, burn[0].From)
	assert.Equal(t, uint64(1_000), burn[0].Total())
}

// ============================================================================
// Test: Postgres projections
// ============================================================================

func TestProjectionWorker_LiveMatchesRebuild(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	outputs, e := run(t)

	persistCh := make(chan core.CoreOutput, len(outputs))
	projCh := make(chan core.CoreOutput, len(outputs)+1)
	for _, out := range outputs {
		persistCh <- out
		projCh <- out
	}
	projCh <- outputs[2] // re-delivery below the watermark is skipped
	close(persistCh)
	close(projCh)

	require.NoError(t, persistence.NewPersistenceWorker(db, persistCh, 100, time.Second, nil, zerolog.Nop()).Run(ctx))

	worker := projection.NewProjectionWorker(db, projCh, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, int64(6), worker.LastSequence())

	live := readBalances(t, ctx, db)
	liveHistory := readHistory(t, ctx, db)

	// Projections agree with the in-memory book.
	for _, holder := range []common.Address{alice, bob} {
		for i := ledger.AssetIndex(1); i <= 2; i++ {
			shares, err := e.Token().SubBalanceOf(holder, i)
			require.NoError(t, err)
			principal, err := e.Token().RealSubBalanceOf(holder, i)
			require.NoError(t, err)
			got := live[balanceKey{holder.Hex(), int16(i)}]
			assert.Equal(t, shares, got.shares, "%s/%d shares", holder.Hex(), i)
			assert.Equal(t, principal, got.principal, "%s/%d principal", holder.Hex(), i)
		}
	}
	require.Len(t, liveHistory, 4, "two mints, one transfer, one burn")

	require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))
	assert.Equal(t, live, readBalances(t, ctx, db))
	assert.Equal(t, liveHistory, readHistory(t, ctx, db))

	seq, err := projection.LoadWatermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)
}

func TestProjectionWorker_CountsSequenceGaps(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	outputs, _ := run(t)
	projCh := make(chan core.CoreOutput, len(outputs))
	for k, out := range outputs {
		if k == 1 { // second pool binding dropped on the way
			continue
		}
		projCh <- out
	}
	close(projCh)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := projection.NewProjectionWorker(db, projCh, metrics, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	assert.Equal(t, int64(6), worker.LastSequence())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ProjectionGaps))
}

type balanceKey struct {
	holder string
	index  int16
}

type balanceRow struct {
	shares, principal uint64
}

func readBalances(t *testing.T, ctx context.Context, db *sql.DB) map[balanceKey]balanceRow {
	t.Helper()
	rows, err := db.QueryContext(ctx, `
		SELECT holder, asset_index, shares::TEXT, principal::TEXT FROM projections.balances
	`)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[balanceKey]balanceRow)
	for rows.Next() {
		var (
			k                 balanceKey
			shares, principal string
		)
		require.NoError(t, rows.Scan(&k.holder, &k.index, &shares, &principal))
		var r balanceRow
		r.shares, err = strconv.ParseUint(shares, 10, 64)
		require.NoError(t, err)
		r.principal, err = strconv.ParseUint(principal, 10, 64)
		require.NoError(t, err)
		out[k] = r
	}
	require.NoError(t, rows.Err())
	return out
}

type historyRow struct {
	sequence int64
	position int
	kind     string
	from, to string
	total    string
}

func readHistory(t *testing.T, ctx context.Context, db *sql.DB) []historyRow {
	t.Helper()
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, position, kind, from_address, to_address, total::TEXT
		FROM projections.transfer_history
		ORDER BY sequence, position
	`)
	require.NoError(t, err)
	defer rows.Close()

	var out []historyRow
	for rows.Next() {
		var r historyRow
		require.NoError(t, rows.Scan(&r.sequence, &r.position, &r.kind, &r.from, &r.to, &r.total))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}
