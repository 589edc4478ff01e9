package persistence_test

import (
	"context"
	"testing"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/persistence"
	"PortfolioLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
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

func newEngine(d *testutil.Deployment, persist chan<- core.CoreOutput) *core.Engine {
	token := core.NewPortfolioToken(admin, custody, d.Registry, ledger.NewBook(), nil, zerolog.Nop())
	return core.NewEngine(token, 1, core.Outputs{Persist: persist}, nil, 128, nil, zerolog.Nop())
}

func runCommands(t *testing.T, e *core.Engine, d *testutil.Deployment) {
	t.Helper()
	d.Tokens[0].Mint(alice, testutil.Native(20, 6))

	cmds := []event.Command{
		&event.SetPool{Meta: meta(admin, 1), Index: 1, Pool: d.Pools[0].Address()},
		&event.Deposit{Meta: meta(alice, 2), Amount: testutil.Native(20, 6), Index: 1},
		&event.Approve{Meta: meta(alice, 3), Spender: bob, Amount: ledger.InfiniteAllowance},
		&event.TransferFrom{Meta: meta(bob, 4), From: alice, To: bob, Amount: 5_000},
		&event.Withdraw{Meta: meta(bob, 5), Amount: 2_000},
	}
	for _, cmd := range cmds {
		_, err := e.ProcessCommand(context.Background(), cmd)
		require.NoError(t, err, cmd.CommandType().String())
	}
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	d := testutil.NewDeployment(t, 6)
	persistCh := make(chan core.CoreOutput, 16)
	runCommands(t, newEngine(d, persistCh), d)
	close(persistCh)

	var outputs []core.CoreOutput
	for out := range persistCh {
		outputs = append(outputs, out)
	}
	require.Len(t, outputs, 5)

	env, journals := persistence.RowsFromOutput(outputs[1])
	assert.Equal(t, int64(2), env.Sequence)
	assert.Equal(t, "Deposit", env.CommandType)
	assert.Equal(t, alice.Hex(), env.Caller)
	assert.Len(t, env.StateHash, 32)
	assert.Equal(t, outputs[1].Batch.BatchID.String(), env.BatchID)

	require.Len(t, journals, len(outputs[1].Batch.Journals))
	for pos, j := range journals {
		assert.Equal(t, pos, j.Position)
		assert.Equal(t, env.Sequence, j.Sequence)
		assert.Equal(t, env.BatchID, j.BatchID)
	}

	// The infinite allowance survives as a full uint64.
	_, journals = persistence.RowsFromOutput(outputs[2])
	require.Len(t, journals, 1)
	assert.Equal(t, uint64(ledger.InfiniteAllowance), journals[0].Amount)
	assert.Equal(t, uint8(0), journals[0].AssetIndex)
}

// ============================================================================
// Test: Postgres round trip
// ============================================================================

func TestEventLog_PersistAndReplay(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	d := testutil.NewDeployment(t, 6)
	persistCh := make(chan core.CoreOutput, 16)
	live := newEngine(d, persistCh)
	runCommands(t, live, d)
	close(persistCh)

	worker := persistence.NewPersistenceWorker(db, persistCh, 100, time.Second, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	snapMgr := persistence.NewSnapshotManager(db)
	latest, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)

	records, err := snapMgr.LoadRecordsAfter(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 5)

	replica := newEngine(d, nil)
	for _, r := range records {
		require.NoError(t, replica.Replay(ctx, r.Envelope, r.Batch), "seq=%d", r.Envelope.Sequence)
	}
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, live.Token().Bindings(), replica.Token().Bindings())

	tail, err := snapMgr.LoadRecordsAfter(ctx, 3, 100)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Envelope.Sequence)

	dedup := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := dedup.IsDuplicate(ctx, "Deposit", meta(alice, 2).IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = dedup.IsDuplicate(ctx, "Withdraw", meta(alice, 2).IdempotencyKey())
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSnapshot_SaveVerifyLoad(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	d := testutil.NewDeployment(t, 6)
	live := newEngine(d, nil)
	runCommands(t, live, d)

	snapMgr := persistence.NewSnapshotManager(db)
	snap := live.CreateSnapshotState()
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Positive(t, size)

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, snapMgr.MarkVerified(ctx, snap.Sequence))
	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	restored := newEngine(d, nil)
	require.NoError(t, restored.RestoreFromSnapshot(ctx, loaded))
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, live.Token().BalanceOf(bob), restored.Token().BalanceOf(bob))
}
