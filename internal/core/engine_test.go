package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const baseTimestamp = int64(1_700_000_000_000_000)

// meta builds a deterministic command header: the same n always yields the
// same command id.
func meta(caller common.Address, n int) event.Meta {
	return event.Meta{
		CommandID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("command-%d", n))),
		Caller:    caller,
		Timestamp: baseTimestamp + int64(n)*1000,
	}
}

// newTestEngine creates an engine over a fresh book with a buffered persist
// channel and no DB checker. Sequences start at 1.
func newTestEngine(d *testutil.Deployment, metrics *observability.Metrics, outputs core.Outputs) *core.Engine {
	token := core.NewPortfolioToken(admin, custody, d.Registry, ledger.NewBook(), metrics, zerolog.Nop())
	return core.NewEngine(token, 1, outputs, nil, 1024, metrics, zerolog.Nop())
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// scenarioCommands covers every state-changing path: binding, deposits on
// two assets, transfers, allowances, a harvest and both withdraw flavors.
func scenarioCommands(d *testutil.Deployment) []event.Command {
	return []event.Command{
		&event.SetPool{Meta: meta(admin, 1), Index: 1, Pool: d.Pools[0].Address()},
		&event.SetPool{Meta: meta(admin, 2), Index: 2, Pool: d.Pools[1].Address()},
		&event.Deposit{Meta: meta(alice, 3), Amount: testutil.Native(10, 6), Index: 1},
		&event.Deposit{Meta: meta(alice, 4), Amount: testutil.Native(10, 18), Index: 2},
		&event.Deposit{Meta: meta(bob, 5), Amount: testutil.Native(5, 6), Index: 1},
		&event.Transfer{Meta: meta(alice, 6), To: bob, Amount: 3_000},
		&event.Approve{Meta: meta(bob, 7), Spender: carol, Amount: 1_000},
		&event.SubTransferFrom{Meta: meta(carol, 8), From: bob, To: carol, Amount: 500, Index: 1},
		&event.DepositRewards{Meta: meta(bob, 9)},
		&event.Withdraw{Meta: meta(alice, 10), Amount: 4_000},
		&event.SubWithdraw{Meta: meta(bob, 11), Amount: 1_000, Index: 2},
	}
}

// runScenario funds the callers, accrues one whole token of reward on the
// first pool before the harvest, and processes every scenario command.
func runScenario(t *testing.T, e *core.Engine, d *testutil.Deployment) []*core.CoreOutput {
	t.Helper()
	ctx := context.Background()

	d.Tokens[0].Mint(alice, testutil.Native(10, 6))
	d.Tokens[1].Mint(alice, testutil.Native(10, 18))
	d.Tokens[0].Mint(bob, testutil.Native(5, 6))

	var outputs []*core.CoreOutput
	for _, cmd := range scenarioCommands(d) {
		if cmd.CommandType() == event.CommandTypeDepositRewards {
			testutil.AccrueReward(t, d.Pools[0], d.Tokens[0], custody, testutil.Native(1, 6))
		}
		out, err := e.ProcessCommand(ctx, cmd)
		if err != nil {
			t.Fatalf("%s failed: %v", cmd.CommandType(), err)
		}
		outputs = append(outputs, out)
	}
	return outputs
}

func exportBook(e *core.Engine) ledger.BookState {
	var state ledger.BookState
	e.Token().View(func(b *ledger.Book) { state = b.Export() })
	return state
}

type unknownCommand struct {
	event.Meta
}

func (*unknownCommand) CommandType() event.CommandType { return event.CommandTypeUnknown }

// ============================================================================
// Test: Envelope chain
// ============================================================================

func TestProcessCommand_EnvelopeChain(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	persistCh := make(chan core.CoreOutput, 64)
	e := newTestEngine(d, nil, core.Outputs{Persist: persistCh})

	outputs := runScenario(t, e, d)
	cmds := scenarioCommands(d)

	prev := core.GenesisHash()
	for n, out := range outputs {
		env := out.Envelope
		if env.Sequence != int64(n+1) {
			t.Fatalf("output %d: expected sequence %d, got %d", n, n+1, env.Sequence)
		}
		if env.PrevHash != prev {
			t.Fatalf("seq=%d: prev hash does not chain", env.Sequence)
		}
		if env.StateHash == env.PrevHash {
			t.Fatalf("seq=%d: state hash equals prev hash", env.Sequence)
		}
		if env.IdempotencyKey != cmds[n].IdempotencyKey() {
			t.Errorf("seq=%d: idempotency key %q, want %q", env.Sequence, env.IdempotencyKey, cmds[n].IdempotencyKey())
		}
		if env.CommandType != cmds[n].CommandType() || env.Caller != cmds[n].Sender() {
			t.Errorf("seq=%d: envelope header does not match command", env.Sequence)
		}
		if out.Batch.Sequence != env.Sequence || out.Batch.Timestamp != cmds[n].Time().UnixMicro() {
			t.Errorf("seq=%d: batch stamped with seq=%d ts=%d", env.Sequence, out.Batch.Sequence, out.Batch.Timestamp)
		}
		prev = env.StateHash
	}

	if got := e.GetStateHash(); got != prev {
		t.Fatal("engine state hash is not the last envelope's hash")
	}
	if got := e.GetSequence(); got != int64(len(outputs)+1) {
		t.Fatalf("expected next sequence %d, got %d", len(outputs)+1, got)
	}
	if got := len(drainOutputs(persistCh)); got != len(outputs) {
		t.Fatalf("expected %d persisted outputs, got %d", len(outputs), got)
	}

	// The decoded payload is the command itself.
	var dep event.Deposit
	if err := json.Unmarshal(outputs[2].Envelope.Payload, &dep); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if dep.Amount.Cmp(testutil.Native(10, 6)) != 0 || dep.Index != 1 || dep.Caller != alice {
		t.Errorf("unexpected deposit payload: %+v", dep)
	}
}

func TestProcessCommand_SetPoolBatchIsEmpty(t *testing.T) {
	d := testutil.NewDeployment(t, 6)
	e := newTestEngine(d, nil, core.Outputs{})

	out, err := e.ProcessCommand(context.Background(), &event.SetPool{Meta: meta(admin, 1), Index: 1, Pool: d.Pools[0].Address()})
	if err != nil {
		t.Fatalf("SetPool failed: %v", err)
	}
	if len(out.Batch.Journals) != 0 {
		t.Fatalf("expected no journals, got %d", len(out.Batch.Journals))
	}
	if len(out.Notifications) != 1 || out.Notifications[0].NotificationType() != event.NotificationTypePoolBound {
		t.Fatalf("expected a PoolBound notification, got %v", out.Notifications)
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestProcessCommand_DuplicateRejected(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine(d, metrics, core.Outputs{})
	runScenario(t, e, d)

	seq, hash := e.GetSequence(), e.GetStateHash()
	_, err := e.ProcessCommand(context.Background(), scenarioCommands(d)[6])
	if !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	if e.GetSequence() != seq || e.GetStateHash() != hash {
		t.Fatal("duplicate changed engine state")
	}
	if got := promtest.ToFloat64(metrics.CoreCommandsRejected.WithLabelValues("Approve", "duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate rejection, got %v", got)
	}
}

func TestProcessCommand_RejectedConsumesNoSequence(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persistCh := make(chan core.CoreOutput, 64)
	e := newTestEngine(d, metrics, core.Outputs{Persist: persistCh})
	runScenario(t, e, d)
	drainOutputs(persistCh)

	seq, hash, before := e.GetSequence(), e.GetStateHash(), exportBook(e)

	tooMuch := &event.Withdraw{Meta: meta(alice, 100), Amount: 1_000_000_000}
	_, err := e.ProcessCommand(context.Background(), tooMuch)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if e.GetSequence() != seq || e.GetStateHash() != hash {
		t.Fatal("rejected command advanced the chain")
	}
	if !reflect.DeepEqual(before, exportBook(e)) {
		t.Fatal("rejected command changed the book")
	}
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Fatalf("rejected command was emitted %d times", got)
	}
	if got := promtest.ToFloat64(metrics.CoreCommandsRejected.WithLabelValues("Withdraw", "insufficient_funds")); got != 1 {
		t.Fatalf("expected 1 insufficient_funds rejection, got %v", got)
	}

	// A rejected key is not remembered, so a corrected command may reuse it.
	tooMuch.Amount = 100
	out, err := e.ProcessCommand(context.Background(), tooMuch)
	if err != nil {
		t.Fatalf("corrected command failed: %v", err)
	}
	if out.Envelope.Sequence != seq {
		t.Fatalf("expected sequence %d, got %d", seq, out.Envelope.Sequence)
	}
}

func TestProcessCommand_RejectReasons(t *testing.T) {
	d := testutil.NewDeployment(t, 6)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine(d, metrics, core.Outputs{})
	ctx := context.Background()

	tests := []struct {
		name    string
		cmd     event.Command
		label   string
		reason  string
		wantErr error
	}{
		{"non-admin set pool", &event.SetPool{Meta: meta(alice, 1), Index: 1, Pool: d.Pools[0].Address()}, "SetPool", "unauthorized", core.ErrUnauthorized},
		{"unbound deposit", &event.Deposit{Meta: meta(alice, 2), Amount: testutil.Native(1, 6), Index: 1}, "Deposit", "configuration", core.ErrNoPoolBound},
		{"zero transfer", &event.Transfer{Meta: meta(alice, 3), To: bob}, "Transfer", "validation", ledger.ErrZeroAmount},
		{"unknown", &unknownCommand{Meta: meta(alice, 4)}, "Unknown", "unknown", core.ErrUnknownCommand},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ProcessCommand(ctx, tc.cmd)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if got := promtest.ToFloat64(metrics.CoreCommandsRejected.WithLabelValues(tc.label, tc.reason)); got != 1 {
				t.Fatalf("expected one %s/%s rejection, got %v", tc.label, tc.reason, got)
			}
		})
	}
	if e.GetSequence() != 1 {
		t.Fatalf("rejections consumed sequences: next=%d", e.GetSequence())
	}
}

// ============================================================================
// Test: Determinism
// ============================================================================

func TestProcessCommand_DeterministicHashes(t *testing.T) {
	run := func() []*core.CoreOutput {
		d := testutil.NewDeployment(t, 6, 18)
		return runScenario(t, newTestEngine(d, nil, core.Outputs{}), d)
	}
	a, b := run(), run()

	for n := range a {
		if a[n].Envelope.StateHash != b[n].Envelope.StateHash {
			t.Fatalf("seq=%d: state hash differs between identical runs", a[n].Envelope.Sequence)
		}
	}
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplay_RebuildsStateWithoutExternalCalls(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	live := newTestEngine(d, nil, core.Outputs{})
	outputs := runScenario(t, live, d)

	// The replica shares the registry only to resolve bindings; replay
	// never moves assets.
	staked, _ := d.Pools[0].BalanceOf(context.Background(), custody)

	replica := newTestEngine(d, nil, core.Outputs{})
	for _, out := range outputs {
		if err := replica.Replay(context.Background(), out.Envelope, out.Batch); err != nil {
			t.Fatalf("replay seq=%d: %v", out.Envelope.Sequence, err)
		}
	}

	if replica.GetStateHash() != live.GetStateHash() {
		t.Fatal("replayed chain tip differs")
	}
	if replica.GetSequence() != live.GetSequence() {
		t.Fatalf("replayed next sequence %d, live %d", replica.GetSequence(), live.GetSequence())
	}
	if !reflect.DeepEqual(exportBook(live), exportBook(replica)) {
		t.Fatal("replayed book differs from live book")
	}
	if !reflect.DeepEqual(live.Token().Bindings(), replica.Token().Bindings()) {
		t.Fatal("replayed bindings differ")
	}
	if after, _ := d.Pools[0].BalanceOf(context.Background(), custody); after.Cmp(staked) != 0 {
		t.Fatal("replay touched the pool")
	}

	// Replayed keys are remembered.
	_, err := replica.ProcessCommand(context.Background(), scenarioCommands(d)[5])
	if !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand after replay, got %v", err)
	}
}

func TestReplay_TamperedHash(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	outputs := runScenario(t, newTestEngine(d, nil, core.Outputs{}), d)

	replica := newTestEngine(d, nil, core.Outputs{})
	for _, out := range outputs[:3] {
		if err := replica.Replay(context.Background(), out.Envelope, out.Batch); err != nil {
			t.Fatalf("replay seq=%d: %v", out.Envelope.Sequence, err)
		}
	}

	tampered := *outputs[3].Envelope
	tampered.StateHash[0] ^= 0xff
	err := replica.Replay(context.Background(), &tampered, outputs[3].Batch)
	if !errors.Is(err, core.ErrStateHashMismatch) {
		t.Fatalf("expected ErrStateHashMismatch, got %v", err)
	}
}

func TestReplay_SequenceGap(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	outputs := runScenario(t, newTestEngine(d, nil, core.Outputs{}), d)

	replica := newTestEngine(d, nil, core.Outputs{})
	err := replica.Replay(context.Background(), outputs[1].Envelope, outputs[1].Batch)
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	live := newTestEngine(d, nil, core.Outputs{})
	runScenario(t, live, d)

	raw, err := json.Marshal(live.CreateSnapshotState())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Sequence != live.GetSequence()-1 {
		t.Fatalf("snapshot sequence %d, expected %d", snap.Sequence, live.GetSequence()-1)
	}

	restored := newTestEngine(d, nil, core.Outputs{})
	if err := restored.RestoreFromSnapshot(context.Background(), &snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetStateHash() != live.GetStateHash() || restored.GetSequence() != live.GetSequence() {
		t.Fatal("restored engine does not continue the live chain")
	}
	if !reflect.DeepEqual(exportBook(live), exportBook(restored)) {
		t.Fatal("restored book differs")
	}

	_, err = restored.ProcessCommand(context.Background(), scenarioCommands(d)[7])
	if !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand from warmed LRU, got %v", err)
	}

	// A ledger-only command lands on the same hash in both engines.
	next := &event.Transfer{Meta: meta(bob, 200), To: alice, Amount: 250}
	a, err := live.ProcessCommand(context.Background(), next)
	if err != nil {
		t.Fatalf("live transfer: %v", err)
	}
	b, err := restored.ProcessCommand(context.Background(), next)
	if err != nil {
		t.Fatalf("restored transfer: %v", err)
	}
	if a.Envelope.StateHash != b.Envelope.StateHash || a.Envelope.Sequence != b.Envelope.Sequence {
		t.Fatal("restored engine diverged from live engine")
	}
}

// ============================================================================
// Test: Fan-out
// ============================================================================

func TestEmit_DropsProjectionWhenFull(t *testing.T) {
	d := testutil.NewDeployment(t, 6)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persistCh := make(chan core.CoreOutput, 4)
	projectionCh := make(chan core.CoreOutput) // never read
	publishCh := make(chan core.CoreOutput, 4)
	e := newTestEngine(d, metrics, core.Outputs{Persist: persistCh, Projection: projectionCh, Publish: publishCh})

	_, err := e.ProcessCommand(context.Background(), &event.SetPool{Meta: meta(admin, 1), Index: 1, Pool: d.Pools[0].Address()})
	if err != nil {
		t.Fatalf("SetPool failed: %v", err)
	}

	if got := len(drainOutputs(persistCh)); got != 1 {
		t.Fatalf("expected 1 persisted output, got %d", got)
	}
	if got := len(drainOutputs(publishCh)); got != 1 {
		t.Fatalf("expected 1 published output, got %d", got)
	}
	if got := promtest.ToFloat64(metrics.ProjectionDrops); got != 1 {
		t.Fatalf("expected 1 projection drop, got %v", got)
	}
}

func TestRecordApplied_Metrics(t *testing.T) {
	d := testutil.NewDeployment(t, 6, 18)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine(d, metrics, core.Outputs{})
	runScenario(t, e, d)

	if got := promtest.ToFloat64(metrics.RewardsHarvested.WithLabelValues("1")); got != 1_000 {
		t.Fatalf("expected 1000 harvested units on index 1, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.CoreCommandsApplied.WithLabelValues("Deposit")); got != 3 {
		t.Fatalf("expected 3 applied deposits, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.CoreSequence); got != float64(e.GetSequence()) {
		t.Fatalf("sequence gauge %v, engine %d", got, e.GetSequence())
	}
	backing, err := e.Token().BackingValue(1)
	if err != nil {
		t.Fatal(err)
	}
	if got := promtest.ToFloat64(metrics.BackingValue.WithLabelValues("1")); got != float64(backing) {
		t.Fatalf("backing gauge %v, book %d", got, backing)
	}
}
