package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/lane"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateCommand  = errors.New("duplicate command")
	ErrUnknownCommand    = errors.New("unknown command type")
	ErrStateHashMismatch = errors.New("state hash mismatch")
)

const replayPartition = "envelopes"

// Engine is the serialized command processor in front of the PortfolioToken.
type Engine struct {
	mu          sync.Mutex
	sequence    int64
	hasher      *StateHasher
	token       *PortfolioToken
	idempotency *IdempotencyChecker
	replaySeq   *SequenceValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput
}

// CoreOutput is everything one applied command produced.
type CoreOutput struct {
	Envelope      *event.Envelope
	Batch         *ledger.Batch
	Notifications []event.Notification
}

// Outputs are the engine's fan-out channels. Any of them may be nil.
type Outputs struct {
	Persist    chan<- CoreOutput
	Projection chan<- CoreOutput
	Publish    chan<- CoreOutput
}

func NewEngine(
	token *PortfolioToken,
	startSequence int64,
	outputs Outputs,
	dbChecker DBIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	replaySeq := NewSequenceValidator()
	replaySeq.SetExpectedSequence(replayPartition, startSequence)

	return &Engine{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		token:          token,
		idempotency:    NewIdempotencyChecker(lruCapacity, dbChecker, metrics, logger),
		replaySeq:      replaySeq,
		metrics:        metrics,
		logger:         logger,
		persistChan:    outputs.Persist,
		projectionChan: outputs.Projection,
		publishChan:    outputs.Publish,
	}
}

// Token returns the orchestrator the engine drives.
func (e *Engine) Token() *PortfolioToken {
	return e.token
}

// ProcessCommand is the main processing pipeline. A rejected command leaves
// no trace and consumes no sequence number.
func (e *Engine) ProcessCommand(ctx context.Context, cmd event.Command) (*CoreOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if e.idempotency.IsDuplicate(ctx, cmdType, key) {
		e.reject(cmdType, "duplicate")
		return nil, fmt.Errorf("%s %s: %w", cmdType, key, ErrDuplicateCommand)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		e.reject(cmdType, "encode")
		return nil, fmt.Errorf("encode %s: %w", cmdType, err)
	}

	// Step 2: Dispatch inside an open journal batch
	backingBefore := e.backing()
	e.token.beginBatch(key)

	notes, err := e.dispatch(ctx, cmd)
	if err != nil {
		e.token.discardBatch()
		e.reject(cmdType, rejectReason(err))
		e.logger.Debug().Err(err).Str("command", cmdType).Str("key", key).Msg("command rejected")
		return nil, err
	}

	batch := e.token.commitBatch()
	if batch == nil {
		batch = ledger.NewBatch(key)
	}
	batch.Stamp(e.sequence, cmd.Time().UnixMicro())

	// Step 3: Post-checks. A violation means the book is corrupt.
	e.token.View(func(b *ledger.Book) {
		v := ledger.NewInvariantValidator(b)
		if err := v.ValidateBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch for %s seq=%d: %v", cmdType, e.sequence, err))
		}
		if err := v.ValidateRedemption(backingBefore, batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated by %s seq=%d: %v", cmdType, e.sequence, err))
		}
		if err := v.ValidateAll(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated by %s seq=%d: %v", cmdType, e.sequence, err))
		}
	})

	// Step 4: State hash
	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest(batch))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	output := CoreOutput{
		Envelope: &event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: key,
			CommandType:    cmd.CommandType(),
			Caller:         cmd.Sender(),
			Timestamp:      cmd.Time(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:         batch,
		Notifications: notes,
	}
	e.sequence++

	// Step 5: Emit outputs
	e.emit(output)

	// Step 6: Mark as processed (add to LRU)
	e.idempotency.MarkProcessed(cmdType, key)

	e.recordApplied(cmdType, start, &output)
	return &output, nil
}

func (e *Engine) dispatch(ctx context.Context, cmd event.Command) ([]event.Notification, error) {
	t := e.token
	switch c := cmd.(type) {
	case *event.Deposit:
		return t.Deposit(ctx, c.Caller, c.Amount, c.Index, c.MinSharesOut)
	case *event.Withdraw:
		return t.Withdraw(ctx, c.Caller, c.Amount)
	case *event.SubWithdraw:
		return t.SubWithdraw(ctx, c.Caller, c.Amount, c.Index)
	case *event.DepositRewards:
		return t.DepositRewards(ctx)
	case *event.SubDepositRewards:
		return t.SubDepositRewards(ctx, c.Index)
	case *event.SetPool:
		return t.SetPool(ctx, c.Caller, c.Index, c.Pool)
	case *event.Transfer:
		return t.Transfer(c.Caller, c.To, c.Amount)
	case *event.SubTransfer:
		return t.SubTransfer(c.Caller, c.To, c.Amount, c.Index)
	case *event.Approve:
		return t.Approve(c.Caller, c.Spender, c.Amount)
	case *event.TransferFrom:
		return t.TransferFrom(c.Caller, c.From, c.To, c.Amount)
	case *event.SubTransferFrom:
		return t.SubTransferFrom(c.Caller, c.From, c.To, c.Amount, c.Index)
	case *event.IncreaseAllowance:
		return t.IncreaseAllowance(c.Caller, c.Spender, c.Amount)
	case *event.DecreaseAllowance:
		return t.DecreaseAllowance(c.Caller, c.Spender, c.Amount)
	default:
		return nil, fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// emit fans an output out. The persist channel uses a blocking send
// (backpressure); projection and publish drop on full and count the drop.
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		e.persistChan <- output
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) backing() (before lane.PackedLane) {
	e.token.View(func(b *ledger.Book) { before = b.Backing() })
	return before
}

// computeStateDigest creates canonical bytes for state hash: every holder
// position, sub-ledger and allowance the batch touched, in sorted order,
// with its value after the batch.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	accounts := make(map[ledger.AccountKey]bool)
	indexes := make(map[ledger.AssetIndex]bool)
	type allowancePair struct{ owner, spender common.Address }
	allowances := make(map[allowancePair]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			if j.JournalType == ledger.JournalTypeAllowance {
				allowances[allowancePair{j.From, j.To}] = true
				continue
			}
			indexes[j.Index] = true
			if !ledger.IsZeroAddress(j.From) {
				accounts[ledger.AccountKey{Owner: j.From, Index: j.Index}] = true
			}
			if !ledger.IsZeroAddress(j.To) {
				accounts[ledger.AccountKey{Owner: j.To, Index: j.Index}] = true
			}
		}
	}

	keys := make([]ledger.AccountKey, 0, len(accounts))
	for k := range accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	idx := make([]ledger.AssetIndex, 0, len(indexes))
	for i := range indexes {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	pairs := make([]allowancePair, 0, len(allowances))
	for p := range allowances {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if c := bytes.Compare(pairs[a].owner[:], pairs[b].owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(pairs[a].spender[:], pairs[b].spender[:]) < 0
	})

	digest := make([]byte, 0, len(keys)*64+len(idx)*40+len(pairs)*96)
	e.token.View(func(b *ledger.Book) {
		for _, key := range keys {
			l := key.Index.Lane()
			digest = appendPath(digest, key.AccountPath())
			digest = binary.LittleEndian.AppendUint64(digest, b.SharesOf(key.Owner).GetUnchecked(l))
			digest = binary.LittleEndian.AppendUint64(digest, b.PrincipalOf(key.Owner).GetUnchecked(l))
		}
		for _, i := range idx {
			l := i.Lane()
			digest = appendPath(digest, "sub:"+strconv.Itoa(int(i)))
			digest = binary.LittleEndian.AppendUint64(digest, b.ShareTotals().GetUnchecked(l))
			digest = binary.LittleEndian.AppendUint64(digest, b.PrincipalTotals().GetUnchecked(l))
			digest = binary.LittleEndian.AppendUint64(digest, b.Backing().GetUnchecked(l))
		}
		for _, p := range pairs {
			digest = appendPath(digest, "allowance:"+p.owner.Hex()+":"+p.spender.Hex())
			digest = binary.LittleEndian.AppendUint64(digest, b.Allowance(p.owner, p.spender))
		}
	})
	return digest
}

func appendPath(buf []byte, path string) []byte {
	buf = append(buf, byte(len(path)))
	return append(buf, path...)
}

func (e *Engine) reject(cmdType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func (e *Engine) recordApplied(cmdType string, start time.Time, output *CoreOutput) {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
	e.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.Set(float64(e.sequence))

	for _, j := range output.Batch.Journals {
		e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, n := range output.Notifications {
		if r, ok := n.(*event.DepositedRewards); ok {
			e.metrics.RewardsHarvested.WithLabelValues(strconv.Itoa(int(r.Index))).Add(float64(r.Amount))
		}
	}
	e.token.View(func(b *ledger.Book) {
		for _, i := range ledger.AllIndexes() {
			label := strconv.Itoa(int(i))
			e.metrics.ShareSupply.WithLabelValues(label).Set(float64(b.ShareTotals().GetUnchecked(i.Lane())))
			e.metrics.BackingValue.WithLabelValues(label).Set(float64(b.Backing().GetUnchecked(i.Lane())))
		}
	})
}

// rejectReason buckets an error into a low-cardinality metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return "unknown"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case IsInputError(err):
		return "validation"
	case IsInsufficientFunds(err):
		return "insufficient_funds"
	case IsConfigurationError(err):
		return "configuration"
	default:
		return "external"
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"` // last applied sequence
	StateHash       [32]byte         `json:"state_hash"`
	Book            ledger.BookState `json:"book"`
	Bindings        []PoolBinding    `json:"bindings"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then Replay the envelopes after it.
func (e *Engine) RestoreFromSnapshot(ctx context.Context, snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range snap.Bindings {
		if err := e.token.RestoreBinding(ctx, b.Index, b.Pool); err != nil {
			return fmt.Errorf("restore binding %d: %w", b.Index, err)
		}
	}
	e.token.restoreBook(snap.Book)

	e.sequence = snap.Sequence + 1
	e.replaySeq.SetExpectedSequence(replayPartition, e.sequence)
	e.hasher.SetPrevHash(snap.StateHash)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// Replay re-applies one persisted command from its envelope and journal
// batch without calling any pool or token. Envelopes must arrive in sequence
// order; the recomputed state hash must match the persisted one.
func (e *Engine) Replay(ctx context.Context, env *event.Envelope, batch *ledger.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.replaySeq.ValidateSequence(replayPartition, env.Sequence); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if env.CommandType == event.CommandTypeSetPool {
		var cmd event.SetPool
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return fmt.Errorf("replay seq=%d: decode set pool: %w", env.Sequence, err)
		}
		if err := e.token.RestoreBinding(ctx, cmd.Index, cmd.Pool); err != nil {
			return fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
		}
	}

	if batch != nil && len(batch.Journals) > 0 {
		if err := e.token.applyBatch(batch); err != nil {
			return fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
		}
	}

	stateHash := e.hasher.ComputeHash(env.Sequence, e.computeStateDigest(batch))
	if stateHash != env.StateHash {
		return fmt.Errorf("replay seq=%d: %w", env.Sequence, ErrStateHashMismatch)
	}

	e.sequence = env.Sequence + 1
	e.idempotency.MarkProcessed(env.CommandType.String(), env.IdempotencyKey)
	if e.metrics != nil {
		e.metrics.ReplayBatchesTotal.Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return nil
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	var state ledger.BookState
	e.token.View(func(b *ledger.Book) { state = b.Export() })

	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Book:            state,
		Bindings:        e.token.Bindings(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
}
