package ledger

import (
	"bytes"
	"fmt"
	"slices"

	"PortfolioLedger/internal/lane"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
}

// Book is the in-memory state of every sub-ledger. Per-holder balances are
// packed words, so a holder's four sub-balances share one map entry.
//
// All mutations go through journals. While a batch is open (Begin), every
// applied journal is recorded into it; replaying the recorded batches on an
// empty book reproduces the same state.
type Book struct {
	shares         map[common.Address]lane.PackedLane
	principal      map[common.Address]lane.PackedLane
	shareTotal     lane.PackedLane
	principalTotal lane.PackedLane
	backing        lane.PackedLane
	allowances     map[allowanceKey]uint64

	pending *Batch
}

func NewBook() *Book {
	return &Book{
		shares:     make(map[common.Address]lane.PackedLane),
		principal:  make(map[common.Address]lane.PackedLane),
		allowances: make(map[allowanceKey]uint64),
	}
}

// Begin opens a batch for the command identified by eventRef. An already
// open batch is discarded.
func (b *Book) Begin(eventRef string) {
	b.pending = NewBatch(eventRef)
}

// Commit closes the open batch and returns it. Returns nil when no batch is open.
func (b *Book) Commit() *Batch {
	batch := b.pending
	b.pending = nil
	return batch
}

// Discard drops the open batch without returning it.
func (b *Book) Discard() {
	b.pending = nil
}

// Pending returns the number of journals recorded in the open batch.
func (b *Book) Pending() int {
	if b.pending == nil {
		return 0
	}
	return len(b.pending.Journals)
}

// === Reads ===

func (b *Book) SharesOf(holder common.Address) lane.PackedLane {
	return b.shares[holder]
}

func (b *Book) PrincipalOf(holder common.Address) lane.PackedLane {
	return b.principal[holder]
}

func (b *Book) ShareTotals() lane.PackedLane {
	return b.shareTotal
}

func (b *Book) PrincipalTotals() lane.PackedLane {
	return b.principalTotal
}

func (b *Book) Backing() lane.PackedLane {
	return b.backing
}

func (b *Book) Allowance(owner, spender common.Address) uint64 {
	return b.allowances[allowanceKey{Owner: owner, Spender: spender}]
}

// Holders returns every address with a non-zero share or principal word,
// sorted by address bytes.
func (b *Book) Holders() []common.Address {
	seen := make(map[common.Address]struct{}, len(b.shares))
	out := make([]common.Address, 0, len(b.shares))
	for addr := range b.shares {
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for addr := range b.principal {
		if _, ok := seen[addr]; !ok {
			out = append(out, addr)
		}
	}
	slices.SortFunc(out, func(x, y common.Address) int {
		return bytes.Compare(x[:], y[:])
	})
	return out
}

// === Mutation ===

// ApplyBatch replays a persisted batch. The batch is not re-recorded.
func (b *Book) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	pending := b.pending
	b.pending = nil
	defer func() { b.pending = pending }()

	return b.post(batch.Journals...)
}

// post applies journals all-or-nothing and records them into the open batch.
func (b *Book) post(journals ...Journal) error {
	m := b.mark(journals)
	for _, j := range journals {
		if err := b.apply(j); err != nil {
			b.rollback(m)
			return err
		}
	}
	for _, j := range journals {
		b.record(j)
	}
	return nil
}

func (b *Book) record(j Journal) {
	if b.pending == nil {
		return
	}
	j.JournalID = uuid.New()
	j.BatchID = b.pending.BatchID
	j.EventRef = b.pending.EventRef
	b.pending.Journals = append(b.pending.Journals, j)
}

func (b *Book) apply(j Journal) error {
	if j.JournalType == JournalTypeAllowance {
		key := allowanceKey{Owner: j.From, Spender: j.To}
		if j.Amount == 0 {
			delete(b.allowances, key)
		} else {
			b.allowances[key] = j.Amount
		}
		return nil
	}

	if err := j.Index.check(); err != nil {
		return err
	}
	l := j.Index.Lane()

	switch j.JournalType {
	case JournalTypeMint:
		return b.credit(b.shares, &b.shareTotal, l, j.To, j.Amount)
	case JournalTypeBurn:
		return b.debit(b.shares, &b.shareTotal, l, j.From, j.Amount)
	case JournalTypeMove:
		return b.move(b.shares, l, j.From, j.To, j.Amount)
	case JournalTypePrincipalIncrease:
		return b.credit(b.principal, &b.principalTotal, l, j.To, j.Amount)
	case JournalTypePrincipalDecrease:
		return b.debit(b.principal, &b.principalTotal, l, j.From, j.Amount)
	case JournalTypePrincipalMove:
		return b.move(b.principal, l, j.From, j.To, j.Amount)
	case JournalTypeBackingIncrease:
		next, err := b.backing.AddUint64(l, j.Amount)
		if err != nil {
			return fmt.Errorf("backing %d: %w", j.Index, err)
		}
		b.backing = next
	case JournalTypeBackingDecrease:
		next, err := b.backing.SubUint64(l, j.Amount)
		if err != nil {
			return fmt.Errorf("backing %d: %w", j.Index, err)
		}
		b.backing = next
	default:
		return fmt.Errorf("unknown journal type %d", j.JournalType)
	}
	return nil
}

func (b *Book) credit(m map[common.Address]lane.PackedLane, total *lane.PackedLane, l int, to common.Address, amount uint64) error {
	nextTotal, err := total.AddUint64(l, amount)
	if err != nil {
		return err
	}
	nextBal, err := m[to].AddUint64(l, amount)
	if err != nil {
		return err
	}
	*total = nextTotal
	m[to] = nextBal
	return nil
}

func (b *Book) debit(m map[common.Address]lane.PackedLane, total *lane.PackedLane, l int, from common.Address, amount uint64) error {
	nextBal, err := m[from].SubUint64(l, amount)
	if err != nil {
		return err
	}
	nextTotal, err := total.SubUint64(l, amount)
	if err != nil {
		return err
	}
	*total = nextTotal
	store(m, from, nextBal)
	return nil
}

func (b *Book) move(m map[common.Address]lane.PackedLane, l int, from, to common.Address, amount uint64) error {
	nextFrom, err := m[from].SubUint64(l, amount)
	if err != nil {
		return err
	}
	nextTo, err := m[to].AddUint64(l, amount)
	if err != nil {
		return err
	}
	store(m, from, nextFrom)
	store(m, to, nextTo)
	return nil
}

func store(m map[common.Address]lane.PackedLane, addr common.Address, w lane.PackedLane) {
	if w.IsZero() {
		delete(m, addr)
		return
	}
	m[addr] = w
}

// === Rollback marks ===

type savedWord struct {
	word lane.PackedLane
	ok   bool
}

type savedAllowance struct {
	amount uint64
	ok     bool
}

type bookMark struct {
	shares         map[common.Address]savedWord
	principal      map[common.Address]savedWord
	allowances     map[allowanceKey]savedAllowance
	shareTotal     lane.PackedLane
	principalTotal lane.PackedLane
	backing        lane.PackedLane
}

// mark captures every entry the journals can touch.
func (b *Book) mark(journals []Journal) bookMark {
	m := bookMark{
		shares:         make(map[common.Address]savedWord),
		principal:      make(map[common.Address]savedWord),
		allowances:     make(map[allowanceKey]savedAllowance),
		shareTotal:     b.shareTotal,
		principalTotal: b.principalTotal,
		backing:        b.backing,
	}
	for _, j := range journals {
		if j.JournalType == JournalTypeAllowance {
			key := allowanceKey{Owner: j.From, Spender: j.To}
			v, ok := b.allowances[key]
			m.allowances[key] = savedAllowance{amount: v, ok: ok}
			continue
		}
		for _, addr := range []common.Address{j.From, j.To} {
			w, ok := b.shares[addr]
			m.shares[addr] = savedWord{word: w, ok: ok}
			w, ok = b.principal[addr]
			m.principal[addr] = savedWord{word: w, ok: ok}
		}
	}
	return m
}

func (b *Book) rollback(m bookMark) {
	restore := func(dst map[common.Address]lane.PackedLane, src map[common.Address]savedWord) {
		for addr, s := range src {
			if s.ok {
				dst[addr] = s.word
			} else {
				delete(dst, addr)
			}
		}
	}
	restore(b.shares, m.shares)
	restore(b.principal, m.principal)
	for key, s := range m.allowances {
		if s.ok {
			b.allowances[key] = s.amount
		} else {
			delete(b.allowances, key)
		}
	}
	b.shareTotal = m.shareTotal
	b.principalTotal = m.principalTotal
	b.backing = m.backing
}

// === Clone / restore ===

// Clone returns a deep copy of the book, including the open batch.
func (b *Book) Clone() *Book {
	c := &Book{
		shares:         make(map[common.Address]lane.PackedLane, len(b.shares)),
		principal:      make(map[common.Address]lane.PackedLane, len(b.principal)),
		allowances:     make(map[allowanceKey]uint64, len(b.allowances)),
		shareTotal:     b.shareTotal,
		principalTotal: b.principalTotal,
		backing:        b.backing,
	}
	for k, v := range b.shares {
		c.shares[k] = v
	}
	for k, v := range b.principal {
		c.principal[k] = v
	}
	for k, v := range b.allowances {
		c.allowances[k] = v
	}
	if b.pending != nil {
		p := *b.pending
		p.Journals = slices.Clone(b.pending.Journals)
		c.pending = &p
	}
	return c
}

// RestoreFrom replaces the receiver's state with src's. src must not be used afterwards.
func (b *Book) RestoreFrom(src *Book) {
	*b = *src
}

// === Snapshot export ===

// AllowanceEntry is one non-zero allowance in a BookState.
type AllowanceEntry struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  uint64         `json:"amount"`
}

// BookState is the serializable form of a Book, stored in snapshots.
type BookState struct {
	Shares         map[common.Address]lane.PackedLane `json:"shares"`
	Principal      map[common.Address]lane.PackedLane `json:"principal"`
	ShareTotal     lane.PackedLane                    `json:"share_total"`
	PrincipalTotal lane.PackedLane                    `json:"principal_total"`
	Backing        lane.PackedLane                    `json:"backing"`
	Allowances     []AllowanceEntry                   `json:"allowances"`
}

// Export returns the book state. The open batch is not included.
func (b *Book) Export() BookState {
	c := b.Clone()
	state := BookState{
		Shares:         c.shares,
		Principal:      c.principal,
		ShareTotal:     c.shareTotal,
		PrincipalTotal: c.principalTotal,
		Backing:        c.backing,
		Allowances:     make([]AllowanceEntry, 0, len(c.allowances)),
	}
	for k, v := range c.allowances {
		state.Allowances = append(state.Allowances, AllowanceEntry{Owner: k.Owner, Spender: k.Spender, Amount: v})
	}
	slices.SortFunc(state.Allowances, func(x, y AllowanceEntry) int {
		if n := bytes.Compare(x.Owner[:], y.Owner[:]); n != 0 {
			return n
		}
		return bytes.Compare(x.Spender[:], y.Spender[:])
	})
	return state
}

// ImportBook rebuilds a book from an exported state.
func ImportBook(state BookState) *Book {
	b := NewBook()
	for k, v := range state.Shares {
		store(b.shares, k, v)
	}
	for k, v := range state.Principal {
		store(b.principal, k, v)
	}
	for _, a := range state.Allowances {
		if a.Amount != 0 {
			b.allowances[allowanceKey{Owner: a.Owner, Spender: a.Spender}] = a.Amount
		}
	}
	b.shareTotal = state.ShareTotal
	b.principalTotal = state.PrincipalTotal
	b.backing = state.Backing
	return b
}
