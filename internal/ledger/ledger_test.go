package ledger_test

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"PortfolioLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	zero  = common.Address{}
)

func deposit(t *testing.T, book *ledger.Book, holder common.Address, i ledger.AssetIndex, amount uint64) uint64 {
	t.Helper()
	sub, err := book.Sub(i)
	require.NoError(t, err)
	minted, err := sub.DepositPrincipal(holder, amount)
	require.NoError(t, err)
	return minted
}

func requireInvariants(t *testing.T, book *ledger.Book) {
	t.Helper()
	require.NoError(t, ledger.NewInvariantValidator(book).ValidateAll())
}

// ============================================================================
// Test: AccountKey / AssetIndex
// ============================================================================

func TestAccountKey_Path(t *testing.T) {
	key := ledger.AccountKey{Owner: alice, Index: 2}
	assert.Equal(t, "user:"+alice.Hex()+":2", key.AccountPath())
}

func TestParseAssetIndex(t *testing.T) {
	for _, v := range []int{1, 2, 3, 4} {
		i, err := ledger.ParseAssetIndex(v)
		require.NoError(t, err)
		assert.Equal(t, v-1, i.Lane())
	}
	for _, v := range []int{0, 5, -1} {
		_, err := ledger.ParseAssetIndex(v)
		assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange, "index %d", v)
	}
}

// ============================================================================
// Test: SubLedger
// ============================================================================

func TestSubLedger_FirstDepositIsOneToOne(t *testing.T) {
	book := ledger.NewBook()
	minted := deposit(t, book, alice, 1, 10_000)
	assert.Equal(t, uint64(10_000), minted)

	sub, err := book.Sub(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), sub.ShareTotalSupply())
	assert.Equal(t, uint64(10_000), sub.BackingValue())
	assert.Equal(t, uint64(10_000), sub.PrincipalBalance(alice))
	requireInvariants(t, book)
}

func TestSubLedger_HarvestDoublingHalvesShares(t *testing.T) {
	book := ledger.NewBook()
	deposit(t, book, alice, 1, 1000)

	sub, err := book.Sub(1)
	require.NoError(t, err)
	harvested, err := sub.HarvestReward(1000)
	require.NoError(t, err)
	assert.True(t, harvested)
	assert.Equal(t, uint64(1000), sub.ShareTotalSupply(), "harvest must not mint")

	minted := deposit(t, book, bob, 1, 1000)
	assert.Equal(t, uint64(500), minted)

	// Alice's 1000 shares now redeem for 2000.
	value, err := sub.PrincipalForShares(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), value)
	requireInvariants(t, book)
}

func TestSubLedger_HarvestBelowDustIsNoop(t *testing.T) {
	book := ledger.NewBook()
	sub, err := book.Sub(3)
	require.NoError(t, err)

	harvested, err := sub.HarvestReward(0)
	require.NoError(t, err)
	assert.False(t, harvested)
	assert.Zero(t, sub.BackingValue())
}

func TestSubLedger_SharesForDepositZeroBacking(t *testing.T) {
	book := ledger.NewBook()
	require.NoError(t, ledger.NewPortfolio(book).Mint(alice, 1, 100))

	sub, err := book.Sub(1)
	require.NoError(t, err)
	assert.Zero(t, sub.BackingValue())

	shares, err := sub.SharesForDeposit(40)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), shares)
}

func TestSubLedger_RedeemShares(t *testing.T) {
	book := ledger.NewBook()
	deposit(t, book, alice, 2, 3000)

	sub, err := book.Sub(2)
	require.NoError(t, err)
	_, err = sub.HarvestReward(300)
	require.NoError(t, err)

	principal, err := sub.RedeemShares(alice, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), principal)
	assert.Equal(t, uint64(2200), sub.BackingValue())
	assert.Equal(t, uint64(2000), sub.ShareBalance(alice))
	assert.Equal(t, uint64(2000), sub.PrincipalBalance(alice))
	assert.Equal(t, uint64(2000), sub.PrincipalTotalSupply())

	_, err = sub.RedeemShares(alice, 2001)
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
	requireInvariants(t, book)
}

func TestSubLedger_OutOfRange(t *testing.T) {
	book := ledger.NewBook()
	_, err := book.Sub(0)
	assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
	_, err = book.Sub(5)
	assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
}

// ============================================================================
// Test: Portfolio balances
// ============================================================================

func TestPortfolio_DepositThenWithdrawHalf(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)

	deposit(t, book, alice, 1, 10_000)
	deposit(t, book, alice, 2, 10_000)
	assert.Equal(t, uint64(20_000), p.BalanceOf(alice).Uint64())

	mv, redeemed, err := p.BurnProportional(alice, 5_000)
	require.NoError(t, err)
	assert.Equal(t, [4]uint64{2_500, 2_500, 0, 0}, mv.Amounts)
	assert.Equal(t, [4]uint64{2_500, 2_500, 0, 0}, redeemed)
	assert.Equal(t, uint64(15_000), p.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(15_000), p.TotalSupply().Uint64())
	requireInvariants(t, book)
}

func TestPortfolio_BurnProportionalInsufficient(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)

	_, _, err := p.BurnProportional(alice, 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	deposit(t, book, alice, 1, 10)
	_, _, err = p.BurnProportional(alice, 11)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, uint64(10), p.BalanceOf(alice).Uint64())
}

func TestPortfolio_Burn(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 4, 700)

	mv, redeemed, err := p.Burn(alice, 200, 4)
	require.NoError(t, err)
	assert.Equal(t, [4]uint64{0, 0, 0, 200}, mv.Amounts)
	assert.Equal(t, uint64(200), redeemed)

	_, _, err = p.Burn(alice, 501, 4)
	assert.ErrorIs(t, err, ledger.ErrInsufficientSubBalance)
}

func TestPortfolio_RealBalances(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 400)
	deposit(t, book, bob, 3, 600)

	assert.Equal(t, uint64(1000), p.RealTotalSupply().Uint64())
	assert.Equal(t, uint64(400), p.RealBalanceOf(alice).Uint64())

	v, err := p.RealSubBalanceOf(bob, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), v)

	v, err = p.RealSubTotalSupply(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), v)

	_, err = p.RealSubBalanceOf(bob, 9)
	assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
}

// ============================================================================
// Test: Transfers
// ============================================================================

func TestTransfer_SplitNeverExceedsAmount(t *testing.T) {
	weights := [4]uint64{500, 1500, 3000, 4000}

	for a := uint64(1); a <= 9000; a += 7 {
		book := ledger.NewBook()
		p := ledger.NewPortfolio(book)
		for l, w := range weights {
			deposit(t, book, alice, ledger.IndexForLane(l), w)
		}

		mv, err := p.Transfer(alice, bob, a)
		require.NoError(t, err)
		assert.LessOrEqual(t, mv.Total(), a)
		for l, w := range weights {
			assert.Equal(t, a*w/9000, mv.Amounts[l], "A=%d lane=%d", a, l)
		}
		assert.Equal(t, mv.Total(), p.BalanceOf(bob).Uint64())
		assert.Equal(t, 9000-mv.Total(), p.BalanceOf(alice).Uint64())
		requireInvariants(t, book)
	}
}

func TestTransfer_MovesPrincipalProportionally(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 1000)

	sub, err := book.Sub(1)
	require.NoError(t, err)
	_, err = sub.HarvestReward(1000)
	require.NoError(t, err)

	_, err = p.Transfer(alice, bob, 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), sub.PrincipalBalance(bob))
	assert.Equal(t, uint64(750), sub.PrincipalBalance(alice))
	assert.Equal(t, uint64(1000), sub.PrincipalTotalSupply())
	requireInvariants(t, book)
}

func TestTransfer_Errors(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 100)

	tests := []struct {
		name     string
		from, to common.Address
		amount   uint64
		want     error
	}{
		{"zero sender", zero, bob, 1, ledger.ErrZeroAddress},
		{"zero recipient", alice, zero, 1, ledger.ErrZeroAddress},
		{"zero amount", alice, bob, 0, ledger.ErrZeroAmount},
		{"exceeds balance", alice, bob, 101, ledger.ErrInsufficientBalance},
		{"empty sender", carol, bob, 1, ledger.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Transfer(tt.from, tt.to, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, uint64(100), p.BalanceOf(alice).Uint64())
}

func TestTransfer_SelfIsNoop(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 100)

	book.Begin("self")
	mv, err := p.Transfer(alice, alice, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), mv.Total())
	assert.Zero(t, book.Pending())
	assert.Equal(t, uint64(100), p.BalanceOf(alice).Uint64())
}

func TestSubTransfer(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 2, 100)

	mv, err := p.SubTransfer(alice, bob, 60, 2)
	require.NoError(t, err)
	assert.Equal(t, [4]uint64{0, 60, 0, 0}, mv.Amounts)

	_, err = p.SubTransfer(alice, bob, 41, 2)
	assert.ErrorIs(t, err, ledger.ErrInsufficientSubBalance)

	_, err = p.SubTransfer(alice, bob, 1, 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientSubBalance)

	_, err = p.SubTransfer(alice, bob, 1, 0)
	assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
	requireInvariants(t, book)
}

// ============================================================================
// Test: Allowances
// ============================================================================

func TestAllowance_TransferFrom(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 1000)

	require.NoError(t, p.Approve(alice, bob, 300))

	_, err := p.TransferFrom(bob, alice, carol, 301)
	assert.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	_, err = p.TransferFrom(bob, alice, carol, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), p.Allowance(alice, bob))
	assert.Equal(t, uint64(200), p.BalanceOf(carol).Uint64())

	_, err = p.SubTransferFrom(bob, alice, carol, 100, 1)
	require.NoError(t, err)
	assert.Zero(t, p.Allowance(alice, bob))
}

func TestAllowance_InfiniteIsNotSpent(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 1000)

	require.NoError(t, p.Approve(alice, bob, ledger.InfiniteAllowance))
	_, err := p.TransferFrom(bob, alice, carol, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(ledger.InfiniteAllowance), p.Allowance(alice, bob))
}

func TestAllowance_FailedTransferKeepsAllowance(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 10)

	require.NoError(t, p.Approve(alice, bob, 300))
	_, err := p.TransferFrom(bob, alice, carol, 200)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, uint64(300), p.Allowance(alice, bob))
}

func TestAllowance_IncreaseDecrease(t *testing.T) {
	p := ledger.NewPortfolio(ledger.NewBook())

	require.NoError(t, p.IncreaseAllowance(alice, bob, 10))
	require.NoError(t, p.IncreaseAllowance(alice, bob, 5))
	assert.Equal(t, uint64(15), p.Allowance(alice, bob))

	require.NoError(t, p.DecreaseAllowance(alice, bob, 15))
	assert.Zero(t, p.Allowance(alice, bob))

	err := p.DecreaseAllowance(alice, bob, 1)
	assert.ErrorIs(t, err, ledger.ErrAllowanceUnderflow)

	require.NoError(t, p.Approve(alice, bob, ledger.InfiniteAllowance))
	err = p.IncreaseAllowance(alice, bob, 1)
	assert.ErrorIs(t, err, ledger.ErrValueOverflow)

	assert.ErrorIs(t, p.Approve(zero, bob, 1), ledger.ErrZeroAddress)
	assert.ErrorIs(t, p.Approve(alice, zero, 1), ledger.ErrZeroAddress)
}

// ============================================================================
// Test: Book journaling
// ============================================================================

func TestBook_ReplayReproducesState(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	var batches []*ledger.Batch

	step := func(ref string, fn func()) {
		book.Begin(ref)
		fn()
		batch := book.Commit()
		require.NoError(t, batch.Validate())
		batches = append(batches, batch)
	}

	step("d1", func() { deposit(t, book, alice, 1, 5000) })
	step("d2", func() { deposit(t, book, bob, 2, 3000) })
	step("h1", func() {
		sub, _ := book.Sub(1)
		_, err := sub.HarvestReward(700)
		require.NoError(t, err)
	})
	step("t1", func() {
		_, err := p.Transfer(alice, carol, 1200)
		require.NoError(t, err)
	})
	step("a1", func() { require.NoError(t, p.Approve(bob, carol, 900)) })
	step("w1", func() {
		_, _, err := p.BurnProportional(bob, 1000)
		require.NoError(t, err)
	})

	replayed := ledger.NewBook()
	for _, batch := range batches {
		require.NoError(t, replayed.ApplyBatch(batch))
	}
	assert.Equal(t, book.Export(), replayed.Export())
	requireInvariants(t, replayed)
}

func TestBook_BatchStampsJournals(t *testing.T) {
	book := ledger.NewBook()
	book.Begin("cmd-1")
	deposit(t, book, alice, 1, 10)
	batch := book.Commit()
	batch.Stamp(42, 1_700_000_000)

	require.Len(t, batch.Journals, 3)
	for _, j := range batch.Journals {
		assert.Equal(t, batch.BatchID, j.BatchID)
		assert.Equal(t, "cmd-1", j.EventRef)
		assert.Equal(t, int64(42), j.Sequence)
		assert.NotEqual(t, uuid.Nil, j.JournalID)
	}
	assert.Nil(t, book.Commit())
}

func TestBook_ApplyBatchRejectsInvalid(t *testing.T) {
	book := ledger.NewBook()
	batchID := uuid.New()

	tests := []struct {
		name    string
		journal ledger.Journal
	}{
		{"zero amount", ledger.Journal{BatchID: batchID, JournalType: ledger.JournalTypeMint, Index: 1, To: alice}},
		{"bad index", ledger.Journal{BatchID: batchID, JournalType: ledger.JournalTypeMint, Index: 7, To: alice, Amount: 1}},
		{"mint to zero", ledger.Journal{BatchID: batchID, JournalType: ledger.JournalTypeMint, Index: 1, Amount: 1}},
		{"self move", ledger.Journal{BatchID: batchID, JournalType: ledger.JournalTypeMove, Index: 1, From: alice, To: alice, Amount: 1}},
		{"foreign batch", ledger.Journal{BatchID: uuid.New(), JournalType: ledger.JournalTypeMint, Index: 1, To: alice, Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := book.ApplyBatch(&ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{tt.journal}})
			assert.Error(t, err)
		})
	}
}

func TestBook_FailedBatchIsAtomic(t *testing.T) {
	book := ledger.NewBook()
	deposit(t, book, alice, 1, 100)
	before := book.Export()

	batchID := uuid.New()
	err := book.ApplyBatch(&ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{BatchID: batchID, JournalType: ledger.JournalTypeMove, Index: 1, From: alice, To: bob, Amount: 60},
			{BatchID: batchID, JournalType: ledger.JournalTypeBurn, Index: 1, From: alice, Amount: 60},
		},
	})
	assert.ErrorIs(t, err, ledger.ErrValueOverflow)
	assert.Equal(t, before, book.Export())
}

func TestBook_CloneRestore(t *testing.T) {
	book := ledger.NewBook()
	deposit(t, book, alice, 1, 100)

	book.Begin("op")
	saved := book.Clone()
	deposit(t, book, bob, 1, 50)
	assert.Equal(t, 3, book.Pending())

	book.RestoreFrom(saved)
	assert.Zero(t, book.Pending())
	assert.Zero(t, book.SharesOf(bob).Total().Uint64())
	assert.Equal(t, []common.Address{alice}, book.Holders())
}

func TestBook_ExportImportJSON(t *testing.T) {
	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	deposit(t, book, alice, 1, 100)
	deposit(t, book, bob, 4, 250)
	require.NoError(t, p.Approve(alice, bob, 77))

	data, err := json.Marshal(book.Export())
	require.NoError(t, err)

	var state ledger.BookState
	require.NoError(t, json.Unmarshal(data, &state))

	restored := ledger.ImportBook(state)
	assert.Equal(t, book.Export(), restored.Export())
	assert.Equal(t, uint64(77), restored.Allowance(alice, bob))
}

// ============================================================================
// Test: Randomized invariants
// ============================================================================

func TestInvariants_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 34))
	holders := []common.Address{alice, bob, carol}

	book := ledger.NewBook()
	p := ledger.NewPortfolio(book)
	v := ledger.NewInvariantValidator(book)

	for n := 0; n < 3000; n++ {
		holder := holders[rng.IntN(len(holders))]
		other := holders[rng.IntN(len(holders))]
		i := ledger.IndexForLane(rng.IntN(ledger.NumAssets))
		sub, err := book.Sub(i)
		require.NoError(t, err)

		book.Begin("rand")
		backingBefore := book.Backing()

		switch rng.IntN(5) {
		case 0:
			_, err = sub.DepositPrincipal(holder, rng.Uint64N(1_000_000)+1)
			require.NoError(t, err)
		case 1:
			_, err = sub.HarvestReward(rng.Uint64N(10_000))
			require.NoError(t, err)
		case 2:
			bal := p.BalanceOf(holder).Uint64()
			amt := rng.Uint64N(bal + 1)
			_, redeemed, err := p.BurnProportional(holder, amt)
			require.NoError(t, err)
			for l, r := range redeemed {
				assert.LessOrEqual(t, r, backingBefore.GetUnchecked(l))
			}
		case 3:
			bal := p.BalanceOf(holder).Uint64()
			if bal == 0 {
				break
			}
			_, err = p.Transfer(holder, other, rng.Uint64N(bal)+1)
			require.NoError(t, err)
		case 4:
			bal := sub.ShareBalance(holder)
			if bal == 0 {
				break
			}
			_, err = p.SubTransfer(holder, other, rng.Uint64N(bal)+1, i)
			require.NoError(t, err)
		}

		batch := book.Commit()
		require.NoError(t, v.ValidateBatch(batch))
		require.NoError(t, v.ValidateRedemption(backingBefore, batch))
		require.NoError(t, v.ValidateAll(), "step %d", n)
	}
}
