package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"PortfolioLedger/internal/asset"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"
	fpmath "PortfolioLedger/internal/math"
	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

type binding struct {
	pool     pool.Pool
	token    asset.Token
	decimals fpmath.DecimalConfig
}

// PoolBinding describes a bound sub-ledger.
type PoolBinding struct {
	Index    ledger.AssetIndex `json:"index"`
	Pool     common.Address    `json:"pool"`
	Token    common.Address    `json:"token"`
	Decimals uint8             `json:"decimals"`
}

// PortfolioToken orchestrates the sub-ledgers and their yield pools.
//
// Every mutating call holds the write lock for its whole duration, external
// calls included. Within a call the order is always: harvest pending rewards,
// mutate the book, then call pools and tokens. A pool that calls back into the
// token while the lock is held must read through Ledger(), which already
// reflects the mutation.
//
// A failed call leaves no trace: the book is restored from a clone taken on
// entry and every external call that succeeded is compensated in reverse order.
type PortfolioToken struct {
	mu       sync.RWMutex
	admin    common.Address
	custody  common.Address
	registry *pool.Registry
	book     *ledger.Book
	ledger   *ledger.Portfolio
	bindings [ledger.NumAssets]*binding

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewPortfolioToken creates the orchestrator. custody is the address that
// holds assets in transit and owns the stakes in every pool.
func NewPortfolioToken(
	admin, custody common.Address,
	registry *pool.Registry,
	book *ledger.Book,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PortfolioToken {
	return &PortfolioToken{
		admin:    admin,
		custody:  custody,
		registry: registry,
		book:     book,
		ledger:   ledger.NewPortfolio(book),
		metrics:  metrics,
		logger:   logger,
	}
}

// Ledger returns the unlocked ledger view. Only safe from within a pool or
// token callback made by this orchestrator, or when no call is in flight.
func (t *PortfolioToken) Ledger() *ledger.Portfolio {
	return t.ledger
}

func (t *PortfolioToken) Admin() common.Address   { return t.admin }
func (t *PortfolioToken) Custody() common.Address { return t.custody }

// === Admin ===

// SetPool binds a registered pool to an unbound index. One-way.
func (t *PortfolioToken) SetPool(ctx context.Context, caller common.Address, i ledger.AssetIndex, poolAddr common.Address) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != t.admin {
		return nil, fmt.Errorf("set pool: %s: %w", caller.Hex(), ErrUnauthorized)
	}
	b, err := t.bind(ctx, i, poolAddr)
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Uint8("index", uint8(i)).
		Str("pool", poolAddr.Hex()).
		Str("token", b.token.Address().Hex()).
		Uint8("decimals", b.decimals.DecimalPrecision).
		Msg("pool bound")

	return []event.Notification{&event.PoolBound{
		Index:    i,
		Pool:     poolAddr,
		Token:    b.token.Address(),
		Decimals: b.decimals.DecimalPrecision,
	}}, nil
}

// RestoreBinding re-binds a pool during snapshot restore or replay. It runs
// the same checks as SetPool except the admin check.
func (t *PortfolioToken) RestoreBinding(ctx context.Context, i ledger.AssetIndex, poolAddr common.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.bind(ctx, i, poolAddr)
	return err
}

func (t *PortfolioToken) bind(ctx context.Context, i ledger.AssetIndex, poolAddr common.Address) (*binding, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("set pool: index %d: %w", i, ledger.ErrIndexOutOfRange)
	}
	if ledger.IsZeroAddress(poolAddr) {
		return nil, fmt.Errorf("set pool %d: %w", i, ErrZeroPoolAddress)
	}
	p, ok := t.registry.Lookup(poolAddr)
	if !ok {
		return nil, fmt.Errorf("set pool %d: %s: %w", i, poolAddr.Hex(), ErrUnknownPool)
	}
	tok := p.Asset()
	if tok == nil || ledger.IsZeroAddress(tok.Address()) {
		return nil, fmt.Errorf("set pool %d: %w", i, ErrZeroTokenAddress)
	}
	cfg, err := fpmath.NewDecimalConfig(tok.Decimals())
	if err != nil {
		return nil, fmt.Errorf("set pool %d: %d decimals: %w", i, tok.Decimals(), ErrTokenPrecisionTooLow)
	}
	poolDecimals, err := p.Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("set pool %d: read pool decimals: %w", i, err)
	}
	if poolDecimals != tok.Decimals() {
		return nil, fmt.Errorf("set pool %d: pool %d, asset %d: %w", i, poolDecimals, tok.Decimals(), ErrWrongPoolDecimals)
	}
	if t.bindings[i.Lane()] != nil {
		return nil, fmt.Errorf("set pool %d: %w", i, ErrAlreadyBound)
	}
	for l, other := range t.bindings {
		if other != nil && other.token.Address() == tok.Address() {
			return nil, fmt.Errorf("set pool %d: %s bound at %d: %w", i, tok.Address().Hex(), ledger.IndexForLane(l), ErrAssetInUse)
		}
	}

	b := &binding{pool: p, token: tok, decimals: cfg}
	t.bindings[i.Lane()] = b
	return b, nil
}

func (t *PortfolioToken) bound(i ledger.AssetIndex) (*binding, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("index %d: %w", i, ledger.ErrIndexOutOfRange)
	}
	b := t.bindings[i.Lane()]
	if b == nil {
		return nil, fmt.Errorf("index %d: %w", i, ErrNoPoolBound)
	}
	return b, nil
}

// === Deposit / withdraw ===

// Deposit converts nativeAmount of the index's asset into shares for caller.
// A non-zero minSharesOut rejects the deposit when fewer shares would be minted.
func (t *PortfolioToken) Deposit(ctx context.Context, caller common.Address, nativeAmount *big.Int, i ledger.AssetIndex, minSharesOut uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.bound(i)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if err := t.checkHolder(caller); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	units, err := b.decimals.ToSystem(nativeAmount)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if units == 0 {
		return nil, fmt.Errorf("deposit %s: %w", nativeAmount, ErrDepositTooSmall)
	}

	return t.atomic(ctx, "deposit", func(tx *txn) error {
		if err := t.harvest(tx, i, b); err != nil {
			return err
		}

		sub, err := t.book.Sub(i)
		if err != nil {
			return err
		}
		minted, err := sub.DepositPrincipal(caller, units)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		if minted == 0 {
			return fmt.Errorf("deposit %d units mints no shares: %w", units, ErrDepositTooSmall)
		}
		if minSharesOut > 0 && minted < minSharesOut {
			return fmt.Errorf("deposit: minted %d, minimum %d: %w", minted, minSharesOut, ErrSharesBelowMinimum)
		}

		// The sub-unit remainder stays in custody until a harvest picks it up.
		pulled := new(big.Int).Set(nativeAmount)
		if err := b.token.Transfer(tx.ctx, caller, t.custody, pulled); err != nil {
			return fmt.Errorf("deposit: pull %s from %s: %w", pulled, caller.Hex(), err)
		}
		tx.onRollback("deposit.pull", func(ctx context.Context) error {
			return b.token.Transfer(ctx, t.custody, caller, pulled)
		})

		forwarded := b.decimals.ToNative(units)
		if err := b.pool.Deposit(tx.ctx, t.custody, forwarded); err != nil {
			return fmt.Errorf("deposit: forward %s to pool %s: %w", forwarded, b.pool.Address().Hex(), err)
		}
		tx.onRollback("deposit.forward", func(ctx context.Context) error {
			return b.pool.Withdraw(ctx, t.custody, t.custody, forwarded, false)
		})

		mv := ledger.Movement{To: caller}
		mv.Amounts[i.Lane()] = minted
		tx.emit(&event.Deposited{
			User:   caller,
			Token:  b.token.Address(),
			Index:  i,
			Amount: pulled,
			Shares: minted,
		})
		tx.emit(event.MovementNotices(mv)...)
		return nil
	})
}

// Withdraw redeems shares of caller's aggregate balance, split across
// sub-ledgers in proportion to caller's holdings. Zero, or an amount whose
// every portion floors to zero, is a no-op.
func (t *PortfolioToken) Withdraw(ctx context.Context, caller common.Address, shares uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if shares == 0 {
		return nil, nil
	}
	if err := t.checkHolder(caller); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	return t.atomic(ctx, "withdraw", func(tx *txn) error {
		split, err := t.ledger.WithdrawPortions(caller, shares)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		// Every portion floored to zero: nothing is burned or paid out.
		if split.Sum() == 0 {
			return nil
		}

		var lanes [ledger.NumAssets]*binding
		for l, portion := range split.Parts {
			if portion == 0 {
				continue
			}
			i := ledger.IndexForLane(l)
			b, err := t.bound(i)
			if err != nil {
				return fmt.Errorf("withdraw: %w", err)
			}
			if err := t.harvest(tx, i, b); err != nil {
				return err
			}
			lanes[l] = b
		}

		mv, redeemed, err := t.ledger.BurnProportional(caller, shares)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}

		for l, b := range lanes {
			if b == nil {
				continue
			}
			native := b.decimals.ToNative(redeemed[l])
			if err := t.payout(tx, b, caller, native); err != nil {
				return err
			}
			tx.emit(&event.Withdrawn{
				User:   caller,
				Token:  b.token.Address(),
				Index:  ledger.IndexForLane(l),
				Amount: native,
				Shares: mv.Amounts[l],
			})
		}
		tx.emit(event.MovementNotices(mv)...)
		return nil
	})
}

// SubWithdraw redeems shares from a single sub-ledger. Zero is a no-op.
func (t *PortfolioToken) SubWithdraw(ctx context.Context, caller common.Address, shares uint64, i ledger.AssetIndex) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.bound(i)
	if err != nil {
		return nil, fmt.Errorf("sub withdraw: %w", err)
	}
	if shares == 0 {
		return nil, nil
	}
	if err := t.checkHolder(caller); err != nil {
		return nil, fmt.Errorf("sub withdraw: %w", err)
	}

	return t.atomic(ctx, "sub_withdraw", func(tx *txn) error {
		if err := t.harvest(tx, i, b); err != nil {
			return err
		}
		mv, redeemed, err := t.ledger.Burn(caller, shares, i)
		if err != nil {
			return fmt.Errorf("sub withdraw: %w", err)
		}
		native := b.decimals.ToNative(redeemed)
		if err := t.payout(tx, b, caller, native); err != nil {
			return err
		}
		tx.emit(&event.Withdrawn{
			User:   caller,
			Token:  b.token.Address(),
			Index:  i,
			Amount: native,
			Shares: shares,
		})
		tx.emit(event.MovementNotices(mv)...)
		return nil
	})
}

// checkHolder rejects callers that cannot own principal: the zero address,
// and custody, whose native balance backs every holder.
func (t *PortfolioToken) checkHolder(caller common.Address) error {
	if ledger.IsZeroAddress(caller) {
		return ledger.ErrZeroAddress
	}
	if caller == t.custody {
		return ErrCustodyCaller
	}
	return nil
}

// payout moves native out of the pool into custody and on to the holder.
func (t *PortfolioToken) payout(tx *txn, b *binding, to common.Address, native *big.Int) error {
	if native.Sign() == 0 {
		return nil
	}
	if err := b.pool.Withdraw(tx.ctx, t.custody, t.custody, native, false); err != nil {
		return fmt.Errorf("withdraw %s from pool %s: %w", native, b.pool.Address().Hex(), err)
	}
	tx.onRollback("withdraw.pool", func(ctx context.Context) error {
		return b.pool.Deposit(ctx, t.custody, native)
	})

	if err := b.token.Transfer(tx.ctx, t.custody, to, native); err != nil {
		return fmt.Errorf("pay %s to %s: %w", native, to.Hex(), err)
	}
	tx.onRollback("withdraw.pay", func(ctx context.Context) error {
		return b.token.Transfer(ctx, to, t.custody, native)
	})
	return nil
}

// === Rewards ===

// DepositRewards harvests pending rewards into every bound sub-ledger.
func (t *PortfolioToken) DepositRewards(ctx context.Context) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.atomic(ctx, "deposit_rewards", func(tx *txn) error {
		for l, b := range t.bindings {
			if b == nil {
				continue
			}
			if err := t.harvest(tx, ledger.IndexForLane(l), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// SubDepositRewards harvests pending rewards into one sub-ledger.
func (t *PortfolioToken) SubDepositRewards(ctx context.Context, i ledger.AssetIndex) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.bound(i)
	if err != nil {
		return nil, fmt.Errorf("sub deposit rewards: %w", err)
	}
	return t.atomic(ctx, "sub_deposit_rewards", func(tx *txn) error {
		return t.harvest(tx, i, b)
	})
}

// harvest folds the pool's pending reward plus idle custody dust into the
// backing value, then claims the reward and stakes it back into the pool.
// Rewards below the dust floor are left where they are.
func (t *PortfolioToken) harvest(tx *txn, i ledger.AssetIndex, b *binding) error {
	native, err := t.rewardNative(tx.ctx, b)
	if err != nil {
		return fmt.Errorf("harvest %d: %w", i, err)
	}
	units, err := b.decimals.ToSystem(native)
	if err != nil {
		return fmt.Errorf("harvest %d: %w", i, err)
	}

	sub, err := t.book.Sub(i)
	if err != nil {
		return err
	}
	harvested, err := sub.HarvestReward(units)
	if err != nil || !harvested {
		return err
	}

	if err := b.pool.ClaimRewards(tx.ctx, t.custody); err != nil {
		return fmt.Errorf("harvest %d: claim: %w", i, err)
	}
	// A claimed reward left in custody is picked up again as idle balance.

	reinvest := b.decimals.ToNative(units)
	if err := b.pool.Deposit(tx.ctx, t.custody, reinvest); err != nil {
		return fmt.Errorf("harvest %d: restake %s: %w", i, reinvest, err)
	}
	tx.onRollback("harvest.restake", func(ctx context.Context) error {
		return b.pool.Withdraw(ctx, t.custody, t.custody, reinvest, false)
	})

	tx.emit(&event.DepositedRewards{Token: b.token.Address(), Index: i, Amount: units})
	return nil
}

// rewardNative is the pool's pending reward for custody plus whatever of the
// asset custody holds outside the pool.
func (t *PortfolioToken) rewardNative(ctx context.Context, b *binding) (*big.Int, error) {
	pending, err := b.pool.PendingReward(ctx, t.custody)
	if err != nil {
		return nil, fmt.Errorf("pending reward: %w", err)
	}
	idle, err := b.token.BalanceOf(ctx, t.custody)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w", err)
	}
	return new(big.Int).Add(pending, idle), nil
}

// rewardUnits is rewardNative in system units, zero below the dust floor.
func (t *PortfolioToken) rewardUnits(ctx context.Context, b *binding) (uint64, error) {
	native, err := t.rewardNative(ctx, b)
	if err != nil {
		return 0, err
	}
	units, err := b.decimals.ToSystem(native)
	if err != nil {
		return 0, err
	}
	if units < fpmath.DustFloor {
		return 0, nil
	}
	return units, nil
}

// === Estimates ===

// GetRewardsAmount returns the harvestable reward for index in system units.
func (t *PortfolioToken) GetRewardsAmount(ctx context.Context, i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, err := t.bound(i)
	if err != nil {
		return 0, err
	}
	return t.rewardUnits(ctx, b)
}

// GetEstimatedAmountOnDeposit returns the shares a deposit of nativeAmount
// would mint now, pending harvest included.
func (t *PortfolioToken) GetEstimatedAmountOnDeposit(ctx context.Context, nativeAmount *big.Int, i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, err := t.bound(i)
	if err != nil {
		return 0, err
	}
	units, err := b.decimals.ToSystem(nativeAmount)
	if err != nil {
		return 0, err
	}
	supply, backing, err := t.harvestedRate(ctx, i, b)
	if err != nil {
		return 0, err
	}
	return fpmath.SharesForAmount(units, supply, backing)
}

// GetWithdrawProportionAmount returns the native amounts Withdraw(holder,
// shares) would pay out per sub-ledger, pending harvests included.
func (t *PortfolioToken) GetWithdrawProportionAmount(ctx context.Context, holder common.Address, shares uint64) ([ledger.NumAssets]*big.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out [ledger.NumAssets]*big.Int
	for l := range out {
		out[l] = new(big.Int)
	}
	split, err := t.ledger.WithdrawPortions(holder, shares)
	if err != nil {
		return out, err
	}
	for l, portion := range split.Parts {
		if portion == 0 {
			continue
		}
		i := ledger.IndexForLane(l)
		b, err := t.bound(i)
		if err != nil {
			return out, err
		}
		supply, backing, err := t.harvestedRate(ctx, i, b)
		if err != nil {
			return out, err
		}
		principal, err := fpmath.AmountForShares(portion, backing, supply)
		if err != nil {
			return out, err
		}
		out[l] = b.decimals.ToNative(principal)
	}
	return out, nil
}

func (t *PortfolioToken) harvestedRate(ctx context.Context, i ledger.AssetIndex, b *binding) (supply, backing uint64, err error) {
	sub, err := t.book.Sub(i)
	if err != nil {
		return 0, 0, err
	}
	reward, err := t.rewardUnits(ctx, b)
	if err != nil {
		return 0, 0, err
	}
	backing = sub.BackingValue()
	if backing+reward < backing {
		return 0, 0, fmt.Errorf("simulate harvest %d: %w", i, ledger.ErrValueOverflow)
	}
	return sub.ShareTotalSupply(), backing + reward, nil
}

// === Ledger surface ===

func (t *PortfolioToken) Transfer(caller, to common.Address, amount uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mv, err := t.ledger.Transfer(caller, to, amount)
	if err != nil {
		return nil, err
	}
	return event.MovementNotices(mv), nil
}

func (t *PortfolioToken) SubTransfer(caller, to common.Address, amount uint64, i ledger.AssetIndex) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mv, err := t.ledger.SubTransfer(caller, to, amount, i)
	if err != nil {
		return nil, err
	}
	return event.MovementNotices(mv), nil
}

func (t *PortfolioToken) TransferFrom(spender, from, to common.Address, amount uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.ledger.Allowance(from, spender)
	mv, err := t.ledger.TransferFrom(spender, from, to, amount)
	if err != nil {
		return nil, err
	}
	return t.spentNotices(from, spender, before, mv), nil
}

func (t *PortfolioToken) SubTransferFrom(spender, from, to common.Address, amount uint64, i ledger.AssetIndex) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.ledger.Allowance(from, spender)
	mv, err := t.ledger.SubTransferFrom(spender, from, to, amount, i)
	if err != nil {
		return nil, err
	}
	return t.spentNotices(from, spender, before, mv), nil
}

func (t *PortfolioToken) spentNotices(owner, spender common.Address, before uint64, mv ledger.Movement) []event.Notification {
	notes := event.MovementNotices(mv)
	if after := t.ledger.Allowance(owner, spender); after != before {
		notes = append(notes, &event.Approval{Owner: owner, Spender: spender, Amount: after})
	}
	return notes
}

func (t *PortfolioToken) Approve(owner, spender common.Address, amount uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ledger.Approve(owner, spender, amount); err != nil {
		return nil, err
	}
	return []event.Notification{&event.Approval{Owner: owner, Spender: spender, Amount: amount}}, nil
}

func (t *PortfolioToken) IncreaseAllowance(owner, spender common.Address, added uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ledger.IncreaseAllowance(owner, spender, added); err != nil {
		return nil, err
	}
	return []event.Notification{&event.Approval{Owner: owner, Spender: spender, Amount: t.ledger.Allowance(owner, spender)}}, nil
}

func (t *PortfolioToken) DecreaseAllowance(owner, spender common.Address, subtracted uint64) ([]event.Notification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ledger.DecreaseAllowance(owner, spender, subtracted); err != nil {
		return nil, err
	}
	return []event.Notification{&event.Approval{Owner: owner, Spender: spender, Amount: t.ledger.Allowance(owner, spender)}}, nil
}

// === Reads ===

func (t *PortfolioToken) BalanceOf(holder common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.BalanceOf(holder)
}

func (t *PortfolioToken) SubBalanceOf(holder common.Address, i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.SubBalanceOf(holder, i)
}

func (t *PortfolioToken) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.TotalSupply()
}

func (t *PortfolioToken) SubTotalSupply(i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.SubTotalSupply(i)
}

func (t *PortfolioToken) RealBalanceOf(holder common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.RealBalanceOf(holder)
}

func (t *PortfolioToken) RealSubBalanceOf(holder common.Address, i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.RealSubBalanceOf(holder, i)
}

func (t *PortfolioToken) RealTotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.RealTotalSupply()
}

func (t *PortfolioToken) RealSubTotalSupply(i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.RealSubTotalSupply(i)
}

func (t *PortfolioToken) BackingValue(i ledger.AssetIndex) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, err := t.book.Sub(i)
	if err != nil {
		return 0, err
	}
	return sub.BackingValue(), nil
}

func (t *PortfolioToken) Allowance(owner, spender common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.Allowance(owner, spender)
}

// Pool returns the pool bound at index, if any.
func (t *PortfolioToken) Pool(i ledger.AssetIndex) (common.Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !i.Valid() || t.bindings[i.Lane()] == nil {
		return common.Address{}, false
	}
	return t.bindings[i.Lane()].pool.Address(), true
}

// Bindings lists the bound sub-ledgers in index order.
func (t *PortfolioToken) Bindings() []PoolBinding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PoolBinding, 0, ledger.NumAssets)
	for l, b := range t.bindings {
		if b == nil {
			continue
		}
		out = append(out, PoolBinding{
			Index:    ledger.IndexForLane(l),
			Pool:     b.pool.Address(),
			Token:    b.token.Address(),
			Decimals: b.decimals.DecimalPrecision,
		})
	}
	return out
}

// View runs fn with the book under the read lock.
func (t *PortfolioToken) View(fn func(b *ledger.Book)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.book)
}

// --- batch control used by the engine ---

func (t *PortfolioToken) beginBatch(eventRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.book.Begin(eventRef)
}

func (t *PortfolioToken) commitBatch() *ledger.Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Commit()
}

func (t *PortfolioToken) discardBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.book.Discard()
}

func (t *PortfolioToken) applyBatch(batch *ledger.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.ApplyBatch(batch)
}

func (t *PortfolioToken) restoreBook(state ledger.BookState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.book.RestoreFrom(ledger.ImportBook(state))
}
