// Package pool is the yield-pool boundary. Each sub-ledger forwards its
// principal to one pool and harvests the pool's rewards.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"PortfolioLedger/internal/asset"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientStake    = errors.New("withdraw amount exceeds stake")
	ErrInsufficientReserves = errors.New("pool reserves exhausted")
	ErrNegativeAmount       = errors.New("negative amount")
)

// Pool is an external yield pool holding staked principal for its asset.
// All amounts are in the asset's native precision.
type Pool interface {
	Address() common.Address
	Asset() asset.Token
	Decimals(ctx context.Context) (uint8, error)

	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	PendingReward(ctx context.Context, holder common.Address) (*big.Int, error)

	// Deposit pulls amount of the asset from holder and stakes it.
	Deposit(ctx context.Context, holder common.Address, amount *big.Int) error
	// Withdraw unstakes amount from holder's stake and sends it to to. When
	// claimRewardsFirst is set, pending rewards are paid to holder first.
	Withdraw(ctx context.Context, holder, to common.Address, amount *big.Int, claimRewardsFirst bool) error
	// ClaimRewards pays holder's pending reward to holder.
	ClaimRewards(ctx context.Context, holder common.Address) error
}

// DepositHook runs after a MemoryPool deposit has been recorded.
type DepositHook func(ctx context.Context, holder common.Address, amount *big.Int)

// Option configures a MemoryPool.
type Option func(*MemoryPool)

// WithDecimals makes the pool report decimals different from its asset's.
func WithDecimals(d uint8) Option {
	return func(p *MemoryPool) {
		p.decimals = d
	}
}

// WithDepositHook installs a callback run at the end of every Deposit.
func WithDepositHook(h DepositHook) Option {
	return func(p *MemoryPool) {
		p.onDeposit = h
	}
}

// MemoryPool is an in-process Pool. Rewards are credited with AddRewards and
// paid out of the pool's own asset balance, so reward tokens must be minted
// to the pool's address before they can be claimed.
type MemoryPool struct {
	mu        sync.Mutex
	address   common.Address
	token     asset.Token
	decimals  uint8
	stakes    map[common.Address]*big.Int
	pending   map[common.Address]*big.Int
	onDeposit DepositHook
}

func NewMemoryPool(address common.Address, token asset.Token, opts ...Option) *MemoryPool {
	p := &MemoryPool{
		address:  address,
		token:    token,
		decimals: token.Decimals(),
		stakes:   make(map[common.Address]*big.Int),
		pending:  make(map[common.Address]*big.Int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *MemoryPool) Address() common.Address { return p.address }
func (p *MemoryPool) Asset() asset.Token      { return p.token }

func (p *MemoryPool) Decimals(context.Context) (uint8, error) {
	return p.decimals, nil
}

func (p *MemoryPool) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return get(p.stakes, holder), nil
}

func (p *MemoryPool) PendingReward(_ context.Context, holder common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return get(p.pending, holder), nil
}

// AddRewards accrues amount of pending reward to holder.
func (p *MemoryPool) AddRewards(holder common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := get(p.pending, holder)
	p.pending[holder] = cur.Add(cur, amount)
	return nil
}

func (p *MemoryPool) Deposit(ctx context.Context, holder common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := p.token.Transfer(ctx, holder, p.address, amount); err != nil {
		return fmt.Errorf("pool %s deposit: %w", p.address.Hex(), err)
	}

	p.mu.Lock()
	stake := get(p.stakes, holder)
	p.stakes[holder] = stake.Add(stake, amount)
	hook := p.onDeposit
	p.mu.Unlock()

	if hook != nil {
		hook(ctx, holder, amount)
	}
	return nil
}

func (p *MemoryPool) Withdraw(ctx context.Context, holder, to common.Address, amount *big.Int, claimRewardsFirst bool) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if claimRewardsFirst {
		if err := p.ClaimRewards(ctx, holder); err != nil {
			return err
		}
	}
	if amount.Sign() == 0 {
		return nil
	}

	p.mu.Lock()
	stake := get(p.stakes, holder)
	if stake.Cmp(amount) < 0 {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: stake %s, withdraw %s: %w", p.address.Hex(), stake, amount, ErrInsufficientStake)
	}
	p.stakes[holder] = stake.Sub(stake, amount)
	p.mu.Unlock()

	if err := p.payout(ctx, to, amount); err != nil {
		p.mu.Lock()
		restored := get(p.stakes, holder)
		p.stakes[holder] = restored.Add(restored, amount)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *MemoryPool) ClaimRewards(ctx context.Context, holder common.Address) error {
	p.mu.Lock()
	reward := get(p.pending, holder)
	delete(p.pending, holder)
	p.mu.Unlock()

	if reward.Sign() == 0 {
		return nil
	}
	if err := p.payout(ctx, holder, reward); err != nil {
		p.mu.Lock()
		restored := get(p.pending, holder)
		p.pending[holder] = restored.Add(restored, reward)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *MemoryPool) payout(ctx context.Context, to common.Address, amount *big.Int) error {
	reserves, err := p.token.BalanceOf(ctx, p.address)
	if err != nil {
		return fmt.Errorf("pool %s reserves: %w", p.address.Hex(), err)
	}
	if reserves.Cmp(amount) < 0 {
		return fmt.Errorf("pool %s: reserves %s, payout %s: %w", p.address.Hex(), reserves, amount, ErrInsufficientReserves)
	}
	if err := p.token.Transfer(ctx, p.address, to, amount); err != nil {
		return fmt.Errorf("pool %s payout: %w", p.address.Hex(), err)
	}
	return nil
}

func get(m map[common.Address]*big.Int, holder common.Address) *big.Int {
	if v, ok := m[holder]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
