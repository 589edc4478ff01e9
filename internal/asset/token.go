// Package asset is the fungible-token boundary the portfolio deposits into
// and withdraws from. Amounts are in the token's native precision.
package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds = errors.New("transfer amount exceeds balance")
	ErrNegativeAmount    = errors.New("negative amount")
	ErrZeroAddress       = errors.New("transfer involving zero address")
)

// Token is a fungible asset.
type Token interface {
	Address() common.Address
	Decimals() uint8
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// MemoryToken is an in-process Token used by the simulated deployment and tests.
type MemoryToken struct {
	mu       sync.Mutex
	address  common.Address
	symbol   string
	decimals uint8
	balances map[common.Address]*big.Int
}

func NewMemoryToken(address common.Address, symbol string, decimals uint8) *MemoryToken {
	return &MemoryToken{
		address:  address,
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
	}
}

func (t *MemoryToken) Address() common.Address { return t.address }
func (t *MemoryToken) Decimals() uint8         { return t.decimals }
func (t *MemoryToken) Symbol() string          { return t.symbol }

func (t *MemoryToken) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceLocked(holder), nil
}

func (t *MemoryToken) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fromBal := t.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%s: %s has %s, needs %s: %w", t.symbol, from.Hex(), fromBal, amount, ErrInsufficientFunds)
	}
	t.balances[from] = fromBal.Sub(fromBal, amount)
	toBal := t.balanceLocked(to)
	t.balances[to] = toBal.Add(toBal, amount)
	return nil
}

// Mint credits amount to holder out of thin air.
func (t *MemoryToken) Mint(holder common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balanceLocked(holder)
	t.balances[holder] = bal.Add(bal, amount)
}

// balanceLocked returns a copy of holder's balance.
func (t *MemoryToken) balanceLocked(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}
