package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"

	"PortfolioLedger/internal/asset"
	"PortfolioLedger/internal/ledger"
	pmath "PortfolioLedger/internal/math"
	"PortfolioLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// PoolSpec defines one simulated asset and its yield pool.
//
//	pools:
//	  - symbol: USDC
//	    decimals: 6
//	    index: 1            # bind at startup; 0 leaves it to a SetPool command
//	    balances:
//	      "0x00000000000000000000000000000000000000a1": "1000.5"
type PoolSpec struct {
	Symbol       string `yaml:"symbol"`
	Decimals     uint8  `yaml:"decimals"`
	PoolDecimals *uint8 `yaml:"pool_decimals,omitempty"`

	// Addresses default to 0x7000+k for the token and 0x9000+k for the pool.
	Token string `yaml:"token,omitempty"`
	Pool  string `yaml:"pool,omitempty"`

	Index    uint8             `yaml:"index,omitempty"`
	Balances map[string]string `yaml:"balances,omitempty"`
}

type poolsFile struct {
	Pools []PoolSpec `yaml:"pools"`
}

// LoadPools reads a pool definition file. ${VAR} references are expanded
// from the environment before parsing.
func LoadPools(path string) ([]PoolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools file: %w", err)
	}
	return ParsePools([]byte(os.ExpandEnv(string(data))))
}

// ParsePools decodes and validates pool definitions.
func ParsePools(data []byte) ([]PoolSpec, error) {
	var f poolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pools file: %w", err)
	}

	symbols := make(map[string]bool)
	indexes := make(map[uint8]string)
	var errs []error
	for k, p := range f.Pools {
		if p.Symbol == "" {
			errs = append(errs, fmt.Errorf("pool %d: symbol is required", k))
			continue
		}
		if symbols[p.Symbol] {
			errs = append(errs, fmt.Errorf("pool %s: duplicate symbol", p.Symbol))
		}
		symbols[p.Symbol] = true

		for field, s := range map[string]string{"token": p.Token, "pool": p.Pool} {
			if s != "" && !common.IsHexAddress(s) {
				errs = append(errs, fmt.Errorf("pool %s: invalid %s address %q", p.Symbol, field, s))
			}
		}
		if p.Index != 0 {
			if !ledger.AssetIndex(p.Index).Valid() {
				errs = append(errs, fmt.Errorf("pool %s: index %d: %w", p.Symbol, p.Index, ledger.ErrIndexOutOfRange))
			} else if other, ok := indexes[p.Index]; ok {
				errs = append(errs, fmt.Errorf("pool %s: index %d already used by %s", p.Symbol, p.Index, other))
			}
			indexes[p.Index] = p.Symbol
		}
		for holder, amount := range p.Balances {
			if !common.IsHexAddress(holder) {
				errs = append(errs, fmt.Errorf("pool %s: invalid holder %q", p.Symbol, holder))
			}
			if _, err := pmath.ParseNative(amount, p.Decimals); err != nil {
				errs = append(errs, fmt.Errorf("pool %s: balance of %s: %w", p.Symbol, holder, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Pools, nil
}

// SimulatedPool is an in-memory asset and pool built from a PoolSpec.
type SimulatedPool struct {
	Spec  PoolSpec
	Token *asset.MemoryToken
	Pool  *pool.MemoryPool
}

// BuildPools creates the in-memory tokens and pools, mints the genesis
// balances and registers every pool.
func BuildPools(specs []PoolSpec) (*pool.Registry, []SimulatedPool, error) {
	registry := pool.NewRegistry()
	built := make([]SimulatedPool, 0, len(specs))

	for k, spec := range specs {
		tokenAddr := addressOr(spec.Token, 0x7000+int64(k))
		poolAddr := addressOr(spec.Pool, 0x9000+int64(k))

		tok := asset.NewMemoryToken(tokenAddr, spec.Symbol, spec.Decimals)
		var opts []pool.Option
		if spec.PoolDecimals != nil {
			opts = append(opts, pool.WithDecimals(*spec.PoolDecimals))
		}
		p := pool.NewMemoryPool(poolAddr, tok, opts...)
		if err := registry.Register(p); err != nil {
			return nil, nil, fmt.Errorf("pool %s: %w", spec.Symbol, err)
		}

		// Sorted so the mint order does not depend on map iteration.
		holders := make([]string, 0, len(spec.Balances))
		for h := range spec.Balances {
			holders = append(holders, h)
		}
		sort.Strings(holders)
		for _, h := range holders {
			amount, err := pmath.ParseNative(spec.Balances[h], spec.Decimals)
			if err != nil {
				return nil, nil, fmt.Errorf("pool %s: balance of %s: %w", spec.Symbol, h, err)
			}
			tok.Mint(common.HexToAddress(h), amount)
		}

		built = append(built, SimulatedPool{Spec: spec, Token: tok, Pool: p})
	}
	return registry, built, nil
}

func addressOr(s string, fallback int64) common.Address {
	if s != "" {
		return common.HexToAddress(s)
	}
	return common.BigToAddress(big.NewInt(fallback))
}
