package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"
	pmath "PortfolioLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrMalformedCommand = errors.New("malformed command")

// InfiniteAmount is the wire spelling of an unlimited allowance.
const InfiniteAmount = "max"

// DecimalsFunc reports the native decimals of the asset bound at index.
type DecimalsFunc func(i ledger.AssetIndex) (uint8, bool)

// TokenDecimals resolves decimals from the token's current pool bindings.
func TokenDecimals(t *core.PortfolioToken) DecimalsFunc {
	return func(i ledger.AssetIndex) (uint8, bool) {
		for _, b := range t.Bindings() {
			if b.Index == i {
				return b.Decimals, true
			}
		}
		return 0, false
	}
}

// Parser converts JSON command payloads into typed commands. Deposit amounts
// are decimal strings in the asset's native precision; every other amount is
// a decimal string in system (share) precision.
type Parser struct {
	decimals DecimalsFunc
}

func NewParser(decimals DecimalsFunc) *Parser {
	return &Parser{decimals: decimals}
}

// ParseRaw parses a message received on portfolio.commands.<type>.>.
func (p *Parser) ParseRaw(raw RawCommand) (event.Command, error) {
	ct, err := CommandTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return p.Parse(ct, raw.Data, raw.Signature, raw.Timestamp)
}

// CommandTypeFromSubject extracts the command type token from a subject.
func CommandTypeFromSubject(subject string) (event.CommandType, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "portfolio" || parts[1] != "commands" {
		return event.CommandTypeUnknown, fmt.Errorf("subject %q: %w", subject, ErrMalformedCommand)
	}
	ct, ok := event.ParseCommandSubject(parts[2])
	if !ok {
		return event.CommandTypeUnknown, fmt.Errorf("subject %q: %w", subject, core.ErrUnknownCommand)
	}
	return ct, nil
}

// Parse decodes data as a command of type ct. The caller is the address
// recovered from signature; a payload "caller" field is optional and must
// name that same address. A payload without a timestamp is stamped with
// received.
func (p *Parser) Parse(ct event.CommandType, data []byte, signature string, received time.Time) (event.Command, error) {
	var m metaJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, malformed(ct, err)
	}
	signer, err := RecoverCaller(ct, data, signature)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}
	meta, err := m.meta(signer, received)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		return nil, malformed(ct, err)
	}

	cmd, err := p.parseBody(ct, meta, data)
	if err != nil {
		if errors.Is(err, core.ErrUnknownCommand) || errors.Is(err, core.ErrNoPoolBound) {
			return nil, err
		}
		return nil, malformed(ct, err)
	}
	return cmd, nil
}

func malformed(ct event.CommandType, err error) error {
	return fmt.Errorf("parse %s: %w: %w", ct, ErrMalformedCommand, err)
}

func (p *Parser) parseBody(ct event.CommandType, meta event.Meta, data []byte) (event.Command, error) {
	switch ct {
	case event.CommandTypeDeposit:
		return p.parseDeposit(meta, data)
	case event.CommandTypeWithdraw:
		var j sharesJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := parseShares(j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Withdraw{Meta: meta, Amount: amount}, nil
	case event.CommandTypeSubWithdraw:
		var j sharesJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := parseShares(j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.SubWithdraw{Meta: meta, Amount: amount, Index: ledger.AssetIndex(j.Index)}, nil
	case event.CommandTypeDepositRewards:
		return &event.DepositRewards{Meta: meta}, nil
	case event.CommandTypeSubDepositRewards:
		var j sharesJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, err
		}
		return &event.SubDepositRewards{Meta: meta, Index: ledger.AssetIndex(j.Index)}, nil
	case event.CommandTypeSetPool:
		var j setPoolJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, err
		}
		pool, err := parseAddress("pool", j.Pool)
		if err != nil {
			return nil, err
		}
		return &event.SetPool{Meta: meta, Index: ledger.AssetIndex(j.Index), Pool: pool}, nil
	case event.CommandTypeTransfer, event.CommandTypeSubTransfer,
		event.CommandTypeTransferFrom, event.CommandTypeSubTransferFrom:
		return parseTransfer(ct, meta, data)
	case event.CommandTypeApprove, event.CommandTypeIncreaseAllowance, event.CommandTypeDecreaseAllowance:
		return parseAllowance(ct, meta, data)
	default:
		return nil, fmt.Errorf("command type %d: %w", ct, core.ErrUnknownCommand)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type metaJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j metaJSON) meta(signer common.Address, received time.Time) (event.Meta, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return event.Meta{}, fmt.Errorf("parse command_id: %w", err)
	}
	if j.Caller != "" {
		claimed, err := parseAddress("caller", j.Caller)
		if err != nil {
			return event.Meta{}, err
		}
		if claimed != signer {
			return event.Meta{}, fmt.Errorf("%w: caller %s, signed by %s", ErrUnauthenticated, claimed.Hex(), signer.Hex())
		}
	}
	ts := j.TimestampUs
	if ts == 0 {
		ts = received.UnixMicro()
	}
	return event.Meta{CommandID: id, Caller: signer, Timestamp: ts}, nil
}

type depositJSON struct {
	Amount       string `json:"amount"`
	Index        uint8  `json:"index"`
	MinSharesOut string `json:"min_shares_out,omitempty"`
}

func (p *Parser) parseDeposit(meta event.Meta, data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	index := ledger.AssetIndex(j.Index)
	if !index.Valid() {
		return nil, fmt.Errorf("index %d: %w", j.Index, ledger.ErrIndexOutOfRange)
	}
	decimals, ok := p.decimals(index)
	if !ok {
		return nil, fmt.Errorf("index %d: %w", j.Index, core.ErrNoPoolBound)
	}
	amount, err := pmath.ParseNative(j.Amount, decimals)
	if err != nil {
		return nil, err
	}

	var minShares uint64
	if j.MinSharesOut != "" {
		if minShares, err = parseShares(j.MinSharesOut); err != nil {
			return nil, fmt.Errorf("min_shares_out: %w", err)
		}
	}
	return &event.Deposit{Meta: meta, Amount: amount, Index: index, MinSharesOut: minShares}, nil
}

type sharesJSON struct {
	Amount string `json:"amount"`
	Index  uint8  `json:"index"`
}

type setPoolJSON struct {
	Index uint8  `json:"index"`
	Pool  string `json:"pool"`
}

type transferJSON struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Index  uint8  `json:"index,omitempty"`
}

func parseTransfer(ct event.CommandType, meta event.Meta, data []byte) (event.Command, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	to, err := parseAddress("to", j.To)
	if err != nil {
		return nil, err
	}
	amount, err := parseShares(j.Amount)
	if err != nil {
		return nil, err
	}
	index := ledger.AssetIndex(j.Index)

	switch ct {
	case event.CommandTypeTransfer:
		return &event.Transfer{Meta: meta, To: to, Amount: amount}, nil
	case event.CommandTypeSubTransfer:
		return &event.SubTransfer{Meta: meta, To: to, Amount: amount, Index: index}, nil
	}

	from, err := parseAddress("from", j.From)
	if err != nil {
		return nil, err
	}
	if ct == event.CommandTypeTransferFrom {
		return &event.TransferFrom{Meta: meta, From: from, To: to, Amount: amount}, nil
	}
	return &event.SubTransferFrom{Meta: meta, From: from, To: to, Amount: amount, Index: index}, nil
}

type allowanceJSON struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

func parseAllowance(ct event.CommandType, meta event.Meta, data []byte) (event.Command, error) {
	var j allowanceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	spender, err := parseAddress("spender", j.Spender)
	if err != nil {
		return nil, err
	}

	var amount uint64
	if j.Amount == InfiniteAmount {
		amount = ledger.InfiniteAllowance
	} else if amount, err = parseShares(j.Amount); err != nil {
		return nil, err
	}

	switch ct {
	case event.CommandTypeIncreaseAllowance:
		return &event.IncreaseAllowance{Meta: meta, Spender: spender, Amount: amount}, nil
	case event.CommandTypeDecreaseAllowance:
		return &event.DecreaseAllowance{Meta: meta, Spender: spender, Amount: amount}, nil
	default:
		return &event.Approve{Meta: meta, Spender: spender, Amount: amount}, nil
	}
}

// --- field helpers ---

// parseAddress accepts any 0x-prefixed 20-byte hex address. The zero address
// parses; rejecting it is the ledger's job.
func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseShares(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("amount is required")
	}
	return pmath.ParseSystem(s)
}
