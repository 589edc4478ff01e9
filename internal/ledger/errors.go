package ledger

import (
	"errors"

	"PortfolioLedger/internal/lane"
)

var (
	// Input validation
	ErrZeroAddress     = errors.New("zero address")
	ErrZeroAmount      = errors.New("zero amount")
	ErrIndexOutOfRange = lane.ErrIndexOutOfRange

	// Insufficient funds
	ErrInsufficientBalance    = errors.New("amount exceeds balance")
	ErrInsufficientSubBalance = errors.New("amount exceeds sub-balance")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrAllowanceUnderflow     = errors.New("decreased allowance below zero")

	// Arithmetic
	ErrValueOverflow = lane.ErrValueOverflow
)
