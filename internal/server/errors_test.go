package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/ingestion"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/pool"
	"PortfolioLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("deposit: %w", core.ErrDuplicateCommand), codes.AlreadyExists},
		{core.ErrAlreadyBound, codes.AlreadyExists},
		{core.ErrUnauthorized, codes.PermissionDenied},
		{fmt.Errorf("parse SetPool: %w: missing signature", ingestion.ErrUnauthenticated), codes.Unauthenticated},
		{query.ErrHistoryUnavailable, codes.Unavailable},
		{fmt.Errorf("parse: %w: %w", ingestion.ErrMalformedCommand, errors.New("eof")), codes.InvalidArgument},
		{ledger.ErrZeroAmount, codes.InvalidArgument},
		{fmt.Errorf("withdraw: %w", core.ErrCustodyCaller), codes.InvalidArgument},
		{core.ErrAssetInUse, codes.FailedPrecondition},
		{ledger.ErrValueOverflow, codes.InvalidArgument},
		{ledger.ErrInsufficientAllowance, codes.FailedPrecondition},
		{pool.ErrInsufficientReserves, codes.FailedPrecondition},
		{core.ErrNoPoolBound, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
		{status.Error(codes.NotFound, "gone"), codes.NotFound},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}

	if toStatus(nil) != nil {
		t.Error("toStatus(nil) should be nil")
	}
}
