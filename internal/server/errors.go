package server

import (
	"context"
	"errors"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/ingestion"
	"PortfolioLedger/internal/ledger"
	pmath "PortfolioLedger/internal/math"
	"PortfolioLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps ledger errors to gRPC status codes. Errors that already
// carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, core.ErrDuplicateCommand), errors.Is(err, core.ErrAlreadyBound):
		return codes.AlreadyExists
	case errors.Is(err, ingestion.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, core.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, query.ErrHistoryUnavailable):
		return codes.Unavailable
	case errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, core.ErrUnknownCommand),
		errors.Is(err, ledger.ErrValueOverflow),
		errors.Is(err, pmath.ErrOverflow),
		core.IsInputError(err):
		return codes.InvalidArgument
	case core.IsInsufficientFunds(err), core.IsConfigurationError(err):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
