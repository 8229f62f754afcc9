package rpc

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/signing"
	"github.com/sweatpool/sweatpool/types"
	"github.com/sweatpool/sweatpool/vault"
)

// statusCode maps a service error to the HTTP status it is reported with.
func statusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrNotRegistered),
		errors.Is(err, types.ErrNotWinner):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyRegistered),
		errors.Is(err, types.ErrAlreadySettled),
		errors.Is(err, types.ErrNoSuccessfulAthletes):
		return http.StatusConflict
	case errors.Is(err, types.ErrChallengeExpired),
		errors.Is(err, types.ErrNotYetExpired):
		return http.StatusPreconditionFailed
	case errors.Is(err, types.ErrInsufficientPayment),
		errors.Is(err, types.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrInvalidCriterion),
		errors.Is(err, types.ErrInvalidKind),
		errors.Is(err, types.ErrInvalidActivity),
		errors.Is(err, types.ErrInvalidAddress),
		errors.Is(err, types.ErrInvalidOracle),
		errors.Is(err, types.ErrOverflow),
		errors.Is(err, vault.ErrEscrowAccount),
		errors.Is(err, signing.ErrInvalidPubkeyLen):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func httpError(ctx context.Context, err error) error {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		logging.FromContext(ctx).Warn("unknown error", zap.Error(err))
		return echo.NewHTTPError(code, "internal error")
	}
	return echo.NewHTTPError(code, err.Error())
}
