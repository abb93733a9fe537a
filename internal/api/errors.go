package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atmx/cdp-engine/internal/cdp"
	"github.com/atmx/cdp-engine/internal/collateral"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// errorCodes maps engine rejections to stable codes. Order matters only
// where one sentinel wraps another: ErrUnderflow wraps ErrOverflow and is
// reported as an overflow.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{cdp.ErrInvalidCollateralRatio, "invalid_collateral_ratio", http.StatusUnprocessableEntity},
	{cdp.ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{cdp.ErrPositionNotFound, "position_not_found", http.StatusNotFound},
	{cdp.ErrAssetNotFound, "asset_not_found", http.StatusNotFound},
	{cdp.ErrAuctionNotEligible, "auction_not_eligible", http.StatusConflict},
	{cdp.ErrStalePrice, "stale_price", http.StatusServiceUnavailable},
	{cdp.ErrDivisionByZero, "division_by_zero", http.StatusUnprocessableEntity},
	{collateral.ErrZeroPrice, "division_by_zero", http.StatusUnprocessableEntity},
	{cdp.ErrOverflow, "arithmetic_overflow", http.StatusUnprocessableEntity},
	{cdp.ErrInvalidAssetKind, "invalid_asset_kind", http.StatusBadRequest},
	{cdp.ErrAmountExceedsAvailable, "amount_exceeds_available", http.StatusUnprocessableEntity},
	{cdp.ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{cdp.ErrWrongAsset, "wrong_asset", http.StatusBadRequest},
	{cdp.ErrPositionClosed, "position_closed", http.StatusConflict},
	{cdp.ErrAssetAlreadyRegistered, "asset_already_registered", http.StatusConflict},
	{cdp.ErrInvalidConfig, "invalid_config", http.StatusBadRequest},
	{cdp.ErrInvalidMessage, "invalid_message", http.StatusBadRequest},
	{cdp.ErrNotInitialized, "not_initialized", http.StatusServiceUnavailable},
	{transfer.ErrInsufficientFunds, "insufficient_funds", http.StatusUnprocessableEntity},
	{transfer.ErrInvalidIdentifier, "invalid_message", http.StatusBadRequest},
}

// errorStatus returns the HTTP status and code for err. Unknown errors are
// internal.
func errorStatus(err error) (int, string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, msg, code string, status int) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
