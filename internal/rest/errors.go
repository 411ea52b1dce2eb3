// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-hsm.
//
// go-hsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Request errors.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidAssetID = errors.New("invalid asset id")
	ErrInvalidNumber  = errors.New("invalid asset number")
	ErrInternalError  = errors.New("internal server error")
)

// writeError writes an error response to the client.
func writeError(w http.ResponseWriter, err error, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error: err.Error(),
		Kind:  errorKind(err),
		Code:  statusCode,
	}, statusCode)
}

// errorKind labels request errors as bad arguments so clients can map
// every 400 reply to types.ErrBadArgument.
func errorKind(err error) string {
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidAssetID) || errors.Is(err, ErrInvalidNumber) {
		return types.Kind(types.ErrBadArgument)
	}
	return types.Kind(err)
}

// writeErrorWithMessage writes an error response with a custom message.
func writeErrorWithMessage(w http.ResponseWriter, err error, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   err.Error(),
		Kind:    errorKind(err),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// mapErrorToStatusCode maps engine error kinds to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidAssetID),
		errors.Is(err, ErrInvalidNumber),
		errors.Is(err, types.ErrBadArgument),
		errors.Is(err, types.ErrInvalidLength),
		errors.Is(err, types.ErrInvalidLocation),
		errors.Is(err, types.ErrBufferTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInvalidAsset):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAccess):
		return http.StatusForbidden
	case errors.Is(err, types.ErrUnwrap),
		errors.Is(err, types.ErrVerify):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrCanceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError maps err to a status code and writes the error response.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, err, mapErrorToStatusCode(err))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}
