// Package api is the single presentation boundary: chi routing, request
// validation, actor extraction and error rendering. Domain packages return
// typed errors; translation to HTTP happens only here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"
)

// errorResponse is the wire shape of every failure.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.NewInternalError(err)
	}

	status := apperrors.HTTPStatus(appErr.Code)
	if status >= 500 {
		log.Error("request failed", map[string]interface{}{
			"code":    string(appErr.Code),
			"details": appErr.Details,
		})
	}

	writeJSON(w, status, errorResponse{
		Code:      string(appErr.Code),
		Message:   apperrors.UserMessage(appErr),
		Details:   appErr.Details,
		Retryable: appErr.Retryable,
	})
}
