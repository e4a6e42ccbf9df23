// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package photoweb serves the photo upload, moderation and stats HTTP API.
package photoweb

import (
	"encoding/json"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/photos"
)

var (
	// Error is the default photoweb errs class.
	Error = errs.Class("photoweb")

	mon = monkit.Package()
)

// Error codes carried in the JSON error body so clients can tell business
// failures apart from generic ones.
const (
	codeValidation         = "VALIDATION_ERROR"
	codeRateLimited        = "RATE_LIMITED"
	codeQuotaExceeded      = "QUOTA_EXCEEDED"
	codeLeaseNotFound      = "LEASE_NOT_FOUND"
	codeObjectNotFound     = "OBJECT_NOT_FOUND"
	codePhotoNotFound      = "PHOTO_NOT_FOUND"
	codeNotPending         = "NOT_PENDING"
	codeStorageUnavailable = "STORAGE_UNAVAILABLE"
	codeUnauthorized       = "UNAUTHORIZED"
	codeInternal           = "INTERNAL_ERROR"
)

// sendJSONData sends data bytes formatted as JSON to the response output stream.
func sendJSONData(w http.ResponseWriter, statusCode int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

// sendJSON marshals value as the response body.
func sendJSON(w http.ResponseWriter, statusCode int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, statusCode, data)
}

// sendJSONError writes a JSON error to the response output stream.
func sendJSONError(w http.ResponseWriter, code, message string, statusCode int) {
	body, err := json.Marshal(struct {
		Code    string `json:"error"`
		Message string `json:"message"`
	}{
		Code:    code,
		Message: message,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, statusCode, body)
}

// sendError maps a service error onto its HTTP status and error code.
// Reserve maps ErrQuotaExceeded to 429 before calling this, so the 409 here
// only covers moderation.
func (server *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case photos.ErrValidation.Has(err):
		sendJSONError(w, codeValidation, err.Error(), http.StatusBadRequest)
	case photos.ErrRateLimited.Has(err):
		sendJSONError(w, codeRateLimited, err.Error(), http.StatusTooManyRequests)
	case photos.ErrQuotaExceeded.Has(err):
		sendJSONError(w, codeQuotaExceeded, err.Error(), http.StatusConflict)
	case photos.ErrLeaseNotFound.Has(err):
		sendJSONError(w, codeLeaseNotFound, err.Error(), http.StatusNotFound)
	case photos.ErrObjectNotFound.Has(err):
		sendJSONError(w, codeObjectNotFound, err.Error(), http.StatusConflict)
	case photos.ErrPhotoNotFound.Has(err):
		sendJSONError(w, codePhotoNotFound, err.Error(), http.StatusNotFound)
	case photos.ErrNotPending.Has(err):
		sendJSONError(w, codeNotPending, err.Error(), http.StatusConflict)
	case photos.ErrStorageUnavailable.Has(err):
		sendJSONError(w, codeStorageUnavailable, err.Error(), http.StatusServiceUnavailable)
	default:
		server.log.Error("unhandled api error", zap.Error(err))
		sendJSONError(w, codeInternal, "internal server error", http.StatusInternalServerError)
	}
}
