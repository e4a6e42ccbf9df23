// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photoweb

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/private/memory"
)

// Request bodies stay far below this; anything larger is garbage.
const requestBodyLimit = 4 * memory.KiB

// reservePhoto issues an upload lease for a farm.
func (server *Server) reservePhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request photos.ReserveRequest
	if err = json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit.Int64())).Decode(&request); err != nil {
		sendJSONError(w, codeValidation, "invalid JSON body", http.StatusBadRequest)
		return
	}
	request.FarmID = mux.Vars(r)["farmID"]

	reservation, err := server.service.Reserve(ctx, getClientIP(r), request)
	if err != nil {
		// On reserve a full quota reads as "back off or replace", like the
		// request limiter.
		if photos.ErrQuotaExceeded.Has(err) {
			sendJSONError(w, codeQuotaExceeded, err.Error(), http.StatusTooManyRequests)
			return
		}
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, reservation)
}

// confirmUpload turns an uploaded lease into a pending photo record.
func (server *Server) confirmUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request struct {
		LeaseID uuid.UUID `json:"leaseId"`
	}
	if err = json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit.Int64())).Decode(&request); err != nil {
		sendJSONError(w, codeValidation, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if request.LeaseID == (uuid.UUID{}) {
		sendJSONError(w, codeValidation, "leaseId is required", http.StatusBadRequest)
		return
	}

	record, err := server.service.Confirm(ctx, request.LeaseID)
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, record)
}

// farmPhotos returns a farm's approved gallery and its index counts.
func (server *Server) farmPhotos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	summary, err := server.stats.FarmStats(ctx, mux.Vars(r)["farmID"])
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, summary)
}
