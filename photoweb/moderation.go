// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photoweb

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// moderationRequest is the optional body of the moderation endpoints.
type moderationRequest struct {
	Notes string `json:"notes"`
}

func parsePhotoID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["photoID"])
	return id, err == nil
}

// parseModeration accepts an empty body as a request without notes.
func parseModeration(r *http.Request) (request moderationRequest, err error) {
	err = json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit.Int64())).Decode(&request)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return request, err
}

// approvePhoto moves a pending photo into the approved gallery, subject to
// the farm's quota.
func (server *Server) approvePhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	photoID, ok := parsePhotoID(r)
	if !ok {
		sendJSONError(w, codeValidation, "invalid photo id", http.StatusBadRequest)
		return
	}

	record, err := server.service.Approve(ctx, photoID)
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, record)
}

// rejectPhoto moves a pending photo into the rejected set.
func (server *Server) rejectPhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	photoID, ok := parsePhotoID(r)
	if !ok {
		sendJSONError(w, codeValidation, "invalid photo id", http.StatusBadRequest)
		return
	}
	request, err := parseModeration(r)
	if err != nil {
		sendJSONError(w, codeValidation, "invalid JSON body", http.StatusBadRequest)
		return
	}

	record, err := server.service.Reject(ctx, photoID, request.Notes)
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, record)
}

// requestChanges flags a pending photo for author rework.
func (server *Server) requestChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	photoID, ok := parsePhotoID(r)
	if !ok {
		sendJSONError(w, codeValidation, "invalid photo id", http.StatusBadRequest)
		return
	}
	request, err := parseModeration(r)
	if err != nil {
		sendJSONError(w, codeValidation, "invalid JSON body", http.StatusBadRequest)
		return
	}

	record, err := server.service.RequestChanges(ctx, photoID, request.Notes)
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, record)
}

// getPhoto returns a single photo record for review.
func (server *Server) getPhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	photoID, ok := parsePhotoID(r)
	if !ok {
		sendJSONError(w, codeValidation, "invalid photo id", http.StatusBadRequest)
		return
	}

	record, err := server.service.GetPhoto(ctx, photoID)
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, record)
}

// removePhoto takes a photo down regardless of its status.
func (server *Server) removePhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	photoID, ok := parsePhotoID(r)
	if !ok {
		sendJSONError(w, codeValidation, "invalid photo id", http.StatusBadRequest)
		return
	}

	if err = server.service.Remove(ctx, photoID); err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"removed": photoID.String()})
}

// globalStats returns the directory-wide summary, served from the chore's
// snapshot when one is fresh.
func (server *Server) globalStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	summary, err := server.stats.CachedGlobalStats(ctx)
	if err != nil {
		server.sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, summary)
}
