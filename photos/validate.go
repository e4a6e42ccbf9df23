// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photos

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/farmcompanion/farm-photos/private/memory"
)

const (
	maxFarmIDLength      = 64
	maxFileNameLength    = 255
	maxCaptionLength     = 500
	maxAuthorNameLength  = 100
	maxAuthorEmailLength = 255
	maxReviewNotesLength = 1000
)

// ValidateFarmID checks that a farm identifier is usable as a key segment:
// a non-empty lowercase slug with no whitespace or separators.
func ValidateFarmID(farmID string) error {
	if farmID == "" {
		return ErrValidation.New("farm id is missing")
	}
	if len(farmID) > maxFarmIDLength {
		return ErrValidation.New("farm id is longer than %d characters", maxFarmIDLength)
	}
	for i := 0; i < len(farmID); i++ {
		c := farmID[i]
		if 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' {
			continue
		}
		return ErrValidation.New("farm id contains invalid character %q", c)
	}
	return nil
}

// ValidateNotes checks moderation notes length.
func ValidateNotes(notes string) error {
	if len(notes) > maxReviewNotesLength {
		return ErrValidation.New("notes are longer than %d characters", maxReviewNotesLength)
	}
	return nil
}

func validateReserve(request ReserveRequest, maxFileSize memory.Size) error {
	if err := ValidateFarmID(request.FarmID); err != nil {
		return err
	}

	name := strings.TrimSpace(request.FileName)
	if name == "" {
		return ErrValidation.New("file name is missing")
	}
	if len(name) > maxFileNameLength {
		return ErrValidation.New("file name is longer than %d characters", maxFileNameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return ErrValidation.New("file name must not contain path separators")
	}

	if !AllowedContentType(request.ContentType) {
		return ErrValidation.New("content type %q is not allowed", request.ContentType)
	}

	if request.FileSize <= 0 {
		return ErrValidation.New("file size must be positive")
	}
	if request.FileSize > maxFileSize.Int64() {
		return ErrValidation.New("file size exceeds the %s limit", maxFileSize)
	}

	switch request.Mode {
	case ModeNew:
		if request.ReplaceTargetID != (uuid.UUID{}) {
			return ErrValidation.New("replace target is only valid in replace mode")
		}
	case ModeReplace:
		if request.ReplaceTargetID == (uuid.UUID{}) {
			return ErrValidation.New("replace mode requires a replace target")
		}
	default:
		return ErrValidation.New("unknown upload mode %q", request.Mode)
	}

	if len(request.Caption) > maxCaptionLength {
		return ErrValidation.New("caption is longer than %d characters", maxCaptionLength)
	}
	if len(request.AuthorName) > maxAuthorNameLength {
		return ErrValidation.New("author name is longer than %d characters", maxAuthorNameLength)
	}
	if request.AuthorEmail != "" {
		if len(request.AuthorEmail) > maxAuthorEmailLength {
			return ErrValidation.New("author email is longer than %d characters", maxAuthorEmailLength)
		}
		if _, err := mail.ParseAddress(request.AuthorEmail); err != nil {
			return ErrValidation.New("author email is invalid")
		}
	}

	return nil
}
