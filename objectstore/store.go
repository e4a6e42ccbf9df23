// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package objectstore defines the contract with the object store that end
// users upload photo bytes to. The photo pipeline only grants upload URLs
// and checks object existence; it never moves image bytes itself.
package objectstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default objectstore errs class.
var Error = errs.Class("objectstore")

// UploadGrant is a time-limited permission for one direct upload.
type UploadGrant struct {
	// URL accepts exactly one upload of the promised content type and
	// length until ExpiresAt.
	URL       string
	ExpiresAt time.Time
}

// Store grants direct-upload URLs and answers existence checks.
type Store interface {
	// RequestUpload returns a time-limited URL for uploading one object of
	// the given content type and length at key.
	RequestUpload(ctx context.Context, key string, contentType string, contentLength int64) (*UploadGrant, error)
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}
