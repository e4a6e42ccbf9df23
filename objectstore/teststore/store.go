// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package teststore implements an in-memory object store for tests.
package teststore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/farmcompanion/farm-photos/objectstore"
)

// Object is an uploaded test object.
type Object struct {
	ContentType   string
	ContentLength int64
}

// Store is an in-memory objectstore.Store. The zero grant URL points
// nowhere; tests simulate the out of band client upload with Upload.
type Store struct {
	mu      sync.Mutex
	objects map[string]Object
	grants  int
	err     error
}

// New creates an empty test store.
func New() *Store {
	return &Store{objects: map[string]Object{}}
}

// SetError makes every following call fail with err until reset with nil.
func (store *Store) SetError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.err = err
}

// RequestUpload grants a fake upload URL.
func (store *Store) RequestUpload(ctx context.Context, key string, contentType string, contentLength int64) (*objectstore.UploadGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.err != nil {
		return nil, store.err
	}

	store.grants++
	return &objectstore.UploadGrant{
		URL:       fmt.Sprintf("https://objects.test/upload/%s?grant=%d", key, store.grants),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

// Exists reports whether an object was uploaded at key.
func (store *Store) Exists(ctx context.Context, key string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.err != nil {
		return false, store.err
	}

	_, ok := store.objects[key]
	return ok, nil
}

// Upload simulates the out of band client upload against a granted URL.
func (store *Store) Upload(key string, contentType string, contentLength int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.objects[key] = Object{ContentType: contentType, ContentLength: contentLength}
}

// Grants returns how many upload URLs were requested.
func (store *Store) Grants() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.grants
}
