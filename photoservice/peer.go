// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package photoservice wires the photo subsystems into one runnable peer.
package photoservice

import (
	"context"
	"errors"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/farmcompanion/farm-photos/objectstore"
	"github.com/farmcompanion/farm-photos/objectstore/s3store"
	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/photos/photodb"
	"github.com/farmcompanion/farm-photos/photos/stats"
	"github.com/farmcompanion/farm-photos/photoweb"
	"github.com/farmcompanion/farm-photos/private/kvstore"
	"github.com/farmcompanion/farm-photos/private/kvstore/rediskv"
	"github.com/farmcompanion/farm-photos/private/kvstore/storelogger"
	"github.com/farmcompanion/farm-photos/ratelimit"
)

// Error is the default photoservice errs class.
var Error = errs.Class("photoservice")

// Config is all the configuration parameters for a photo service peer.
type Config struct {
	Redis      string `help:"redis connection URL holding all photo state" default:"redis://127.0.0.1:6379?db=0"`
	LogQueries bool   `help:"log every key/value store operation at debug level" default:"false"`

	Photos      photos.Config
	RateLimit   ratelimit.Config
	Stats       stats.Config
	Retry       photodb.RetryConfig
	ObjectStore s3store.Config
	Web         photoweb.Config
}

// Peer is the representation of a photo service.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger

	Store kvstore.Store

	DB *photodb.DB

	Objects objectstore.Store

	Limiter *ratelimit.Limiter

	Photos *photos.Service

	Stats struct {
		Service *stats.Service
		Chore   *stats.Chore
	}

	Web struct {
		Listener net.Listener
		Server   *photoweb.Server
	}
}

// New creates a new photo service peer.
func New(ctx context.Context, log *zap.Logger, config Config) (peer *Peer, err error) {
	peer = &Peer{Log: log}

	{ // setup key/value store
		client, err := rediskv.OpenClientFrom(ctx, config.Redis)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Store = client
		if config.LogQueries {
			peer.Store = storelogger.New(log.Named("kvstore"), peer.Store)
		}
	}

	peer.DB = photodb.New(log.Named("photodb"), peer.Store, config.Retry)

	{ // setup object store
		if config.ObjectStore.Bucket == "" {
			log.Warn("object store bucket is not configured, uploads will be refused")
			peer.Objects = unconfiguredObjects{}
		} else {
			objects, err := s3store.New(ctx, log.Named("s3"), config.ObjectStore)
			if err != nil {
				return nil, errs.Combine(Error.Wrap(err), peer.Close())
			}
			peer.Objects = objects
		}
	}

	peer.Limiter = ratelimit.NewLimiter(peer.Store, config.RateLimit)

	peer.Photos = photos.NewService(log.Named("photos"), peer.DB, peer.Objects, peer.Limiter, config.Photos)

	{ // setup stats
		peer.Stats.Service = stats.NewService(log.Named("stats"), peer.DB, config.Stats, config.Photos.QuotaCap)
		peer.Stats.Chore = stats.NewChore(log.Named("stats:chore"), peer.Stats.Service, peer.DB, config.Stats)
	}

	{ // setup web server
		peer.Web.Listener, err = net.Listen("tcp", config.Web.Address)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
		peer.Web.Server = photoweb.NewServer(log.Named("photoweb"), peer.Web.Listener, peer.Photos, peer.Stats.Service, peer.DB, config.Web)
	}

	return peer, nil
}

// Run runs the photo service until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ignoreCanceled(peer.Stats.Chore.Run(ctx))
	})
	group.Go(func() error {
		peer.Log.Info("photo api started", zap.String("address", peer.Addr()))
		return ignoreCanceled(peer.Web.Server.Run(ctx))
	})

	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	errlist := errs.Group{}

	if peer.Web.Server != nil {
		errlist.Add(peer.Web.Server.Close())
	} else if peer.Web.Listener != nil {
		errlist.Add(peer.Web.Listener.Close())
	}
	if peer.Stats.Chore != nil {
		errlist.Add(peer.Stats.Chore.Close())
	}
	if peer.Store != nil {
		errlist.Add(peer.Store.Close())
	}

	return errlist.Err()
}

// Addr returns the public address of the web server.
func (peer *Peer) Addr() string { return peer.Web.Listener.Addr().String() }

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// unconfiguredObjects refuses every call so the peer can run without
// credentials while making the misconfiguration obvious.
type unconfiguredObjects struct{}

func (unconfiguredObjects) RequestUpload(ctx context.Context, key, contentType string, contentLength int64) (*objectstore.UploadGrant, error) {
	return nil, objectstore.Error.New("object store is not configured")
}

func (unconfiguredObjects) Exists(ctx context.Context, key string) (bool, error) {
	return false, objectstore.Error.New("object store is not configured")
}
