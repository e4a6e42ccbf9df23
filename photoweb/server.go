// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photoweb

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/photos/stats"
)

// Config defines configuration for the photo API server.
type Config struct {
	Address    string `help:"photo api http listening address" default:":10800"`
	AdminToken string `help:"static bearer token admitting moderation and stats endpoints, empty disables them" default:""`

	IPLimit IPLimitConfig
}

// Server provides the public upload endpoints and the admin moderation
// surface.
//
// architecture: Endpoint
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	service *photos.Service
	stats   *stats.Service
	db      photos.DB
	limiter *ipLimiter

	config Config
}

// NewServer returns a new photo API server.
func NewServer(log *zap.Logger, listener net.Listener, service *photos.Service, statsService *stats.Service, db photos.DB, config Config) *Server {
	server := &Server{
		log: log,

		listener: listener,

		service: service,
		stats:   statsService,
		db:      db,
		limiter: newIPLimiter(config.IPLimit),

		config: config,
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/").Subrouter()

	public := api.NewRoute().Subrouter()
	public.Use(server.withIPLimit)
	public.HandleFunc("/farms/{farmID}/photos", server.reservePhoto).Methods("POST")
	public.HandleFunc("/farms/{farmID}/photos", server.farmPhotos).Methods("GET")
	public.HandleFunc("/photos/confirm", server.confirmUpload).Methods("POST")

	admin := api.NewRoute().Subrouter()
	admin.Use(server.withAuth)
	admin.HandleFunc("/photos/{photoID}/approve", server.approvePhoto).Methods("POST")
	admin.HandleFunc("/photos/{photoID}/reject", server.rejectPhoto).Methods("POST")
	admin.HandleFunc("/photos/{photoID}/request-changes", server.requestChanges).Methods("POST")
	admin.HandleFunc("/photos/{photoID}", server.getPhoto).Methods("GET")
	admin.HandleFunc("/photos/{photoID}", server.removePhoto).Methods("DELETE")
	admin.HandleFunc("/stats", server.globalStats).Methods("GET")

	api.HandleFunc("/health", server.health).Methods("GET")

	server.server.Handler = router
	return server
}

// Run starts the photo API endpoint.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// TestRouter exposes the handler so tests can drive it without a listener.
func (server *Server) TestRouter() http.Handler {
	return server.server.Handler
}

// withAuth admits a request only when it carries the configured admin
// bearer token. An unset token disables the whole admin surface.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.config.AdminToken == "" {
			sendJSONError(w, codeUnauthorized, "admin API is not enabled", http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(server.config.AdminToken)) != 1 {
			sendJSONError(w, codeUnauthorized, "a valid admin token is required", http.StatusUnauthorized)
			return
		}

		server.log.Info("admin action",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.String("client", getClientIP(r)))
		next.ServeHTTP(w, r)
	})
}

// withIPLimit applies the defensive in-process limiter to public routes.
// The store-backed reservation limiter stays the binding one.
func (server *Server) withIPLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !server.limiter.Allow(getClientIP(r)) {
			mon.Meter("ip_limited").Mark(1)
			sendJSONError(w, codeRateLimited, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// health reports whether the backing store answers a ping.
func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = server.db.Ping(ctx); err != nil {
		server.log.Warn("health ping failed", zap.Error(err))
		sendJSONError(w, codeStorageUnavailable, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
