package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/logging"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/store"
	"github.com/rs/zerolog"
)

type Options struct {
	Logger    *log.Logger
	AccessLog zerolog.Logger
	DB        database.GoChatRepository
	Auth      *auth.Authenticator
	Store     *store.Store
	Gateway   http.Handler
	Config    *config.Config
}

type GoChatApp struct {
	log   *log.Logger
	db    database.GoChatRepository
	auth  *auth.Authenticator
	store *store.Store
	gw    http.Handler
	srv   *http.Server
}

// NewGoChatApp registers the JSON API and the chat endpoint on mux.
func NewGoChatApp(mux *http.ServeMux, opts Options) *GoChatApp {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &GoChatApp{
		log:   logger,
		db:    opts.DB,
		auth:  opts.Auth,
		store: opts.Store,
		gw:    opts.Gateway,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("POST /api/auth/logout", s.authMiddleware(s.csrfMiddleware(s.logout)))
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.csrfMiddleware(s.createRoom)))
	mux.Handle("GET /api/rooms/{"+server.RoomIdPathValue+"}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/messages/{"+messageIdPathValue+"}/read", s.authMiddleware(s.csrfMiddleware(s.markRead)))
	if s.gw != nil {
		mux.Handle("GET /chat/{"+server.RoomIdPathValue+"}", s.gw)
	}

	var allowedOrigins []string
	addr := ""
	if opts.Config != nil {
		allowedOrigins = opts.Config.AllowedOrigins
		addr = opts.Config.ServerAddr
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", auth.CSRFHeaderName}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = logging.HTTPMiddleware(opts.AccessLog)(h)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting requests. Hijacked websocket connections are
// not tracked by http.Server and must be closed by the gateway.
func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
