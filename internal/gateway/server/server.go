// Package server assembles the gateway: host uplink socket, client socket,
// REST API, registry and router, behind one HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"tailscale.com/client/local"

	"github.com/sesshub/sesshub/internal/gateway/auth"
	"github.com/sesshub/sesshub/internal/gateway/clientws"
	"github.com/sesshub/sesshub/internal/gateway/config"
	"github.com/sesshub/sesshub/internal/gateway/hostws"
	"github.com/sesshub/sesshub/internal/gateway/registry"
	"github.com/sesshub/sesshub/internal/gateway/rest"
	"github.com/sesshub/sesshub/internal/gateway/router"
	"github.com/sesshub/sesshub/internal/hubproto"
	"github.com/sesshub/sesshub/internal/identity"
	"github.com/sesshub/sesshub/internal/tsnetutil"
)

// Opts holds CLI overrides for the gateway server.
type Opts struct {
	// ListenAddr overrides the config file's listen address.
	ListenAddr string

	// ConfigPath overrides SESSHUB_GATEWAY_CONFIG.
	ConfigPath string
}

type Server struct {
	log  *slog.Logger
	opts Opts

	cfg *config.Config
	ln  *tsnetutil.Listener
	reg *registry.Registry
	rt  *router.Router
	hub *clientws.Hub
}

func New(log *slog.Logger, opts Opts) *Server {
	return &Server{
		log:  log.With("component", "gateway"),
		opts: opts,
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	var cfg *config.Config
	var err error
	if s.opts.ConfigPath != "" {
		cfg, err = config.ParseFile(s.opts.ConfigPath)
	} else {
		cfg, err = config.Parse()
	}
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	s.cfg = cfg

	listenAddr := s.opts.ListenAddr
	if listenAddr == "" {
		listenAddr = cfg.ListenAddr
	}

	ln, err := tsnetutil.ListenAddr(listenAddr, cfg.Tailscale)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	s.ln = ln
	defer s.ln.Close()

	handler := s.buildHandler(cfg, ln.LC)

	s.log.Info("gateway listening",
		"addr", s.ln.Addr().String(),
		"tailscale_enabled", cfg.Tailscale.Enabled,
		"https", cfg.Tailscale.HTTPS,
	)

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown", "error", err)
		}
	}()

	if err := srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// buildHandler wires the registry, router, sockets and REST routes into one
// http.Handler. lc is non-nil only when serving on a tailnet.
func (s *Server) buildHandler(cfg *config.Config, lc *local.Client) http.Handler {
	provider := identity.NewStaticProvider(cfg.Auth.APIKeys, cfg.Auth.Tokens)
	s.reg = registry.New(s.log)
	s.rt = router.New(s.log, s.reg, cfg.RPCTimeout())
	s.hub = clientws.NewHub(s.log, cfg.AllowedOrigins)

	// Registry changes fan out to the owning user's client sockets.
	s.reg.OnChange(func(c registry.Change) {
		if !c.Delta.Empty() {
			frame, err := hubproto.NewFrame(hubproto.FrameSessionsChanged, c.Delta)
			if err != nil {
				s.log.Error("encoding sessions:changed", "error", err)
			} else {
				s.hub.ForwardToUser(c.UserID, frame)
			}
		}
		for _, d := range c.Detached {
			frame, err := hubproto.NewFrame(hubproto.FrameSessionDetached, d)
			if err != nil {
				s.log.Error("encoding session:detached", "error", err)
				continue
			}
			s.hub.ForwardToUser(c.UserID, frame)
		}
	})

	hostSocket := hostws.New(s.log, provider, s.reg, s.rt, s.hub)

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if lc != nil {
		mux.Get("/whoami", whoAmIHandler(lc))
	}
	mux.With(auth.OptionalUser(provider)).Get("/me", meHandler)

	mux.Get("/ws/host", hostSocket.Handle)
	mux.With(auth.RequireUser(provider)).Get("/ws/client", s.hub.HandleClient)
	mux.Route("/api", func(api chi.Router) {
		api.Use(auth.RequireUser(provider))
		api.Mount("/", rest.Router(s.log, s.reg, s.rt))
	})

	if len(cfg.AllowedOrigins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	}).Handler(mux)
}

// meHandler reports the gateway identity of the caller, if any. It never
// fails on a missing or bad credential, so clients can probe their login
// state without tripping the 401 path.
func meHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if user, ok := auth.UserFromContext(r.Context()); ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"userId": user.UserID})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"userId": nil})
}

// whoAmIHandler reports the tailnet identity of the caller.
func whoAmIHandler(lc *local.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := lc.WhoIs(r.Context(), r.RemoteAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		login := html.EscapeString(who.UserProfile.LoginName)
		node, _, _ := strings.Cut(who.Node.ComputedName, ".")
		fmt.Fprintf(w, "You are %s from %s (%s)\n", login, html.EscapeString(node), r.RemoteAddr)
	}
}
