package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jameshartig/emporiasync/pkg/controller"
	"github.com/jameshartig/emporiasync/pkg/discovery"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// tokenVerifier is a function that validates an OIDC ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Controller is what the API reads from and drives.
type Controller interface {
	Ready() bool
	Devices() []types.Device
	Customer() types.Customer
	Notices() *controller.Notices
	Discover(ctx context.Context) (*discovery.Topology, error)
	SetOutlet(ctx context.Context, gid int64, on bool) (types.Outlet, error)
	SetCharger(ctx context.Context, gid int64, on bool, rate int) (types.Charger, error)
	ChartUsage(ctx context.Context, gid int64, channelNum string, start, end time.Time, scale types.Scale) (types.ChartUsage, error)
}

// Nodes is the registry view the API lists and prunes.
type Nodes interface {
	Nodes() []types.NodeInfo
	Info(address string) (types.NodeInfo, bool)
	RemoveNode(ctx context.Context, address string) error
}

// Server exposes the node registry, operator notices, metrics and device
// controls over HTTP.
type Server struct {
	controller Controller
	nodes      Nodes
	metrics    *prometheus.Registry

	listenAddr string
	httpServer *http.Server

	apiToken      string
	adminEmails   []string
	oidcVerifiers map[string]tokenVerifier
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c Controller, nodes Nodes, metrics *prometheus.Registry) *Server {
	srv := &Server{
		controller: c,
		nodes:      nodes,
		metrics:    metrics,
		serverName: "emporiasync",
	}

	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	apiToken := lflag.String("http-api-token", "", "Bearer token required to call the write endpoints")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to call the write endpoints with an OIDC ID token")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "Issuer of the ID tokens accepted from admins")
	oidcAudience := lflag.String("oidc-audience", "", "Audience (client ID) of the ID tokens accepted from admins")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.apiToken = *apiToken
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers = map[string]tokenVerifier{
				*oidcIssuer: provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify,
			}
		}
		if len(srv.adminEmails) > 0 && len(srv.oidcVerifiers) == 0 {
			log.Ctx(context.Background()).Error("admin-emails requires oidc-audience")
			os.Exit(1)
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/notices", s.handleNotices)
	apiMux.HandleFunc("GET /api/nodes", s.handleListNodes)
	apiMux.HandleFunc("GET /api/nodes/{address}", s.handleGetNode)
	apiMux.HandleFunc("DELETE /api/nodes/{address}", s.handleDeleteNode)
	apiMux.HandleFunc("GET /api/devices", s.handleListDevices)
	apiMux.HandleFunc("GET /api/devices/{gid}/channels/{channel}/usage", s.handleChartUsage)
	apiMux.HandleFunc("POST /api/discover", s.handleDiscover)
	apiMux.HandleFunc("POST /api/outlets/{gid}", s.handleSetOutlet)
	apiMux.HandleFunc("POST /api/chargers/{gid}", s.handleSetCharger)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
