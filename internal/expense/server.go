package expense

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Advansoftware/whatsapp-bot-sub000/internal/media"
)

// Server exposes the flow to the messaging gateway over HTTP
type Server struct {
	service    *Service
	downloader media.Downloader
	basicAuth  BasicAuth
	mux        *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux. downloader may be nil
// when messages never carry media references.
func NewServer(service *Service, downloader media.Downloader, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, downloader, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, downloader media.Downloader, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:    service,
		downloader: downloader,
		basicAuth:  basicAuth,
		mux:        mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	return username == s.basicAuth.Username && password == s.basicAuth.Password
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Expense Flow"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	const conversation = "/api/tenants/{tenant}/conversations/{conversation}"

	s.mux.HandleFunc("POST "+conversation+"/messages", s.requireAuth(s.handleMessage))
	s.mux.HandleFunc("POST "+conversation+"/receipts", s.requireAuth(s.handleUploadReceipt))
	s.mux.HandleFunc("GET "+conversation+"/flow", s.requireAuth(s.handleGetFlow))
	s.mux.HandleFunc("DELETE "+conversation+"/flow", s.requireAuth(s.handleDeleteFlow))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
