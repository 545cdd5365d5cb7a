package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"freshcart/internal/auth"
	"freshcart/internal/detection"
	"freshcart/internal/images"
	"freshcart/internal/inventory"
	"freshcart/internal/ws"
)

// server bundles the HTTP surface around the websocket endpoints: health,
// login, customer management and image lifecycle.
type server struct {
	store         *inventory.Store
	hub           *ws.Hub
	ws            *ws.Handler
	authenticator *auth.Authenticator
	detector      *detection.ObjectDetector
	scorer        *detection.FreshnessScorer
	images        *images.Manager
	sessions      *sessionManager
	logger        *log.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/admin", s.ws.ServeAdmin)
	mux.HandleFunc("/ws/customer/", s.ws.ServeCustomer)
	mux.HandleFunc("/ws/stream", s.ws.ServeStream)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/customers", s.handleCustomers)
	mux.HandleFunc("/api/images/processed", s.handleMarkProcessed)

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"detector":     s.detector.IsHealthy(),
		"scorer":       s.scorer.IsHealthy(),
		"streaming":    s.sessions.running(),
		"observers":    s.hub.ObserverCount(),
		"auth_enabled": s.authenticator.IsEnabled(),
		"timestamp":    time.Now().UTC(),
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, expiresAt, err := s.authenticator.Authenticate(creds.Username, creds.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		http.Error(w, "authentication is disabled", http.StatusServiceUnavailable)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		s.logger.Printf("login failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		customers, err := s.store.ListCustomers(r.Context())
		if err != nil {
			s.logger.Printf("listing customers failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if customers == nil {
			customers = []inventory.Customer{}
		}
		writeJSON(w, http.StatusOK, customers)

	case http.MethodPost:
		var customer inventory.Customer
		if err := json.NewDecoder(r.Body).Decode(&customer); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if customer.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		id, err := s.store.InsertCustomer(r.Context(), customer)
		if err != nil {
			s.logger.Printf("inserting customer failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMarkProcessed renames a detection image so replacement and cleanup
// leave it alone. Called by downstream consumers once they have analyzed an
// image.
func (s *server) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	newPath, err := s.images.MarkProcessed(req.Path)
	if err != nil {
		s.logger.Printf("marking image processed failed: %v", err)
		http.Error(w, "failed to mark image processed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": newPath})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

// handleHTTPServer starts the HTTP server and sends errors to errc. The
// server shuts down gracefully when ctx is canceled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
