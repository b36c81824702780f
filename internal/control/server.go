// Package control serves the local HTTP API used by editor integrations to
// drive compare selections and document checks.
package control

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/schaermu/hostedit/internal/activation"
	"github.com/schaermu/hostedit/internal/compare"
	"github.com/schaermu/hostedit/internal/config"
	"github.com/schaermu/hostedit/internal/metrics"
	"github.com/schaermu/hostedit/internal/reconcile"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/workspace"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Hostedit-Signature"

const maxBodyBytes = 1 << 20

// Selector is the compare buffer as seen by the server.
type Selector interface {
	Select(ctx context.Context, ref resource.Ref) (*compare.Outcome, error)
	Pending() []resource.Ref
	Reset()
}

// Checker reconciles open documents.
type Checker interface {
	Check(ctx context.Context, localPath string) (workspace.Snapshot, error)
}

// Server implements the control HTTP server
type Server struct {
	addr     string
	selector Selector
	checker  Checker
	logger   *slog.Logger
	secret   []byte
}

// NewServer creates a control server. A shared secret is required.
func NewServer(cfg *config.Config, selector Selector, checker Checker, logger *slog.Logger) (*Server, error) {
	if cfg.Serve.SecretFile == "" {
		return nil, fmt.Errorf("serve.secret_file is required")
	}
	secret, err := config.ReadSecretFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read control secret: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("control secret file %s is empty", cfg.Serve.SecretFile)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:     cfg.Serve.ListenAddr,
		selector: selector,
		checker:  checker,
		logger:   logger,
		secret:   []byte(secret),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.verify)
		r.Post("/selection", s.handleSelect)
		r.Get("/selection", s.handlePending)
		r.Delete("/selection", s.handleReset)
		r.Post("/documents/check", s.handleCheck)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := activation.Listen(s.addr, s.logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Selections block until both sides are fetched.
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// verify rejects requests whose body does not match the signature header.
func (s *Server) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.logger.Error("failed to read request body", "error", err)
			http.Error(w, "Failed to read body", http.StatusInternalServerError)
			return
		}
		_ = r.Body.Close()

		if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
			s.logger.Warn("rejecting request with invalid signature", "method", r.Method, "path", r.URL.Path)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// verifySignature checks a "sha256=<hex>" body signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

type selectRequest struct {
	Ref    string `json:"ref"`
	Binary bool   `json:"binary"`
	Label  string `json:"label"`
}

type outcomeResponse struct {
	ID     string `json:"id"`
	First  string `json:"first"`
	Second string `json:"second"`
	Diffed bool   `json:"diffed"`
	Stale  bool   `json:"stale,omitempty"`
	Error  string `json:"error,omitempty"`
}

type selectionResponse struct {
	Pending []string         `json:"pending"`
	Outcome *outcomeResponse `json:"outcome,omitempty"`
}

type checkRequest struct {
	Path string `json:"path"`
}

type errorResponse struct {
	Error    string            `json:"error"`
	Category resource.Category `json:"category,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	ref, err := resource.ParseRef(req.Ref)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ref = ref.WithBinary(req.Binary).WithLabel(req.Label)

	outcome, err := s.selector.Select(r.Context(), ref)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := s.selection()
	if outcome != nil {
		out := &outcomeResponse{
			ID:     outcome.ID,
			First:  outcome.First.String(),
			Second: outcome.Second.String(),
			Diffed: outcome.Diffed,
			Stale:  outcome.Stale,
		}
		if outcome.Err != nil {
			out.Error = outcome.Err.Error()
		}
		resp.Outcome = out
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.selection())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.selector.Reset()
	s.logger.Info("compare selection reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("path is required"))
		return
	}

	snap, err := s.checker.Check(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) selection() selectionResponse {
	pending := s.selector.Pending()
	resp := selectionResponse{Pending: make([]string, 0, len(pending))}
	for _, ref := range pending {
		resp.Pending = append(resp.Pending, ref.String())
	}
	return resp
}

func statusFor(err error) int {
	var fe *resource.FetchError
	switch {
	case errors.Is(err, workspace.ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrStale):
		return http.StatusConflict
	case errors.As(err, &fe):
		if fe.Category == resource.CategoryValidation {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var fe *resource.FetchError
	if errors.As(err, &fe) {
		resp.Category = fe.Category
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("control request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
