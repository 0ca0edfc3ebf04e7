// Package webhook runs the HTTP endpoint that lets an external system
// trigger an out-of-band resync, instead of waiting for the next scheduled
// one. Requests must carry a valid HMAC-SHA256 signature over a shared
// secret; this authenticates the trigger endpoint itself, not the
// mirrored content.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Syncer is the subset of mirror.Engine the webhook server needs.
type Syncer interface {
	Update(ctx context.Context) error
}

// Server implements the resync-trigger HTTP endpoint.
type Server struct {
	listenAddr  string
	syncer      Syncer
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer coalesces bursts of trigger requests into a single sync.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a resync-trigger server. secretFile must contain the
// shared HMAC secret; surrounding whitespace is trimmed.
func NewServer(listenAddr, secretFile string, debounceInterval time.Duration, syncer Syncer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(secretFile)
	if err != nil {
		return nil, fmt.Errorf("webhook: read secret file: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))

	return &Server{
		listenAddr: listenAddr,
		syncer:     syncer,
		logger:     logger,
		secret:     secret,
		debounce:   &debouncer{delay: debounceInterval},
	}, nil
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/resync", s.handleResync)

	server := &http.Server{
		Addr:              s.listenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("resync trigger server starting", "addr", s.listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down resync trigger server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting resync request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("resync triggered")
	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "resync triggered\n")
}

func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performSync runs Update with single-flight semantics: if a sync is
// already in progress, at most one additional run is queued; further
// concurrent triggers are dropped rather than piling up goroutines.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		if err := s.syncer.Update(ctx); err != nil {
			s.logger.Error("resync failed to start", "error", err)
		}

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules callback to run after the debounce delay, replacing
// any callback already pending.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
