package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/leader"
)

type jobResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Role     string `json:"role,omitempty"`
	Payload  string `json:"payload"`
	Duration string `json:"duration,omitempty"`
}

// statusRouter serves the read-only status endpoints.
func (a *App) statusRouter(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctxlog.FromContext(ctx).Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.jobHandler(ctx, w, r)
	})
	return r
}

func (a *App) jobHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := a.leader.QueryJobResult(r.Context(), id)
	switch {
	case errors.Is(err, leader.ErrUnknownJob):
		http.Error(w, "job not found", http.StatusNotFound)
		return
	case err != nil:
		ctxlog.FromContext(ctx).Error("Job query failed.", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := jobResponse{JobID: res.JobID, Status: res.Status.String(), Payload: res.Payload()}
	if res.Message != nil {
		resp.Role = string(res.Message.Role)
	}
	if res.Duration > 0 {
		resp.Duration = res.Duration.String()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to write job response.", "job_id", id, "error", err)
	}
}

// startStatusServer runs the status server in the background.
func (a *App) startStatusServer(ctx context.Context, port int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Configuring status server.")

	addr := fmt.Sprintf(":%d", port)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.statusRouter(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("🩺 Status server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// ListenAndServe returns ErrServerClosed on graceful shutdown.
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeStatusServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	if a.httpServer == nil {
		logger.Debug("Status server was not running.")
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logger.Info("🩺 Shutting down status server...")
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status server shutdown failed", "error", err)
		return err
	}
	logger.Debug("Status server shut down gracefully.")
	return nil
}
