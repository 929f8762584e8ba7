package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/credential"
	"github.com/boxguard/parcel-detection-worker/internal/engine"
	"github.com/boxguard/parcel-detection-worker/internal/repository"
	"github.com/boxguard/parcel-detection-worker/internal/scheduler"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server is the operational HTTP surface: status, runtime settings,
// operator feedback, and baseline invalidation. Image upload routes belong
// to the external route layer, not this worker.
type Server struct {
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	pool     *credential.Pool
	repo     *repository.Repository
	settings *config.SettingsStore
	logger   *zap.Logger

	srv *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(
	port int,
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	pool *credential.Pool,
	repo *repository.Repository,
	settings *config.SettingsStore,
	logger *zap.Logger,
) *Server {
	s := &Server{
		engine:   eng,
		sched:    sched,
		pool:     pool,
		repo:     repo,
		settings: settings,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/detections", s.handleDetections).Methods(http.MethodGet)
	api.HandleFunc("/detections/{id}/feedback", s.handleFeedback).Methods(http.MethodPost)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handlePatchSettings).Methods(http.MethodPatch)
	api.HandleFunc("/devices/{deviceID}/baseline/invalidate", s.handleInvalidateBaseline).Methods(http.MethodPost)
	api.HandleFunc("/devices/{deviceID}/check", s.handleManualCheck).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/mode", s.handleForceMode).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server terminated", zap.Error(err))
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
