// Package service holds the track and callback flows: everything between
// the HTTP handlers and the storage, routing and dispatch collaborators.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/issj6/ad-router/internal/adapter"
	"github.com/issj6/ad-router/internal/config"
	"github.com/issj6/ad-router/internal/debounce"
	"github.com/issj6/ad-router/internal/dispatcher"
	"github.com/issj6/ad-router/internal/models"
	"github.com/issj6/ad-router/internal/store"
)

// Service holds all application dependencies
// This eliminates global state and enables proper dependency injection
type Service struct {
	Store      *store.Store
	Gateway    *config.GatewayStore
	Dispatcher *dispatcher.Dispatcher
	Debounce   *debounce.Manager // nil when Redis is not configured
	Logger     *zap.Logger
}

// NewService creates a new service instance with all dependencies
func NewService(st *store.Store, gw *config.GatewayStore, d *dispatcher.Dispatcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:      st,
		Gateway:    gw,
		Dispatcher: d,
		Logger:     logger,
	}
}

// DispatchJob sends a deferred click job flushed by the debounce worker
// and records the outcome on the original track row.
func (s *Service) DispatchJob(ctx context.Context, job *debounce.Job) error {
	spec := &adapter.Spec{TimeoutMs: job.TimeoutMs}
	_, err := s.Dispatcher.Send(ctx, job.RID, job.Method, job.URL, spec)

	status := models.TrackStatusSent
	if err != nil {
		status = models.TrackStatusFailed
	}
	if uerr := s.Store.UpdateTrackStatus(ctx, job.RID, status); uerr != nil {
		s.Logger.Error("failed to record deferred dispatch outcome",
			zap.String("rid", job.RID),
			zap.Error(uerr),
		)
	}
	return err
}
