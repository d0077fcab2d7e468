// --- File: dispatchservice/service.go ---
package dispatchservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/hailwave/go-dispatch-service/dispatchservice/config"
	"github.com/hailwave/go-dispatch-service/internal/api"
	"github.com/hailwave/go-dispatch-service/internal/pipeline"
	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.DispatchRequest]
	logger          *slog.Logger
}

// New assembles the service: the ingestion pipeline feeding the engine, and
// the HTTP surface for registration, dispatch and reconciliation.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	engine api.Engine,
	store dispatch.RecipientStore,
	geo dispatch.GeoIndex,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(engine, store, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.DispatchRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API
	dispatchAPI := api.NewDispatchAPI(engine, store, geo, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	// Helper for clean route definition
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Token lifecycle
	handle("POST /api/v1/register/token", dispatchAPI.RegisterToken)
	handle("POST /api/v1/unregister/token", dispatchAPI.UnregisterToken)

	// 2. Recipient state
	handle("PUT /api/v1/preferences", dispatchAPI.SetPreference)
	handle("POST /api/v1/location", dispatchAPI.UpdateLocation)

	// 3. Dispatch & reconciliation
	handle("POST /api/v1/dispatch", dispatchAPI.Dispatch)
	handle("POST /api/v1/reconcile", dispatchAPI.Reconcile)

	// 4. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
