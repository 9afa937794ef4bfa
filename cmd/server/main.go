package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pesio-ai/be-fm-approvals/internal/client"
	"github.com/pesio-ai/be-fm-approvals/internal/config"
	"github.com/pesio-ai/be-fm-approvals/internal/database"
	"github.com/pesio-ai/be-fm-approvals/internal/handler"
	"github.com/pesio-ai/be-fm-approvals/internal/logger"
	"github.com/pesio-ai/be-fm-approvals/internal/middleware"
	"github.com/pesio-ai/be-fm-approvals/internal/repository"
	"github.com/pesio-ai/be-fm-approvals/internal/service"
	"github.com/pesio-ai/be-fm-approvals/internal/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Reservation Approvals Service (FM-2)")

	if err := tracing.Init(cfg.Service.Name, cfg.Service.Version, os.Getenv("TRACE_OUTPUT_FILE")); err != nil {
		log.Warn().Err(err).Msg("Tracing initialization failed, continuing without traces")
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	flowRepo := repository.NewApprovalFlowRepository(db)
	requestRepo := repository.NewApprovalRequestRepository(db)
	actionRepo := repository.NewApprovalActionRepository(db)

	// Initialize NATS. An empty URL disables notifications entirely.
	var natsClient *client.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = client.NewNATSClient(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			log.Warn().Err(err).Msg("NATS connection failed, notifications disabled")
		} else {
			defer natsClient.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	} else {
		log.Info().Msg("NATS URL not configured, notifications disabled")
	}
	notifier := client.NewNotificationPublisher(natsClient, log.Logger)

	// Initialize HTTP service clients
	reservationsClient := client.NewReservationsClient(cfg.Clients.ReservationsURL)
	identityClient := client.NewIdentityClient(cfg.Clients.IdentityURL)
	documentsClient := client.NewDocumentsClient(cfg.Clients.DocumentsURL)

	log.Info().
		Str("reservations_url", cfg.Clients.ReservationsURL).
		Str("identity_url", cfg.Clients.IdentityURL).
		Str("documents_url", cfg.Clients.DocumentsURL).
		Msg("Service clients initialized")

	// Initialize services
	approvalService := service.NewApprovalService(
		flowRepo, requestRepo, actionRepo,
		reservationsClient, identityClient, notifier, documentsClient,
		log,
	)

	// Start the timeout/reminder sweeper
	sweeper := service.NewSweeper(approvalService, cfg.Sweep.Interval, cfg.Sweep.BatchSize, log)
	go sweeper.Run(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", httpHandler.Health)

	// Approval workflow routes
	mux.HandleFunc("/api/v1/approvals/submit", httpHandler.SubmitApproval)
	mux.HandleFunc("/api/v1/approvals/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.CancelApproval)
	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/approvals", httpHandler.ListRequests)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.ListPending)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.GetHistory)

	// Flow administration routes
	mux.HandleFunc("/api/v1/flows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListFlows(w, r)
		case http.MethodPost:
			httpHandler.CreateFlow(w, r)
		case http.MethodPut:
			httpHandler.UpdateFlow(w, r)
		case http.MethodDelete:
			httpHandler.DeactivateFlow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/flows/get", httpHandler.GetFlow)
	mux.HandleFunc("/api/v1/flows/levels", httpHandler.AddLevel)
	mux.HandleFunc("/api/v1/flows/levels/deactivate", httpHandler.DeactivateLevel)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel() // stops the sweeper

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
