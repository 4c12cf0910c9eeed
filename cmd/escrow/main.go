package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	cfg "github.com/sand/loyalty-escrow/backend/config"
	"github.com/sand/loyalty-escrow/backend/internal/agent"
	"github.com/sand/loyalty-escrow/backend/internal/catalog"
	"github.com/sand/loyalty-escrow/backend/internal/handlers"
	"github.com/sand/loyalty-escrow/backend/internal/ledger"
	"github.com/sand/loyalty-escrow/backend/internal/proofs"
	"github.com/sand/loyalty-escrow/backend/internal/usecases"
	"github.com/sand/loyalty-escrow/backend/internal/usecases/repository"
	"github.com/sand/loyalty-escrow/backend/internal/vault"
	"github.com/sand/loyalty-escrow/backend/internal/workers"
	"github.com/sand/loyalty-escrow/backend/pkg/database"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 10
)

func main() {
	time.Local = time.UTC

	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	opts := &slog.HandlerOptions{Level: config.Log.Level}
	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))

	logger.Warn("Starting application with configuration",
		"environment", config.App.Environment,
		"ledger_enabled", config.Blockchain.LedgerEnabled(),
		"escrow_contract", config.Blockchain.EscrowContract,
		"proof_backend", config.Proof.Backend,
		"server_port", config.HTTP.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := database.New(ctx, config.DB.DatabaseURL,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
	)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		return
	}
	defer pg.Close()

	migrationsPath := resolveMigrationsPath(config.DB.MigrationsPath)
	logger.Info("Running database migrations", "path", migrationsPath)
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, migrationsPath); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		return
	}

	// Repositories
	ordersRepository := repository.NewOrdersRepository(logger, pg)
	depositsRepository := repository.NewDepositsRepository(logger, pg)
	deadLettersRepository := repository.NewDeadLettersRepository(logger, pg)
	proofsRepository := repository.NewProofsRepository(logger, pg)
	providersRepository := repository.NewProvidersRepository(logger, pg)

	if err = catalog.Sync(ctx, logger, providersRepository, config.Catalog.ProvidersFile); err != nil {
		logger.Error("Failed to sync provider catalog", "error", err)
		return
	}

	// Collaborators
	backend, err := proofs.New(logger, config.Proof)
	if err != nil {
		logger.Error("Failed to create proof backend", "error", err)
		return
	}

	sealer, err := vault.New(config.Agent.PublicKey)
	if err != nil {
		logger.Error("Failed to parse agent public key", "error", err)
		return
	}

	agentClient := agent.New(
		config.Agent.URL,
		config.Agent.CallbackURL,
		config.Agent.CallbackSecret,
		time.Duration(config.Agent.Timeout)*time.Second,
	)

	var (
		chain        usecases.Ledger
		ledgerClient *ledger.Client
	)
	if config.Blockchain.LedgerEnabled() {
		ledgerClient, err = ledger.Dial(ctx, logger, config.Blockchain)
		if err != nil {
			logger.Error("Failed to connect to escrow ledger", "error", err)
			return
		}
		defer ledgerClient.Close()
		chain = ledgerClient
	} else {
		logger.Warn("Escrow ledger not configured, escrow is confirmed manually")
	}

	// Usecases
	hub := handlers.NewHub(logger)
	orderService := usecases.NewOrderService(logger, ordersRepository, pg.Transactor, hub)
	deadLetterService := usecases.NewDeadLetterService(logger, deadLettersRepository)

	transferService := usecases.NewTransferService(logger, orderService, agentClient, chain, deadLetterService,
		usecases.TransferOptions{
			CallbackURL:   config.Agent.CallbackURL,
			Dispatch:      retry.Policy{MaxAttempts: config.Agent.MaxAttempts, BaseDelay: retry.DefaultPolicy.BaseDelay, MaxDelay: retry.DefaultPolicy.MaxDelay},
			Release:       retry.DefaultPolicy,
			MaxConcurrent: config.Agent.MaxConcurrent,
		})
	defer transferService.Wait()

	sellerService := usecases.NewSellerService(logger, orderService, providersRepository, proofsRepository, backend, sealer, deadLetterService)
	listingService := usecases.NewListingService(logger, orderService, chain, transferService, config.Blockchain)
	escrowService := usecases.NewEscrowService(logger, orderService, depositsRepository, deadLetterService, transferService, config.Blockchain.TokenDecimals)

	initAndRunWorkers(ctx, logger, config, ledgerClient, depositsRepository, escrowService, transferService)

	// Handlers
	httpHandler := handlers.NewHTTPHandler(logger, sellerService, listingService, transferService, orderService, deadLetterService,
		handlers.Options{
			AdminToken:     config.Admin.Token,
			CallbackSecret: config.Agent.CallbackSecret,
			MockProofs:     backend.Name() == proofs.BackendMock,
		})
	wsHandler := handlers.NewWebSocketHandler(logger, orderService, hub)

	router := mux.NewRouter()
	wsHandler.RegisterRoutes(router)
	httpHandler.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", handlers.AdminTokenHeader, agent.SignatureHeader},
	})

	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return
	}

	logger.Info("Server exited properly")
}

// resolveMigrationsPath falls back to ./migrations or ../migrations when the configured
// directory does not exist.
func resolveMigrationsPath(configured string) string {
	if _, err := os.Stat(configured); err == nil {
		return configured
	}

	workDir, err := os.Getwd()
	if err != nil {
		return configured
	}
	for _, candidate := range []string{
		filepath.Join(workDir, "migrations"),
		filepath.Join(workDir, "..", "migrations"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return configured
}

func initAndRunWorkers(
	ctx context.Context,
	logger *slog.Logger,
	config *cfg.Config,
	ledgerClient *ledger.Client,
	cursors workers.CursorStore,
	escrow workers.DepositApplier,
	transfers workers.StuckOrderService,
) {
	if ledgerClient != nil {
		reconciler := workers.NewEscrowReconciler(logger, ledgerClient, cursors, escrow, workers.ReconcilerOptions{
			StartBlock:    config.Blockchain.StartBlock,
			Confirmations: config.Blockchain.RequiredConfirmations,
			MaxBlockRange: config.Blockchain.MaxBlockRange,
			PollInterval:  time.Duration(config.Blockchain.PollInterval) * time.Second,
		})

		go func() {
			logger.Info("Starting escrow reconciler worker")
			reconciler.Start(ctx)
		}()
	}

	sweeper := workers.NewStuckOrderSweeper(
		logger,
		transfers,
		time.Duration(config.Workers.StuckAfter)*time.Minute,
		time.Duration(config.Workers.SweepInterval)*time.Minute,
		config.Workers.ReleaseRetryBudget,
	)

	go func() {
		logger.Info("Starting stuck order sweeper worker")
		sweeper.Start(ctx)
	}()

	logger.Info("All workers initialized and started")
}
