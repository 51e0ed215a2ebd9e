package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/allocation"
	"receipt-intake/internal/classifier"
	"receipt-intake/internal/config"
	"receipt-intake/internal/database"
	"receipt-intake/internal/handlers"
	"receipt-intake/internal/intelligence"
	"receipt-intake/internal/repositories"
	"receipt-intake/internal/services"
)

func main() {
	migrateCmd := flag.String("migrate", "", "Migration command (up/down/version)")
	steps := flag.Int("steps", 0, "Number of migration steps (0 means all)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Error loading config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	if *migrateCmd != "" {
		handleMigration(cfg, logger, *migrateCmd, *steps)
		return
	}

	stateRepo, err := repositories.OpenStateRepository(cfg.StatePath)
	if err != nil {
		logger.Fatalf("Error opening state file: %v", err)
	}
	defer stateRepo.Close()

	state, err := stateRepo.Load()
	if err != nil {
		logger.Fatalf("Error loading state: %v", err)
	}

	rules := allocation.DefaultRuleBook()
	if cfg.RulesPath != "" {
		rules, err = allocation.LoadRuleBook(cfg.RulesPath)
		if err != nil {
			logger.Fatalf("Error loading rule book: %v", err)
		}
	}
	engine := allocation.NewEngine(rules)

	var runner *classifier.Runner
	if cfg.AI.Enabled {
		ai, err := classifier.NewAnthropicClassifier(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.RatePerSecond, logger)
		if err != nil {
			logger.Fatalf("Error creating classifier: %v", err)
		}
		runner = classifier.NewRunner(ai, classifier.RunnerOptions{
			Workers: cfg.AI.Workers,
			Timeout: cfg.AI.Timeout,
		}, logger)
	}

	var (
		auditRecorder services.AuditRecorder
		ledgerStore   services.LedgerStore
		auditReader   handlers.AuditReader
		ledgerReader  handlers.LedgerReader
		db            *sql.DB
	)
	if cfg.Database.Enabled() {
		db, err = database.NewConnection(cfg, logger)
		if err != nil {
			logger.Fatalf("Error connecting to database: %v", err)
		}
		defer db.Close()

		auditRepo := repositories.NewAuditRepository(db)
		ledgerRepo := repositories.NewLedgerRepository(db)
		auditRecorder, auditReader = auditRepo, auditRepo
		ledgerStore, ledgerReader = ledgerRepo, ledgerRepo
	} else {
		logger.Warn("no database configured, ledger and audit live in the state file only")
	}

	ws := handlers.NewWorkspace(state, stateRepo, logger)
	intakeService := services.NewIntakeService(engine, runner, auditRecorder, logger)
	conflictService := services.NewConflictService(engine, auditRecorder, logger)
	ledgerService := services.NewLedgerService(ledgerStore, auditRecorder, logger)

	router := handlers.SetupRouter(handlers.Handlers{
		Intake: handlers.NewIntakeHandler(ws, intakeService, conflictService, runner != nil, logger),
		Review: handlers.NewReviewHandler(ws, conflictService, auditReader, logger),
		Ledger: handlers.NewLedgerHandler(ws, ledgerService, ledgerReader, intelligence.NewAnalyzer(), logger),
	}, logger)

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		logger.WithField("address", cfg.ServerAddress).Info("server is running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server Shutdown Failed:%+v", err)
	}
	logger.Info("server exited gracefully")
}

func handleMigration(cfg *config.Config, logger *logrus.Logger, command string, steps int) {
	if !cfg.Database.Enabled() {
		logger.Fatal("DB_HOST and DB_NAME are required for migrations")
	}

	db, err := database.NewConnection(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to ensure database exists: %v", err)
	}
	db.Close()

	m, err := migrate.New(
		fmt.Sprintf("file://%s", cfg.Migration.Dir),
		cfg.GetMigrationDBURL(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "no change") {
			logger.Info("no migration changes to apply")
			return
		}
		logger.Fatalf("Failed to initialize migrate: %v", err)
	}
	defer m.Close()

	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verErr := m.Version()
		if verErr != nil {
			if verErr == migrate.ErrNilVersion {
				logger.Info("no migrations have been applied yet")
				return
			}
			logger.Fatalf("Failed to get version: %v", verErr)
		}
		fmt.Printf("Current migration version: %d (dirty: %v)\n", version, dirty)
		return
	default:
		logger.Fatalf("Invalid migration command: %s", command)
	}

	if err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("no migration changes to apply")
			return
		}
		logger.Fatalf("Migration failed: %v", err)
	}

	logger.Info("migration completed successfully")
}
