package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/allocation"
	"receipt-intake/internal/classifier"
	"receipt-intake/internal/config"
	"receipt-intake/internal/database"
	"receipt-intake/internal/intelligence"
	"receipt-intake/internal/models"
	"receipt-intake/internal/repositories"
	"receipt-intake/internal/services"
)

var (
	errc  = color.New(color.BgRed, color.FgWhite).PrintfFunc()
	okc   = color.New(color.BgGreen, color.FgBlack).PrintfFunc()
	warnc = color.New(color.BgYellow, color.FgBlack).PrintfFunc()
	infoc = color.New(color.BgBlue, color.FgWhite).PrintfFunc()
)

func main() {
	input := flag.String("input", "", "YAML or JSON file with the receipts to ingest")
	statePath := flag.String("state", "", "Bolt state file (defaults to STATE_PATH)")
	useAI := flag.Bool("ai", false, "Run the AI fallback for ambiguous receipts (needs AI_ENABLED)")
	sync := flag.Bool("sync", true, "Sync allocated receipts to the ledger")
	resume := flag.String("batch", "", "Resume a cancelled batch from the state file instead of ingesting -input")
	flag.Parse()

	if (*input == "") == (*resume == "") {
		errc("exactly one of -input or -batch is required")
		fmt.Println()
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Error loading config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)
	logger.SetOutput(os.Stderr)
	if *statePath == "" {
		*statePath = cfg.StatePath
	}

	var in *intakeFile
	if *input != "" {
		if in, err = readIntakeFile(*input, services.NewValidator()); err != nil {
			logger.Fatal(err)
		}
	}

	repo, err := repositories.OpenStateRepository(*statePath)
	if err != nil {
		logger.Fatal(err)
	}
	defer repo.Close()

	state, err := repo.Load()
	if err != nil {
		logger.Fatal(err)
	}
	if in != nil {
		if len(in.Entities) > 0 {
			state.Entities = in.Entities
		}
		if len(in.PaymentMethods) > 0 {
			state.PaymentMethods = in.PaymentMethods
		}
		if len(in.Goals) > 0 {
			state.Goals = in.Goals
		}
	}

	rules := allocation.DefaultRuleBook()
	if cfg.RulesPath != "" {
		if rules, err = allocation.LoadRuleBook(cfg.RulesPath); err != nil {
			logger.Fatal(err)
		}
	}
	engine := allocation.NewEngine(rules)

	var runner *classifier.Runner
	if *useAI {
		if !cfg.AI.Enabled {
			logger.Fatal("-ai needs AI_ENABLED and ANTHROPIC_API_KEY")
		}
		ai, err := classifier.NewAnthropicClassifier(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.RatePerSecond, logger)
		if err != nil {
			logger.Fatal(err)
		}
		runner = classifier.NewRunner(ai, classifier.RunnerOptions{Workers: cfg.AI.Workers, Timeout: cfg.AI.Timeout}, logger)
	}

	var (
		auditRecorder services.AuditRecorder
		ledgerStore   services.LedgerStore
	)
	if cfg.Database.Enabled() {
		db, err := database.NewConnection(cfg, logger)
		if err != nil {
			logger.Fatal(err)
		}
		defer db.Close()
		auditRecorder = repositories.NewAuditRepository(db)
		ledgerStore = repositories.NewLedgerRepository(db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, state, in, *resume, pipeline{
		intake:    services.NewIntakeService(engine, runner, auditRecorder, logger),
		conflicts: services.NewConflictService(engine, auditRecorder, logger),
		ledger:    services.NewLedgerService(ledgerStore, auditRecorder, logger),
		analyzer:  intelligence.NewAnalyzer(),
		useAI:     *useAI,
		sync:      *sync,
	})

	if err := repo.Save(state); err != nil {
		logger.WithError(err).Error("failed to save state")
		code = 1
	}
	os.Exit(code)
}

type pipeline struct {
	intake    *services.IntakeService
	conflicts *services.ConflictService
	ledger    *services.LedgerService
	analyzer  *intelligence.Analyzer
	useAI     bool
	sync      bool
}

// run ingests one file, or resumes batchID when it is set, and prints the summary.
// It returns the process exit code.
func run(ctx context.Context, state *models.State, in *intakeFile, batchID string, p pipeline) int {
	var (
		batch *models.IntakeBatch
		err   error
	)
	if batchID != "" {
		batch, err = p.intake.GetBatch(state, batchID)
	} else {
		batch, err = stage(state, in, p.intake)
	}
	if err != nil {
		errc(" %v ", err)
		fmt.Println()
		return 1
	}

	result, err := p.intake.ProcessBatch(ctx, state, batch.ID, func(percent int) {
		infoc(" [%3d%%] ", percent)
		fmt.Print("\r")
	}, p.useAI)
	fmt.Println()
	if err != nil {
		errc(" %v ", err)
		fmt.Println()
		return 1
	}
	printOutcomes(state, result)
	if result.Cancelled {
		warnc(" CANCELLED ")
		fmt.Printf(" processed %d receipts; resume with -batch %s\n", result.ItemsProcessed, batch.ID)
		return 130
	}

	conflicts, err := p.conflicts.AutoRouteBatch(ctx, state, batch.ID)
	if err != nil {
		errc(" %v ", err)
		fmt.Println()
		return 1
	}
	for _, c := range conflicts {
		if c.Severity == models.SeverityError {
			errc(" %-17s ", c.Type)
		} else {
			warnc(" %-17s ", c.Type)
		}
		fmt.Printf(" %s\n", c.Message)
	}

	if p.sync {
		synced, err := p.ledger.SyncReceiptsToLedger(ctx, state)
		if err != nil {
			errc(" ledger sync failed: %v ", err)
			fmt.Println()
			return 1
		}
		okc(" LEDGER ")
		fmt.Printf(" %d expenses, %d deductions added, %d already present\n",
			len(synced.Expenses), len(synced.Deductions), synced.Skipped)
	}

	printReport(p.analyzer.Analyze(state))

	infoc(" BATCH %s ", batch.ID)
	fmt.Printf(" %s: %d ok, %d errors, %d duplicates\n",
		batch.Status, batch.SuccessCount, batch.ErrorCount, result.DuplicatesFound)
	return 0
}

// stage creates the batch described by the file and attaches its receipts.
func stage(state *models.State, in *intakeFile, intake *services.IntakeService) (*models.IntakeBatch, error) {
	batch, err := intake.CreateBatch(state, in.Batch)
	if err != nil {
		return nil, err
	}
	receipts := make([]*models.Receipt, 0, len(in.Receipts))
	for _, r := range in.Receipts {
		receipts = append(receipts, r.ToReceipt())
	}
	if err := intake.AddReceipts(state, batch.ID, receipts); err != nil {
		return nil, err
	}
	return batch, nil
}

func printOutcomes(state *models.State, result *services.BatchProcessingResult) {
	for _, o := range result.Outcomes {
		merchant := ""
		if r := state.FindReceipt(o.ReceiptID); r != nil {
			merchant = r.MerchantName
		}
		switch {
		case o.OK():
			okc(" %-12s ", o.Status)
		case o.Kind == services.KindDuplicate:
			infoc(" %-12s ", "duplicate")
		case o.Kind == services.KindProcessingFailed:
			errc(" %-12s ", "failed")
		default:
			warnc(" %-12s ", o.Kind)
		}
		fmt.Printf(" %-30s %s\n", merchant, o.Message)
	}
}

func printReport(report *intelligence.Report) {
	for _, s := range report.Subscriptions {
		warnc(" SUBSCRIPTION ")
		fmt.Printf(" %s\n", s.Message)
	}
	for _, c := range report.ComminglingRisks {
		if c.Severity == models.SeverityError {
			errc(" COMMINGLING ")
		} else {
			warnc(" COMMINGLING ")
		}
		fmt.Printf(" %s\n", c.Message)
	}
	for _, g := range report.GoalAlignments {
		if g.OnTrack {
			okc(" GOAL ")
		} else {
			warnc(" GOAL ")
		}
		fmt.Printf(" %-30s %s of %s (%.0f%%)\n", g.GoalName, g.Contributed.StringFixed(2), g.TargetAmount.StringFixed(2), g.Percent)
	}
	for _, s := range report.TaxSignals {
		infoc(" %s ", s.Type)
		fmt.Printf(" %s\n", s.Message)
	}
}
