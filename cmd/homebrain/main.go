package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"homebrain/internal/automation"
	"homebrain/internal/bus"
	"homebrain/internal/config"
	"homebrain/internal/confidence"
	"homebrain/internal/correlation"
	"homebrain/internal/logging"
	"homebrain/internal/rules"
	"homebrain/internal/store"
	"homebrain/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "homebrain",
	Short: "homebrain - a self-learning home automation core",
	Long: `homebrain watches the event stream of a home, mines it for recurring
cause→effect patterns, proposes automation rules for approval, and runs the
approved rules with a confidence score that rises and falls with results.

Rules that keep working gain trust and lifetime; rules that fail, age out or
get corrected by the user lose it and are disabled.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return logging.Initialize(cfg.DataDir(), logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation daemon",
	Long: `Starts the full loop: the orchestrator consumes events from the bus,
correlation analysis runs on its configured interval, and confidence decay and
TTL cleanup run on theirs. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

// analyzeCmd runs one correlation cycle
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one correlation analysis cycle and print the patterns",
	RunE:  runAnalyze,
}

// proposeCmd drafts rules from mined patterns
var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Draft automation rules from high-confidence patterns",
	Long: `Turns mined patterns above the propose threshold into draft rules.
Drafts are stored disabled; use "homebrain rules approve" to activate them.`,
	RunE: runPropose,
}

// rulesCmd manages rules
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and manage automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules pending approval",
	RunE:  runRulesList,
}

var rulesApproveCmd = &cobra.Command{
	Use:   "approve [rule-id]",
	Short: "Approve a proposed rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesApprove,
}

var rulesRejectCmd = &cobra.Command{
	Use:   "reject [rule-id]",
	Short: "Reject and delete a proposed rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesReject,
}

// feedbackCmd records a user judgment on a rule
var feedbackCmd = &cobra.Command{
	Use:   "feedback [rule-id] [positive|negative|neutral]",
	Short: "Record user feedback on a rule",
	Args:  cobra.ExactArgs(2),
	RunE:  runFeedback,
}

// statusCmd shows store and confidence stats
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and confidence statistics",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "homebrain.yaml", "Config file path")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesApproveCmd)
	rulesCmd.AddCommand(rulesRejectCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*store.LocalStore, error) {
	path := cfg.Store.DatabasePath
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	return store.NewLocalStore(path)
}

func confidenceConfig() confidence.Config {
	return confidence.Config{
		InitialTTL:         cfg.InitialTTL(),
		MaxTTL:             cfg.MaxTTL(),
		DecayRate:          cfg.Confidence.DecayRate,
		MinConfidence:      cfg.Confidence.MinConfidence,
		SuccessBoost:       cfg.Confidence.SuccessBoost,
		FailurePenalty:     cfg.Confidence.FailurePenalty,
		UserFeedbackWeight: cfg.Confidence.UserFeedbackWeight,
	}
}

func correlationOptions() correlation.Options {
	return correlation.Options{
		MinConfidence: cfg.Correlation.MinConfidence,
		MinFrequency:  cfg.Correlation.MinFrequency,
		MaxDelay:      cfg.CorrelationMaxDelay(),
		MinEvents:     cfg.Correlation.MinEvents,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	eventBus := bus.New(0)
	defer eventBus.Close()

	confMgr := confidence.NewManager(st, confidenceConfig())
	ruleEngine := rules.NewEngine(st, rules.Options{
		Drafter:        &templateDrafter{},
		DrafterTimeout: cfg.DrafterTimeout(),
		InitialTTL:     cfg.InitialTTL(),
	})
	corrEngine := correlation.NewEngine(st, correlationOptions())

	orch := automation.NewOrchestrator(automation.Options{
		Store:           st,
		Confidence:      confMgr,
		Rules:           ruleEngine,
		Bus:             eventBus,
		Dispatcher:      &busDispatcher{bus: eventBus},
		DispatchTimeout: cfg.DispatchTimeout(),
		AutomationsDir:  cfg.Automation.AutomationsDir,
	})

	// Every event on the bus becomes durable history for the miner.
	for _, topic := range types.Topics() {
		orch.RegisterHandler(topic, func(ctx context.Context, evt types.Event) error {
			return st.AppendEvent(ctx, evt)
		})
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()
	logger.Info("homebrain daemon started",
		zap.String("database", cfg.Store.DatabasePath),
		zap.Duration("analysis_interval", cfg.AnalysisInterval()))

	analysisTicker := time.NewTicker(cfg.AnalysisInterval())
	defer analysisTicker.Stop()
	decayTicker := time.NewTicker(cfg.DecayInterval())
	defer decayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-analysisTicker.C:
			result, err := corrEngine.AnalyzeCorrelations(ctx, cfg.AnalysisWindow(), cfg.Correlation.MinConfidence)
			if err != nil {
				logger.Error("Correlation analysis failed", zap.Error(err))
				continue
			}
			logger.Info("Correlation analysis complete",
				zap.Int("events", result.TotalEvents),
				zap.Int("patterns", len(result.Patterns)))
			if _, err := ruleEngine.ProposeRulesFromPatterns(ctx, cfg.Automation.ProposeThreshold); err != nil {
				logger.Error("Rule proposal failed", zap.Error(err))
			}
		case <-decayTicker.C:
			if err := confMgr.ApplyTimeDecay(ctx); err != nil {
				logger.Error("Confidence decay failed", zap.Error(err))
			}
			if n, err := confMgr.CleanupExpiredRules(ctx); err != nil {
				logger.Error("TTL cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("Disabled expired rules", zap.Int("count", n))
			}
		}
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	engine := correlation.NewEngine(st, correlationOptions())
	result, err := engine.AnalyzeCorrelations(context.Background(), cfg.AnalysisWindow(), cfg.Correlation.MinConfidence)
	if err != nil {
		return err
	}

	fmt.Printf("Analyzed %d events over %s\n", result.TotalEvents, result.Window)
	if len(result.Patterns) == 0 {
		fmt.Println("No patterns found")
		return nil
	}
	for _, p := range result.Patterns {
		fmt.Printf("  %s/%s -> %s/%s  confidence=%.2f frequency=%d delay=%s\n",
			p.Trigger.DeviceID, p.Trigger.EventType,
			p.Effect.DeviceID, p.Effect.EventType,
			p.Confidence, p.Frequency, p.TimeDelay)
	}
	return nil
}

func runPropose(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	engine := rules.NewEngine(st, rules.Options{
		Drafter:        &templateDrafter{},
		DrafterTimeout: cfg.DrafterTimeout(),
		InitialTTL:     cfg.InitialTTL(),
	})
	drafts, err := engine.ProposeRulesFromPatterns(context.Background(), cfg.Automation.ProposeThreshold)
	if err != nil {
		return err
	}

	if len(drafts) == 0 {
		fmt.Println("No new rules proposed")
		return nil
	}
	fmt.Printf("Proposed %d rules (pending approval):\n", len(drafts))
	for _, r := range drafts {
		fmt.Printf("  %s  %s  confidence=%.2f\n", r.ID, r.Name, r.Confidence)
	}
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	engine := rules.NewEngine(st, rules.Options{InitialTTL: cfg.InitialTTL()})
	proposed, err := engine.ListProposedRules(context.Background())
	if err != nil {
		return err
	}

	if len(proposed) == 0 {
		fmt.Println("No rules pending approval")
		return nil
	}
	for _, r := range proposed {
		fmt.Printf("%s  confidence=%.2f  %s\n", r.ID, r.Confidence, r.Name)
		if r.Description != "" {
			fmt.Printf("    %s\n", r.Description)
		}
	}
	return nil
}

func runRulesApprove(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	engine := rules.NewEngine(st, rules.Options{InitialTTL: cfg.InitialTTL()})
	if err := engine.ApproveRule(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Rule %s approved and enabled\n", args[0])
	return nil
}

func runRulesReject(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	engine := rules.NewEngine(st, rules.Options{InitialTTL: cfg.InitialTTL()})
	if err := engine.RejectRule(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Rule %s rejected and removed\n", args[0])
	return nil
}

func runFeedback(cmd *cobra.Command, args []string) error {
	ruleID, feedback := args[0], args[1]
	switch feedback {
	case types.FeedbackPositive, types.FeedbackNegative, types.FeedbackNeutral:
	default:
		return fmt.Errorf("feedback must be positive, negative or neutral, got %q", feedback)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := confidence.NewManager(st, confidenceConfig())
	if err := mgr.RecordUserFeedback(context.Background(), ruleID, feedback); err != nil {
		return err
	}
	metrics, err := mgr.GetRuleMetrics(context.Background(), ruleID)
	if err != nil {
		return err
	}
	if metrics == nil {
		return fmt.Errorf("rule %s has no metrics", ruleID)
	}
	fmt.Printf("Rule %s confidence is now %.2f\n", ruleID, metrics.Confidence)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.GetStats()
	if err != nil {
		return err
	}
	fmt.Println("Store:")
	for name, count := range stats {
		fmt.Printf("  %-15s %d\n", name, count)
	}

	mgr := confidence.NewManager(st, confidenceConfig())
	conf, err := mgr.GetConfidenceStats(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("Confidence:")
	fmt.Printf("  rules tracked   %d\n", conf.TotalRules)
	fmt.Printf("  enabled         %d\n", conf.EnabledRules)
	fmt.Printf("  avg confidence  %.2f\n", conf.AverageConfidence)
	fmt.Printf("  high (>0.8)     %d\n", conf.HighConfidenceRules)
	fmt.Printf("  low (<0.5)      %d\n", conf.LowConfidenceRules)
	fmt.Printf("  expiring (24h)  %d\n", conf.ExpiringSoonRules)

	attention, err := mgr.GetRulesNeedingAttention(context.Background())
	if err != nil {
		return err
	}
	if len(attention) > 0 {
		fmt.Println("Needing attention:")
		for _, m := range attention {
			fmt.Printf("  %s  confidence=%.2f\n", m.RuleID, m.Confidence)
		}
	}
	return nil
}
