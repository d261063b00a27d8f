// Package cli implements the perfharness commands: running a scenario and
// inspecting the persisted run history.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/executor"
	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/scenarios"
	"github.com/studiowebux/perfharness/internal/stresstest"
)

// ErrThresholdsFailed is returned by Run when at least one threshold did not
// hold. main maps it to ExitThresholdsFailed.
var ErrThresholdsFailed = errors.New("thresholds failed")

// ExitThresholdsFailed matches the exit status k6 uses for threshold failures.
const ExitThresholdsFailed = 99

// LongRunConfirmation is the run length above which an interactive run asks
// for confirmation first.
const LongRunConfirmation = 30 * time.Minute

// RunOptions contains options for running a scenario
type RunOptions struct {
	Scenario       string
	EnvFiles       []string
	PresetsFile    string
	DatabasePath   string
	PersistSamples bool
	NoPersist      bool
	DurationScale  float64
	// Behavior selects one sub-behavior of a service suite, overriding
	// SCENARIO_NAME.
	Behavior  string
	Seed      int64
	AssumeYes bool
	// Progress shows a live view while the run lasts. It needs a terminal on
	// both In and Out.
	Progress bool

	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// Run executes a scenario end to end: configuration, run, summary, optional
// export. It returns ErrThresholdsFailed when the run finished but a
// threshold did not hold.
func Run(ctx context.Context, opts RunOptions) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}

	cfg, err := config.Load(opts.EnvFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	presets := opts.PresetsFile
	if presets == "" {
		presets = config.PresetsFile
	}
	if err := cfg.LoadPresets(presets); err != nil {
		return err
	}
	if opts.Behavior != "" {
		if err := scenarios.CheckBehavior(opts.Scenario, opts.Behavior); err != nil {
			return err
		}
		cfg.ScenarioName = opts.Behavior
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	progress := opts.Progress && isInteractive(in) && isTerminal(out)
	if progress {
		// Info lines would scroll the live view away.
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}

	// A suite falls back to its full mix when SCENARIO_NAME matches nothing.
	if cfg.ScenarioName != "" && len(scenarios.Behaviors(opts.Scenario)) > 0 {
		if err := scenarios.CheckBehavior(opts.Scenario, cfg.ScenarioName); err != nil {
			logger.Warn("SCENARIO_NAME ignored", zap.Error(err))
		}
	}

	reg := metrics.NewRegistry()
	scale := opts.DurationScale
	if scale <= 0 {
		scale = 1
	}
	env := &scenarios.Env{
		Config:        cfg,
		Metrics:       reg,
		Logger:        logger,
		DurationScale: scale,
	}
	sc, err := buildScenario(opts.Scenario, env, logger)
	if err != nil {
		return err
	}

	length := time.Duration(float64(sc.TotalDuration()) * scale)
	if length > LongRunConfirmation && !opts.AssumeYes && isInteractive(in) {
		ok, err := confirmRun(in, out, sc.Name, length)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run cancelled by user")
		}
	}

	var manager *stresstest.Manager
	if !opts.NoPersist {
		dbPath := opts.DatabasePath
		if dbPath == "" {
			dbPath = cfg.DatabasePath
		}
		manager, err = stresstest.NewManager(dbPath)
		if err != nil {
			return err
		}
		defer manager.Close()
	}

	runner, err := stresstest.NewRunner(sc, stresstest.RunOptions{
		Metrics:        reg,
		Manager:        manager,
		PersistSamples: opts.PersistSamples,
		DurationScale:  scale,
		Seed:           opts.Seed,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var result *stresstest.RunResult
	if progress {
		result, err = runWithProgress(ctx, runner, reg, length, in, out)
	} else {
		result, err = runner.Run(ctx)
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	title := fmt.Sprintf("%s: run %s (%s)", sc.Name, result.Run.UUID, result.Run.Status)
	if result.Run.ID > 0 {
		title += fmt.Sprintf(" #%d", result.Run.ID)
	}
	metrics.PrintSummary(out, title, result.Summaries, result.Report)

	if cfg.Metrics.Enabled {
		pushCtx := context.WithoutCancel(ctx)
		err := metrics.Push(pushCtx, metrics.PushConfig{
			URL:      cfg.Metrics.URL,
			Token:    cfg.Metrics.Token,
			Org:      cfg.Metrics.Org,
			Job:      cfg.Metrics.Bucket,
			Scenario: sc.Name,
			RunID:    result.Run.UUID,
		}, result.Summaries, result.Report)
		if err != nil {
			logger.Error("failed to export run summary", zap.Error(err))
		} else {
			logger.Info("run summary exported", zap.String("url", cfg.Metrics.URL))
		}
	}

	if !result.Passed() {
		return ErrThresholdsFailed
	}
	return nil
}

// buildScenario builds the scenario twice: once to learn its peak VU count,
// then against a client whose connection pool is sized for it.
func buildScenario(name string, env *scenarios.Env, logger *zap.Logger) (*stresstest.Scenario, error) {
	sizing, err := executor.NewClient(env.Metrics, env.Config.Timeouts, &env.Config.TLS, 0)
	if err != nil {
		return nil, err
	}
	env.Client = sizing
	sc, err := scenarios.Build(name, env)
	if err != nil {
		return nil, err
	}

	client, err := executor.NewClient(env.Metrics, env.Config.Timeouts, &env.Config.TLS, peakVUs(sc),
		executor.WithLogger(logger.Named("http")),
		executor.WithTags(map[string]string{"suite": name}))
	if err != nil {
		return nil, err
	}
	env.Client = client
	return scenarios.Build(name, env)
}

func peakVUs(sc *stresstest.Scenario) int {
	total := 0
	for _, ex := range sc.Executors {
		total += ex.Profile.PeakVUs()
	}
	return total
}

// ListScenarios prints every built-in scenario with its description.
func ListScenarios(out io.Writer) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Scenario", "Description"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, name := range scenarios.Names() {
		table.Append([]string{name, scenarios.Describe(name)})
	}
	table.Render()
}

// Runs prints the most recent runs, newest first.
func Runs(out io.Writer, dbPath, scenario string, limit int) error {
	manager, err := stresstest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer manager.Close()

	runs, err := manager.ListRuns(scenario, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Scenario", "Started", "Status", "Passed", "Iterations", "Reqs", "Failed", "P95"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, run := range runs {
		table.Append([]string{
			strconv.FormatInt(run.ID, 10),
			run.Scenario,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Status,
			verdict(run.Passed),
			strconv.Itoa(run.Iterations),
			strconv.Itoa(run.HTTPReqs),
			fmt.Sprintf("%.2f%%", run.HTTPReqFailedRate*100),
			metrics.FormatValue(run.P95DurationMs) + "ms",
		})
	}
	table.Render()
	return nil
}

// Show prints one run with its metric summaries and threshold verdicts. ref
// is either the numeric run ID or the run UUID.
func Show(out io.Writer, dbPath, ref string) error {
	manager, err := stresstest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer manager.Close()

	run, err := lookupRun(manager, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run #%d  %s\n", run.ID, run.UUID)
	fmt.Fprintf(out, "Scenario: %s\n", run.Scenario)
	fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.IsCompleted() && run.CompletedAt != nil {
		fmt.Fprintf(out, "Elapsed:  %s\n", executor.FormatDuration(run.CompletedAt.Sub(run.StartedAt)))
	}
	fmt.Fprintf(out, "Status:   %s (%s)\n", run.Status, verdict(run.Passed))
	fmt.Fprintf(out, "Iterations: %d (dropped %d, panics %d)\n", run.Iterations, run.DroppedIterations, run.IterationPanics)
	if run.DurationScale != 0 && run.DurationScale != 1 {
		fmt.Fprintf(out, "Duration scale: %g\n", run.DurationScale)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	fmt.Fprintln(out)

	summaries, err := manager.GetSummaries(run.ID)
	if err != nil {
		return fmt.Errorf("failed to load summaries: %w", err)
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Kind", "Count", "Avg", "Med", "P95", "P99", "Max", "Rate/Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, s := range summaries {
		last := metrics.FormatValue(s.Value)
		if s.Kind == metrics.Rate.String() {
			last = fmt.Sprintf("%.2f%%", s.Rate*100)
		}
		table.Append([]string{
			s.Metric, s.Kind, strconv.Itoa(s.Count),
			metrics.FormatValue(s.Avg), metrics.FormatValue(s.Med),
			metrics.FormatValue(s.P95), metrics.FormatValue(s.P99),
			metrics.FormatValue(s.Max), last,
		})
	}
	table.Render()

	results, err := manager.GetThresholdResults(run.ID)
	if err != nil {
		return fmt.Errorf("failed to load threshold results: %w", err)
	}
	if len(results) > 0 {
		fmt.Fprintln(out)
	}
	for _, res := range results {
		status := "PASS"
		switch {
		case res.NoData:
			status = "NO DATA"
		case !res.Passed:
			status = "FAIL"
		}
		fmt.Fprintf(out, "  %-7s  %s  %s  (observed %s)\n", status, res.Selector, res.Expression, metrics.FormatValue(res.Observed))
	}
	return nil
}

// DeleteRun removes one recorded run with its summaries, threshold verdicts
// and samples. ref is either the numeric run ID or the run UUID.
func DeleteRun(out io.Writer, dbPath, ref string) error {
	manager, err := stresstest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer manager.Close()

	run, err := lookupRun(manager, ref)
	if err != nil {
		return err
	}
	if err := manager.DeleteRun(run.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted run #%d (%s, %s)\n", run.ID, run.Scenario, run.UUID)
	return nil
}

func lookupRun(manager *stresstest.Manager, ref string) (*stresstest.Run, error) {
	var (
		run *stresstest.Run
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		run, err = manager.GetRun(id)
	} else {
		run, err = manager.GetRunByUUID(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("run %s not found: %w", ref, err)
	}
	return run, nil
}

func verdict(passed *bool) string {
	switch {
	case passed == nil:
		return "-"
	case *passed:
		return "passed"
	default:
		return "failed"
	}
}
