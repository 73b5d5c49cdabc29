package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lewta/admit/internal/clock"
	"github.com/lewta/admit/internal/config"
	"github.com/lewta/admit/internal/driver"
	"github.com/lewta/admit/internal/engine"
	"github.com/lewta/admit/internal/metrics"
	"github.com/lewta/admit/internal/ratelimit"
	"github.com/lewta/admit/internal/store"
	"github.com/lewta/admit/internal/task"
)

// Set by goreleaser via -ldflags at build time; fallback to "dev" for local builds.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "admit",
	Short: "Client-side admission control for rate-limited APIs",
	Long: `admit queues requests to an API that publishes its rate limits in
response headers and releases them in batches that never cross the soft
threshold of any known rule.

Targets are defined in a YAML config file under 'targets' (inline) and/or
loaded from a plain-text file via 'targets_file'. Both can be used together.

Use 'admit probe <url>' to send a few paced requests and print the rules
the API reports, without a config file.

Use 'admit limits' to inspect rule state persisted by a previous run.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(limitsCmd())
}

// --- probe ---

func probeCmd() *cobra.Command {
	var (
		scope    string
		count    int
		interval time.Duration
		timeout  time.Duration
		method   string
	)

	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Send paced requests to one URL and print the discovered rules",
		Long: `Probe sends requests to a single URL through the admission queue until
--count is reached or it is stopped, then prints every rate-limit rule the
API reported.

No config file is required. Requests are held whenever a discovered rule
would be pushed past its soft threshold, so probing never trips the limit.

Examples:
  admit probe https://api.example.com/trade/data/stats
  admit probe https://api.example.com/trade/data/stats --count 10 --scope Account`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				return fmt.Errorf("probe requires an absolute http(s) URL, got %q", target)
			}

			drv, err := driver.NewHTTPDriver(config.APIConfig{
				TimeoutS:  int(timeout.Seconds()),
				UserAgent: "admit/" + version,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			clk := clockwork.NewRealClock()
			reg := ratelimit.NewRegistry(clk)
			sched := engine.NewScheduler(reg, drv, clk, engine.SchedulerConfig{
				Scope:          scope,
				Idle:           interval,
				DiscoveryBatch: 1,
			}, nil)
			sched.Start(ctx)
			defer func() {
				sched.Stop()
				sched.Wait()
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nProbing %s (%s, scope %s) - Ctrl-C to stop\n\n", target, method, scope)

			t := task.Task{Method: strings.ToUpper(method), URL: target}
			var stats probeStats
			for i := 0; count == 0 || i < count; i++ {
				if i > 0 {
					if err := clock.Sleep(ctx, clk, interval); err != nil {
						break
					}
				}
				res := sched.Do(ctx, t)
				if ctx.Err() != nil {
					break
				}
				stats.add(res)
				fmt.Fprintln(out, probeLine(res))
			}

			stats.print(out, target)
			fmt.Fprintln(out)
			scopes := reg.Scopes()
			if len(scopes) == 0 {
				fmt.Fprintln(out, "No rate-limit rules reported.")
				return nil
			}
			now := clk.Now()
			for _, s := range scopes {
				renderRules(out, s, reg.Rules(s), now)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "Ip", "Rate-limit scope that gates the requests")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many requests (0 = until interrupted)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Delay between requests")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Per-request timeout")
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method")

	return cmd
}

// --- limits ---

func limitsCmd() *cobra.Command {
	var (
		storePath string
		cfgPath   string
	)

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show persisted rate-limit rules and whether each is holding requests",
		Long: `Read the rule state a previous run persisted and evaluate it against
the current time: how many hits are still available in each window and how
long the queue would wait before the next batch.

The store path is taken from --store, or from store.path in --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := storePath
			if path == "" && cfgPath != "" {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				path = cfg.Store.Path
			}
			if path == "" {
				return fmt.Errorf("no store: set --store or store.path in --config")
			}

			st, err := store.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer st.Close()

			saved, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(saved) == 0 {
				fmt.Fprintf(out, "No rules persisted in %s\n", path)
				return nil
			}
			scopes := make([]string, 0, len(saved))
			for s := range saved {
				scopes = append(scopes, s)
			}
			sort.Strings(scopes)
			now := time.Now()
			for _, s := range scopes {
				renderRules(out, s, saved[s], now)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "Path to the SQLite rule store")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file (for store.path)")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("admit %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// --- start ---

func startCmd() *cobra.Command {
	var (
		cfgPath    string
		foreground bool
		logLevel   string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the configured requests through the admission queue",
		Long: `Start the engine: restore persisted rule state, enqueue the configured
requests, and release them in batches sized by the most restrictive known
rule until every request has completed.

Targets can be defined inline in the config YAML under 'targets:',
loaded from a plain-text file via 'targets_file:', or both combined.

targets_file format (one entry per line):
  <url> [method] [weight]

  url     Absolute URL, or a path resolved against api.base_url
  method  Optional HTTP method (default: GET)
  weight  Optional positive integer (default: 1)
  #       Lines beginning with '#' and blank lines are ignored

Example targets_file:
  /api/trade/data/stats        GET  5
  https://example.com/health

When scheduler.windows is set, requests are only released while a cron
window is open.

The engine shuts down gracefully on SIGINT or SIGTERM: the in-flight
request completes, undispatched requests are reported as rejected, and
rule state is persisted before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if dryRun {
				printDryRun(cmd.OutOrStdout(), cfgPath, cfg)
				return nil
			}

			// CLI flag overrides config log level.
			lvl := cfg.Daemon.LogLevel
			if logLevel != "" {
				lvl = logLevel
			}
			initLogger(lvl, cfg.Daemon.LogFormat)

			if !foreground {
				if err := writePID(cfg.Daemon.PIDFile); err != nil {
					log.Warn().Err(err).Msg("could not write PID file")
				}
				defer os.Remove(cfg.Daemon.PIDFile) //nolint:errcheck
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
				go m.ServeHTTP(ctx, cfg.Metrics.PrometheusPort)
			} else {
				m = metrics.Noop()
			}

			eng, err := engine.New(cfg, m)
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}

			sum, err := eng.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d dispatched, %d failed, %d rejected\n", sum.Dispatched, sum.Failed, sum.Rejected)
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "Path to YAML config file")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Skip writing the PID file (process always runs in foreground)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print config summary and exit without sending any requests")

	return cmd
}

// --- stop ---

func stopCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running admit process",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				return fmt.Errorf("reading PID file %s: %w", pidFile, err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/admit.pid", "Path to PID file")
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether an admit process is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			pid, err := readPID(pidFile)
			if err != nil {
				fmt.Fprintf(out, "Not running (no PID file at %s)\n", pidFile)
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				fmt.Fprintf(out, "Not running (process %d not found)\n", pid)
				return nil
			}

			// Signal 0 checks if the process is alive without killing it.
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				fmt.Fprintf(out, "Not running (process %d: %v)\n", pid, err)
				return nil
			}

			fmt.Fprintf(out, "Running (PID %d)\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/admit.pid", "Path to PID file")
	return cmd
}

// --- validate ---

func validateCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		Long: `Parse and validate a config file without starting the engine.

Checks the API section, scheduler delays and cron windows, every seeded
rate-limit rule, targets, output, and daemon settings.

If 'targets_file' is set in the config, that file is also read and parsed
as part of validation: a missing file, malformed line, or invalid weight
is reported here before any request is sent.

Exits 0 and prints "config valid" on success.
Exits non-zero and prints the validation error on failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(cfgPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "Path to YAML config file")
	return cmd
}

// --- helpers ---

func initLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// sortedByWeight returns a copy of targets, heaviest first.
func sortedByWeight(targets []config.TargetConfig) []config.TargetConfig {
	sorted := slices.Clone(targets)
	slices.SortStableFunc(sorted, func(a, b config.TargetConfig) int {
		return b.Weight - a.Weight
	})
	return sorted
}
