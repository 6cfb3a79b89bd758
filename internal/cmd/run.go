package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/willfong/workload-generator/internal/client/ldapclient"
	"github.com/willfong/workload-generator/internal/client/socketclient"
	"github.com/willfong/workload-generator/internal/client/sqlclient"
	"github.com/willfong/workload-generator/internal/config"
	"github.com/willfong/workload-generator/internal/engine"
	"github.com/willfong/workload-generator/internal/stats"
	"github.com/willfong/workload-generator/internal/ui"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a weighted operation mix against a target server",
	Long: `Run a workload against the configured protocol client.

Workers pick operations from the weighted mix, pace themselves against a
shared (or per-worker) throughput budget and keep a pool of the resources
they create so deletes and renames always act on live entries. Statistics
are collected between warm-up and cool-down and summarised at the end.

The run stops when the duration elapses, every worker reaches its
operation limit, or on Ctrl+C. A second Ctrl+C exits immediately.

Example:
  workgen run --workers 8 --duration 1m --rate 500
  workgen run --protocol sql --dsn "user:pass@tcp(localhost:3306)/load"
  workgen run --protocol ldap --ldap-url ldap://localhost:1389 \
      --target "uid=user.[1-1000],ou=people,dc=example,dc=com"
  workgen run --metrics-listen :9090 --duration 10m`,
	Args: cobra.NoArgs,
	RunE: runWorkload,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("protocol", config.Protocol, "client protocol (socket, sql, ldap)")
	f.IntP("workers", "w", config.Workers, "number of concurrent workers")
	f.Duration("duration", config.Duration, "run length (0 = until stopped or max ops reached)")
	f.Int64("max-ops", config.MaxOpsPerWorker, "operations per worker (0 = no limit)")
	f.Float64("rate", config.Rate, "target operations per second (0 = unlimited)")
	f.String("rate-mode", config.RateMode, "throttling algorithm (interval, smooth)")
	f.String("rate-scope", config.RateScope, "apply the rate to the whole run or to each worker (run, worker)")
	f.Duration("warm-up", config.WarmUp, "time excluded from statistics at the start")
	f.Duration("cool-down", config.CoolDown, "time excluded from statistics before the end")
	f.Duration("threshold", config.ResponseTimeThreshold, "count operations slower than this (0 = disabled)")
	f.String("connection-mode", config.ConnectionMode, "connection ownership (worker, shared)")
	f.Int64("ops-before-reconnect", config.OpsBeforeReconnect, "replace a connection after this many operations (0 = never)")
	f.String("target", "", "target pattern for search, compare, modify and bind")
	f.String("template", "", "name template for added resources using {run}, {worker} and {seq} (default depends on protocol)")
	f.Int64("seed", 0, "random seed for reproducibility (0 = random)")
	f.String("metrics-listen", "", "serve Prometheus metrics on this address")
	f.String("csv", "", "write interval statistics to this CSV file")
	f.String("dsn", "", "database connection string for the sql protocol")
	f.String("ldap-url", "", "server URL for the ldap protocol")
	f.String("address", config.SocketAddress, "server address for the socket protocol")

	for key, name := range map[string]string{
		"protocol":                        "protocol",
		"run.workers":                     "workers",
		"run.duration":                    "duration",
		"run.max_ops_per_worker":          "max-ops",
		"run.rate":                        "rate",
		"run.rate_mode":                   "rate-mode",
		"run.rate_scope":                  "rate-scope",
		"run.warm_up":                     "warm-up",
		"run.cool_down":                   "cool-down",
		"run.response_time_threshold":     "threshold",
		"run.seed":                        "seed",
		"connection.mode":                 "connection-mode",
		"connection.ops_before_reconnect": "ops-before-reconnect",
		"resources.target_pattern":        "target",
		"resources.template":              "template",
		"metrics.listen":                  "metrics-listen",
		"metrics.csv":                     "csv",
		"database.dsn":                    "dsn",
		"ldap.url":                        "ldap-url",
		"socket.address":                  "address",
	} {
		bindFlag(key, f.Lookup(name))
	}
}

func runWorkload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	u := newUI()
	ctx := cmd.Context()

	runCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	targets, err := cfg.Targets()
	if err != nil {
		return err
	}

	fmt.Println(u.Header("Workload Generator"))
	fmt.Println()
	fmt.Println(u.KeyValue("Protocol", cfg.Protocol))
	fmt.Println(u.KeyValue("Workers", fmt.Sprintf("%d (%s connections)", cfg.Run.Workers, cfg.Connection.Mode)))
	fmt.Println(u.KeyValue("Duration", describeDuration(cfg.Run.Duration)))
	fmt.Println(u.KeyValue("Rate", describeRate(cfg)))
	fmt.Println(u.KeyValue("Mix", describeMix(runCfg.Weights)))
	if cfg.Resources.TargetPattern != "" {
		fmt.Println(u.KeyValue("Targets", cfg.Resources.TargetPattern))
	}
	fmt.Println()

	spin := u.NewSpinner("Connecting to " + cfg.Protocol + " server")
	spin.Start()
	dialer, closeClient, err := newDialer(ctx, cfg)
	if err != nil {
		spin.Error(err.Error())
		return err
	}
	defer engine.CloseQuietly(closeClient, log, "protocol client")
	spin.Success("ready")

	runID := uuid.NewString()
	collector := stats.NewCollector(nil)
	prom := stats.NewPrometheusSink(runID)

	deps := engine.Deps{
		Dialer: dialer,
		Sink:   stats.Tee{collector, prom},
		Logger: log,
		RunID:  runID,
	}
	if targets != nil {
		deps.Targets = targets
	}
	runner, err := engine.NewRunner(runCfg, deps)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		stop := serveMetrics(cfg.Metrics.Listen, prom.Handler(), log)
		defer stop()
	}

	var report *stats.IntervalWriter
	if cfg.Metrics.CSV != "" {
		if report, err = stats.CreateIntervalFile(cfg.Metrics.CSV); err != nil {
			return err
		}
		defer engine.CloseQuietly(report, log, "interval report")
	}

	if err := runner.Start(ctx); err != nil {
		fmt.Println(u.Error(err.Error()))
		return err
	}

	interrupted := watchRun(runner, collector, report, cfg, u, log)

	sum, runErr := runner.Wait()
	printReport(u, sum, collector.Snapshot(), runErr, interrupted)
	return runErr
}

// watchRun reports progress until the run finishes and reports whether it
// was stopped by a signal.
func watchRun(runner *engine.Runner, collector *stats.Collector, report *stats.IntervalWriter,
	cfg *config.Config, u *ui.UI, log zerolog.Logger) bool {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var intervalCh <-chan time.Time
	if cfg.Metrics.Interval > 0 {
		t := time.NewTicker(cfg.Metrics.Interval)
		defer t.Stop()
		intervalCh = t.C
	}

	// the progress line replaces interval logging on a styled terminal
	styled := u.IsTTY && !u.NoColor
	var redrawCh <-chan time.Time
	if styled {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		redrawCh = t.C
	}
	progressLevel := zerolog.InfoLevel
	if styled {
		progressLevel = zerolog.DebugLevel
	}

	prog := u.NewRunProgress("Running", cfg.Run.Duration)
	start := time.Now()
	interrupted := false

	writeReport := func(now time.Time, s stats.Snapshot) {
		if report == nil {
			return
		}
		if err := report.Write(now, s); err != nil {
			log.Warn().Err(err).Msg("failed to write interval report")
		}
	}

	for {
		select {
		case <-runner.Done():
			prog.Finish("workers stopped", false)
			writeReport(time.Now(), collector.Snapshot())
			return interrupted

		case <-sigCh:
			if interrupted {
				fmt.Fprintln(os.Stderr, u.Error("Second interrupt, exiting without cleanup"))
				os.Exit(130)
			}
			interrupted = true
			prog.Finish("stopping, waiting for workers", true)
			log.Warn().Msg("received shutdown signal, stopping workers")
			runner.RequestStop()

		case <-redrawCh:
			prog.Update(time.Since(start), collector.FormatLine())

		case now := <-intervalCh:
			s := collector.Snapshot()
			writeReport(now, s)
			log.WithLevel(progressLevel).
				Int64("ops", s.Ops).
				Int64("failures", s.Failures).
				Float64("rate", s.Rate).
				Float64("recent_rate", s.RecentRate).
				Dur("p95", s.P95).
				Bool("collecting", s.Collecting).
				Msg("progress")
		}
	}
}

// newDialer builds the protocol client selected by cfg. The returned closer
// releases client-wide resources once the run is over.
func newDialer(ctx context.Context, cfg *config.Config) (engine.Dialer, io.Closer, error) {
	switch cfg.Protocol {
	case "sql":
		c, err := sqlclient.New(cfg.SQLClient())
		if err != nil {
			return nil, nil, err
		}
		setupCtx, cancel := context.WithTimeout(ctx, cfg.Connection.DialTimeout)
		defer cancel()
		if err := c.Setup(setupCtx); err != nil {
			_ = c.Close()
			return nil, nil, err
		}
		return c, c, nil
	case "ldap":
		c, err := ldapclient.New(cfg.LDAPClient())
		if err != nil {
			return nil, nil, err
		}
		return c, nopCloser{}, nil
	case "socket":
		c, err := socketclient.New(cfg.SocketClient())
		if err != nil {
			return nil, nil, err
		}
		return c, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown protocol %q", engine.ErrConfiguration, cfg.Protocol)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// serveMetrics exposes handler at /metrics until the returned stop is called.
func serveMetrics(addr string, handler http.Handler, log zerolog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}
