package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/laneq/internal/config"
	"github.com/harun/laneq/internal/logger"
	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/internal/tracing"
	"github.com/harun/laneq/pkg/lane"
	"github.com/harun/laneq/pkg/partition"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a mixed workload through the scheduler",
	Long: `Demo builds a dispatcher from the active configuration, submits a
mixed batch of query, execute, and generate operations through the
partitioner, and prints per-lane statistics when the queue drains.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	lg.SetGlobal()

	if cfg.Scheduler.TracingEnabled {
		if err := tracing.InitOpenTelemetry("laneq"); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tracing.ShutdownOpenTelemetry(ctx)
			}()
		}
	}
	if cfg.Scheduler.AuditLogPath != "" {
		if err := observability.InitAuditLogger(cfg.Scheduler.AuditLogPath); err != nil {
			log.Warn().Err(err).Msg("Failed to open audit log")
		}
	}

	table, err := buildTable(cfg.Scheduler)
	if err != nil {
		return err
	}

	opts := []lane.Option{
		lane.WithDLQCapacity(cfg.Scheduler.DLQCapacity),
		lane.WithAgingInterval(cfg.Scheduler.AgingIntervalDuration()),
		lane.WithAlertThresholds(cfg.Scheduler.AlertWarning, cfg.Scheduler.AlertCritical),
	}
	if cfg.Scheduler.DLQStorePath != "" {
		store, err := lane.NewSQLiteDeadLetterStore(cfg.Scheduler.DLQStorePath)
		if err != nil {
			return fmt.Errorf("failed to open dead letter store: %w", err)
		}
		defer store.Close()
		opts = append(opts, lane.WithDeadLetterStore(store))
	}

	d := lane.NewDispatcher(table, opts...)
	d.Start()
	defer d.Close()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics endpoint started")
	}

	part := partition.New(d, partition.Config{
		InlineThreshold: cfg.Partition.InlineThreshold,
		TrivialKinds:    cfg.Partition.TrivialKinds,
	})

	ops := demoWorkload()
	log.Info().Int("ops", len(ops)).Msg("Submitting demo workload")

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	results := part.Run(ctx, ops)
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "op[%d] %s: error: %v\n", r.Index, ops[r.Index].Kind, r.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "op[%d] %s: %v\n", r.Index, ops[r.Index].Kind, r.Value)
	}

	if err := d.Drain(ctx); err != nil {
		log.Warn().Err(err).Msg("Drain interrupted")
	}

	stats := d.Stats()
	for _, name := range table.Names() {
		ls := stats.Lanes[name]
		fmt.Fprintf(cmd.OutOrStdout(), "lane %-8s submitted=%d completed=%d failed=%d retries=%d p95=%dms\n",
			name, ls.Submitted, ls.Completed, ls.Failed, ls.Retries, ls.LatencyP95.Milliseconds())
	}
	return nil
}

// buildTable applies config overrides on top of the built-in lanes.
// Unknown names become new lanes and must carry a rank of their own.
func buildTable(sc config.SchedulerConfig) (*lane.LaneTable, error) {
	defaults := lane.DefaultLaneConfigs()
	byName := make(map[string]int, len(defaults))
	for i, lc := range defaults {
		byName[lc.Name] = i
	}

	for _, o := range sc.Lanes {
		var lc lane.LaneConfig
		if i, ok := byName[o.Name]; ok {
			lc = defaults[i]
		} else {
			lc = lane.LaneConfig{Name: o.Name, Rank: o.Rank, MinConcurrency: 1, MaxConcurrency: 1}
		}
		if o.Rank > 0 {
			lc.Rank = o.Rank
		}
		if o.MinConcurrency > 0 {
			lc.MinConcurrency = o.MinConcurrency
		}
		if o.MaxConcurrency > 0 {
			lc.MaxConcurrency = o.MaxConcurrency
		}
		if o.TimeoutSeconds > 0 {
			lc.Timeout = time.Duration(o.TimeoutSeconds) * time.Second
		}
		if o.MaxRetries > 0 {
			lc.Retry = lane.ExponentialRetry(o.MaxRetries)
		}
		if o.RatePerMinute > 0 {
			lc.RateLimit = lane.PerMinute(o.RatePerMinute)
		}
		if o.BoostAfterSecs > 0 {
			lc.Boost = lane.BoostAfter(time.Duration(o.BoostAfterSecs) * time.Second)
		}
		if i, ok := byName[o.Name]; ok {
			defaults[i] = lc
		} else {
			byName[o.Name] = len(defaults)
			defaults = append(defaults, lc)
		}
	}

	return lane.NewLaneTable(defaults...)
}

func demoWorkload() []partition.Op {
	mk := func(kind, name string, delay time.Duration) partition.Op {
		return partition.Op{
			Kind: kind,
			Command: lane.CommandFuncWithPayload(kind, map[string]interface{}{"name": name},
				func(ctx context.Context) (interface{}, error) {
					select {
					case <-time.After(delay):
						return name + " done", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}),
		}
	}
	return []partition.Op{
		mk("read", "read config", 10*time.Millisecond),
		mk("grep", "scan sources", 20*time.Millisecond),
		mk("bash", "step one", 30*time.Millisecond),
		mk("bash", "step two", 30*time.Millisecond),
		mk("read", "read manifest", 10*time.Millisecond),
		mk("generate", "summarize", 50*time.Millisecond),
		mk("write", "apply patch", 30*time.Millisecond),
	}
}
