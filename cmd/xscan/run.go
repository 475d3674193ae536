package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jihwankim/xscan/pkg/config"
	"github.com/jihwankim/xscan/pkg/engine"
	"github.com/jihwankim/xscan/pkg/frameparse"
	"github.com/jihwankim/xscan/pkg/linklayer"
	"github.com/jihwankim/xscan/pkg/logging"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/modules"
	"github.com/jihwankim/xscan/pkg/modules/modopts"
	"github.com/jihwankim/xscan/pkg/output"
	"github.com/jihwankim/xscan/pkg/resume"
	"github.com/jihwankim/xscan/pkg/status"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Args:  cobra.NoArgs,
	Short: "Run a scan against the configured target space",
	Long:  `Loads a scan configuration, builds the target space, and drives the engine until the scan completes or is interrupted.`,
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().String("module", "", "scan module to run (overrides config)")
	scanCmd.Flags().String("output", "", "JSON-Lines output path (default stdout)")
	scanCmd.Flags().String("resume", "", "resume file path; read at startup if present, written periodically and on exit")
	scanCmd.Flags().Bool("metrics", false, "serve Prometheus metrics at status.metrics_addr")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if m, _ := cmd.Flags().GetString("module"); m != "" {
		cfg.Engine.Module = m
	}
	outputPath, _ := cmd.Flags().GetString("output")
	resumePath, _ := cmd.Flags().GetString("resume")
	wantMetrics, _ := cmd.Flags().GetBool("metrics")

	if cfg.Targets.Seed == 0 {
		cfg.Targets.Seed = randomSeed()
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := logging.Level(cfg.Logging.Level)
	if verbose {
		logLevel = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Level:  logLevel,
		Format: logging.Format(cfg.Logging.Format),
	})

	registry := modules.NewRegistry()
	module, err := registry.New(cfg.Engine.Module)
	if err != nil {
		return fmt.Errorf("scan module: %w (available: %s)", err, strings.Join(registry.Names(), ", "))
	}

	modCfg := moduleConfigMap(cfg)
	if err := module.Init(modCfg); err != nil {
		return fmt.Errorf("module %s init: %w", cfg.Engine.Module, err)
	}
	defer module.Close()

	opt, err := modopts.Parse(modCfg)
	if err != nil {
		return fmt.Errorf("module options: %w", err)
	}

	space, err := buildTargetSpace(cfg)
	if err != nil {
		return fmt.Errorf("target space: %w", err)
	}

	identity, err := buildIdentity(cfg, module)
	if err != nil {
		return fmt.Errorf("engine identity: %w", err)
	}

	startIndex := uint64(0)
	if resumePath != "" {
		if st, err := resume.Load(resumePath); err == nil {
			if st.Seed == cfg.Targets.Seed && st.ShardIndex == cfg.Targets.Shard.Index && st.ShardOf == cfg.Targets.Shard.Of {
				startIndex = st.Index
				log.Info("resuming scan", "index", startIndex)
			} else {
				log.Warn("resume file does not match this run's seed/shard, starting from zero")
			}
		}
	}

	outSink, err := buildOutputSink(outputPath)
	if err != nil {
		return fmt.Errorf("output sink: %w", err)
	}
	defer outSink.Close()

	loopback, err := linklayer.NewLoopback(cfg.Engine.DispatchBufCount)
	if err != nil {
		return fmt.Errorf("link layer: %w", err)
	}
	defer loopback.Close()

	eng, err := engine.New(
		cfg, module, space, identity,
		frameparse.Datalink(opt.Datalink),
		loopback, loopback, outSink,
		cfg.Targets.Seed, startIndex, log,
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	printer := status.NewPrinter(eng.Counters(), eng.Clock(), eng.SidecarFreePercent, eng.DispatchFreePercent)
	var metricsServer *http.Server
	if wantMetrics && cfg.Status.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", printer.EnableMetrics())
		metricsServer = &http.Server{Addr: cfg.Status.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err.Error())
			}
		}()
		defer metricsServer.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		stops := 0
		for range sig {
			stops++
			eng.RequestStop()
			if stops >= 2 {
				cancel()
			}
		}
	}()
	defer signal.Stop(sig)

	stopStatus := startStatusLoop(ctx, cfg, log, printer, eng.Clock())
	defer stopStatus()

	if resumePath != "" {
		stopCheckpoint := startResumeCheckpoint(ctx, cfg, eng, resumePath)
		defer stopCheckpoint()
	}

	runErr := eng.Run(ctx)

	if resumePath != "" {
		st := resume.State{
			Seed: cfg.Targets.Seed, Index: eng.Progress(),
			ShardIndex: cfg.Targets.Shard.Index, ShardOf: cfg.Targets.Shard.Of,
		}
		if err := resume.Save(resumePath, st); err != nil {
			log.Error("failed to save resume file", "error", err.Error())
		}
	}

	if runErr != nil {
		return fmt.Errorf("scan run: %w", runErr)
	}
	log.Info("scan complete")
	return nil
}

// startStatusLoop renders a status line at cfg.Status.PrintIntervalMS until
// the returned stop func is called.
func startStatusLoop(ctx context.Context, cfg *config.Config, log *logging.Logger, printer *status.Printer, clock *status.Clock) (stop func()) {
	interval := time.Duration(cfg.Status.PrintIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 333 * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				clock.Tick()
				printer.Publish()
				log.Info(printer.Line())
			}
		}
	}()
	return func() { close(done) }
}

// startResumeCheckpoint periodically writes eng's progress to path so an
// interrupted run can resume near where it left off even if the process is
// killed hard enough to skip the final Save in runScan.
func startResumeCheckpoint(ctx context.Context, cfg *config.Config, eng *engine.Engine, path string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				st := resume.State{
					Seed: cfg.Targets.Seed, Index: eng.Progress(),
					ShardIndex: cfg.Targets.Shard.Index, ShardOf: cfg.Targets.Shard.Of,
				}
				_ = resume.Save(path, st)
			}
		}
	}()
	return func() { close(done) }
}

func randomSeed() uint64 {
	return uint64(time.Now().UnixNano())
}
