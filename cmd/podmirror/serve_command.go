package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/api"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/scheduler"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var withSchedule bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the feed, ledger views and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.ensureLogger()
			defer ctx.close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := ctx.setupTracing(cfg); err != nil {
				return err
			}
			store, err := ctx.buildStore(runCtx, cfg)
			if err != nil {
				return err
			}

			// Manual runs need every stage configured; without that the
			// server stays read-only.
			var runner api.RunTrigger
			var sched *scheduler.Scheduler
			if err := validateAll(cfg); err != nil {
				logger.WarnWithErr("Pipeline not fully configured, manual runs disabled", err)
			} else {
				spec := ""
				if withSchedule {
					spec = cfg.Schedule.Cron
				}
				sched, err = newPipelineScheduler(runCtx, ctx, cfg, spec)
				if err != nil {
					return err
				}
				runner = sched
				sched.Start()
			}

			mon := ctx.buildMonitor(cfg, store)
			mon.Start(runCtx)

			server := api.New(api.Config{
				Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				FeedPath:        cfg.Feed.OutputPath,
				JWTSecret:       cfg.Server.JWTSecret,
				RateLimitRPS:    cfg.Server.RateLimitRPS,
				RateLimitBurst:  cfg.Server.RateLimitBurst,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, store, runner, logger, api.WithMonitor(mon))

			serveErr := server.Start(runCtx)
			if sched != nil {
				stopScheduler(sched, cfg.Server.ShutdownTimeout, logger)
			}
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&withSchedule, "schedule", false, "Also run the pipeline on schedule.cron")
	return cmd
}

func newScheduleCommand(ctx *commandContext) *cobra.Command {
	var runNow bool
	var serveMetrics bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Schedule.Cron == "" {
				return fmt.Errorf("%w: missing required fields: schedule.cron", config.ErrInvalidConfig)
			}
			if err := validateAll(cfg); err != nil {
				return err
			}
			logger := ctx.ensureLogger()
			defer ctx.close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := ctx.setupTracing(cfg); err != nil {
				return err
			}
			sched, err := newPipelineScheduler(runCtx, ctx, cfg, cfg.Schedule.Cron)
			if err != nil {
				return err
			}

			if serveMetrics && cfg.Metrics.Addr != "" {
				store, err := ctx.buildStore(runCtx, cfg)
				if err != nil {
					return err
				}
				ctx.buildMonitor(cfg, store).Start(runCtx)

				ms := metrics.NewServer(cfg.Metrics.Addr, logger)
				go func() {
					if err := ms.Start(); err != nil {
						logger.ErrorWithErr("Metrics server stopped", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := ms.Shutdown(shutdownCtx); err != nil {
						logger.WarnWithErr("Failed to stop metrics server", err)
					}
				}()
			}

			sched.Start()
			if runNow {
				sched.TriggerAsync()
			}

			<-runCtx.Done()
			stopScheduler(sched, cfg.Server.ShutdownTimeout, logger)
			return nil
		},
	}

	cmd.Flags().BoolVar(&runNow, "now", false, "Start a run immediately instead of waiting for the first tick")
	cmd.Flags().BoolVar(&serveMetrics, "metrics", true, "Expose /metrics on metrics.addr")
	return cmd
}

// newPipelineScheduler wires a full pipeline run behind a scheduler. When the
// redis cache is enabled it also guards runs across hosts.
func newPipelineScheduler(buildCtx context.Context, ctx *commandContext, cfg *config.Config, spec string) (*scheduler.Scheduler, error) {
	logger := ctx.ensureLogger()

	p, err := ctx.buildPipeline(buildCtx, cfg, allStages)
	if err != nil {
		return nil, err
	}

	run := func(runCtx context.Context) error {
		_, err := p.Run(runCtx)
		if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			logger.WarnWithErr("Failed to write metrics textfile", werr)
		}
		return err
	}

	var opts []scheduler.Option
	rc, err := ctx.ensureCache(cfg)
	if err != nil {
		logger.WarnWithErr("Redis unavailable, runs are only guarded on this host", err)
	} else if rc != nil {
		opts = append(opts, scheduler.WithLocker(rc, 6*time.Hour))
	}

	return scheduler.New(spec, run, logger, opts...)
}

func stopScheduler(sched *scheduler.Scheduler, timeout time.Duration, logger *logging.Logger) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.WarnWithErr("Scheduler did not stop in time", err)
	}
}
