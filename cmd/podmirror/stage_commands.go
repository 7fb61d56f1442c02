package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/pipeline"
)

type stageCommand struct {
	use      string
	short    string
	stages   stageSet
	validate func(*config.Config) error
	run      func(*pipeline.Pipeline, context.Context) (pipeline.Summary, error)
}

func newStageCommands(ctx *commandContext) []*cobra.Command {
	specs := []stageCommand{
		{
			use:      "ingest",
			short:    "Download new playlist items and record them",
			stages:   stageSet{ingest: true},
			validate: (*config.Config).ValidateIngest,
			run:      (*pipeline.Pipeline).Ingest,
		},
		{
			use:      "publish",
			short:    "Upload ingested audio into release batches",
			stages:   stageSet{publish: true},
			validate: (*config.Config).ValidatePublish,
			run:      (*pipeline.Pipeline).Publish,
		},
		{
			use:      "feed",
			short:    "Render the podcast feed from published episodes",
			stages:   stageSet{feed: true},
			validate: (*config.Config).ValidateFeed,
			run:      (*pipeline.Pipeline).Feed,
		},
		{
			use:      "run",
			short:    "Ingest, publish and render the feed in one go",
			stages:   allStages,
			validate: validateAll,
			run:      (*pipeline.Pipeline).Run,
		},
	}

	cmds := make([]*cobra.Command, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		cmds = append(cmds, &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStage(cmd, ctx, spec)
			},
		})
	}
	return cmds
}

func validateAll(cfg *config.Config) error {
	for _, validate := range []func() error{cfg.ValidateIngest, cfg.ValidatePublish, cfg.ValidateFeed} {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func runStage(cmd *cobra.Command, ctx *commandContext, spec stageCommand) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	if err := spec.validate(cfg); err != nil {
		return err
	}
	logger := ctx.ensureLogger()
	defer ctx.close()

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctx.setupTracing(cfg); err != nil {
		return err
	}
	p, err := ctx.buildPipeline(runCtx, cfg, spec.stages)
	if err != nil {
		return err
	}

	sum, runErr := spec.run(p, runCtx)

	if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.WarnWithErr("Failed to write metrics textfile", err)
	}

	if ctx.jsonOutput() {
		if err := writeJSON(cmd, sum); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(sum))
	}
	return runErr
}
