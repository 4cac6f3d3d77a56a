package main

import (
	"fmt"
	"os"
	"os/signal"
	"slices"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/store"
	"github.com/spf13/cobra"
)

var (
	resumeDataDir string
	resumeIters   int
	resumeOutDir  string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a registration from its checkpoint",
	Long: `Restarts the optimizer from the best parameters of a stored checkpoint.
The iteration count and trace continue where the checkpoint left off.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Checkpoint store directory")
	resumeCmd.Flags().StringVar(&resumeOutDir, "out", "", "Also write resampled.png and diff.png here")
	resumeCmd.Flags().IntVar(&resumeIters, "iters", 0, "Iterations for this run (default: the job's setting)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	st, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	cp, err := st.LoadCheckpoint(jobID)
	if err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyJobConfig(cfg, cp.Config)
	cfg.Transform.Initial = slices.Clone(cp.BestParams)
	cfg.Output.Directory = resumeOutDir
	if resumeIters > 0 {
		cfg.Optimizer.Iterations = resumeIters
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	images := imageFlags{
		fixed:      cp.Config.FixedPath,
		moving:     cp.Config.MovingPath,
		fixedMask:  cp.Config.FixedMaskPath,
		movingMask: cp.Config.MovingMaskPath,
	}
	in, err := images.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	res, err := execute(ctx, cfg, in, session{
		store:     st,
		jobID:     jobID,
		jobConfig: cp.Config,
		previous:  cp,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s at iteration %d: %.6g -> %.6g\nParameters: %v\n",
		jobID, cp.Iteration, cp.BestValue, res.FinalValue, res.Params)
	return nil
}

// applyJobConfig overlays the settings a checkpoint was recorded with.
func applyJobConfig(cfg *config.Config, jc store.JobConfig) {
	cfg.Transform.Name = jc.Transform
	if jc.Interpolator != "" {
		cfg.Interpolator = jc.Interpolator
	}
	cfg.Optimizer.Name = jc.Optimizer
	cfg.Optimizer.Iterations = jc.Iterations
	cfg.Optimizer.Seed = jc.Seed
	cfg.Metric.UseAllPixels = jc.UseAllPixels
	if jc.NumberOfSpatialSamples > 0 {
		cfg.Metric.NumberOfSpatialSamples = jc.NumberOfSpatialSamples
	}
}
