package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/register"
	"github.com/cwbudde/meansquares/internal/store"
	"github.com/cwbudde/meansquares/internal/transform"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// imageFlags are shared by register and evaluate.
type imageFlags struct {
	fixed, moving         string
	fixedMask, movingMask string
}

func (f *imageFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.fixed, "fixed", "", "Fixed image path (required)")
	cmd.Flags().StringVar(&f.moving, "moving", "", "Moving image path (required)")
	cmd.Flags().StringVar(&f.fixedMask, "fixed-mask", "", "Fixed image mask (non-zero pixels are inside)")
	cmd.Flags().StringVar(&f.movingMask, "moving-mask", "", "Moving image mask (non-zero pixels are inside)")
	cmd.MarkFlagRequired("fixed")
	cmd.MarkFlagRequired("moving")
}

func (f *imageFlags) load() (register.Inputs, error) {
	return register.LoadInputs(f.fixed, f.moving, f.fixedMask, f.movingMask)
}

// metricFlags override the parameter file when set.
type metricFlags struct {
	transform    string
	interpolator string
	samples      int
	workers      int
}

func (f *metricFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.transform, "transform", "", "Transform: translation or affine")
	cmd.Flags().StringVar(&f.interpolator, "interpolator", "", "Interpolator: linear or nearest")
	cmd.Flags().IntVar(&f.samples, "samples", 0, "Random spatial samples per evaluation (0 = all pixels)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Metric worker goroutines (0 = GOMAXPROCS)")
}

func (f *metricFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("transform") {
		cfg.Transform.Name = f.transform
	}
	if cmd.Flags().Changed("interpolator") {
		cfg.Interpolator = f.interpolator
	}
	if cmd.Flags().Changed("samples") {
		cfg.Metric.UseAllPixels = f.samples <= 0
		if f.samples > 0 {
			cfg.Metric.NumberOfSpatialSamples = f.samples
		}
	}
	if cmd.Flags().Changed("workers") {
		cfg.Metric.Workers = f.workers
	}
}

var (
	regImages  imageFlags
	regMetric  metricFlags
	regOpt     string
	regIters   int
	regSeed    int64
	regOutDir  string
	regDataDir string
	regJobID   string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a moving image to a fixed image",
	Long: `Runs the optimizer on the mean-squares metric and writes the resampled
moving image and the difference image to the output directory. With
--data-dir the run also records a checkpoint and an iteration trace that
"resume" and "checkpoints" operate on.`,
	RunE: runRegister,
}

func init() {
	regImages.bind(registerCmd)
	regMetric.bind(registerCmd)
	registerCmd.Flags().StringVar(&regOpt, "optimizer", "", "Optimizer: gradient or mayfly")
	registerCmd.Flags().IntVar(&regIters, "iters", 0, "Max iterations")
	registerCmd.Flags().Int64Var(&regSeed, "seed", 0, "Random seed")
	registerCmd.Flags().StringVar(&regOutDir, "out", "", "Output directory for resampled.png and diff.png")
	registerCmd.Flags().StringVar(&regDataDir, "data-dir", "", "Checkpoint store directory (empty disables checkpoints)")
	registerCmd.Flags().StringVar(&regJobID, "job-id", "", "Job ID for the checkpoint (default: random UUID)")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	regMetric.apply(cmd, cfg)
	if cmd.Flags().Changed("optimizer") {
		cfg.Optimizer.Name = regOpt
	}
	if cmd.Flags().Changed("iters") {
		cfg.Optimizer.Iterations = regIters
	}
	if cmd.Flags().Changed("seed") {
		cfg.Optimizer.Seed = regSeed
	}
	if regOutDir != "" {
		cfg.Output.Directory = regOutDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Print(slog.Default())

	in, err := regImages.load()
	if err != nil {
		return err
	}

	var st *store.FSStore
	if regDataDir != "" {
		if st, err = store.NewFSStore(regDataDir); err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}
	jobID := regJobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	res, err := execute(ctx, cfg, in, session{
		store:     st,
		jobID:     jobID,
		jobConfig: jobConfigFor(cfg, regImages),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s to %s: %.6g -> %.6g after %d iterations\nParameters: %v\n",
		regImages.moving, regImages.fixed, res.InitialValue, res.FinalValue, res.Iterations, res.Params)
	if st != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint: %s\n", jobID)
	}
	return nil
}

// session describes where a CLI run is recorded. A nil store records nothing.
type session struct {
	store     *store.FSStore
	jobID     string
	jobConfig store.JobConfig

	// previous is the checkpoint being resumed, if any
	previous *store.Checkpoint
}

// execute runs a registration, writes the requested output images and, with a
// store, the trace and final checkpoint.
func execute(ctx context.Context, cfg *config.Config, in register.Inputs, s session) (*register.Result, error) {
	offset := 0
	initialValue := 0.0
	if s.previous != nil {
		offset = s.previous.Iteration
		initialValue = s.previous.InitialValue
	}

	var trace *store.TraceWriter
	if s.store != nil {
		var err error
		trace, err = s.store.OpenTrace(s.jobID, s.previous != nil)
		if err != nil {
			return nil, err
		}
		defer trace.Close()
	}

	progress := func(p register.Progress) {
		slog.Debug("Iteration", "iteration", offset+p.Iteration+1, "value", p.Value, "gradient_norm", p.GradientNorm)
		if trace == nil {
			return
		}
		if err := trace.Write(store.TraceEntry{
			Iteration:    offset + p.Iteration + 1,
			Value:        p.Value,
			GradientNorm: p.GradientNorm,
			Timestamp:    time.Now(),
			Params:       p.Params,
		}); err != nil {
			slog.Warn("Failed to write trace entry", "error", err)
		}
	}

	res, err := register.Run(ctx, cfg, in, progress)
	if err != nil {
		return nil, err
	}
	if s.previous == nil {
		initialValue = res.InitialValue
	}

	if err := writeOutputs(cfg, in, res.Transform, s); err != nil {
		return nil, err
	}

	if s.store != nil {
		cp := store.NewCheckpoint(s.jobID, in.Fixed.Dimension(), res.Params, res.FinalValue, initialValue, offset+res.Iterations, s.jobConfig)
		if err := cp.Validate(); err != nil {
			return nil, err
		}
		if err := s.store.SaveCheckpoint(s.jobID, cp); err != nil {
			return nil, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		slog.Info("Checkpoint saved", "job_id", s.jobID, "iteration", cp.Iteration, "best_value", cp.BestValue)
	}
	return res, nil
}

// writeOutputs saves resampled.png and diff.png to the output directory, if
// any, and next to the checkpoint when there is a store.
func writeOutputs(cfg *config.Config, in register.Inputs, tr transform.Transform, s session) error {
	if !cfg.Output.Resampled && !cfg.Output.Diff {
		return nil
	}
	resampled, err := register.Resample(in.Fixed, in.Moving, tr, cfg.ResampleInterpolator, 0)
	if err != nil {
		return err
	}
	images := map[string]*imaging.Image{}
	if cfg.Output.Resampled {
		images["resampled"] = resampled
	}
	if cfg.Output.Diff {
		diff, err := register.DiffImage(in.Fixed, resampled)
		if err != nil {
			return err
		}
		images["diff"] = diff
	}

	dir := cfg.Output.Directory
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	for name, img := range images {
		if dir != "" {
			path := filepath.Join(dir, name+".png")
			if err := imaging.SavePNG(path, img); err != nil {
				return err
			}
			slog.Info("Wrote image", "path", path)
		}
		if s.store != nil {
			if err := s.store.SaveImage(s.jobID, name, img); err != nil {
				return err
			}
		}
	}
	return nil
}

func jobConfigFor(cfg *config.Config, images imageFlags) store.JobConfig {
	return store.JobConfig{
		FixedPath:              images.fixed,
		MovingPath:             images.moving,
		FixedMaskPath:          images.fixedMask,
		MovingMaskPath:         images.movingMask,
		Transform:              cfg.Transform.Name,
		Interpolator:           cfg.Interpolator,
		Optimizer:              cfg.Optimizer.Name,
		Iterations:             cfg.Optimizer.Iterations,
		UseAllPixels:           cfg.Metric.UseAllPixels,
		NumberOfSpatialSamples: cfg.Metric.NumberOfSpatialSamples,
		Seed:                   cfg.Optimizer.Seed,
	}
}
