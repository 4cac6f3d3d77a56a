package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/register"
	"github.com/cwbudde/meansquares/internal/store"
)

// runJob executes a registration job. With a non-nil store it writes the
// iteration trace, periodic checkpoints (when CheckpointInterval > 0), a final
// checkpoint and the resampled/diff artifacts.
func runJob(ctx context.Context, jm *JobManager, st store.Store, base *config.Config, jobID string) error {
	job, ok := jm.GetJob(jobID)
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	resumed := len(job.InitialParams) > 0
	startIteration := job.Iteration

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", jobID, "fixed", job.Config.FixedPath, "moving", job.Config.MovingPath, "resumed", resumed)

	cfg, err := jobToConfig(base, job.Config, job.InitialParams)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	in, err := register.LoadInputs(job.Config.FixedPath, job.Config.MovingPath, job.Config.FixedMaskPath, job.Config.MovingMaskPath)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	jm.UpdateJob(jobID, func(j *Job) { j.Dimension = in.Fixed.Dimension() })

	var trace *store.TraceWriter
	if st != nil {
		trace, err = st.OpenTrace(jobID, resumed)
		if err != nil {
			slog.Warn("Trace disabled", "job_id", jobID, "error", err)
		} else {
			defer trace.Close()
		}
	}

	progress := func(p register.Progress) {
		iteration := startIteration + p.Iteration + 1
		jm.UpdateJob(jobID, func(j *Job) {
			j.Iteration = iteration
			j.GradientNorm = p.GradientNorm
			if !resumed && j.InitialValue == 0 && p.Iteration == 0 {
				j.InitialValue = p.Value
			}
			if len(j.BestParams) == 0 || p.Value < j.BestValue {
				j.BestValue = p.Value
				j.BestParams = slices.Clone(p.Params)
			}
		})
		if trace != nil {
			if err := trace.Write(store.TraceEntry{
				Iteration:    iteration,
				Value:        p.Value,
				GradientNorm: p.GradientNorm,
				Timestamp:    time.Now(),
				Params:       p.Params,
			}); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
			}
		}
	}

	done := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, done)
	if st != nil && job.Config.CheckpointInterval > 0 {
		go monitorCheckpoints(ctx, jm, st, jobID, time.Duration(job.Config.CheckpointInterval)*time.Second, done)
	}

	res, err := register.Run(ctx, cfg, in, progress)
	close(done)

	if ctx.Err() != nil {
		markJobCancelled(jm, jobID)
		if st != nil {
			if err := saveCheckpoint(jm, st, jobID); err != nil {
				slog.Warn("Failed to checkpoint cancelled job", "job_id", jobID, "error", err)
			}
		}
		broadcastState(jm, jobID)
		return ctx.Err()
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		broadcastState(jm, jobID)
		return err
	}

	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		if len(j.BestParams) == 0 || res.FinalValue <= j.BestValue {
			j.BestParams = slices.Clone(res.Params)
			j.BestValue = res.FinalValue
		}
		if !resumed {
			j.InitialValue = res.InitialValue
		}
		j.Converged = res.Converged
		j.EndTime = &endTime
	})

	if st != nil {
		if err := saveCheckpoint(jm, st, jobID); err != nil {
			slog.Error("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
		final, _ := jm.GetJob(jobID)
		if err := saveArtifacts(st, cfg, in, jobID, final.BestParams); err != nil {
			slog.Warn("Failed to save job artifacts", "job_id", jobID, "error", err)
		}
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", res.Duration,
		"initial_value", res.InitialValue,
		"final_value", res.FinalValue,
		"iterations", res.Iterations,
	)
	broadcastState(jm, jobID)
	return nil
}

func eventFor(job *Job) ProgressEvent {
	return ProgressEvent{
		JobID:        job.ID,
		State:        job.State,
		Iteration:    job.Iteration,
		BestValue:    job.BestValue,
		GradientNorm: job.GradientNorm,
		Elapsed:      job.Elapsed().Seconds(),
		Timestamp:    time.Now(),
	}
}

func broadcastState(jm *JobManager, jobID string) {
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(eventFor(job))
	}
}

// monitorProgress broadcasts the job state twice per second until done.
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			broadcastState(jm, jobID)
		}
	}
}

// monitorCheckpoints saves a checkpoint every interval until done.
func monitorCheckpoints(ctx context.Context, jm *JobManager, st store.Store, jobID string, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(jm, st, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

var errNoProgress = errors.New("no parameters to checkpoint yet")

// saveCheckpoint persists the job's best parameters.
func saveCheckpoint(jm *JobManager, st store.Store, jobID string) error {
	job, ok := jm.GetJob(jobID)
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if len(job.BestParams) == 0 {
		slog.Debug("Skipping checkpoint, no best params yet", "job_id", jobID)
		return errNoProgress
	}

	cp := store.NewCheckpoint(jobID, job.Dimension, job.BestParams, job.BestValue, job.InitialValue, job.Iteration, job.Config)
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := st.SaveCheckpoint(jobID, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved", "job_id", jobID, "iteration", job.Iteration, "best_value", job.BestValue)
	return nil
}

func saveArtifacts(st store.Store, cfg *config.Config, in register.Inputs, jobID string, params []float64) error {
	resampled, diff, err := renderResult(cfg, in, params)
	if err != nil {
		return err
	}
	if err := st.SaveImage(jobID, "resampled", resampled); err != nil {
		return err
	}
	return st.SaveImage(jobID, "diff", diff)
}

func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}
