package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/meansquares/internal/server"
	"github.com/spf13/cobra"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the GET /api/v1/jobs/{id} response.
type jobStatus struct {
	server.Job
	Elapsed float64 `json:"elapsed"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	if len(args) == 0 {
		var jobs []server.Job
		if err := getJSON(client, serverURL+"/api/v1/jobs", &jobs); err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	}

	var status jobStatus
	if err := getJSON(client, serverURL+"/api/v1/jobs/"+url.PathEscape(args[0]), &status); err != nil {
		return err
	}
	printJobStatus(cmd.OutOrStdout(), status)
	return nil
}

func getJSON(client *http.Client, u string, v any) error {
	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", u)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printJobs(out io.Writer, jobs []server.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATE\tTRANSFORM\tOPTIMIZER\tITERATION\tVALUE")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.6g -> %.6g\n",
			shortID(job.ID), job.State, job.Config.Transform, job.Config.Optimizer,
			job.Iteration, job.InitialValue, job.BestValue)
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal jobs: %d\n", len(jobs))
}

func printJobStatus(out io.Writer, s jobStatus) {
	fmt.Fprintf(out, "Job: %s\n", s.ID)
	fmt.Fprintf(out, "State: %s\n\n", s.State)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Fixed: %s\n", s.Config.FixedPath)
	fmt.Fprintf(out, "  Moving: %s\n", s.Config.MovingPath)
	fmt.Fprintf(out, "  Transform: %s\n", s.Config.Transform)
	fmt.Fprintf(out, "  Optimizer: %s (%d iterations)\n", s.Config.Optimizer, s.Config.Iterations)
	if s.Config.UseAllPixels {
		fmt.Fprintln(out, "  Sampling: all pixels")
	} else {
		fmt.Fprintf(out, "  Sampling: %d random samples\n", s.Config.NumberOfSpatialSamples)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Progress:")
	fmt.Fprintf(out, "  Iteration: %d\n", s.Iteration)
	if s.InitialValue > 0 {
		fmt.Fprintf(out, "  Initial Value: %.6g\n", s.InitialValue)
	}
	if len(s.BestParams) > 0 {
		fmt.Fprintf(out, "  Best Value: %.6g\n", s.BestValue)
		if s.InitialValue > 0 {
			improvement := s.InitialValue - s.BestValue
			fmt.Fprintf(out, "  Improvement: %.6g (%.1f%%)\n", improvement, improvement/s.InitialValue*100)
		}
		fmt.Fprintf(out, "  Parameters: %v\n", s.BestParams)
	}
	elapsed := time.Duration(s.Elapsed * float64(time.Second))
	fmt.Fprintf(out, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if s.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", s.Error)
	}
}
