package main

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/server"
	"github.com/cwbudde/meansquares/internal/store"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeBlob(t *testing.T, path string, cx, cy float64) {
	t.Helper()
	img, err := imaging.NewImage(32, 32)
	if err != nil {
		t.Fatal(err)
	}
	img.LargestRegion().ForEach(func(idx []int) {
		dx := float64(idx[0]) - cx
		dy := float64(idx[1]) - cy
		img.Set(100*math.Exp(-(dx*dx+dy*dy)/32), idx...)
	})
	if err := imaging.SavePNG(path, img); err != nil {
		t.Fatal(err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "meansquares version "+version) {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")

	if _, err := runCLI(t, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("Written file does not load: %v", err)
	}
	if cfg.Optimizer.Name != config.DefaultConfig().Optimizer.Name {
		t.Errorf("Expected default optimizer, got %s", cfg.Optimizer.Name)
	}

	if _, err := runCLI(t, "config", "init", path); err == nil {
		t.Error("Expected error when the file exists")
	}

	out, err := runCLI(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "optimizer:") || !strings.Contains(out, "name: gradient") {
		t.Errorf("Unexpected config output:\n%s", out)
	}
}

func TestEvaluateCommand(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "blob.png")
	writeBlob(t, img, 16, 16)

	out, err := runCLI(t, "evaluate", "--fixed", img, "--moving", img, "--params", "0,0", "--json")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	var ev evaluation
	if err := json.Unmarshal([]byte(out), &ev); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, out)
	}
	if ev.Value > 1e-9 {
		t.Errorf("Identical images should give 0, got %g", ev.Value)
	}
	if len(ev.Derivative) != 2 {
		t.Errorf("Expected 2 derivative components, got %v", ev.Derivative)
	}
	if ev.Candidates != 32*32 || ev.Accepted != 32*32 {
		t.Errorf("Expected every pixel accepted, got %d of %d", ev.Accepted, ev.Candidates)
	}
}

func TestRegisterAndResume(t *testing.T) {
	dir := t.TempDir()
	fixed := filepath.Join(dir, "fixed.png")
	moving := filepath.Join(dir, "moving.png")
	writeBlob(t, fixed, 16, 16)
	writeBlob(t, moving, 17, 17)
	outDir := filepath.Join(dir, "out")
	dataDir := filepath.Join(dir, "data")

	out, err := runCLI(t, "register",
		"--fixed", fixed, "--moving", moving,
		"--optimizer", "mayfly", "--iters", "5",
		"--out", outDir, "--data-dir", dataDir, "--job-id", "cli-job")
	if err != nil {
		t.Fatalf("register failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Checkpoint: cli-job") {
		t.Errorf("Unexpected output %q", out)
	}
	for _, name := range []string{"resampled.png", "diff.png"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("Missing output %s: %v", name, err)
		}
	}

	st, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := st.LoadCheckpoint("cli-job")
	if err != nil {
		t.Fatalf("Checkpoint not saved: %v", err)
	}
	if cp.Iteration != 5 || cp.Config.Optimizer != "mayfly" || len(cp.BestParams) != 2 {
		t.Errorf("Unexpected checkpoint %+v", cp)
	}
	trace, err := st.ReadTrace("cli-job")
	if err != nil || len(trace) == 0 {
		t.Fatalf("Expected trace entries, got %d (%v)", len(trace), err)
	}

	if out, err := runCLI(t, "resume", "cli-job", "--data-dir", dataDir, "--iters", "3"); err != nil {
		t.Fatalf("resume failed: %v\n%s", err, out)
	}
	resumed, err := st.LoadCheckpoint("cli-job")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Iteration != 8 {
		t.Errorf("Expected iteration 8 after resume, got %d", resumed.Iteration)
	}
	if resumed.InitialValue != cp.InitialValue {
		t.Errorf("Resume changed the initial value: %g -> %g", cp.InitialValue, resumed.InitialValue)
	}
	more, err := st.ReadTrace("cli-job")
	if err != nil || len(more) < len(trace) {
		t.Errorf("Resume should append to the trace, got %d entries (%v)", len(more), err)
	}
}

func TestRegisterCommand_InvalidOptimizer(t *testing.T) {
	if _, err := runCLI(t, "register", "--fixed", "a.png", "--moving", "b.png", "--optimizer", "simplex"); err == nil {
		t.Error("Expected error for unknown optimizer")
	}
}

func TestStatusCommand(t *testing.T) {
	srv := server.NewServer(":0", nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out, err := runCLI(t, "status", "--server", ts.URL)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No jobs found") {
		t.Errorf("Unexpected output %q", out)
	}

	if _, err := runCLI(t, "status", "--server", ts.URL, "missing"); err == nil {
		t.Error("Expected error for unknown job")
	}
}
