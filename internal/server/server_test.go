package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/meansquares/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(":0", st, testBaseConfig())
	t.Cleanup(func() { s.cancel() })
	return s, st
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// waitForTerminal polls the job until it leaves the pending/running states.
func waitForTerminal(t *testing.T, s *Server, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := s.jobManager.GetJob(id)
		if ok && isTerminal(job.State) {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish in time", id)
	return nil
}

func TestServer_CreateJobValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		body any
	}{
		{"missing paths", JobConfig{Transform: "translation"}},
		{"unknown optimizer", JobConfig{FixedPath: "f.png", MovingPath: "m.png", Optimizer: "simplex"}},
		{"not an object", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h, "/api/v1/jobs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	if jobs := s.jobManager.ListJobs(); len(jobs) != 0 {
		t.Errorf("Rejected requests must not create jobs, got %d", len(jobs))
	}
}

func TestServer_JobLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	fixed, moving := testInputs(t)

	w := postJSON(t, h, "/api/v1/jobs", JobConfig{FixedPath: fixed, MovingPath: moving})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created Job
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Config.Optimizer != "mayfly" || created.Config.Transform != "translation" {
		t.Errorf("Defaults not applied: %+v", created.Config)
	}

	job := waitForTerminal(t, s, created.ID)
	if job.State != StateCompleted {
		t.Fatalf("Expected completed job, got %s (%s)", job.State, job.Error)
	}

	w = get(h, "/api/v1/jobs/"+created.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var status map[string]any
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["state"] != string(StateCompleted) {
		t.Errorf("Expected completed state in status, got %v", status["state"])
	}
	if _, ok := status["elapsed"]; !ok {
		t.Error("Status should include elapsed")
	}

	w = get(h, "/api/v1/jobs")
	var jobs []Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != created.ID {
		t.Errorf("Expected the created job in list, got %v", jobs)
	}

	for _, path := range []string{"/resampled.png", "/diff.png"} {
		w = get(h, "/api/v1/jobs/"+created.ID+path)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
			continue
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("%s: expected image/png, got %s", path, ct)
		}
		if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
			t.Errorf("%s: body is not a PNG", path)
		}
	}

	w = get(h, "/api/v1/jobs/"+created.ID+"/trace")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected trace status 200, got %d", w.Code)
	}
	var trace []store.TraceEntry
	if err := json.NewDecoder(w.Body).Decode(&trace); err != nil {
		t.Fatal(err)
	}
	if len(trace) == 0 {
		t.Error("Expected trace entries")
	}

	w = get(h, "/api/v1/checkpoints")
	var infos []store.CheckpointInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].JobID != created.ID {
		t.Errorf("Expected one checkpoint for the job, got %v", infos)
	}

	// A finished job cannot be cancelled.
	w = postJSON(t, h, "/api/v1/jobs/"+created.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestServer_StoredArtifactFallback(t *testing.T) {
	s, st := newTestServer(t)
	fixed, moving := testInputs(t)

	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{FixedPath: fixed, MovingPath: moving, Transform: "translation", Optimizer: "mayfly", Iterations: 5})
	if err := runJob(t.Context(), jm, st, testBaseConfig(), job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	// s has never seen the job, so the stored image must be served.
	w := get(s.Handler(), "/api/v1/jobs/"+job.ID+"/diff.png")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("Body is not a PNG")
	}
}

func TestServer_ResumeCheckpoint(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()
	fixed, moving := testInputs(t)

	cp := store.NewCheckpoint("resume-me", 2, []float64{0.5, 0.5}, 10, 50, 30, JobConfig{
		FixedPath: fixed, MovingPath: moving, Transform: "translation", Interpolator: "linear",
		Optimizer: "mayfly", Iterations: 5, UseAllPixels: true, Seed: 3,
	})
	if err := st.SaveCheckpoint(cp.JobID, cp); err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, h, "/api/v1/checkpoints/resume-me/resume", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	job := waitForTerminal(t, s, "resume-me")
	if job.State != StateCompleted {
		t.Fatalf("Expected completed job, got %s (%s)", job.State, job.Error)
	}
	if job.Iteration < 30 {
		t.Errorf("Iteration should continue from the checkpoint, got %d", job.Iteration)
	}
	if job.InitialValue != 50 {
		t.Errorf("Resumed job should keep the original initial value, got %g", job.InitialValue)
	}
	if job.BestValue > 10 {
		t.Errorf("Best value should not regress past the checkpoint, got %g", job.BestValue)
	}

	w = postJSON(t, h, "/api/v1/checkpoints/unknown/resume", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for _, path := range []string{
		"/api/v1/jobs/nonexistent",
		"/api/v1/jobs/nonexistent/stream",
		"/api/v1/jobs/nonexistent/trace",
		"/api/v1/jobs/nonexistent/resampled.png",
	} {
		if w := get(h, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
	if w := postJSON(t, h, "/api/v1/jobs/nonexistent/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for cancel, got %d", w.Code)
	}
}

func TestServer_NoStore(t *testing.T) {
	s := NewServer(":0", nil, nil)
	defer s.cancel()
	h := s.Handler()

	w := get(h, "/api/v1/checkpoints")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty checkpoint list, got %d %q", w.Code, w.Body.String())
	}
	if w := postJSON(t, h, "/api/v1/checkpoints/x/resume", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without store, got %d", w.Code)
	}
}

func TestServer_CORS(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestServer_StreamCompletedJob(t *testing.T) {
	s, _ := newTestServer(t)
	job := s.jobManager.CreateJob(JobConfig{})
	s.jobManager.UpdateJob(job.ID, func(j *Job) {
		j.State = StateCompleted
		j.Iteration = 12
	})

	w := get(s.Handler(), "/api/v1/jobs/"+job.ID+"/stream")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	body := w.Body.String()
	if strings.Count(body, "data: ") != 1 {
		t.Fatalf("Expected exactly one event, got %q", body)
	}
	var event ProgressEvent
	payload := strings.TrimSpace(strings.TrimPrefix(body, "data: "))
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.State != StateCompleted || event.Iteration != 12 {
		t.Errorf("Unexpected event %+v", event)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	eb.Broadcast(ProgressEvent{JobID: "a", Iteration: 1})
	ch := eb.Subscribe("a")
	select {
	case ev := <-ch:
		if ev.Iteration != 1 {
			t.Errorf("Expected last event replay, got %+v", ev)
		}
	default:
		t.Fatal("New subscriber should receive the last event")
	}

	// Overfill the buffer; Broadcast must not block.
	for i := 0; i < 50; i++ {
		eb.Broadcast(ProgressEvent{JobID: "a", Iteration: i})
	}
	if len(ch) != cap(ch) {
		t.Errorf("Expected full buffer, got %d/%d", len(ch), cap(ch))
	}

	eb.CleanupJob("a")
	for range ch {
	}
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after cleanup")
	}

	// Unsubscribe after cleanup is a no-op.
	eb.Unsubscribe("a", ch)

	fresh := eb.Subscribe("a")
	if len(fresh) != 0 {
		t.Error("Cleanup should drop the last event")
	}
	eb.Unsubscribe("a", fresh)
}
