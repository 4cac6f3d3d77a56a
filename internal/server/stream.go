package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is pushed to SSE clients.
type ProgressEvent struct {
	JobID        string    `json:"jobId"`
	State        JobState  `json:"state"`
	Iteration    int       `json:"iteration"`
	BestValue    float64   `json:"bestValue"`
	GradientNorm float64   `json:"gradientNorm,omitempty"`
	Elapsed      float64   `json:"elapsed"` // seconds
	Timestamp    time.Time `json:"timestamp"`
}

// EventBroadcaster fans job events out to SSE subscribers. New subscribers
// immediately receive the last event of their job.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]struct{}
	lastEvent map[string]ProgressEvent
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]struct{}),
		lastEvent: make(map[string]ProgressEvent),
	}
}

func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 10)
	if eb.clients[jobID] == nil {
		eb.clients[jobID] = make(map[chan ProgressEvent]struct{})
	}
	eb.clients[jobID][ch] = struct{}{}

	if last, ok := eb.lastEvent[jobID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "total_clients", len(eb.clients[jobID]))
	return ch
}

func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[jobID]
	if !ok {
		return
	}
	if _, ok := clients[ch]; ok {
		delete(clients, ch)
		close(ch)
	}
	if len(clients) == 0 {
		delete(eb.clients, jobID)
	}
}

// Broadcast never blocks: a client whose buffer is full misses the event.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.JobID] = event
	for ch := range eb.clients[event.JobID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "job_id", event.JobID)
		}
	}
}

// CleanupJob closes every subscriber of a job and forgets its last event.
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[jobID] {
		close(ch)
	}
	delete(eb.clients, jobID)
	delete(eb.lastEvent, jobID)
}

func isTerminal(s JobState) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// handleJobStream serves GET /api/v1/jobs/{id}/stream. The stream ends after
// a terminal event.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, ok := s.jobManager.GetJob(jobID)
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	if err := writeSSEEvent(w, eventFor(job)); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()
	if isTerminal(job.State) {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if isTerminal(event.State) {
				return
			}
		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes "data: {json}\n\n".
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
