package watch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"fleet-execution-manager/internal/models"
	"fleet-execution-manager/internal/orchestrator"
)

func sampleStatus(batchStatus string) orchestrator.BatchStatus {
	return orchestrator.BatchStatus{
		Batch: models.BatchRecord{
			ID:     "b1",
			Type:   models.TypeCommand,
			Action: "uptime",
			Status: batchStatus,
			UserID: "ops",
			Stats:  models.BatchStats{Total: 3, Running: 1, Success: 1, Failed: 1},
		},
		Progress: 67,
		Executions: []orchestrator.ExecutionStatusItem{
			{
				Execution: models.ExecutionRecord{ID: "e1", Status: models.StatusSuccess},
				NodeID:    "web-1",
				NodeName:  "Web Server 1",
				Result:    &models.ExecutionResult{NodeID: "web-1", DurationMs: 42},
			},
			{
				Execution: models.ExecutionRecord{ID: "e2", Status: models.StatusFailed, Error: "exit 1"},
				NodeID:    "web-2",
				NodeName:  "Web Server 2",
			},
			{
				Execution: models.ExecutionRecord{ID: "e3", Status: models.StatusRunning},
				NodeID:    "db-1",
			},
		},
	}
}

func TestClientBatchStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/batches/b1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"batch":{"id":"b1","status":"running","stats":{"total":2}},"progress":50,"executions":[]}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL+"/", 0)
	status, err := client.BatchStatus(context.Background(), "b1")
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if status.Batch.ID != "b1" || status.Progress != 50 || status.Batch.Stats.Total != 2 {
		t.Fatalf("status = %+v", status)
	}

	if _, err := client.BatchStatus(context.Background(), "missing"); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("missing batch error = %v, want the id named", err)
	}
}

func TestModelKeepsPollingWhileRunning(t *testing.T) {
	m := NewModel(NewClient("http://localhost:0", 0), "b1", 50*time.Millisecond)

	next, cmd := m.Update(statusMsg{status: sampleStatus(models.BatchStatusRunning)})
	model := next.(Model)
	if !model.loaded || model.done {
		t.Fatalf("model = loaded:%v done:%v, want loaded and still polling", model.loaded, model.done)
	}
	if cmd == nil {
		t.Fatalf("a running batch must schedule the next poll")
	}
}

func TestModelStopsOnTerminalBatch(t *testing.T) {
	m := NewModel(NewClient("http://localhost:0", 0), "b1", 50*time.Millisecond)

	next, cmd := m.Update(statusMsg{status: sampleStatus(models.BatchStatusCancelled)})
	model := next.(Model)
	if !model.done {
		t.Fatalf("terminal batch must stop polling")
	}
	if cmd != nil {
		t.Fatalf("no further poll may be scheduled after completion")
	}

	view := model.View()
	for _, want := range []string{"Batch b1", "CANCELLED", "Web Server 1", "Web Server 2", "db-1", "exit 1", "42ms", "67%"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelRetriesAfterFetchError(t *testing.T) {
	m := NewModel(NewClient("http://localhost:0", 0), "b1", 50*time.Millisecond)

	next, cmd := m.Update(statusMsg{err: context.DeadlineExceeded})
	model := next.(Model)
	if model.loaded {
		t.Fatalf("a failed first fetch must not mark the model loaded")
	}
	if cmd == nil {
		t.Fatalf("fetch errors must schedule a retry")
	}
	if view := model.View(); !strings.Contains(view, context.DeadlineExceeded.Error()) {
		t.Fatalf("view should surface the fetch error:\n%s", view)
	}
}

func TestModelQuitsOnKey(t *testing.T) {
	m := NewModel(NewClient("http://localhost:0", 0), "b1", time.Second)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("q must quit")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("cmd = %v, want tea.Quit", msg)
	}
}
