package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/history"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/store"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedPath string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "training-history")

	rec := store.Record{
		RunID:     "osrun",
		Name:      "flux-lora",
		State:     "running",
		PID:       4242,
		ExitCode:  -1,
		StartedAt: time.Now().UTC(),
	}
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     rec,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", receivedMethod)
	}
	if receivedPath != "/training-history/_doc" {
		t.Fatalf("unexpected path %s", receivedPath)
	}

	var got map[string]any
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if got["type"] != string(history.EventStart) {
		t.Fatalf("event type wrong: %v", got["type"])
	}
	record, ok := got["record"].(map[string]any)
	if !ok {
		t.Fatalf("no record in event: %v", got)
	}
	if record["run_id"] != rec.RunID || record["name"] != rec.Name {
		t.Fatalf("record fields wrong: %v", record)
	}
	if record["pid"] != float64(rec.PID) {
		t.Fatalf("pid wrong: %v", record["pid"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "training-history")
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     store.Record{RunID: "x", Name: "flux-lora"},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenSearchSink_TrailingSlashTrimmed(t *testing.T) {
	var receivedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "runs")
	_ = sink.Send(context.Background(), history.Event{
		Type:       history.EventExit,
		OccurredAt: time.Now().UTC(),
		Record:     store.Record{RunID: "y", Name: "flux-lora"},
	})
	if receivedPath != "/runs/_doc" {
		t.Fatalf("trailing slash not trimmed, path %s", receivedPath)
	}
}
