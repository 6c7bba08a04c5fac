package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitTask_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v1/generations" {
			t.Fatalf("path = %s, want /api/v1/generations", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if req["kind"] != "image" || req["prompt"] != "a cat" || req["client_ref"] != "task-1" {
			t.Fatalf("unexpected request: %v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SubmitResponse{TaskID: "prov-1"})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := client.SubmitTask(ctx, "image", "a cat", "task-1")
	if err != nil {
		t.Fatalf("SubmitTask error: %v", err)
	}
	if id != "prov-1" {
		t.Fatalf("task id = %q, want prov-1", id)
	}
}

func TestSubmitTask_EmptyTaskID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.SubmitTask(ctx, "image", "a cat", "task-1"); err == nil {
		t.Fatalf("expected error for empty task_id")
	}
}

func TestGetTaskResult_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/generations/prov-1" {
			t.Fatalf("path = %s, want /api/v1/generations/prov-1", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TaskResult{
			TaskID:    "prov-1",
			Status:    StatusSucceeded,
			ResultURL: "https://cdn.example.com/img.png",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetTaskResult(ctx, "prov-1")
	if err != nil {
		t.Fatalf("GetTaskResult error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if res == nil || res.Status != StatusSucceeded || res.ResultURL == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGetTaskResult_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetTaskResult(ctx, "prov-1")
	if err != nil {
		t.Fatalf("GetTaskResult error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 7*time.Second {
		t.Fatalf("retryAfter = %v, want at least 7s", retry)
	}
}

func TestGetTaskResult_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetTaskResult(ctx, "prov-missing")
	if err != nil {
		t.Fatalf("GetTaskResult error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for 404, got %+v", res)
	}
	if code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", code, http.StatusNotFound)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
}
