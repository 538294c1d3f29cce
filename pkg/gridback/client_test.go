package gridback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gridback/internal/domain"
	"gridback/internal/httpapi"
)

func TestRunBacktest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/backtest" {
			t.Errorf("request = %s %s, want POST /api/backtest", r.Method, r.URL.Path)
		}
		var req httpapi.BacktestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Config.SignalsSource != "signals.csv" {
			t.Errorf("source = %q, want signals.csv", req.Config.SignalsSource)
		}
		json.NewEncoder(w).Encode(httpapi.BacktestResponse{FromCache: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.RunBacktest(context.Background(), domain.BacktestConfig{SignalsSource: "signals.csv"}, 0)
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if !resp.FromCache {
		t.Error("response not decoded")
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "signalsSource required"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.RunBacktest(context.Background(), domain.BacktestConfig{}, 0)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "signalsSource required" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestWaitJobPollsUntilTerminal(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/j1" {
			t.Errorf("path = %s, want /api/jobs/j1", r.URL.Path)
		}
		polls++
		status := domain.JobRunning
		if polls >= 3 {
			status = domain.JobCompleted
		}
		json.NewEncoder(w).Encode(httpapi.JobResponse{ID: "j1", Status: status})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	job, err := c.WaitJob(context.Background(), "j1", time.Millisecond)
	if err != nil {
		t.Fatalf("WaitJob: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want COMPLETED", job.Status)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestWaitJobHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(httpapi.JobResponse{ID: "j1", Status: domain.JobRunning})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL)
	if _, err := c.WaitJob(ctx, "j1", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestSignalsInfoEscapesSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("source"); got != "my signals.csv" {
			t.Errorf("source = %q, want %q", got, "my signals.csv")
		}
		json.NewEncoder(w).Encode(map[string]any{"count": 2})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	info, err := c.SignalsInfo(context.Background(), "my signals.csv")
	if err != nil {
		t.Fatalf("SignalsInfo: %v", err)
	}
	if info.Count != 2 {
		t.Errorf("count = %d, want 2", info.Count)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
