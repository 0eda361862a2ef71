package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Batches != 0 || body.Jobs != 0 {
		t.Errorf("batches = %d, jobs = %d, want 0", body.Batches, body.Jobs)
	}
	if body.MaxConcurrency != 2 {
		t.Errorf("max_concurrency = %d, want 2", body.MaxConcurrency)
	}
	if body.Cache == "" {
		t.Error("cache location is empty")
	}
}
