package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/stationd/internal/history"
)

func TestSinkPostsDocument(t *testing.T) {
	var gotPath string
	var gotEvent history.RunEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotEvent); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(srv.URL, "test-runs")
	event := history.RunEvent{
		BatchID:     "b1",
		ExecutionID: "exec-1",
		Passed:      true,
		ElapsedS:    5,
		StepsTotal:  2,
		CompletedAt: time.Now().UTC(),
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if gotPath != "/test-runs/_doc" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotEvent.BatchID != "b1" || !gotEvent.Passed {
		t.Fatalf("unexpected document: %+v", gotEvent)
	}
}

func TestSinkSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := New(srv.URL, "test-runs")
	if err := sink.Send(context.Background(), history.RunEvent{BatchID: "b1"}); err == nil {
		t.Fatalf("expected error for 503 response")
	}
}
