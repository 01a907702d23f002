package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
)

func newFluxServer(t *testing.T, status string, result map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/flux-pro-1.1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if body["prompt"] == "" {
			t.Error("submit body carried no prompt")
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "job-123"})
	})
	mux.HandleFunc("/v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "job-123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		payload := map[string]any{"status": status}
		for k, v := range result {
			payload[k] = v
		}
		json.NewEncoder(w).Encode(payload)
	})
	return httptest.NewServer(mux)
}

func TestFlux_SubmitAndFetch(t *testing.T) {
	srv := newFluxServer(t, "Ready", map[string]any{
		"result": map[string]any{"sample": "https://cdn.example/out.png"},
	})
	defer srv.Close()

	flux := NewFlux(NewCaller(DefaultCallerConfig()), "test-key", srv.URL, time.Second, 10)
	ctx := context.Background()

	sub, err := flux.Submit(ctx, &Request{Prompt: "a red fox", Kind: KindImage})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Result != nil || sub.Handle == nil {
		t.Fatalf("expected an async handle, got %+v", sub)
	}
	if sub.Handle.JobID != "job-123" || sub.Handle.Provider != "flux" {
		t.Fatalf("unexpected handle: %+v", sub.Handle)
	}

	status, err := flux.FetchStatus(ctx, sub.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if status.Kind != StatusDone || status.URL != "https://cdn.example/out.png" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestFlux_InterpretStatuses(t *testing.T) {
	flux := NewFlux(NewCaller(DefaultCallerConfig()), "test-key", "http://unused", time.Second, 10)

	cases := []struct {
		name     string
		resp     map[string]any
		wantKind StatusKind
		wantCode apierr.Code
	}{
		{"pending", map[string]any{"status": "Pending"}, StatusPending, ""},
		{"accepted", map[string]any{"status": "Request Accepted"}, StatusPending, ""},
		{"expired", map[string]any{"status": "Task not found"}, StatusExpired, apierr.CodeProviderFailed},
		{
			"moderated",
			map[string]any{"status": "Content Moderated", "details": "prompt rejected"},
			StatusFailed, apierr.CodeContentBlocked,
		},
		{
			"generic failure",
			map[string]any{"status": "Error", "details": "gpu exploded"},
			StatusFailed, apierr.CodeProviderFailed,
		},
		{
			"ready without a URL",
			map[string]any{"status": "Ready", "result": map[string]any{"id": "x"}},
			StatusFailed, apierr.CodeProviderFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := flux.interpret(tc.resp)
			if status.Kind != tc.wantKind || status.Code != tc.wantCode {
				t.Fatalf("got %+v", status)
			}
		})
	}
}

func TestFlux_MissingAPIKey(t *testing.T) {
	flux := NewFlux(NewCaller(DefaultCallerConfig()), "", "http://unused", time.Second, 10)
	var apiErr *apierr.APIError
	_, err := flux.Submit(context.Background(), &Request{Prompt: "x"})
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeMissingAPIKey {
		t.Fatalf("expected MISSING_API_KEY, got %v", err)
	}
}

func TestFlux_UpstreamErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "invalid prompt"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	flux := NewFlux(NewCaller(DefaultCallerConfig()), "test-key", srv.URL, time.Second, 10)
	_, err := flux.Submit(context.Background(), &Request{Prompt: "x"})
	var apiErr *apierr.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeUpstreamHTTPError {
		t.Fatalf("expected UPSTREAM_HTTP_ERROR, got %v", err)
	}
	if apierr.UpstreamStatus(err) != http.StatusBadRequest {
		t.Fatalf("upstream status lost: %+v", apiErr)
	}
}
