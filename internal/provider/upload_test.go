package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nivara-ai/museflow/internal/apierr"
)

const tinyPNG = "data:image/png;base64,aGVsbG8gd29ybGQ="

func TestEnsureURL_PassesThroughHostedURLs(t *testing.T) {
	uploader := NewUploader(NewCaller(DefaultCallerConfig()), "")
	url, err := uploader.EnsureURL(context.Background(), "https://cdn.example/ref.png")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.example/ref.png" {
		t.Fatalf("hosted URL rewritten: %q", url)
	}
}

func TestEnsureURL_UploadsDataURIOnce(t *testing.T) {
	var uploads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := uploads.Add(1)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode upload body: %v", err)
		}
		if body["content_type"] != "image/png" {
			t.Errorf("content_type = %v", body["content_type"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"url": fmt.Sprintf("https://cdn.example/u/%d.png", n),
		})
	}))
	defer srv.Close()

	uploader := NewUploader(NewCaller(DefaultCallerConfig()), srv.URL)
	ctx := context.Background()

	first, err := uploader.EnsureURL(ctx, tinyPNG)
	if err != nil {
		t.Fatal(err)
	}
	if first != "https://cdn.example/u/1.png" {
		t.Fatalf("unexpected hosted URL: %q", first)
	}

	// Same bytes again: cache hit, no second POST
	second, err := uploader.EnsureURL(ctx, tinyPNG)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("cache miss: %q vs %q", second, first)
	}
	if uploads.Load() != 1 {
		t.Fatalf("expected one upload, got %d", uploads.Load())
	}

	// Different bytes upload separately
	other, err := uploader.EnsureURL(ctx, "data:image/png;base64,b3RoZXIgYnl0ZXM=")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Fatal("distinct content shared a hosted URL")
	}
	if uploads.Load() != 2 {
		t.Fatalf("expected two uploads, got %d", uploads.Load())
	}
}

func TestEnsureURL_Errors(t *testing.T) {
	uploader := NewUploader(NewCaller(DefaultCallerConfig()), "")

	var apiErr *apierr.APIError
	_, err := uploader.EnsureURL(context.Background(), "not a url at all")
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeValidation {
		t.Fatalf("expected VALIDATION for garbage ref, got %v", err)
	}

	_, err = uploader.EnsureURL(context.Background(), tinyPNG)
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeValidation {
		t.Fatalf("expected VALIDATION without an endpoint, got %v", err)
	}
}

func TestEnsureURL_BadUploadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	uploader := NewUploader(NewCaller(DefaultCallerConfig()), srv.URL)
	var apiErr *apierr.APIError
	_, err := uploader.EnsureURL(context.Background(), tinyPNG)
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeProviderFailed {
		t.Fatalf("expected PROVIDER_FAILED for URL-less response, got %v", err)
	}
}

func TestDecodeDataURI(t *testing.T) {
	contentType, data, err := decodeDataURI(tinyPNG)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "image/png" || string(data) != "hello world" {
		t.Fatalf("got %q %q", contentType, data)
	}

	contentType, data, err = decodeDataURI("data:,plain%20text")
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/octet-stream" || string(data) != "plain%20text" {
		t.Fatalf("got %q %q", contentType, data)
	}

	if _, _, err := decodeDataURI("data:image/png;base64"); err == nil {
		t.Fatal("comma-less data URI accepted")
	}
	if _, _, err := decodeDataURI("data:image/png;base64,!!!"); err == nil {
		t.Fatal("malformed base64 accepted")
	}
}
