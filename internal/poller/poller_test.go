package poller

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/provider"
)

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func TestPoll_ExhaustionReturnsProcessingTimeout(t *testing.T) {
	fetches := 0
	fetch := func(ctx context.Context) (*provider.Status, error) {
		fetches++
		return &provider.Status{Kind: provider.StatusPending}, nil
	}

	status, err := Poll(context.Background(), fetch, Config{
		Interval:    time.Second,
		MaxAttempts: 7,
		Sleep:       noSleep,
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fetches != 7 {
		t.Fatalf("expected exactly 7 fetches, got %d", fetches)
	}
	if status.Kind != provider.StatusExpired || status.Code != apierr.CodeProviderProcessingTimeout {
		t.Fatalf("unexpected status on exhaustion: %+v", status)
	}
}

func TestPoll_StopsOnTerminalStatus(t *testing.T) {
	terminal := []provider.StatusKind{
		provider.StatusDone,
		provider.StatusFailed,
		provider.StatusExpired,
	}
	for _, kind := range terminal {
		fetches := 0
		fetch := func(ctx context.Context) (*provider.Status, error) {
			fetches++
			if fetches < 3 {
				return &provider.Status{Kind: provider.StatusPending}, nil
			}
			return &provider.Status{Kind: kind, URL: "https://cdn.example/out.png"}, nil
		}

		status, err := Poll(context.Background(), fetch, Config{
			MaxAttempts: 100,
			Sleep:       noSleep,
		})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if fetches != 3 {
			t.Fatalf("%s: polled past terminal status, %d fetches", kind, fetches)
		}
		if status.Kind != kind {
			t.Fatalf("%s: got %+v", kind, status)
		}
	}
}

func TestPoll_TransportErrorsConsumeAttempts(t *testing.T) {
	fetches := 0
	fetch := func(ctx context.Context) (*provider.Status, error) {
		fetches++
		return nil, errors.New("connection reset")
	}

	status, err := Poll(context.Background(), fetch, Config{
		MaxAttempts: 4,
		Sleep:       noSleep,
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fetches != 4 {
		t.Fatalf("expected 4 fetches, got %d", fetches)
	}
	if status.Code != apierr.CodeProviderProcessingTimeout {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !strings.Contains(status.Message, "connection reset") {
		t.Fatalf("last error missing from message: %q", status.Message)
	}
}

func TestPoll_CancellationStopsTheLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetches := 0
	fetch := func(ctx context.Context) (*provider.Status, error) {
		fetches++
		if fetches == 2 {
			cancel()
		}
		return &provider.Status{Kind: provider.StatusPending}, nil
	}

	_, err := Poll(ctx, fetch, Config{MaxAttempts: 100, Sleep: noSleep})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fetches != 2 {
		t.Fatalf("polling continued after cancellation: %d fetches", fetches)
	}
}

func TestPoll_ZeroMaxAttemptsFetchesOnce(t *testing.T) {
	fetches := 0
	fetch := func(ctx context.Context) (*provider.Status, error) {
		fetches++
		return &provider.Status{Kind: provider.StatusPending}, nil
	}
	_, err := Poll(context.Background(), fetch, Config{Sleep: noSleep})
	if err != nil {
		t.Fatal(err)
	}
	if fetches != 1 {
		t.Fatalf("expected a single fetch, got %d", fetches)
	}
}
