package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/config"
	"github.com/nivara-ai/museflow/internal/store"
)

var testCosts = config.CostTable{
	"image_generate": 1,
	"video_generate": 5,
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	ser := store.NewSerializer(store.New(filepath.Join(t.TempDir(), "store.json")))
	return NewService(ser, testCosts, DefaultPlans)
}

// licensedUser redeems a fresh starter key (100 credits) for userID
func licensedUser(t *testing.T, svc *Service, userID string) {
	t.Helper()
	keys, err := svc.GenerateKeys(context.Background(), "starter", 1, "test")
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	if _, err := svc.RedeemLicense(context.Background(), userID, keys[0].Key); err != nil {
		t.Fatalf("RedeemLicense: %v", err)
	}
}

func TestChargeRefundCycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// No license, no credits
	_, err := svc.Charge(ctx, "u1", "image_generate", "op-1", "")
	if !errors.Is(err, apierr.ErrLicenseRequired) {
		t.Fatalf("expected LICENSE_REQUIRED, got %v", err)
	}

	licensedUser(t, svc, "u1")

	summary, err := svc.Summary(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Credits != 100 || !summary.Licensed {
		t.Fatalf("unexpected summary after redeem: %+v", summary)
	}

	charge, err := svc.Charge(ctx, "u1", "image_generate", "op-1", "")
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if charge.ChargedCredits != 1 || charge.RemainingCredits != 99 || charge.Duplicated {
		t.Fatalf("unexpected charge: %+v", charge)
	}

	refund, err := svc.Refund(ctx, "u1", charge.ChargeID, "provider failed")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.RefundedCredits != 1 || refund.RemainingCredits != 100 || refund.Duplicated {
		t.Fatalf("unexpected refund: %+v", refund)
	}

	balance, err := svc.Reconcile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100 {
		t.Fatalf("ledger disagrees with balance: %d", balance)
	}
}

func TestChargeInsufficientCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	licensedUser(t, svc, "u1")

	// Drain the starter plan's 100 credits with 20 video charges
	for i := 0; i < 20; i++ {
		if _, err := svc.Charge(ctx, "u1", "video_generate", "", ""); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}

	_, err := svc.Charge(ctx, "u1", "image_generate", "", "")
	if !errors.Is(err, apierr.ErrInsufficientCredits) {
		t.Fatalf("expected INSUFFICIENT_CREDITS, got %v", err)
	}
	// Failed charge must not touch the balance
	summary, err := svc.Summary(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Credits != 0 || summary.TotalSpent != 100 {
		t.Fatalf("balance moved on rejected charge: %+v", summary)
	}
}

func TestChargeUnknownAction(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Charge(context.Background(), "u1", "audio_generate", "", "")
	var apiErr *apierr.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeUnknownAction {
		t.Fatalf("expected UNKNOWN_ACTION, got %v", err)
	}
}

func TestChargeIdempotency(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	licensedUser(t, svc, "u1")

	first, err := svc.Charge(ctx, "u1", "image_generate", "op-7", "")
	if err != nil {
		t.Fatal(err)
	}
	repeat, err := svc.Charge(ctx, "u1", "image_generate", "op-7", "")
	if err != nil {
		t.Fatal(err)
	}
	if !repeat.Duplicated || repeat.ChargeID != first.ChargeID {
		t.Fatalf("retransmission charged again: first=%+v repeat=%+v", first, repeat)
	}
	if repeat.RemainingCredits != first.RemainingCredits {
		t.Fatalf("duplicate charge moved balance: %d vs %d",
			repeat.RemainingCredits, first.RemainingCredits)
	}

	// Same operation id under a different action is an independent charge
	other, err := svc.Charge(ctx, "u1", "video_generate", "op-7", "")
	if err != nil {
		t.Fatal(err)
	}
	if other.Duplicated || other.ChargeID == first.ChargeID {
		t.Fatalf("cross-action charge deduplicated: %+v", other)
	}

	// Charges without an operation id never deduplicate
	a, _ := svc.Charge(ctx, "u1", "image_generate", "", "")
	b, _ := svc.Charge(ctx, "u1", "image_generate", "", "")
	if a.ChargeID == b.ChargeID || b.Duplicated {
		t.Fatalf("blank operation ids deduplicated: %+v %+v", a, b)
	}
}

func TestChargeConcurrent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	licensedUser(t, svc, "u1")

	const workers = 30
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Charge(ctx, "u1", "image_generate", fmt.Sprintf("op-%d", i), "")
			if err != nil {
				t.Errorf("charge %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	summary, err := svc.Summary(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Credits != 100-workers {
		t.Fatalf("credits = %d, want %d", summary.Credits, 100-workers)
	}
	balance, err := svc.Reconcile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != summary.Credits {
		t.Fatalf("ledger replay %d disagrees with balance %d", balance, summary.Credits)
	}
}

func TestRefundIdempotency(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	licensedUser(t, svc, "u1")

	charge, err := svc.Charge(ctx, "u1", "video_generate", "op-1", "")
	if err != nil {
		t.Fatal(err)
	}
	first, err := svc.Refund(ctx, "u1", charge.ChargeID, "timeout")
	if err != nil {
		t.Fatal(err)
	}
	repeat, err := svc.Refund(ctx, "u1", charge.ChargeID, "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if !repeat.Duplicated || repeat.RefundID != first.RefundID {
		t.Fatalf("charge refunded twice: first=%+v repeat=%+v", first, repeat)
	}
	summary, _ := svc.Summary(ctx, "u1")
	if summary.Credits != 100 {
		t.Fatalf("double refund inflated balance: %+v", summary)
	}
}

func TestRefundErrors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Refund(ctx, "u1", "", "x"); !errors.Is(err, apierr.ErrChargeIDRequired) {
		t.Fatalf("expected CHARGE_ID_REQUIRED, got %v", err)
	}
	if _, err := svc.Refund(ctx, "u1", "no-such-charge", "x"); !errors.Is(err, apierr.ErrChargeNotFound) {
		t.Fatalf("expected CHARGE_NOT_FOUND, got %v", err)
	}

	// A charge belongs to its user; other accounts cannot refund it
	licensedUser(t, svc, "u1")
	charge, err := svc.Charge(ctx, "u1", "image_generate", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Refund(ctx, "u2", charge.ChargeID, "x"); !errors.Is(err, apierr.ErrChargeNotFound) {
		t.Fatalf("cross-user refund succeeded: %v", err)
	}
}

func TestRedeemLicenseErrors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RedeemLicense(ctx, "", "MUSE-AAAA"); !errors.Is(err, apierr.ErrUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if _, err := svc.RedeemLicense(ctx, "u1", "MUSE-ZZZZ-ZZZZ-ZZZZ-ZZZZ"); !errors.Is(err, apierr.ErrInvalidKey) {
		t.Fatalf("expected INVALID_KEY, got %v", err)
	}

	keys, err := svc.GenerateKeys(ctx, "starter", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RedeemLicense(ctx, "u1", keys[0].Key); err != nil {
		t.Fatal(err)
	}
	// Second key on an already licensed account
	if _, err := svc.RedeemLicense(ctx, "u1", keys[1].Key); !errors.Is(err, apierr.ErrAlreadyLicensed) {
		t.Fatalf("expected ALREADY_LICENSED, got %v", err)
	}
	// Redeemed key on a fresh account
	if _, err := svc.RedeemLicense(ctx, "u2", keys[0].Key); !errors.Is(err, apierr.ErrKeyAlreadyUsed) {
		t.Fatalf("expected KEY_ALREADY_USED, got %v", err)
	}
}

func TestRedeemLicenseNormalizesKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	keys, err := svc.GenerateKeys(ctx, "creator", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	sloppy := "  " + strings.ToLower(keys[0].Key) + " \n"
	summary, err := svc.RedeemLicense(ctx, "u1", sloppy)
	if err != nil {
		t.Fatalf("normalized key rejected: %v", err)
	}
	if summary.Credits != 500 || summary.PlanID != "creator" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestGenerateKeys(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	keys, err := svc.GenerateKeys(ctx, "studio", 10, "promo")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 10 {
		t.Fatalf("expected 10 keys, got %d", len(keys))
	}
	seen := make(map[string]bool)
	for _, key := range keys {
		if seen[key.Key] {
			t.Fatalf("duplicate key minted: %s", key.Key)
		}
		seen[key.Key] = true
		if key.Credits != 2000 || key.Status != store.KeyStatusAvailable {
			t.Fatalf("unexpected key: %+v", key)
		}
		if NormalizeKey(key.Key) != key.Key {
			t.Fatalf("minted key is not in normal form: %s", key.Key)
		}
	}

	if _, err := svc.GenerateKeys(ctx, "nonexistent", 1, ""); err == nil {
		t.Fatal("unknown plan accepted")
	}
	if _, err := svc.GenerateKeys(ctx, "starter", maxKeyBatch+1, ""); err == nil {
		t.Fatal("oversized batch accepted")
	}
	// Zero and negative quantities clamp to one key
	one, err := svc.GenerateKeys(ctx, "starter", 0, "")
	if err != nil || len(one) != 1 {
		t.Fatalf("expected single key for quantity 0: %v %d", err, len(one))
	}
}

func TestListKeys(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	keys, err := svc.GenerateKeys(ctx, "starter", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RedeemLicense(ctx, "u1", keys[1].Key); err != nil {
		t.Fatal(err)
	}

	available, err := svc.ListKeys(ctx, store.KeyStatusAvailable, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 2 {
		t.Fatalf("expected 2 available keys, got %d", len(available))
	}
	redeemed, err := svc.ListKeys(ctx, store.KeyStatusRedeemed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(redeemed) != 1 || redeemed[0].Key != keys[1].Key {
		t.Fatalf("unexpected redeemed keys: %+v", redeemed)
	}

	limited, err := svc.ListKeys(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Key != keys[2].Key {
		t.Fatalf("expected newest-first limit, got %+v", limited)
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"muse-abcd-1234", "MUSE-ABCD-1234"},
		{"  MUSE-ABCD  ", "MUSE-ABCD"},
		{"muse abcd_12!34", "MUSEABCD1234"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeKey(tc.in); got != tc.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
