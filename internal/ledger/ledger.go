// Package ledger implements license redemption, credit charge and credit
// refund on top of the serialized durable store. Charge and refund
// idempotency keys live in the ledger entries themselves, so the audit
// trail and the deduplication mechanism are the same data.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/config"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	maxKeyBatch   = 500
	maxKeyList    = 500
	keyGroupLen   = 4
	keyGroups     = 4
	keyCharset    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	keyPrefix     = "MUSE"
	maxKeyRerolls = 32
)

// Service owns ledger business logic. Every mutating operation is exactly
// one Mutate call, so the idempotency check and the balance update are
// atomic with respect to concurrent callers.
type Service struct {
	serializer *store.Serializer
	costs      config.CostTable
	plans      []Plan
	log        zerolog.Logger
	now        func() time.Time
}

// NewService creates a ledger service over the given serializer
func NewService(serializer *store.Serializer, costs config.CostTable, plans []Plan) *Service {
	if plans == nil {
		plans = DefaultPlans
	}
	return &Service{
		serializer: serializer,
		costs:      costs,
		plans:      plans,
		log:        logging.NewLogger("ledger"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Plans returns the static plan catalog
func (s *Service) Plans() []Plan {
	return s.plans
}

// AccessSummary describes an account's license and balance
type AccessSummary struct {
	UserID         string `json:"user_id"`
	Licensed       bool   `json:"licensed"`
	PlanID         string `json:"plan_id,omitempty"`
	Credits        int    `json:"credits"`
	TotalGranted   int    `json:"total_granted"`
	TotalSpent     int    `json:"total_spent"`
	GrantedCredits int    `json:"granted_credits,omitempty"`
}

// ChargeResult is the outcome of a Charge call
type ChargeResult struct {
	ChargeID         string `json:"charge_id"`
	ChargedCredits   int    `json:"charged_credits"`
	RemainingCredits int    `json:"remaining_credits"`
	Duplicated       bool   `json:"duplicated"`
}

// RefundResult is the outcome of a Refund call
type RefundResult struct {
	RefundID         string `json:"refund_id"`
	RefundedCredits  int    `json:"refunded_credits"`
	RemainingCredits int    `json:"remaining_credits"`
	Duplicated       bool   `json:"duplicated"`
}

// RedeemLicense marks the key redeemed, licenses the account and grants
// the key's credits. A key grants credits to exactly one account.
func (s *Service) RedeemLicense(ctx context.Context, userID, rawKey string) (*AccessSummary, error) {
	if userID == "" {
		return nil, apierr.ErrUnauthorized
	}
	normalized := NormalizeKey(rawKey)
	if normalized == "" {
		return nil, apierr.ErrInvalidKey
	}

	var summary *AccessSummary
	err := s.serializer.Mutate(func(doc *store.Document) error {
		now := s.now()
		acct := doc.EnsureAccount(userID, now)
		if acct.Licensed {
			return apierr.ErrAlreadyLicensed
		}
		key := doc.FindKey(normalized)
		if key == nil {
			return apierr.ErrInvalidKey
		}
		if key.Status != store.KeyStatusAvailable {
			return apierr.ErrKeyAlreadyUsed
		}

		key.Status = store.KeyStatusRedeemed
		key.RedeemedAt = &now
		key.RedeemedBy = userID

		acct.Licensed = true
		acct.PlanID = key.PlanID
		acct.LicenseKey = key.Key
		acct.Credits += key.Credits
		acct.TotalGranted += key.Credits
		acct.UpdatedAt = now

		doc.Ledger = append(doc.Ledger,
			store.LedgerEntry{
				ID:        ulid.Make().String(),
				Type:      store.EntryRedeem,
				UserID:    userID,
				Credits:   key.Credits,
				Note:      fmt.Sprintf("license %s", key.Key),
				CreatedAt: now,
			},
			store.LedgerEntry{
				ID:        ulid.Make().String(),
				Type:      store.EntryGrant,
				UserID:    userID,
				Credits:   key.Credits,
				Note:      fmt.Sprintf("plan %s", key.PlanID),
				CreatedAt: now,
			},
		)

		summary = &AccessSummary{
			UserID:         userID,
			Licensed:       true,
			PlanID:         acct.PlanID,
			Credits:        acct.Credits,
			TotalGranted:   acct.TotalGranted,
			TotalSpent:     acct.TotalSpent,
			GrantedCredits: key.Credits,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("plan_id", summary.PlanID).
		Int("granted", summary.GrantedCredits).
		Msg("License redeemed")
	return summary, nil
}

// Charge deducts the action's cost from the account. A retransmitted
// request with the same (userId, action, operationId) returns the original
// charge with Duplicated set instead of charging again; the check runs
// inside the same mutation as the deduction.
func (s *Service) Charge(ctx context.Context, userID, action, operationID, note string) (*ChargeResult, error) {
	if userID == "" {
		return nil, apierr.ErrUnauthorized
	}
	cost, ok := s.costs.Cost(action)
	if !ok {
		return nil, apierr.NewUnknownAction(action)
	}

	var result *ChargeResult
	err := s.serializer.Mutate(func(doc *store.Document) error {
		now := s.now()
		acct := doc.EnsureAccount(userID, now)
		if !acct.Licensed {
			return apierr.ErrLicenseRequired
		}

		if existing := doc.FindCharge(userID, action, operationID); existing != nil {
			result = &ChargeResult{
				ChargeID:         existing.ID,
				ChargedCredits:   existing.Credits,
				RemainingCredits: acct.Credits,
				Duplicated:       true,
			}
			return nil
		}

		if acct.Credits < cost {
			return apierr.ErrInsufficientCredits
		}

		acct.Credits -= cost
		acct.TotalSpent += cost
		acct.UpdatedAt = now

		entry := store.LedgerEntry{
			ID:          ulid.Make().String(),
			Type:        store.EntryCharge,
			UserID:      userID,
			Action:      action,
			Credits:     cost,
			OperationID: operationID,
			Note:        note,
			CreatedAt:   now,
		}
		doc.Ledger = append(doc.Ledger, entry)

		result = &ChargeResult{
			ChargeID:         entry.ID,
			ChargedCredits:   cost,
			RemainingCredits: acct.Credits,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("user_id", userID).
		Str("action", action).
		Str("charge_id", result.ChargeID).
		Bool("duplicated", result.Duplicated).
		Msg("Charge applied")
	return result, nil
}

// Refund returns a prior charge's credits to the account. A given charge
// is refunded at most once; repeats return the original refund with
// Duplicated set.
func (s *Service) Refund(ctx context.Context, userID, chargeID, reason string) (*RefundResult, error) {
	if userID == "" {
		return nil, apierr.ErrUnauthorized
	}
	if chargeID == "" {
		return nil, apierr.ErrChargeIDRequired
	}

	var result *RefundResult
	err := s.serializer.Mutate(func(doc *store.Document) error {
		now := s.now()
		charge := doc.FindChargeByID(userID, chargeID)
		if charge == nil {
			return apierr.ErrChargeNotFound
		}
		acct := doc.EnsureAccount(userID, now)

		if existing := doc.FindRefundForCharge(chargeID); existing != nil {
			result = &RefundResult{
				RefundID:         existing.ID,
				RefundedCredits:  existing.Credits,
				RemainingCredits: acct.Credits,
				Duplicated:       true,
			}
			return nil
		}

		acct.Credits += charge.Credits
		acct.TotalSpent -= charge.Credits
		if acct.TotalSpent < 0 {
			acct.TotalSpent = 0
		}
		acct.UpdatedAt = now

		entry := store.LedgerEntry{
			ID:        ulid.Make().String(),
			Type:      store.EntryRefund,
			UserID:    userID,
			Action:    charge.Action,
			Credits:   charge.Credits,
			ChargeID:  chargeID,
			Note:      reason,
			CreatedAt: now,
		}
		doc.Ledger = append(doc.Ledger, entry)

		result = &RefundResult{
			RefundID:         entry.ID,
			RefundedCredits:  charge.Credits,
			RemainingCredits: acct.Credits,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("charge_id", chargeID).
		Int("refunded", result.RefundedCredits).
		Bool("duplicated", result.Duplicated).
		Str("reason", reason).
		Msg("Refund applied")
	return result, nil
}

// Summary returns the account's license and balance, creating the account
// on first contact
func (s *Service) Summary(ctx context.Context, userID string) (*AccessSummary, error) {
	if userID == "" {
		return nil, apierr.ErrUnauthorized
	}
	var summary *AccessSummary
	err := s.serializer.Mutate(func(doc *store.Document) error {
		acct := doc.EnsureAccount(userID, s.now())
		summary = &AccessSummary{
			UserID:       userID,
			Licensed:     acct.Licensed,
			PlanID:       acct.PlanID,
			Credits:      acct.Credits,
			TotalGranted: acct.TotalGranted,
			TotalSpent:   acct.TotalSpent,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GenerateKeys mints a batch of license keys against a plan. Uniqueness is
// guaranteed by re-rolling on collision with existing or in-batch keys.
func (s *Service) GenerateKeys(ctx context.Context, planID string, quantity int, note string) ([]store.LicenseKey, error) {
	if quantity < 1 {
		quantity = 1
	}
	if quantity > maxKeyBatch {
		return nil, apierr.NewValidationError(
			fmt.Sprintf("quantity must be at most %d", maxKeyBatch), nil)
	}
	plan, ok := FindPlan(s.plans, planID)
	if !ok {
		return nil, apierr.NewValidationError(fmt.Sprintf("unknown plan %q", planID), nil)
	}

	var minted []store.LicenseKey
	err := s.serializer.Mutate(func(doc *store.Document) error {
		now := s.now()
		taken := make(map[string]bool, len(doc.Keys)+quantity)
		for _, key := range doc.Keys {
			taken[key.Key] = true
		}

		minted = minted[:0]
		for i := 0; i < quantity; i++ {
			keyStr, err := rollUniqueKey(taken)
			if err != nil {
				return err
			}
			taken[keyStr] = true
			key := store.LicenseKey{
				ID:        ulid.Make().String(),
				Key:       keyStr,
				PlanID:    plan.ID,
				Credits:   plan.Credits,
				Status:    store.KeyStatusAvailable,
				Note:      note,
				CreatedAt: now,
			}
			doc.Keys = append(doc.Keys, key)
			minted = append(minted, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("plan_id", planID).
		Int("quantity", len(minted)).
		Msg("License keys generated")
	return minted, nil
}

// ListKeys returns keys, optionally filtered by status, newest first
func (s *Service) ListKeys(ctx context.Context, status store.KeyStatus, limit int) ([]store.LicenseKey, error) {
	if limit < 1 || limit > maxKeyList {
		limit = maxKeyList
	}
	doc, err := s.serializer.Snapshot()
	if err != nil {
		return nil, err
	}
	keys := make([]store.LicenseKey, 0, limit)
	for i := len(doc.Keys) - 1; i >= 0 && len(keys) < limit; i-- {
		if status != "" && doc.Keys[i].Status != status {
			continue
		}
		keys = append(keys, doc.Keys[i])
	}
	return keys, nil
}

// Reconcile recomputes an account's balance from the ledger:
// sum of grants minus charges plus refunds, clamped at zero.
// Used for auditing and tests; the stored credits field stays
// authoritative for the hot path.
func (s *Service) Reconcile(ctx context.Context, userID string) (int, error) {
	doc, err := s.serializer.Snapshot()
	if err != nil {
		return 0, err
	}
	balance := 0
	for _, entry := range doc.Ledger {
		if entry.UserID != userID {
			continue
		}
		switch entry.Type {
		case store.EntryGrant, store.EntryRefund:
			balance += entry.Credits
		case store.EntryCharge:
			balance -= entry.Credits
		}
	}
	if balance < 0 {
		balance = 0
	}
	return balance, nil
}

// NormalizeKey uppercases a raw key and strips everything but
// alphanumerics and dashes
func NormalizeKey(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rollUniqueKey generates a key like MUSE-XXXX-XXXX-XXXX-XXXX, re-rolling
// on collision against taken
func rollUniqueKey(taken map[string]bool) (string, error) {
	for attempt := 0; attempt < maxKeyRerolls; attempt++ {
		key, err := rollKey()
		if err != nil {
			return "", err
		}
		if !taken[key] {
			return key, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique license key after %d attempts", maxKeyRerolls)
}

func rollKey() (string, error) {
	buf := make([]byte, keyGroups*keyGroupLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness for key: %w", err)
	}
	parts := make([]string, 0, keyGroups+1)
	parts = append(parts, keyPrefix)
	for g := 0; g < keyGroups; g++ {
		group := make([]byte, keyGroupLen)
		for i := 0; i < keyGroupLen; i++ {
			group[i] = keyCharset[int(buf[g*keyGroupLen+i])%len(keyCharset)]
		}
		parts = append(parts, string(group))
	}
	return strings.Join(parts, "-"), nil
}
