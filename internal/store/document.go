package store

import (
	"encoding/json"
	"time"
)

// KeyStatus is the lifecycle state of a license key
type KeyStatus string

const (
	KeyStatusAvailable KeyStatus = "available"
	KeyStatusRedeemed  KeyStatus = "redeemed"
)

// EntryType is the category of a ledger entry
type EntryType string

const (
	EntryRedeem EntryType = "redeem"
	EntryGrant  EntryType = "grant"
	EntryCharge EntryType = "charge"
	EntryRefund EntryType = "refund"
)

// LicenseKey is a prepaid credit grant, created ahead of time and
// redeemed by exactly one account over its lifetime
type LicenseKey struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	PlanID     string     `json:"planId"`
	Credits    int        `json:"credits"`
	Status     KeyStatus  `json:"status"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
	RedeemedBy string     `json:"redeemedBy,omitempty"`
}

// Account tracks one user's credit balance. The stored Credits field is
// authoritative for the hot path; the ledger is the audit trail.
type Account struct {
	UserID       string    `json:"userId"`
	Licensed     bool      `json:"licensed"`
	PlanID       string    `json:"planId,omitempty"`
	Credits      int       `json:"credits"`
	TotalGranted int       `json:"totalGranted"`
	TotalSpent   int       `json:"totalSpent"`
	LicenseKey   string    `json:"licenseKey,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// LedgerEntry is one immutable audit record of a credit-affecting event.
// Entries are append-only and double as the idempotency key space:
// charges are keyed on (userId, action, operationId), refunds on chargeId.
type LedgerEntry struct {
	ID          string    `json:"id"`
	Type        EntryType `json:"type"`
	UserID      string    `json:"userId"`
	Action      string    `json:"action,omitempty"`
	Credits     int       `json:"credits"`
	OperationID string    `json:"operationId,omitempty"`
	ChargeID    string    `json:"chargeId,omitempty"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Document is the single versioned document held by the durable store
type Document struct {
	Keys      []LicenseKey  `json:"keys"`
	Users     []Account     `json:"users"`
	Ledger    []LedgerEntry `json:"ledger"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// rawDocument decodes each collection element individually so that a
// single malformed record (for example from a crash mid-write of an older
// version) is dropped instead of rejecting the whole document
type rawDocument struct {
	Keys      []json.RawMessage `json:"keys"`
	Users     []json.RawMessage `json:"users"`
	Ledger    []json.RawMessage `json:"ledger"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func decodeDocument(data []byte) *Document {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewDocument()
	}
	doc := &Document{UpdatedAt: raw.UpdatedAt}
	for _, msg := range raw.Keys {
		var key LicenseKey
		if err := json.Unmarshal(msg, &key); err == nil {
			doc.Keys = append(doc.Keys, key)
		}
	}
	for _, msg := range raw.Users {
		var acct Account
		if err := json.Unmarshal(msg, &acct); err == nil {
			doc.Users = append(doc.Users, acct)
		}
	}
	for _, msg := range raw.Ledger {
		var entry LedgerEntry
		if err := json.Unmarshal(msg, &entry); err == nil {
			doc.Ledger = append(doc.Ledger, entry)
		}
	}
	doc.Normalize()
	return doc
}

// NewDocument returns an empty, schema-normalized document
func NewDocument() *Document {
	return &Document{
		Keys:   []LicenseKey{},
		Users:  []Account{},
		Ledger: []LedgerEntry{},
	}
}

// Normalize coerces the document to schema defaults: non-nil collections,
// non-negative counters, defaulted statuses, and primary-key deduplication
// (first occurrence wins). Normalization is total and idempotent; it is
// also the recovery path for documents written by older versions.
func (d *Document) Normalize() {
	if d.Keys == nil {
		d.Keys = []LicenseKey{}
	}
	if d.Users == nil {
		d.Users = []Account{}
	}
	if d.Ledger == nil {
		d.Ledger = []LedgerEntry{}
	}

	seenKeys := make(map[string]bool, len(d.Keys))
	keys := d.Keys[:0]
	for _, key := range d.Keys {
		if key.Key == "" || seenKeys[key.Key] {
			continue
		}
		seenKeys[key.Key] = true
		if key.Credits < 0 {
			key.Credits = 0
		}
		if key.Status != KeyStatusRedeemed {
			key.Status = KeyStatusAvailable
		}
		keys = append(keys, key)
	}
	d.Keys = keys

	seenUsers := make(map[string]bool, len(d.Users))
	users := d.Users[:0]
	for _, acct := range d.Users {
		if acct.UserID == "" || seenUsers[acct.UserID] {
			continue
		}
		seenUsers[acct.UserID] = true
		if acct.Credits < 0 {
			acct.Credits = 0
		}
		if acct.TotalGranted < 0 {
			acct.TotalGranted = 0
		}
		if acct.TotalSpent < 0 {
			acct.TotalSpent = 0
		}
		users = append(users, acct)
	}
	d.Users = users

	seenEntries := make(map[string]bool, len(d.Ledger))
	entries := d.Ledger[:0]
	for _, entry := range d.Ledger {
		if entry.ID == "" || seenEntries[entry.ID] {
			continue
		}
		seenEntries[entry.ID] = true
		if entry.Credits < 0 {
			entry.Credits = 0
		}
		switch entry.Type {
		case EntryRedeem, EntryGrant, EntryCharge, EntryRefund:
		default:
			continue
		}
		entries = append(entries, entry)
	}
	d.Ledger = entries
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	out := &Document{
		Keys:      make([]LicenseKey, len(d.Keys)),
		Users:     make([]Account, len(d.Users)),
		Ledger:    make([]LedgerEntry, len(d.Ledger)),
		UpdatedAt: d.UpdatedAt,
	}
	copy(out.Keys, d.Keys)
	copy(out.Users, d.Users)
	copy(out.Ledger, d.Ledger)
	for i := range out.Keys {
		if out.Keys[i].RedeemedAt != nil {
			at := *out.Keys[i].RedeemedAt
			out.Keys[i].RedeemedAt = &at
		}
	}
	return out
}

// FindKey returns the license key with the given normalized key string
func (d *Document) FindKey(key string) *LicenseKey {
	for i := range d.Keys {
		if d.Keys[i].Key == key {
			return &d.Keys[i]
		}
	}
	return nil
}

// FindAccount returns the account for userID, or nil
func (d *Document) FindAccount(userID string) *Account {
	for i := range d.Users {
		if d.Users[i].UserID == userID {
			return &d.Users[i]
		}
	}
	return nil
}

// EnsureAccount returns the account for userID, creating it on first contact
func (d *Document) EnsureAccount(userID string, now time.Time) *Account {
	if acct := d.FindAccount(userID); acct != nil {
		return acct
	}
	d.Users = append(d.Users, Account{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return &d.Users[len(d.Users)-1]
}

// FindCharge returns the charge entry matching the idempotency tuple
// (userID, action, operationID), or nil. Two different actions sharing one
// operation id are independent charges.
func (d *Document) FindCharge(userID, action, operationID string) *LedgerEntry {
	if operationID == "" {
		return nil
	}
	for i := range d.Ledger {
		entry := &d.Ledger[i]
		if entry.Type == EntryCharge && entry.UserID == userID &&
			entry.Action == action && entry.OperationID == operationID {
			return entry
		}
	}
	return nil
}

// FindChargeByID returns the user's charge entry with the given id, or nil
func (d *Document) FindChargeByID(userID, chargeID string) *LedgerEntry {
	for i := range d.Ledger {
		entry := &d.Ledger[i]
		if entry.Type == EntryCharge && entry.UserID == userID && entry.ID == chargeID {
			return entry
		}
	}
	return nil
}

// FindRefundForCharge returns the refund entry referencing chargeID, or nil
func (d *Document) FindRefundForCharge(chargeID string) *LedgerEntry {
	for i := range d.Ledger {
		entry := &d.Ledger[i]
		if entry.Type == EntryRefund && entry.ChargeID == chargeID {
			return entry
		}
	}
	return nil
}
