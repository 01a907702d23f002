package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "store.json"))
}

func TestRead_MissingFileInitializes(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("Read on missing store failed: %v", err)
	}
	if doc.Keys == nil || doc.Users == nil || doc.Ledger == nil {
		t.Fatal("expected schema-normalized empty document")
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("expected store file to be persisted: %v", err)
	}
}

func TestWrite_NormalizesBeforePersisting(t *testing.T) {
	s := newTestStore(t)

	doc := &Document{
		Keys: []LicenseKey{
			{ID: "k1", Key: "MUSE-AAAA", Credits: -5, Status: "bogus"},
			{ID: "k2", Key: "MUSE-AAAA", Credits: 10},
			{ID: "k3", Key: ""},
		},
		Users: []Account{
			{UserID: "u1", Credits: -3, TotalSpent: -1},
			{UserID: "u1", Credits: 50},
		},
		Ledger: []LedgerEntry{
			{ID: "e1", Type: EntryCharge, UserID: "u1", Credits: 1},
			{ID: "e1", Type: EntryCharge, UserID: "u1", Credits: 1},
			{ID: "e2", Type: "mystery", UserID: "u1"},
		},
	}

	written, err := s.Write(doc)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if len(written.Keys) != 1 {
		t.Fatalf("expected duplicate and empty keys dropped, got %d", len(written.Keys))
	}
	if written.Keys[0].Credits != 0 || written.Keys[0].Status != KeyStatusAvailable {
		t.Fatalf("expected clamped credits and defaulted status, got %+v", written.Keys[0])
	}
	if len(written.Users) != 1 || written.Users[0].Credits != 0 || written.Users[0].TotalSpent != 0 {
		t.Fatalf("expected deduplicated user with clamped counters, got %+v", written.Users)
	}
	if len(written.Ledger) != 1 {
		t.Fatalf("expected duplicate and unknown-type entries dropped, got %d", len(written.Ledger))
	}
}

func TestWriteRead_RoundTripIsStable(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	doc := &Document{
		Keys:   []LicenseKey{{ID: "k1", Key: "MUSE-TEST", PlanID: "starter", Credits: 100, Status: KeyStatusAvailable, CreatedAt: now}},
		Users:  []Account{{UserID: "u1", Licensed: true, Credits: 42, TotalGranted: 100, TotalSpent: 58, CreatedAt: now, UpdatedAt: now}},
		Ledger: []LedgerEntry{{ID: "e1", Type: EntryGrant, UserID: "u1", Credits: 100, CreatedAt: now}},
	}
	if _, err := s.Write(doc); err != nil {
		t.Fatalf("initial Write failed: %v", err)
	}

	first, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := s.Write(first.Clone()); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	second, err := s.Read()
	if err != nil {
		t.Fatalf("second Read failed: %v", err)
	}

	// Byte-equivalent modulo updatedAt
	first.UpdatedAt = time.Time{}
	second.UpdatedAt = time.Time{}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("round trip changed the document:\n%s\nvs\n%s", a, b)
	}
}

func TestRead_SkipsMalformedRecords(t *testing.T) {
	s := newTestStore(t)

	raw := `{
		"keys": [{"id":"k1","key":"MUSE-GOOD","credits":10}, {"id":"k2","key":"MUSE-BAD","credits":"ten"}],
		"users": [{"userId":"u1","credits":5}, {"userId":"u2","credits":{"nested":true}}],
		"ledger": [{"id":"e1","type":"grant","userId":"u1","credits":5}, "not-an-object"]
	}`
	if err := os.WriteFile(s.Path(), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(doc.Keys) != 1 || doc.Keys[0].Key != "MUSE-GOOD" {
		t.Fatalf("expected only the well-formed key, got %+v", doc.Keys)
	}
	if len(doc.Users) != 1 || doc.Users[0].UserID != "u1" {
		t.Fatalf("expected only the well-formed user, got %+v", doc.Users)
	}
	if len(doc.Ledger) != 1 {
		t.Fatalf("expected only the well-formed entry, got %+v", doc.Ledger)
	}
}

func TestRead_GarbageFileRecoversEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path(), []byte("{{{{ not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(doc.Keys) != 0 || len(doc.Users) != 0 || len(doc.Ledger) != 0 {
		t.Fatalf("expected empty recovered document, got %+v", doc)
	}
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Write(NewDocument()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the store file, found %v", names)
	}
}
