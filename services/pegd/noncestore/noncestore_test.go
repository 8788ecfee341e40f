package noncestore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nonces.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNextNonceIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	for want := uint64(1); want <= 5; want++ {
		got, err := store.NextNonce()
		if err != nil {
			t.Fatalf("next nonce: %v", err)
		}
		if got != want {
			t.Fatalf("expected nonce %d, got %d", want, got)
		}
	}
}

func TestObserveNonceAdvancesCounter(t *testing.T) {
	store := openTestStore(t)
	if err := store.ObserveNonce(10); err != nil {
		t.Fatalf("observe: %v", err)
	}
	got, err := store.NextNonce()
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if got != 11 {
		t.Fatalf("expected nonce 11 after observing 10, got %d", got)
	}
	// Observing a lower value must not rewind the counter.
	if err := store.ObserveNonce(3); err != nil {
		t.Fatalf("observe lower: %v", err)
	}
	got, err = store.NextNonce()
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if got != 12 {
		t.Fatalf("expected nonce 12, got %d", got)
	}
}

func TestRecordProofRejectsDuplicates(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	if err := store.RecordProof("abc123", now); err != nil {
		t.Fatalf("record proof: %v", err)
	}
	if err := store.RecordProof("abc123", now); !errors.Is(err, ErrDuplicateProof) {
		t.Fatalf("expected ErrDuplicateProof, got %v", err)
	}
	found, err := store.HasProof("abc123")
	if err != nil || !found {
		t.Fatalf("expected proof to be present, found=%v err=%v", found, err)
	}
	found, err = store.HasProof("missing")
	if err != nil || found {
		t.Fatalf("expected proof to be absent, found=%v err=%v", found, err)
	}
}
