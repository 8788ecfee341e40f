// Package noncestore persists the feeder submission nonce and submitted
// proof identifiers across pegd restarts. Feed nonces on chain are strictly
// increasing, so losing the local counter would wedge the feeder until an
// operator resynchronised it by hand.
package noncestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNonces = []byte("feeder_nonce")
	bucketProofs = []byte("proof_ids")

	keyNonce = []byte("next")

	// ErrDuplicateProof is returned when a proof id was already recorded.
	ErrDuplicateProof = errors.New("noncestore: proof already recorded")
)

// Store wraps a BoltDB file holding the feeder nonce counter and the set of
// proof ids already pushed on chain.
type Store struct {
	db *bolt.DB
}

// Open initialises the store at the supplied path, creating buckets on
// first use.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("noncestore: path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("noncestore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNonces, bucketProofs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextNonce atomically reserves and returns the next submission nonce. The
// first reserved value is 1.
func (s *Store) NextNonce() (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		current := uint64(0)
		if raw := bucket.Get(keyNonce); len(raw) == 8 {
			current = binary.BigEndian.Uint64(raw)
		}
		next = current + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return bucket.Put(keyNonce, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("noncestore: reserve nonce: %w", err)
	}
	return next, nil
}

// ObserveNonce bumps the stored counter to at least the supplied value. It
// is used when the chain reports a higher nonce than the local counter,
// typically after the database file was recreated.
func (s *Store) ObserveNonce(value uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		current := uint64(0)
		if raw := bucket.Get(keyNonce); len(raw) == 8 {
			current = binary.BigEndian.Uint64(raw)
		}
		if value <= current {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, value)
		return bucket.Put(keyNonce, buf)
	})
}

// RecordProof stores a proof identifier, rejecting duplicates.
func (s *Store) RecordProof(proofID string, submittedAt time.Time) error {
	trimmed := strings.TrimSpace(proofID)
	if trimmed == "" {
		return fmt.Errorf("noncestore: proof id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketProofs)
		if existing := bucket.Get([]byte(trimmed)); existing != nil {
			return ErrDuplicateProof
		}
		stamp, err := submittedAt.UTC().MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(trimmed), stamp)
	})
}

// HasProof reports whether a proof identifier was already recorded.
func (s *Store) HasProof(proofID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketProofs).Get([]byte(strings.TrimSpace(proofID))) != nil
		return nil
	})
	return found, err
}
