package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	railpay "github.com/tigerhub/railpay"
)

const chargeBucket = "charges"

// BoltStore is a BoltDB-backed ChargeStore. All records live in a
// single file, so no external database process is required, and Bolt
// serializes update transactions: the existence check and the insert
// inside Admit run as one atomic unit, which is exactly the
// unique-insert check-and-set the admission contract requires.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and ensures the
// charges bucket exists. Creating the bucket is idempotent and safe on
// every startup.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(chargeBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Admit checks for an existing record and inserts the new one if
// absent, inside a single write transaction. A caller that loses the
// race observes the stored record and the winner's status; losing is
// not an error.
func (s *BoltStore) Admit(_ context.Context, rec railpay.ChargeRecord) (AdmitResult, *railpay.ChargeRecord, error) {
	var result AdmitResult
	var stored railpay.ChargeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(chargeBucket))

		if existing := b.Get([]byte(rec.ChargeKey)); existing != nil {
			if err := json.Unmarshal(existing, &stored); err != nil {
				return err
			}
			result = admitResultFor(stored.Status)
			return nil
		}

		now := time.Now().UTC()
		rec.Status = railpay.StatusVerified
		rec.CreatedAt = now
		rec.UpdatedAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		result = AdmitWinner
		stored = rec
		return b.Put([]byte(rec.ChargeKey), data)
	})
	if err != nil {
		return 0, nil, err
	}

	return result, &stored, nil
}

// Get retrieves a record by charge key, or ErrNotFound.
func (s *BoltStore) Get(_ context.Context, chargeKey string) (*railpay.ChargeRecord, error) {
	var rec railpay.ChargeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(chargeBucket))
		v := b.Get([]byte(chargeKey))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// MarkFulfilling transitions the record into fulfilling.
func (s *BoltStore) MarkFulfilling(ctx context.Context, chargeKey string) (*railpay.ChargeRecord, error) {
	return s.transition(chargeKey, railpay.StatusFulfilling, func(rec *railpay.ChargeRecord) {})
}

// MarkFulfilled transitions the record into fulfilled with its result.
func (s *BoltStore) MarkFulfilled(ctx context.Context, chargeKey, resultURI string) (*railpay.ChargeRecord, error) {
	return s.transition(chargeKey, railpay.StatusFulfilled, func(rec *railpay.ChargeRecord) {
		rec.ResultURI = resultURI
		rec.Error = ""
	})
}

// MarkFailed transitions the record into failed with the error message.
func (s *BoltStore) MarkFailed(ctx context.Context, chargeKey, errMsg string) (*railpay.ChargeRecord, error) {
	return s.transition(chargeKey, railpay.StatusFailed, func(rec *railpay.ChargeRecord) {
		rec.Error = errMsg
	})
}

func (s *BoltStore) transition(chargeKey string, next railpay.ChargeStatus, mutate func(*railpay.ChargeRecord)) (*railpay.ChargeRecord, error) {
	var rec railpay.ChargeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(chargeBucket))
		v := b.Get([]byte(chargeKey))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !rec.Status.CanTransitionTo(next) {
			return fmt.Errorf("invalid status transition %s -> %s for charge %s", rec.Status, next, chargeKey)
		}
		rec.Status = next
		mutate(&rec)
		rec.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(chargeKey), data)
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Ensure BoltStore implements ChargeStore
var _ ChargeStore = (*BoltStore)(nil)
