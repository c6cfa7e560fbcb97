package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAddOns = []byte("addons")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAddOns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveAddOn(rec *AddOn) error {
	if rec.Name == "" {
		return fmt.Errorf("save add-on: empty name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddOns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAddOns)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) GetAddOn(name string) (*AddOn, error) {
	var rec AddOn
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddOns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAddOns)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("add-on %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteAddOn(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddOns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAddOns)
		}
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("add-on %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

// ListAddOns returns all records ordered by name (bbolt key order).
func (s *BoltStore) ListAddOns() ([]*AddOn, error) {
	var recs []*AddOn
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddOns)
		if b == nil {
			return nil // no bucket = no add-ons
		}
		recs = make([]*AddOn, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec AddOn
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode add-on %s: %w", k, err)
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) UpdateAddOn(name string, fn func(rec *AddOn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddOns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAddOns)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("add-on %s: %w", name, ErrNotFound)
		}
		var rec AddOn
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Name = name
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
