package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Bolt stores preferences in a bbolt file, one bucket per namespace
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the preference file at path
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{"component": "storage", "path": path}).Info("Opened bolt preference store")
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(_ context.Context, namespace, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, found, nil
}

func (b *Bolt) Put(ctx context.Context, namespace, key, value string) error {
	return b.PutAll(ctx, namespace, map[string]string{key: value})
}

func (b *Bolt) PutAll(_ context.Context, namespace string, values map[string]string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := bucket.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, namespace, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
