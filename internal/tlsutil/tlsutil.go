// Package tlsutil provides automatic certificate acquisition for the
// configured domains, with certificates persisted in a local bolt
// database.
package tlsutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/acme/autocert"
)

var bucketCerts = []byte("certs")

// CertStore is an autocert.Cache backed by bolt, so certificates
// survive restarts without a cache directory full of loose files.
type CertStore struct {
	db *bolt.DB
}

// NewCertStore opens (or creates) the certificate database under
// dataDir.
func NewCertStore(dataDir string) (*CertStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "certs.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening certificate database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCerts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating certificate bucket: %w", err)
	}
	return &CertStore{db: db}, nil
}

// Close closes the database.
func (s *CertStore) Close() error {
	return s.db.Close()
}

// Get implements autocert.Cache.
func (s *CertStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCerts).Get([]byte(key))
		if data == nil {
			return autocert.ErrCacheMiss
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

// Put implements autocert.Cache.
func (s *CertStore) Put(ctx context.Context, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCerts).Put([]byte(key), data)
	})
}

// Delete implements autocert.Cache.
func (s *CertStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCerts).Delete([]byte(key))
	})
}

// NewManager builds the certificate manager restricted to the given
// domains.
func NewManager(cache autocert.Cache, email string, domains []string) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      cache,
		Email:      email,
		HostPolicy: autocert.HostWhitelist(domains...),
	}
}
