package keystore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is a small encrypted-at-rest KV wrapper (Badger) holding account
// seeds. Encryption is provided by Badger options (value log + key registry),
// not by this wrapper.
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; if nil, DB is opened without encryption (not recommended)
	ReadOnly      bool
}

func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("keystore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutSeed stores a Stellar secret seed under name.
func (s *Store) PutSeed(name, seed string) error {
	if s == nil || s.db == nil {
		return errors.New("keystore: not opened")
	}
	k := seedKey(name)
	if k == nil {
		return errors.New("keystore: name is empty")
	}
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return errors.New("keystore: seed is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(seed))
	})
}

// GetSeed returns the stored seed, or found=false when absent.
func (s *Store) GetSeed(name string) (seed string, found bool, err error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("keystore: not opened")
	}
	k := seedKey(name)
	if k == nil {
		return "", false, errors.New("keystore: name is empty")
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			seed = string(val)
			found = true
			return nil
		})
	})
	return seed, found, err
}

// DeleteSeed removes a stored seed. Deleting an absent name is not an error.
func (s *Store) DeleteSeed(name string) error {
	if s == nil || s.db == nil {
		return errors.New("keystore: not opened")
	}
	k := seedKey(name)
	if k == nil {
		return errors.New("keystore: name is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func seedKey(name string) []byte {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return []byte("seed/" + name)
}

// ParseEncryptionKey accepts a 64-char hex string or base64 and returns the
// raw 32-byte key.
func ParseEncryptionKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if len(raw) == 64 {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("keystore: encryption key is neither hex nor base64: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("keystore: encryption key must be 32 bytes, got %d", len(b))
	}
	return b, nil
}
