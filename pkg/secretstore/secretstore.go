package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// MnemonicKey is where the wallet seed phrase lives. The supervisor derives
// per-strategy signing keys from it at spawn time; the phrase itself never
// leaves this store.
const MnemonicKey = "wallet:mnemonic"

// MasterKeyEnv names the environment variable holding the Badger encryption
// key (32 bytes, base64 or hex).
const MasterKeyEnv = "EDGEBOT_MASTER_KEY"

// Store holds secrets in a Badger database. Encryption at rest comes from
// Badger itself (value log plus key registry) when an encryption key is set;
// the wrapper only normalizes keys and errors.
type Store struct {
	db *badger.DB
}

// OpenOptions configures Open. EncryptionKey must be 32 bytes when set; an
// empty key opens the database unencrypted, which is only acceptable in tests.
type OpenOptions struct {
	Path          string
	EncryptionKey []byte
	ReadOnly      bool
}

func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bo := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Badger refuses encrypted workloads without an index cache.
		bo = bo.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("secretstore: open %s: %w", opts.Path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetString reads key. The second return reports whether the key exists, so
// an empty stored value and a missing key are distinguishable.
func (s *Store) GetString(key string) (string, bool, error) {
	k, err := s.normKey(key)
	if err != nil {
		return "", false, err
	}
	var (
		out   string
		found bool
	)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return out, found, nil
}

func (s *Store) SetString(key, val string) error {
	k, err := s.normKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(val))
	})
}

func (s *Store) normKey(key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("secretstore: not opened")
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, errors.New("secretstore: key is empty")
	}
	return []byte(k), nil
}

// MasterKeyFromEnv reads and parses the master key from MasterKeyEnv.
// Unlike ParseKey, a missing value is an error: callers that reach for the
// master key cannot run without one.
func MasterKeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(MasterKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s is required (32 bytes, base64 or hex)", MasterKeyEnv)
	}
	key, err := ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MasterKeyEnv, err)
	}
	return key, nil
}

// ParseKey decodes a 32-byte key from hex (with or without 0x) or base64.
// Hex is tried first so a 64-char hex string is never misread as base64.
// Empty input returns nil with no error.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		return checkKeyLen(b)
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return checkKeyLen(b)
	}
	return nil, errors.New("key must be 32 bytes, base64 or hex")
}

func checkKeyLen(b []byte) ([]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	return b, nil
}
