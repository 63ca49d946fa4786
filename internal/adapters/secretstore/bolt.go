package secretstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

const databaseFileName = "secrets.db"

var secretsBucket = []byte("commit-secrets")

// keyLen is round(8) ‖ verifier(20) ‖ subject(20) ‖ phase(1). Rounds lead the key so a
// cursor walks them in order.
const keyLen = 8 + 20 + 20 + 1

// valueLen is bit(1) ‖ nonce(32).
const valueLen = 1 + 32

// BoltStore persists openings so a restarted node can still reveal what it committed.
type BoltStore struct {
	db           *bolt.DB
	databasePath string
}

// NewBoltStore opens (or creates) the secret database under dirPath.
func NewBoltStore(dirPath string) (*BoltStore, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	db, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain secret database lock, database may be in use by another process")
		}
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(secretsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create buckets: %w", err)
	}
	return &BoltStore{db: db, databasePath: datafile}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DatabasePath at which this store writes.
func (s *BoltStore) DatabasePath() string {
	return s.databasePath
}

func encodeKey(key domain.CommitmentKey) []byte {
	b := make([]byte, keyLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(key.Round))
	copy(b[8:28], key.Verifier[:])
	copy(b[28:48], key.Subject[:])
	b[48] = byte(key.Phase)
	return b
}

func encodeSecret(secret domain.Secret) []byte {
	b := make([]byte, valueLen)
	if secret.Bit {
		b[0] = 1
	}
	nonce := secret.Nonce.Bytes32()
	copy(b[1:], nonce[:])
	return b
}

func decodeSecret(b []byte) (domain.Secret, error) {
	if len(b) != valueLen {
		return domain.Secret{}, fmt.Errorf("corrupt secret record of %d bytes", len(b))
	}
	return domain.Secret{Bit: b[0] == 1, Nonce: new(uint256.Int).SetBytes(b[1:])}, nil
}

func (s *BoltStore) Put(key domain.CommitmentKey, secret domain.Secret) error {
	if secret.Nonce == nil {
		return errors.New("secret has no nonce")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put(encodeKey(key), encodeSecret(secret))
	})
}

func (s *BoltStore) Get(key domain.CommitmentKey) (domain.Secret, bool, error) {
	var (
		secret domain.Secret
		found  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get(encodeKey(key))
		if v == nil {
			return nil
		}
		found = true
		var err error
		secret, err = decodeSecret(v)
		return err
	})
	return secret, found, err
}

// Prune deletes every record of rounds strictly below round.
func (s *BoltStore) Prune(round domain.RoundIndex) error {
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(round))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(secretsBucket)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
