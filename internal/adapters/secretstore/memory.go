// Package secretstore keeps commitment openings until this verifier reveals them.
package secretstore

import (
	"errors"
	"sync"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// MemoryStore is a process-local SecretStore. Openings are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[domain.CommitmentKey]domain.Secret
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[domain.CommitmentKey]domain.Secret)}
}

func (m *MemoryStore) Put(key domain.CommitmentKey, secret domain.Secret) error {
	if secret.Nonce == nil {
		return errors.New("secret has no nonce")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = domain.Secret{Bit: secret.Bit, Nonce: secret.Nonce.Clone()}
	return nil
}

func (m *MemoryStore) Get(key domain.CommitmentKey) (domain.Secret, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[key]
	if !ok {
		return domain.Secret{}, false, nil
	}
	return domain.Secret{Bit: s.Bit, Nonce: s.Nonce.Clone()}, true, nil
}

func (m *MemoryStore) Prune(round domain.RoundIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.secrets {
		if k.Round < round {
			delete(m.secrets, k)
		}
	}
	return nil
}
