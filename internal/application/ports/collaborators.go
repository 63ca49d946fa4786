package ports

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// ArtifactStore downloads the activity artifact a subject uploaded.
type ArtifactStore interface {
	Download(ctx context.Context, subject common.Address, storagePath string) ([]byte, error)
}

// Classifier decides whether an activity artifact shows compliance.
type Classifier interface {
	Classify(ctx context.Context, artifact []byte) (bool, error)
}

// SecretStore keeps commitment openings until they are revealed.
type SecretStore interface {
	Put(key domain.CommitmentKey, secret domain.Secret) error
	Get(key domain.CommitmentKey) (domain.Secret, bool, error)
	// Prune drops every secret of rounds strictly below round.
	Prune(round domain.RoundIndex) error
}

// ChainClock reports the ledger's notion of time. It is only a hint for when to poll or
// attempt a transition; the ledger itself decides whether a transition is due.
type ChainClock interface {
	Now(ctx context.Context) (time.Time, error)
}
