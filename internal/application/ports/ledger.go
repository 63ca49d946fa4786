package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// Ledger is the hexagonal port to the external ledger holding authoritative round state.
// Writes are sent on behalf of Self(). A refused write returns an error matching
// domain.ErrRejected; any other error is a transport failure.
type Ledger interface {
	// Self returns the identity writes are sent from.
	Self() common.Address

	// SubmitCommitment places hash(bit ‖ nonce) for subject together with the ticket index
	// that entitles Self() to act on it.
	SubmitCommitment(ctx context.Context, subject common.Address, commitment common.Hash, ticket domain.TicketIndex, phase domain.Phase) error

	// SubmitReveal opens a previously placed commitment.
	SubmitReveal(ctx context.Context, subject common.Address, bit bool, nonce *uint256.Int, phase domain.Phase) error

	// RaiseDissent flags subject's accepted answer as disputed.
	RaiseDissent(ctx context.Context, subject common.Address) error

	// RequestStageTransition asks the ledger to move to the next stage. It is rejected while
	// the current stage's duration has not elapsed.
	RequestStageTransition(ctx context.Context) error

	// SubmitSlashEvidence claims a penalty. Only the first claim of identical evidence succeeds.
	SubmitSlashEvidence(ctx context.Context, evidence domain.SlashEvidence) error

	// ReadRound returns the current round index, stage and stage start time.
	ReadRound(ctx context.Context) (domain.Round, error)

	// ReadAcceptedAnswer returns the current (post-dissent, if any) accepted answer.
	ReadAcceptedAnswer(ctx context.Context, round domain.RoundIndex, subject common.Address) (bool, error)

	// ReadAcceptedAnswerPreDissent returns the accepted answer as it stood before dissent.
	ReadAcceptedAnswerPreDissent(ctx context.Context, round domain.RoundIndex, subject common.Address) (bool, error)

	// ReadCommitment returns the stored commitment and whether one exists.
	ReadCommitment(ctx context.Context, key domain.CommitmentKey) (common.Hash, bool, error)

	// ReadHasRevealed reports whether an accepted reveal exists for the commitment.
	ReadHasRevealed(ctx context.Context, key domain.CommitmentKey) (bool, error)

	// ReadRevealedAnswer returns the revealed bit; revealed is false when there is none.
	ReadRevealedAnswer(ctx context.Context, key domain.CommitmentKey) (bit bool, revealed bool, err error)

	// ReadDissentedSubjects lists subjects flagged during the round's dissent window.
	ReadDissentedSubjects(ctx context.Context, round domain.RoundIndex) ([]common.Address, error)

	// ReadDissenters lists the verifiers that flagged subject.
	ReadDissenters(ctx context.Context, round domain.RoundIndex, subject common.Address) ([]common.Address, error)

	// ReadBondedStake returns verifier's bonded stake.
	ReadBondedStake(ctx context.Context, verifier common.Address) (*uint256.Int, error)

	// ReadVerifiers lists every bonded verifier.
	ReadVerifiers(ctx context.Context) ([]common.Address, error)

	// ReadRegisteredSubjects lists subjects of every participating pool. A subject
	// registered in several pools appears once per pool.
	ReadRegisteredSubjects(ctx context.Context) ([]domain.Subject, error)

	// ReadSubjectActivity returns the subject's uploaded activity for round.
	ReadSubjectActivity(ctx context.Context, round domain.RoundIndex, subject common.Address) (domain.Activity, error)
}
