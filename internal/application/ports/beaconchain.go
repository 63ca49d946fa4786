package ports

import (
	"context"
	"time"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// BeaconChainAdapter is the hexagonal port for accessing beacon chain data. Duty reports
// and the beacon chain clock depend only on this interface, not on any concrete client.
type BeaconChainAdapter interface {
	// GetFinalizedEpoch returns the latest finalized epoch known by the node.
	GetFinalizedEpoch(ctx context.Context) (domain.Epoch, error)

	// GetAttesterDuties returns attestation duties for the given validators in an epoch.
	GetAttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, error)

	// GetProposerDuties returns proposal duties for the given validators in an epoch.
	GetProposerDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.ProposerDuty, error)

	// DidProposeBlock checks if a block was proposed at a specific slot (i.e. block exists).
	DidProposeBlock(ctx context.Context, slot domain.Slot) (bool, error)

	// GetEpochCommittees returns every committee of an epoch by slot and index.
	GetEpochCommittees(ctx context.Context, epoch domain.Epoch) (domain.EpochCommittees, error)

	// GetBlockAttestations returns all attestations included in the block at the given slot.
	GetBlockAttestations(ctx context.Context, slot domain.Slot) ([]domain.Attestation, error)

	// GetValidatorIndicesByPubkeys resolves active validators' public keys to indices.
	GetValidatorIndicesByPubkeys(ctx context.Context, pubkeys []string) ([]domain.ValidatorIndex, error)

	// GetGenesisTime returns the chain's genesis time.
	GetGenesisTime(ctx context.Context) (time.Time, error)

	// GetSlotDuration returns SECONDS_PER_SLOT.
	GetSlotDuration(ctx context.Context) (time.Duration, error)

	// GetHeadSlot returns the slot of the current head block.
	GetHeadSlot(ctx context.Context) (domain.Slot, error)
}
