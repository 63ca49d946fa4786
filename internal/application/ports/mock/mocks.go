// Package mock holds testify mocks of the ports.
package mock

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// ArtifactStore is a mock of ports.ArtifactStore.
type ArtifactStore struct {
	mock.Mock
}

func (m *ArtifactStore) Download(ctx context.Context, subject common.Address, storagePath string) ([]byte, error) {
	args := m.Called(ctx, subject, storagePath)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

// Classifier is a mock of ports.Classifier.
type Classifier struct {
	mock.Mock
}

func (m *Classifier) Classify(ctx context.Context, artifact []byte) (bool, error) {
	args := m.Called(ctx, artifact)
	return args.Bool(0), args.Error(1)
}

// BeaconChainAdapter is a mock of ports.BeaconChainAdapter.
type BeaconChainAdapter struct {
	mock.Mock
}

func (m *BeaconChainAdapter) GetFinalizedEpoch(ctx context.Context) (domain.Epoch, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Epoch), args.Error(1)
}

func (m *BeaconChainAdapter) GetAttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, error) {
	args := m.Called(ctx, epoch, indices)
	duties, _ := args.Get(0).([]domain.AttesterDuty)
	return duties, args.Error(1)
}

func (m *BeaconChainAdapter) GetProposerDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.ProposerDuty, error) {
	args := m.Called(ctx, epoch, indices)
	duties, _ := args.Get(0).([]domain.ProposerDuty)
	return duties, args.Error(1)
}

func (m *BeaconChainAdapter) DidProposeBlock(ctx context.Context, slot domain.Slot) (bool, error) {
	args := m.Called(ctx, slot)
	return args.Bool(0), args.Error(1)
}

func (m *BeaconChainAdapter) GetEpochCommittees(ctx context.Context, epoch domain.Epoch) (domain.EpochCommittees, error) {
	args := m.Called(ctx, epoch)
	committees, _ := args.Get(0).(domain.EpochCommittees)
	return committees, args.Error(1)
}

func (m *BeaconChainAdapter) GetBlockAttestations(ctx context.Context, slot domain.Slot) ([]domain.Attestation, error) {
	args := m.Called(ctx, slot)
	atts, _ := args.Get(0).([]domain.Attestation)
	return atts, args.Error(1)
}

func (m *BeaconChainAdapter) GetValidatorIndicesByPubkeys(ctx context.Context, pubkeys []string) ([]domain.ValidatorIndex, error) {
	args := m.Called(ctx, pubkeys)
	indices, _ := args.Get(0).([]domain.ValidatorIndex)
	return indices, args.Error(1)
}

func (m *BeaconChainAdapter) GetGenesisTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *BeaconChainAdapter) GetSlotDuration(ctx context.Context) (time.Duration, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *BeaconChainAdapter) GetHeadSlot(ctx context.Context) (domain.Slot, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Slot), args.Error(1)
}
