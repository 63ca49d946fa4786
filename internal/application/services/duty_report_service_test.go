package services

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/verifier-node/internal/application/domain"
	portsmock "github.com/Marketen/verifier-node/internal/application/ports/mock"
)

func TestDutyReporter_BuildFinalizedEpoch(t *testing.T) {
	beacon := &portsmock.BeaconChainAdapter{}
	const validator = domain.ValidatorIndex(7)
	indices := []domain.ValidatorIndex{validator}
	ctx := context.Background()

	beacon.On("GetFinalizedEpoch", mock.Anything).Return(domain.Epoch(1), nil)
	beacon.On("GetProposerDuties", mock.Anything, domain.Epoch(1), indices).Return([]domain.ProposerDuty{
		{ValidatorIndex: validator, Slot: 50},
		{ValidatorIndex: validator, Slot: 51},
	}, nil)
	beacon.On("DidProposeBlock", mock.Anything, domain.Slot(50)).Return(true, nil)
	beacon.On("DidProposeBlock", mock.Anything, domain.Slot(51)).Return(false, nil)
	beacon.On("GetAttesterDuties", mock.Anything, domain.Epoch(1), indices).Return([]domain.AttesterDuty{
		{ValidatorIndex: validator, Slot: 33, CommitteeIndex: 1, ValidatorCommitteeIdx: 1},
	}, nil)
	beacon.On("GetEpochCommittees", mock.Anything, domain.Epoch(1)).Return(domain.EpochCommittees{
		33: {0: {1, 2}, 1: {5, 7, 9}},
		34: {0: {11, 12}},
	}, nil)

	ours := domain.Attestation{IncludedSlot: 34, DataSlot: 33, CommitteeBits: []byte{0b11}, AggregationBits: []byte{0b00001000}}
	other := domain.Attestation{IncludedSlot: 36, DataSlot: 35, CommitteeBits: []byte{0b1}, AggregationBits: []byte{0b1}}
	// Specific slots first: testify matches expectations in registration order.
	beacon.On("GetBlockAttestations", mock.Anything, domain.Slot(34)).Return([]domain.Attestation{ours}, nil)
	beacon.On("GetBlockAttestations", mock.Anything, domain.Slot(36)).Return([]domain.Attestation{other}, nil)
	beacon.On("GetBlockAttestations", mock.Anything, domain.Slot(40)).Return(nil, errors.New("block unavailable"))
	beacon.On("GetBlockAttestations", mock.Anything, mock.Anything).Return(nil, nil)

	report, err := NewDutyReporter(zerolog.Nop(), beacon).Build(ctx, validator, 0)
	require.NoError(t, err)

	require.Equal(t, domain.Epoch(1), report.Epoch)
	require.Equal(t, []domain.Slot{50}, report.ProposedSlots)
	require.Len(t, report.ProposerDuties, 2)
	require.Equal(t, []domain.Attestation{ours}, report.Attestations)
	require.Len(t, report.Committees, 1, "only committees of duty slots are kept")
	require.Equal(t, domain.DutyVerdict{Proposed: 1, MissedProposals: 1, Attested: 1}, report.Evaluate())

	// Inclusion window for epoch 1 is slots 33..95.
	beacon.AssertNumberOfCalls(t, "GetBlockAttestations", 63)
}

func TestDutyReporter_ProposalLookupFailureAborts(t *testing.T) {
	beacon := &portsmock.BeaconChainAdapter{}
	beacon.On("GetProposerDuties", mock.Anything, domain.Epoch(3), mock.Anything).Return([]domain.ProposerDuty{
		{ValidatorIndex: 1, Slot: 100},
	}, nil)
	beacon.On("DidProposeBlock", mock.Anything, domain.Slot(100)).Return(false, errors.New("timeout"))

	_, err := NewDutyReporter(zerolog.Nop(), beacon).Build(context.Background(), 1, 3)
	require.ErrorContains(t, err, "slot 100")
}

func TestDutyReporter_ResolveValidator(t *testing.T) {
	beacon := &portsmock.BeaconChainAdapter{}
	beacon.On("GetValidatorIndicesByPubkeys", mock.Anything, []string{"0xaa"}).Return([]domain.ValidatorIndex{42}, nil)
	beacon.On("GetValidatorIndicesByPubkeys", mock.Anything, []string{"0xbb"}).Return([]domain.ValidatorIndex{}, nil)
	r := NewDutyReporter(zerolog.Nop(), beacon)

	idx, err := r.ResolveValidator(context.Background(), "0xaa")
	require.NoError(t, err)
	require.Equal(t, domain.ValidatorIndex(42), idx)

	_, err = r.ResolveValidator(context.Background(), "0xbb")
	require.ErrorContains(t, err, "not active")
}
