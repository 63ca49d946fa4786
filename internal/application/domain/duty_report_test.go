package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *DutyReport {
	return &DutyReport{
		Validator: 7,
		Epoch:     1,
		ProposerDuties: []ProposerDuty{
			{ValidatorIndex: 7, Slot: 50},
			{ValidatorIndex: 7, Slot: 51},
			{ValidatorIndex: 8, Slot: 52},
		},
		ProposedSlots: []Slot{50, 52},
		AttesterDuties: []AttesterDuty{
			{ValidatorIndex: 7, Slot: 33, CommitteeIndex: 1, ValidatorCommitteeIdx: 1},
			{ValidatorIndex: 7, Slot: 40, CommitteeIndex: 0, ValidatorCommitteeIdx: 0},
		},
		Committees: EpochCommittees{
			33: {0: {1, 2}, 1: {5, 7, 9}},
			40: {0: {7, 3}},
		},
		Attestations: []Attestation{
			// committees 0 and 1 aggregated; validator 7 is global bit 2+1.
			{IncludedSlot: 34, DataSlot: 33, CommitteeBits: []byte{0b11}, AggregationBits: []byte{0b00001000}},
			// included beyond the inclusion distance.
			{IncludedSlot: 40 + InclusionDistance + 1, DataSlot: 40, CommitteeBits: []byte{0b1}, AggregationBits: []byte{0b1}},
		},
	}
}

func TestDutyReport_Evaluate(t *testing.T) {
	v := sampleReport().Evaluate()
	assert.Equal(t, DutyVerdict{Proposed: 1, MissedProposals: 1, Attested: 1, MissedAttestations: 1}, v)
}

func TestDutyReport_UnsetBitIsMissed(t *testing.T) {
	r := sampleReport()
	r.Attestations[0].AggregationBits = []byte{0b00010111}
	v := r.Evaluate()
	require.Equal(t, 0, v.Attested)
	require.Equal(t, 2, v.MissedAttestations)
}

func TestDutyReport_AttestationOutsideEpochIgnored(t *testing.T) {
	r := sampleReport()
	r.Epoch = 2
	v := r.Evaluate()
	require.Equal(t, 0, v.Attested)
}

func TestBitHelpers(t *testing.T) {
	bits := []byte{0b10000001, 0b00000010}
	require.Equal(t, []int{0, 7, 9}, TrueBitIndices(bits))
	require.True(t, IsBitSet(bits, 9))
	require.False(t, IsBitSet(bits, 8))
	require.False(t, IsBitSet(bits, 100))
	require.Nil(t, TrueBitIndices(nil))
}

func TestEpochSlots(t *testing.T) {
	start, end := EpochSlots(2)
	require.Equal(t, Slot(64), start)
	require.Equal(t, Slot(95), end)
}
