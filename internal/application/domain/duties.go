package domain

// Basic consensus types
type Epoch uint64
type Slot uint64
type ValidatorIndex uint64
type CommitteeIndex uint64

// SlotsPerEpoch is the Ethereum consensus constant.
const SlotsPerEpoch = Slot(32)

// InclusionDistance is how many slots after its data slot an attestation may be included.
const InclusionDistance = Slot(32)

// EpochSlots returns the first and last slot of epoch.
func EpochSlots(epoch Epoch) (Slot, Slot) {
	start := Slot(uint64(epoch) * uint64(SlotsPerEpoch))
	return start, start + SlotsPerEpoch - 1
}

// ProposerDuty describes a scheduled block proposal for a validator.
type ProposerDuty struct {
	ValidatorIndex ValidatorIndex `cbor:"1,keyasint"`
	Slot           Slot           `cbor:"2,keyasint"`
}

// AttesterDuty describes an attestation duty for a validator.
type AttesterDuty struct {
	ValidatorIndex        ValidatorIndex `cbor:"1,keyasint"`
	Slot                  Slot           `cbor:"2,keyasint"`
	CommitteeIndex        CommitteeIndex `cbor:"3,keyasint"`
	ValidatorCommitteeIdx uint64         `cbor:"4,keyasint"`
}

// Attestation is a simplified representation of a beacon block attestation
// sufficient for us to detect if a validator attested or not.
type Attestation struct {
	// Slot of the block that included the attestation.
	IncludedSlot Slot `cbor:"1,keyasint"`

	// Slot that the attestation data refers to (the duty slot).
	DataSlot Slot `cbor:"2,keyasint"`

	// Bitfield of which committees are aggregated in this attestation.
	CommitteeBits []byte `cbor:"3,keyasint"`

	// Bitfield of which validators (across all aggregated committees) participated.
	AggregationBits []byte `cbor:"4,keyasint"`
}

// EpochCommittees maps:
//
//	data-slot -> committee-index -> list of validator indices in that committee
type EpochCommittees map[Slot]map[CommitteeIndex][]ValidatorIndex

// DutyReport is the activity artifact a subject uploads: everything needed to re-check one
// validator's duties over one finalized epoch without access to a beacon node.
type DutyReport struct {
	Validator      ValidatorIndex  `cbor:"1,keyasint"`
	Epoch          Epoch           `cbor:"2,keyasint"`
	ProposerDuties []ProposerDuty  `cbor:"3,keyasint,omitempty"`
	ProposedSlots  []Slot          `cbor:"4,keyasint,omitempty"`
	AttesterDuties []AttesterDuty  `cbor:"5,keyasint,omitempty"`
	Committees     EpochCommittees `cbor:"6,keyasint,omitempty"`
	Attestations   []Attestation   `cbor:"7,keyasint,omitempty"`
}

// DutyVerdict counts fulfilled and missed duties in a report.
type DutyVerdict struct {
	Proposed           int
	MissedProposals    int
	Attested           int
	MissedAttestations int
}
