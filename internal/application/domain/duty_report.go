package domain

// Evaluate checks every duty in the report against the included blocks and attestations.
func (r *DutyReport) Evaluate() DutyVerdict {
	var v DutyVerdict

	proposed := make(map[Slot]struct{}, len(r.ProposedSlots))
	for _, s := range r.ProposedSlots {
		proposed[s] = struct{}{}
	}
	for _, duty := range r.ProposerDuties {
		if duty.ValidatorIndex != r.Validator {
			continue
		}
		if _, ok := proposed[duty.Slot]; ok {
			v.Proposed++
		} else {
			v.MissedProposals++
		}
	}

	attested := r.attestedSlots()
	for _, duty := range r.AttesterDuties {
		if duty.ValidatorIndex != r.Validator {
			continue
		}
		if attested[duty.Slot] {
			v.Attested++
		} else {
			v.MissedAttestations++
		}
	}
	return v
}

// attestedSlots returns the data slots in which an aggregation bit is set for the reported
// validator. Only attestations for the report's epoch included within the inclusion
// distance count.
func (r *DutyReport) attestedSlots() map[Slot]bool {
	startSlot, endSlot := EpochSlots(r.Epoch)
	attested := make(map[Slot]bool)

	for _, att := range r.Attestations {
		// Only care about attestations whose *data slot* is within the epoch
		dataSlot := att.DataSlot
		if dataSlot < startSlot || dataSlot > endSlot {
			continue
		}
		if att.IncludedSlot <= dataSlot || att.IncludedSlot > dataSlot+InclusionDistance {
			continue
		}

		slotCommittees, ok := r.Committees[dataSlot]
		if !ok {
			continue
		}

		// Walk through committees in the order of committeeBits and map aggregation bits → validators
		bitBase := 0
		for _, commIdxInt := range TrueBitIndices(att.CommitteeBits) {
			validators, ok := slotCommittees[CommitteeIndex(commIdxInt)]
			if !ok || len(validators) == 0 {
				// Inconsistent committee data: bit positions after this one can't be trusted.
				break
			}
			for localPos, valIndex := range validators {
				if valIndex != r.Validator {
					continue
				}
				// Global bit position inside AggregationBits
				if IsBitSet(att.AggregationBits, bitBase+localPos) {
					attested[dataSlot] = true
				}
			}
			bitBase += len(validators)
		}
	}
	return attested
}

// TrueBitIndices returns the indices of bits that are 1 in the given bitfield.
func TrueBitIndices(bits []byte) []int {
	var indices []int
	for i := 0; i < len(bits)*8; i++ {
		if IsBitSet(bits, i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// IsBitSet reads bit index of a little-endian bitfield.
func IsBitSet(bits []byte, index int) bool {
	byteIndex := index / 8
	bitIndex := index % 8
	if byteIndex >= len(bits) {
		return false
	}
	return (bits[byteIndex] & (1 << uint(bitIndex))) != 0
}
