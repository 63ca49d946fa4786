package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/ports"
)

// DutyReporter assembles the duty report a subject uploads as its activity artifact for a
// finalized epoch.
type DutyReporter struct {
	log           zerolog.Logger
	BeaconAdapter ports.BeaconChainAdapter
}

// NewDutyReporter constructs a DutyReporter with dependencies injected.
func NewDutyReporter(log zerolog.Logger, beacon ports.BeaconChainAdapter) *DutyReporter {
	return &DutyReporter{
		log:           log.With().Str("module", "duty_report").Logger(),
		BeaconAdapter: beacon,
	}
}

// ResolveValidator returns the index behind a validator public key.
func (r *DutyReporter) ResolveValidator(ctx context.Context, pubkey string) (domain.ValidatorIndex, error) {
	indices, err := r.BeaconAdapter.GetValidatorIndicesByPubkeys(ctx, []string{pubkey})
	if err != nil {
		return 0, fmt.Errorf("could not resolve validator %s: %w", pubkey, err)
	}
	if len(indices) != 1 {
		return 0, fmt.Errorf("validator %s is not active", pubkey)
	}
	return indices[0], nil
}

// Build collects validator's duties in epoch together with the blocks, committees and
// attestations that prove them. A zero epoch means the latest finalized one. Missing
// blocks inside the inclusion window are logged and skipped, like missed slots.
func (r *DutyReporter) Build(ctx context.Context, validator domain.ValidatorIndex, epoch domain.Epoch) (*domain.DutyReport, error) {
	if epoch == 0 {
		finalized, err := r.BeaconAdapter.GetFinalizedEpoch(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not fetch finalized epoch: %w", err)
		}
		epoch = finalized
	}
	log := r.log.With().Uint64("validator", uint64(validator)).Uint64("epoch", uint64(epoch)).Logger()
	report := &domain.DutyReport{Validator: validator, Epoch: epoch}
	indices := []domain.ValidatorIndex{validator}

	if err := r.collectProposals(ctx, log, report, indices); err != nil {
		return nil, err
	}
	if err := r.collectAttestations(ctx, log, report, indices); err != nil {
		return nil, err
	}

	v := report.Evaluate()
	log.Info().
		Int("proposer_duties", len(report.ProposerDuties)).
		Int("attester_duties", len(report.AttesterDuties)).
		Int("missed_proposals", v.MissedProposals).
		Int("missed_attestations", v.MissedAttestations).
		Msg("built duty report")
	return report, nil
}

func (r *DutyReporter) collectProposals(ctx context.Context, log zerolog.Logger, report *domain.DutyReport, indices []domain.ValidatorIndex) error {
	duties, err := r.BeaconAdapter.GetProposerDuties(ctx, report.Epoch, indices)
	if err != nil {
		return fmt.Errorf("could not fetch proposer duties: %w", err)
	}
	for _, duty := range duties {
		if duty.ValidatorIndex != report.Validator {
			continue
		}
		report.ProposerDuties = append(report.ProposerDuties, duty)
		didPropose, err := r.BeaconAdapter.DidProposeBlock(ctx, duty.Slot)
		if err != nil {
			return fmt.Errorf("could not determine if block was proposed at slot %d: %w", duty.Slot, err)
		}
		if didPropose {
			report.ProposedSlots = append(report.ProposedSlots, duty.Slot)
		} else {
			log.Warn().Uint64("slot", uint64(duty.Slot)).Msg("validator was scheduled to propose but did not")
		}
	}
	return nil
}

func (r *DutyReporter) collectAttestations(ctx context.Context, log zerolog.Logger, report *domain.DutyReport, indices []domain.ValidatorIndex) error {
	duties, err := r.BeaconAdapter.GetAttesterDuties(ctx, report.Epoch, indices)
	if err != nil {
		return fmt.Errorf("could not fetch attester duties: %w", err)
	}
	if len(duties) == 0 {
		log.Warn().Msg("no attester duties found for epoch")
		return nil
	}
	dutySlots := make(map[domain.Slot]struct{}, len(duties))
	for _, d := range duties {
		if d.ValidatorIndex != report.Validator {
			continue
		}
		report.AttesterDuties = append(report.AttesterDuties, d)
		dutySlots[d.Slot] = struct{}{}
	}

	epochCommittees, err := r.BeaconAdapter.GetEpochCommittees(ctx, report.Epoch)
	if err != nil {
		return fmt.Errorf("could not fetch committees for epoch %d: %w", report.Epoch, err)
	}
	report.Committees = make(domain.EpochCommittees, len(dutySlots))
	for slot := range dutySlots {
		if c, ok := epochCommittees[slot]; ok {
			report.Committees[slot] = c
		}
	}

	// Preload attestations for the inclusion window [startSlot+1 .. endSlot+32]; only those
	// voting for one of our duty slots are kept.
	startSlot, endSlot := domain.EpochSlots(report.Epoch)
	for slot := startSlot + 1; slot <= endSlot+domain.InclusionDistance; slot++ {
		atts, err := r.BeaconAdapter.GetBlockAttestations(ctx, slot)
		if err != nil {
			log.Warn().Err(err).Uint64("slot", uint64(slot)).Msg("could not fetch attestations, was this slot missed?")
			continue
		}
		for _, att := range atts {
			if _, ok := dutySlots[att.DataSlot]; ok {
				report.Attestations = append(report.Attestations, att)
			}
		}
	}
	return nil
}
