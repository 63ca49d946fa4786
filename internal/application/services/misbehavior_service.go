package services

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/ports"
	"github.com/Marketen/verifier-node/internal/metrics"
)

// MisbehaviorDetector scans ledger state once the dissent window has closed and turns
// detected misbehavior into slash evidence.
type MisbehaviorDetector struct {
	log      zerolog.Logger
	ledger   ports.Ledger
	resolver *AssignmentResolver
	metrics  *metrics.Collector
}

// NewMisbehaviorDetector constructs a MisbehaviorDetector with dependencies injected.
func NewMisbehaviorDetector(log zerolog.Logger, ledger ports.Ledger, resolver *AssignmentResolver, collector *metrics.Collector) *MisbehaviorDetector {
	return &MisbehaviorDetector{
		log:      log.With().Str("module", "misbehavior").Logger(),
		ledger:   ledger,
		resolver: resolver,
		metrics:  collector,
	}
}

// Scan runs the four evidence passes over snap. Each pass builds its own result set.
// Read failures drop only the affected item and are returned aggregated next to the
// evidence that could be established.
func (d *MisbehaviorDetector) Scan(ctx context.Context, snap *RoundSnapshot) ([]domain.SlashEvidence, error) {
	dissented, err := d.ledger.ReadDissentedSubjects(ctx, snap.Round)
	if err != nil {
		return nil, fmt.Errorf("could not read dissented subjects: %w", err)
	}

	var errs *multierror.Error
	notRevealed, err := d.scanNotRevealed(ctx, snap, dissented)
	errs = multierror.Append(errs, err)
	offline, err := d.scanOffline(ctx, snap, dissented)
	errs = multierror.Append(errs, err)
	incorrectResult, err := d.scanIncorrectResult(ctx, snap, dissented)
	errs = multierror.Append(errs, err)
	incorrectDissent, err := d.scanIncorrectDissent(ctx, snap, dissented)
	errs = multierror.Append(errs, err)

	evidence := make([]domain.SlashEvidence, 0, len(notRevealed)+len(offline)+len(incorrectResult)+len(incorrectDissent))
	evidence = append(evidence, notRevealed...)
	evidence = append(evidence, offline...)
	evidence = append(evidence, incorrectResult...)
	evidence = append(evidence, incorrectDissent...)

	d.log.Info().
		Uint64("round", uint64(snap.Round)).
		Int("dissented", len(dissented)).
		Int("not_revealed", len(notRevealed)).
		Int("offline", len(offline)).
		Int("incorrect_result", len(incorrectResult)).
		Int("incorrect_dissent", len(incorrectDissent)).
		Msg("misbehavior scan done")
	return evidence, errs.ErrorOrNil()
}

func contains(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

// scanNotRevealed: a commitment exists in either phase and no accepted reveal opens it.
func (d *MisbehaviorDetector) scanNotRevealed(ctx context.Context, snap *RoundSnapshot, dissented []common.Address) ([]domain.SlashEvidence, error) {
	var (
		found []domain.SlashEvidence
		errs  *multierror.Error
	)
	for _, v := range snap.Verifiers {
		for _, s := range snap.Subjects {
			phases := []domain.Phase{domain.PhasePrimary}
			if contains(dissented, s.ID) {
				phases = append(phases, domain.PhaseDissent)
			}
			for _, phase := range phases {
				key := domain.CommitmentKey{Round: snap.Round, Verifier: v.ID, Subject: s.ID, Phase: phase}
				_, placed, err := d.ledger.ReadCommitment(ctx, key)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				if !placed {
					continue
				}
				revealed, err := d.ledger.ReadHasRevealed(ctx, key)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				if !revealed {
					found = append(found, domain.SlashEvidence{Verifier: v.ID, Subject: s.ID, Category: domain.NotRevealed})
					break
				}
			}
		}
	}
	return found, errs.ErrorOrNil()
}

// scanOffline: the subject was dissented, the verifier holds a dissent committee seat and
// placed no dissent commitment.
func (d *MisbehaviorDetector) scanOffline(ctx context.Context, snap *RoundSnapshot, dissented []common.Address) ([]domain.SlashEvidence, error) {
	var (
		found []domain.SlashEvidence
		errs  *multierror.Error
	)
	for _, s := range dissented {
		members, err := d.resolver.CommitteeMembers(ctx, snap, s)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("committee of %s: %w", s.Hex(), err))
			continue
		}
		for _, v := range members {
			key := domain.CommitmentKey{Round: snap.Round, Verifier: v, Subject: s, Phase: domain.PhaseDissent}
			_, placed, err := d.ledger.ReadCommitment(ctx, key)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			if !placed {
				found = append(found, domain.SlashEvidence{Verifier: v, Subject: s, Category: domain.Offline})
			}
		}
	}
	return found, errs.ErrorOrNil()
}

// scanIncorrectResult: the subject was dissented and the verifier's dissent-phase reveal
// disagrees with the post-dissent accepted answer.
func (d *MisbehaviorDetector) scanIncorrectResult(ctx context.Context, snap *RoundSnapshot, dissented []common.Address) ([]domain.SlashEvidence, error) {
	var (
		found []domain.SlashEvidence
		errs  *multierror.Error
	)
	for _, s := range dissented {
		accepted, err := d.ledger.ReadAcceptedAnswer(ctx, snap.Round, s)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("accepted answer of %s: %w", s.Hex(), err))
			continue
		}
		for _, v := range snap.Verifiers {
			key := domain.CommitmentKey{Round: snap.Round, Verifier: v.ID, Subject: s, Phase: domain.PhaseDissent}
			bit, revealed, err := d.ledger.ReadRevealedAnswer(ctx, key)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			if revealed && bit != accepted {
				found = append(found, domain.SlashEvidence{Verifier: v.ID, Subject: s, Category: domain.IncorrectResult})
			}
		}
	}
	return found, errs.ErrorOrNil()
}

// scanIncorrectDissent: the verifier dissented a subject whose accepted answer the dissent
// did not change. One item per verifier, not tied to a subject.
func (d *MisbehaviorDetector) scanIncorrectDissent(ctx context.Context, snap *RoundSnapshot, dissented []common.Address) ([]domain.SlashEvidence, error) {
	var (
		found   []domain.SlashEvidence
		errs    *multierror.Error
		flagged = make(map[common.Address]struct{})
	)
	for _, s := range dissented {
		pre, err := d.ledger.ReadAcceptedAnswerPreDissent(ctx, snap.Round, s)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pre-dissent answer of %s: %w", s.Hex(), err))
			continue
		}
		post, err := d.ledger.ReadAcceptedAnswer(ctx, snap.Round, s)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("accepted answer of %s: %w", s.Hex(), err))
			continue
		}
		if pre != post {
			continue
		}
		dissenters, err := d.ledger.ReadDissenters(ctx, snap.Round, s)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("dissenters of %s: %w", s.Hex(), err))
			continue
		}
		for _, v := range dissenters {
			if _, ok := flagged[v]; ok {
				continue
			}
			flagged[v] = struct{}{}
			found = append(found, domain.SlashEvidence{Verifier: v, Category: domain.IncorrectDissent})
		}
	}
	return found, errs.ErrorOrNil()
}

// SubmitReport counts the outcome of evidence submission.
type SubmitReport struct {
	Accepted []domain.SlashEvidence
	Rejected []domain.SlashEvidence
	Err      error
}

// Submit files every evidence item. Rejections, typically another verifier having claimed
// the same evidence first, are logged and skipped.
func (d *MisbehaviorDetector) Submit(ctx context.Context, evidence []domain.SlashEvidence) SubmitReport {
	var (
		rep  SubmitReport
		errs *multierror.Error
	)
	for _, e := range evidence {
		err := d.ledger.SubmitSlashEvidence(ctx, e)
		outcome := metrics.OutcomeOf(err)
		d.metrics.EvidenceSubmitted(e.Category, outcome)
		switch outcome {
		case metrics.OutcomeAccepted:
			d.log.Info().Str("evidence", e.String()).Msg("slash evidence accepted")
			rep.Accepted = append(rep.Accepted, e)
		case metrics.OutcomeRejected:
			d.log.Debug().Err(err).Str("evidence", e.String()).Msg("slash evidence rejected, skipping")
			rep.Rejected = append(rep.Rejected, e)
		default:
			d.log.Error().Err(err).Str("evidence", e.String()).Msg("could not submit slash evidence")
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", e, err))
		}
	}
	rep.Err = errs.ErrorOrNil()
	return rep
}
