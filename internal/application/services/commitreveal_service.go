package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/ports"
	"github.com/Marketen/verifier-node/internal/metrics"
)

const defaultSubmitConcurrency = 8

// FaultInjection configures deliberate misbehavior for test networks. The zero value is
// an honest verifier.
type FaultInjection struct {
	// WithholdReveals commits normally but never reveals.
	WithholdReveals bool
	// InvertAll flips the classifier answer for every subject.
	InvertAll bool
	// InvertSubjects flips the classifier answer for the listed subjects only.
	InvertSubjects map[common.Address]bool
}

func (f FaultInjection) inverts(subject common.Address) bool {
	return f.InvertAll || f.InvertSubjects[subject]
}

// Active reports whether any fault is configured.
func (f FaultInjection) Active() bool {
	return f.WithholdReveals || f.InvertAll || len(f.InvertSubjects) > 0
}

// PhaseReport summarizes one batch of per-subject ledger writes. Err aggregates failures
// that were neither rejections nor abstentions.
type PhaseReport struct {
	Round     domain.RoundIndex
	Phase     domain.Phase
	Submitted []common.Address
	Rejected  []common.Address
	Skipped   []common.Address
	Err       error
}

type subjectOutcome struct {
	subject common.Address
	outcome string
	err     error
}

func newReport(round domain.RoundIndex, phase domain.Phase, outcomes []subjectOutcome) PhaseReport {
	rep := PhaseReport{Round: round, Phase: phase}
	var errs *multierror.Error
	for _, o := range outcomes {
		switch o.outcome {
		case metrics.OutcomeAccepted:
			rep.Submitted = append(rep.Submitted, o.subject)
		case metrics.OutcomeRejected:
			rep.Rejected = append(rep.Rejected, o.subject)
		case metrics.OutcomeSkipped:
			rep.Skipped = append(rep.Skipped, o.subject)
		default:
			errs = multierror.Append(errs, fmt.Errorf("subject %s: %w", o.subject.Hex(), o.err))
		}
	}
	rep.Err = errs.ErrorOrNil()
	return rep
}

// CommitRevealCoordinator builds and submits commitments, reveals and dissent flags for
// one verifier.
type CommitRevealCoordinator struct {
	log         zerolog.Logger
	ledger      ports.Ledger
	artifacts   ports.ArtifactStore
	classifier  ports.Classifier
	secrets     ports.SecretStore
	metrics     *metrics.Collector
	faults      FaultInjection
	concurrency int
}

// NewCommitRevealCoordinator constructs a CommitRevealCoordinator with dependencies injected.
// concurrency bounds in-flight submissions; zero picks a default.
func NewCommitRevealCoordinator(
	log zerolog.Logger,
	ledger ports.Ledger,
	artifacts ports.ArtifactStore,
	classifier ports.Classifier,
	secrets ports.SecretStore,
	collector *metrics.Collector,
	faults FaultInjection,
	concurrency int,
) *CommitRevealCoordinator {
	if concurrency <= 0 {
		concurrency = defaultSubmitConcurrency
	}
	return &CommitRevealCoordinator{
		log:         log.With().Str("module", "commit_reveal").Logger(),
		ledger:      ledger,
		artifacts:   artifacts,
		classifier:  classifier,
		secrets:     secrets,
		metrics:     collector,
		faults:      faults,
		concurrency: concurrency,
	}
}

// forEach runs fn for every assignment with bounded concurrency. All calls complete
// before it returns; fn failures never cancel the others.
func (c *CommitRevealCoordinator) forEach(ctx context.Context, assignments []domain.Assignment, fn func(context.Context, domain.Assignment) subjectOutcome) []subjectOutcome {
	outcomes := make([]subjectOutcome, len(assignments))
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, a := range assignments {
		i, a := i, a
		g.Go(func() error {
			outcomes[i] = fn(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Commit classifies every assigned subject and submits hash(bit ‖ nonce) with the winning
// ticket index. The opening is persisted before submission so it survives a restart.
// A subject whose artifact cannot be fetched or classified is abstained on.
func (c *CommitRevealCoordinator) Commit(ctx context.Context, round domain.RoundIndex, phase domain.Phase, assignments []domain.Assignment) PhaseReport {
	outcomes := c.forEach(ctx, assignments, func(ctx context.Context, a domain.Assignment) subjectOutcome {
		return c.commitOne(ctx, round, phase, a)
	})
	rep := newReport(round, phase, outcomes)
	c.log.Info().
		Uint64("round", uint64(round)).
		Str("phase", phase.String()).
		Int("submitted", len(rep.Submitted)).
		Int("rejected", len(rep.Rejected)).
		Int("abstained", len(rep.Skipped)).
		Msg("commit phase done")
	return rep
}

func (c *CommitRevealCoordinator) commitOne(ctx context.Context, round domain.RoundIndex, phase domain.Phase, a domain.Assignment) subjectOutcome {
	key := domain.CommitmentKey{Round: round, Verifier: c.ledger.Self(), Subject: a.Subject, Phase: phase}
	log := c.log.With().Uint64("round", uint64(round)).Str("phase", phase.String()).Str("subject", a.Subject.Hex()).Logger()

	secret, found, err := c.secrets.Get(key)
	if err != nil {
		return subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeFailed, err: fmt.Errorf("could not read secret store: %w", err)}
	}
	if !found {
		bit, err := c.answer(ctx, a)
		if err != nil {
			log.Warn().Err(err).Msg("abstaining on subject")
			c.metrics.Abstained()
			return subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeSkipped}
		}
		nonce, err := domain.NewNonce()
		if err != nil {
			return subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeFailed, err: err}
		}
		secret = domain.Secret{Bit: bit, Nonce: nonce}
		if err := c.secrets.Put(key, secret); err != nil {
			return subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeFailed, err: fmt.Errorf("could not persist secret: %w", err)}
		}
	} else {
		log.Debug().Msg("reusing stored opening for subject")
	}

	commitment := domain.CommitmentHash(secret.Bit, secret.Nonce)
	err = c.ledger.SubmitCommitment(ctx, a.Subject, commitment, a.Index, phase)
	outcome := metrics.OutcomeOf(err)
	c.metrics.CommitmentSubmitted(phase, outcome)
	switch outcome {
	case metrics.OutcomeAccepted:
		log.Debug().Uint64("ticket", uint64(a.Index)).Str("commitment", commitment.Hex()).Msg("commitment placed")
	case metrics.OutcomeRejected:
		log.Warn().Err(err).Msg("commitment rejected, treating as not placed")
	default:
		log.Error().Err(err).Msg("could not submit commitment")
	}
	return subjectOutcome{subject: a.Subject, outcome: outcome, err: err}
}

// answer downloads and classifies the subject's artifact, applying configured faults.
func (c *CommitRevealCoordinator) answer(ctx context.Context, a domain.Assignment) (bool, error) {
	artifact, err := c.artifacts.Download(ctx, a.Subject, a.StoragePath)
	if err != nil {
		return false, fmt.Errorf("could not download activity artifact: %w", err)
	}
	bit, err := c.classifier.Classify(ctx, artifact)
	if err != nil {
		return false, fmt.Errorf("could not classify activity artifact: %w", err)
	}
	if c.faults.inverts(a.Subject) {
		c.log.Warn().Str("subject", a.Subject.Hex()).Msg("fault injection: inverting answer")
		bit = !bit
	}
	return bit, nil
}

// Reveal opens the commitments this verifier placed for assignments. Subjects without a
// locally owned commitment matching the ledger are refused locally.
func (c *CommitRevealCoordinator) Reveal(ctx context.Context, round domain.RoundIndex, phase domain.Phase, assignments []domain.Assignment) PhaseReport {
	if c.faults.WithholdReveals {
		c.log.Warn().Uint64("round", uint64(round)).Str("phase", phase.String()).Int("subjects", len(assignments)).
			Msg("fault injection: withholding all reveals")
		outcomes := make([]subjectOutcome, len(assignments))
		for i, a := range assignments {
			outcomes[i] = subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeSkipped}
			c.metrics.RevealSubmitted(phase, metrics.OutcomeSkipped)
		}
		return newReport(round, phase, outcomes)
	}

	outcomes := c.forEach(ctx, assignments, func(ctx context.Context, a domain.Assignment) subjectOutcome {
		return c.revealOne(ctx, round, phase, a.Subject)
	})
	rep := newReport(round, phase, outcomes)
	c.log.Info().
		Uint64("round", uint64(round)).
		Str("phase", phase.String()).
		Int("revealed", len(rep.Submitted)).
		Int("rejected", len(rep.Rejected)).
		Int("skipped", len(rep.Skipped)).
		Msg("reveal phase done")
	return rep
}

func (c *CommitRevealCoordinator) revealOne(ctx context.Context, round domain.RoundIndex, phase domain.Phase, subject common.Address) subjectOutcome {
	key := domain.CommitmentKey{Round: round, Verifier: c.ledger.Self(), Subject: subject, Phase: phase}
	log := c.log.With().Uint64("round", uint64(round)).Str("phase", phase.String()).Str("subject", subject.Hex()).Logger()

	secret, err := c.ownedOpening(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrProtocolViolation) {
			log.Debug().Err(err).Msg("not revealing")
			c.metrics.RevealSubmitted(phase, metrics.OutcomeSkipped)
			return subjectOutcome{subject: subject, outcome: metrics.OutcomeSkipped}
		}
		return subjectOutcome{subject: subject, outcome: metrics.OutcomeFailed, err: err}
	}

	revealed, err := c.ledger.ReadHasRevealed(ctx, key)
	if err != nil {
		return subjectOutcome{subject: subject, outcome: metrics.OutcomeFailed, err: err}
	}
	if revealed {
		log.Debug().Msg("already revealed")
		return subjectOutcome{subject: subject, outcome: metrics.OutcomeAccepted}
	}

	err = c.ledger.SubmitReveal(ctx, subject, secret.Bit, secret.Nonce, phase)
	outcome := metrics.OutcomeOf(err)
	c.metrics.RevealSubmitted(phase, outcome)
	switch outcome {
	case metrics.OutcomeAccepted:
		log.Debug().Bool("bit", secret.Bit).Msg("reveal accepted")
	case metrics.OutcomeRejected:
		log.Warn().Err(err).Msg("reveal rejected, treating as not revealed")
	default:
		log.Error().Err(err).Msg("could not submit reveal")
	}
	return subjectOutcome{subject: subject, outcome: outcome, err: err}
}

// ownedOpening returns the stored opening of key after checking that the ledger holds a
// commitment it opens. Any mismatch is a local protocol violation.
func (c *CommitRevealCoordinator) ownedOpening(ctx context.Context, key domain.CommitmentKey) (domain.Secret, error) {
	secret, found, err := c.secrets.Get(key)
	if err != nil {
		return domain.Secret{}, fmt.Errorf("could not read secret store: %w", err)
	}
	if !found {
		return domain.Secret{}, fmt.Errorf("%w: %w", domain.ErrProtocolViolation, domain.ErrNoCommitment)
	}
	stored, placed, err := c.ledger.ReadCommitment(ctx, key)
	if err != nil {
		return domain.Secret{}, fmt.Errorf("could not read commitment: %w", err)
	}
	if !placed {
		return domain.Secret{}, fmt.Errorf("%w: commitment was never placed on the ledger", domain.ErrProtocolViolation)
	}
	if !secret.Opens(stored) {
		return domain.Secret{}, fmt.Errorf("%w: stored opening does not match ledger commitment %s", domain.ErrProtocolViolation, stored.Hex())
	}
	return secret, nil
}

// RaiseDissents flags every subject where this verifier's accepted primary reveal
// disagrees with the ledger's accepted answer.
func (c *CommitRevealCoordinator) RaiseDissents(ctx context.Context, round domain.RoundIndex, assignments []domain.Assignment) PhaseReport {
	self := c.ledger.Self()
	outcomes := make([]subjectOutcome, 0, len(assignments))
	for _, a := range assignments {
		log := c.log.With().Uint64("round", uint64(round)).Str("subject", a.Subject.Hex()).Logger()
		key := domain.CommitmentKey{Round: round, Verifier: self, Subject: a.Subject, Phase: domain.PhasePrimary}

		bit, revealed, err := c.ledger.ReadRevealedAnswer(ctx, key)
		if err != nil {
			outcomes = append(outcomes, subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeFailed, err: err})
			continue
		}
		if !revealed {
			continue
		}
		accepted, err := c.ledger.ReadAcceptedAnswer(ctx, round, a.Subject)
		if err != nil {
			outcomes = append(outcomes, subjectOutcome{subject: a.Subject, outcome: metrics.OutcomeFailed, err: err})
			continue
		}
		if bit == accepted {
			continue
		}

		err = c.ledger.RaiseDissent(ctx, a.Subject)
		outcome := metrics.OutcomeOf(err)
		c.metrics.DissentRaised(outcome)
		switch outcome {
		case metrics.OutcomeAccepted:
			log.Info().Bool("own", bit).Bool("accepted", accepted).Msg("dissent raised")
		case metrics.OutcomeRejected:
			log.Warn().Err(err).Msg("dissent rejected")
		default:
			log.Error().Err(err).Msg("could not raise dissent")
		}
		outcomes = append(outcomes, subjectOutcome{subject: a.Subject, outcome: outcome, err: err})
	}
	return newReport(round, domain.PhasePrimary, outcomes)
}

// Prune drops stored openings of rounds before round.
func (c *CommitRevealCoordinator) Prune(round domain.RoundIndex) {
	if err := c.secrets.Prune(round); err != nil {
		c.log.Warn().Err(err).Uint64("round", uint64(round)).Msg("could not prune secret store")
	}
}
