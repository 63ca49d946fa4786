package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/ports"
	"github.com/Marketen/verifier-node/internal/metrics"
)

// RoundResult summarizes what this verifier did in one round.
type RoundResult struct {
	Round         domain.RoundIndex
	Primary       []domain.Assignment
	Dissent       []domain.Assignment
	Commits       PhaseReport
	Reveals       PhaseReport
	Dissents      PhaseReport
	DissentCommit PhaseReport
	DissentReveal PhaseReport
	Evidence      []domain.SlashEvidence
	Claims        SubmitReport
}

// Status is the node's latest view, safe for concurrent readers.
type Status struct {
	Round           atomic.Uint64
	Stage           atomic.Uint32
	RoundsCompleted atomic.Uint64
	EvidenceFiled   atomic.Uint64
}

// Orchestrator drives one verifier through rounds. It shares nothing with other
// verifiers; the ledger's stage is the only coordination.
type Orchestrator struct {
	log         zerolog.Logger
	ledger      ports.Ledger
	waiter      *StageWaiter
	resolver    *AssignmentResolver
	coordinator *CommitRevealCoordinator
	detector    *MisbehaviorDetector
	metrics     *metrics.Collector
	rollRound   bool

	status Status
}

// NewOrchestrator constructs an Orchestrator with dependencies injected. rollRound makes
// the node wait for (and, when its waiter drives transitions, request) the rollover into
// the next round before RunRound returns.
func NewOrchestrator(
	log zerolog.Logger,
	ledger ports.Ledger,
	waiter *StageWaiter,
	resolver *AssignmentResolver,
	coordinator *CommitRevealCoordinator,
	detector *MisbehaviorDetector,
	collector *metrics.Collector,
	rollRound bool,
) *Orchestrator {
	return &Orchestrator{
		log:         log.With().Str("module", "orchestrator").Str("verifier", ledger.Self().Hex()).Logger(),
		ledger:      ledger,
		waiter:      waiter,
		resolver:    resolver,
		coordinator: coordinator,
		detector:    detector,
		metrics:     collector,
		rollRound:   rollRound,
	}
}

// Status exposes the node's latest view.
func (o *Orchestrator) Status() *Status {
	return &o.status
}

// Run executes rounds until ctx is done. A round the ledger left behind is abandoned for
// the round it moved to. Any other failed round is logged and waited out.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		res, err := o.RunRound(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errRoundOver) {
			// The ledger is in a later round whose stages may still be open; join it.
			o.log.Warn().Err(err).Msg("round overtaken by the ledger, joining the current round")
			continue
		}
		if err != nil {
			o.log.Error().Err(err).Msg("round failed")
			cur, rerr := o.waiter.Current(ctx)
			if rerr != nil {
				continue
			}
			// Wait out the failed round so the next iteration starts fresh.
			if _, werr := o.waiter.WaitFor(ctx, cur.Index+1, domain.AwaitingSubjectInput); werr != nil {
				return werr
			}
			continue
		}
		if !o.rollRound {
			if _, err := o.waiter.WaitFor(ctx, res.Round+1, domain.AwaitingSubjectInput); err != nil {
				return err
			}
		}
	}
}

// errRoundOver is returned internally when the ledger moved on to another round.
var errRoundOver = errors.New("round is over")

func (o *Orchestrator) observe(cur domain.Round) {
	o.status.Round.Store(uint64(cur.Index))
	o.status.Stage.Store(uint32(cur.Stage))
}

// await waits for target and reports whether the ledger is exactly there.
func (o *Orchestrator) await(ctx context.Context, round domain.RoundIndex, target domain.Stage) (bool, error) {
	cur, err := o.waiter.WaitFor(ctx, round, target)
	if err != nil {
		return false, err
	}
	o.observe(cur)
	if cur.Index != round {
		return false, errRoundOver
	}
	if cur.Stage != target {
		o.log.Debug().Str("target", target.String()).Str("stage", cur.Stage.String()).Msg("stage skipped or missed")
		return false, nil
	}
	return true, nil
}

// RunRound drives this verifier through the current (or next) round: commit, reveal,
// dissent, dissent commit-reveal, evidence.
func (o *Orchestrator) RunRound(ctx context.Context) (RoundResult, error) {
	cur, err := o.waiter.Current(ctx)
	if err != nil {
		return RoundResult{}, fmt.Errorf("could not read round: %w", err)
	}
	round := cur.Index
	if cur.Stage > domain.CollectingCommitments {
		o.log.Warn().Uint64("round", uint64(round)).Str("stage", cur.Stage.String()).
			Msg("joined round after commitments closed, participating in what is left")
	}

	res := RoundResult{Round: round}
	log := o.log.With().Uint64("round", uint64(round)).Logger()

	if _, err := o.await(ctx, round, domain.CollectingCommitments); err != nil {
		return res, o.roundErr(err)
	}
	snap, err := TakeSnapshot(ctx, log, o.ledger, round)
	if err != nil {
		return res, err
	}
	self := o.ledger.Self()

	if res.Primary, err = o.resolver.ResolvePrimary(ctx, snap, self); err != nil {
		return res, fmt.Errorf("could not resolve assignments: %w", err)
	}
	if ok, err := o.await(ctx, round, domain.CollectingCommitments); err != nil {
		return res, o.roundErr(err)
	} else if ok {
		res.Commits = o.coordinator.Commit(ctx, round, domain.PhasePrimary, res.Primary)
		o.logReport(log, "commit", res.Commits)
	}

	if ok, err := o.await(ctx, round, domain.CollectingReveals); err != nil {
		return res, o.roundErr(err)
	} else if ok {
		res.Reveals = o.coordinator.Reveal(ctx, round, domain.PhasePrimary, res.Primary)
		o.logReport(log, "reveal", res.Reveals)
	}

	if ok, err := o.await(ctx, round, domain.DissentWindow); err != nil {
		return res, o.roundErr(err)
	} else if ok {
		res.Dissents = o.coordinator.RaiseDissents(ctx, round, res.Primary)
		o.logReport(log, "dissent", res.Dissents)
	}

	if ok, err := o.await(ctx, round, domain.DissentCommitments); err != nil {
		return res, o.roundErr(err)
	} else if ok {
		dissented, err := o.ledger.ReadDissentedSubjects(ctx, round)
		if err != nil {
			log.Error().Err(err).Msg("could not read dissented subjects, sitting out the dissent cycle")
		} else {
			res.Dissent, err = o.resolver.ResolveDissent(ctx, snap, dissented, self)
			if err != nil {
				log.Error().Err(err).Msg("could not resolve dissent assignments, sitting out the dissent cycle")
			} else {
				res.DissentCommit = o.coordinator.Commit(ctx, round, domain.PhaseDissent, res.Dissent)
				o.logReport(log, "dissent commit", res.DissentCommit)
			}
		}
	}

	if ok, err := o.await(ctx, round, domain.DissentReveals); err != nil {
		return res, o.roundErr(err)
	} else if ok {
		res.DissentReveal = o.coordinator.Reveal(ctx, round, domain.PhaseDissent, res.Dissent)
		o.logReport(log, "dissent reveal", res.DissentReveal)
	}

	if ok, err := o.await(ctx, round, domain.Slashing); err != nil {
		return res, o.roundErr(err)
	} else if ok {
		evidence, err := o.detector.Scan(ctx, snap)
		if err != nil {
			log.Warn().Err(err).Msg("misbehavior scan incomplete")
		}
		res.Evidence = excludeSelf(evidence, self)
		res.Claims = o.detector.Submit(ctx, res.Evidence)
		o.status.EvidenceFiled.Add(uint64(len(res.Claims.Accepted)))
		if res.Claims.Err != nil {
			log.Warn().Err(res.Claims.Err).Msg("some slash evidence could not be submitted")
		}
	}

	o.status.RoundsCompleted.Inc()
	o.metrics.RoundCompleted()
	o.coordinator.Prune(round)

	if o.rollRound {
		if _, err := o.await(ctx, round+1, domain.AwaitingSubjectInput); err != nil && !errors.Is(err, errRoundOver) {
			return res, err
		}
	}
	log.Info().
		Int("primary", len(res.Primary)).
		Int("dissent", len(res.Dissent)).
		Int("evidence", len(res.Evidence)).
		Int("claims_accepted", len(res.Claims.Accepted)).
		Msg("round finished")
	return res, nil
}

// roundErr turns a stale-round signal into a plain error for callers.
func (o *Orchestrator) roundErr(err error) error {
	if errors.Is(err, errRoundOver) {
		return fmt.Errorf("ledger moved to a later round mid-protocol: %w", err)
	}
	return err
}

func (o *Orchestrator) logReport(log zerolog.Logger, step string, rep PhaseReport) {
	if rep.Err != nil {
		log.Warn().Err(rep.Err).Str("step", step).Msg("some subjects failed")
	}
}

// excludeSelf drops evidence naming this verifier; a node never files claims against itself.
func excludeSelf(evidence []domain.SlashEvidence, self common.Address) []domain.SlashEvidence {
	out := evidence[:0:0]
	for _, e := range evidence {
		if e.Verifier == self {
			continue
		}
		out = append(out, e)
	}
	return out
}
