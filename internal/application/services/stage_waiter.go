package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/ports"
	"github.com/Marketen/verifier-node/internal/metrics"
)

const (
	defaultPollInterval    = time.Second
	defaultMaxPollInterval = 15 * time.Second
)

// WaiterConfig tunes how a StageWaiter polls and whether it drives transitions.
type WaiterConfig struct {
	Durations       domain.StageDurations
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// DriveTransitions makes the waiter request a transition once the chain clock says the
	// current stage's duration has elapsed.
	DriveTransitions bool
}

// StageWaiter suspends a verifier until the ledger reaches a stage. The ledger's stage is
// authoritative; the chain clock only decides when to poll or attempt a transition.
type StageWaiter struct {
	log     zerolog.Logger
	ledger  ports.Ledger
	clock   ports.ChainClock
	cfg     WaiterConfig
	metrics *metrics.Collector
}

// NewStageWaiter constructs a StageWaiter with dependencies injected.
func NewStageWaiter(log zerolog.Logger, ledger ports.Ledger, clock ports.ChainClock, cfg WaiterConfig, collector *metrics.Collector) *StageWaiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = defaultMaxPollInterval
		if cfg.MaxPollInterval < cfg.PollInterval {
			cfg.MaxPollInterval = cfg.PollInterval
		}
	}
	return &StageWaiter{
		log:     log.With().Str("module", "stage_waiter").Logger(),
		ledger:  ledger,
		clock:   clock,
		cfg:     cfg,
		metrics: collector,
	}
}

// Reached reports whether cur is at or past (round, target). A later round always counts.
func Reached(cur domain.Round, round domain.RoundIndex, target domain.Stage) bool {
	if cur.Index != round {
		return cur.Index > round
	}
	return cur.Stage >= target
}

// Current reads the ledger's round.
func (w *StageWaiter) Current(ctx context.Context) (domain.Round, error) {
	cur, err := w.ledger.ReadRound(ctx)
	if err != nil {
		return domain.Round{}, err
	}
	w.metrics.RoundObserved(cur)
	return cur, nil
}

// WaitFor blocks until the ledger is at or past target in round and returns the observed
// round. Skipped stages (no dissent) count as passed, so callers compare the returned
// stage with target before acting. Read failures are logged and polled through.
func (w *StageWaiter) WaitFor(ctx context.Context, round domain.RoundIndex, target domain.Stage) (domain.Round, error) {
	backoff := w.newBackoff()
	log := w.log.With().Uint64("round", uint64(round)).Str("target", target.String()).Logger()
	log.Debug().Msg("waiting for stage")

	for {
		cur, err := w.Current(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("could not read round, polling again")
		} else {
			if Reached(cur, round, target) {
				log.Debug().Uint64("at_round", uint64(cur.Index)).Str("stage", cur.Stage.String()).Msg("stage reached")
				return cur, nil
			}
			if w.cfg.DriveTransitions && w.tryTransition(ctx, cur) {
				backoff = w.newBackoff()
				continue
			}
		}

		delay, _ := backoff.Next()
		if err == nil {
			delay = w.capToTransition(ctx, cur, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Round{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryTransition requests a transition when the chain clock says it is due. It reports
// whether the ledger accepted it.
func (w *StageWaiter) tryTransition(ctx context.Context, cur domain.Round) bool {
	now, err := w.clock.Now(ctx)
	if err != nil {
		w.log.Debug().Err(err).Msg("could not read chain clock")
		return false
	}
	if !w.cfg.Durations.TransitionDue(cur.Stage, cur.StageStartTime, now) {
		return false
	}
	err = w.ledger.RequestStageTransition(ctx)
	switch {
	case err == nil:
		w.log.Info().Uint64("round", uint64(cur.Index)).Str("from", cur.Stage.String()).Msg("requested stage transition")
		return true
	case domain.IsRejected(err):
		// Another participant got there first, or the ledger's clock disagrees with ours.
		w.log.Debug().Err(err).Str("stage", cur.Stage.String()).Msg("stage transition rejected")
	default:
		w.log.Warn().Err(err).Str("stage", cur.Stage.String()).Msg("could not request stage transition")
	}
	return false
}

// capToTransition shortens delay so the next poll happens when the current stage may end.
func (w *StageWaiter) capToTransition(ctx context.Context, cur domain.Round, delay time.Duration) time.Duration {
	if cur.Stage == domain.AwaitingSubjectInput {
		return delay
	}
	now, err := w.clock.Now(ctx)
	if err != nil {
		return delay
	}
	until := w.cfg.Durations.TransitionAt(cur.Stage, cur.StageStartTime).Sub(now)
	if until > 0 && until < delay {
		return until
	}
	return delay
}

func (w *StageWaiter) newBackoff() retry.Backoff {
	b := retry.NewFibonacci(w.cfg.PollInterval)
	return retry.WithCappedDuration(w.cfg.MaxPollInterval, b)
}
