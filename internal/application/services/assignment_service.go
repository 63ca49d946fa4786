package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
	"github.com/Marketen/verifier-node/internal/metrics"
)

const defaultTicketCacheSize = 4096

type ticketKey struct {
	seed      common.Hash
	candidate common.Address
	budget    uint64
	k         int
}

// AssignmentResolver decides which subjects a verifier must act on in each phase.
type AssignmentResolver struct {
	log     zerolog.Logger
	params  lottery.Params
	tickets *lru.Cache[ticketKey, []lottery.Ticket]
	metrics *metrics.Collector
}

// NewAssignmentResolver constructs an AssignmentResolver with dependencies injected.
func NewAssignmentResolver(log zerolog.Logger, params lottery.Params, collector *metrics.Collector) (*AssignmentResolver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New[ticketKey, []lottery.Ticket](defaultTicketCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create ticket cache: %w", err)
	}
	return &AssignmentResolver{
		log:     log.With().Str("module", "assignment").Logger(),
		params:  params,
		tickets: cache,
		metrics: collector,
	}, nil
}

// Budget returns verifier's ticket budget from the snapshot.
func (r *AssignmentResolver) Budget(snap *RoundSnapshot, verifier common.Address) uint64 {
	v := snap.Verifier(verifier)
	if v == nil {
		return 0
	}
	return lottery.TicketBudget(v.Stake, r.params.StakeUnit)
}

// ResolvePrimary runs the lottery of verifier against every snapshotted subject and
// returns the subjects it won, each with its winning ticket. A budget above the scan limit
// is a configuration error and assigns nothing.
func (r *AssignmentResolver) ResolvePrimary(ctx context.Context, snap *RoundSnapshot, verifier common.Address) ([]domain.Assignment, error) {
	start := time.Now()
	budget := r.Budget(snap, verifier)
	if budget == 0 {
		r.log.Warn().Str("verifier", verifier.Hex()).Msg("verifier holds no tickets, nothing to assign")
		r.metrics.Assigned(domain.PhasePrimary, 0, time.Since(start))
		return nil, nil
	}
	if err := r.params.CheckBudget(budget); err != nil {
		return nil, fmt.Errorf("verifier %s: %w", verifier.Hex(), err)
	}

	var out []domain.Assignment
	for _, subject := range snap.Subjects {
		activity := snap.Activity[subject.ID]
		res, err := lottery.DrawContext(ctx, activity.Signature, verifier, budget, r.params.Threshold)
		if err != nil {
			return nil, err
		}
		if !res.Selected {
			continue
		}
		out = append(out, domain.Assignment{
			Subject:     subject.ID,
			Seed:        activity.Signature,
			Index:       res.Index,
			Score:       res.Score,
			StoragePath: activity.StoragePath,
		})
	}

	r.metrics.Assigned(domain.PhasePrimary, len(out), time.Since(start))
	r.log.Info().
		Uint64("round", uint64(snap.Round)).
		Uint64("tickets", budget).
		Int("assigned", len(out)).
		Int("subjects", len(snap.Subjects)).
		Msg("resolved primary assignments")
	return out, nil
}

// Committee returns the dissent committee of subject: the CommitteeSize globally lowest
// tickets among all snapshotted verifiers. It fails if any verifier's budget exceeds the
// scan limit, since the committee cannot be computed without that verifier.
func (r *AssignmentResolver) Committee(ctx context.Context, snap *RoundSnapshot, subject common.Address) ([]lottery.Seat, error) {
	activity, ok := snap.Activity[subject]
	if !ok {
		return nil, nil
	}
	k := r.params.CommitteeSize
	perCandidate := make(map[common.Address][]lottery.Ticket, len(snap.Verifiers))
	for _, v := range snap.Verifiers {
		budget := lottery.TicketBudget(v.Stake, r.params.StakeUnit)
		if err := r.params.CheckBudget(budget); err != nil {
			return nil, fmt.Errorf("verifier %s: %w", v.ID.Hex(), err)
		}
		tickets, err := r.kSmallest(ctx, activity.Signature, v.ID, budget, k)
		if err != nil {
			return nil, err
		}
		perCandidate[v.ID] = tickets
	}
	return lottery.TopK(perCandidate, k), nil
}

// CommitteeMembers returns the distinct verifiers holding at least one seat.
func (r *AssignmentResolver) CommitteeMembers(ctx context.Context, snap *RoundSnapshot, subject common.Address) ([]common.Address, error) {
	seats, err := r.Committee(ctx, snap, subject)
	if err != nil {
		return nil, err
	}
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, seat := range seats {
		if _, ok := seen[seat.Candidate]; ok {
			continue
		}
		seen[seat.Candidate] = struct{}{}
		out = append(out, seat.Candidate)
	}
	return out, nil
}

// ResolveDissent returns the dissented subjects on whose escalation committee verifier
// holds a seat. Primary winners are not excluded.
func (r *AssignmentResolver) ResolveDissent(ctx context.Context, snap *RoundSnapshot, dissented []common.Address, verifier common.Address) ([]domain.Assignment, error) {
	start := time.Now()
	var out []domain.Assignment
	for _, subject := range dissented {
		if !snap.HasSubject(subject) {
			r.log.Warn().Str("subject", subject.Hex()).Msg("dissented subject missing from round snapshot")
			continue
		}
		seats, err := r.Committee(ctx, snap, subject)
		if err != nil {
			return nil, err
		}
		seat, ok := lottery.BestSeat(seats, verifier)
		if !ok {
			continue
		}
		activity := snap.Activity[subject]
		out = append(out, domain.Assignment{
			Subject:     subject,
			Seed:        activity.Signature,
			Index:       seat.Index,
			Score:       seat.Score,
			StoragePath: activity.StoragePath,
		})
	}

	r.metrics.Assigned(domain.PhaseDissent, len(out), time.Since(start))
	r.log.Info().
		Uint64("round", uint64(snap.Round)).
		Int("dissented", len(dissented)).
		Int("assigned", len(out)).
		Msg("resolved dissent assignments")
	return out, nil
}

func (r *AssignmentResolver) kSmallest(ctx context.Context, seed common.Hash, candidate common.Address, budget uint64, k int) ([]lottery.Ticket, error) {
	key := ticketKey{seed: seed, candidate: candidate, budget: budget, k: k}
	if cached, ok := r.tickets.Get(key); ok {
		return cached, nil
	}
	tickets, err := lottery.KSmallestContext(ctx, seed, candidate, budget, k)
	if err != nil {
		return nil, err
	}
	r.tickets.Add(key, tickets)
	return tickets, nil
}
