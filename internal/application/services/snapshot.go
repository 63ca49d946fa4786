package services

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/ports"
)

// RoundSnapshot is the read-only view of participants taken once per round. Services
// receive it as a parameter instead of re-reading global lists.
type RoundSnapshot struct {
	Round     domain.RoundIndex
	Subjects  []domain.Subject
	Activity  map[common.Address]domain.Activity
	Verifiers []domain.Verifier
}

// Verifier returns the snapshotted verifier entry, or nil when it is not bonded.
func (s *RoundSnapshot) Verifier(verifier common.Address) *domain.Verifier {
	for i := range s.Verifiers {
		if s.Verifiers[i].ID == verifier {
			return &s.Verifiers[i]
		}
	}
	return nil
}

// HasSubject reports whether subject is part of the snapshot.
func (s *RoundSnapshot) HasSubject(subject common.Address) bool {
	_, ok := s.Activity[subject]
	return ok
}

// DedupeSubjects keeps the first registration of each subject across pools.
func DedupeSubjects(subjects []domain.Subject) []domain.Subject {
	seen := make(map[common.Address]struct{}, len(subjects))
	out := make([]domain.Subject, 0, len(subjects))
	for _, s := range subjects {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// TakeSnapshot reads registered subjects, their activity for round, and every bonded
// verifier with its stake. Subjects without uploaded activity are left out; a failed read
// for one subject only drops that subject.
func TakeSnapshot(ctx context.Context, log zerolog.Logger, ledger ports.Ledger, round domain.RoundIndex) (*RoundSnapshot, error) {
	registered, err := ledger.ReadRegisteredSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read registered subjects: %w", err)
	}

	snap := &RoundSnapshot{
		Round:    round,
		Activity: make(map[common.Address]domain.Activity),
	}
	for _, subject := range DedupeSubjects(registered) {
		activity, err := ledger.ReadSubjectActivity(ctx, round, subject.ID)
		if err != nil {
			log.Warn().Err(err).Str("subject", subject.ID.Hex()).Msg("could not read subject activity, skipping subject")
			continue
		}
		if activity.Signature == (common.Hash{}) {
			log.Debug().Str("subject", subject.ID.Hex()).Msg("subject uploaded no activity this round")
			continue
		}
		snap.Subjects = append(snap.Subjects, subject)
		snap.Activity[subject.ID] = activity
	}

	verifiers, err := ledger.ReadVerifiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read verifiers: %w", err)
	}
	for _, v := range verifiers {
		stake, err := ledger.ReadBondedStake(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("could not read stake of %s: %w", v.Hex(), err)
		}
		snap.Verifiers = append(snap.Verifiers, domain.Verifier{ID: v, Stake: stake})
	}

	log.Info().
		Uint64("round", uint64(round)).
		Int("subjects", len(snap.Subjects)).
		Int("verifiers", len(snap.Verifiers)).
		Msg("took round snapshot")
	return snap, nil
}
