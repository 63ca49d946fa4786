package services

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/metrics"
)

type participant struct {
	faults        FaultInjection
	dissentFaults *FaultInjection // replaces faults for the dissent phase when set
	skipDissent   bool            // never commits in the dissent phase
	coordinator   *CommitRevealCoordinator
	primary       []domain.Assignment
	dissentAssign []domain.Assignment
}

// playRound drives every participant through a full round up to SLASHING.
func playRound(t *testing.T, n *testNet, parts map[common.Address]*participant) *RoundSnapshot {
	t.Helper()
	ctx := context.Background()
	require.Equal(t, domain.CollectingCommitments, n.advance())
	snap := n.snapshot(n.verifiers[0])
	resolver := n.resolver()

	for v, p := range parts {
		p.coordinator = n.coordinator(v, p.faults)
		p.primary = mustPrimary(t, resolver, snap, v)
		p.coordinator.Commit(ctx, 0, domain.PhasePrimary, p.primary)
	}
	n.advance()
	for _, p := range parts {
		p.coordinator.Reveal(ctx, 0, domain.PhasePrimary, p.primary)
	}
	n.advance()
	for _, p := range parts {
		p.coordinator.RaiseDissents(ctx, 0, p.primary)
	}
	if n.advance() == domain.DissentCommitments {
		dissented, err := n.ledger.Client(n.verifiers[0]).ReadDissentedSubjects(ctx, 0)
		require.NoError(t, err)
		for v, p := range parts {
			p.dissentAssign = mustDissent(t, resolver, snap, dissented, v)
			if p.dissentFaults != nil {
				p.coordinator = n.coordinator(v, *p.dissentFaults)
			}
			if !p.skipDissent {
				p.coordinator.Commit(ctx, 0, domain.PhaseDissent, p.dissentAssign)
			}
		}
		n.advance()
		for _, p := range parts {
			p.coordinator.Reveal(ctx, 0, domain.PhaseDissent, p.dissentAssign)
		}
		n.advance()
	}
	require.Equal(t, domain.Slashing, n.ledger.Round().Stage)
	return snap
}

func (n *testNet) detector(v common.Address) *MisbehaviorDetector {
	return NewMisbehaviorDetector(zerolog.Nop(), n.ledger.Client(v), n.resolver(), metrics.NewNoopCollector())
}

func TestScan_HonestRoundHasNoEvidence(t *testing.T) {
	n := newTestNet(t, 3, []bool{true, false})
	parts := map[common.Address]*participant{}
	for _, v := range n.verifiers {
		parts[v] = &participant{}
	}
	snap := playRound(t, n, parts)

	evidence, err := n.detector(n.verifiers[0]).Scan(context.Background(), snap)
	require.NoError(t, err)
	require.Empty(t, evidence)
}

func TestScan_DetectsEveryCategory(t *testing.T) {
	n := newTestNet(t, 5, []bool{true, true, false})
	s0, s1 := n.subjects[0], n.subjects[1]
	withholder, liar, sleeper, honest := n.verifiers[0], n.verifiers[1], n.verifiers[2], n.verifiers[3]

	parts := map[common.Address]*participant{
		withholder:     {faults: FaultInjection{WithholdReveals: true}},
		liar:           {faults: FaultInjection{InvertSubjects: map[common.Address]bool{s1: true}}},
		sleeper:        {skipDissent: true},
		honest:         {},
		n.verifiers[4]: {},
	}
	snap := playRound(t, n, parts)

	evidence, err := n.detector(honest).Scan(context.Background(), snap)
	require.NoError(t, err)

	want := []domain.SlashEvidence{
		// withholder committed on every subject and opened none.
		{Verifier: withholder, Subject: s0, Category: domain.NotRevealed},
		{Verifier: withholder, Subject: s1, Category: domain.NotRevealed},
		{Verifier: withholder, Subject: n.subjects[2], Category: domain.NotRevealed},
		// sleeper holds a committee seat for the dissented subject and never committed.
		{Verifier: sleeper, Subject: s1, Category: domain.Offline},
		// liar repeated its wrong answer in the dissent phase.
		{Verifier: liar, Subject: s1, Category: domain.IncorrectResult},
		// the dissent did not change the answer.
		{Verifier: liar, Category: domain.IncorrectDissent},
	}
	require.ElementsMatch(t, want, evidence)
	for e, count := range evidenceSet(evidence) {
		require.Equal(t, 1, count, "duplicate evidence %s", e)
	}
}

// TestScan_SingleFault plays three verifiers over one compliant subject with exactly one
// misbehaving participant and expects exactly one evidence item.
func TestScan_SingleFault(t *testing.T) {
	honest := FaultInjection{}
	lie := FaultInjection{InvertAll: true}

	tests := []struct {
		name  string
		parts func(v []common.Address) map[common.Address]*participant
		want  func(v []common.Address, s common.Address) domain.SlashEvidence
	}{
		{
			name: "withheld reveal",
			parts: func(v []common.Address) map[common.Address]*participant {
				return map[common.Address]*participant{
					v[0]: {},
					v[1]: {},
					v[2]: {faults: FaultInjection{WithholdReveals: true}},
				}
			},
			want: func(v []common.Address, s common.Address) domain.SlashEvidence {
				return domain.SlashEvidence{Verifier: v[2], Subject: s, Category: domain.NotRevealed}
			},
		},
		{
			// Two liars outvote v0, whose dissent overturns the answer. v2 sleeps through
			// the dissent cycle.
			name: "committee member offline",
			parts: func(v []common.Address) map[common.Address]*participant {
				return map[common.Address]*participant{
					v[0]: {},
					v[1]: {faults: lie, dissentFaults: &honest},
					v[2]: {faults: lie, skipDissent: true},
				}
			},
			want: func(v []common.Address, s common.Address) domain.SlashEvidence {
				return domain.SlashEvidence{Verifier: v[2], Subject: s, Category: domain.Offline}
			},
		},
		{
			// The answer is overturned, but v2 keeps lying in the dissent phase.
			name: "incorrect dissent-phase result",
			parts: func(v []common.Address) map[common.Address]*participant {
				return map[common.Address]*participant{
					v[0]: {},
					v[1]: {faults: lie, dissentFaults: &honest},
					v[2]: {faults: lie},
				}
			},
			want: func(v []common.Address, s common.Address) domain.SlashEvidence {
				return domain.SlashEvidence{Verifier: v[2], Subject: s, Category: domain.IncorrectResult}
			},
		},
		{
			// v2 lies, dissents against the honest majority, then answers honestly.
			name: "dissent that changed nothing",
			parts: func(v []common.Address) map[common.Address]*participant {
				return map[common.Address]*participant{
					v[0]: {},
					v[1]: {},
					v[2]: {faults: lie, dissentFaults: &honest},
				}
			},
			want: func(v []common.Address, _ common.Address) domain.SlashEvidence {
				return domain.SlashEvidence{Verifier: v[2], Category: domain.IncorrectDissent}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNet(t, 3, []bool{true})
			snap := playRound(t, n, tt.parts(n.verifiers))

			evidence, err := n.detector(n.verifiers[0]).Scan(context.Background(), snap)
			require.NoError(t, err)
			require.Equal(t, []domain.SlashEvidence{tt.want(n.verifiers, n.subjects[0])}, evidence)
		})
	}
}

func TestScan_OverturnedAnswerIsNotIncorrectDissent(t *testing.T) {
	// Two of three verifiers lie in the primary phase; the honest one dissents and the
	// committee, voting honestly in the dissent phase, overturns the answer.
	n := newTestNet(t, 3, []bool{true})
	s := n.subjects[0]
	parts := map[common.Address]*participant{
		n.verifiers[0]: {},
		n.verifiers[1]: {faults: FaultInjection{InvertAll: true}},
		n.verifiers[2]: {faults: FaultInjection{InvertAll: true}},
	}
	ctx := context.Background()
	require.Equal(t, domain.CollectingCommitments, n.advance())
	snap := n.snapshot(n.verifiers[0])
	resolver := n.resolver()
	for v, p := range parts {
		p.coordinator = n.coordinator(v, p.faults)
		p.primary = mustPrimary(t, resolver, snap, v)
		p.coordinator.Commit(ctx, 0, domain.PhasePrimary, p.primary)
	}
	n.advance()
	for _, p := range parts {
		p.coordinator.Reveal(ctx, 0, domain.PhasePrimary, p.primary)
	}
	n.advance()
	for _, p := range parts {
		p.coordinator.RaiseDissents(ctx, 0, p.primary)
	}
	require.Equal(t, domain.DissentCommitments, n.advance())

	// The liars turn honest for the dissent phase.
	dissented := []common.Address{s}
	for v := range parts {
		c := n.coordinator(v, FaultInjection{})
		a := mustDissent(t, resolver, snap, dissented, v)
		parts[v].coordinator, parts[v].dissentAssign = c, a
		c.Commit(ctx, 0, domain.PhaseDissent, a)
	}
	n.advance()
	for _, p := range parts {
		p.coordinator.Reveal(ctx, 0, domain.PhaseDissent, p.dissentAssign)
	}
	require.Equal(t, domain.Slashing, n.advance())

	evidence, err := n.detector(n.verifiers[0]).Scan(ctx, snap)
	require.NoError(t, err)
	require.Empty(t, evidence)

	post, err := n.ledger.Client(n.verifiers[0]).ReadAcceptedAnswer(ctx, 0, s)
	require.NoError(t, err)
	require.True(t, post)
}

func TestSubmit_FirstClaimWins(t *testing.T) {
	n := newTestNet(t, 2, []bool{true})
	withholder := n.verifiers[0]
	parts := map[common.Address]*participant{
		withholder:     {faults: FaultInjection{WithholdReveals: true}},
		n.verifiers[1]: {},
	}
	snap := playRound(t, n, parts)
	ctx := context.Background()

	first := n.detector(n.verifiers[1])
	evidence, err := first.Scan(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, []domain.SlashEvidence{{Verifier: withholder, Subject: n.subjects[0], Category: domain.NotRevealed}}, evidence)

	rep := first.Submit(ctx, evidence)
	require.NoError(t, rep.Err)
	require.Equal(t, evidence, rep.Accepted)

	rep = n.detector(withholder).Submit(ctx, evidence)
	require.NoError(t, rep.Err)
	require.Empty(t, rep.Accepted)
	require.Equal(t, evidence, rep.Rejected)

	require.Len(t, n.ledger.Claims(), 1)
}

func TestExcludeSelf(t *testing.T) {
	self := addr(1)
	in := []domain.SlashEvidence{
		{Verifier: self, Category: domain.IncorrectDissent},
		{Verifier: addr(2), Category: domain.IncorrectDissent},
	}
	require.Equal(t, in[1:], excludeSelf(in, self))
}
