package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
	"github.com/Marketen/verifier-node/internal/metrics"
)

func drawSnapshot(t *rapid.T) *RoundSnapshot {
	snap := &RoundSnapshot{Activity: make(map[common.Address]domain.Activity)}
	nSubjects := rapid.IntRange(1, 4).Draw(t, "subjects")
	for i := 0; i < nSubjects; i++ {
		id := addr(byte(0x80 + i))
		snap.Subjects = append(snap.Subjects, domain.Subject{ID: id, Pool: pool})
		sig := common.BytesToHash(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "signature"))
		snap.Activity[id] = domain.Activity{Signature: sig}
	}
	nVerifiers := rapid.IntRange(1, 6).Draw(t, "verifiers")
	for i := 0; i < nVerifiers; i++ {
		stake := rapid.Uint64Range(0, 8).Draw(t, "stake")
		snap.Verifiers = append(snap.Verifiers, domain.Verifier{ID: addr(byte(i + 1)), Stake: uint256.NewInt(stake)})
	}
	return snap
}

func TestResolver_PrimaryAssignmentsCarryValidTickets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap := drawSnapshot(t)
		params := lottery.Params{
			Threshold:     new(uint256.Int).SetBytes(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "threshold")),
			StakeUnit:     uint256.NewInt(1),
			CommitteeSize: 2,
		}
		if params.Threshold.IsZero() {
			params.Threshold.SetOne()
		}
		if lottery.ValidateThreshold(params.Threshold) != nil {
			params.Threshold.SubUint64(params.Threshold, 1)
		}
		r, err := NewAssignmentResolver(zerolog.Nop(), params, metrics.NewNoopCollector())
		require.NoError(t, err)

		for _, v := range snap.Verifiers {
			budget := r.Budget(snap, v.ID)
			for _, a := range mustPrimary(t, r, snap, v.ID) {
				require.Less(t, uint64(a.Index), budget)
				score, ok := lottery.Verify(a.Seed, v.ID, a.Index, budget, params.Threshold)
				require.True(t, ok)
				require.Equal(t, score, a.Score)
			}
		}
	})
}

func TestResolver_DissentAssignmentMatchesCommittee(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap := drawSnapshot(t)
		params := lottery.Params{
			Threshold:     new(uint256.Int).SubUint64(new(uint256.Int).SetAllOne(), 1),
			StakeUnit:     uint256.NewInt(1),
			CommitteeSize: rapid.IntRange(1, 5).Draw(t, "committee"),
		}
		r, err := NewAssignmentResolver(zerolog.Nop(), params, metrics.NewNoopCollector())
		require.NoError(t, err)

		dissented := []common.Address{snap.Subjects[0].ID, addr(0x7F)}
		for _, v := range snap.Verifiers {
			members, err := r.CommitteeMembers(context.Background(), snap, dissented[0])
			require.NoError(t, err)
			require.LessOrEqual(t, len(members), params.CommitteeSize)

			got := mustDissent(t, r, snap, dissented, v.ID)
			inCommittee := false
			for _, m := range members {
				inCommittee = inCommittee || m == v.ID
			}
			if !inCommittee {
				require.Empty(t, got)
				continue
			}
			require.Len(t, got, 1, "subjects missing from the snapshot are skipped")
			require.Equal(t, dissented[0], got[0].Subject)
			if v.Stake.IsZero() {
				t.Fatalf("verifier %s without stake holds a seat", v.ID.Hex())
			}
		}
	})
}

func TestResolver_CommitteeIsDeterministic(t *testing.T) {
	n := newTestNet(t, 4, []bool{true})
	snap := n.snapshot(n.verifiers[0])
	a, err := n.resolver().Committee(context.Background(), snap, n.subjects[0])
	require.NoError(t, err)
	b, err := n.resolver().Committee(context.Background(), snap, n.subjects[0])
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 4)
}

func TestResolver_UnbondedVerifierGetsNothing(t *testing.T) {
	n := newTestNet(t, 2, []bool{true, false})
	snap := n.snapshot(n.verifiers[0])
	require.Empty(t, mustPrimary(t, n.resolver(), snap, addr(0x42)))
	require.Empty(t, mustDissent(t, n.resolver(), snap, n.subjects, addr(0x42)))
}

func TestNewAssignmentResolver_RejectsInvalidParams(t *testing.T) {
	_, err := NewAssignmentResolver(zerolog.Nop(), lottery.Params{}, metrics.NewNoopCollector())
	require.Error(t, err)
}

// weiSnapshot holds one subject and one verifier bonded with 1 ether in wei.
func weiSnapshot() (*RoundSnapshot, common.Address) {
	v := addr(1)
	subject := addr(0x80)
	return &RoundSnapshot{
		Subjects:  []domain.Subject{{ID: subject, Pool: pool}},
		Activity:  map[common.Address]domain.Activity{subject: {Signature: common.HexToHash("0x5e")}},
		Verifiers: []domain.Verifier{{ID: v, Stake: uint256.NewInt(1_000_000_000_000_000_000)}},
	}, v
}

func TestResolver_RejectsBudgetAboveScanLimit(t *testing.T) {
	snap, v := weiSnapshot()
	params := lottery.Params{
		Threshold:     new(uint256.Int).SubUint64(new(uint256.Int).SetAllOne(), 1),
		StakeUnit:     uint256.NewInt(1),
		CommitteeSize: 1,
	}
	r, err := NewAssignmentResolver(zerolog.Nop(), params, metrics.NewNoopCollector())
	require.NoError(t, err)

	_, err = r.ResolvePrimary(context.Background(), snap, v)
	require.ErrorIs(t, err, lottery.ErrBudgetTooLarge)
	_, err = r.Committee(context.Background(), snap, snap.Subjects[0].ID)
	require.ErrorIs(t, err, lottery.ErrBudgetTooLarge)
	_, err = r.ResolveDissent(context.Background(), snap, []common.Address{snap.Subjects[0].ID}, v)
	require.ErrorIs(t, err, lottery.ErrBudgetTooLarge)

	// A stake unit matching the denomination brings the budget back under the limit.
	params.StakeUnit = uint256.NewInt(1_000_000_000_000_000)
	r, err = NewAssignmentResolver(zerolog.Nop(), params, metrics.NewNoopCollector())
	require.NoError(t, err)
	got, err := r.ResolvePrimary(context.Background(), snap, v)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestResolver_ScanStopsWhenContextEnds(t *testing.T) {
	snap, v := weiSnapshot()
	params := lottery.Params{
		Threshold:     new(uint256.Int).SubUint64(new(uint256.Int).SetAllOne(), 1),
		StakeUnit:     uint256.NewInt(1),
		CommitteeSize: 1,
		MaxTickets:    math.MaxUint64,
	}
	r, err := NewAssignmentResolver(zerolog.Nop(), params, metrics.NewNoopCollector())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.ResolvePrimary(ctx, snap, v)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = r.Committee(ctx, snap, snap.Subjects[0].ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
