package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/verifier-node/internal/adapters/memledger"
	"github.com/Marketen/verifier-node/internal/adapters/secretstore"
	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
	portsmock "github.com/Marketen/verifier-node/internal/application/ports/mock"
	"github.com/Marketen/verifier-node/internal/metrics"
)

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{0xAA, b})
}

var (
	answerYes = []byte("compliant")
	answerNo  = []byte("non-compliant")
	pool      = addr(0xF0)
)

// testNet is a ledger with equal-stake verifiers in which every verifier wins every
// subject and sits on every dissent committee.
type testNet struct {
	t          *testing.T
	ledger     *memledger.Ledger
	clock      *memledger.ManualClock
	params     lottery.Params
	durations  domain.StageDurations
	verifiers  []common.Address
	subjects   []common.Address
	artifacts  *portsmock.ArtifactStore
	classifier *portsmock.Classifier
}

var minuteStages = domain.StageDurations{
	Commit:        time.Minute,
	Reveal:        time.Minute,
	DissentWindow: time.Minute,
	DissentCommit: time.Minute,
	DissentReveal: time.Minute,
	Slashing:      time.Minute,
}

func newTestNet(t *testing.T, nVerifiers int, truths []bool) *testNet {
	t.Helper()
	return newTestNetWithDurations(t, nVerifiers, truths, minuteStages)
}

func newTestNetWithDurations(t *testing.T, nVerifiers int, truths []bool, durations domain.StageDurations) *testNet {
	t.Helper()
	n := &testNet{
		t:     t,
		clock: memledger.NewManualClock(time.Unix(1_700_000_000, 0)),
		params: lottery.Params{
			Threshold:     new(uint256.Int).SubUint64(new(uint256.Int).SetAllOne(), 1),
			StakeUnit:     uint256.NewInt(1),
			CommitteeSize: nVerifiers,
		},
		durations:  durations,
		artifacts:  &portsmock.ArtifactStore{},
		classifier: &portsmock.Classifier{},
	}
	l, err := memledger.New(zerolog.Nop(), memledger.Config{Durations: n.durations, Lottery: n.params, Now: n.clock.Time})
	require.NoError(t, err)
	n.ledger = l

	for i := 0; i < nVerifiers; i++ {
		v := addr(byte(i + 1))
		n.verifiers = append(n.verifiers, v)
		l.RegisterVerifier(v, uint256.NewInt(1))
	}

	n.classifier.On("Classify", mock.Anything, answerYes).Return(true, nil)
	n.classifier.On("Classify", mock.Anything, answerNo).Return(false, nil)
	for i, truth := range truths {
		s := addr(byte(0x80 + i))
		n.subjects = append(n.subjects, s)
		l.RegisterSubject(pool, s)
		path := fmt.Sprintf("s3://activity/%d.cbor", i)
		require.NoError(t, l.UploadActivity(s, common.BytesToHash([]byte{0x5E, byte(i)}), path))
		artifact := answerNo
		if truth {
			artifact = answerYes
		}
		n.artifacts.On("Download", mock.Anything, s, path).Return(artifact, nil)
	}
	return n
}

// advance lets the current stage elapse and requests the transition.
func (n *testNet) advance() domain.Stage {
	n.t.Helper()
	n.clock.Advance(time.Minute)
	require.NoError(n.t, n.ledger.Client(n.verifiers[0]).RequestStageTransition(context.Background()))
	return n.ledger.Round().Stage
}

func (n *testNet) resolver() *AssignmentResolver {
	n.t.Helper()
	r, err := NewAssignmentResolver(zerolog.Nop(), n.params, metrics.NewNoopCollector())
	require.NoError(n.t, err)
	return r
}

func (n *testNet) coordinator(v common.Address, faults FaultInjection) *CommitRevealCoordinator {
	return n.coordinatorWithStore(v, faults, secretstore.NewMemoryStore())
}

func (n *testNet) coordinatorWithStore(v common.Address, faults FaultInjection, store *secretstore.MemoryStore) *CommitRevealCoordinator {
	return NewCommitRevealCoordinator(zerolog.Nop(), n.ledger.Client(v), n.artifacts, n.classifier, store, metrics.NewNoopCollector(), faults, 4)
}

func (n *testNet) snapshot(v common.Address) *RoundSnapshot {
	n.t.Helper()
	snap, err := TakeSnapshot(context.Background(), zerolog.Nop(), n.ledger.Client(v), n.ledger.Round().Index)
	require.NoError(n.t, err)
	return snap
}

func (n *testNet) orchestrator(v common.Address, faults FaultInjection, drive bool, roll bool) *Orchestrator {
	n.t.Helper()
	return n.orchestratorWithPoll(v, faults, drive, roll, time.Millisecond, 5*time.Millisecond)
}

func (n *testNet) orchestratorWithPoll(v common.Address, faults FaultInjection, drive, roll bool, poll, maxPoll time.Duration) *Orchestrator {
	n.t.Helper()
	client := n.ledger.Client(v)
	collector := metrics.NewNoopCollector()
	resolver := n.resolver()
	waiter := NewStageWaiter(zerolog.Nop(), client, client, WaiterConfig{
		Durations:        n.durations,
		PollInterval:     poll,
		MaxPollInterval:  maxPoll,
		DriveTransitions: drive,
	}, collector)
	coordinator := n.coordinator(v, faults)
	detector := NewMisbehaviorDetector(zerolog.Nop(), client, resolver, collector)
	return NewOrchestrator(zerolog.Nop(), client, waiter, resolver, coordinator, detector, collector, roll)
}

func mustPrimary(t require.TestingT, r *AssignmentResolver, snap *RoundSnapshot, v common.Address) []domain.Assignment {
	out, err := r.ResolvePrimary(context.Background(), snap, v)
	require.NoError(t, err)
	return out
}

func mustDissent(t require.TestingT, r *AssignmentResolver, snap *RoundSnapshot, dissented []common.Address, v common.Address) []domain.Assignment {
	out, err := r.ResolveDissent(context.Background(), snap, dissented, v)
	require.NoError(t, err)
	return out
}

// primary resolves v's primary assignments against the current round.
func (n *testNet) primary(v common.Address) []domain.Assignment {
	n.t.Helper()
	return mustPrimary(n.t, n.resolver(), n.snapshot(v), v)
}

func evidenceSet(evidence []domain.SlashEvidence) map[domain.SlashEvidence]int {
	out := make(map[domain.SlashEvidence]int, len(evidence))
	for _, e := range evidence {
		out[e]++
	}
	return out
}
