package ethledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// fakeBackend answers view calls from handlers and records sent transactions.
type fakeBackend struct {
	t      *testing.T
	abi    abi.ABI
	mu     sync.Mutex
	views  map[string]func(args []interface{}) []interface{}
	revert map[string]bool
	// failSends makes the next N sends fail with a transport error.
	failSends int
	// receiptStatus is the status of every mined transaction.
	receiptStatus uint64
	sent          []sentTx
	headTime      uint64
}

type sentTx struct {
	method string
	args   []interface{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	require.NoError(t, err)
	return &fakeBackend{
		t:             t,
		abi:           parsed,
		views:         make(map[string]func([]interface{}) []interface{}),
		revert:        make(map[string]bool),
		receiptStatus: types.ReceiptStatusSuccessful,
		headTime:      1_700_000_000,
	}
}

func (f *fakeBackend) decode(data []byte) (*abi.Method, []interface{}) {
	m, err := f.abi.MethodById(data[:4])
	require.NoError(f.t, err)
	args, err := m.Inputs.Unpack(data[4:])
	require.NoError(f.t, err)
	return m, args
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, args := f.decode(call.Data)
	if f.revert[m.Name] {
		return nil, errors.New("execution reverted: no answer")
	}
	h, ok := f.views[m.Name]
	require.True(f.t, ok, "unexpected call %s", m.Name)
	return m.Outputs.Pack(h(args)...)
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(10), BaseFee: big.NewInt(1), Time: f.headTime}, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	m, _ := f.decode(call.Data)
	if f.revert[m.Name] {
		return 0, errors.New("execution reverted: wrong stage")
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return errors.New("connection reset by peer")
	}
	m, args := f.decode(tx.Data())
	f.sent = append(f.sent, sentTx{method: m.Name, args: args})
	return nil
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: f.receiptStatus, BlockNumber: big.NewInt(11)}, nil
}

func newTestLedger(t *testing.T, backend *fakeBackend) *Ledger {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l, err := New(zerolog.Nop(), backend, key, Config{
		Contract:   common.HexToAddress("0xC0FFEE"),
		ChainID:    big.NewInt(1337),
		Attempts:   3,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	return l
}

func TestWrites_EncodeArguments(t *testing.T) {
	b := newFakeBackend(t)
	l := newTestLedger(t, b)
	ctx := context.Background()
	subject := common.HexToAddress("0x51")
	commitment := common.HexToHash("0xabcdef")

	require.NoError(t, l.SubmitCommitment(ctx, subject, commitment, 7, domain.PhaseDissent))
	require.NoError(t, l.SubmitReveal(ctx, subject, true, uint256.NewInt(99), domain.PhasePrimary))
	require.NoError(t, l.SubmitSlashEvidence(ctx, domain.SlashEvidence{Verifier: common.HexToAddress("0x01"), Category: domain.IncorrectDissent}))

	require.Len(t, b.sent, 3)
	require.Equal(t, "submitCommitment", b.sent[0].method)
	require.Equal(t, []interface{}{subject, [32]byte(commitment), big.NewInt(7), uint8(domain.PhaseDissent)}, b.sent[0].args)
	require.Equal(t, []interface{}{subject, true, big.NewInt(99), uint8(domain.PhasePrimary)}, b.sent[1].args)
	require.Equal(t, []interface{}{common.HexToAddress("0x01"), common.Address{}, uint8(domain.IncorrectDissent)}, b.sent[2].args)
}

func TestWrites_RevertIsRejectedAndNotRetried(t *testing.T) {
	b := newFakeBackend(t)
	b.revert["raiseDissent"] = true
	l := newTestLedger(t, b)

	err := l.RaiseDissent(context.Background(), common.HexToAddress("0x51"))
	require.True(t, domain.IsRejected(err), err)
	require.Empty(t, b.sent)
}

func TestWrites_FailedReceiptIsRejected(t *testing.T) {
	b := newFakeBackend(t)
	b.receiptStatus = types.ReceiptStatusFailed
	l := newTestLedger(t, b)

	err := l.RequestStageTransition(context.Background())
	require.True(t, domain.IsRejected(err), err)
}

func TestWrites_TransientSendFailureIsRetried(t *testing.T) {
	b := newFakeBackend(t)
	b.failSends = 2
	l := newTestLedger(t, b)
	require.NoError(t, l.RequestStageTransition(context.Background()))
	require.Len(t, b.sent, 1)

	b.failSends = 5
	err := l.RequestStageTransition(context.Background())
	require.Error(t, err)
	require.False(t, domain.IsRejected(err))
	require.Contains(t, err.Error(), "connection reset")
}

func TestReads_DecodeOutputs(t *testing.T) {
	b := newFakeBackend(t)
	l := newTestLedger(t, b)
	ctx := context.Background()
	s1, s2, pool := common.HexToAddress("0x51"), common.HexToAddress("0x52"), common.HexToAddress("0xF0")

	b.views["currentRound"] = func([]interface{}) []interface{} {
		return []interface{}{big.NewInt(4), uint8(domain.DissentWindow), big.NewInt(1_700_000_100)}
	}
	b.views["commitments"] = func(args []interface{}) []interface{} {
		if args[2].(common.Address) == s1 {
			return []interface{}{[32]byte{1}}
		}
		return []interface{}{[32]byte{}}
	}
	b.views["revealedAnswer"] = func([]interface{}) []interface{} { return []interface{}{true, true} }
	b.views["registeredSubjects"] = func([]interface{}) []interface{} {
		return []interface{}{[]common.Address{s1, s2}, []common.Address{pool, pool}}
	}
	b.views["subjectActivity"] = func([]interface{}) []interface{} {
		return []interface{}{[32]byte{0x5E}, "s3://activity/1.cbor"}
	}
	b.views["bondedStake"] = func([]interface{}) []interface{} { return []interface{}{big.NewInt(32)} }

	round, err := l.ReadRound(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Round{Index: 4, Stage: domain.DissentWindow, StageStartTime: time.Unix(1_700_000_100, 0)}, round)

	_, ok, err := l.ReadCommitment(ctx, domain.CommitmentKey{Subject: s1})
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.ReadCommitment(ctx, domain.CommitmentKey{Subject: s2})
	require.NoError(t, err)
	require.False(t, ok, "zero hash means no commitment")

	revealed, err := l.ReadHasRevealed(ctx, domain.CommitmentKey{Subject: s1})
	require.NoError(t, err)
	require.True(t, revealed)

	subjects, err := l.ReadRegisteredSubjects(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Subject{{ID: s1, Pool: pool}, {ID: s2, Pool: pool}}, subjects)

	activity, err := l.ReadSubjectActivity(ctx, 4, s1)
	require.NoError(t, err)
	require.Equal(t, "s3://activity/1.cbor", activity.StoragePath)
	require.Equal(t, common.Hash{0x5E}, activity.Signature)

	stake, err := l.ReadBondedStake(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(32), stake)

	now, err := l.Now(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Unix(1_700_000_000, 0), now)
}

func TestReads_RevertIsNotRetried(t *testing.T) {
	b := newFakeBackend(t)
	b.revert["acceptedAnswer"] = true
	l := newTestLedger(t, b)
	_, err := l.ReadAcceptedAnswer(context.Background(), 1, common.HexToAddress("0x51"))
	require.ErrorContains(t, err, "execution reverted")
}

func TestIsRevert(t *testing.T) {
	require.True(t, isRevert(errors.New("execution reverted: stage")))
	require.False(t, isRevert(errors.New("dial tcp: connection refused")))
	require.False(t, isRevert(nil))
	require.Nil(t, asRejection("op", errors.New("timeout")))
}
