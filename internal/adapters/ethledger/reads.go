package ethledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

func roundArg(round domain.RoundIndex) *big.Int {
	return new(big.Int).SetUint64(uint64(round))
}

func (l *Ledger) ReadRound(ctx context.Context) (domain.Round, error) {
	out, err := l.call(ctx, "currentRound")
	if err != nil {
		return domain.Round{}, err
	}
	index, err := outUint64(out, 0)
	if err != nil {
		return domain.Round{}, err
	}
	stage, ok := out[1].(uint8)
	if !ok || !domain.Stage(stage).Valid() {
		return domain.Round{}, fmt.Errorf("currentRound: unexpected stage %v", out[1])
	}
	start, err := outUint64(out, 2)
	if err != nil {
		return domain.Round{}, err
	}
	return domain.Round{
		Index:          domain.RoundIndex(index),
		Stage:          domain.Stage(stage),
		StageStartTime: time.Unix(int64(start), 0),
	}, nil
}

func (l *Ledger) ReadAcceptedAnswer(ctx context.Context, round domain.RoundIndex, subject common.Address) (bool, error) {
	return l.callBool(ctx, "acceptedAnswer", roundArg(round), subject)
}

func (l *Ledger) ReadAcceptedAnswerPreDissent(ctx context.Context, round domain.RoundIndex, subject common.Address) (bool, error) {
	return l.callBool(ctx, "acceptedAnswerPreDissent", roundArg(round), subject)
}

// ReadCommitment treats the zero hash as "no commitment".
func (l *Ledger) ReadCommitment(ctx context.Context, key domain.CommitmentKey) (common.Hash, bool, error) {
	out, err := l.call(ctx, "commitments", roundArg(key.Round), key.Verifier, key.Subject, uint8(key.Phase))
	if err != nil {
		return common.Hash{}, false, err
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, false, fmt.Errorf("commitments: unexpected output %T", out[0])
	}
	h := common.Hash(raw)
	return h, h != (common.Hash{}), nil
}

func (l *Ledger) ReadHasRevealed(ctx context.Context, key domain.CommitmentKey) (bool, error) {
	_, revealed, err := l.ReadRevealedAnswer(ctx, key)
	return revealed, err
}

func (l *Ledger) ReadRevealedAnswer(ctx context.Context, key domain.CommitmentKey) (bool, bool, error) {
	out, err := l.call(ctx, "revealedAnswer", roundArg(key.Round), key.Verifier, key.Subject, uint8(key.Phase))
	if err != nil {
		return false, false, err
	}
	bit, ok1 := out[0].(bool)
	revealed, ok2 := out[1].(bool)
	if !ok1 || !ok2 {
		return false, false, fmt.Errorf("revealedAnswer: unexpected output %v", out)
	}
	return bit, revealed, nil
}

func (l *Ledger) ReadDissentedSubjects(ctx context.Context, round domain.RoundIndex) ([]common.Address, error) {
	return l.callAddresses(ctx, "dissentedSubjects", roundArg(round))
}

func (l *Ledger) ReadDissenters(ctx context.Context, round domain.RoundIndex, subject common.Address) ([]common.Address, error) {
	return l.callAddresses(ctx, "dissenters", roundArg(round), subject)
}

func (l *Ledger) ReadBondedStake(ctx context.Context, verifier common.Address) (*uint256.Int, error) {
	out, err := l.call(ctx, "bondedStake", verifier)
	if err != nil {
		return nil, err
	}
	b, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("bondedStake: unexpected output %T", out[0])
	}
	stake, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("bondedStake: %s overflows 256 bits", b)
	}
	return stake, nil
}

func (l *Ledger) ReadVerifiers(ctx context.Context) ([]common.Address, error) {
	return l.callAddresses(ctx, "verifiers")
}

func (l *Ledger) ReadRegisteredSubjects(ctx context.Context) ([]domain.Subject, error) {
	out, err := l.call(ctx, "registeredSubjects")
	if err != nil {
		return nil, err
	}
	ids, ok1 := out[0].([]common.Address)
	pools, ok2 := out[1].([]common.Address)
	if !ok1 || !ok2 || len(ids) != len(pools) {
		return nil, fmt.Errorf("registeredSubjects: malformed output")
	}
	subjects := make([]domain.Subject, len(ids))
	for i := range ids {
		subjects[i] = domain.Subject{ID: ids[i], Pool: pools[i]}
	}
	return subjects, nil
}

func (l *Ledger) ReadSubjectActivity(ctx context.Context, round domain.RoundIndex, subject common.Address) (domain.Activity, error) {
	out, err := l.call(ctx, "subjectActivity", roundArg(round), subject)
	if err != nil {
		return domain.Activity{}, err
	}
	sig, ok1 := out[0].([32]byte)
	path, ok2 := out[1].(string)
	if !ok1 || !ok2 {
		return domain.Activity{}, fmt.Errorf("subjectActivity: unexpected output %v", out)
	}
	return domain.Activity{Signature: common.Hash(sig), StoragePath: path}, nil
}

func (l *Ledger) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	out, err := l.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected output %T", method, out[0])
	}
	return v, nil
}

func (l *Ledger) callAddresses(ctx context.Context, method string, args ...interface{}) ([]common.Address, error) {
	out, err := l.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", method, out[0])
	}
	return v, nil
}

func outUint64(out []interface{}, i int) (uint64, error) {
	if i >= len(out) {
		return 0, fmt.Errorf("missing output %d", i)
	}
	b, ok := out[i].(*big.Int)
	if !ok || !b.IsUint64() {
		return 0, fmt.Errorf("output %d is not a uint64: %v", i, out[i])
	}
	return b.Uint64(), nil
}
