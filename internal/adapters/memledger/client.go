package memledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// Client is one verifier's connection to the ledger. It implements ports.Ledger and
// ports.ChainClock.
type Client struct {
	ledger *Ledger
	self   common.Address
}

func (c *Client) Self() common.Address { return c.self }

// Now reads the ledger clock.
func (c *Client) Now(context.Context) (time.Time, error) {
	return c.ledger.cfg.Now(), nil
}

func (c *Client) SubmitCommitment(ctx context.Context, subject common.Address, commitment common.Hash, ticket domain.TicketIndex, phase domain.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.submitCommitment(c.self, subject, commitment, ticket, phase)
}

func (c *Client) SubmitReveal(ctx context.Context, subject common.Address, bit bool, nonce *uint256.Int, phase domain.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.submitReveal(c.self, subject, bit, nonce, phase)
}

func (c *Client) RaiseDissent(ctx context.Context, subject common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.raiseDissent(c.self, subject)
}

func (c *Client) RequestStageTransition(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.requestStageTransition()
}

func (c *Client) SubmitSlashEvidence(ctx context.Context, evidence domain.SlashEvidence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.submitSlashEvidence(c.self, evidence)
}

func (c *Client) ReadRound(ctx context.Context) (domain.Round, error) {
	if err := ctx.Err(); err != nil {
		return domain.Round{}, err
	}
	return c.ledger.Round(), nil
}

func (c *Client) ReadAcceptedAnswer(_ context.Context, round domain.RoundIndex, subject common.Address) (bool, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	answer, ok := l.accepted[roundSubject{round, subject}]
	if !ok {
		return false, fmt.Errorf("no accepted answer for %s in round %d", subject.Hex(), round)
	}
	return answer, nil
}

func (c *Client) ReadAcceptedAnswerPreDissent(_ context.Context, round domain.RoundIndex, subject common.Address) (bool, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	answer, ok := l.preDissent[roundSubject{round, subject}]
	if !ok {
		return false, fmt.Errorf("no pre-dissent answer for %s in round %d", subject.Hex(), round)
	}
	return answer, nil
}

func (c *Client) ReadCommitment(_ context.Context, key domain.CommitmentKey) (common.Hash, bool, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.commitments[key]
	return rec.hash, ok, nil
}

func (c *Client) ReadHasRevealed(_ context.Context, key domain.CommitmentKey) (bool, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.reveals[key]
	return ok, nil
}

func (c *Client) ReadRevealedAnswer(_ context.Context, key domain.CommitmentKey) (bool, bool, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	bit, ok := l.reveals[key]
	return bit, ok, nil
}

func (c *Client) ReadDissentedSubjects(_ context.Context, round domain.RoundIndex) ([]common.Address, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Address(nil), l.dissented[round]...), nil
}

func (c *Client) ReadDissenters(_ context.Context, round domain.RoundIndex, subject common.Address) ([]common.Address, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Address(nil), l.dissenters[roundSubject{round, subject}]...), nil
}

// ReadBondedStake returns the stake snapshotted for the current round, falling back to the
// live bond before the first snapshot.
func (c *Client) ReadBondedStake(_ context.Context, verifier common.Address) (*uint256.Int, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.roundStakes) > 0 {
		if s, ok := l.roundStakes[verifier]; ok {
			return s.Clone(), nil
		}
		return new(uint256.Int), nil
	}
	if s, ok := l.stakes[verifier]; ok {
		return s.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (c *Client) ReadVerifiers(context.Context) ([]common.Address, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Address(nil), l.verifiers...), nil
}

func (c *Client) ReadRegisteredSubjects(context.Context) ([]domain.Subject, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Subject
	for _, pool := range l.pools {
		for _, s := range l.poolSubs[pool] {
			out = append(out, domain.Subject{ID: s, Pool: pool})
		}
	}
	return out, nil
}

// ReadSubjectActivity returns a zero Activity when the subject uploaded nothing.
func (c *Client) ReadSubjectActivity(_ context.Context, round domain.RoundIndex, subject common.Address) (domain.Activity, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activity[roundSubject{round, subject}], nil
}
