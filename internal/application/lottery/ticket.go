// Package lottery implements the stake-weighted ticket lottery. Every result can be
// re-derived by any third party from public inputs: the seed, the candidate address and
// the ticket index.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

// Result is the outcome of one candidate's draw against one seed.
type Result struct {
	Selected bool
	Index    domain.TicketIndex
	Score    *uint256.Int
}

// Ticket is one (index, score) pair.
type Ticket struct {
	Index domain.TicketIndex
	Score *uint256.Int
}

// TicketHash returns keccak256(abi.encodePacked(bytes32 seed, address candidate, uint256 index))
// as an unsigned integer.
func TicketHash(seed common.Hash, candidate common.Address, index domain.TicketIndex) *uint256.Int {
	i := uint256.NewInt(uint64(index)).Bytes32()
	return new(uint256.Int).SetBytes(crypto.Keccak256(seed[:], candidate[:], i[:]))
}

// DefaultMaxTickets is the per-candidate scan limit used when Params.MaxTickets is unset.
const DefaultMaxTickets = 1 << 20

// ErrBudgetTooLarge is returned when a candidate's ticket budget exceeds the scan limit,
// which usually means the stake unit does not match the stake denomination.
var ErrBudgetTooLarge = errors.New("ticket budget exceeds scan limit")

// ctxCheckInterval is how many tickets are hashed between context checks.
const ctxCheckInterval = 4096

// Draw scans tickets [0, budget) and returns the lowest scoring one. The candidate is
// selected iff that score is strictly below threshold. Ties keep the lowest index.
func Draw(seed common.Hash, candidate common.Address, budget uint64, threshold *uint256.Int) Result {
	res, _ := DrawContext(context.Background(), seed, candidate, budget, threshold)
	return res
}

// DrawContext is Draw, abandoned with ctx's error once ctx is done.
func DrawContext(ctx context.Context, seed common.Hash, candidate common.Address, budget uint64, threshold *uint256.Int) (Result, error) {
	if budget == 0 {
		return Result{}, nil
	}
	best := Ticket{Index: 0, Score: TicketHash(seed, candidate, 0)}
	for i := uint64(1); i < budget; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		h := TicketHash(seed, candidate, domain.TicketIndex(i))
		if h.Lt(best.Score) {
			best = Ticket{Index: domain.TicketIndex(i), Score: h}
		}
	}
	return Result{
		Selected: best.Score.Lt(threshold),
		Index:    best.Index,
		Score:    best.Score,
	}, nil
}

// Verify re-derives a claimed ticket. It returns the ticket score and whether the ticket
// is within the candidate's budget and below threshold.
func Verify(seed common.Hash, candidate common.Address, index domain.TicketIndex, budget uint64, threshold *uint256.Int) (*uint256.Int, bool) {
	score := TicketHash(seed, candidate, index)
	if uint64(index) >= budget {
		return score, false
	}
	return score, score.Lt(threshold)
}

// TicketBudget is floor(stake / stakeUnit), saturating at MaxUint64.
func TicketBudget(stake, stakeUnit *uint256.Int) uint64 {
	if stake == nil || stakeUnit == nil || stakeUnit.IsZero() {
		return 0
	}
	q := new(uint256.Int).Div(stake, stakeUnit)
	if !q.IsUint64() {
		return math.MaxUint64
	}
	return q.Uint64()
}

var maxThreshold = new(uint256.Int).SetAllOne()

// ValidateThreshold enforces 0 < threshold < 2^256-1. A threshold at the codomain
// maximum selects every candidate and zero selects no one.
func ValidateThreshold(threshold *uint256.Int) error {
	if threshold == nil || threshold.IsZero() {
		return fmt.Errorf("%w: must be greater than zero", domain.ErrInvalidThreshold)
	}
	if !threshold.Lt(maxThreshold) {
		return fmt.Errorf("%w: must be strictly below 2^256-1", domain.ErrInvalidThreshold)
	}
	return nil
}

// ParseThreshold accepts a decimal or 0x-prefixed hex value and validates it.
func ParseThreshold(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	var (
		t   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		t, err = uint256.FromHex(s)
	} else {
		t, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidThreshold, s, err)
	}
	if err := ValidateThreshold(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ThresholdForExpectedWinners returns a threshold at which each ticket wins with
// probability expected/totalTickets, so that about expected tickets win per seed across
// the network. It only helps pick configuration; it is not a protocol constant.
func ThresholdForExpectedWinners(expected, totalTickets uint64) (*uint256.Int, error) {
	if totalTickets == 0 || expected == 0 {
		return nil, fmt.Errorf("%w: expected winners and total tickets must be positive", domain.ErrInvalidThreshold)
	}
	t := new(uint256.Int).Div(maxThreshold, uint256.NewInt(totalTickets))
	if _, overflow := t.MulOverflow(t, uint256.NewInt(expected)); overflow || !t.Lt(maxThreshold) {
		t = new(uint256.Int).SubUint64(maxThreshold, 1)
	}
	if err := ValidateThreshold(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Params are the protocol-wide lottery settings every participant, the ledger included,
// must share.
type Params struct {
	Threshold     *uint256.Int
	StakeUnit     *uint256.Int
	CommitteeSize int // dissent committee seats per subject

	// MaxTickets bounds how many tickets one candidate's draw may hash. It is a local
	// guard, not a protocol rule. Zero means DefaultMaxTickets.
	MaxTickets uint64
}

// ScanLimit returns the effective per-candidate ticket limit.
func (p Params) ScanLimit() uint64 {
	if p.MaxTickets == 0 {
		return DefaultMaxTickets
	}
	return p.MaxTickets
}

// CheckBudget rejects budgets above the scan limit.
func (p Params) CheckBudget(budget uint64) error {
	if budget > p.ScanLimit() {
		return fmt.Errorf("%w: %d tickets, limit %d", ErrBudgetTooLarge, budget, p.ScanLimit())
	}
	return nil
}

// Validate checks the lottery configuration.
func (p Params) Validate() error {
	if err := ValidateThreshold(p.Threshold); err != nil {
		return err
	}
	if p.StakeUnit == nil || p.StakeUnit.IsZero() {
		return fmt.Errorf("stake unit must be positive")
	}
	if p.CommitteeSize <= 0 {
		return fmt.Errorf("dissent committee size must be positive, got %d", p.CommitteeSize)
	}
	return nil
}
