// Package memledger is an in-process ledger that enforces the same stage, timing,
// uniqueness and proof rules as the on-chain contract. It backs tests and the simulate
// command.
package memledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
)

// Config holds the protocol parameters the ledger enforces.
type Config struct {
	Durations domain.StageDurations
	Lottery   lottery.Params
	// Now is the ledger's clock; time.Now when nil.
	Now func() time.Time
}

type roundSubject struct {
	round   domain.RoundIndex
	subject common.Address
}

type commitRecord struct {
	hash   common.Hash
	ticket domain.TicketIndex
}

type evidenceKey struct {
	round    domain.RoundIndex
	evidence domain.SlashEvidence
}

// Claim is accepted slash evidence with the verifier that filed it.
type Claim struct {
	Round    domain.RoundIndex
	Evidence domain.SlashEvidence
	Claimant common.Address
}

// Ledger is the shared state. Participants talk to it through Client views.
type Ledger struct {
	mu  sync.Mutex
	log zerolog.Logger
	cfg Config

	round      domain.RoundIndex
	stage      domain.Stage
	stageStart time.Time

	verifiers   []common.Address
	stakes      map[common.Address]*uint256.Int
	roundStakes map[common.Address]*uint256.Int

	pools    []common.Address
	poolSubs map[common.Address][]common.Address

	activity    map[roundSubject]domain.Activity
	commitments map[domain.CommitmentKey]commitRecord
	reveals     map[domain.CommitmentKey]bool

	preDissent map[roundSubject]bool
	accepted   map[roundSubject]bool
	dissenters map[roundSubject][]common.Address
	dissented  map[domain.RoundIndex][]common.Address

	claims     map[evidenceKey]common.Address
	claimOrder []Claim
}

// New creates a ledger at round 0, AWAITING_SUBJECT_INPUT.
func New(log zerolog.Logger, cfg Config) (*Ledger, error) {
	if err := cfg.Lottery.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lottery parameters: %w", err)
	}
	if err := cfg.Durations.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		log:         log.With().Str("module", "memledger").Logger(),
		cfg:         cfg,
		stage:       domain.AwaitingSubjectInput,
		stageStart:  cfg.Now(),
		stakes:      make(map[common.Address]*uint256.Int),
		roundStakes: make(map[common.Address]*uint256.Int),
		poolSubs:    make(map[common.Address][]common.Address),
		activity:    make(map[roundSubject]domain.Activity),
		commitments: make(map[domain.CommitmentKey]commitRecord),
		reveals:     make(map[domain.CommitmentKey]bool),
		preDissent:  make(map[roundSubject]bool),
		accepted:    make(map[roundSubject]bool),
		dissenters:  make(map[roundSubject][]common.Address),
		dissented:   make(map[domain.RoundIndex][]common.Address),
		claims:      make(map[evidenceKey]common.Address),
	}, nil
}

// Client returns the view of the ledger that writes as verifier.
func (l *Ledger) Client(verifier common.Address) *Client {
	return &Client{ledger: l, self: verifier}
}

// RegisterVerifier bonds stake for verifier. It takes effect from the next commitment stage.
func (l *Ledger) RegisterVerifier(verifier common.Address, stake *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stakes[verifier]; !ok {
		l.verifiers = append(l.verifiers, verifier)
	}
	l.stakes[verifier] = stake.Clone()
}

// RegisterSubject adds subject to pool.
func (l *Ledger) RegisterSubject(pool, subject common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.poolSubs[pool]; !ok {
		l.pools = append(l.pools, pool)
	}
	for _, s := range l.poolSubs[pool] {
		if s == subject {
			return
		}
	}
	l.poolSubs[pool] = append(l.poolSubs[pool], subject)
}

// UploadActivity records subject's activity for the current round. Uploads are only
// accepted while the round awaits subject input.
func (l *Ledger) UploadActivity(subject common.Address, signature common.Hash, storagePath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stage != domain.AwaitingSubjectInput {
		return domain.Rejected("upload activity", fmt.Sprintf("stage is %s", l.stage))
	}
	if !l.isRegisteredLocked(subject) {
		return domain.Rejected("upload activity", "subject not registered")
	}
	l.activity[roundSubject{l.round, subject}] = domain.Activity{Signature: signature, StoragePath: storagePath}
	return nil
}

// Round returns the current round state.
func (l *Ledger) Round() domain.Round {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.Round{Index: l.round, Stage: l.stage, StageStartTime: l.stageStart}
}

// Claims returns accepted slash evidence in acceptance order.
func (l *Ledger) Claims() []Claim {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Claim, len(l.claimOrder))
	copy(out, l.claimOrder)
	return out
}

// CountCommitments returns how many commitments exist for round and phase.
func (l *Ledger) CountCommitments(round domain.RoundIndex, phase domain.Phase) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.commitments {
		if k.Round == round && k.Phase == phase {
			n++
		}
	}
	return n
}

// CountReveals returns how many accepted reveals exist for round and phase.
func (l *Ledger) CountReveals(round domain.RoundIndex, phase domain.Phase) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.reveals {
		if k.Round == round && k.Phase == phase {
			n++
		}
	}
	return n
}

// CountDissents returns how many dissent flags were raised in round.
func (l *Ledger) CountDissents(round domain.RoundIndex) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.dissented[round] {
		n += len(l.dissenters[roundSubject{round, s}])
	}
	return n
}

func (l *Ledger) isRegisteredLocked(subject common.Address) bool {
	for _, pool := range l.pools {
		for _, s := range l.poolSubs[pool] {
			if s == subject {
				return true
			}
		}
	}
	return false
}

func (l *Ledger) requireStage(op string, action domain.Action) error {
	if !domain.ActionAllowed(l.stage, action) {
		return domain.Rejected(op, fmt.Sprintf("%s not allowed in stage %s", action, l.stage))
	}
	return nil
}

func (l *Ledger) candidatesLocked() []lottery.Candidate {
	out := make([]lottery.Candidate, 0, len(l.verifiers))
	for _, v := range l.verifiers {
		out = append(out, lottery.Candidate{ID: v, Budget: lottery.TicketBudget(l.roundStakes[v], l.cfg.Lottery.StakeUnit)})
	}
	return out
}

func (l *Ledger) committeeLocked(subject common.Address) []lottery.Seat {
	act := l.activity[roundSubject{l.round, subject}]
	return lottery.Committee(act.Signature, l.candidatesLocked(), l.cfg.Lottery.CommitteeSize)
}

func (l *Ledger) inCommitteeLocked(subject, verifier common.Address) bool {
	_, ok := lottery.BestSeat(l.committeeLocked(subject), verifier)
	return ok
}

func (l *Ledger) isDissentedLocked(subject common.Address) bool {
	for _, s := range l.dissented[l.round] {
		if s == subject {
			return true
		}
	}
	return false
}

func (l *Ledger) submitCommitment(verifier, subject common.Address, commitment common.Hash, ticket domain.TicketIndex, phase domain.Phase) error {
	const op = "submit commitment"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStage(op, domain.CommitAction(phase)); err != nil {
		return err
	}
	key := domain.CommitmentKey{Round: l.round, Verifier: verifier, Subject: subject, Phase: phase}
	if _, ok := l.commitments[key]; ok {
		return domain.Rejected(op, "duplicate commitment")
	}
	act, ok := l.activity[roundSubject{l.round, subject}]
	if !ok {
		return domain.Rejected(op, "subject has no activity this round")
	}
	switch phase {
	case domain.PhasePrimary:
		budget := lottery.TicketBudget(l.roundStakes[verifier], l.cfg.Lottery.StakeUnit)
		if _, ok := lottery.Verify(act.Signature, verifier, ticket, budget, l.cfg.Lottery.Threshold); !ok {
			return domain.Rejected(op, "ticket does not win")
		}
	case domain.PhaseDissent:
		if !l.isDissentedLocked(subject) {
			return domain.Rejected(op, "subject was not dissented")
		}
		won := false
		for _, seat := range l.committeeLocked(subject) {
			if seat.Candidate == verifier && seat.Index == ticket {
				won = true
				break
			}
		}
		if !won {
			return domain.Rejected(op, "ticket holds no dissent committee seat")
		}
	}
	l.commitments[key] = commitRecord{hash: commitment, ticket: ticket}
	return nil
}

func (l *Ledger) submitReveal(verifier, subject common.Address, bit bool, nonce *uint256.Int, phase domain.Phase) error {
	const op = "submit reveal"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStage(op, domain.RevealAction(phase)); err != nil {
		return err
	}
	key := domain.CommitmentKey{Round: l.round, Verifier: verifier, Subject: subject, Phase: phase}
	rec, ok := l.commitments[key]
	if !ok {
		return domain.Rejected(op, "no commitment")
	}
	if _, ok := l.reveals[key]; ok {
		return domain.Rejected(op, "already revealed")
	}
	if domain.CommitmentHash(bit, nonce) != rec.hash {
		return domain.Rejected(op, "reveal does not open commitment")
	}
	l.reveals[key] = bit
	return nil
}

func (l *Ledger) raiseDissent(verifier, subject common.Address) error {
	const op = "raise dissent"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStage(op, domain.ActionRaiseDissent); err != nil {
		return err
	}
	key := domain.CommitmentKey{Round: l.round, Verifier: verifier, Subject: subject, Phase: domain.PhasePrimary}
	if _, ok := l.reveals[key]; !ok {
		return domain.Rejected(op, "only verifiers with an accepted reveal may dissent")
	}
	rs := roundSubject{l.round, subject}
	for _, d := range l.dissenters[rs] {
		if d == verifier {
			return domain.Rejected(op, "already dissented")
		}
	}
	if len(l.dissenters[rs]) == 0 {
		l.dissented[l.round] = append(l.dissented[l.round], subject)
	}
	l.dissenters[rs] = append(l.dissenters[rs], verifier)
	return nil
}

func (l *Ledger) requestStageTransition() error {
	const op = "request stage transition"
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	if l.stage == domain.AwaitingSubjectInput {
		if !l.hasActivityLocked() {
			return domain.Rejected(op, "no subject uploaded activity yet")
		}
	} else if !l.cfg.Durations.TransitionDue(l.stage, l.stageStart, now) {
		return domain.Rejected(op, fmt.Sprintf("stage %s has not elapsed", l.stage))
	}

	from := l.stage
	next, rolled := l.stage.Next(len(l.dissented[l.round]) > 0)
	switch from {
	case domain.AwaitingSubjectInput:
		for v, s := range l.stakes {
			l.roundStakes[v] = s.Clone()
		}
	case domain.CollectingReveals:
		l.aggregateLocked(domain.PhasePrimary)
	case domain.DissentReveals:
		l.aggregateLocked(domain.PhaseDissent)
	}
	if rolled {
		l.round++
	}
	l.stage = next
	l.stageStart = now
	l.log.Debug().Uint64("round", uint64(l.round)).Str("from", from.String()).Str("to", next.String()).Msg("stage transition")
	return nil
}

func (l *Ledger) hasActivityLocked() bool {
	for k := range l.activity {
		if k.round == l.round {
			return true
		}
	}
	return false
}

// aggregateLocked sets accepted answers by stake-weighted majority of phase reveals.
// Primary: subjects without reveals default to false. Dissent: only dissented subjects
// with at least one dissent reveal change.
func (l *Ledger) aggregateLocked(phase domain.Phase) {
	type tally struct {
		yes, no *uint256.Int
		n       int
	}
	tallies := make(map[common.Address]*tally)
	for key, bit := range l.reveals {
		if key.Round != l.round || key.Phase != phase {
			continue
		}
		t, ok := tallies[key.Subject]
		if !ok {
			t = &tally{yes: new(uint256.Int), no: new(uint256.Int)}
			tallies[key.Subject] = t
		}
		stake := l.roundStakes[key.Verifier]
		if stake == nil {
			stake = new(uint256.Int)
		}
		if bit {
			t.yes.Add(t.yes, stake)
		} else {
			t.no.Add(t.no, stake)
		}
		t.n++
	}

	switch phase {
	case domain.PhasePrimary:
		for k := range l.activity {
			if k.round != l.round {
				continue
			}
			answer := false
			if t, ok := tallies[k.subject]; ok {
				answer = t.yes.Gt(t.no)
			}
			l.preDissent[k] = answer
			l.accepted[k] = answer
		}
	case domain.PhaseDissent:
		for _, s := range l.dissented[l.round] {
			t, ok := tallies[s]
			if !ok || t.n == 0 {
				continue
			}
			l.accepted[roundSubject{l.round, s}] = t.yes.Gt(t.no)
		}
	}
}

func (l *Ledger) submitSlashEvidence(claimant common.Address, e domain.SlashEvidence) error {
	const op = "submit slash evidence"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireStage(op, domain.ActionSlash); err != nil {
		return err
	}
	key := evidenceKey{round: l.round, evidence: e}
	if _, ok := l.claims[key]; ok {
		return domain.Rejected(op, "evidence already claimed")
	}
	if err := l.checkEvidenceLocked(e); err != nil {
		return domain.Rejected(op, err.Error())
	}
	l.claims[key] = claimant
	l.claimOrder = append(l.claimOrder, Claim{Round: l.round, Evidence: e, Claimant: claimant})
	return nil
}

func (l *Ledger) checkEvidenceLocked(e domain.SlashEvidence) error {
	rs := roundSubject{l.round, e.Subject}
	switch e.Category {
	case domain.NotRevealed:
		for _, phase := range []domain.Phase{domain.PhasePrimary, domain.PhaseDissent} {
			key := domain.CommitmentKey{Round: l.round, Verifier: e.Verifier, Subject: e.Subject, Phase: phase}
			if _, committed := l.commitments[key]; !committed {
				continue
			}
			if _, revealed := l.reveals[key]; !revealed {
				return nil
			}
		}
		return fmt.Errorf("every commitment was revealed")
	case domain.Offline:
		if !l.isDissentedLocked(e.Subject) {
			return fmt.Errorf("subject was not dissented")
		}
		if !l.inCommitteeLocked(e.Subject, e.Verifier) {
			return fmt.Errorf("verifier holds no dissent committee seat")
		}
		key := domain.CommitmentKey{Round: l.round, Verifier: e.Verifier, Subject: e.Subject, Phase: domain.PhaseDissent}
		if _, committed := l.commitments[key]; committed {
			return fmt.Errorf("verifier committed")
		}
		return nil
	case domain.IncorrectResult:
		if !l.isDissentedLocked(e.Subject) {
			return fmt.Errorf("subject was not dissented")
		}
		key := domain.CommitmentKey{Round: l.round, Verifier: e.Verifier, Subject: e.Subject, Phase: domain.PhaseDissent}
		bit, revealed := l.reveals[key]
		if !revealed {
			return fmt.Errorf("verifier did not reveal in dissent")
		}
		if bit == l.accepted[rs] {
			return fmt.Errorf("revealed answer matches accepted answer")
		}
		return nil
	case domain.IncorrectDissent:
		if e.HasSubject() {
			return fmt.Errorf("incorrect dissent evidence carries no subject")
		}
		for _, s := range l.dissented[l.round] {
			k := roundSubject{l.round, s}
			if l.preDissent[k] != l.accepted[k] {
				continue
			}
			for _, d := range l.dissenters[k] {
				if d == e.Verifier {
					return nil
				}
			}
		}
		return fmt.Errorf("verifier raised no unchanged dissent")
	default:
		return fmt.Errorf("unknown category %d", e.Category)
	}
}
