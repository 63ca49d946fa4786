package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Basic protocol types
type RoundIndex uint64
type TicketIndex uint64

// Phase separates the primary commit-reveal cycle from the dissent cycle.
type Phase uint8

const (
	PhasePrimary Phase = iota
	PhaseDissent
)

func (p Phase) String() string {
	switch p {
	case PhasePrimary:
		return "primary"
	case PhaseDissent:
		return "dissent"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Round is the ledger's view of the current round.
type Round struct {
	Index          RoundIndex
	Stage          Stage
	StageStartTime time.Time
}

// Subject is an entity whose compliance is evaluated each round. The same subject
// may be registered in several pools.
type Subject struct {
	ID   common.Address
	Pool common.Address
}

// Activity is what a subject uploaded for a round.
type Activity struct {
	// Signature is the opaque per-round activity signature, used as lottery seed.
	Signature common.Hash
	// StoragePath locates the uploaded artifact in the data storage service.
	StoragePath string
}

// Verifier is a bonded participant with its stake snapshot for the round.
type Verifier struct {
	ID    common.Address
	Stake *uint256.Int
}

// Assignment pairs a subject with the winning ticket that entitles this verifier to act on it.
type Assignment struct {
	Subject common.Address
	Seed    common.Hash
	Index   TicketIndex
	Score   *uint256.Int
	// StoragePath is carried along so the coordinator does not re-read the activity.
	StoragePath string
}

// Secret is the locally kept opening of a commitment.
type Secret struct {
	Bit   bool
	Nonce *uint256.Int
}

// CommitmentKey identifies one commitment slot on the ledger.
type CommitmentKey struct {
	Round    RoundIndex
	Verifier common.Address
	Subject  common.Address
	Phase    Phase
}

func (k CommitmentKey) String() string {
	return fmt.Sprintf("round=%d verifier=%s subject=%s phase=%s", k.Round, k.Verifier.Hex(), k.Subject.Hex(), k.Phase)
}

// SlashCategory enumerates the kinds of misbehavior the detector reports.
type SlashCategory uint8

const (
	NotRevealed SlashCategory = iota
	Offline
	IncorrectResult
	IncorrectDissent
)

func (c SlashCategory) String() string {
	switch c {
	case NotRevealed:
		return "not_revealed"
	case Offline:
		return "offline"
	case IncorrectResult:
		return "incorrect_result"
	case IncorrectDissent:
		return "incorrect_dissent"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// SlashEvidence names a verifier, an optional subject and the category of misbehavior.
// Subject is the zero address when the category is not tied to a subject.
type SlashEvidence struct {
	Verifier common.Address
	Subject  common.Address
	Category SlashCategory
}

// HasSubject reports whether the evidence refers to a specific subject.
func (e SlashEvidence) HasSubject() bool {
	return e.Subject != (common.Address{})
}

func (e SlashEvidence) String() string {
	if !e.HasSubject() {
		return fmt.Sprintf("%s(%s)", e.Category, e.Verifier.Hex())
	}
	return fmt.Sprintf("%s(%s,%s)", e.Category, e.Verifier.Hex(), e.Subject.Hex())
}
