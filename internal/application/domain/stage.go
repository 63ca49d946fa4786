package domain

import (
	"fmt"
	"time"
)

// Stage is a round stage, in protocol order.
type Stage uint8

const (
	AwaitingSubjectInput Stage = iota
	CollectingCommitments
	CollectingReveals
	DissentWindow
	DissentCommitments
	DissentReveals
	Slashing
)

var stageNames = [...]string{
	AwaitingSubjectInput:  "AWAITING_SUBJECT_INPUT",
	CollectingCommitments: "COLLECTING_COMMITMENTS",
	CollectingReveals:     "COLLECTING_REVEALS",
	DissentWindow:         "DISSENT_WINDOW",
	DissentCommitments:    "DISSENT_COMMITMENTS",
	DissentReveals:        "DISSENT_REVEALS",
	Slashing:              "SLASHING",
}

// AllStages lists every stage in order.
var AllStages = []Stage{
	AwaitingSubjectInput,
	CollectingCommitments,
	CollectingReveals,
	DissentWindow,
	DissentCommitments,
	DissentReveals,
	Slashing,
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("STAGE(%d)", uint8(s))
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s <= Slashing
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Next returns the stage following s. dissented tells whether any dissent flag was raised
// during DISSENT_WINDOW; rolled is true when the transition starts a new round.
func (s Stage) Next(dissented bool) (next Stage, rolled bool) {
	switch s {
	case DissentWindow:
		if dissented {
			return DissentCommitments, false
		}
		return Slashing, false
	case Slashing:
		return AwaitingSubjectInput, true
	default:
		return s + 1, false
	}
}

// StageDurations holds the six timed stage lengths. AWAITING_SUBJECT_INPUT has no timing
// guard: it is left whenever a participant requests the transition.
type StageDurations struct {
	Commit        time.Duration
	Reveal        time.Duration
	DissentWindow time.Duration
	DissentCommit time.Duration
	DissentReveal time.Duration
	Slashing      time.Duration
}

// For returns the configured duration of stage s.
func (d StageDurations) For(s Stage) time.Duration {
	switch s {
	case CollectingCommitments:
		return d.Commit
	case CollectingReveals:
		return d.Reveal
	case DissentWindow:
		return d.DissentWindow
	case DissentCommitments:
		return d.DissentCommit
	case DissentReveals:
		return d.DissentReveal
	case Slashing:
		return d.Slashing
	default:
		return 0
	}
}

// Validate rejects negative durations.
func (d StageDurations) Validate() error {
	for _, s := range AllStages {
		if d.For(s) < 0 {
			return fmt.Errorf("negative duration for stage %s", s)
		}
	}
	return nil
}

// TransitionDue reports whether enough ledger time has elapsed since stageStart for a
// transition out of stage s to be accepted.
func (d StageDurations) TransitionDue(s Stage, stageStart, now time.Time) bool {
	return now.Sub(stageStart) >= d.For(s)
}

// TransitionAt returns the earliest ledger time at which stage s may be left.
func (d StageDurations) TransitionAt(s Stage, stageStart time.Time) time.Time {
	return stageStart.Add(d.For(s))
}

// Action is a ledger write a participant can attempt.
type Action uint8

const (
	ActionCommitPrimary Action = iota
	ActionRevealPrimary
	ActionRaiseDissent
	ActionCommitDissent
	ActionRevealDissent
	ActionSlash
)

// AllActions lists every action.
var AllActions = []Action{
	ActionCommitPrimary,
	ActionRevealPrimary,
	ActionRaiseDissent,
	ActionCommitDissent,
	ActionRevealDissent,
	ActionSlash,
}

func (a Action) String() string {
	switch a {
	case ActionCommitPrimary:
		return "commit_primary"
	case ActionRevealPrimary:
		return "reveal_primary"
	case ActionRaiseDissent:
		return "raise_dissent"
	case ActionCommitDissent:
		return "commit_dissent"
	case ActionRevealDissent:
		return "reveal_dissent"
	case ActionSlash:
		return "slash"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// CommitAction returns the commit action of phase p.
func CommitAction(p Phase) Action {
	if p == PhaseDissent {
		return ActionCommitDissent
	}
	return ActionCommitPrimary
}

// RevealAction returns the reveal action of phase p.
func RevealAction(p Phase) Action {
	if p == PhaseDissent {
		return ActionRevealDissent
	}
	return ActionRevealPrimary
}

// ActionAllowed is the stage × action permission table. Each action is accepted in
// exactly one stage.
func ActionAllowed(s Stage, a Action) bool {
	switch a {
	case ActionCommitPrimary:
		return s == CollectingCommitments
	case ActionRevealPrimary:
		return s == CollectingReveals
	case ActionRaiseDissent:
		return s == DissentWindow
	case ActionCommitDissent:
		return s == DissentCommitments
	case ActionRevealDissent:
		return s == DissentReveals
	case ActionSlash:
		return s == Slashing
	default:
		return false
	}
}

// CommitStage and RevealStage map a phase to its collecting stages.
func CommitStage(p Phase) Stage {
	if p == PhaseDissent {
		return DissentCommitments
	}
	return CollectingCommitments
}

func RevealStage(p Phase) Stage {
	if p == PhaseDissent {
		return DissentReveals
	}
	return CollectingReveals
}
