// Package loop defines the software delivery loop state machine. Transition
// is a pure function; callers persist the result under their own
// compare-and-swap on the loop version.
package loop

import (
	"errors"
	"fmt"
)

// State is a delivery loop state.
type State string

const (
	StateEnrolled               State = "enrolled"
	StateImplementing           State = "implementing"
	StateGatesRunning           State = "gates_running"
	StateBlockedOnAgentFixes    State = "blocked_on_agent_fixes"
	StateBlockedOnCI            State = "blocked_on_ci"
	StateBlockedOnReviewThreads State = "blocked_on_review_threads"
	StateVideoPending           State = "video_pending"
	StateHumanReviewReady       State = "human_review_ready"
	StateVideoDegradedReady     State = "video_degraded_ready"
	StateBlockedOnHumanFeedback State = "blocked_on_human_feedback"
	StateDone                   State = "done"
	StateStopped                State = "stopped"
	StateTerminatedPRClosed     State = "terminated_pr_closed"
	StateTerminatedPRMerged     State = "terminated_pr_merged"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateEnrolled,
	StateImplementing,
	StateGatesRunning,
	StateBlockedOnAgentFixes,
	StateBlockedOnCI,
	StateBlockedOnReviewThreads,
	StateVideoPending,
	StateHumanReviewReady,
	StateVideoDegradedReady,
	StateBlockedOnHumanFeedback,
	StateDone,
	StateStopped,
	StateTerminatedPRClosed,
	StateTerminatedPRMerged,
}

// SignalKind names a qualifying loop input.
type SignalKind string

const (
	SignalImplementationStarted   SignalKind = "implementation_started"
	SignalPRLinked                SignalKind = "pr_linked"
	SignalImplementationCompleted SignalKind = "implementation_completed"
	SignalImplementationFailed    SignalKind = "implementation_failed"
	SignalGateFailedAgent         SignalKind = "gate_failed_agent"
	SignalGateFailedCI            SignalKind = "gate_failed_ci"
	SignalGateFailedReviewThreads SignalKind = "gate_failed_review_threads"
	SignalGatesPassed             SignalKind = "gates_passed"
	SignalVideoCaptured           SignalKind = "video_captured"
	SignalVideoFailed             SignalKind = "video_failed"
	SignalHumanFeedbackRequested  SignalKind = "human_feedback_requested"
	SignalHumanFeedbackAddressed  SignalKind = "human_feedback_addressed"
	SignalHumanApproved           SignalKind = "human_approved"
	SignalStopRequested           SignalKind = "stop_requested"
	SignalPRClosed                SignalKind = "pr_closed"
	SignalPRMerged                SignalKind = "pr_merged"
)

// AllSignalKinds lists every signal kind.
var AllSignalKinds = []SignalKind{
	SignalImplementationStarted,
	SignalPRLinked,
	SignalImplementationCompleted,
	SignalImplementationFailed,
	SignalGateFailedAgent,
	SignalGateFailedCI,
	SignalGateFailedReviewThreads,
	SignalGatesPassed,
	SignalVideoCaptured,
	SignalVideoFailed,
	SignalHumanFeedbackRequested,
	SignalHumanFeedbackAddressed,
	SignalHumanApproved,
	SignalStopRequested,
	SignalPRClosed,
	SignalPRMerged,
}

var (
	ErrInvalidTransition = errors.New("loop: invalid transition")
	ErrUnknownState      = errors.New("loop: unknown state")
	ErrUnknownSignal     = errors.New("loop: unknown signal")
	ErrPRAlreadyLinked   = errors.New("loop: pull request already linked")
)

// Signal is a deduplicated, committed input to the state machine.
type Signal struct {
	Kind SignalKind
	// PRNumber is set for pr_linked.
	PRNumber int
}

// Snapshot is the part of a loop row the state machine reads.
type Snapshot struct {
	State         State
	PRNumber      int
	VideoRequired bool
}

// Outcome is the result of a successful transition.
type Outcome struct {
	State    State
	PRNumber int
	// Changed is false for self-transitions that only record data.
	Changed bool
}

// ParseState validates s as a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return st, nil
}

// ParseSignalKind validates s as a SignalKind.
func ParseSignalKind(s string) (SignalKind, error) {
	k := SignalKind(s)
	if !k.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, s)
	}
	return k, nil
}

func (s State) valid() bool {
	switch s {
	case StateEnrolled, StateImplementing, StateGatesRunning,
		StateBlockedOnAgentFixes, StateBlockedOnCI, StateBlockedOnReviewThreads,
		StateVideoPending, StateHumanReviewReady, StateVideoDegradedReady,
		StateBlockedOnHumanFeedback, StateDone, StateStopped,
		StateTerminatedPRClosed, StateTerminatedPRMerged:
		return true
	}
	return false
}

func (k SignalKind) valid() bool {
	switch k {
	case SignalImplementationStarted, SignalPRLinked, SignalImplementationCompleted,
		SignalImplementationFailed, SignalGateFailedAgent, SignalGateFailedCI,
		SignalGateFailedReviewThreads, SignalGatesPassed, SignalVideoCaptured,
		SignalVideoFailed, SignalHumanFeedbackRequested, SignalHumanFeedbackAddressed,
		SignalHumanApproved, SignalStopRequested, SignalPRClosed, SignalPRMerged:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateStopped, StateTerminatedPRClosed, StateTerminatedPRMerged:
		return true
	case StateEnrolled, StateImplementing, StateGatesRunning,
		StateBlockedOnAgentFixes, StateBlockedOnCI, StateBlockedOnReviewThreads,
		StateVideoPending, StateHumanReviewReady, StateVideoDegradedReady,
		StateBlockedOnHumanFeedback:
		return false
	}
	return false
}

// Blocked reports whether s waits on agent or gate fixes.
func (s State) Blocked() bool {
	return s == StateBlockedOnAgentFixes || s == StateBlockedOnCI || s == StateBlockedOnReviewThreads
}

// Publishable reports whether reaching s should be reflected on the linked PR.
func (s State) Publishable() bool {
	switch s {
	case StateHumanReviewReady, StateVideoDegradedReady, StateBlockedOnHumanFeedback,
		StateDone, StateStopped, StateTerminatedPRClosed, StateTerminatedPRMerged:
		return true
	}
	return false
}

// Transition computes the next state for snap given sig.
func Transition(snap Snapshot, sig Signal) (Outcome, error) {
	if !snap.State.valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownState, snap.State)
	}
	if !sig.Kind.valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Kind)
	}
	from := snap.State
	if from.Terminal() {
		return Outcome{}, invalid(from, sig.Kind)
	}

	move := func(to State) (Outcome, error) {
		return Outcome{State: to, PRNumber: snap.PRNumber, Changed: to != from}, nil
	}

	switch sig.Kind {
	case SignalImplementationStarted:
		if from == StateEnrolled {
			return move(StateImplementing)
		}
	case SignalPRLinked:
		if from != StateEnrolled && from != StateImplementing {
			break
		}
		if sig.PRNumber <= 0 {
			return Outcome{}, fmt.Errorf("%w: pr_linked requires a PR number", ErrInvalidTransition)
		}
		if snap.PRNumber > 0 {
			return Outcome{}, fmt.Errorf("%w: #%d", ErrPRAlreadyLinked, snap.PRNumber)
		}
		return Outcome{State: from, PRNumber: sig.PRNumber, Changed: true}, nil
	case SignalImplementationCompleted:
		if from == StateImplementing || from.Blocked() {
			return move(StateGatesRunning)
		}
	case SignalImplementationFailed:
		if from == StateImplementing {
			return move(StateBlockedOnAgentFixes)
		}
	case SignalGateFailedAgent:
		if from == StateGatesRunning {
			return move(StateBlockedOnAgentFixes)
		}
	case SignalGateFailedCI:
		if from == StateGatesRunning {
			return move(StateBlockedOnCI)
		}
	case SignalGateFailedReviewThreads:
		if from == StateGatesRunning {
			return move(StateBlockedOnReviewThreads)
		}
	case SignalGatesPassed:
		if from == StateGatesRunning {
			if snap.VideoRequired {
				return move(StateVideoPending)
			}
			return move(StateHumanReviewReady)
		}
	case SignalVideoCaptured:
		if from == StateVideoPending {
			return move(StateHumanReviewReady)
		}
	case SignalVideoFailed:
		if from == StateVideoPending {
			return move(StateVideoDegradedReady)
		}
	case SignalHumanFeedbackRequested:
		if from == StateHumanReviewReady || from == StateVideoDegradedReady {
			return move(StateBlockedOnHumanFeedback)
		}
	case SignalHumanFeedbackAddressed:
		if from == StateBlockedOnHumanFeedback {
			return move(StateImplementing)
		}
	case SignalHumanApproved:
		if from == StateHumanReviewReady || from == StateVideoDegradedReady || from == StateBlockedOnHumanFeedback {
			return move(StateDone)
		}
	case SignalStopRequested:
		return move(StateStopped)
	case SignalPRClosed:
		return move(StateTerminatedPRClosed)
	case SignalPRMerged:
		return move(StateTerminatedPRMerged)
	}
	return Outcome{}, invalid(from, sig.Kind)
}

func invalid(from State, kind SignalKind) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, kind, from)
}
