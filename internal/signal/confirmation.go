package signal

import (
	"time"
)

// Confirmation is the persisted confirmation window for one bot.
// A nil StartAt represents IDLE; Action is the action being confirmed.
type Confirmation struct {
	StartAt *time.Time
	Action  *string
}

// Idle reports whether no confirmation window is open
func (c Confirmation) Idle() bool {
	return c.StartAt == nil || c.Action == nil
}

// ConfirmationResult describes the state after one transition
type ConfirmationResult struct {
	State         Confirmation
	Confirmed     bool
	Progress      float64
	TimeRemaining time.Duration
}

// AdvanceConfirmation applies one evaluation outcome to the
// confirmation state machine:
//
//	IDLE        + non-hold a        -> CONFIRMING(a, now)
//	CONFIRMING(a) + same a, window elapsed (inclusive) -> CONFIRMED(a)
//	CONFIRMING(a) + same a, window open                -> stay, expose progress
//	CONFIRMING(a) + hold            -> IDLE
//	CONFIRMING(a) + different a'    -> CONFIRMING(a', now)
//
// The caller consumes Confirmed and resets the state to IDLE after the
// execution attempt, successful or not.
func AdvanceConfirmation(current Confirmation, action Action, now time.Time, confirmationSeconds int) ConfirmationResult {
	if action == ActionHold {
		return ConfirmationResult{State: Confirmation{}}
	}

	actionStr := string(action)
	window := time.Duration(confirmationSeconds) * time.Second

	if current.Idle() || *current.Action != actionStr {
		// Open (or re-open) the window for this action.
		start := now
		result := ConfirmationResult{
			State: Confirmation{StartAt: &start, Action: &actionStr},
		}
		// A zero-length window confirms immediately.
		if window <= 0 {
			result.Confirmed = true
			result.Progress = 1
		}
		return result
	}

	elapsed := now.Sub(*current.StartAt)
	if elapsed >= window {
		return ConfirmationResult{
			State:     current,
			Confirmed: true,
			Progress:  1,
		}
	}

	return ConfirmationResult{
		State:         current,
		Progress:      float64(elapsed) / float64(window),
		TimeRemaining: window - elapsed,
	}
}
