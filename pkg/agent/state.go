package agent

// MaxConsecutiveTimeouts is the threshold for aborting a loop. After this
// many consecutive timeout failures the strategy stops burning steps.
const MaxConsecutiveTimeouts = 2

// LoopState tracks per-run bookkeeping shared by all strategy drivers.
type LoopState struct {
	CurrentStep                int
	MaxSteps                   int
	LastInteractionFailed      bool
	LastErrorMessage           string
	ConsecutiveTimeoutFailures int
}

// ShouldAbortOnTimeouts returns true once consecutive timeout failures
// reach the threshold.
func (s *LoopState) ShouldAbortOnTimeouts() bool {
	return s.ConsecutiveTimeoutFailures >= MaxConsecutiveTimeouts
}

// RecordSuccess resets failure tracking after a successful interaction.
func (s *LoopState) RecordSuccess() {
	s.LastInteractionFailed = false
	s.LastErrorMessage = ""
	s.ConsecutiveTimeoutFailures = 0
}

// RecordFailure records a failed interaction.
func (s *LoopState) RecordFailure(errMsg string, isTimeout bool) {
	s.LastInteractionFailed = true
	s.LastErrorMessage = errMsg
	if isTimeout {
		s.ConsecutiveTimeoutFailures++
	} else {
		s.ConsecutiveTimeoutFailures = 0
	}
}
