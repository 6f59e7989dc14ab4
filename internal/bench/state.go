package bench

import "fmt"

// LevelState tracks one concurrency level through its lifecycle.
type LevelState string

const (
	StatePending            LevelState = "pending"
	StateWarmingUp          LevelState = "warming_up"
	StateRecording          LevelState = "recording"
	StateDraining           LevelState = "draining"
	StateSealed             LevelState = "sealed"
	StateAbortedUnreachable LevelState = "aborted_unreachable"
)

var levelTransitions = map[LevelState][]LevelState{
	StatePending:   {StateWarmingUp},
	StateWarmingUp: {StateRecording},
	// aborted_unreachable is the only path that skips draining.
	StateRecording: {StateDraining, StateAbortedUnreachable},
	StateDraining:  {StateSealed},
}

// LevelMachine enforces the per-level transition order. A bad transition is a
// programming error in the runner, surfaced as an error rather than a panic so
// sibling levels survive.
type LevelMachine struct {
	state LevelState
}

func NewLevelMachine() *LevelMachine {
	return &LevelMachine{state: StatePending}
}

func (m *LevelMachine) State() LevelState { return m.state }

func (m *LevelMachine) To(next LevelState) error {
	for _, allowed := range levelTransitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid level transition %s -> %s", m.state, next)
}

// Terminal reports whether the level reached a final state.
func (m *LevelMachine) Terminal() bool {
	return m.state == StateSealed || m.state == StateAbortedUnreachable
}
