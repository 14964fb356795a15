package silver

import "fmt"

// State is the builder's position in a run.
type State int

const (
	StateIdle State = iota
	StateReadingBronze
	StateParsing
	StateDeduping
	StateDerivingProxies
	StateJoining
	StateResampling
	StateStagingWrite
	StatePublishing
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateReadingBronze:   "reading_bronze",
	StateParsing:         "parsing",
	StateDeduping:        "deduping",
	StateDerivingProxies: "deriving_proxies",
	StateJoining:         "joining",
	StateResampling:      "resampling",
	StateStagingWrite:    "staging_write",
	StatePublishing:      "publishing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// PipelineError is a fatal build failure. The previously published build stays current.
type PipelineError struct {
	Stage State
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("silver build failed during %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
