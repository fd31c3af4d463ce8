package replay

import (
	"os"
	"strconv"
	"sync/atomic"
)

// EnvReplayMode forces replay mode for the whole process when set to 1.
const EnvReplayMode = "CHIMERA_REPLAY_MODE"

// Mode tells adaptive components to consume recorded values instead of
// recomputing them. It is shared through the engine context.
type Mode struct {
	forced bool
	active atomic.Int32
}

// NewMode creates a mode flag. forced keeps it enabled permanently.
func NewMode(forced bool) *Mode {
	return &Mode{forced: forced}
}

// ModeFromEnv reads CHIMERA_REPLAY_MODE.
func ModeFromEnv() *Mode {
	v, _ := strconv.ParseBool(os.Getenv(EnvReplayMode))
	return NewMode(v)
}

// Enter marks a replay as running. Calls nest.
func (m *Mode) Enter() {
	m.active.Add(1)
}

// Exit undoes one Enter.
func (m *Mode) Exit() {
	m.active.Add(-1)
}

// Enabled reports whether recorded values must be used.
func (m *Mode) Enabled() bool {
	if m == nil {
		return false
	}
	return m.forced || m.active.Load() > 0
}
