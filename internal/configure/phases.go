package configure

import "fmt"

// Phase is how far a run got.
type Phase string

const (
	PhasePending       Phase = "Pending"
	PhaseSeedGenerated Phase = "SeedGenerated"
	PhaseStarted       Phase = "Started"
	PhaseConfigured    Phase = "Configured"
	PhaseStopped       Phase = "Stopped"
	PhaseRemoved       Phase = "Removed"
	PhaseReset         Phase = "Reset"
	PhaseFailed        Phase = "Failed"
)

// order lists the phases of a successful run.
var order = []Phase{
	PhasePending,
	PhaseSeedGenerated,
	PhaseStarted,
	PhaseConfigured,
	PhaseStopped,
	PhaseRemoved,
	PhaseReset,
}

// next returns the phase that follows p, or "" when p is terminal.
func next(p Phase) Phase {
	for i, o := range order {
		if o == p && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// Tracker records phase transitions for one run.
type Tracker struct {
	phase Phase

	// last is the phase reached before a failure.
	last Phase
}

// NewTracker returns a Tracker in PhasePending.
func NewTracker() *Tracker {
	return &Tracker{phase: PhasePending, last: PhasePending}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase { return t.phase }

// LastGood returns the last phase reached before any failure.
func (t *Tracker) LastGood() Phase { return t.last }

// Advance moves to the given phase.
// Phases can only be entered in run order, one at a time.
func (t *Tracker) Advance(to Phase) error {
	if t.phase == PhaseFailed {
		return fmt.Errorf("cannot transition to %s from phase %s", to, t.phase)
	}
	if want := next(t.phase); want != to {
		return fmt.Errorf("cannot transition to %s from phase %s", to, t.phase)
	}
	t.phase = to
	t.last = to
	return nil
}

// Fail moves to PhaseFailed. This can happen from any phase.
func (t *Tracker) Fail() {
	t.phase = PhaseFailed
}
