package container

import (
	"github.com/runcell/runcell/internal/state"
)

// List returns all containers (reconciled); with runningOnly set, only
// those whose init process is verifiably alive.
func (m *Manager) List(runningOnly bool) ([]*state.State, error) {
	all, err := m.states.List()
	if err != nil {
		return nil, err
	}
	if !runningOnly {
		return all, nil
	}
	var out []*state.State
	for _, st := range all {
		if st.Status == state.StatusRunning {
			out = append(out, st)
		}
	}
	return out, nil
}

// State loads one container's record, reconciled against the process
// table.
func (m *Manager) State(id string) (*state.State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	st, err := m.states.Load(id)
	if err != nil {
		return nil, err
	}
	m.states.Reconcile(st)
	return st, nil
}
