package fleet

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/kilianp07/fleetstream/core/model"
)

// Health machine events.
const (
	eventRefresh = "refresh"
	eventStale   = "stale"
	eventLose    = "lose"
)

func newHealthFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(model.HealthFresh),
		fsm.Events{
			{Name: eventRefresh, Src: []string{string(model.HealthStale), string(model.HealthLost)}, Dst: string(model.HealthFresh)},
			{Name: eventStale, Src: []string{string(model.HealthFresh)}, Dst: string(model.HealthStale)},
			{Name: eventLose, Src: []string{string(model.HealthFresh), string(model.HealthStale)}, Dst: string(model.HealthLost)},
		},
		fsm.Callbacks{},
	)
}

// fire applies event and reports whether the health changed. Events that are
// not valid from the current state are ignored.
func fire(m *fsm.FSM, event string) (from, to model.Health, changed bool) {
	from = model.Health(m.Current())
	if !m.Can(event) {
		return from, from, false
	}
	if err := m.Event(context.Background(), event); err != nil {
		return from, from, false
	}
	return from, model.Health(m.Current()), true
}
