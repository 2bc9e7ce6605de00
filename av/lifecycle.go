package av

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Processor lifecycle states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateStopped = "stopped"
)

const (
	eventStart = "start"
	eventStop  = "stop"
)

// Lifecycle tracks a stream processor through idle, running and stopped.
// It is safe for concurrent use.
type Lifecycle struct {
	name string
	fsm  *fsm.FSM
}

// NewLifecycle creates a lifecycle in the idle state. The name is only used
// for logging.
func NewLifecycle(name string) *Lifecycle {
	l := &Lifecycle{name: name}
	l.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateIdle, StateRunning}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logrus.WithFields(logrus.Fields{
					"function":  "Lifecycle",
					"processor": l.name,
					"from":      e.Src,
					"to":        e.Dst,
				}).Debug("Processor state changed")
			},
		},
	)
	return l
}

// Start moves idle to running. Any other source state is ErrAlreadyRunning.
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.fsm.Event(ctx, eventStart); err != nil {
		return fmt.Errorf("%s: %w (state %s)", l.name, ErrAlreadyRunning, l.fsm.Current())
	}
	return nil
}

// Stop moves idle or running to stopped. Stopping twice is ErrNotRunning.
func (l *Lifecycle) Stop(ctx context.Context) error {
	if err := l.fsm.Event(ctx, eventStop); err != nil {
		return fmt.Errorf("%s: %w", l.name, ErrNotRunning)
	}
	return nil
}

// Current returns the current state name.
func (l *Lifecycle) Current() string {
	return l.fsm.Current()
}

// Running reports whether the processor is running.
func (l *Lifecycle) Running() bool {
	return l.fsm.Is(StateRunning)
}
