package daemon

import (
	"sync"

	"github.com/cernvm/webapid/pkg/wire"
)

// ProgressTask is a hierarchical progress reporter. A root task is attached
// to the event id of the action that started the workflow; subtasks divide
// their parent's range evenly. Every state change is piped to the page as a
// started/progress/completed event carrying the originating event id.
type ProgressTask struct {
	root *progressRoot

	// absStart and absSpan locate this task inside the root's [0,1] range.
	absStart float64
	absSpan  float64

	mu        sync.Mutex
	max       int
	completed int
	begun     int
}

type progressRoot struct {
	emit    func(name string, args ...any)
	mu      sync.Mutex
	started bool
}

// newRootTask builds the root of a progress hierarchy. emit receives the
// outbound event name and arguments.
func newRootTask(emit func(name string, args ...any)) *ProgressTask {
	return &ProgressTask{
		root:    &progressRoot{emit: emit},
		absSpan: 1,
	}
}

// SetMax declares how many steps (Done calls or subtasks) this task spans.
func (t *ProgressTask) SetMax(n int) {
	t.mu.Lock()
	t.max = n
	t.mu.Unlock()
}

// Begin opens a subtask covering the next step of this task.
func (t *ProgressTask) Begin(name string) *ProgressTask {
	t.mu.Lock()
	max := t.max
	if max < 1 {
		max = 1
	}
	step := t.absSpan / float64(max)
	sub := &ProgressTask{
		root:     t.root,
		absStart: t.absStart + float64(t.begun)*step,
		absSpan:  step,
	}
	t.begun++
	t.mu.Unlock()

	t.announce(name, sub.absStart)
	return sub
}

// Doing reports that a step is in progress.
func (t *ProgressTask) Doing(message string) {
	t.announce(message, t.position())
}

// Done reports that a step finished.
func (t *ProgressTask) Done(message string) {
	t.mu.Lock()
	if t.completed < t.max || t.max == 0 {
		t.completed++
	}
	t.mu.Unlock()
	t.announce(message, t.position())
}

// Complete marks the task as finished. On the root it emits the terminal
// completed event.
func (t *ProgressTask) Complete(message string) {
	t.mu.Lock()
	t.completed = t.max
	t.mu.Unlock()
	if t.absSpan == 1 {
		t.root.emit(wire.EventProgressCompleted, message)
		return
	}
	t.announce(message, t.absStart+t.absSpan)
}

// position returns the task's completed position in the root range.
func (t *ProgressTask) position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max < 1 {
		return t.absStart
	}
	return t.absStart + t.absSpan*float64(t.completed)/float64(t.max)
}

// announce emits started for the first emission of the hierarchy and
// progress afterwards, with an integer percentage.
func (t *ProgressTask) announce(message string, position float64) {
	percent := int(position * 100)
	if percent > 100 {
		percent = 100
	}

	t.root.mu.Lock()
	first := !t.root.started
	t.root.started = true
	t.root.mu.Unlock()

	if first {
		t.root.emit(wire.EventProgressStarted, message, percent)
		return
	}
	t.root.emit(wire.EventProgress, message, percent)
}
