package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cernvm/webapid/pkg/wire"
)

// User interaction results. These travel on the wire in the
// interactionCallback action.
const (
	UICancel  = 0
	UIOK      = 1
	UIAborted = -1
)

// errInteractionPending is returned when a prompt is requested while
// another one is still waiting for its callback.
var errInteractionPending = errors.New("another interaction is already pending")

// Interaction dispatches prompts to the connected page and routes the
// single correlated reply back to the blocked worker.
//
// A prompt turns into an outgoing interact event; the calling worker blocks
// until the page answers with an interactionCallback action, the worker's
// context is cancelled, or the connection aborts. Abort is sticky: once
// aborted, every pending and future prompt resolves to UIAborted until the
// flag is acknowledged with AbortHandled.
type Interaction struct {
	emit func(kind, title, body string)

	mu      sync.Mutex
	pending chan int

	aborted  atomic.Bool
	abortCh  chan struct{}
	abortOne sync.Once
}

// NewInteraction builds an Interaction that emits interact events through
// the given function.
func NewInteraction(emit func(kind, title, body string)) *Interaction {
	return &Interaction{
		emit:    emit,
		abortCh: make(chan struct{}),
	}
}

// Confirm asks a yes/no question.
func (i *Interaction) Confirm(ctx context.Context, title, body string) (int, error) {
	return i.prompt(ctx, wire.InteractConfirm, title, body)
}

// Alert shows a message.
func (i *Interaction) Alert(ctx context.Context, title, body string) (int, error) {
	return i.prompt(ctx, wire.InteractAlert, title, body)
}

// ConfirmLicense asks for acceptance of inline license text.
func (i *Interaction) ConfirmLicense(ctx context.Context, title, body string) (int, error) {
	return i.prompt(ctx, wire.InteractLicense, title, body)
}

// ConfirmLicenseURL asks for acceptance of a license referenced by URL.
func (i *Interaction) ConfirmLicenseURL(ctx context.Context, title, url string) (int, error) {
	return i.prompt(ctx, wire.InteractLicenseURL, title, url)
}

func (i *Interaction) prompt(ctx context.Context, kind, title, body string) (int, error) {
	if i.aborted.Load() {
		return UIAborted, nil
	}

	ch := make(chan int, 1)
	i.mu.Lock()
	if i.pending != nil {
		i.mu.Unlock()
		return UIAborted, errInteractionPending
	}
	i.pending = ch
	i.mu.Unlock()

	i.emit(kind, title, body)

	select {
	case result := <-ch:
		return result, nil
	case <-i.abortCh:
		i.clearPending(ch)
		return UIAborted, nil
	case <-ctx.Done():
		i.clearPending(ch)
		return UIAborted, ctx.Err()
	}
}

// Deliver routes an interactionCallback result to the blocked prompt.
// Results arriving with no prompt pending are dropped.
func (i *Interaction) Deliver(result int) {
	i.mu.Lock()
	ch := i.pending
	i.pending = nil
	i.mu.Unlock()
	if ch != nil {
		ch <- result
	}
}

// Abort unblocks any in-flight prompt with UIAborted and latches the sticky
// aborted flag.
func (i *Interaction) Abort() {
	i.aborted.Store(true)
	i.abortOne.Do(func() { close(i.abortCh) })
}

// Aborted reports the sticky abort flag.
func (i *Interaction) Aborted() bool {
	return i.aborted.Load()
}

// AbortHandled acknowledges the abort flag after a handler has observed it.
func (i *Interaction) AbortHandled() {
	i.aborted.Store(false)
}

func (i *Interaction) clearPending(ch chan int) {
	i.mu.Lock()
	if i.pending == ch {
		i.pending = nil
	}
	i.mu.Unlock()
}
