package ota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/otaflash/internal/ble/protocol"
)

// Event is emitted on the channel returned by Tracker.Events. Err is set
// only on the terminal failure event.
type Event struct {
	Phase    protocol.Phase
	Progress uint8
	Err      error
}

// Tracker follows the peripheral's OTA phase from status notifications.
// COMPLETE and ERROR are terminal: the first one reached, or the first
// local failure passed to Fail, is latched and everything after it is
// ignored.
type Tracker struct {
	recorder Recorder

	mu            sync.Mutex
	phase         protocol.Phase
	progress      uint8
	busy          bool
	terminal      bool
	err           error
	notifications uint64
	notified      chan struct{} // closed and replaced on every notification

	done   chan struct{}
	events chan Event
}

// NewTracker creates a Tracker in the IDLE phase. buffer sizes the event
// channel; when it is full the oldest event is dropped.
func NewTracker(buffer int, recorder Recorder) *Tracker {
	if buffer < 1 {
		buffer = 1
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Tracker{
		recorder: recorder,
		notified: make(chan struct{}),
		done:     make(chan struct{}),
		events:   make(chan Event, buffer),
	}
}

// HandleNotification decodes one status notification. Malformed input is
// logged and dropped. Safe to call from the BLE stack's goroutine.
func (t *Tracker) HandleNotification(data []byte) {
	st, err := protocol.DecodeStatusNotification(data)
	if err != nil {
		slog.Warn("[OTA] dropping status notification", "error", err, "bytes", len(data))
		t.recorder.ObserveMalformedNotification()
		return
	}
	t.recorder.ObservePhase(st.Phase)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.notifications++
	close(t.notified)
	t.notified = make(chan struct{})

	if t.terminal {
		slog.Debug("[OTA] status after terminal phase ignored", "phase", st.Phase, "progress", st.Progress)
		return
	}

	if !st.Phase.Known() {
		slog.Warn("[OTA] unknown phase from peripheral", "phase", st.Phase)
	} else if st.Phase < t.phase {
		slog.Warn("[OTA] phase moved backwards", "from", t.phase, "to", st.Phase)
	}
	if st.Phase != t.phase {
		slog.Debug("[OTA] phase", "from", t.phase, "to", st.Phase, "progress", st.Progress)
	}
	t.phase = st.Phase
	t.progress = st.Progress

	ev := Event{Phase: st.Phase, Progress: st.Progress}
	if st.Phase == protocol.PhaseError {
		ev.Err = fmt.Errorf("%w at %d%%", ErrPeripheralFailed, st.Progress)
	}
	t.emitLocked(ev)

	if st.Phase.Terminal() {
		t.finishLocked(ev.Err)
	}
}

// Begin marks the session busy. It fails once the session is finished.
func (t *Tracker) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return ErrSessionFinished
	}
	t.busy = true
	return nil
}

// Fail latches a local failure as the terminal outcome. It reports false if
// the session had already finished, so a failure is signalled only once.
func (t *Tracker) Fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return false
	}
	t.emitLocked(Event{Phase: t.phase, Progress: t.progress, Err: err})
	t.finishLocked(err)
	return true
}

// Phase returns the last reported phase.
func (t *Tracker) Phase() protocol.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Progress returns the last reported progress byte.
func (t *Tracker) Progress() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Busy reports whether an upload is underway.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// Notifications returns how many well-formed notifications have arrived.
func (t *Tracker) Notifications() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifications
}

// Done is closed when the session reaches a terminal outcome.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Err returns nil until Done is closed, then nil for COMPLETE and the
// failure otherwise.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Events returns the channel of phase/progress updates. It is closed after
// the terminal event.
func (t *Tracker) Events() <-chan Event { return t.events }

// Wait blocks until the session finishes or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitPhase blocks until a reported phase satisfies accept or the session
// reaches a terminal outcome.
func (t *Tracker) awaitPhase(ctx context.Context, accept func(protocol.Phase) bool) error {
	for {
		t.mu.Lock()
		ok := t.terminal || accept(t.phase)
		ch := t.notified
		t.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// emitLocked never blocks: when the buffer is full the oldest event is
// discarded to make room.
func (t *Tracker) emitLocked(ev Event) {
	for {
		select {
		case t.events <- ev:
			return
		default:
		}
		select {
		case <-t.events:
		default:
		}
	}
}

func (t *Tracker) finishLocked(err error) {
	t.terminal = true
	t.busy = false
	t.err = err
	close(t.done)
	close(t.events)
	if err != nil {
		slog.Error("[OTA] transfer failed", "phase", t.phase, "error", err)
	} else {
		slog.Info("[OTA] transfer complete", "phase", t.phase)
	}
}
