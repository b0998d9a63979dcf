package output

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/pterm/pterm"

	"github.com/chaz8081/otaflash/internal/ota"
)

// TransferProgress renders one upload as a pterm progress bar. The bar
// counts payload bytes handed to the BLE stack; its title follows the
// phase reported by the peripheral.
type TransferProgress struct {
	label string
	w     io.Writer

	mu   sync.Mutex
	bar  *pterm.ProgressbarPrinter
	sent int64
}

func NewTransferProgress(w io.Writer, label string) *TransferProgress {
	return &TransferProgress{label: label, w: w}
}

// Start draws the bar for an image of total bytes.
func (p *TransferProgress) Start(total int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		return nil
	}
	bar, err := pterm.DefaultProgressbar.
		WithWriter(p.w).
		WithTitle(p.label).
		WithTotal(clampToInt(total)).
		WithShowCount(false).
		WithShowElapsedTime(true).
		Start()
	if err != nil {
		return fmt.Errorf("start progress bar: %w", err)
	}
	p.bar = bar
	return nil
}

// Update advances the bar to pr.BytesSent. It can be passed directly as
// the progress callback of ota.Engine.Run.
func (p *TransferProgress) Update(pr ota.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil || pr.BytesSent <= p.sent {
		return
	}
	p.bar.Add(clampToInt(pr.BytesSent - p.sent))
	p.sent = pr.BytesSent
}

// Watch retitles the bar from status events until the channel closes or
// stop is closed.
func (p *TransferProgress) Watch(events <-chan ota.Event, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.mu.Lock()
			if p.bar != nil {
				p.bar.UpdateTitle(fmt.Sprintf("%s [%s %d%%]", p.label, ev.Phase, ev.Progress))
			}
			p.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// Stop removes the bar from the terminal area.
func (p *TransferProgress) Stop() {
	p.mu.Lock()
	bar := p.bar
	p.bar = nil
	p.mu.Unlock()
	if bar != nil {
		_, _ = bar.Stop()
	}
}

// Sent returns the bytes counted so far.
func (p *TransferProgress) Sent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func clampToInt(v int64) int {
	if v <= 0 {
		return 1
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}
