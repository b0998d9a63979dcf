package output

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/pterm/pterm"

	"github.com/chaz8081/otaflash/internal/ble"
)

// Printer renders structured CLI messages without relying on the logger.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Info(msg string, fields map[string]any) {
	p.printWith(pterm.Info, msg, fields)
}

func (p *Printer) Success(msg string, fields map[string]any) {
	p.printWith(pterm.Success, msg, fields)
}

func (p *Printer) Error(msg string, fields map[string]any) {
	p.printWith(pterm.Error, msg, fields)
}

func (p *Printer) Warn(msg string, fields map[string]any) {
	p.printWith(pterm.Warning, msg, fields)
}

func (p *Printer) printWith(logger pterm.PrefixPrinter, msg string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger = *logger.WithWriter(p.w)
	logger.Println(msg)
	if len(fields) == 0 {
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pterm.Fprintln(p.w, fmt.Sprintf("  %s: %v", k, fields[k]))
	}
}

// HumanizeSize formats a byte count with a binary unit.
func HumanizeSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// PrintDeviceTable renders scan results, strongest signal first.
func PrintDeviceTable(w io.Writer, devices []ble.Device) error {
	tableData := [][]string{
		{"Name", "Address", "RSSI"},
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		tableData = append(tableData, []string{name, d.Address, strconv.Itoa(d.RSSI)})
	}
	return pterm.DefaultTable.WithWriter(w).WithHasHeader().WithData(tableData).Render()
}
