// Package bletest provides an in-memory BLE peripheral that runs the NimBLE
// OTA firmware state machine, for exercising the central side without
// hardware.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/ble/protocol"
)

var (
	// ErrInjected is returned by writes failed on purpose via Options.
	ErrInjected = errors.New("bletest: injected write failure")
	// ErrFrameTooLong is returned when a write command exceeds MTU-3.
	ErrFrameTooLong = errors.New("bletest: frame exceeds write command payload")
)

// Options shapes the simulated peripheral's behaviour. A negative
// sequence disables the corresponding fault.
type Options struct {
	Name    string
	Address string

	MTU    int
	MTUErr error

	NoService     bool  // discovery reports ErrServiceNotFound
	DisconnectErr error // returned by Disconnect after the link is closed
	Silent        bool  // never send status notifications

	FailWriteAtSequence int  // the data write of this chunk returns ErrInjected
	ErrorAtSequence     int  // the firmware enters ERROR when this chunk arrives
	FailVerify          bool // the firmware enters ERROR instead of COMPLETE
	HoldVerifying       bool // the firmware stays in VERIFYING after the last chunk

	// WriteCommandOnly models a link where writes go out as ATT write
	// commands, which carry at most MTU-3 bytes. Longer writes fail with
	// ErrFrameTooLong. When false, writes behave as (long) write requests
	// and any length is accepted.
	WriteCommandOnly bool
}

// DefaultOptions returns a healthy peripheral with a 252-byte MTU.
func DefaultOptions() Options {
	return Options{
		Name:                "ESP32_OTA",
		Address:             "24:0A:C4:00:00:01",
		MTU:                 252,
		FailWriteAtSequence: -1,
		ErrorAtSequence:     -1,
	}
}

// Peripheral simulates the ESP32 OTA firmware. It implements ble.Adapter,
// ble.Connection and hands out ble.Characteristic values for the control,
// data and status characteristics.
type Peripheral struct {
	opts Options

	mu           sync.Mutex
	state        protocol.Phase
	header       *protocol.FileHeader
	received     uint32
	sequence     uint32
	image        []byte
	chunks       []protocol.ChunkHeader
	commands     []string
	dataWrites   int
	statusCb     func([]byte)
	disconnectCb func()
	connects     int
	disconnected bool
}

// NewPeripheral returns a peripheral in the IDLE state.
func NewPeripheral(opts Options) *Peripheral {
	return &Peripheral{opts: opts}
}

// Enable implements ble.Adapter.
func (p *Peripheral) Enable() error { return nil }

// Scan implements ble.Adapter.
func (p *Peripheral) Scan(_ context.Context, serviceUUID string) ([]ble.Device, error) {
	if p.opts.NoService || serviceUUID != ble.ServiceUUID {
		return nil, nil
	}
	return []ble.Device{{Name: p.opts.Name, Address: p.opts.Address, RSSI: -50}}, nil
}

// Connect implements ble.Adapter.
func (p *Peripheral) Connect(ctx context.Context, address string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if address != p.opts.Address {
		return nil, fmt.Errorf("bletest: no device at %s", address)
	}
	p.mu.Lock()
	p.connects++
	p.disconnected = false
	p.mu.Unlock()
	return p, nil
}

// DiscoverCharacteristic implements ble.Connection.
func (p *Peripheral) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if p.opts.NoService || serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("%w: %s", ble.ErrServiceNotFound, serviceUUID)
	}
	switch charUUID {
	case ble.ControlCharUUID:
		return &characteristic{p: p, write: p.handleControl}, nil
	case ble.DataCharUUID:
		return &characteristic{p: p, write: p.handleData}, nil
	case ble.StatusCharUUID:
		return &characteristic{p: p}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ble.ErrCharacteristicNotFound, charUUID)
	}
}

// MTU implements ble.Connection.
func (p *Peripheral) MTU() (int, error) {
	if p.opts.MTUErr != nil {
		return 0, p.opts.MTUErr
	}
	return p.opts.MTU, nil
}

// Disconnect implements ble.Connection. Like the firmware, it resets the
// OTA state.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnected = true
	p.resetLocked()
	p.mu.Unlock()
	return p.opts.DisconnectErr
}

// OnDisconnect implements ble.Connection.
func (p *Peripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

// SimulateDisconnect drops the link from the peripheral side.
func (p *Peripheral) SimulateDisconnect() {
	p.mu.Lock()
	cb := p.disconnectCb
	p.disconnected = true
	p.resetLocked()
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Notify pushes raw bytes to the status subscriber.
func (p *Peripheral) Notify(data []byte) {
	p.mu.Lock()
	cb := p.statusCb
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Phase returns the firmware state.
func (p *Peripheral) Phase() protocol.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Header returns the accepted file header, if any.
func (p *Peripheral) Header() (protocol.FileHeader, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.header == nil {
		return protocol.FileHeader{}, false
	}
	return *p.header, true
}

// Image returns a copy of the payload bytes accepted so far.
func (p *Peripheral) Image() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.image...)
}

// Chunks returns the headers of every chunk frame written, in order,
// including frames the firmware rejected.
func (p *Peripheral) Chunks() []protocol.ChunkHeader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ChunkHeader(nil), p.chunks...)
}

// Commands returns the control commands written, in order.
func (p *Peripheral) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// DataWrites returns the number of successful data characteristic writes.
func (p *Peripheral) DataWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataWrites
}

// Connects returns how many times Connect succeeded.
func (p *Peripheral) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *Peripheral) handleControl(data []byte) error {
	p.mu.Lock()
	p.commands = append(p.commands, string(data))
	switch string(data) {
	case protocol.CommandStart:
		if p.state == protocol.PhaseIdle {
			p.state = protocol.PhaseReady
		}
	case protocol.CommandAbort:
		p.resetLocked()
	}
	status := p.statusLocked()
	p.mu.Unlock()

	p.notify(status)
	return nil
}

func (p *Peripheral) handleData(data []byte) error {
	p.mu.Lock()
	if p.state == protocol.PhaseInProgress && len(data) >= protocol.ChunkHeaderSize {
		hdr, _, _ := protocol.DecodeChunkHeader(data)
		p.chunks = append(p.chunks, hdr)
		if p.opts.FailWriteAtSequence >= 0 && hdr.Sequence == uint32(p.opts.FailWriteAtSequence) {
			p.mu.Unlock()
			return fmt.Errorf("%w: sequence %d", ErrInjected, hdr.Sequence)
		}
	}
	p.dataWrites++

	switch p.state {
	case protocol.PhaseReady:
		p.acceptHeaderLocked(data)
	case protocol.PhaseInProgress:
		p.acceptChunkLocked(data)
	}
	status := p.statusLocked()
	p.mu.Unlock()

	p.notify(status)
	return nil
}

func (p *Peripheral) acceptHeaderLocked(data []byte) {
	if len(data) != protocol.FileHeaderSize {
		return
	}
	hdr, err := protocol.DecodeFileHeader(data)
	if err != nil {
		return
	}
	if hdr.Magic != protocol.Magic {
		p.state = protocol.PhaseError
		return
	}
	p.header = &hdr
	p.received = 0
	p.sequence = 0
	p.image = p.image[:0]
	p.state = protocol.PhaseInProgress
}

func (p *Peripheral) acceptChunkLocked(data []byte) {
	hdr, payload, err := protocol.DecodeChunkHeader(data)
	if err != nil {
		return
	}
	if hdr.Sequence != p.sequence {
		p.state = protocol.PhaseError
		return
	}
	if p.opts.ErrorAtSequence >= 0 && hdr.Sequence == uint32(p.opts.ErrorAtSequence) {
		p.state = protocol.PhaseError
		return
	}
	if int(hdr.Size) > len(payload) {
		p.state = protocol.PhaseError
		return
	}

	p.image = append(p.image, payload[:hdr.Size]...)
	p.received += hdr.Size
	p.sequence++

	if p.received >= p.header.FileSize {
		p.state = protocol.PhaseVerifying
		switch {
		case p.opts.HoldVerifying:
		case p.opts.FailVerify:
			p.state = protocol.PhaseError
		default:
			p.state = protocol.PhaseComplete
		}
	}
}

// maxWriteCommand is the ATT payload of a write command on the link: the MTU
// the central ends up using minus the 3-byte opcode and handle.
func (p *Peripheral) maxWriteCommand() int {
	mtu := p.opts.MTU
	if p.opts.MTUErr != nil || protocol.ChunkLength(mtu) <= 0 {
		mtu = ble.DefaultFallbackMTU
	}
	return mtu - 3
}

func (p *Peripheral) resetLocked() {
	p.state = protocol.PhaseIdle
	p.received = 0
	p.sequence = 0
}

func (p *Peripheral) statusLocked() []byte {
	var progress uint8
	if p.header != nil && p.header.FileSize > 0 {
		progress = uint8(uint64(p.received) * 100 / uint64(p.header.FileSize))
	}
	return protocol.EncodeStatusNotification(protocol.Status{Phase: p.state, Progress: progress})
}

func (p *Peripheral) notify(status []byte) {
	if p.opts.Silent {
		return
	}
	p.Notify(status)
}

// characteristic routes writes to the peripheral. The status characteristic
// has no write handler and only accepts subscriptions.
type characteristic struct {
	p     *Peripheral
	write func([]byte) error
}

func (c *characteristic) Write(data []byte) error {
	c.p.mu.Lock()
	gone := c.p.disconnected
	c.p.mu.Unlock()
	if gone {
		return errors.New("bletest: not connected")
	}
	if c.write == nil {
		return errors.New("bletest: characteristic is not writable")
	}
	if limit := c.p.maxWriteCommand(); c.p.opts.WriteCommandOnly && len(data) > limit {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(data), limit)
	}
	return c.write(data)
}

func (c *characteristic) Subscribe(cb func([]byte)) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.statusCb = cb
	return nil
}

var (
	_ ble.Adapter    = (*Peripheral)(nil)
	_ ble.Connection = (*Peripheral)(nil)
)
