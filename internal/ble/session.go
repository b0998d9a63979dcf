package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/otaflash/internal/ble/protocol"
)

// DefaultFallbackMTU is the minimum ATT MTU every BLE link supports.
const DefaultFallbackMTU = 23

// Target selects which writable characteristic a Write goes to.
type Target int

const (
	TargetControl Target = iota
	TargetData
)

func (t Target) String() string {
	switch t {
	case TargetControl:
		return "control"
	case TargetData:
		return "data"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// ServiceUUIDs identifies the OTA service and its three characteristics.
type ServiceUUIDs struct {
	Service string
	Control string
	Data    string
	Status  string
}

// DefaultServiceUUIDs returns the UUIDs used by the NimBLE OTA firmware.
func DefaultServiceUUIDs() ServiceUUIDs {
	return ServiceUUIDs{
		Service: ServiceUUID,
		Control: ControlCharUUID,
		Data:    DataCharUUID,
		Status:  StatusCharUUID,
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	UUIDs          ServiceUUIDs
	ConnectTimeout time.Duration // 0 means no deadline beyond ctx
	WriteTimeout   time.Duration // per write; 0 means no deadline beyond ctx
	FallbackMTU    int           // used when MTU negotiation fails
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		UUIDs:          DefaultServiceUUIDs(),
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		FallbackMTU:    DefaultFallbackMTU,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.UUIDs == (ServiceUUIDs{}) {
		o.UUIDs = DefaultServiceUUIDs()
	}
	if protocol.ChunkLength(o.FallbackMTU) <= 0 {
		o.FallbackMTU = DefaultFallbackMTU
	}
	return o
}

// Session is one logical OTA connection to a peripheral. It is created by
// Open and destroyed by Disconnect.
type Session struct {
	ID   uuid.UUID
	Peer string

	conn Connection
	opts SessionOptions

	mtu         int
	chunkLength int

	control Characteristic
	data    Characteristic
	status  Characteristic

	// writeMu keeps at most one write in flight. inflight holds the result
	// channel of a write that was abandoned while still inside the stack;
	// the next write waits for it first.
	writeMu  sync.Mutex
	inflight chan error

	lost     chan struct{}
	lostOnce sync.Once
}

// Open connects to peer, resolves the OTA characteristics and negotiates
// the MTU. A missing service is fatal and the link is closed again.
func Open(ctx context.Context, adapter Adapter, peer string, opts SessionOptions) (*Session, error) {
	opts = opts.withDefaults()

	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enable adapter: %w", ErrConnection, err)
	}

	connectCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := adapter.Connect(connectCtx, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, peer, err)
	}

	s := &Session{
		ID:   uuid.New(),
		Peer: peer,
		conn: conn,
		opts: opts,
		lost: make(chan struct{}),
	}

	conn.OnDisconnect(func() {
		slog.Warn("[BLE] link lost", "session", s.ID, "peer", peer)
		s.markLost()
	})

	if err := s.Discover(); err != nil {
		_ = conn.Disconnect()
		s.markLost()
		return nil, err
	}
	s.NegotiateMTU()

	slog.Info("[BLE] session open", "session", s.ID, "peer", peer, "mtu", s.mtu, "chunk_length", s.chunkLength)
	return s, nil
}

// Discover resolves the control, data and status characteristics.
func (s *Session) Discover() error {
	u := s.opts.UUIDs
	var err error
	if s.control, err = s.conn.DiscoverCharacteristic(u.Service, u.Control); err != nil {
		return fmt.Errorf("ble: discover control characteristic: %w", err)
	}
	if s.data, err = s.conn.DiscoverCharacteristic(u.Service, u.Data); err != nil {
		return fmt.Errorf("ble: discover data characteristic: %w", err)
	}
	if s.status, err = s.conn.DiscoverCharacteristic(u.Service, u.Status); err != nil {
		return fmt.Errorf("ble: discover status characteristic: %w", err)
	}
	return nil
}

// NegotiateMTU queries the link MTU and derives the chunk length from it.
// On failure, or when the MTU cannot carry any payload, the fallback MTU
// is used so the chunk length is always positive.
func (s *Session) NegotiateMTU() int {
	mtu, err := s.conn.MTU()
	if err != nil {
		slog.Warn("[BLE] MTU query failed, using fallback", "error", err, "fallback", s.opts.FallbackMTU)
		mtu = s.opts.FallbackMTU
	}
	if protocol.ChunkLength(mtu) <= 0 {
		slog.Warn("[BLE] MTU too small, using fallback", "mtu", mtu, "fallback", s.opts.FallbackMTU)
		mtu = s.opts.FallbackMTU
	}
	s.mtu = mtu
	s.chunkLength = protocol.ChunkLength(mtu)
	return s.chunkLength
}

// MTU returns the negotiated MTU.
func (s *Session) MTU() int { return s.mtu }

// ChunkLength returns the payload bytes per data chunk.
func (s *Session) ChunkLength() int { return s.chunkLength }

// SubscribeStatus installs callback for status notifications. The callback
// runs on the BLE stack's goroutine.
func (s *Session) SubscribeStatus(callback func(data []byte)) error {
	if s.status == nil {
		return fmt.Errorf("%w: status", ErrCharacteristicNotFound)
	}
	if err := s.status.Subscribe(callback); err != nil {
		return fmt.Errorf("ble: subscribe status: %w", err)
	}
	return nil
}

// WriteControl writes a control command.
func (s *Session) WriteControl(ctx context.Context, data []byte) error {
	return s.Write(ctx, TargetControl, data)
}

// WriteData writes one frame to the data characteristic.
func (s *Session) WriteData(ctx context.Context, data []byte) error {
	return s.Write(ctx, TargetData, data)
}

// Write sends data to target and waits for the stack to accept it. Writes
// are serialized, including against an earlier write that timed out but has
// not yet returned from the stack. Each one fails with ErrTimeout after
// WriteTimeout and with ErrDisconnected if the link drops while it is
// pending.
func (s *Session) Write(ctx context.Context, target Target, data []byte) error {
	var char Characteristic
	switch target {
	case TargetControl:
		char = s.control
	case TargetData:
		char = s.data
	}
	if char == nil {
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, target)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.lost:
		return fmt.Errorf("%w: write %s", ErrDisconnected, target)
	default:
	}

	if s.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.WriteTimeout)
		defer cancel()
	}

	if s.inflight != nil {
		select {
		case <-s.inflight:
			s.inflight = nil
		case <-s.lost:
			return fmt.Errorf("%w: write %s", ErrDisconnected, target)
		case <-ctx.Done():
			return s.writeExpired(ctx, target, "wait for previous write before")
		}
	}

	// The stack call cannot be interrupted; on timeout or disconnect it is
	// abandoned and its result discarded.
	done := make(chan error, 1)
	go func() { done <- char.Write(data) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWrite, target, err)
		}
		return nil
	case <-s.lost:
		s.inflight = done
		return fmt.Errorf("%w: write %s", ErrDisconnected, target)
	case <-ctx.Done():
		s.inflight = done
		return s.writeExpired(ctx, target, "write")
	}
}

func (s *Session) writeExpired(ctx context.Context, target Target, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s after %s", ErrTimeout, op, target, s.opts.WriteTimeout)
	}
	return fmt.Errorf("ble: %s %s: %w", op, target, ctx.Err())
}

// Lost is closed when the link drops or Disconnect is called.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// Disconnect closes the link. Pending writes fail with ErrDisconnected.
// It is safe to call more than once.
func (s *Session) Disconnect() error {
	select {
	case <-s.lost:
		return nil
	default:
	}
	s.markLost()
	if err := s.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", s.Peer, err)
	}
	slog.Info("[BLE] session closed", "session", s.ID, "peer", s.Peer)
	return nil
}

func (s *Session) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}
