package protocol

import "fmt"

// Phase is the OTA stage reported by the peripheral in byte 0 of a
// status notification.
type Phase uint8

const (
	PhaseIdle       Phase = 0
	PhaseReady      Phase = 1
	PhaseInProgress Phase = 2
	PhaseVerifying  Phase = 3
	PhaseComplete   Phase = 4
	PhaseError      Phase = 5
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseReady:
		return "READY"
	case PhaseInProgress:
		return "IN_PROGRESS"
	case PhaseVerifying:
		return "VERIFYING"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Terminal reports whether p ends the session (COMPLETE or ERROR).
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Known reports whether p is one of the phases the firmware defines.
func (p Phase) Known() bool {
	return p <= PhaseError
}

// Status is a decoded status notification.
type Status struct {
	Phase    Phase
	Progress uint8 // percent, 0-100 by convention; not validated
}

// DecodeStatusNotification parses a status notification. Bytes beyond the
// first two are ignored.
func DecodeStatusNotification(data []byte) (Status, error) {
	if len(data) < StatusSize {
		return Status{}, fmt.Errorf("%w: got %d bytes, want at least %d", ErrMalformedNotification, len(data), StatusSize)
	}
	return Status{Phase: Phase(data[0]), Progress: data[1]}, nil
}

// EncodeStatusNotification is the peripheral-side inverse of
// DecodeStatusNotification.
func EncodeStatusNotification(s Status) []byte {
	return []byte{byte(s.Phase), s.Progress}
}
