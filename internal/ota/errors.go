package ota

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a TransferError.
type ErrorKind int

const (
	KindInvalidChunkLength ErrorKind = iota + 1
	KindInvalidImage
	KindStartFailed
	KindHeaderFailed
	KindWriteFailed
	KindReadFailed
	KindTimeout
	KindPeripheral
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidChunkLength:
		return "invalid chunk length"
	case KindInvalidImage:
		return "invalid image"
	case KindStartFailed:
		return "start command failed"
	case KindHeaderFailed:
		return "header write failed"
	case KindWriteFailed:
		return "write failed"
	case KindReadFailed:
		return "read failed"
	case KindTimeout:
		return "timeout"
	case KindPeripheral:
		return "peripheral error"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrPeripheralFailed is the cause when the peripheral reports ERROR.
	ErrPeripheralFailed = errors.New("ota: peripheral reported ERROR")
	// ErrStatusTimeout is the cause when an expected status never arrives.
	ErrStatusTimeout = errors.New("ota: no status notification")
	// ErrSessionFinished is returned when a transfer is started on a session
	// whose status already reached COMPLETE or ERROR. Reconnect to retry.
	ErrSessionFinished = errors.New("ota: session already finished")
	// ErrTransferInProgress is returned when Run is called while another
	// transfer on the same engine is still running.
	ErrTransferInProgress = errors.New("ota: transfer already in progress")
)

// TransferError reports why a transfer stopped. Sequence is the chunk that
// failed for KindWriteFailed and KindReadFailed.
type TransferError struct {
	Kind     ErrorKind
	Sequence uint32
	Err      error
}

func (e *TransferError) Error() string {
	var msg string
	switch e.Kind {
	case KindWriteFailed, KindReadFailed:
		msg = fmt.Sprintf("ota: %s at sequence %d", e.Kind, e.Sequence)
	default:
		msg = "ota: " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches another *TransferError with the same Kind, so callers can
// write errors.Is(err, &TransferError{Kind: KindTimeout}).
func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Sequence == 0 || t.Sequence == e.Sequence)
}

// WriteFailed returns the error value for a failed chunk write.
func WriteFailed(sequence uint32, cause error) *TransferError {
	return &TransferError{Kind: KindWriteFailed, Sequence: sequence, Err: cause}
}

// KindOf returns the ErrorKind of err, or 0 if err is not a TransferError.
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
