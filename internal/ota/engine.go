// Package ota drives a firmware update over an open BLE session: it sends
// the start command, the file header and the sequenced chunks, and tracks
// the phase the peripheral reports back.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/chaz8081/otaflash/internal/ble/protocol"
)

// abortTimeout bounds the best-effort abort command sent on cancellation.
const abortTimeout = 2 * time.Second

// Transport is the subset of ble.Session the engine needs.
type Transport interface {
	ChunkLength() int
	SubscribeStatus(callback func(data []byte)) error
	WriteControl(ctx context.Context, data []byte) error
	WriteData(ctx context.Context, data []byte) error
}

// FileHandle is a read-only image with random-access reads.
type FileHandle interface {
	io.ReaderAt
	Size() int64
}

// Recorder receives transfer statistics. metrics.TransferCollector
// implements it.
type Recorder interface {
	ObserveChunk(bytes int, latency time.Duration)
	ObserveWriteFailure()
	ObservePhase(phase protocol.Phase)
	ObserveMalformedNotification()
}

type nopRecorder struct{}

func (nopRecorder) ObserveChunk(int, time.Duration) {}
func (nopRecorder) ObserveWriteFailure()            {}
func (nopRecorder) ObservePhase(protocol.Phase)     {}
func (nopRecorder) ObserveMalformedNotification()   {}

// Progress reports local send progress after each chunk.
type Progress struct {
	Sequence   uint32
	Chunks     int
	BytesSent  int64
	TotalBytes int64
}

// Options configures the Engine.
type Options struct {
	FirmwareVersion    uint32
	FirstStatusTimeout time.Duration // wait for the peripheral to accept the header; 0 disables
	VerifyTimeout      time.Duration // bound for Wait; 0 means only ctx
	EventBuffer        int
	Recorder           Recorder
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		FirmwareVersion:    1,
		FirstStatusTimeout: 5 * time.Second,
		VerifyTimeout:      30 * time.Second,
		EventBuffer:        64,
	}
}

// Engine pushes one image over one session. A session whose status has
// reached COMPLETE or ERROR cannot be reused; open a new one to retry.
type Engine struct {
	transport Transport
	opts      Options
	tracker   *Tracker
	running   atomic.Bool
}

// NewEngine subscribes a Tracker to the transport's status notifications.
func NewEngine(transport Transport, opts Options) (*Engine, error) {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	tracker := NewTracker(opts.EventBuffer, opts.Recorder)
	if err := transport.SubscribeStatus(tracker.HandleNotification); err != nil {
		return nil, fmt.Errorf("ota: subscribe status: %w", err)
	}
	return &Engine{
		transport: transport,
		opts:      opts,
		tracker:   tracker,
	}, nil
}

// Tracker returns the status state machine for this session.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Run sends the start command, the header and every chunk of file, one
// write at a time. It returns once the last chunk is written and does not
// wait for the peripheral to verify the image; use Wait for that.
//
// The first failed chunk write stops the transfer with KindWriteFailed and
// its sequence. Nothing is retried.
func (e *Engine) Run(ctx context.Context, file FileHandle, onProgress func(Progress)) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrTransferInProgress
	}
	defer e.running.Store(false)

	chunkLength := e.transport.ChunkLength()
	if chunkLength <= 0 {
		return &TransferError{
			Kind: KindInvalidChunkLength,
			Err:  fmt.Errorf("%w: got %d", protocol.ErrInvalidChunkLength, chunkLength),
		}
	}

	size := file.Size()
	if size < 0 || size > math.MaxUint32 {
		return &TransferError{Kind: KindInvalidImage, Err: fmt.Errorf("size %d outside u32 range", size)}
	}

	spans, err := protocol.PlanChunks(size, chunkLength)
	if err != nil {
		return &TransferError{Kind: KindInvalidChunkLength, Err: err}
	}

	if err := e.tracker.Begin(); err != nil {
		return err
	}

	slog.Info("[OTA] starting transfer", "bytes", size, "chunk_length", chunkLength, "chunks", len(spans))

	if err := e.transport.WriteControl(ctx, []byte(protocol.CommandStart)); err != nil {
		return e.fail(ctx, &TransferError{Kind: KindStartFailed, Err: err})
	}

	header := protocol.EncodeFileHeader(protocol.FileHeader{
		Magic:     protocol.Magic,
		Version:   e.opts.FirmwareVersion,
		FileSize:  uint32(size),
		ChunkSize: uint32(chunkLength),
	})
	if err := e.transport.WriteData(ctx, header); err != nil {
		return e.fail(ctx, &TransferError{Kind: KindHeaderFailed, Err: err})
	}

	if e.opts.FirstStatusTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, e.opts.FirstStatusTimeout)
		err := e.tracker.awaitPhase(waitCtx, headerAccepted)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return e.fail(ctx, &TransferError{Kind: KindCanceled, Err: ctx.Err()})
			}
			return e.fail(ctx, &TransferError{
				Kind: KindTimeout,
				Err:  fmt.Errorf("%w after header within %s", ErrStatusTimeout, e.opts.FirstStatusTimeout),
			})
		}
	}

	payload := make([]byte, chunkLength)
	var sent int64
	for _, span := range spans {
		if err := e.tracker.Err(); err != nil {
			return &TransferError{Kind: KindPeripheral, Sequence: span.Sequence, Err: err}
		}
		if ctx.Err() != nil {
			return e.fail(ctx, &TransferError{Kind: KindCanceled, Sequence: span.Sequence, Err: ctx.Err()})
		}

		buf := payload[:span.Size]
		n, err := file.ReadAt(buf, span.Offset)
		if n < span.Size {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return e.fail(ctx, &TransferError{Kind: KindReadFailed, Sequence: span.Sequence, Err: err})
		}

		// A fresh frame per write: a timed-out write may still hold the
		// previous one.
		frame := protocol.AppendChunk(make([]byte, 0, protocol.ChunkHeaderSize+span.Size), span.Sequence, buf)

		start := time.Now()
		if err := e.transport.WriteData(ctx, frame); err != nil {
			e.opts.Recorder.ObserveWriteFailure()
			if ctx.Err() != nil {
				return e.fail(ctx, &TransferError{Kind: KindCanceled, Sequence: span.Sequence, Err: ctx.Err()})
			}
			return e.fail(ctx, WriteFailed(span.Sequence, err))
		}
		e.opts.Recorder.ObserveChunk(span.Size, time.Since(start))

		sent += int64(span.Size)
		if onProgress != nil {
			onProgress(Progress{
				Sequence:   span.Sequence,
				Chunks:     len(spans),
				BytesSent:  sent,
				TotalBytes: size,
			})
		}
	}

	if err := e.tracker.Err(); err != nil {
		return &TransferError{Kind: KindPeripheral, Err: err}
	}

	slog.Info("[OTA] all chunks sent", "bytes", sent, "chunks", len(spans))
	return nil
}

// Wait blocks until the peripheral reports COMPLETE or ERROR, bounded by
// VerifyTimeout.
func (e *Engine) Wait(ctx context.Context) error {
	waitCtx := ctx
	if e.opts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.opts.VerifyTimeout)
		defer cancel()
	}

	err := e.tracker.Wait(waitCtx)
	var te *TransferError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &te):
		return te
	case errors.Is(err, ErrPeripheralFailed):
		return &TransferError{Kind: KindPeripheral, Err: err}
	case ctx.Err() != nil:
		return e.fail(ctx, &TransferError{Kind: KindCanceled, Err: ctx.Err()})
	case errors.Is(err, context.DeadlineExceeded):
		return e.fail(ctx, &TransferError{
			Kind: KindTimeout,
			Err:  fmt.Errorf("%w: still %s after %s", ErrStatusTimeout, e.tracker.Phase(), e.opts.VerifyTimeout),
		})
	default:
		return err
	}
}

// headerAccepted reports whether the peripheral has moved past READY. A
// late READY for "start" does not count.
func headerAccepted(p protocol.Phase) bool {
	return p.Known() && p >= protocol.PhaseInProgress
}

// fail latches te on the tracker and, for cancellation, tells the
// peripheral to abort.
func (e *Engine) fail(ctx context.Context, te *TransferError) error {
	if e.tracker.Fail(te) && te.Kind == KindCanceled {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if err := e.transport.WriteControl(abortCtx, []byte(protocol.CommandAbort)); err != nil {
			slog.Warn("[OTA] abort command failed", "error", err)
		}
	}
	return te
}
