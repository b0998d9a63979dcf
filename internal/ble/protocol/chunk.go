// internal/ble/protocol/chunk.go
package protocol

import (
	"errors"
	"fmt"
)

// ChunkOverhead is subtracted from the negotiated MTU to get the chunk
// payload length.
const ChunkOverhead = 5

// ErrInvalidChunkLength is returned when the chunk length is zero or
// negative, typically because the MTU was never negotiated.
var ErrInvalidChunkLength = errors.New("protocol: chunk length must be positive")

// ChunkSpan describes one slice of the image.
type ChunkSpan struct {
	Sequence uint32
	Offset   int64
	Size     int
}

// ChunkLength returns the payload length for a negotiated MTU. The result
// is zero or negative when mtu is too small to carry any payload.
func ChunkLength(mtu int) int {
	return mtu - ChunkOverhead
}

// ChunkCount returns ceil(fileSize/chunkLength).
func ChunkCount(fileSize int64, chunkLength int) (int, error) {
	if chunkLength <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidChunkLength, chunkLength)
	}
	if fileSize <= 0 {
		return 0, nil
	}
	n := fileSize / int64(chunkLength)
	if fileSize%int64(chunkLength) != 0 {
		n++
	}
	return int(n), nil
}

// PlanChunks splits fileSize bytes into contiguous spans of at most
// chunkLength bytes. Sequences start at 0 with no gaps, and only the last
// span may be short. A zero-sized file yields no spans.
func PlanChunks(fileSize int64, chunkLength int) ([]ChunkSpan, error) {
	n, err := ChunkCount(fileSize, chunkLength)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	spans := make([]ChunkSpan, 0, n)
	var offset int64
	for seq := uint32(0); offset < fileSize; seq++ {
		size := min(fileSize-offset, int64(chunkLength))
		spans = append(spans, ChunkSpan{Sequence: seq, Offset: offset, Size: int(size)})
		offset += size
	}
	return spans, nil
}
