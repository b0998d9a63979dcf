// Package protocol implements the binary framing used by the NimBLE OTA
// service: the file header, the per-chunk header, and the two-byte status
// notification. All functions are pure.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies the OTA header layout understood by the firmware.
	Magic uint32 = 0x12345678

	// FileHeaderSize is the encoded length of a FileHeader.
	FileHeaderSize = 20
	// ChunkHeaderSize is the encoded length of a ChunkHeader.
	ChunkHeaderSize = 8
	// StatusSize is the minimum length of a status notification.
	StatusSize = 2
)

// Control commands written as raw bytes to the control characteristic.
const (
	CommandStart = "start"
	CommandAbort = "abort"
)

var (
	// ErrMalformedNotification is returned when a status notification is
	// shorter than StatusSize.
	ErrMalformedNotification = errors.New("protocol: malformed status notification")
	// ErrShortFrame is returned when a header decode gets fewer bytes than
	// the fixed layout needs.
	ErrShortFrame = errors.New("protocol: short frame")
)

// FileHeader is the first frame written to the data characteristic.
//
//	u32 magic | u32 version | u32 file_size | u32 chunk_size | u32 checksum
//
// Checksum is reserved and always zero on the wire today.
type FileHeader struct {
	Magic     uint32
	Version   uint32
	FileSize  uint32
	ChunkSize uint32
	Checksum  uint32
}

// ChunkHeader prefixes every data chunk.
//
//	u32 sequence | u32 size
type ChunkHeader struct {
	Sequence uint32
	Size     uint32
}

// EncodeFileHeader returns the 20-byte little-endian encoding of h.
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.FileSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.ChunkSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.Checksum)
	return buf
}

// DecodeFileHeader parses a FileHeader. Trailing bytes are ignored.
func DecodeFileHeader(data []byte) (FileHeader, error) {
	if len(data) < FileHeaderSize {
		return FileHeader{}, fmt.Errorf("%w: file header needs %d bytes, got %d", ErrShortFrame, FileHeaderSize, len(data))
	}
	return FileHeader{
		Magic:     binary.LittleEndian.Uint32(data[0:4]),
		Version:   binary.LittleEndian.Uint32(data[4:8]),
		FileSize:  binary.LittleEndian.Uint32(data[8:12]),
		ChunkSize: binary.LittleEndian.Uint32(data[12:16]),
		Checksum:  binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}

// EncodeChunkHeader returns the 8-byte little-endian encoding of h.
func EncodeChunkHeader(h ChunkHeader) []byte {
	buf := make([]byte, ChunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Sequence)
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	return buf
}

// DecodeChunkHeader parses the header of a chunk frame and returns the
// payload that follows it. The payload aliases data.
func DecodeChunkHeader(data []byte) (ChunkHeader, []byte, error) {
	if len(data) < ChunkHeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("%w: chunk header needs %d bytes, got %d", ErrShortFrame, ChunkHeaderSize, len(data))
	}
	h := ChunkHeader{
		Sequence: binary.LittleEndian.Uint32(data[0:4]),
		Size:     binary.LittleEndian.Uint32(data[4:8]),
	}
	return h, data[ChunkHeaderSize:], nil
}

// AppendChunk appends a complete chunk frame (header followed by payload)
// to dst and returns the extended slice.
func AppendChunk(dst []byte, sequence uint32, payload []byte) []byte {
	var hdr [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sequence)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
