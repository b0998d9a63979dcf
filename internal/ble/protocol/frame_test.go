package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeFileHeader(t *testing.T) {
	got := EncodeFileHeader(FileHeader{
		Magic:     Magic,
		Version:   1,
		FileSize:  1000,
		ChunkSize: 247,
		Checksum:  0,
	})

	want := []byte{
		0x78, 0x56, 0x34, 0x12, // magic
		0x01, 0x00, 0x00, 0x00, // version
		0xe8, 0x03, 0x00, 0x00, // file_size = 1000
		0xf7, 0x00, 0x00, 0x00, // chunk_size = 247
		0x00, 0x00, 0x00, 0x00, // checksum
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFileHeader() =\n  got  %x\n  want %x", got, want)
	}
}

func TestFileHeaderRoundTrip(t *testing.T) {
	in := FileHeader{Magic: 0x12345678, Version: 1, FileSize: 1000, ChunkSize: 247, Checksum: 0}
	out, err := DecodeFileHeader(EncodeFileHeader(in))
	if err != nil {
		t.Fatalf("DecodeFileHeader() error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestDecodeFileHeaderShort(t *testing.T) {
	_, err := DecodeFileHeader(make([]byte, FileHeaderSize-1))
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("DecodeFileHeader(19 bytes) error = %v, want ErrShortFrame", err)
	}
}

func TestAppendChunk(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	got := AppendChunk(nil, 2, payload)

	want := []byte{
		0x02, 0x00, 0x00, 0x00, // sequence
		0x03, 0x00, 0x00, 0x00, // size
		0xAA, 0xBB, 0xCC,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("AppendChunk() =\n  got  %x\n  want %x", got, want)
	}

	hdr, rest, err := DecodeChunkHeader(got)
	if err != nil {
		t.Fatalf("DecodeChunkHeader() error = %v", err)
	}
	if hdr != (ChunkHeader{Sequence: 2, Size: 3}) {
		t.Errorf("DecodeChunkHeader() = %+v", hdr)
	}
	if !bytes.Equal(rest, payload) {
		t.Errorf("payload = %x, want %x", rest, payload)
	}
}

func TestAppendChunkMatchesEncodeChunkHeader(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 18)
	frame := AppendChunk(make([]byte, 0, ChunkHeaderSize+len(payload)), 0xDEADBEEF, payload)
	hdr := EncodeChunkHeader(ChunkHeader{Sequence: 0xDEADBEEF, Size: 18})
	if !bytes.Equal(frame[:ChunkHeaderSize], hdr) {
		t.Errorf("header bytes = %x, want %x", frame[:ChunkHeaderSize], hdr)
	}
}

func TestDecodeChunkHeaderShort(t *testing.T) {
	_, _, err := DecodeChunkHeader([]byte{0x01, 0x02})
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("DecodeChunkHeader(2 bytes) error = %v, want ErrShortFrame", err)
	}
}

func TestDecodeStatusNotification(t *testing.T) {
	st, err := DecodeStatusNotification([]byte{4, 67})
	if err != nil {
		t.Fatalf("DecodeStatusNotification() error = %v", err)
	}
	if st.Phase != PhaseComplete {
		t.Errorf("Phase = %v, want COMPLETE", st.Phase)
	}
	if st.Progress != 67 {
		t.Errorf("Progress = %d, want 67", st.Progress)
	}
}

func TestDecodeStatusNotificationMalformed(t *testing.T) {
	for _, in := range [][]byte{nil, {}, {4}} {
		_, err := DecodeStatusNotification(in)
		if !errors.Is(err, ErrMalformedNotification) {
			t.Errorf("DecodeStatusNotification(%v) error = %v, want ErrMalformedNotification", in, err)
		}
	}
}

func TestDecodeStatusNotificationUnknownPhase(t *testing.T) {
	st, err := DecodeStatusNotification([]byte{9, 0, 0xFF})
	if err != nil {
		t.Fatalf("DecodeStatusNotification() error = %v", err)
	}
	if st.Phase.Known() {
		t.Errorf("Phase %v should not be known", st.Phase)
	}
	if st.Phase.Terminal() {
		t.Errorf("Phase %v should not be terminal", st.Phase)
	}
	if got := st.Phase.String(); got != "UNKNOWN(9)" {
		t.Errorf("String() = %q, want %q", got, "UNKNOWN(9)")
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "IDLE"},
		{PhaseReady, "READY"},
		{PhaseInProgress, "IN_PROGRESS"},
		{PhaseVerifying, "VERIFYING"},
		{PhaseComplete, "COMPLETE"},
		{PhaseError, "ERROR"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
