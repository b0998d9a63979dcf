// Package firmware opens firmware images for upload.
package firmware

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmptyImage = errors.New("firmware: image is empty")
	ErrTooLarge   = errors.New("firmware: image exceeds 4 GiB")
	ErrNotFile    = errors.New("firmware: not a regular file")
)

// Image is an open firmware file. It satisfies ota.FileHandle.
type Image struct {
	path string
	file *os.File
	size int64
}

// Open opens path read-only and checks that it can be described by a u32
// file size.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("firmware: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFile, path)
	}
	switch size := info.Size(); {
	case size == 0:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyImage, path)
	case size > math.MaxUint32:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, size)
	}
	return &Image{path: path, file: f, size: info.Size()}, nil
}

// Path returns the path the image was opened from.
func (img *Image) Path() string { return img.path }

// Size returns the image size in bytes.
func (img *Image) Size() int64 { return img.size }

// ReadAt implements io.ReaderAt.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	return img.file.ReadAt(p, off)
}

// Close releases the underlying file.
func (img *Image) Close() error {
	return img.file.Close()
}

// Fingerprint returns the hex BLAKE2b-256 digest of the whole image.
func (img *Image) Fingerprint() (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("firmware: blake2b: %w", err)
	}
	if _, err := io.Copy(h, io.NewSectionReader(img.file, 0, img.size)); err != nil {
		return "", fmt.Errorf("firmware: hash %s: %w", img.path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
