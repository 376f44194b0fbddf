// Package frame delimits messages on byte streams with a uvarint length
// prefix.
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxSize caps a single frame. Shared images dominate frame size.
const DefaultMaxSize = 32 << 20

// ErrTooLarge is returned when a peer announces a frame above the cap.
var ErrTooLarge = errors.New("frame: too large")

// Write emits one length-prefixed frame. Callers serialize concurrent writers.
func Write(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(payload)))+len(payload))
	buf = append(buf, varint.ToUvarint(uint64(len(payload)))...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// Reader splits a stream into frames.
type Reader struct {
	r   *bufio.Reader
	max uint64
}

// NewReader wraps r. A non-positive max selects DefaultMaxSize.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxSize
	}
	return &Reader{r: bufio.NewReader(r), max: uint64(max)}
}

// Next returns the next frame.
func (r *Reader) Next() ([]byte, error) {
	size, err := varint.ReadUvarint(r.r)
	if err != nil {
		return nil, err
	}
	if size > r.max {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
