// Package protocol holds the wire formats: CRLF text frames between clients
// and nodes, and length-prefixed JSON frames between nodes and the
// coordinator and between peer nodes.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxFrameSize bounds a client text frame: a 20 byte key, a 120 KiB value
	// and room for the verb
	MaxFrameSize = 120*1024 + 128
	// MaxMessageSize bounds a length-prefixed JSON message
	MaxMessageSize = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed message")
)

// FrameReader reads CRLF terminated text frames with a size bound.
// An oversized frame is consumed up to its terminator and reported as
// ErrFrameTooLarge so the connection stays usable.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

// NewFrameReader wraps r. max <= 0 selects MaxFrameSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), max: max}
}

// Buffered exposes the underlying reader so a connection can switch from
// text frames to JSON messages without losing buffered bytes.
func (fr *FrameReader) Buffered() *bufio.Reader {
	return fr.r
}

// ReadFrame returns the next frame without its line terminator
func (fr *FrameReader) ReadFrame() (string, error) {
	var buf []byte
	tooLarge := false

	for {
		chunk, err := fr.r.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > fr.max+2 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}

	if tooLarge {
		return "", ErrFrameTooLarge
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// WriteFrame writes one text frame followed by CRLF
func WriteFrame(w io.Writer, frame string) error {
	_, err := io.WriteString(w, frame+"\r\n")
	return err
}

// WriteMessage writes v as a 4 byte big-endian length followed by its JSON encoding
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed JSON message into v.
// A payload that does not decode returns an error wrapping ErrMalformed with
// the frame fully consumed; any other error leaves the stream unusable.
func ReadMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
