// Package wire implements the length-delimited framing codec of §4.1 and the
// tagged-union message envelopes of §6, grounded on original_source's
// grpc/src/grpc_api.rs message shapes (field names/variants only; the
// project's own transport is a plain net.Conn + varint frame, not grpc).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxVarintBytes is the longest a binary.Uvarint encoding of a uint64 can be.
const maxVarintBytes = binary.MaxVarintLen64

// ErrFrameTooShort is returned when the reader hits EOF before L bytes of
// payload have been read for a frame whose length prefix was already decoded.
var ErrFrameTooShort = fmt.Errorf("wire: short read, frame truncated")

// WriteFrame writes varint(len(payload)) ++ payload as a single buffered
// write. The codec is payload-agnostic: message decoding is a separate step.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [maxVarintBytes]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	buf := make([]byte, 0, n+len(payload))
	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one varint length prefix followed by exactly that many
// payload bytes. A short read (EOF before L bytes are available) is fatal
// for that message and returned as ErrFrameTooShort.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrFrameTooShort
		}
		return nil, err
	}
	return payload, nil
}

// FrameWriter buffers outgoing frames onto an underlying io.Writer (typically
// a net.Conn).
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one length-delimited frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	return WriteFrame(fw.w, payload)
}

// FrameReader reads frames off an underlying io.Reader, buffering as needed
// to decode the varint length prefix.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads one length-delimited frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	return ReadFrame(fr.r)
}
