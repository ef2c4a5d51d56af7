package xrdclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxMessageSize bounds a single framed payload; the teacher's
// protobuf framing used the same 10MB ceiling for request/response
// messages, kept here even though the wire codec changed.
const MaxMessageSize = 10 * 1024 * 1024

var (
	ErrMessageTooLarge  = errors.New("framed message exceeds maximum allowed size")
	ErrInvalidFrameSize = errors.New("malformed frame length prefix")
)

// deadlineSetter is satisfied by quic.Stream and net.Conn; framing
// honors ctx's deadline on the underlying transport when possible
// instead of only at the gob decode boundary.
type deadlineSetter interface {
	SetDeadline(time.Time) error
}

// frameWriter writes length-prefixed gob-encoded messages. The
// original framing package did the same length-prefix-then-payload
// shape for protobuf messages; SPEC_FULL.md substitutes encoding/gob
// since there is no protoc available to regenerate compilable
// proto.Message types for this project's own wire messages.
type frameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *frameWriter { return &frameWriter{w: w} }

func (fw *frameWriter) WriteMsg(ctx context.Context, msg any) error {
	if d, ok := fw.w.(deadlineSetter); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			_ = d.SetDeadline(deadline)
		}
	}

	var buf []byte
	bw := &byteBuffer{}
	if err := gob.NewEncoder(bw).Encode(msg); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	buf = bw.data

	if len(buf) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	var lenPrefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenPrefix[:], uint64(len(buf)))
	if _, err := fw.w.Write(lenPrefix[:n]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// frameReader reads length-prefixed gob-encoded messages.
type frameReader struct {
	conn io.Reader // pre-bufio.NewReader, so a deadlineSetter assertion still sees the stream
	r    *bufio.Reader
}

func NewFrameReader(r io.Reader) *frameReader {
	return &frameReader{conn: r, r: bufio.NewReader(r)}
}

func (fr *frameReader) ReadMsg(ctx context.Context, msg any) error {
	if d, ok := fr.conn.(deadlineSetter); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			_ = d.SetDeadline(deadline)
		}
	}

	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if size > MaxMessageSize {
		return ErrMessageTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := gob.NewDecoder(&byteBuffer{data: payload}).Decode(msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// byteBuffer is a minimal io.Writer/io.Reader over an in-memory slice,
// avoiding a bytes.Buffer dependency purely for encode/decode staging.
type byteBuffer struct {
	data []byte
	pos  int
}

func (b *byteBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *byteBuffer) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
