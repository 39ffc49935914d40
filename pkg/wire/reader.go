package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethpandaops/testrelay/pkg/events"
)

// Reader decodes records from a byte stream.
type Reader struct {
	br       *bufio.Reader
	maxFrame uint64
	started  bool
	skipped  int
}

// NewReader creates a Reader. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	return &Reader{
		br:       bufio.NewReader(r),
		maxFrame: uint64(maxFrame),
	}
}

// Skipped returns how many frames of unknown kind were skipped.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the next record. It returns io.EOF when the stream ends on
// a frame boundary and an error wrapping ErrMalformed when the bytes do not
// follow the protocol.
func (r *Reader) Next() (*events.Record, error) {
	if !r.started {
		if err := r.readPreamble(); err != nil {
			return nil, err
		}

		r.started = true
	}

	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}

			return nil, fmt.Errorf("reading frame kind: %w", err)
		}

		length, err := binary.ReadUvarint(r.br)
		if err != nil {
			return nil, truncated("frame length", err)
		}

		if length > r.maxFrame {
			return nil, fmt.Errorf("%w: %w: %d > %d bytes",
				ErrMalformed, ErrFrameTooLarge, length, r.maxFrame)
		}

		kind, known := KindOf(FrameKind(b))
		if !known {
			if _, err := io.CopyN(io.Discard, r.br, int64(length)); err != nil {
				return nil, truncated("unknown frame", err)
			}

			r.skipped++

			continue
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return nil, truncated("frame payload", err)
		}

		return decodeRecord(kind, buf)
	}
}

func (r *Reader) readPreamble() error {
	var pre [len(Magic) + 1]byte

	n, err := io.ReadFull(r.br, pre[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return io.EOF
		}

		return truncated("preamble", err)
	}

	if string(pre[:len(Magic)]) != Magic {
		return fmt.Errorf("%w: %w", ErrMalformed, ErrBadMagic)
	}

	if v := pre[len(Magic)]; v != Version {
		return fmt.Errorf("%w: %w: %d", ErrMalformed, ErrUnsupportedVersion, v)
	}

	return nil
}

func decodeRecord(kind events.Kind, buf []byte) (*events.Record, error) {
	var p payload
	if err := decMode.Unmarshal(buf, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %w", ErrMalformed, kind, err)
	}

	rec := &events.Record{
		Kind:       kind,
		Suite:      p.Suite,
		TestID:     p.ID,
		TestName:   p.Name,
		Status:     events.Status(p.Status),
		DurationMs: p.DurationMs,
		Message:    p.Message,
		Stack:      p.Stack,
		Expected:   p.Expected,
		Actual:     p.Actual,
		Count:      p.Count,
	}

	switch kind {
	case events.KindTestStarted, events.KindTestFinished, events.KindTestFailed:
		if rec.TestID == "" && rec.TestName == "" {
			return nil, fmt.Errorf("%w: %s record without test id", ErrMalformed, kind)
		}
	}

	if kind == events.KindTestFinished && rec.Status != "" && !rec.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown test status %q", ErrMalformed, rec.Status)
	}

	return rec, nil
}

// truncated maps a short read inside a frame to a malformed-stream error.
// Transport errors other than EOF are passed through.
func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrMalformed, what)
	}

	// encoding/binary does not export its overflow error.
	if err.Error() == "binary: varint overflows a 64-bit integer" {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, what, err)
	}

	return fmt.Errorf("reading %s: %w", what, err)
}
