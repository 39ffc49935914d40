package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethpandaops/testrelay/pkg/events"
)

// Writer encodes records into the framed protocol. It writes the preamble
// before the first frame.
type Writer struct {
	w       io.Writer
	started bool
	hdr     [1 + binary.MaxVarintLen64]byte
}

// NewWriter creates a Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes rec as one frame.
func (w *Writer) Write(rec *events.Record) error {
	frame, ok := FrameOf(rec.Kind)
	if !ok {
		return fmt.Errorf("no frame kind for record kind %q", rec.Kind)
	}

	data, err := encMode.Marshal(&payload{
		Count:      rec.Count,
		Suite:      rec.Suite,
		ID:         rec.TestID,
		Name:       rec.TestName,
		Status:     string(rec.Status),
		DurationMs: rec.DurationMs,
		Message:    rec.Message,
		Stack:      rec.Stack,
		Expected:   rec.Expected,
		Actual:     rec.Actual,
	})
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", rec.Kind, err)
	}

	return w.WriteFrame(frame, data)
}

// WriteFrame writes a raw frame. It is exported so clients can emit frame
// kinds this package does not know about.
func (w *Writer) WriteFrame(kind FrameKind, data []byte) error {
	if !w.started {
		if _, err := w.w.Write(append([]byte(Magic), Version)); err != nil {
			return fmt.Errorf("writing preamble: %w", err)
		}

		w.started = true
	}

	w.hdr[0] = byte(kind)
	n := binary.PutUvarint(w.hdr[1:], uint64(len(data)))

	if _, err := w.w.Write(w.hdr[:1+n]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}

	return nil
}
