// Package wire implements version 1 of the framed test event protocol
// spoken by test-runner clients:
//
//	stream   = preamble frame*
//	preamble = "TIPR" version
//	frame    = kind(1 byte) length(uvarint) payload(length bytes of CBOR)
//
// Frames of unknown kind are skipped using their length prefix so newer
// clients can talk to older relays.
package wire

import (
	"errors"

	"github.com/ethpandaops/testrelay/pkg/events"
)

// Version is the protocol version written in the preamble.
const Version byte = 1

// Magic opens every stream.
const Magic = "TIPR"

// DefaultMaxFrameSize bounds a single payload.
const DefaultMaxFrameSize = 4 << 20

// FrameKind is the on-wire record type tag.
type FrameKind byte

const (
	FrameRunStart    FrameKind = 0x01
	FrameSuiteStart  FrameKind = 0x02
	FrameTestStart   FrameKind = 0x03
	FrameTestFinish  FrameKind = 0x04
	FrameTestFailure FrameKind = 0x05
	FrameSuiteEnd    FrameKind = 0x06
	FrameRunEnd      FrameKind = 0x07
)

var (
	// ErrMalformed wraps every error caused by bytes that do not follow
	// the protocol.
	ErrMalformed = errors.New("malformed record stream")

	// ErrBadMagic means the stream did not start with the preamble.
	ErrBadMagic = errors.New("bad stream preamble")

	// ErrUnsupportedVersion means the client speaks a newer framing.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrFrameTooLarge means a length prefix exceeded the frame limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

var frameToKind = map[FrameKind]events.Kind{
	FrameRunStart:    events.KindRunStarted,
	FrameSuiteStart:  events.KindSuiteStarted,
	FrameTestStart:   events.KindTestStarted,
	FrameTestFinish:  events.KindTestFinished,
	FrameTestFailure: events.KindTestFailed,
	FrameSuiteEnd:    events.KindSuiteFinished,
	FrameRunEnd:      events.KindRunFinished,
}

var kindToFrame = func() map[events.Kind]FrameKind {
	m := make(map[events.Kind]FrameKind, len(frameToKind))
	for f, k := range frameToKind {
		m[k] = f
	}

	return m
}()

// KindOf returns the event kind for a frame, or false for unknown frames.
func KindOf(f FrameKind) (events.Kind, bool) {
	k, ok := frameToKind[f]

	return k, ok
}

// FrameOf returns the frame kind used to encode an event kind.
func FrameOf(k events.Kind) (FrameKind, bool) {
	f, ok := kindToFrame[k]

	return f, ok
}
