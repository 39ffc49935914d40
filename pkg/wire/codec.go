package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode encodes payloads with Core Deterministic Encoding so the same
// record always produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown payload fields so clients may add fields without
// a version bump.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// payload is the CBOR body shared by every record kind. Each kind only
// populates the fields it needs.
type payload struct {
	Count      int      `cbor:"count,omitempty"`
	Suite      string   `cbor:"suite,omitempty"`
	ID         string   `cbor:"id,omitempty"`
	Name       string   `cbor:"name,omitempty"`
	Status     string   `cbor:"status,omitempty"`
	DurationMs int64    `cbor:"duration_ms,omitempty"`
	Message    string   `cbor:"message,omitempty"`
	Stack      []string `cbor:"stack,omitempty"`
	Expected   string   `cbor:"expected,omitempty"`
	Actual     string   `cbor:"actual,omitempty"`
}
