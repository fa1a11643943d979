package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/wippyai/marshal-runtime/errors"
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Locator is the reference payload. Ticket identifies one Normal marshal so a
// second unmarshal of the same bytes is detected. Endpoint is only present for
// cross-process references and names the channel a transport reconnects on.
type Locator struct {
	Endpoint *Endpoint `cbor:"2,keyasint,omitempty"`
	Ticket   uint64    `cbor:"1,keyasint,omitempty"`
}

// Endpoint addresses the exporting process.
type Endpoint struct {
	Process uuid.UUID `cbor:"1,keyasint"`
	Channel string    `cbor:"2,keyasint,omitempty"`
}

// EncodeLocator serializes l in canonical CBOR.
func EncodeLocator(l *Locator) ([]byte, error) {
	data, err := cborEncMode.Marshal(l)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidData, err, "encode locator")
	}
	return data, nil
}

// DecodeLocator parses a reference payload.
func DecodeLocator(data []byte) (*Locator, error) {
	var l Locator
	if err := cborDecMode.Unmarshal(data, &l); err != nil {
		return nil, errors.MalformedReference(errors.PhaseUnmarshal, "decode locator", err)
	}
	return &l, nil
}
