package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// eventCodec pairs the encode and decode modes used for .klog streams.
type eventCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var codec = mustEventCodec()

// mustEventCodec builds the codec. Timestamps keep nanosecond precision
// and map keys are written in canonical order so identical events produce
// identical bytes.
func mustEventCodec() eventCodec {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: cbor encode mode: %v", err))
	}
	// Files from older or foreign writers may use indefinite lengths.
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: cbor decode mode: %v", err))
	}
	return eventCodec{enc: enc, dec: dec}
}

// EncodeEvent returns the CBOR form of event.
func EncodeEvent(event Event) ([]byte, error) {
	return codec.enc.Marshal(event)
}

// DecodeEvent parses one CBOR-encoded event.
func DecodeEvent(data []byte) (ev Event, err error) {
	err = codec.dec.Unmarshal(data, &ev)
	return ev, err
}

func (c eventCodec) reader(r io.Reader) *cbor.Decoder { return c.dec.NewDecoder(r) }
