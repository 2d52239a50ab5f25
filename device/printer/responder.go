package printer

import (
	"github.com/Alia5/vprinter/mutate"
	"github.com/Alia5/vprinter/usb"
)

// Responder answers GET_DEVICE_ID. It holds no state between calls.
type Responder struct {
	mutator mutate.Mutator
}

// NewResponder returns a Responder whose output passes through m (may be nil).
func NewResponder(m mutate.Mutator) *Responder {
	return &Responder{mutator: m}
}

// HandleGetDeviceID builds the identity record afresh and returns it with its
// big-endian length prefix. The request itself is not inspected; routing by
// request code is done by the caller.
func (r *Responder) HandleGetDeviceID(_ usb.SetupPacket, _ []byte) ([]byte, error) {
	resp, err := DefaultIdentity().MarshalBinary()
	if err != nil {
		return nil, err
	}
	return mutate.Apply(r.mutator, mutate.PointDeviceIDResponse, resp), nil
}
