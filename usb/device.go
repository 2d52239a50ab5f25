package usb

import "errors"

var (
	// ErrNoHandler is returned when a request or endpoint has nothing registered.
	// The server answers such transfers with a stall.
	ErrNoHandler = errors.New("no handler registered")
)

// Device is the minimal interface a device must implement.
// It only handles non-EP0 (interrupt/bulk) transfers.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer (interrupt/bulk).
	// ep is the endpoint number (without direction). dir is usbip.DirIn or usbip.DirOut.
	// For IN transfers, return the payload to send; for OUT, consume 'out' and return nil.
	// A non-nil error fails the transfer.
	HandleTransfer(ep uint32, dir uint32, out []byte) ([]byte, error)
	GetDescriptor() *Descriptor
}

// ClassRequestHandler is implemented by devices that answer class-specific
// requests on EP0 (bmRequestType type bits == class).
type ClassRequestHandler interface {
	HandleClassRequest(setup SetupPacket, data []byte) ([]byte, error)
}
