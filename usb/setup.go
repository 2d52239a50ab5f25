package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Request type masks (USB 2.0 Table 9-2).
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F
)

// Request type values.
const (
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40
)

// Request recipient values.
const (
	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// ErrSetupTooShort is returned when fewer than 8 setup bytes are supplied.
var ErrSetupTooShort = errors.New("setup packet too short")

// SetupPacket is a decoded 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue, LE on the wire
	Index       uint16 // wIndex, LE on the wire
	Length      uint16 // wLength, LE on the wire
}

// ParseSetupPacket decodes the first 8 bytes of data.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, fmt.Errorf("%w: got %d bytes", ErrSetupTooShort, len(data))
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes encodes the packet back into its 8-byte wire form.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// Type returns the request type bits (standard, class or vendor).
func (s SetupPacket) Type() uint8 { return s.RequestType & RequestTypeTypeMask }

// Recipient returns the recipient bits.
func (s SetupPacket) Recipient() uint8 { return s.RequestType & RequestTypeRecipientMask }

// IsClass reports whether this is a class-specific request.
func (s SetupPacket) IsClass() bool { return s.Type() == RequestTypeClass }

// IsDeviceToHost reports whether the data stage flows device to host.
func (s SetupPacket) IsDeviceToHost() bool { return s.RequestType&RequestTypeDirectionMask != 0 }
