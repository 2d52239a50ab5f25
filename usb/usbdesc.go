// Package usb contains helpers for building USB descriptors and routing
// device-side transfers.
package usb

import (
	"bytes"
	"encoding/binary"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Endpoint bmAttributes transfer types and address direction bit.
const (
	EndpointXferControl     = 0x00
	EndpointXferIsochronous = 0x01
	EndpointXferBulk        = 0x02
	EndpointXferInterrupt   = 0x03

	EndpointDirIn = 0x80
)

// Class codes used by bDeviceClass / bInterfaceClass.
const (
	ClassPerInterface = 0x00
	ClassPrinter      = 0x07
	ClassVendor       = 0xFF
)

// Descriptor holds all static descriptor/config data for a device.
type Descriptor struct {
	Device     DeviceDescriptor
	Interfaces []InterfaceConfig
	// IConfiguration is the string index describing the single configuration.
	IConfiguration uint8
	Strings        map[uint8]string
}

// InterfaceConfig holds all descriptors for a single interface for bus management.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	ClassData  []byte // optional class-specific descriptor bytes
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// LangIDEnglishUS is the only language advertised in string descriptor 0.
const LangIDEnglishUS = 0x0409

// EncodeLangIDDescriptor builds string descriptor 0 listing the supported LANGIDs.
func EncodeLangIDDescriptor(ids ...uint16) []byte {
	buf := make([]byte, 2+len(ids)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, id := range ids {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return buf
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE; may get overridden
	IDProduct          uint16 // LE; may get overridden
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // USB speed: 1=low, 2=full, 3=high, 4=super
}

// Bytes returns the binary representation of the DeviceDescriptor with BLength auto-filled.
func (d Descriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdUSB)
	b.WriteByte(d.Device.BDeviceClass)
	b.WriteByte(d.Device.BDeviceSubClass)
	b.WriteByte(d.Device.BDeviceProtocol)
	b.WriteByte(d.Device.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdDevice)
	b.WriteByte(d.Device.IManufacturer)
	b.WriteByte(d.Device.IProduct)
	b.WriteByte(d.Device.ISerialNumber)
	b.WriteByte(d.Device.BNumConfigurations)
	return b.Bytes()
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, to be patched after building
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

// Number returns the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress &^ EndpointDirIn }

// IsIn reports whether the endpoint is device-to-host.
func (e EndpointDescriptor) IsIn() bool { return e.BEndpointAddress&EndpointDirIn != 0 }

// IsBulk reports whether the endpoint uses bulk transfers.
func (e EndpointDescriptor) IsBulk() bool { return e.BMAttributes&0x03 == EndpointXferBulk }

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}
