// Package usbip implements the USB/IP wire format (network byte order).
package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// URB header size shared by all CMD_/RET_ packets.
	URBHeaderSize = 0x30
)

// Transfer status values carried in RET_SUBMIT / RET_UNLINK (negated errno).
const (
	StatusOK         int32 = 0
	StatusStall      int32 = -32  // -EPIPE
	StatusConnReset  int32 = -104 // -ECONNRESET
	exportedBaseSize       = 312
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) base() [exportedBaseSize]byte {
	var b [exportedBaseSize]byte
	copy(b[0:256], d.Path[:])
	copy(b[256:288], d.USBBusId[:])
	binary.BigEndian.PutUint32(b[288:292], d.BusId)
	binary.BigEndian.PutUint32(b[292:296], d.DevId)
	binary.BigEndian.PutUint32(b[296:300], d.Speed)
	binary.BigEndian.PutUint16(b[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(b[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(b[304:306], d.BcdDevice)
	b[306] = d.BDeviceClass
	b[307] = d.BDeviceSubClass
	b[308] = d.BDeviceProtocol
	b[309] = d.BConfigurationValue
	b[310] = d.BNumConfigurations
	b[311] = d.BNumInterfaces
	return b
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.WriteImport(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	b := d.base()
	_, err := w.Write(b[:])
	return err
}

// ReadExportedDevice decodes one device entry. withInterfaces selects the
// devlist layout (trailing interface triplets) over the import layout.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var b [exportedBaseSize]byte
	if err := ReadExactly(r, b[:]); err != nil {
		return ExportedDevice{}, err
	}
	var d ExportedDevice
	copy(d.Path[:], b[0:256])
	copy(d.USBBusId[:], b[256:288])
	d.BusId = binary.BigEndian.Uint32(b[288:292])
	d.DevId = binary.BigEndian.Uint32(b[292:296])
	d.Speed = binary.BigEndian.Uint32(b[296:300])
	d.IDVendor = binary.BigEndian.Uint16(b[300:302])
	d.IDProduct = binary.BigEndian.Uint16(b[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(b[304:306])
	d.BDeviceClass = b[306]
	d.BDeviceSubClass = b[307]
	d.BDeviceProtocol = b[308]
	d.BConfigurationValue = b[309]
	d.BNumConfigurations = b[310]
	d.BNumInterfaces = b[311]
	if withInterfaces && d.BNumInterfaces > 0 {
		ifaces := make([]byte, int(d.BNumInterfaces)*4)
		if err := ReadExactly(r, ifaces); err != nil {
			return ExportedDevice{}, err
		}
		for i := 0; i < len(ifaces); i += 4 {
			d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: ifaces[i], SubClass: ifaces[i+1], Protocol: ifaces[i+2]})
		}
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

func parseBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(b[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(b[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], c.Interval)
	copy(b[40:48], c.Setup[:])
	_, err := w.Write(b[:])
	return err
}

// ParseCmdSubmit decodes a CMD_SUBMIT header.
func ParseCmdSubmit(b []byte) (CmdSubmit, error) {
	if len(b) < URBHeaderSize {
		return CmdSubmit{}, fmt.Errorf("cmd submit header: %w", io.ErrUnexpectedEOF)
	}
	c := CmdSubmit{
		Basic:             parseBasic(b),
		TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
		StartFrame:        binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
		Interval:          binary.BigEndian.Uint32(b[36:40]),
	}
	copy(c.Setup[:], b[40:48])
	return c, nil
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
	_, err := w.Write(b[:])
	return err
}

// ReadRetSubmit reads and decodes a RET_SUBMIT header (payload is left unread).
func ReadRetSubmit(rd io.Reader) (RetSubmit, error) {
	var b [URBHeaderSize]byte
	if err := ReadExactly(rd, b[:]); err != nil {
		return RetSubmit{}, err
	}
	r := RetSubmit{
		Basic:           parseBasic(b[:]),
		Status:          int32(binary.BigEndian.Uint32(b[20:24])),
		ActualLength:    binary.BigEndian.Uint32(b[24:28]),
		StartFrame:      binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets: binary.BigEndian.Uint32(b[32:36]),
		ErrorCount:      binary.BigEndian.Uint32(b[36:40]),
	}
	if r.Basic.Command != RetSubmitCode {
		return r, fmt.Errorf("unexpected ret cmd %x", r.Basic.Command)
	}
	return r, nil
}

// RetUnlink answers CMD_UNLINK.
type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

func (r *RetUnlink) Write(w io.Writer) error {
	var b [URBHeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	_, err := w.Write(b[:])
	return err
}

// ReadExactly fills buf from r or returns the first read error.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
