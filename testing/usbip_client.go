// Package testing provides a minimal USB-IP host used by the end-to-end tests.
package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/usbip"
)

const defaultTimeout = 750 * time.Millisecond

type TestUsbIpClient struct {
	address string
	seq     uint32
}

// Device is an exported device as reported by OP_REP_DEVLIST.
type Device struct {
	usbip.ExportedDevice
	Path  string
	BusID string
}

type ImportResult struct {
	Conn     net.Conn
	Exported Device
}

// Transfer is the outcome of one CMD_SUBMIT round trip.
type Transfer struct {
	Status       int32
	ActualLength uint32
	Data         []byte
}

// Stalled reports whether the device answered with a stall.
func (t Transfer) Stalled() bool { return t.Status == usbip.StatusStall }

func NewUsbIpClient(t *testing.T, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		address: addr,
	}
}

func (c *TestUsbIpClient) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

func (c *TestUsbIpClient) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}

	var hdr [12]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return nil, err
	}
	if err := checkReply(hdr[:8], usbip.OpRepDevlist); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[8:12])
	devices := make([]Device, 0, n)
	for i := uint32(0); i < n; i++ {
		exp, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, newDevice(exp))
	}
	return devices, nil
}

func (c *TestUsbIpClient) AttachDevice(busID string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var bus [32]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, err
	}

	var hdr [8]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, err
	}
	if err := checkReply(hdr[:], usbip.OpRepImport); err != nil {
		conn.Close()
		return nil, err
	}

	exp, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &ImportResult{Conn: conn, Exported: newDevice(exp)}, nil
}

func checkReply(hdr []byte, want uint16) error {
	if v := binary.BigEndian.Uint16(hdr[0:2]); v != usbip.Version {
		return fmt.Errorf("unexpected usbip version %x", v)
	}
	if cmd := binary.BigEndian.Uint16(hdr[2:4]); cmd != want {
		return fmt.Errorf("unexpected reply command %x", cmd)
	}
	if st := binary.BigEndian.Uint32(hdr[4:8]); st != 0 {
		return fmt.Errorf("reply status %d", st)
	}
	return nil
}

func newDevice(exp usbip.ExportedDevice) Device {
	return Device{
		ExportedDevice: exp,
		Path:           string(bytes.TrimRight(exp.Path[:], "\x00")),
		BusID:          string(bytes.TrimRight(exp.USBBusId[:], "\x00")),
	}
}

// Control issues a transfer on EP0. For device-to-host requests setup.Length
// bytes are requested; otherwise out is sent as the data stage.
func (c *TestUsbIpClient) Control(conn net.Conn, setup usb.SetupPacket, out []byte) (Transfer, error) {
	dir := uint32(usbip.DirOut)
	length := uint32(len(out))
	if setup.IsDeviceToHost() {
		dir = usbip.DirIn
		length = uint32(setup.Length)
		out = nil
	}
	return c.submit(conn, dir, 0, length, setup.Bytes(), out)
}

// BulkOut sends data to endpoint ep.
func (c *TestUsbIpClient) BulkOut(conn net.Conn, ep uint32, data []byte) (Transfer, error) {
	return c.submit(conn, usbip.DirOut, ep, uint32(len(data)), [8]byte{}, data)
}

// BulkIn requests up to max bytes from endpoint ep.
func (c *TestUsbIpClient) BulkIn(conn net.Conn, ep uint32, max uint32) (Transfer, error) {
	return c.submit(conn, usbip.DirIn, ep, max, [8]byte{}, nil)
}

// Unlink cancels seq and returns the RET_UNLINK status.
func (c *TestUsbIpClient) Unlink(conn net.Conn, seq uint32) (int32, error) {
	var b [usbip.URBHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], usbip.CmdUnlinkCode)
	binary.BigEndian.PutUint32(b[4:8], c.nextSeq())
	binary.BigEndian.PutUint32(b[20:24], seq)
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()
	if _, err := conn.Write(b[:]); err != nil {
		return 0, err
	}
	if err := usbip.ReadExactly(conn, b[:]); err != nil {
		return 0, err
	}
	if cmd := binary.BigEndian.Uint32(b[0:4]); cmd != usbip.RetUnlinkCode {
		return 0, fmt.Errorf("unexpected ret cmd %x", cmd)
	}
	return int32(binary.BigEndian.Uint32(b[20:24])), nil
}

func (c *TestUsbIpClient) submit(conn net.Conn, dir, ep, length uint32, setup [8]byte, out []byte) (Transfer, error) {
	if conn == nil {
		return Transfer{}, io.ErrUnexpectedEOF
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: c.nextSeq(), Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Setup:             setup,
	}

	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	var buf bytes.Buffer
	if err := cmd.Write(&buf); err != nil {
		return Transfer{}, err
	}
	buf.Write(out)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return Transfer{}, err
	}

	ret, err := usbip.ReadRetSubmit(conn)
	if err != nil {
		return Transfer{}, err
	}
	if ret.Basic.Seqnum != cmd.Basic.Seqnum {
		return Transfer{}, fmt.Errorf("seqnum mismatch: sent %d, got %d", cmd.Basic.Seqnum, ret.Basic.Seqnum)
	}
	res := Transfer{Status: ret.Status, ActualLength: ret.ActualLength}
	if dir == usbip.DirIn && ret.ActualLength > 0 {
		res.Data = make([]byte, ret.ActualLength)
		if err := usbip.ReadExactly(conn, res.Data); err != nil {
			return Transfer{}, err
		}
	}
	return res, nil
}
