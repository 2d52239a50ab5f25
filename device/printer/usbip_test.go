package printer_test

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vprinter/device/printer"
	"github.com/Alia5/vprinter/internal/spool"
	vpTesting "github.com/Alia5/vprinter/testing"
	"github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/usbip"
)

func TestPrinter_OverUSBIP(t *testing.T) {
	dir, err := spool.Open(t.TempDir())
	require.NoError(t, err)
	p, err := printer.New(printer.Options{
		Spool:  dir,
		Clock:  fixedClock(jobStart),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	srv := vpTesting.NewTestServer(t, p)
	client := vpTesting.NewUsbIpClient(t, srv.Addr)

	devs, err := client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, uint16(printer.DefaultVendorID), devs[0].IDVendor)
	assert.Equal(t, uint16(printer.DefaultProductID), devs[0].IDProduct)
	require.Len(t, devs[0].Interfaces, 1)
	assert.Equal(t, usbip.InterfaceDesc{Class: usb.ClassPrinter, SubClass: 1, Protocol: 2}, devs[0].Interfaces[0])

	imp, err := client.AttachDevice(devs[0].BusID)
	require.NoError(t, err)
	defer imp.Conn.Close()

	res, err := client.Control(imp.Conn, getDeviceID, nil)
	require.NoError(t, err)
	require.Equal(t, usbip.StatusOK, res.Status)
	id, err := printer.ParseDeviceID(res.Data)
	require.NoError(t, err)
	assert.Equal(t, printer.DefaultIdentity(), id)

	// unknown printer class request (GET_PORT_STATUS)
	res, err = client.Control(imp.Conn, usb.SetupPacket{RequestType: 0xA1, Request: 0x01, Length: 1}, nil)
	require.NoError(t, err)
	assert.True(t, res.Stalled())

	job := []byte("\x1b%-12345X@PJL\r\n" + string(bytes.Repeat([]byte{'x'}, 150)) + "EOJ\n")
	for off := 0; off < len(job); off += 64 {
		end := min(off+64, len(job))
		res, err = client.BulkOut(imp.Conn, printer.EndpointBulkOut, job[off:end])
		require.NoError(t, err)
		require.Equal(t, usbip.StatusOK, res.Status)
	}

	res, err = client.BulkIn(imp.Conn, printer.EndpointBulkIn, 64)
	require.NoError(t, err)
	assert.Equal(t, usbip.StatusOK, res.Status)
	assert.Empty(t, res.Data)

	assert.False(t, p.Sink().Active())
	b, err := os.ReadFile(p.Sink().ArtifactPath())
	require.NoError(t, err)
	assert.Equal(t, job, b)
	assert.Equal(t, jobStart.Format("20060102150405")+".pcl", p.Sink().ArtifactName())
}

func TestPrinter_WriteFailureStallsEndpoint(t *testing.T) {
	path := t.TempDir()
	dir, err := spool.Open(path)
	require.NoError(t, err)
	p, err := printer.New(printer.Options{
		Spool:  dir,
		Clock:  fixedClock(time.Now()),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	srv := vpTesting.NewTestServer(t, p)
	client := vpTesting.NewUsbIpClient(t, srv.Addr)
	devs, err := client.ListDevices()
	require.NoError(t, err)
	imp, err := client.AttachDevice(devs[0].BusID)
	require.NoError(t, err)
	defer imp.Conn.Close()

	require.NoError(t, os.RemoveAll(path))
	res, err := client.BulkOut(imp.Conn, printer.EndpointBulkOut, []byte("data"))
	require.NoError(t, err)
	assert.True(t, res.Stalled())
}
