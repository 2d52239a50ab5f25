package printer

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vprinter/device"
	"github.com/Alia5/vprinter/internal/spool"
	"github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/usbip"
)

func newTestPrinter(t *testing.T, o Options) *Printer {
	t.Helper()
	d, err := spool.Open(t.TempDir())
	require.NoError(t, err)
	o.Spool = d
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local) }
	}
	p, err := New(o)
	require.NoError(t, err)
	return p
}

func TestNew_RequiresSpool(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestDescriptor_Identity(t *testing.T) {
	p := newTestPrinter(t, Options{})
	desc := p.GetDescriptor()

	assert.Equal(t, uint16(0x03F0), desc.Device.IDVendor)
	assert.Equal(t, uint16(0x4417), desc.Device.IDProduct)
	assert.Equal(t, uint16(0x0001), desc.Device.BcdDevice)
	assert.Equal(t, uint8(usb.ClassPerInterface), desc.Device.BDeviceClass)
	assert.Equal(t, "Hewlett-Packard", desc.Strings[desc.Device.IManufacturer])
	assert.Equal(t, "HP Color LaserJet CP1515n", desc.Strings[desc.Device.IProduct])
	assert.Equal(t, "00CNC2618971", desc.Strings[desc.Device.ISerialNumber])
	assert.Equal(t, "Printer", desc.Strings[desc.IConfiguration])

	require.Len(t, desc.Interfaces, 1)
	iface := desc.Interfaces[0]
	assert.Equal(t, uint8(0), iface.Descriptor.BInterfaceNumber)
	assert.Equal(t, uint8(usb.ClassPrinter), iface.Descriptor.BInterfaceClass)
	assert.Equal(t, uint8(1), iface.Descriptor.BInterfaceSubClass)
	assert.Equal(t, uint8(2), iface.Descriptor.BInterfaceProtocol)
}

func TestDescriptor_EndpointPair(t *testing.T) {
	for _, num := range []uint8{0, 1} {
		iface := interfaceFor(num)
		assert.Equal(t, num, iface.Descriptor.BInterfaceNumber)
		require.Len(t, iface.Endpoints, 2)

		out, in := iface.Endpoints[0], iface.Endpoints[1]
		assert.Equal(t, uint8(0x01), out.BEndpointAddress)
		assert.False(t, out.IsIn())
		assert.True(t, out.IsBulk())
		assert.Equal(t, uint16(64), out.WMaxPacketSize)
		assert.Equal(t, uint8(0xFF), out.BInterval)

		assert.Equal(t, uint8(0x82), in.BEndpointAddress)
		assert.True(t, in.IsIn())
		assert.Equal(t, uint8(2), in.Number())
		assert.True(t, in.IsBulk())
		assert.Equal(t, uint8(0), in.BInterval)
	}
	assert.Equal(t, uint8(usb.ClassVendor), interfaceFor(1).Descriptor.BInterfaceClass)
}

func TestNew_Overrides(t *testing.T) {
	vid, pid := uint16(0x1234), uint16(0x5678)
	p := newTestPrinter(t, Options{Create: &device.CreateOptions{IdVendor: &vid, IdProduct: &pid}})
	assert.Equal(t, vid, p.GetDescriptor().Device.IDVendor)
	assert.Equal(t, pid, p.GetDescriptor().Device.IDProduct)

	// defaults are not shared between instances
	q := newTestPrinter(t, Options{})
	assert.Equal(t, uint16(DefaultVendorID), q.GetDescriptor().Device.IDVendor)
}

func TestPrinter_Routing(t *testing.T) {
	p := newTestPrinter(t, Options{})

	resp, err := p.HandleClassRequest(usb.SetupPacket{RequestType: 0xA1, Request: RequestGetDeviceID, Length: 1023}, nil)
	require.NoError(t, err)
	id, err := ParseDeviceID(resp)
	require.NoError(t, err)
	assert.Equal(t, DefaultIdentity(), id)

	_, err = p.HandleClassRequest(usb.SetupPacket{RequestType: 0xA1, Request: 0x01}, nil)
	assert.ErrorIs(t, err, usb.ErrNoHandler)

	in, err := p.HandleTransfer(EndpointBulkIn, usbip.DirIn, nil)
	require.NoError(t, err)
	assert.Empty(t, in)

	_, err = p.HandleTransfer(EndpointBulkOut, usbip.DirOut, []byte("page EOJ\n"))
	require.NoError(t, err)
	assert.False(t, p.Sink().Active())
	assert.Equal(t, "20240506070809.pcl", p.Sink().ArtifactName())

	b, err := os.ReadFile(p.Sink().ArtifactPath())
	require.NoError(t, err)
	assert.Equal(t, "page EOJ\n", string(b))
}
