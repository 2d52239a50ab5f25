package virtualbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vprinter/device"
	"github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/virtualbus"
)

type stubDevice struct{ desc usb.Descriptor }

func (d *stubDevice) HandleTransfer(uint32, uint32, []byte) ([]byte, error) { return nil, nil }
func (d *stubDevice) GetDescriptor() *usb.Descriptor { return &d.desc }

func TestNew_BusNumberAllocation(t *testing.T) {
	_, err := virtualbus.New(0)
	assert.Error(t, err)

	b, err := virtualbus.New(60001)
	require.NoError(t, err)
	_, err = virtualbus.New(60001)
	assert.Error(t, err)

	require.NoError(t, b.Close())
	b, err = virtualbus.New(60001)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestAdd_AssignsAddressesAndMeta(t *testing.T) {
	b, err := virtualbus.New(60002)
	require.NoError(t, err)
	defer b.Close()

	d1, d2 := &stubDevice{}, &stubDevice{}
	ctx1, err := b.Add(d1)
	require.NoError(t, err)
	_, err = b.Add(d2)
	require.NoError(t, err)
	_, err = b.Add(d1)
	assert.Error(t, err, "same device twice")

	meta := device.GetDeviceMeta(ctx1)
	require.NotNil(t, meta)
	assert.Equal(t, uint32(60002), meta.BusId)
	assert.Equal(t, uint32(1), meta.DevId)

	metas := b.GetAllDeviceMetas()
	require.Len(t, metas, 2)
	assert.Equal(t, "60002-1", metas[0].BusDevID())
	assert.Equal(t, "60002-2", metas[1].BusDevID())
	assert.Contains(t, string(metas[0].Meta.Path[:]), "/vprinter/usb60002/60002-1")

	// freed address is reused
	require.NoError(t, b.Remove(d1))
	assert.Error(t, ctx1.Err())
	assert.Nil(t, b.GetDeviceContext(d1))
	d3 := &stubDevice{}
	ctx3, err := b.Add(d3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), device.GetDeviceMeta(ctx3).DevId)
	assert.Len(t, b.Devices(), 2)

	assert.Error(t, b.Remove(d1))
}

func TestClose_CancelsDevices(t *testing.T) {
	b, err := virtualbus.New(60003)
	require.NoError(t, err)
	ctx, err := b.Add(&stubDevice{})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.Error(t, ctx.Err())
	assert.Empty(t, b.Devices())
}
