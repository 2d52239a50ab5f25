// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/Alia5/vprinter/device"
	"github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/usbip"
)

const basepath = "/sys/devices/platform/vprinter/usb"

var (
	allocatedBusIds = make(map[uint32]bool)
	globalMutex     sync.Mutex
)

// VirtualBus manages USB bus topology and auto-assigns device addresses.
type VirtualBus struct {
	mutex   sync.Mutex
	busId   uint32
	devices []busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

// BusDevID returns the "bus-dev" identifier used by USB-IP import requests.
func (m DeviceMeta) BusDevID() string {
	return string(bytes.TrimRight(m.Meta.USBBusId[:], "\x00"))
}

type busDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a VirtualBus with the given bus number.
// Returns an error if the bus number is already allocated.
func New(busId uint32) (*VirtualBus, error) {
	if busId == 0 {
		return nil, fmt.Errorf("bus number must be non-zero")
	}
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true
	return &VirtualBus{busId: busId}, nil
}

// Add registers a device on the lowest free address and returns a context
// that is cancelled when the device is removed or the bus closes.
// Use device.GetDeviceMeta to read the assigned export metadata from it.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	used := make(map[uint32]bool, len(vb.devices))
	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
		used[d.meta.DevId] = true
	}
	devID := uint32(1)
	for used[devID] {
		devID++
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	var meta usbip.ExportMeta
	copy(meta.Path[:], fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID))
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &meta)

	vb.devices = append(vb.devices, busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns a copy of all registered devices with their export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	return vb.busId
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// Remove unregisters a device and cancels its context.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.dev == dev {
			d.cancel()
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device not found")
}

// GetDeviceContext returns the context for a specific device, or nil if the
// device is not on this bus.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.dev == dev {
			return d.ctx
		}
	}
	return nil
}

// Close cancels every device context and frees the bus number.
// After calling Close, this VirtualBus instance should not be used.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	for _, d := range vb.devices {
		d.cancel()
	}
	vb.devices = nil
	vb.mutex.Unlock()

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIds, vb.busId)
	return nil
}
