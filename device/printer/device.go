// Package printer provides a USB printer class device that answers
// GET_DEVICE_ID and spools bulk print data to disk.
package printer

import (
	"errors"
	"log/slog"

	"github.com/Alia5/vprinter/device"
	"github.com/Alia5/vprinter/internal/spool"
	"github.com/Alia5/vprinter/mutate"
	"github.com/Alia5/vprinter/usb"
)

// Options configures a Printer.
type Options struct {
	Create  *device.CreateOptions
	Spool   *spool.Dir
	Clock   Clock
	Policy  ScanPolicy
	Rotate  bool
	Mutator mutate.Mutator
	Logger  *slog.Logger
}

// Printer implements usb.Device for a single-interface bulk printer.
type Printer struct {
	descriptor usb.Descriptor
	handlers   *usb.Handlers
	responder  *Responder
	sink       *JobSink
}

// New returns a new Printer spooling into o.Spool.
func New(o Options) (*Printer, error) {
	if o.Spool == nil {
		return nil, errors.New("printer: spool directory is required")
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := usb.NewHandlers(logger.With("device", "printer"))
	p := &Printer{
		descriptor: newDescriptor(),
		handlers:   handlers,
		responder:  NewResponder(o.Mutator),
		sink: NewJobSink(o.Spool, handlers, SinkOptions{
			Clock:        o.Clock,
			Policy:       o.Policy,
			Mutator:      o.Mutator,
			RotatePerJob: o.Rotate,
		}),
	}
	if o.Create != nil {
		if o.Create.IdVendor != nil {
			p.descriptor.Device.IDVendor = *o.Create.IdVendor
		}
		if o.Create.IdProduct != nil {
			p.descriptor.Device.IDProduct = *o.Create.IdProduct
		}
	}
	p.register(handlers)
	return p, nil
}

func (p *Printer) register(r usb.Registrar) {
	r.RegisterControlHandler(RequestGetDeviceID, p.responder.HandleGetDeviceID)
	r.RegisterBulkHandler(EndpointBulkOut, p.sink.HandleDataAvailable)
}

// Sink returns the job sink bound to the bulk OUT endpoint.
func (p *Printer) Sink() *JobSink { return p.sink }

// HandleTransfer routes bulk transfers. The IN endpoint has no handler and
// answers with zero-length data.
func (p *Printer) HandleTransfer(ep uint32, dir uint32, out []byte) ([]byte, error) {
	return p.handlers.HandleTransfer(ep, dir, out)
}

// HandleClassRequest routes printer class requests on EP0.
func (p *Printer) HandleClassRequest(setup usb.SetupPacket, data []byte) ([]byte, error) {
	return p.handlers.HandleClassRequest(setup, data)
}

func (p *Printer) GetDescriptor() *usb.Descriptor {
	return &p.descriptor
}

// printerInterface describes interface num with a bulk OUT/IN endpoint pair.
func printerInterface(num, class, subClass, protocol uint8) usb.InterfaceConfig {
	return usb.InterfaceConfig{
		Descriptor: usb.InterfaceDescriptor{
			BInterfaceNumber:   num,
			BAlternateSetting:  0x00,
			BNumEndpoints:      0x02,
			BInterfaceClass:    class,
			BInterfaceSubClass: subClass,
			BInterfaceProtocol: protocol,
			IInterface:         0x00,
		},
		Endpoints: []usb.EndpointDescriptor{
			{
				BEndpointAddress: EndpointBulkOut,
				BMAttributes:     usb.EndpointXferBulk,
				WMaxPacketSize:   bulkMaxPacketSize,
				BInterval:        bulkOutInterval,
			},
			{
				BEndpointAddress: usb.EndpointDirIn | EndpointBulkIn,
				BMAttributes:     usb.EndpointXferBulk,
				WMaxPacketSize:   bulkMaxPacketSize,
				BInterval:        0x00,
			},
		},
	}
}

// interfaceFor returns interface 0 (printer class) or 1 (vendor-specific
// variant). Both carry the same endpoint pair.
func interfaceFor(num uint8) usb.InterfaceConfig {
	if num == 1 {
		return printerInterface(1, usb.ClassVendor, InterfaceSubClassPrinter, ProtocolUnidirectional)
	}
	return printerInterface(0, usb.ClassPrinter, InterfaceSubClassPrinter, ProtocolBidirectional)
}

// newDescriptor builds the static descriptor. Only interface 0 is instantiated.
func newDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       usb.ClassPerInterface,
			BDeviceSubClass:    0x00,
			BDeviceProtocol:    0x00,
			BMaxPacketSize0:    0x40, // 64 bytes
			IDVendor:           DefaultVendorID,
			IDProduct:          DefaultProductID,
			BcdDevice:          DefaultRevision,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
			Speed:              2, // Full speed
		},
		Interfaces: []usb.InterfaceConfig{
			interfaceFor(0),
		},
		IConfiguration: 0x04,
		Strings: map[uint8]string{
			1: ManufacturerString,
			2: ProductString,
			3: SerialNumberString,
			4: ConfigurationString,
		},
	}
}
