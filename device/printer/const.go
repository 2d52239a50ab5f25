package printer

// Printer class request codes (USB Printer Class 1.1, section 4.2).
const (
	RequestGetDeviceID = 0x00
)

// Endpoint numbers (without direction bit).
const (
	EndpointBulkOut = 1 // 0x01 - print data from host
	EndpointBulkIn  = 2 // 0x82 - status channel, no handler

	bulkMaxPacketSize = 0x40
	bulkOutInterval   = 0xFF
)

// Interface class triplets. Interface 0 is the printer function; interface 1
// is an alternative vendor-specific variant that is described but never
// instantiated.
const (
	InterfaceSubClassPrinter = 0x01
	ProtocolUnidirectional   = 0x01
	ProtocolBidirectional    = 0x02
)

// Default device identity.
const (
	DefaultVendorID  = 0x03F0 // Hewlett-Packard
	DefaultProductID = 0x4417
	DefaultRevision  = 0x0001

	ManufacturerString  = "Hewlett-Packard"
	ProductString       = "HP Color LaserJet CP1515n"
	SerialNumberString  = "00CNC2618971"
	ConfigurationString = "Printer"
)

// EndOfJob is the marker that terminates a print job inside the bulk stream.
const EndOfJob = "EOJ\n"
