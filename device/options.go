package device

// CreateOptions carries per-instance overrides applied when a device is created.
// Nil fields keep the device's defaults.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
}
