package usb

import "time"

// DefaultConnectionTimeout bounds how long a client may take to send its
// management request.
const DefaultConnectionTimeout = 30 * time.Second

// ServerConfig represents the USB-IP listener configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"VPRINTER_USB_ADDR"`
	ConnectionTimeout time.Duration `help:"Time a client has to send its first request" default:"30s" env:"VPRINTER_USB_CONNECTION_TIMEOUT"`
}
