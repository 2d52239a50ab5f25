package usb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/vprinter/usbip"
)

// ControlHandler answers a class-specific control request. data carries the
// OUT data stage (if any); the returned bytes form the IN data stage.
type ControlHandler func(setup SetupPacket, data []byte) ([]byte, error)

// BulkHandler consumes one bulk OUT transfer.
type BulkHandler func(data []byte) error

// Registrar is the capability set a device function needs from its host:
// routing of class requests and bulk endpoints, plus a diagnostic sink.
type Registrar interface {
	RegisterControlHandler(code uint8, fn ControlHandler)
	RegisterBulkHandler(ep uint8, fn BulkHandler)
	Diagnostic(msg string, args ...any)
}

// Handlers is a per-device routing table. It implements Registrar for the
// device function and dispatches transfers coming from the USB-IP server.
type Handlers struct {
	mu      sync.RWMutex
	control map[uint8]ControlHandler
	bulk    map[uint8]BulkHandler
	logger  *slog.Logger
}

// NewHandlers returns an empty routing table. Diagnostics go to logger, or
// slog.Default() when logger is nil.
func NewHandlers(logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		control: make(map[uint8]ControlHandler),
		bulk:    make(map[uint8]BulkHandler),
		logger:  logger,
	}
}

// RegisterControlHandler routes class request code to fn, replacing any
// previous registration.
func (h *Handlers) RegisterControlHandler(code uint8, fn ControlHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.control[code] = fn
}

// RegisterBulkHandler routes OUT transfers on endpoint number ep to fn.
func (h *Handlers) RegisterBulkHandler(ep uint8, fn BulkHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bulk[ep] = fn
}

// Diagnostic emits an informational log line on behalf of the device.
func (h *Handlers) Diagnostic(msg string, args ...any) {
	h.logger.Info(msg, args...)
}

// HandleClassRequest dispatches a class request by its bRequest code.
func (h *Handlers) HandleClassRequest(setup SetupPacket, data []byte) ([]byte, error) {
	h.mu.RLock()
	fn, ok := h.control[setup.Request]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("class request 0x%02x: %w", setup.Request, ErrNoHandler)
	}
	return fn(setup, data)
}

// HandleTransfer dispatches a non-EP0 transfer. IN endpoints without a
// handler answer with zero-length data; OUT endpoints without one fail.
func (h *Handlers) HandleTransfer(ep uint32, dir uint32, out []byte) ([]byte, error) {
	if dir == usbip.DirIn {
		return nil, nil
	}
	h.mu.RLock()
	fn, ok := h.bulk[uint8(ep)]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bulk OUT ep %d: %w", ep, ErrNoHandler)
	}
	return nil, fn(out)
}
