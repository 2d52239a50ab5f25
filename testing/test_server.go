package testing

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/vprinter/internal/server/usb"
	dev "github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/virtualbus"
)

var nextBusID uint32 = 100

type MockServer struct {
	UsbServer *usb.Server
	Bus       *virtualbus.VirtualBus
	Addr      string
}

// NewTestServer starts a USB-IP server on a loopback port with devices
// attached to a fresh bus. Everything is torn down via t.Cleanup.
func NewTestServer(t *testing.T, devices ...dev.Device) *MockServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usbServer := usb.New(usb.ServerConfig{
		Addr:              "127.0.0.1:0",
		ConnectionTimeout: 1 * time.Second,
	}, logger, nil)

	var bus *virtualbus.VirtualBus
	for {
		b, err := virtualbus.New(atomic.AddUint32(&nextBusID, 1))
		if err == nil {
			bus = b
			break
		}
	}
	for _, d := range devices {
		_, err := bus.Add(d)
		require.NoError(t, err)
	}
	require.NoError(t, usbServer.AddBus(bus))

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbServer.ListenAndServe()
	}()
	select {
	case <-usbServer.Ready():
		// ok
	case err := <-usbErrCh:
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		t.Fatalf("USB server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("USB server did not become ready")
	}
	t.Cleanup(func() {
		_ = usbServer.Close()
		_ = usbServer.RemoveBus(bus.BusID())
	})

	return &MockServer{
		UsbServer: usbServer,
		Bus:       bus,
		Addr:      usbServer.Addr().String(),
	}
}
