package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Alia5/vprinter/device"
	"github.com/Alia5/vprinter/device/printer"
	"github.com/Alia5/vprinter/internal/log"
	"github.com/Alia5/vprinter/internal/server/usb"
	"github.com/Alia5/vprinter/internal/spool"
	"github.com/Alia5/vprinter/mutate"
	"github.com/Alia5/vprinter/virtualbus"
)

// PrinterConfig controls the emulated device.
type PrinterConfig struct {
	BusID     uint32 `help:"USB-IP bus number the printer is attached to" default:"1" env:"VPRINTER_BUS_ID"`
	VendorID  string `help:"Override the USB vendor ID (e.g. 0x03f0)" env:"VPRINTER_VENDOR_ID"`
	ProductID string `help:"Override the USB product ID (e.g. 0x4417)" env:"VPRINTER_PRODUCT_ID"`
	Scan      string `help:"End-of-job marker scan: stream finds markers split across transfers, chunk scans each transfer alone" enum:"stream,chunk" default:"stream" env:"VPRINTER_SCAN"`
	Rotate    bool   `help:"Start a new spool file for every print job" env:"VPRINTER_ROTATE"`
}

// SpoolConfig locates the spool directory.
type SpoolConfig struct {
	Dir string `help:"Directory print jobs are written to" default:"." env:"VPRINTER_SPOOL_DIR"`
}

// MutateConfig replaces device output with file contents for fuzzing.
type MutateConfig struct {
	DeviceIDFile string `help:"Serve this file verbatim as the GET_DEVICE_ID response" env:"VPRINTER_MUTATE_DEVICE_ID_FILE"`
	DataFile     string `help:"Spool this file's contents instead of every received chunk" env:"VPRINTER_MUTATE_DATA_FILE"`
}

type Server struct {
	UsbServerConfig usb.ServerConfig `embed:"" prefix:"usb."`
	Printer         PrinterConfig    `embed:"" prefix:"printer."`
	Spool           SpoolConfig      `embed:"" prefix:"spool."`
	Mutate          MutateConfig     `embed:"" prefix:"mutate."`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	dir, err := spool.Open(s.Spool.Dir)
	if err != nil {
		return err
	}
	if err := dir.Lock(); err != nil {
		if errors.Is(err, spool.ErrLocked) {
			logger.Error("Spool directory is in use by another vprinter", "dir", dir.Path())
		}
		return err
	}
	defer func() { _ = dir.Unlock() }()

	dev, err := s.newPrinter(dir, logger)
	if err != nil {
		return err
	}

	bus, err := virtualbus.New(s.Printer.BusID)
	if err != nil {
		return err
	}
	devCtx, err := bus.Add(dev)
	if err != nil {
		_ = bus.Close()
		return err
	}

	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	if err := usbSrv.AddBus(bus); err != nil {
		_ = bus.Close()
		return err
	}
	defer func() { _ = usbSrv.RemoveBus(bus.BusID()) }()

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}

	busID := ""
	if meta := device.GetDeviceMeta(devCtx); meta != nil {
		busID = fmt.Sprintf("%d-%d", meta.BusId, meta.DevId)
	}
	logger.Info("Printer exported",
		"busid", busID,
		"spool", dir.Path(),
		"artifact", dev.Sink().ArtifactName(),
		"scan", s.Printer.Scan,
	)
	logger.Info(fmt.Sprintf("Attach from a Linux host with: usbip attach -r <this-host> -b %s", busID))

	select {
	case <-ctx.Done():
		_ = usbSrv.Close()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		return err
	}
}

func (s *Server) newPrinter(dir *spool.Dir, logger *slog.Logger) (*printer.Printer, error) {
	policy, err := printer.ParseScanPolicy(s.Printer.Scan)
	if err != nil {
		return nil, err
	}
	create, err := s.Printer.createOptions()
	if err != nil {
		return nil, err
	}
	m, err := s.Mutate.mutator()
	if err != nil {
		return nil, err
	}
	return printer.New(printer.Options{
		Create:  create,
		Spool:   dir,
		Policy:  policy,
		Rotate:  s.Printer.Rotate,
		Mutator: m,
		Logger:  logger,
	})
}

func (c PrinterConfig) createOptions() (*device.CreateOptions, error) {
	o := &device.CreateOptions{}
	for _, f := range []struct {
		name string
		raw  string
		dst  **uint16
	}{
		{"vendor ID", c.VendorID, &o.IdVendor},
		{"product ID", c.ProductID, &o.IdProduct},
	} {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseUint(f.raw, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		id := uint16(v)
		*f.dst = &id
	}
	return o, nil
}

func (c MutateConfig) mutator() (mutate.Mutator, error) {
	m := mutate.Static{}
	for point, path := range map[mutate.Point]string{
		mutate.PointDeviceIDResponse: c.DeviceIDFile,
		mutate.PointDataAvailable:    c.DataFile,
	} {
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("mutation file for %s: %w", point, err)
		}
		m[point] = b
	}
	if len(m) == 0 {
		return mutate.None{}, nil
	}
	return m, nil
}
