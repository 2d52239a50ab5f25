package usb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/vprinter/device"
	"github.com/Alia5/vprinter/internal/log"
	"github.com/Alia5/vprinter/usb"
	"github.com/Alia5/vprinter/usbip"
	"github.com/Alia5/vprinter/virtualbus"
)

const (
	// USB standard request codes
	usbReqGetStatus        = 0x00
	usbReqClearFeature     = 0x01
	usbReqSetFeature       = 0x03
	usbReqSetAddress       = 0x05
	usbReqGetDescriptor    = 0x06
	usbReqGetConfiguration = 0x08
	usbReqSetConfiguration = 0x09
	usbReqGetInterface     = 0x0A
	usbReqSetInterface     = 0x0B

	// USB descriptor types
	usbDescTypeDevice        = 0x01
	usbDescTypeConfiguration = 0x02
	usbDescTypeString        = 0x03

	// USB configuration values
	usbConfigValueDefault   = 1
	usbConfigAttrBusPowered = 0x80
	usbConfigMaxPower100mA  = 50 // In units of 2mA

	// Offset of the unlinked seqnum inside CMD_UNLINK
	urbHdrOffsetUnlink = 0x14

	// Standard header peek size
	headerPeekSize = 8

	// BUSID buffer size for import
	busIDSize = 32
)

// errStall marks an EP0 request the device does not support.
var errStall = errors.New("request not supported")

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.VirtualBus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = DefaultConnectionTimeout
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already present,
// an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server and closes it.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	if ok {
		delete(s.busses, busID)
	}
	s.busesMu.Unlock()
	if !ok {
		return fmt.Errorf("bus %d not found", busID)
	}

	if n := len(bus.Devices()); n > 0 {
		s.logger.Warn("Removing non-empty bus", "bus", busID, "devices", n)
	}
	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address, or nil before Ready is closed.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the USB server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// GetListenPort extracts and returns the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	addr := s.config.Addr
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("Failed to set deadline", "error", err)
	}

	// Peek first 8 bytes to determine the management op.
	var hdrBuf [headerPeekSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	ver := binary.BigEndian.Uint16(hdrBuf[0:2])
	code := binary.BigEndian.Uint16(hdrBuf[2:4])
	if ver != usbip.Version {
		return fmt.Errorf("unsupported USB-IP version 0x%04x", ver)
	}

	switch code {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		m, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		return s.handleUrbStream(conn, m)
	}
	return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.getAllDeviceMetas()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m)
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (virtualbus.DeviceMeta, error) {
	var rest [busIDSize]byte
	if err := usbip.ReadExactly(conn, rest[:]); err != nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(bytes.TrimRight(rest[:], "\x00"))
	s.logger.Info("Import request", "busid", reqBus)

	var chosen *virtualbus.DeviceMeta
	for _, m := range s.getAllDeviceMetas() {
		if m.BusDevID() == reqBus {
			chosen = &m
			break
		}
	}
	if chosen == nil {
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
		_ = rep.Write(conn)
		return virtualbus.DeviceMeta{}, fmt.Errorf("no device matches busid %s", reqBus)
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := exportedDevice(*chosen)
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("write import reply failed: %w", err)
	}
	return *chosen, nil
}

func exportedDevice(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	desc := m.Dev.GetDescriptor()
	exp := usbip.ExportedDevice{
		ExportMeta:          m.Meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: usbConfigValueDefault,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

// getAllDeviceMetas aggregates device metas from all registered busses.
func (s *Server) getAllDeviceMetas() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.DeviceMeta{}
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

func (s *Server) handleUrbStream(conn net.Conn, m virtualbus.DeviceMeta) error {
	_ = conn.SetDeadline(time.Time{})
	dev := m.Dev

	bus := s.GetBus(m.Meta.BusId)
	if bus == nil {
		return fmt.Errorf("device does not belong to any bus")
	}
	ctx := bus.GetDeviceContext(dev)
	if ctx == nil {
		return fmt.Errorf("no device context available from bus")
	}
	logger := s.logger
	if meta := device.GetDeviceMeta(ctx); meta != nil {
		logger = logger.With("bus", meta.BusId, "dev", meta.DevId)
	}

	// Unblock the read below once the device goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		var hdr [usbip.URBHeaderSize]byte
		if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
			if ctx.Err() != nil {
				logger.Info("device removed, closing URB stream")
				return nil
			}
			return fmt.Errorf("read URB header: %w", err)
		}
		cmd, err := usbip.ParseCmdSubmit(hdr[:])
		if err != nil {
			return err
		}
		seq := cmd.Basic.Seqnum

		switch cmd.Basic.Command {
		case usbip.CmdUnlinkCode:
			unlinkSeq := binary.BigEndian.Uint32(hdr[urbHdrOffsetUnlink : urbHdrOffsetUnlink+4])
			logger.Debug("USBIP_CMD_UNLINK", "seq", seq, "unlink", unlinkSeq)
			// Transfers complete synchronously, so there is never anything to cancel.
			ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: seq}, Status: usbip.StatusConnReset}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}
			continue
		case usbip.CmdSubmitCode:
		default:
			return fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", cmd.Basic.Command, seq, cmd.Basic.Devid)
		}

		var outPayload []byte
		if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
			outPayload = make([]byte, cmd.TransferBufferLen)
			if err := usbip.ReadExactly(conn, outPayload); err != nil {
				return fmt.Errorf("read OUT payload: %w", err)
			}
		}

		status := usbip.StatusOK
		respData, err := s.processSubmit(dev, cmd.Basic.Ep, cmd.Basic.Dir, cmd.Setup[:], outPayload)
		if err != nil {
			if errors.Is(err, errStall) || errors.Is(err, usb.ErrNoHandler) {
				logger.Debug("Stalling request", "seq", seq, "ep", cmd.Basic.Ep, "error", err)
			} else {
				logger.Error("Transfer failed", "seq", seq, "ep", cmd.Basic.Ep, "error", err)
			}
			status = usbip.StatusStall
			respData = nil
		}

		actual := uint32(len(respData))
		if cmd.Basic.Dir == usbip.DirOut && status == usbip.StatusOK {
			actual = uint32(len(outPayload))
		}
		ret := usbip.RetSubmit{
			Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
			Status:       status,
			ActualLength: actual,
		}
		var out bytes.Buffer
		if err := ret.Write(&out); err != nil {
			return fmt.Errorf("build RET_SUBMIT header: %w", err)
		}
		if cmd.Basic.Dir == usbip.DirIn && len(respData) > 0 {
			out.Write(respData)
		}
		if _, err := conn.Write(out.Bytes()); err != nil {
			return fmt.Errorf("write RET_SUBMIT: %w", err)
		}
	}
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). Those are logged at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Fallback to checking the message for platform-specific strings.
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted")
}

// processSubmit routes a submitted URB. Non-zero endpoints go straight to the
// device; EP0 answers standard enumeration requests and forwards class
// requests to the device.
func (s *Server) processSubmit(dev usb.Device, ep uint32, dir uint32, rawSetup []byte, out []byte) ([]byte, error) {
	if ep != 0 {
		return dev.HandleTransfer(ep, dir, out)
	}
	setup, err := usb.ParseSetupPacket(rawSetup)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch setup.Type() {
	case usb.RequestTypeStandard:
		data, err = standardRequest(dev.GetDescriptor(), setup)
	case usb.RequestTypeClass:
		h, ok := dev.(usb.ClassRequestHandler)
		if !ok {
			return nil, fmt.Errorf("class request 0x%02x: %w", setup.Request, errStall)
		}
		data, err = h.HandleClassRequest(setup, out)
	default:
		return nil, fmt.Errorf("request type 0x%02x: %w", setup.RequestType, errStall)
	}
	if err != nil {
		return nil, err
	}
	if !setup.IsDeviceToHost() {
		return nil, nil
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	return data, nil
}

// standardRequest answers the chapter 9 requests a host issues while
// enumerating the device.
func standardRequest(desc *usb.Descriptor, setup usb.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case usbReqSetAddress, usbReqSetConfiguration, usbReqSetInterface,
		usbReqClearFeature, usbReqSetFeature:
		return nil, nil
	case usbReqGetStatus:
		return []byte{0x00, 0x00}, nil
	case usbReqGetConfiguration:
		return []byte{usbConfigValueDefault}, nil
	case usbReqGetInterface:
		return []byte{0x00}, nil
	case usbReqGetDescriptor:
		dtype := uint8(setup.Value >> 8)
		dindex := uint8(setup.Value & 0xff)
		var data []byte
		switch dtype {
		case usbDescTypeDevice:
			data = desc.Bytes()
		case usbDescTypeConfiguration:
			data = buildConfigDescriptor(desc)
		case usbDescTypeString:
			if dindex == 0 {
				data = usb.EncodeLangIDDescriptor(usb.LangIDEnglishUS)
			} else if str, ok := desc.Strings[dindex]; ok {
				data = usb.EncodeStringDescriptor(str)
			}
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("descriptor 0x%02x/%d: %w", dtype, dindex, errStall)
		}
		return data, nil
	}
	return nil, fmt.Errorf("standard request 0x%02x: %w", setup.Request, errStall)
}

// buildConfigDescriptor builds a configuration descriptor for the device.
func buildConfigDescriptor(desc *usb.Descriptor) []byte {
	var b bytes.Buffer
	h := usb.ConfigHeader{
		WTotalLength:        0, // to be patched
		BNumInterfaces:      uint8(len(desc.Interfaces)),
		BConfigurationValue: usbConfigValueDefault,
		IConfiguration:      desc.IConfiguration,
		BMAttributes:        usbConfigAttrBusPowered,
		BMaxPower:           usbConfigMaxPower100mA,
	}
	h.Write(&b)
	for _, iface := range desc.Interfaces {
		iface.Descriptor.Write(&b)
		if len(iface.ClassData) > 0 {
			b.Write(iface.ClassData)
		}
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}

	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}
