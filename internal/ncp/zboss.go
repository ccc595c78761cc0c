package ncp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"tz01-bridge/internal/zcl"
)

const (
	llACKTimeout = 500 * time.Millisecond
	llMaxRetries = 3
	apsRadius    = 30
)

var errClosed = errors.New("ncp closed")

// ZBOSS implements NCP for a ZBOSS-based co-processor (nRF52840) on a serial
// port.
type ZBOSS struct {
	open   func() (io.ReadWriteCloser, error)
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	// HL request/response, keyed by TSN.
	hlTSN     atomic.Uint32
	hlPending map[uint8]chan *zbossFrame
	hlMu      sync.Mutex

	// LL packet sequence (1..3) and received ACKs.
	llPktSeq uint8
	llSeqMu  sync.Mutex
	llAckCh  chan uint8
	writeMu  sync.Mutex

	// ZCL responses, keyed by ZCL sequence number.
	zclSeq     atomic.Uint32
	zclPending map[uint8]chan []byte
	zclMu      sync.Mutex

	handlerMu  sync.RWMutex
	onAnnounce func(DeviceAnnounceEvent)
	onLeft     func(DeviceLeftEvent)
	onReport   func(AttributeReportEvent)

	resetIndCh chan struct{}
	info       Info

	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// OpenZBOSS opens the serial port and starts the read loop.
func OpenZBOSS(portName string, baudRate int, logger *slog.Logger) (*ZBOSS, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	open := func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, err
		}
		// USB CDC ACM: the NCP firmware waits for DTR/RTS.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("zboss ncp: open %s: %w", portName, err)
	}
	return newZBOSS(port, open, logger), nil
}

func newZBOSS(port io.ReadWriteCloser, open func() (io.ReadWriteCloser, error), logger *slog.Logger) *ZBOSS {
	n := &ZBOSS{
		open:       open,
		port:       port,
		reader:     bufio.NewReader(port),
		logger:     logger.With("component", "ncp"),
		hlPending:  make(map[uint8]chan *zbossFrame),
		zclPending: make(map[uint8]chan []byte),
		llAckCh:    make(chan uint8, 4),
		resetIndCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.readLoop()
	return n
}

func (n *ZBOSS) nextTSN() uint8 {
	return uint8(n.hlTSN.Add(1))
}

func (n *ZBOSS) nextZCLSeq() uint8 {
	return uint8(n.zclSeq.Add(1))
}

// nextPktSeq cycles 1, 2, 3, 1, ...
func (n *ZBOSS) nextPktSeq() uint8 {
	n.llSeqMu.Lock()
	defer n.llSeqMu.Unlock()
	n.llPktSeq = n.llPktSeq%3 + 1
	return n.llPktSeq
}

// request sends an HL request and waits for its response.
func (n *ZBOSS) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	tsn := n.nextTSN()
	ch := make(chan *zbossFrame, 1)
	n.hlMu.Lock()
	n.hlPending[tsn] = ch
	n.hlMu.Unlock()
	defer func() {
		n.hlMu.Lock()
		delete(n.hlPending, tsn)
		n.hlMu.Unlock()
	}()

	cmd := zbossCmdName(callID)
	pktSeq := n.nextPktSeq()
	if err := n.writeWithACK(ctx, zbossEncodeRequest(callID, tsn, pktSeq, payload), pktSeq); err != nil {
		return nil, fmt.Errorf("zboss write %s: %w", cmd, err)
	}
	n.logger.Debug("zboss TX", "cmd", cmd, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("zboss %s: request cancelled by reset", cmd)
		}
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if resp.HL.StatusCat != 0 || resp.HL.StatusCode != 0 {
			n.logger.Warn("zboss RX", "cmd", cmd, "tsn", tsn, "status", status)
			return resp, fmt.Errorf("zboss %s: %s", cmd, status)
		}
		n.logger.Debug("zboss RX", "cmd", cmd, "tsn", tsn, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		n.logger.Warn("zboss timeout", "cmd", cmd, "tsn", tsn, "err", ctx.Err())
		return nil, ctx.Err()
	case <-n.doneCh():
		return nil, errClosed
	}
}

// writeWithACK writes a frame and waits for the matching LL ACK, retrying
// on timeout.
func (n *ZBOSS) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	ackCh, done := n.ackCh(), n.doneCh()
	for attempt := 0; attempt <= llMaxRetries; attempt++ {
		if err := n.write(frame); err != nil {
			return err
		}
		timer := time.NewTimer(llACKTimeout)
	wait:
		for {
			select {
			case seq := <-ackCh:
				if seq == pktSeq {
					timer.Stop()
					return nil
				}
				n.logger.Debug("zboss stale ACK drained", "got", seq, "want", pktSeq)
			case <-timer.C:
				n.logger.Warn("zboss ACK timeout", "attempt", attempt+1, "pkt_seq", pktSeq)
				break wait
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-done:
				timer.Stop()
				return errClosed
			}
		}
	}
	return fmt.Errorf("zboss ACK timeout after %d attempts", llMaxRetries+1)
}

func (n *ZBOSS) write(frame []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.lifecycleMu.Lock()
	port := n.port
	n.lifecycleMu.Unlock()
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (n *ZBOSS) doneCh() chan struct{} {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.done
}

func (n *ZBOSS) ackCh() chan uint8 {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.llAckCh
}

func (n *ZBOSS) readLoop() {
	defer n.wg.Done()

	n.lifecycleMu.Lock()
	reader, done, ackCh := n.reader, n.done, n.llAckCh
	n.lifecycleMu.Unlock()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		raw, err := readZBOSSFrame(reader)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				n.logger.Error("zboss read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			n.logger.Warn("zboss decode error", "err", err)
			continue
		}
		if zbossLLIsACK(frame.LL.Flags) {
			select {
			case ackCh <- zbossLLAckSeq(frame.LL.Flags):
			default:
			}
			continue
		}
		if err := n.write(zbossEncodeACK(zbossLLPktSeq(frame.LL.Flags))); err != nil {
			n.logger.Error("zboss send ACK failed", "err", err)
		}

		switch frame.HL.PacketType {
		case zbossHLResponse:
			n.hlMu.Lock()
			ch, ok := n.hlPending[frame.HL.TSN]
			n.hlMu.Unlock()
			if !ok {
				n.logger.Warn("zboss orphaned response", "cmd", zbossCmdName(frame.HL.CallID), "tsn", frame.HL.TSN)
				continue
			}
			select {
			case ch <- frame:
			default:
			}
		case zbossHLIndication:
			n.handleIndication(frame)
		}
	}
}

func (n *ZBOSS) handleIndication(f *zbossFrame) {
	n.handlerMu.RLock()
	onAnnounce, onLeft, onReport := n.onAnnounce, n.onLeft, n.onReport
	n.handlerMu.RUnlock()

	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// nwk_addr(2) + ieee(8) + capability(1)
		if len(f.Payload) < 11 || onAnnounce == nil {
			return
		}
		evt := DeviceAnnounceEvent{
			ShortAddr:  binary.LittleEndian.Uint16(f.Payload[0:2]),
			Capability: f.Payload[10],
		}
		copy(evt.IEEEAddr[:], f.Payload[2:10])
		onAnnounce(evt)

	case zbossCmdZDODevUpdateInd:
		// ieee(8) + nwk_addr(2) + status(1)
		if len(f.Payload) < 11 {
			return
		}
		var ieee [8]byte
		copy(ieee[:], f.Payload[0:8])
		short := binary.LittleEndian.Uint16(f.Payload[8:10])
		status := f.Payload[10]
		n.logger.Info("device update", "ieee", fmt.Sprintf("%016X", ieee), "short", fmt.Sprintf("0x%04X", short), "status", status)
		if status == zbossDevUpdateLeft && onLeft != nil {
			onLeft(DeviceLeftEvent{ShortAddr: short, IEEEAddr: ieee})
		}

	case zbossCmdNwkLeaveInd:
		// ieee(8) + rejoin(1)
		if len(f.Payload) < 8 {
			return
		}
		var ieee [8]byte
		copy(ieee[:], f.Payload[0:8])
		rejoin := len(f.Payload) >= 9 && f.Payload[8] != 0
		n.logger.Info("device leave", "ieee", fmt.Sprintf("%016X", ieee), "rejoin", rejoin)
		if !rejoin && onLeft != nil {
			onLeft(DeviceLeftEvent{IEEEAddr: ieee})
		}

	case zbossCmdAPSDEDataInd:
		n.handleAPSDEDataInd(f.Payload, onReport)

	case zbossCmdNCPResetInd:
		n.logger.Warn("NCP reset indication")
		n.lifecycleMu.Lock()
		ch := n.resetIndCh
		n.lifecycleMu.Unlock()
		select {
		case ch <- struct{}{}:
		default:
		}

	default:
		n.logger.Debug("zboss unhandled indication", "cmd", zbossCmdName(f.HL.CallID), "payload", fmt.Sprintf("%X", f.Payload))
	}
}

func (n *ZBOSS) handleAPSDEDataInd(payload []byte, onReport func(AttributeReportEvent)) {
	ind, err := parseAPSDEDataInd(payload)
	if err != nil {
		n.logger.Debug("drop APS indication", "err", err)
		return
	}
	hdr, records, err := zcl.ParseHeader(ind.Data)
	if err != nil {
		n.logger.Debug("drop ZCL frame", "short", fmt.Sprintf("0x%04X", ind.SrcAddr), "err", err)
		return
	}
	if !hdr.IsGlobal() {
		n.logger.Debug("cluster command ignored",
			"short", fmt.Sprintf("0x%04X", ind.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", ind.ClusterID),
			"cmd", hdr.Command)
		return
	}

	switch hdr.Command {
	case zcl.CmdReadAttributesResponse, zcl.CmdConfigReportingResp:
		n.zclMu.Lock()
		ch, ok := n.zclPending[hdr.Seq]
		n.zclMu.Unlock()
		if ok {
			select {
			case ch <- append([]byte(nil), records...):
			default:
			}
		}

	case zcl.CmdReportAttributes:
		if onReport == nil {
			return
		}
		for _, rec := range zcl.ParseReportAttributes(records) {
			onReport(AttributeReportEvent{
				SrcAddr:   ind.SrcAddr,
				SrcEP:     ind.SrcEP,
				ClusterID: ind.ClusterID,
				AttrID:    rec.AttrID,
				DataType:  rec.DataType,
				Value:     rec.Value,
				LQI:       ind.LQI,
				RSSI:      ind.RSSI,
			})
		}
	}
}

// zclRequest sends a ZCL frame and waits for the response carrying the same
// sequence number.
func (n *ZBOSS) zclRequest(ctx context.Context, dstAddr uint16, dstEP uint8, clusterID uint16, seq uint8, frame []byte) ([]byte, error) {
	ch := make(chan []byte, 1)
	n.zclMu.Lock()
	n.zclPending[seq] = ch
	n.zclMu.Unlock()
	defer func() {
		n.zclMu.Lock()
		delete(n.zclPending, seq)
		n.zclMu.Unlock()
	}()

	aps := buildAPSDEDataReq(dstAddr, dstEP, zcl.DefaultEndpoint, clusterID, zcl.ProfileHA, apsRadius, frame)
	if _, err := n.request(ctx, zbossCmdAPSDEDataReq, aps); err != nil {
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("zcl request cancelled by reset")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.doneCh():
		return nil, errClosed
	}
}

// NCP reset options
const (
	zbossResetNoOption uint8 = 0x00
)

// Reset reboots the NCP. The nRF52840 re-enumerates on USB after a reset, so
// the port is closed and reopened.
func (n *ZBOSS) Reset(ctx context.Context) error {
	// After a process restart the NCP's expected LL sequence is unknown;
	// only the matching copy is accepted.
	tsn := n.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		_ = n.write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{zbossResetNoOption}))
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	n.logger.Info("NCP reset sent, waiting for reconnect")
	n.stopReader()

	for attempt := 1; attempt <= 30; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		port, err := n.open()
		if err != nil {
			n.logger.Debug("waiting for NCP", "attempt", attempt, "err", err)
			continue
		}
		n.resetState(port)

		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = n.request(probeCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err == nil {
			n.lifecycleMu.Lock()
			resetInd := n.resetIndCh
			n.lifecycleMu.Unlock()
			select {
			case <-resetInd:
				n.logger.Info("NCP ready", "attempts", attempt)
			case <-time.After(3 * time.Second):
				n.logger.Warn("NCP reset indication not received, proceeding")
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		n.logger.Debug("NCP not ready yet", "attempt", attempt, "err", err)
		n.stopReader()
	}
	return fmt.Errorf("NCP did not recover after reset")
}

// stopReader closes the port and waits for the read loop to exit.
func (n *ZBOSS) stopReader() {
	n.lifecycleMu.Lock()
	n.closeOnce.Do(func() { close(n.done) })
	n.port.Close()
	n.lifecycleMu.Unlock()
	n.wg.Wait()
}

// resetState installs a new port and restarts the read loop. The previous
// read loop must have exited.
func (n *ZBOSS) resetState(port io.ReadWriteCloser) {
	n.lifecycleMu.Lock()
	n.port = port
	n.reader = bufio.NewReader(port)
	n.done = make(chan struct{})
	n.llAckCh = make(chan uint8, 4)
	n.resetIndCh = make(chan struct{}, 1)
	n.closeOnce = sync.Once{}
	n.lifecycleMu.Unlock()

	n.cancelPending()

	n.llSeqMu.Lock()
	n.llPktSeq = 0
	n.llSeqMu.Unlock()
	n.hlTSN.Store(0)
	n.zclSeq.Store(0)

	n.wg.Add(1)
	go n.readLoop()
}

func (n *ZBOSS) cancelPending() {
	n.hlMu.Lock()
	for tsn, ch := range n.hlPending {
		close(ch)
		delete(n.hlPending, tsn)
	}
	n.hlMu.Unlock()

	n.zclMu.Lock()
	for seq, ch := range n.zclPending {
		close(ch)
		delete(n.zclPending, seq)
	}
	n.zclMu.Unlock()
}

// Init reads the module version.
func (n *ZBOSS) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return fmt.Errorf("get module version: %w", err)
	}
	if len(resp.Payload) >= 12 {
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		n.info = Info{
			FWVersion:       binary.LittleEndian.Uint32(resp.Payload[0:4]),
			StackVersion:    fmt.Sprintf("%d.%d.%d.%d", stack>>24&0xFF, stack>>16&0xFF, stack>>8&0xFF, stack&0xFF),
			ProtocolVersion: binary.LittleEndian.Uint32(resp.Payload[8:12]),
		}
		n.logger.Info("NCP module version", "fw", n.info.FWVersion, "stack", n.info.StackVersion, "protocol", n.info.ProtocolVersion)
	}
	return nil
}

var _ InfoProvider = (*ZBOSS)(nil)

// Info returns the version information read by Init.
func (n *ZBOSS) Info() Info {
	return n.info
}

// StartNetwork resumes the stored network and registers endpoint 1.
func (n *ZBOSS) StartNetwork(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	// ep(1) + profile(2) + device(2) + version(1) + in_count(1) + out_count(1)
	desc := []byte{zcl.DefaultEndpoint, 0, 0, 0x05, 0x00, 0, 0, 0}
	binary.LittleEndian.PutUint16(desc[1:3], zcl.ProfileHA)
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, desc); err != nil {
		return fmt.Errorf("register endpoint: %w", err)
	}
	return nil
}

func (n *ZBOSS) PermitJoin(ctx context.Context, duration uint8) error {
	// dest_short(2) + duration(1) + tc_significance(1)
	_, err := n.request(ctx, zbossCmdZDOPermitJoiningReq, []byte{0x00, 0x00, duration, 0x01})
	return err
}

func (n *ZBOSS) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	var ieee [8]byte
	resp, err := n.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return ieee, fmt.Errorf("get local ieee: %w", err)
	}
	// mac_interface(1) + ieee(8)
	if len(resp.Payload) < 9 {
		return ieee, fmt.Errorf("get local ieee: short response: %d bytes", len(resp.Payload))
	}
	copy(ieee[:], resp.Payload[1:9])
	return ieee, nil
}

func (n *ZBOSS) Bind(ctx context.Context, req BindRequest) error {
	// nwk_addr(2) + src_ieee(8) + src_ep(1) + cluster(2) + dst_mode(1) + dst_ieee(8) + dst_ep(1)
	buf := make([]byte, 23)
	binary.LittleEndian.PutUint16(buf[0:2], req.TargetShortAddr)
	copy(buf[2:10], req.SrcIEEE[:])
	buf[10] = req.SrcEP
	binary.LittleEndian.PutUint16(buf[11:13], req.ClusterID)
	buf[13] = zbossAddrModeIEEE
	copy(buf[14:22], req.DstIEEE[:])
	buf[22] = req.DstEP
	_, err := n.request(ctx, zbossCmdZDOBindReq, buf)
	return err
}

func (n *ZBOSS) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]zcl.AttributeRecord, error) {
	seq := n.nextZCLSeq()
	data, err := n.zclRequest(ctx, req.DstAddr, req.DstEP, req.ClusterID, seq, zcl.BuildReadAttributes(seq, req.AttrIDs))
	if err != nil {
		return nil, fmt.Errorf("read attributes 0x%04X: %w", req.ClusterID, err)
	}
	return zcl.ParseReadAttributesResponse(data), nil
}

func (n *ZBOSS) ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error {
	seq := n.nextZCLSeq()
	data, err := n.zclRequest(ctx, req.DstAddr, req.DstEP, req.ClusterID, seq, zcl.BuildConfigureReporting(seq, req.Records))
	if err != nil {
		return fmt.Errorf("configure reporting 0x%04X: %w", req.ClusterID, err)
	}
	if errs := zcl.ParseConfigureReportingResponse(data); len(errs) > 0 {
		return fmt.Errorf("configure reporting 0x%04X: %w", req.ClusterID, errors.Join(errs...))
	}
	return nil
}

func (n *ZBOSS) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onAnnounce = handler
}

func (n *ZBOSS) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onLeft = handler
}

func (n *ZBOSS) OnAttributeReport(handler func(AttributeReportEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onReport = handler
}

// Close stops the read loop and closes the port.
func (n *ZBOSS) Close() error {
	n.lifecycleMu.Lock()
	if n.closed {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeOnce.Do(func() { close(n.done) })
	err := n.port.Close()
	n.lifecycleMu.Unlock()

	n.wg.Wait()
	n.cancelPending()
	return err
}
