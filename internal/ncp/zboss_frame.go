package ncp

// ZBOSS NCP serial protocol: LL/HL frame codec, CRC8/CRC16, command IDs.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + len(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2
	zbossMaxFrameSize = 1024
)

// LL packet type; ACK vs data is carried in the flags.
const zbossLLType uint8 = 0x06

// LL flags
const (
	zbossFlagACK         = 0x01
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

// HL packet types
const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

// Call IDs used by the bridge.
const (
	zbossCmdGetModuleVersion    uint16 = 0x0001
	zbossCmdNCPReset            uint16 = 0x0002
	zbossCmdGetLocalIEEE        uint16 = 0x000B
	zbossCmdNCPResetInd         uint16 = 0x002B
	zbossCmdAFSetSimpleDesc     uint16 = 0x0101
	zbossCmdZDOBindReq          uint16 = 0x0208
	zbossCmdZDOPermitJoiningReq uint16 = 0x020B
	zbossCmdZDODevAnnceInd      uint16 = 0x020C
	zbossCmdZDODevUpdateInd     uint16 = 0x0215
	zbossCmdAPSDEDataReq        uint16 = 0x0301
	zbossCmdAPSDEDataInd        uint16 = 0x0306
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkStartWithoutForm uint16 = 0x041D
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:    "GetModuleVersion",
	zbossCmdNCPReset:            "NCPReset",
	zbossCmdGetLocalIEEE:        "GetLocalIEEE",
	zbossCmdNCPResetInd:         "NCPResetInd",
	zbossCmdAFSetSimpleDesc:     "AFSetSimpleDesc",
	zbossCmdZDOBindReq:          "ZDO_Bind",
	zbossCmdZDOPermitJoiningReq: "ZDO_PermitJoin",
	zbossCmdZDODevAnnceInd:      "ZDO_DevAnnce",
	zbossCmdZDODevUpdateInd:     "ZDO_DevUpdate",
	zbossCmdAPSDEDataReq:        "APSDE_DataReq",
	zbossCmdAPSDEDataInd:        "APSDE_DataInd",
	zbossCmdNwkLeaveInd:         "NwkLeaveInd",
	zbossCmdNwkStartWithoutForm: "NwkStartWithoutForm",
}

func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	catName := "Generic"
	switch cat {
	case 2:
		catName = "MAC"
	case 3:
		catName = "NWK"
	case 4:
		catName = "APS"
	case 5:
		catName = "ZDO"
	}
	return fmt.Sprintf("%s/%d(0x%02X)", catName, code, code)
}

// ZDO device update status values.
const (
	zbossDevUpdateSecureRejoin uint8 = 0x00
	zbossDevUpdateUnsecureJoin uint8 = 0x01
	zbossDevUpdateLeft         uint8 = 0x02
	zbossDevUpdateTCRejoin     uint8 = 0x03
)

// APS address modes
const (
	zbossAddrModeShort uint8 = 0x02
	zbossAddrModeIEEE  uint8 = 0x03
)

type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // request/response only
	StatusCat  uint8 // response only
	StatusCode uint8 // response only
}

type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

func zbossLLPktSeq(flags uint8) uint8 {
	return (flags >> zbossFlagPktSeqShift) & 0x03
}

func zbossLLAckSeq(flags uint8) uint8 {
	return (flags >> zbossFlagAckSeqShift) & 0x03
}

func zbossLLIsACK(flags uint8) bool {
	return flags&zbossFlagACK != 0
}

// CRC-8 (reflected poly 0xB2, init 0xFF, xorout 0xFF) over the LL header and
// CRC-16 (reflected poly 0x8408, init 0) over the HL body.
var (
	crc8Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = c8>>1 ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = c16>>1 ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

// zbossEncodeRequest builds a complete frame for an HL request.
func zbossEncodeRequest(callID uint16, tsn, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	copy(hl[5:], payload)
	return zbossEncodeDataFrame(pktSeq, hl)
}

// zbossEncodeDataFrame wraps HL data in an LL data frame.
func zbossEncodeDataFrame(pktSeq uint8, hl []byte) []byte {
	// size counts itself, type, flags, crc8 and the body.
	size := uint16(5 + zbossBodyCRCSize + len(hl))
	frame := make([]byte, 2+int(size))
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], size)
	frame[4] = zbossLLType
	frame[5] = zbossFlagFirstFrag | zbossFlagLastFrag | (pktSeq<<zbossFlagPktSeqShift)&zbossFlagPktSeqMask
	frame[6] = zbossCRC8(frame[2:6])
	binary.LittleEndian.PutUint16(frame[7:9], zbossCRC16(hl))
	copy(frame[9:], hl)
	return frame
}

// zbossEncodeACK builds an LL ACK frame.
func zbossEncodeACK(ackSeq uint8) []byte {
	frame := make([]byte, zbossLLHeaderSize)
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], 5)
	frame[4] = zbossLLType
	frame[5] = zbossFlagACK | (ackSeq<<zbossFlagAckSeqShift)&zbossFlagAckSeqMask
	frame[6] = zbossCRC8(frame[2:6])
	return frame
}

// readZBOSSFrame reads one raw frame, skipping bytes until the signature.
func readZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != zbossSig1 {
			continue
		}
		_, _ = r.ReadByte()

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
		if size < 5 || size > zbossMaxFrameSize {
			return nil, fmt.Errorf("zboss: bad frame size %d", size)
		}
		frame := make([]byte, 2+size)
		frame[0], frame[1] = zbossSig0, zbossSig1
		copy(frame[2:4], sizeBuf[:])
		if _, err := io.ReadFull(r, frame[4:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// zbossDecodeFrame parses a complete raw frame.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}
	size := binary.LittleEndian.Uint16(data[2:4])
	if got := zbossCRC8(data[2:6]); data[6] != got {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}
	if data[4] != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", data[4])
	}
	if int(size)+2 > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", size+2, len(data))
	}

	f := &zbossFrame{LL: zbossLLHeader{Length: size, Type: data[4], Flags: data[5]}}
	if zbossLLIsACK(f.LL.Flags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize : 2+size]
	if len(body) < zbossBodyCRCSize+4 {
		return nil, fmt.Errorf("zboss: body too short: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if want, got := binary.LittleEndian.Uint16(body[:2]), zbossCRC16(hl); want != got {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", want, got)
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])
	pos := 4
	switch f.HL.PacketType {
	case zbossHLRequest:
		if len(hl) < 5 {
			return nil, fmt.Errorf("zboss: request HL too short for TSN")
		}
		f.HL.TSN = hl[4]
		pos = 5
	case zbossHLResponse:
		if len(hl) < 7 {
			return nil, fmt.Errorf("zboss: response HL too short")
		}
		f.HL.TSN = hl[4]
		f.HL.StatusCat = hl[5]
		f.HL.StatusCode = hl[6]
		pos = 7
	case zbossHLIndication:
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}
	if pos < len(hl) {
		f.Payload = append([]byte(nil), hl[pos:]...)
	}
	return f, nil
}

// buildAPSDEDataReq builds the APSDE_DATA_REQ payload for a short address.
func buildAPSDEDataReq(dstAddr uint16, dstEP, srcEP uint8, clusterID, profileID uint16, radius uint8, apsData []byte) []byte {
	// param_len(1) + data_len(2) + dst_addr(8) + profile(2) + cluster(2) +
	// dst_ep(1) + src_ep(1) + radius(1) + addr_mode(1) + tx_options(1) +
	// use_alias(1) + alias_src(2) + alias_seq(1) + data
	const fixedLen = 24
	buf := make([]byte, fixedLen+len(apsData))
	buf[0] = fixedLen - 3
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(apsData)))
	binary.LittleEndian.PutUint16(buf[3:5], dstAddr)
	binary.LittleEndian.PutUint16(buf[11:13], profileID)
	binary.LittleEndian.PutUint16(buf[13:15], clusterID)
	buf[15] = dstEP
	buf[16] = srcEP
	buf[17] = radius
	buf[18] = zbossAddrModeShort
	buf[19] = 0x04 // APS ACK
	copy(buf[24:], apsData)
	return buf
}

// apsDataInd is the part of APSDE_DATA_IND the bridge uses.
type apsDataInd struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	LQI       uint8
	RSSI      int8
	Data      []byte
}

// parseAPSDEDataInd parses an APSDE_DATA_IND payload:
// param_len(1) + data_len(2) + aps_fc(1) + src_nwk(2) + dst_nwk(2) +
// group(2) + dst_ep(1) + src_ep(1) + cluster(2) + profile(2) +
// aps_counter(1) + src_mac(2) + dst_mac(2) + lqi(1) + rssi(1) + key_attr(1) + data
func parseAPSDEDataInd(payload []byte) (apsDataInd, error) {
	const hdrSize = 24
	if len(payload) < hdrSize+1 {
		return apsDataInd{}, fmt.Errorf("zboss: APSDE_DATA_IND too short: %d bytes", len(payload))
	}
	dataLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if dataLen == 0 || len(payload) < hdrSize+dataLen {
		return apsDataInd{}, fmt.Errorf("zboss: APSDE_DATA_IND data truncated: need %d, have %d", dataLen, len(payload)-hdrSize)
	}
	return apsDataInd{
		SrcAddr:   binary.LittleEndian.Uint16(payload[4:6]),
		SrcEP:     payload[11],
		ClusterID: binary.LittleEndian.Uint16(payload[12:14]),
		LQI:       payload[21],
		RSSI:      int8(payload[22]),
		Data:      payload[hdrSize : hdrSize+dataLen],
	}, nil
}
