package ncp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
)

func TestCRC8(t *testing.T) {
	// init=0xFF, xorout=0xFF, no data
	if got := zbossCRC8(nil); got != 0x00 {
		t.Errorf("CRC8(nil) = 0x%02X, want 0x00", got)
	}
	a := zbossCRC8([]byte{0x05, 0x00, 0x06, 0x01})
	b := zbossCRC8([]byte{0x05, 0x00, 0x06, 0x11})
	if a == b {
		t.Error("CRC8 did not change with flags")
	}
}

func TestCRC16(t *testing.T) {
	// CRC-16/KERMIT check value for "123456789".
	if got := zbossCRC16([]byte("123456789")); got != 0x2189 {
		t.Errorf("CRC16 = 0x%04X, want 0x2189", got)
	}
	if got := zbossCRC16(nil); got != 0 {
		t.Errorf("CRC16(nil) = 0x%04X, want 0", got)
	}
}

func TestEncodeDecodeRequest(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	raw := zbossEncodeRequest(zbossCmdAPSDEDataReq, 42, 2, payload)

	f, err := zbossDecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.HL.PacketType != zbossHLRequest || f.HL.CallID != zbossCmdAPSDEDataReq || f.HL.TSN != 42 {
		t.Errorf("HL = %+v", f.HL)
	}
	if zbossLLPktSeq(f.LL.Flags) != 2 {
		t.Errorf("pkt seq = %d, want 2", zbossLLPktSeq(f.LL.Flags))
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %X, want %X", f.Payload, payload)
	}
}

func TestEncodeDecodeACK(t *testing.T) {
	f, err := zbossDecodeFrame(zbossEncodeACK(3))
	if err != nil {
		t.Fatal(err)
	}
	if !zbossLLIsACK(f.LL.Flags) || zbossLLAckSeq(f.LL.Flags) != 3 {
		t.Errorf("flags = 0x%02X", f.LL.Flags)
	}
}

func TestDecodeResponse(t *testing.T) {
	hl := []byte{zbossHLVersion, zbossHLResponse, 0x0B, 0x00, 7, 0x00, 0x00, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}
	f, err := zbossDecodeFrame(zbossEncodeDataFrame(1, hl))
	if err != nil {
		t.Fatal(err)
	}
	if f.HL.CallID != zbossCmdGetLocalIEEE || f.HL.TSN != 7 {
		t.Errorf("HL = %+v", f.HL)
	}
	if len(f.Payload) != 9 {
		t.Errorf("payload len = %d, want 9", len(f.Payload))
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	good := zbossEncodeRequest(zbossCmdGetModuleVersion, 1, 1, nil)

	badSig := append([]byte(nil), good...)
	badSig[0] = 0x00
	badHdr := append([]byte(nil), good...)
	badHdr[6] ^= 0xFF
	badBody := append([]byte(nil), good...)
	badBody[len(badBody)-1] ^= 0xFF

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:4]},
		{"signature", badSig},
		{"header crc", badHdr},
		{"body crc", badBody},
		{"truncated", good[:len(good)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := zbossDecodeFrame(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadZBOSSFrame(t *testing.T) {
	first := zbossEncodeRequest(zbossCmdGetModuleVersion, 1, 1, nil)
	second := zbossEncodeACK(1)
	stream := append([]byte{0x00, 0xDE, 0x11, 0xFF}, first...)
	stream = append(stream, second...)

	r := bufio.NewReader(bytes.NewReader(stream))
	got, err := readZBOSSFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("first frame = %X, want %X", got, first)
	}
	got, err = readZBOSSFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("second frame = %X, want %X", got, second)
	}
	if _, err := readZBOSSFrame(r); err == nil {
		t.Error("expected EOF")
	}
}

func TestBuildAPSDEDataReq(t *testing.T) {
	zclFrame := []byte{0x10, 0x01, 0x00, 0x04, 0x00}
	buf := buildAPSDEDataReq(0x1234, 1, 1, 0x0000, 0x0104, 30, zclFrame)

	if buf[0] != 21 {
		t.Errorf("param_len = %d, want 21", buf[0])
	}
	if binary.LittleEndian.Uint16(buf[1:3]) != uint16(len(zclFrame)) {
		t.Error("data_len mismatch")
	}
	if binary.LittleEndian.Uint16(buf[3:5]) != 0x1234 {
		t.Error("dst addr mismatch")
	}
	if binary.LittleEndian.Uint16(buf[11:13]) != 0x0104 {
		t.Error("profile mismatch")
	}
	if buf[18] != zbossAddrModeShort {
		t.Errorf("addr mode = %d", buf[18])
	}
	if !bytes.Equal(buf[24:], zclFrame) {
		t.Error("zcl frame mismatch")
	}
}

// apsDataIndPayload builds an APSDE_DATA_IND payload as the NCP sends it.
func apsDataIndPayload(srcAddr uint16, srcEP uint8, cluster uint16, lqi uint8, data []byte) []byte {
	buf := make([]byte, 24+len(data))
	buf[0] = 21
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	binary.LittleEndian.PutUint16(buf[4:6], srcAddr)
	buf[10] = 1
	buf[11] = srcEP
	binary.LittleEndian.PutUint16(buf[12:14], cluster)
	binary.LittleEndian.PutUint16(buf[14:16], 0x0104)
	buf[21] = lqi
	buf[22] = 0xC4 // -60 dBm
	copy(buf[24:], data)
	return buf
}

func TestParseAPSDEDataInd(t *testing.T) {
	data := []byte{0x18, 0x01, 0x0A, 0x00, 0x00, 0x29, 0x67, 0x08}
	ind, err := parseAPSDEDataInd(apsDataIndPayload(0xBEEF, 1, 0x0402, 180, data))
	if err != nil {
		t.Fatal(err)
	}
	if ind.SrcAddr != 0xBEEF || ind.SrcEP != 1 || ind.ClusterID != 0x0402 || ind.LQI != 180 || ind.RSSI != -60 {
		t.Errorf("ind = %+v", ind)
	}
	if !bytes.Equal(ind.Data, data) {
		t.Errorf("data = %X", ind.Data)
	}

	if _, err := parseAPSDEDataInd(make([]byte, 10)); err == nil {
		t.Error("expected error for short payload")
	}
}
