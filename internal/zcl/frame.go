package zcl

import (
	"encoding/binary"
	"fmt"
)

// Frame control bits
const (
	FrameTypeGlobal       uint8 = 0x00
	FrameTypeCluster      uint8 = 0x01
	FrameManufSpecific    uint8 = 0x04
	FrameServerToClient   uint8 = 0x08
	FrameDisableDefResp   uint8 = 0x10
	frameTypeMask         uint8 = 0x03
	directionServerToSend uint8 = 0x00
)

// Header is a parsed ZCL frame header.
type Header struct {
	FrameControl uint8
	ManufCode    uint16
	Seq          uint8
	Command      uint8
}

// IsGlobal reports whether the frame carries a foundation command.
func (h Header) IsGlobal() bool {
	return h.FrameControl&frameTypeMask == FrameTypeGlobal
}

// ParseHeader splits a ZCL frame into header and payload.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < 3 {
		return Header{}, nil, fmt.Errorf("zcl: frame too short: %d bytes", len(data))
	}
	h := Header{FrameControl: data[0]}
	pos := 1
	if h.FrameControl&FrameManufSpecific != 0 {
		if len(data) < 5 {
			return Header{}, nil, fmt.Errorf("zcl: manufacturer frame too short: %d bytes", len(data))
		}
		h.ManufCode = binary.LittleEndian.Uint16(data[1:3])
		pos = 3
	}
	h.Seq = data[pos]
	h.Command = data[pos+1]
	return h, data[pos+2:], nil
}

// BuildReadAttributes builds a Read Attributes frame.
func BuildReadAttributes(seq uint8, attrIDs []uint16) []byte {
	buf := make([]byte, 3+len(attrIDs)*2)
	buf[0] = FrameTypeGlobal | FrameDisableDefResp
	buf[1] = seq
	buf[2] = CmdReadAttributes
	for i, id := range attrIDs {
		binary.LittleEndian.PutUint16(buf[3+i*2:], id)
	}
	return buf
}

// ReportingRecord is one attribute reporting configuration record.
type ReportingRecord struct {
	AttrID       uint16
	DataType     uint8
	MinInterval  uint16
	MaxInterval  uint16
	ReportChange []byte // empty for discrete types
}

// BuildConfigureReporting builds a Configure Reporting frame.
func BuildConfigureReporting(seq uint8, records []ReportingRecord) []byte {
	buf := []byte{FrameTypeGlobal | FrameDisableDefResp, seq, CmdConfigReporting}
	for _, r := range records {
		buf = append(buf, directionServerToSend)
		buf = binary.LittleEndian.AppendUint16(buf, r.AttrID)
		buf = append(buf, r.DataType)
		buf = binary.LittleEndian.AppendUint16(buf, r.MinInterval)
		buf = binary.LittleEndian.AppendUint16(buf, r.MaxInterval)
		buf = append(buf, r.ReportChange...)
	}
	return buf
}

// AttributeRecord is one attribute value carried in a report or read response.
type AttributeRecord struct {
	AttrID   uint16
	Status   uint8
	DataType uint8
	Value    []byte // raw encoded value
}

// ParseReportAttributes parses the payload of a Report Attributes command.
// Parsing stops at the first record whose length cannot be determined.
func ParseReportAttributes(data []byte) []AttributeRecord {
	var out []AttributeRecord
	for len(data) >= 3 {
		rec := AttributeRecord{
			AttrID:   binary.LittleEndian.Uint16(data[:2]),
			DataType: data[2],
		}
		n, ok := valueLen(rec.DataType, data[3:])
		if !ok {
			return out
		}
		rec.Value = append([]byte(nil), data[3:3+n]...)
		out = append(out, rec)
		data = data[3+n:]
	}
	return out
}

// ParseReadAttributesResponse parses the payload of a Read Attributes Response.
func ParseReadAttributesResponse(data []byte) []AttributeRecord {
	var out []AttributeRecord
	for len(data) >= 3 {
		rec := AttributeRecord{
			AttrID: binary.LittleEndian.Uint16(data[:2]),
			Status: data[2],
		}
		data = data[3:]
		if rec.Status != StatusSuccess {
			out = append(out, rec)
			continue
		}
		if len(data) < 1 {
			return out
		}
		rec.DataType = data[0]
		n, ok := valueLen(rec.DataType, data[1:])
		if !ok {
			return append(out, rec)
		}
		rec.Value = append([]byte(nil), data[1:1+n]...)
		out = append(out, rec)
		data = data[1+n:]
	}
	return out
}

// ParseConfigureReportingResponse returns an error for every record that was
// rejected. A single success status means all records were accepted.
func ParseConfigureReportingResponse(data []byte) []error {
	if len(data) == 1 && data[0] == StatusSuccess {
		return nil
	}
	var errs []error
	for len(data) >= 4 {
		status := data[0]
		attrID := binary.LittleEndian.Uint16(data[2:4])
		if status != StatusSuccess {
			errs = append(errs, &StatusError{AttrID: attrID, Status: status})
		}
		data = data[4:]
	}
	if len(data) == 1 && data[0] != StatusSuccess {
		errs = append(errs, &StatusError{Status: data[0]})
	}
	return errs
}

func valueLen(t uint8, data []byte) (int, bool) {
	size := TypeSize(t)
	switch {
	case size >= 0:
		return size, len(data) >= size
	case size == SizeVariable:
		if len(data) < 1 {
			return 0, false
		}
		n := int(data[0])
		if n == 0xFF {
			return 1, true
		}
		return 1 + n, len(data) >= 1+n
	}
	return 0, false
}
