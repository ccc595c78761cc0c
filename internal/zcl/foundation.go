package zcl

import "fmt"

// Profile and endpoint used for every frame the bridge sends.
const (
	ProfileHA       uint16 = 0x0104
	DefaultEndpoint uint8  = 0x01
)

// Foundation (global) command IDs.
const (
	CmdReadAttributes         uint8 = 0x00
	CmdReadAttributesResponse uint8 = 0x01
	CmdConfigReporting        uint8 = 0x06
	CmdConfigReportingResp    uint8 = 0x07
	CmdReportAttributes       uint8 = 0x0A
	CmdDefaultResponse        uint8 = 0x0B
)

// Status codes
const (
	StatusSuccess         uint8 = 0x00
	StatusFailure         uint8 = 0x01
	StatusUnsupportedAttr uint8 = 0x86
	StatusInvalidValue    uint8 = 0x87
	StatusInvalidDataType uint8 = 0x8D
	StatusUnreportable    uint8 = 0x8C
)

// StatusError is a non-success ZCL status returned by a device.
type StatusError struct {
	AttrID uint16
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zcl: attribute 0x%04X: %s", e.AttrID, StatusName(e.Status))
}

// StatusName returns a readable name for a ZCL status code.
func StatusName(s uint8) string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusUnsupportedAttr:
		return "unsupported attribute"
	case StatusInvalidValue:
		return "invalid value"
	case StatusInvalidDataType:
		return "invalid data type"
	case StatusUnreportable:
		return "unreportable attribute"
	default:
		return fmt.Sprintf("status 0x%02X", s)
	}
}
