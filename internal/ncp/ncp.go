// Package ncp talks to the Zigbee network co-processor that owns the radio.
package ncp

import (
	"context"

	"tz01-bridge/internal/zcl"
)

// NCP is the transport the coordinator drives.
type NCP interface {
	Reset(ctx context.Context) error
	Init(ctx context.Context) error
	// StartNetwork resumes the network stored in the NCP's NVRAM.
	StartNetwork(ctx context.Context) error
	PermitJoin(ctx context.Context, duration uint8) error
	GetLocalIEEE(ctx context.Context) ([8]byte, error)

	Bind(ctx context.Context, req BindRequest) error
	ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]zcl.AttributeRecord, error)
	ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error

	OnDeviceAnnounce(handler func(DeviceAnnounceEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnAttributeReport(handler func(AttributeReportEvent))

	Close() error
}

// Info holds firmware and stack versions reported by the NCP.
type Info struct {
	FWVersion       uint32
	StackVersion    string
	ProtocolVersion uint32
}

// InfoProvider is implemented by transports that report firmware versions.
type InfoProvider interface {
	Info() Info
}

// BindRequest is a ZDO bind request sent to TargetShortAddr.
type BindRequest struct {
	TargetShortAddr uint16
	SrcIEEE         [8]byte
	SrcEP           uint8
	ClusterID       uint16
	DstIEEE         [8]byte
	DstEP           uint8
}

// ReadAttributesRequest specifies which attributes to read.
type ReadAttributesRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	AttrIDs   []uint16
}

// ConfigureReportingRequest configures reporting for attributes of one cluster.
type ConfigureReportingRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	Records   []zcl.ReportingRecord
}

// DeviceAnnounceEvent is emitted when a device joins or rejoins.
type DeviceAnnounceEvent struct {
	ShortAddr  uint16
	IEEEAddr   [8]byte
	Capability uint8
}

// DeviceLeftEvent is emitted when a device leaves. ShortAddr may be zero.
type DeviceLeftEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// AttributeReportEvent is one attribute carried in a Report Attributes frame.
type AttributeReportEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	AttrID    uint16
	DataType  uint8
	Value     []byte
	LQI       uint8
	RSSI      int8
}
