package coordinator

import (
	"context"
	"fmt"

	"tz01-bridge/internal/ncp"
	"tz01-bridge/internal/zcl"
)

// bindToCoordinator binds a cluster on a device endpoint to the
// coordinator's endpoint so the device sends its reports to the bridge.
func (c *Coordinator) bindToCoordinator(ctx context.Context, shortAddr uint16, devIEEE [8]byte, endpoint uint8, clusterID uint16) error {
	err := c.ncp.Bind(ctx, ncp.BindRequest{
		TargetShortAddr: shortAddr,
		SrcIEEE:         devIEEE,
		SrcEP:           endpoint,
		ClusterID:       clusterID,
		DstIEEE:         c.LocalIEEE(),
		DstEP:           zcl.DefaultEndpoint,
	})
	if err != nil {
		return fmt.Errorf("bind 0x%04X: %w", clusterID, err)
	}
	return nil
}

// maxReportInterval is the longest interval a Configure Reporting record can
// carry. 0xFFFF on the wire disables periodic reports instead.
const maxReportInterval = 0xFFFE

// wireInterval narrows an interval in seconds to the 16-bit ZCL field,
// clamping to maxReportInterval. It reports whether it clamped.
func wireInterval(seconds uint32) (uint16, bool) {
	if seconds > maxReportInterval {
		return maxReportInterval, true
	}
	return uint16(seconds), false
}

// reportingRecord builds the Configure Reporting record for one attribute,
// encoding the reportable change in the attribute's own type.
func (c *Coordinator) reportingRecord(clusterID, attrID uint16, minInterval, maxInterval, change uint32) (zcl.ReportingRecord, error) {
	attr, ok := c.registry.Attribute(clusterID, attrID)
	if !ok {
		return zcl.ReportingRecord{}, fmt.Errorf("unknown attribute 0x%04X/0x%04X", clusterID, attrID)
	}
	minWire, minClamped := wireInterval(minInterval)
	maxWire, maxClamped := wireInterval(maxInterval)
	if minClamped || maxClamped {
		c.logger.Warn("reporting interval clamped", "cluster", c.clusterName(clusterID), "attr", attr.Name,
			"min", minInterval, "max", maxInterval, "min_sent", minWire, "max_sent", maxWire)
	}
	rec := zcl.ReportingRecord{
		AttrID:      attrID,
		DataType:    attr.Type,
		MinInterval: minWire,
		MaxInterval: maxWire,
	}
	if zcl.IsAnalog(attr.Type) {
		b, err := zcl.EncodeValue(attr.Type, int64(change))
		if err != nil {
			return zcl.ReportingRecord{}, fmt.Errorf("encode change for %s: %w", attr.Name, err)
		}
		rec.ReportChange = b
	}
	return rec, nil
}

func ncpConfigureRequest(shortAddr uint16, t clusterTarget, records []zcl.ReportingRecord) ncp.ConfigureReportingRequest {
	return ncp.ConfigureReportingRequest{
		DstAddr:   shortAddr,
		DstEP:     t.endpoint,
		ClusterID: t.cluster,
		Records:   records,
	}
}
