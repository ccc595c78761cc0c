package coordinator

import (
	"context"
	"fmt"

	"tz01-bridge/internal/ncp"
	"tz01-bridge/internal/zcl"
	"tz01-bridge/internal/zcl/clusters"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16      `json:"attr_id"`
	AttrName string      `json:"attr_name"`
	TypeID   uint8       `json:"type_id"`
	TypeName string      `json:"type_name"`
	Value    interface{} `json:"value"`
	Status   uint8       `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// ReadAttributes reads attributes from a device endpoint/cluster.
func (c *Coordinator) ReadAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	responses, err := c.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		AttrIDs:   attrIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	var results []AttributeResult
	for _, r := range responses {
		result := AttributeResult{
			AttrID:   r.AttrID,
			Status:   r.Status,
			TypeID:   r.DataType,
			TypeName: zcl.TypeName(r.DataType),
			AttrName: c.attributeName(clusterID, r.AttrID),
		}
		if r.Status != zcl.StatusSuccess {
			result.Error = zcl.StatusName(r.Status)
		} else if len(r.Value) > 0 {
			val, _, err := zcl.DecodeValue(r.DataType, r.Value)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Value = val
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// readIdentity reads the Basic cluster manufacturer name and model identifier.
func (c *Coordinator) readIdentity(ctx context.Context, shortAddr uint16) (manufacturer, model string, err error) {
	results, err := c.ReadAttributes(ctx, shortAddr, zcl.DefaultEndpoint, clusters.BasicID,
		[]uint16{clusters.AttrManufacturerName, clusters.AttrModelIdentifier})
	if err != nil {
		return "", "", err
	}
	for _, r := range results {
		s, ok := r.Value.(string)
		if !ok {
			continue
		}
		switch r.AttrID {
		case clusters.AttrManufacturerName:
			manufacturer = s
		case clusters.AttrModelIdentifier:
			model = s
		}
	}
	return manufacturer, model, nil
}

func (c *Coordinator) clusterName(clusterID uint16) string {
	if cluster := c.registry.Get(clusterID); cluster != nil {
		return cluster.Name
	}
	return fmt.Sprintf("0x%04X", clusterID)
}

func (c *Coordinator) attributeName(clusterID, attrID uint16) string {
	if attr, ok := c.registry.Attribute(clusterID, attrID); ok {
		return attr.Name
	}
	return fmt.Sprintf("0x%04X", attrID)
}
