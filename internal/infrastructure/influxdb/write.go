package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementAttributeValues  = "attribute_values"
	MeasurementConnectionStatus = "connection_status"
)

// WriteAttributeValue records one attribute value.
//
// Numbers are stored in the "value" field as floats and booleans as bools;
// anything else is stored as its string form in "value_text", so one
// attribute never mixes field types.
//
//	client.WriteAttributeValue("lamp-1", "brightness", "bus", 42.5, time.Now())
func (c *Client) WriteAttributeValue(assetID, attribute, source string, value any, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementAttributeValues,
		map[string]string{
			"asset_id":  assetID,
			"attribute": attribute,
			"source":    source,
		},
		attributeFields(value),
		at,
	))
}

// WriteConnectionStatus records a configuration status transition.
func (c *Client) WriteConnectionStatus(configID, status string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementConnectionStatus,
		map[string]string{"configuration_id": configID},
		map[string]any{"status": status},
		at,
	))
}

func attributeFields(value any) map[string]any {
	switch v := value.(type) {
	case bool:
		return map[string]any{"value": v}
	case float64:
		return map[string]any{"value": v}
	case float32:
		return map[string]any{"value": float64(v)}
	case int:
		return map[string]any{"value": float64(v)}
	case int8:
		return map[string]any{"value": float64(v)}
	case int16:
		return map[string]any{"value": float64(v)}
	case int32:
		return map[string]any{"value": float64(v)}
	case int64:
		return map[string]any{"value": float64(v)}
	case uint:
		return map[string]any{"value": float64(v)}
	case uint8:
		return map[string]any{"value": float64(v)}
	case uint16:
		return map[string]any{"value": float64(v)}
	case uint32:
		return map[string]any{"value": float64(v)}
	case uint64:
		return map[string]any{"value": float64(v)}
	case string:
		return map[string]any{"value_text": v}
	default:
		return map[string]any{"value_text": fmt.Sprint(v)}
	}
}
