package influxdb

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementAttribute = "tydom_attribute"
	measurementEnergy    = "tydom_energy"
)

// WriteAttribute records a numeric device attribute (position, level,
// temperature, battery) as it was merged into the registry.
//
// Example:
//
//	client.WriteAttribute("1_100", "shutter", "position", 50)
func (c *Client) WriteAttribute(uniqueID, kind, name string, value float64) {
	if !c.IsConnected() {
		return
	}
	if p := attributePoint(uniqueID, kind, name, value, time.Now()); p != nil {
		c.writer.WritePoint(p)
	}
}

// WriteEnergyReading records a synthesized energy reading, for example
// "energyIndex_ELEC_TOTAL" from a metering endpoint.
func (c *Client) WriteEnergyReading(uniqueID, reading string, value float64) {
	if !c.IsConnected() {
		return
	}
	if p := energyPoint(uniqueID, reading, value, time.Now()); p != nil {
		c.writer.WritePoint(p)
	}
}

// attributePoint builds an attribute point; non-finite values yield nil
// because line protocol cannot carry them.
func attributePoint(uniqueID, kind, name string, value float64, at time.Time) *write.Point {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	return write.NewPoint(
		measurementAttribute,
		map[string]string{
			"unique_id": uniqueID,
			"kind":      kind,
			"attribute": name,
		},
		map[string]interface{}{
			"value": value,
		},
		at,
	)
}

func energyPoint(uniqueID, reading string, value float64, at time.Time) *write.Point {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	return write.NewPoint(
		measurementEnergy,
		map[string]string{
			"unique_id": uniqueID,
			"reading":   reading,
		},
		map[string]interface{}{
			"value": value,
		},
		at,
	)
}
