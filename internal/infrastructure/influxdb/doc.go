// Package influxdb records Tydom device telemetry in InfluxDB v2.
//
// Two measurements are written:
//   - tydom_attribute: numeric attributes merged into the registry, tagged by
//     unique_id, kind and attribute
//   - tydom_energy: synthesized energy readings from metering endpoints,
//     tagged by unique_id and reading
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteAttribute("1_100", "shutter", "position", 50)
//
// Writes are non-blocking and batched (batch_size, flush_interval); async
// failures are delivered to the SetOnError callback.
package influxdb
