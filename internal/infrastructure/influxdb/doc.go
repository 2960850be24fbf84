// Package influxdb records gateway history in InfluxDB v2.
//
// Client is the history sink behind the attribute model: the publisher
// hands it every attribute value and configuration status, and it queues
// them on the batched, non-blocking write API of influxdb-client-go v2.
// Two measurements are written:
//
//   - attribute_values: every value pushed to the attribute model, tagged
//     by asset_id, attribute and source (bus or write)
//   - connection_status: configuration status transitions, tagged by
//     configuration_id
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // history is optional
//	}
//	defer client.Close()
//
//	client.WriteAttributeValue("lamp-1", "on", "bus", true, time.Now())
//
// Writes are batched according to batch_size and flush_interval. Async
// write failures go to the SetOnError callback; connection and health
// check errors are returned directly.
package influxdb
