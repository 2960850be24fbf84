// Package mqtt connects the gateway to the attribute-model message bus.
//
// The attribute model talks to the gateway over MQTT: write events arrive
// on per-attribute write topics, and the gateway publishes attribute values,
// configuration status and health as retained messages. The system status
// topic carries online/offline, with an LWT for crashes.
//
//	Attribute model ↔ MQTT broker ↔ KNX gateway ↔ KNXnet/IP ↔ bus
//
// The client reconnects with backoff and restores its subscriptions.
// Handlers are wrapped with panic recovery.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllAttributeWrites(), 1, handleWrite)
//	err = client.PublishJSON(mqtt.Topics{}.Health(), health, true)
package mqtt
