package mqtt

import (
	"encoding/json"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps a single message. Attribute values and statuses are a
// few hundred bytes; health snapshots grow with the number of connections.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic. Value and status topics are published
// retained so late subscribers see the current state.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// PublishJSON marshals v and publishes it with the configured QoS.
func (c *Client) PublishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(topic, payload, byte(c.cfg.QoS), retained)
}

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// await blocks until the broker acknowledges token, wrapping any failure
// in failure.
func await(token pahomqtt.Token, failure error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", failure, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", failure, err)
	}
	return nil
}
