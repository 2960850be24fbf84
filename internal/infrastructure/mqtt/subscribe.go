package mqtt

import (
	"fmt"
	"sort"
)

// Subscribe registers handler for topic, which may contain + and #
// wildcards. The subscription is tracked and restored after every
// reconnect, so the agent subscribes to attribute writes once at start.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe stops delivery for a topic passed to Subscribe. Messages
// already in flight may still reach the handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	return await(c.client.Unsubscribe(topic), ErrUnsubscribeFailed)
}

// Subscriptions returns the tracked topic filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
