package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every gateway topic.
const TopicPrefix = "knxgw"

// Topics provides builders for the gateway's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.AttributeValue("lamp-1", "on")
//	// Returns: "knxgw/attribute/lamp-1/on/value"
type Topics struct{}

// AttributeWrite returns the topic on which write events for an attribute
// arrive.
//
// Example: knxgw/attribute/lamp-1/on/write
func (Topics) AttributeWrite(assetID, attribute string) string {
	return fmt.Sprintf("%s/attribute/%s/%s/write", TopicPrefix, assetID, attribute)
}

// AttributeValue returns the retained topic carrying an attribute's latest
// value.
//
// Example: knxgw/attribute/lamp-1/on/value
func (Topics) AttributeValue(assetID, attribute string) string {
	return fmt.Sprintf("%s/attribute/%s/%s/value", TopicPrefix, assetID, attribute)
}

// ConfigurationStatus returns the retained status topic of a gateway
// configuration.
//
// Example: knxgw/configuration/gw-main/status
func (Topics) ConfigurationStatus(configID string) string {
	return fmt.Sprintf("%s/configuration/%s/status", TopicPrefix, configID)
}

// Health returns the retained gateway health topic.
//
// Example: knxgw/health
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus returns the online/offline topic, also used for the LWT.
//
// Example: knxgw/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllAttributeWrites matches write events for every attribute.
//
// Pattern: knxgw/attribute/+/+/write
func (Topics) AllAttributeWrites() string {
	return TopicPrefix + "/attribute/+/+/write"
}

// AllConfigurationStatuses matches every configuration status topic.
//
// Pattern: knxgw/configuration/+/status
func (Topics) AllConfigurationStatuses() string {
	return TopicPrefix + "/configuration/+/status"
}

// ParseAttributeTopic extracts the asset and attribute from an attribute
// write or value topic. It returns ok=false for any other topic.
func ParseAttributeTopic(topic string) (assetID, attribute, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != TopicPrefix || parts[1] != "attribute" {
		return "", "", "", false
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	switch parts[4] {
	case "write", "value":
		return parts[2], parts[3], parts[4], true
	default:
		return "", "", "", false
	}
}
