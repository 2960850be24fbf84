package knx

import "fmt"

// Kind distinguishes the direction of a datapoint binding.
type Kind uint8

const (
	// KindAction datapoints are written to the bus when an attribute changes.
	KindAction Kind = iota
	// KindStatus datapoints are monitored for value changes on the bus.
	KindStatus
)

// String returns "action" or "status".
func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Datapoint binds a group address and type to a named attribute.
type Datapoint struct {
	Kind    Kind          `json:"kind"`
	Address GroupAddress  `json:"-"`
	Type    DatapointType `json:"type"`
	Name    string        `json:"name"`
}

// NewDatapoint parses address and type strings into a datapoint.
func NewDatapoint(kind Kind, name, address, dptType string) (Datapoint, error) {
	ga, err := ParseGroupAddress(address)
	if err != nil {
		return Datapoint{}, err
	}
	t, err := ParseDatapointType(dptType)
	if err != nil {
		return Datapoint{}, err
	}
	return Datapoint{Kind: kind, Address: ga, Type: t, Name: name}, nil
}

// String identifies the datapoint in logs.
func (d Datapoint) String() string {
	return fmt.Sprintf("%s %s %s (%s)", d.Kind, d.Address, d.Type, d.Name)
}

// Status is the lifecycle state of a bus connection as seen by its observers.
type Status string

// Connection statuses.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusDisabled     Status = "disabled"
)
