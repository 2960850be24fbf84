package knx

import "errors"

// Domain errors for the KNX package.
var (
	// ErrNotConnected is returned when a command is sent while the
	// connection is not established.
	ErrNotConnected = errors.New("knx: not connected")

	// ErrConnectionFailed is returned when the KNXnet/IP link cannot be opened.
	ErrConnectionFailed = errors.New("knx: connection failed")

	// ErrConnectionClosed is returned by operations on a disconnected connection.
	ErrConnectionClosed = errors.New("knx: connection closed")

	// ErrQueueFull is returned when the outbound command queue cannot accept
	// another telegram.
	ErrQueueFull = errors.New("knx: outbound queue full")

	// ErrInvalidGroupAddress is returned when a group address string
	// cannot be parsed.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidIndividualAddress is returned when a device address string
	// cannot be parsed.
	ErrInvalidIndividualAddress = errors.New("knx: invalid individual address")

	// ErrInvalidDPT is returned when a datapoint type identifier is invalid.
	ErrInvalidDPT = errors.New("knx: invalid datapoint type")

	// ErrUnsupportedDPT is returned when no codec exists for a datapoint type.
	ErrUnsupportedDPT = errors.New("knx: unsupported datapoint type")

	// ErrEncodingFailed is returned when encoding a value to KNX format fails.
	ErrEncodingFailed = errors.New("knx: encoding failed")

	// ErrDecodingFailed is returned when decoding KNX data to a value fails.
	ErrDecodingFailed = errors.New("knx: decoding failed")

	// ErrInvalidEndpoint is returned when an endpoint cannot be turned into
	// a KNXnet/IP dial target.
	ErrInvalidEndpoint = errors.New("knx: invalid endpoint")
)
