package gateway

import "errors"

// Domain errors for the gateway core.
var (
	// ErrConfigurationInvalid is returned when Validate rejects a
	// configuration. Field-level detail is in ValidationResult.
	ErrConfigurationInvalid = errors.New("gateway: configuration invalid")

	// ErrConnectionUnavailable is returned when an attribute is linked to a
	// configuration that is unknown, disabled or invalid.
	ErrConnectionUnavailable = errors.New("gateway: connection unavailable")

	// ErrMissingDatapointType is returned when link metadata has no type tag.
	ErrMissingDatapointType = errors.New("gateway: datapoint type is required")

	// ErrConfigurationNotFound is returned for an unknown configuration ID.
	ErrConfigurationNotFound = errors.New("gateway: configuration not found")

	// ErrLinkNotFound is returned when no link exists for an attribute.
	ErrLinkNotFound = errors.New("gateway: link not found")

	// ErrInvalidAttributeRef is returned when an asset ID or attribute name
	// is empty or contains "/", "+" or "#".
	ErrInvalidAttributeRef = errors.New("gateway: invalid attribute reference")

	// ErrEngineNotStarted is returned by operations issued before Start.
	ErrEngineNotStarted = errors.New("gateway: engine not started")

	// ErrEngineClosed is returned by operations issued after Stop.
	ErrEngineClosed = errors.New("gateway: engine closed")
)
