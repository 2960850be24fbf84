package agent

import "errors"

// ErrInvalidPayload is returned for write events that cannot be decoded.
var ErrInvalidPayload = errors.New("agent: invalid write payload")
