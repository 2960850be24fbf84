package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when history is switched off;
	// the gateway runs without it.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps batch failures passed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
