package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client is the gateway's history sink. It implements agent.History.
//
// Points are queued on the batched write API and never block the caller,
// so a slow or unreachable server cannot stall bus traffic. After Close
// every write is dropped.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu      sync.RWMutex
	open    bool
	onError func(err error)
}

// Connect pings the server at cfg.URL and opens a write API on cfg.Org and
// cfg.Bucket. History is optional: a disabled configuration returns
// ErrDisabled, which callers treat as "run without history".
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s is not healthy", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		open:     true,
	}
	go c.handleWriteErrors(c.writeAPI.Errors())
	return c, nil
}

// writeOptions maps batch_size and flush_interval (seconds) onto the
// client options, falling back to the defaults for non-positive values.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
}

// handleWriteErrors reports failed batches, wrapped in ErrWriteFailed,
// until the write API closes its channel.
func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// SetOnError sets the callback for failed batches.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Close flushes queued points and releases the client. It is safe on a nil
// client and idempotent.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()
	if !wasOpen {
		return nil
	}

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check: server not healthy")
	}
	return nil
}

// IsConnected reports whether the client is open. It does not ping.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// flush sends queued points now instead of waiting for the interval.
func (c *Client) flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
