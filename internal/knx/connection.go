package knx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	knxgo "github.com/vapourismo/knx-go/knx"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for KNXnet/IP connections.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReconnectInterval = 5 * time.Second
	maxReconnectInterval     = 2 * time.Minute
	defaultQueueSize         = 100
	callbackWorkerCount      = 4
	reconnectBackoffFactor   = 1.5
)

// ConnectionConfig tunes a Connection. Zero values select defaults.
type ConnectionConfig struct {
	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration

	// ReconnectInterval is the first delay after the link is lost. It grows
	// by 1.5x per failed attempt, capped at two minutes.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts limits reconnection after link loss. Zero disables
	// reconnection; the connection then stays disconnected.
	MaxReconnectAttempts int

	// ReadOnSubscribe sends a GroupRead for a status address when it is
	// subscribed and after every (re)connect.
	ReadOnSubscribe bool

	// QueueSize bounds both the outbound command queue and the inbound
	// callback queue.
	QueueSize int
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ValueHandler receives decoded values for a subscribed datapoint.
type ValueHandler func(dp Datapoint, value any)

// StatusObserver receives connection status transitions.
type StatusObserver func(Status)

// ConnectionStats holds operational counters.
type ConnectionStats struct {
	TelegramsTx      uint64    `json:"telegrams_tx"`
	TelegramsRx      uint64    `json:"telegrams_rx"`
	TelegramsDropped uint64    `json:"telegrams_dropped"`
	ErrorsTotal      uint64    `json:"errors_total"`
	ReconnectsTotal  uint64    `json:"reconnects_total"`
	LastActivity     time.Time `json:"last_activity"`
	Subscriptions    int       `json:"subscriptions"`
}

// groupClient is the part of knx-go's GroupTunnel and GroupRouter used here.
type groupClient interface {
	Send(event knxgo.GroupEvent) error
	Inbound() <-chan knxgo.GroupEvent
	Close()
}

type dialFunc func(e Endpoint) (groupClient, error)

type subscription struct {
	dp      Datapoint
	handler ValueHandler
}

type delivery struct {
	sub  subscription
	data []byte
}

// Connection is one KNXnet/IP link to one endpoint, shared by every
// attribute bound through it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Value handlers run on a bounded worker pool; status observers run on
//     the goroutine that caused the transition.
//
// Connect and Disconnect block on network I/O; callers that must not block
// run them in their own goroutine.
type Connection struct {
	endpoint Endpoint
	cfg      ConnectionConfig
	dial     dialFunc
	logger   Logger

	mu     sync.Mutex
	client groupClient
	status Status
	closed bool

	obsMu     sync.RWMutex
	observers map[string]StatusObserver

	subMu sync.RWMutex
	subs  map[GroupAddress]map[string]subscription

	outbound  chan knxgo.GroupEvent
	callbacks chan delivery
	startOnce sync.Once
	done      *closeOnce
	wg        sync.WaitGroup

	telegramsTx      atomic.Uint64
	telegramsRx      atomic.Uint64
	telegramsDropped atomic.Uint64
	errorsTotal      atomic.Uint64
	reconnectsTotal  atomic.Uint64
	lastActivity     atomic.Int64
}

// NewConnection creates an unconnected Connection for the endpoint.
func NewConnection(endpoint Endpoint, cfg ConnectionConfig, logger Logger) *Connection {
	return newConnection(endpoint, cfg, logger, dialKNX)
}

func newConnection(endpoint Endpoint, cfg ConnectionConfig, logger Logger, dial dialFunc) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		endpoint:  endpoint,
		cfg:       cfg,
		dial:      dial,
		logger:    logger,
		status:    StatusDisconnected,
		observers: make(map[string]StatusObserver),
		subs:      make(map[GroupAddress]map[string]subscription),
		outbound:  make(chan knxgo.GroupEvent, cfg.QueueSize),
		callbacks: make(chan delivery, cfg.QueueSize),
		done:      newCloseOnce(),
	}
}

// dialKNX opens a knx-go tunnel or router for the endpoint.
func dialKNX(e Endpoint) (groupClient, error) {
	addr, err := e.dialAddress()
	if err != nil {
		return nil, err
	}

	switch e.Mode {
	case ModeRoute:
		iface, err := e.routingInterface()
		if err != nil {
			return nil, err
		}
		cfg := knxgo.DefaultRouterConfig
		cfg.Interface = iface
		router, err := knxgo.NewGroupRouter(addr, cfg)
		if err != nil {
			return nil, err
		}
		return &router, nil
	case ModeTunnel, "":
		cfg := knxgo.DefaultTunnelConfig
		cfg.SendLocalAddress = !e.UseNAT
		tunnel, err := knxgo.NewGroupTunnel(addr, cfg)
		if err != nil {
			return nil, err
		}
		return &tunnel, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidEndpoint, e.Mode)
	}
}

// Endpoint returns the endpoint this connection was created from.
func (c *Connection) Endpoint() Endpoint {
	return c.endpoint
}

// Connect opens the link and blocks until it is up or has failed.
//
// The outcome is also reported to status observers: Connecting, then
// Connected or Error. Connecting an already connected link is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.startWorkers()
	c.setStatus(StatusConnecting)

	client, err := c.dialWithTimeout(ctx)
	if err != nil {
		c.errorsTotal.Add(1)
		c.logError("connect failed", err)
		c.setStatus(StatusError)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if !c.attach(client) {
		client.Close()
		return ErrConnectionClosed
	}

	c.logInfo("connected", "endpoint", c.endpoint.Key(), "mode", string(c.endpoint.Mode))
	c.setStatus(StatusConnected)
	c.readSubscribed()
	return nil
}

// dialWithTimeout runs the blocking knx-go handshake, giving up after
// ConnectTimeout or when ctx ends. A late successful dial is closed.
func (c *Connection) dialWithTimeout(ctx context.Context) (groupClient, error) {
	type result struct {
		client groupClient
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := c.dial(c.endpoint)
		ch <- result{client, err}
	}()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
	}

	select {
	case r := <-ch:
		return r.client, r.err
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("dial timeout after %v", c.cfg.ConnectTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-c.done.Done():
		abandon()
		return nil, ErrConnectionClosed
	}
}

// attach installs a freshly dialled client and starts its receive loop.
// It reports false when the connection was closed in the meantime.
func (c *Connection) attach(client groupClient) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.client = client
	c.lastActivity.Store(time.Now().Unix())
	c.wg.Add(1)
	go c.receiveLoop(client)
	return true
}

func (c *Connection) startWorkers() {
	c.startOnce.Do(func() {
		for range callbackWorkerCount {
			c.wg.Add(1)
			go c.callbackWorker()
		}
		c.wg.Add(1)
		go c.writeLoop()
	})
}

// Disconnect closes the link for good. It is safe to call more than once
// and while Connect is still dialling.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	client := c.client
	c.client = nil
	c.mu.Unlock()

	c.done.Close()
	if client != nil {
		client.Close()
	}
	c.wg.Wait()

	c.setStatus(StatusDisconnected)
	c.logInfo("disconnected", "endpoint", c.endpoint.Key())
}

// Status returns the current connection status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// AddStatusObserver registers fn under id, replacing any previous observer
// with the same id.
func (c *Connection) AddStatusObserver(id string, fn StatusObserver) {
	c.obsMu.Lock()
	c.observers[id] = fn
	c.obsMu.Unlock()
}

// RemoveStatusObserver removes the observer registered under id.
func (c *Connection) RemoveStatusObserver(id string) {
	c.obsMu.Lock()
	delete(c.observers, id)
	c.obsMu.Unlock()
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.obsMu.RLock()
	observers := make([]StatusObserver, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.RUnlock()

	for _, fn := range observers {
		c.notify(fn, s)
	}
}

func (c *Connection) notify(fn StatusObserver, s Status) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("status observer panic recovered", fmt.Errorf("%v", r))
		}
	}()
	fn(s)
}

// Subscribe routes decoded values for dp's address to handler. Several
// datapoints may share an address; each is keyed by its name.
func (c *Connection) Subscribe(dp Datapoint, handler ValueHandler) {
	c.subMu.Lock()
	byName, ok := c.subs[dp.Address]
	if !ok {
		byName = make(map[string]subscription)
		c.subs[dp.Address] = byName
	}
	byName[dp.Name] = subscription{dp: dp, handler: handler}
	c.subMu.Unlock()

	if c.cfg.ReadOnSubscribe && c.Status() == StatusConnected {
		if err := c.enqueue(c.event(knxgo.GroupRead, dp.Address, nil)); err != nil {
			c.logDebug("initial read not queued", "address", dp.Address.String(), "error", err)
		}
	}
}

// Unsubscribe stops delivering values for dp.
func (c *Connection) Unsubscribe(dp Datapoint) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	byName, ok := c.subs[dp.Address]
	if !ok {
		return
	}
	delete(byName, dp.Name)
	if len(byName) == 0 {
		delete(c.subs, dp.Address)
	}
}

// SendCommand encodes value for dp and queues a group write.
//
// It returns without waiting for the bus. Encoding errors, ErrNotConnected
// and ErrQueueFull are reported synchronously; failures while writing to the
// socket are only logged and counted.
func (c *Connection) SendCommand(dp Datapoint, value any) error {
	data, err := Encode(dp.Type, value)
	if err != nil {
		return err
	}
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}
	return c.enqueue(c.event(knxgo.GroupWrite, dp.Address, data))
}

func (c *Connection) event(cmd knxgo.GroupCommand, ga GroupAddress, data []byte) knxgo.GroupEvent {
	if data == nil {
		data = []byte{0x00}
	}
	return knxgo.GroupEvent{
		Command:     cmd,
		Source:      c.endpoint.LocalBusAddress.cemi(),
		Destination: ga.cemi(),
		Data:        data,
	}
}

func (c *Connection) enqueue(ev knxgo.GroupEvent) error {
	select {
	case c.outbound <- ev:
		return nil
	default:
		c.telegramsDropped.Add(1)
		return ErrQueueFull
	}
}

// readSubscribed queues a GroupRead for every subscribed address.
func (c *Connection) readSubscribed() {
	if !c.cfg.ReadOnSubscribe {
		return
	}
	c.subMu.RLock()
	addrs := make([]GroupAddress, 0, len(c.subs))
	for ga := range c.subs {
		addrs = append(addrs, ga)
	}
	c.subMu.RUnlock()

	for _, ga := range addrs {
		if err := c.enqueue(c.event(knxgo.GroupRead, ga, nil)); err != nil {
			c.logDebug("read not queued", "address", ga.String(), "error", err)
		}
	}
}

// writeLoop serialises outbound telegrams onto the current client.
func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done.Done():
			return
		case ev := <-c.outbound:
			c.mu.Lock()
			client := c.client
			c.mu.Unlock()
			if client == nil {
				c.telegramsDropped.Add(1)
				continue
			}
			if err := client.Send(ev); err != nil {
				c.errorsTotal.Add(1)
				c.logError("send failed", err, "address", groupAddressFromCEMI(ev.Destination).String())
				continue
			}
			c.telegramsTx.Add(1)
			c.lastActivity.Store(time.Now().Unix())
		}
	}
}

// receiveLoop reads group events until the client's inbound channel closes.
func (c *Connection) receiveLoop(client groupClient) {
	defer c.wg.Done()
	inbound := client.Inbound()
	for {
		select {
		case <-c.done.Done():
			return
		case ev, ok := <-inbound:
			if !ok {
				c.handleLinkLoss(client)
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Connection) handleEvent(ev knxgo.GroupEvent) {
	if ev.Command != knxgo.GroupWrite && ev.Command != knxgo.GroupResponse {
		return
	}
	c.telegramsRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	ga := groupAddressFromCEMI(ev.Destination)
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subs[ga]))
	for _, s := range c.subs[ga] {
		subs = append(subs, s)
	}
	c.subMu.RUnlock()

	for _, s := range subs {
		select {
		case c.callbacks <- delivery{sub: s, data: ev.Data}:
		default:
			c.telegramsDropped.Add(1)
			c.errorsTotal.Add(1)
			c.logError("callback queue full, dropping value", nil, "address", ga.String())
		}
	}
}

func (c *Connection) callbackWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done.Done():
			return
		case d := <-c.callbacks:
			c.deliver(d)
		}
	}
}

func (c *Connection) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.errorsTotal.Add(1)
			c.logError("value handler panic recovered", fmt.Errorf("%v", r), "datapoint", d.sub.dp.String())
		}
	}()

	value, err := Decode(d.sub.dp.Type, d.data)
	if err != nil {
		c.errorsTotal.Add(1)
		c.logWarn("decode failed", "datapoint", d.sub.dp.String(), "error", err)
		return
	}
	d.sub.handler(d.sub.dp, value)
}

// handleLinkLoss reacts to the knx-go inbound channel closing underneath us.
func (c *Connection) handleLinkLoss(client groupClient) {
	c.mu.Lock()
	if c.client == client {
		c.client = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	client.Close()
	c.logInfo("link lost", "endpoint", c.endpoint.Key())
	c.setStatus(StatusDisconnected)
	c.reconnect()
}

// reconnect re-dials with exponential backoff until success, shutdown or
// MaxReconnectAttempts. Exhausting the attempts leaves the status at Error.
func (c *Connection) reconnect() {
	if c.cfg.MaxReconnectAttempts <= 0 {
		return
	}

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done.Done():
			return
		case <-time.After(backoff):
		}

		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())
		c.setStatus(StatusConnecting)
		client, err := c.dialWithTimeout(context.Background())
		if err == nil {
			if !c.attach(client) {
				client.Close()
				return
			}
			c.reconnectsTotal.Add(1)
			c.setStatus(StatusConnected)
			c.readSubscribed()
			c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
			return
		}

		c.errorsTotal.Add(1)
		c.logError("reconnect failed", err, "attempt", attempt)
		backoff = time.Duration(float64(backoff) * reconnectBackoffFactor)
		if backoff > maxReconnectInterval {
			backoff = maxReconnectInterval
		}
	}

	c.setStatus(StatusError)
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() ConnectionStats {
	c.subMu.RLock()
	subs := 0
	for _, byName := range c.subs {
		subs += len(byName)
	}
	c.subMu.RUnlock()

	return ConnectionStats{
		TelegramsTx:      c.telegramsTx.Load(),
		TelegramsRx:      c.telegramsRx.Load(),
		TelegramsDropped: c.telegramsDropped.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
		ReconnectsTotal:  c.reconnectsTotal.Load(),
		LastActivity:     time.Unix(c.lastActivity.Load(), 0),
		Subscriptions:    subs,
	}
}

func (c *Connection) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Connection) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Connection) logError(msg string, err error, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
