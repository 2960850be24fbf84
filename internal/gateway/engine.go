package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Factory builds connections for new endpoints. Required.
	Factory ConnectionFactory

	// Attributes receives attribute values. Required.
	Attributes AttributeUpdater

	// Statuses receives configuration status changes. Required.
	Statuses StatusUpdater

	Logger Logger
}

type activationState uint8

const (
	stateActive activationState = iota
	stateDisabled
	stateInvalid
)

// activation is the engine's record of one configuration.
type activation struct {
	config GatewayConfig
	state  activationState

	// key is the registry key while active, empty otherwise.
	key string
}

func (a *activation) status(conn BusConnection) knx.Status {
	switch a.state {
	case stateDisabled:
		return knx.StatusDisabled
	case stateInvalid:
		return knx.StatusError
	default:
		if conn == nil {
			return knx.StatusDisconnected
		}
		return conn.Status()
	}
}

// linkRecord is a requested attribute link, kept while its configuration is
// known so that bindings can be rebuilt when it becomes active again.
type linkRecord struct {
	configID string
	meta     LinkMeta
}

// statusUpdate is a status change computed on the engine goroutine and
// published after the request completes. When conn is set the connection's
// status at publication time is used instead of status.
type statusUpdate struct {
	configID string
	act      *activation
	status   knx.Status
	conn     BusConnection
}

// Engine owns the connection registry and the binding table.
//
// All registry and table state is confined to one goroutine. Public methods
// submit a closure to that goroutine and wait for it, so each operation
// (including unbind, reference check and teardown) is atomic with respect to
// every other. Connect and Disconnect run on their own goroutines.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Engine struct {
	factory  ConnectionFactory
	attrs    AttributeUpdater
	statuses StatusUpdater
	logger   Logger

	requests chan func()
	quit     chan struct{}
	loopDone chan struct{}
	started  atomic.Bool
	startMu  sync.Mutex
	stopOnce sync.Once

	ctx    context.Context //nolint:containedctx // lifetime of background connects and deliveries
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// statusMu orders every status publication. statusOwner holds the
	// activation currently allowed to publish for each configuration ID.
	statusMu    sync.Mutex
	statusOwner map[string]*activation

	// Owned by the engine goroutine.
	reg     *registry
	table   *bindingTable
	configs map[string]*activation
	links   map[AttributeRef]linkRecord
}

// NewEngine creates an engine. Call Start before using it.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Factory == nil {
		return nil, errors.New("gateway: connection factory is required")
	}
	if opts.Attributes == nil {
		return nil, errors.New("gateway: attribute updater is required")
	}
	if opts.Statuses == nil {
		return nil, errors.New("gateway: status updater is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &Engine{
		factory:  opts.Factory,
		attrs:    opts.Attributes,
		statuses: opts.Statuses,
		logger:   logger,
		requests: make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		reg:      newRegistry(opts.Factory),
		table:    newBindingTable(),
		configs:  make(map[string]*activation),
		links:    make(map[AttributeRef]linkRecord),

		statusOwner: make(map[string]*activation),
	}, nil
}

// Start launches the engine goroutine. The engine stops when ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started.Load() {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started.Store(true)
	go e.run()
}

// Stop shuts down the engine goroutine and disconnects every connection.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if !e.started.Load() {
			close(e.quit)
			return
		}
		close(e.quit)
		<-e.loopDone

		// The loop has exited; the state is ours now.
		conns := e.reg.drain()
		e.table = newBindingTable()
		e.configs = make(map[string]*activation)
		e.links = make(map[AttributeRef]linkRecord)

		e.cancel()
		for _, conn := range conns {
			e.disconnect(conn)
		}
		e.wg.Wait()
		e.logger.Info("engine stopped", "connections_closed", len(conns))
	})
}

func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.quit:
			return
		case <-e.ctx.Done():
			return
		case req := <-e.requests:
			e.exec(req)
		}
	}
}

func (e *Engine) exec(req func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine request panic recovered", "panic", r)
		}
	}()
	req()
}

// do runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	if !e.started.Load() {
		select {
		case <-e.quit:
			return ErrEngineClosed
		default:
			return ErrEngineNotStarted
		}
	}

	done := make(chan struct{})
	req := func() {
		defer close(done)
		fn()
	}

	select {
	case e.requests <- req:
	case <-e.loopDone:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// connect dials a new connection in the background.
func (e *Engine) connect(conn BusConnection, key string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := conn.Connect(e.ctx); err != nil {
			e.logger.Warn("connection failed", "endpoint", key, "error", err)
		}
	}()
}

// disconnect closes a connection in the background.
func (e *Engine) disconnect(conn BusConnection) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		conn.Disconnect()
	}()
}

func (e *Engine) publish(updates []statusUpdate) {
	for _, u := range updates {
		e.publishStatus(u)
	}
}

// publishStatus forwards u unless a later activation or a deactivation
// has replaced u.act. Publications are serialised, and connection-backed
// updates read the live status under the lock, so a stale snapshot can
// never overwrite a newer observer notification.
func (e *Engine) publishStatus(u statusUpdate) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.statusOwner[u.configID] != u.act {
		return
	}
	status := u.status
	if u.conn != nil {
		status = u.conn.Status()
	}
	e.statuses.UpdateConfigurationStatus(u.configID, status)
}

func (e *Engine) setStatusOwner(configID string, act *activation) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if act == nil {
		delete(e.statusOwner, configID)
		return
	}
	e.statusOwner[configID] = act
}

// ─── Configuration lifecycle ───────────────────────────────────────

// Activate validates cfg and, when it is valid and enabled, attaches it to
// the shared connection for its endpoint. Links already recorded for the
// configuration are bound.
//
// An invalid configuration is recorded with status Error and never touches
// the registry. A disabled one is recorded with status Disabled. Activating
// an ID that is already active replaces the previous activation. The
// returned error is only ever an engine or context error.
func (e *Engine) Activate(ctx context.Context, cfg GatewayConfig) (ValidationResult, error) {
	res := Validate(cfg)
	var updates []statusUpdate
	err := e.do(ctx, func() {
		updates = e.activate(cfg, res)
	})
	if err != nil {
		return res, err
	}
	e.publish(updates)
	return res, nil
}

func (e *Engine) activate(cfg GatewayConfig, res ValidationResult) []statusUpdate {
	if prev, ok := e.configs[cfg.ID]; ok {
		e.suspend(prev)
	}

	act := &activation{config: cfg}
	e.configs[cfg.ID] = act
	e.setStatusOwner(cfg.ID, act)

	if !res.Valid() {
		act.state = stateInvalid
		e.logger.Warn("configuration invalid", "configuration", cfg.ID, "error", res.Err())
		return []statusUpdate{{configID: cfg.ID, act: act, status: knx.StatusError}}
	}
	if !cfg.Enabled {
		act.state = stateDisabled
		e.logger.Info("configuration disabled", "configuration", cfg.ID)
		return []statusUpdate{{configID: cfg.ID, act: act, status: knx.StatusDisabled}}
	}

	ep, err := cfg.Endpoint()
	if err != nil {
		act.state = stateInvalid
		e.logger.Warn("configuration endpoint invalid", "configuration", cfg.ID, "error", err)
		return []statusUpdate{{configID: cfg.ID, act: act, status: knx.StatusError}}
	}

	entry, created := e.reg.acquire(ep)
	e.reg.hold(entry, cfg.ID)
	act.state = stateActive
	act.key = entry.key

	id, conn := cfg.ID, entry.conn
	conn.AddStatusObserver(id, func(knx.Status) {
		e.publishStatus(statusUpdate{configID: id, act: act, conn: conn})
	})

	var updates []statusUpdate
	if created {
		e.logger.Info("connection created", "endpoint", entry.key, "mode", string(ep.Mode), "configuration", id)
		e.connect(entry.conn, entry.key)
	} else {
		e.logger.Info("configuration sharing connection", "endpoint", entry.key, "configuration", id)
		updates = append(updates, statusUpdate{configID: id, act: act, conn: conn})
	}

	for ref, rec := range e.links {
		if rec.configID == id {
			if err := e.bindLink(ref, act, rec.meta); err != nil {
				e.logger.Warn("attribute binding skipped", "attribute", ref.String(), "error", err)
			}
		}
	}
	return updates
}

// suspend removes an activation's bindings and releases its connection,
// keeping its link records.
func (e *Engine) suspend(act *activation) {
	for ref, rec := range e.links {
		if rec.configID == act.config.ID {
			e.unbindAll(ref)
		}
	}
	if act.key == "" {
		return
	}
	if entry, ok := e.reg.lookup(act.key); ok {
		e.reg.release(entry, act.config.ID)
		e.collect(entry)
	}
	act.key = ""
}

// collect tears down an entry if nothing references it any more.
func (e *Engine) collect(entry *registryEntry) {
	if conn := e.reg.collect(entry); conn != nil {
		e.logger.Info("connection unreferenced, disconnecting", "endpoint", entry.key)
		e.disconnect(conn)
	}
}

// Deactivate unbinds every attribute of the configuration, forgets its
// links and releases its connection. Unknown IDs are a no-op.
func (e *Engine) Deactivate(ctx context.Context, configID string) error {
	return e.do(ctx, func() {
		act, ok := e.configs[configID]
		if !ok {
			return
		}
		e.suspend(act)
		delete(e.configs, configID)
		e.setStatusOwner(configID, nil)
		for ref, rec := range e.links {
			if rec.configID == configID {
				delete(e.links, ref)
			}
		}
		e.logger.Info("configuration deactivated", "configuration", configID)
	})
}

// SetEnabled enables or disables an activated configuration. Disabling
// releases its bindings and connection and publishes Disabled; writes to
// its attributes are then dropped. Enabling re-activates it and rebinds its
// links.
func (e *Engine) SetEnabled(ctx context.Context, configID string, enabled bool) error {
	var (
		updates []statusUpdate
		opErr   error
	)
	err := e.do(ctx, func() {
		act, ok := e.configs[configID]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrConfigurationNotFound, configID)
			return
		}
		if act.config.Enabled == enabled {
			return
		}
		cfg := act.config
		cfg.Enabled = enabled
		updates = e.activate(cfg, Validate(cfg))
	})
	if err != nil {
		return err
	}
	e.publish(updates)
	return opErr
}

// ─── Attribute links ───────────────────────────────────────────────

// LinkAttribute binds an attribute to the configuration's connection.
//
// The type tag is required. Each of the status and action addresses is
// optional; a link with neither is accepted and ignored. A malformed
// address or type skips that direction only and is returned wrapped.
// Linking to a configuration that is not active returns
// ErrConnectionUnavailable; for known configurations the link is kept and
// bound once the configuration becomes active. Relinking with changed
// metadata replaces the previous bindings; an identical relink is a no-op.
func (e *Engine) LinkAttribute(ctx context.Context, ref AttributeRef, configID string, meta LinkMeta) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAttributeRef, ref.String())
	}
	if meta.DatapointType == "" {
		e.logger.Warn("attribute link missing datapoint type", "attribute", ref.String())
		return fmt.Errorf("%w: %s", ErrMissingDatapointType, ref)
	}

	var opErr error
	err := e.do(ctx, func() {
		act, ok := e.configs[configID]
		if !ok {
			opErr = fmt.Errorf("%w: unknown configuration %q", ErrConnectionUnavailable, configID)
			return
		}

		if prev, ok := e.links[ref]; ok && prev != (linkRecord{configID: configID, meta: meta}) {
			e.unbindAll(ref)
		}
		e.links[ref] = linkRecord{configID: configID, meta: meta}

		if act.state != stateActive {
			opErr = fmt.Errorf("%w: configuration %q is %s", ErrConnectionUnavailable, configID, act.status(nil))
			e.logger.Warn("attribute linked to inactive configuration", "attribute", ref.String(), "configuration", configID)
			return
		}
		opErr = e.bindLink(ref, act, meta)
	})
	if err != nil {
		return err
	}
	return opErr
}

// UnlinkAttribute removes an attribute's bindings. Unlinking an attribute
// that is not linked to configID is a no-op.
func (e *Engine) UnlinkAttribute(ctx context.Context, ref AttributeRef, configID string) error {
	return e.do(ctx, func() {
		rec, ok := e.links[ref]
		if !ok || rec.configID != configID {
			return
		}
		delete(e.links, ref)
		e.unbindAll(ref)
	})
}

// bindLink creates the bindings described by meta.
func (e *Engine) bindLink(ref AttributeRef, act *activation, meta LinkMeta) error {
	if meta.StatusAddress == "" && meta.ActionAddress == "" {
		e.logger.Warn("attribute has neither status nor action address, ignoring", "attribute", ref.String())
		return nil
	}
	entry, ok := e.reg.lookup(act.key)
	if !ok {
		return fmt.Errorf("%w: configuration %q has no connection", ErrConnectionUnavailable, act.config.ID)
	}

	var errs []error
	if meta.ActionAddress != "" {
		if err := e.bind(ref, act.config.ID, entry, knx.KindAction, meta.ActionAddress, meta.DatapointType); err != nil {
			e.logger.Warn("action binding skipped", "attribute", ref.String(), "address", meta.ActionAddress, "error", err)
			errs = append(errs, fmt.Errorf("action: %w", err))
		}
	}
	if meta.StatusAddress != "" {
		if err := e.bind(ref, act.config.ID, entry, knx.KindStatus, meta.StatusAddress, meta.DatapointType); err != nil {
			e.logger.Warn("status binding skipped", "attribute", ref.String(), "address", meta.StatusAddress, "error", err)
			errs = append(errs, fmt.Errorf("status: %w", err))
		}
	}
	return errors.Join(errs...)
}

// bind stores one binding. An existing binding of the same kind is kept as
// it is. Status bindings subscribe on the connection.
func (e *Engine) bind(ref AttributeRef, configID string, entry *registryEntry, kind knx.Kind, address, dptType string) error {
	dp, err := knx.NewDatapoint(kind, ref.String(), address, dptType)
	if err != nil {
		return err
	}

	b := &Binding{Ref: ref, ConfigID: configID, Key: entry.key, Conn: entry.conn, Datapoint: dp}
	if !e.table.put(b) {
		return nil
	}
	e.reg.retain(entry)

	if kind == knx.KindStatus {
		entry.conn.Subscribe(dp, func(_ knx.Datapoint, value any) {
			e.deliver(b, value)
		})
	}
	e.logger.Debug("attribute bound", "attribute", ref.String(), "datapoint", dp.String(), "endpoint", entry.key)
	return nil
}

// unbind removes one binding, unsubscribing status datapoints, and tears
// the connection down if that was its last reference.
func (e *Engine) unbind(ref AttributeRef, kind knx.Kind) {
	b := e.table.remove(ref, kind)
	if b == nil {
		return
	}
	if kind == knx.KindStatus {
		b.Conn.Unsubscribe(b.Datapoint)
	}
	if entry, ok := e.reg.lookup(b.Key); ok {
		e.reg.drop(entry)
		e.collect(entry)
	}
	e.logger.Debug("attribute unbound", "attribute", ref.String(), "kind", kind.String())
}

func (e *Engine) unbindAll(ref AttributeRef) {
	e.unbind(ref, knx.KindAction)
	e.unbind(ref, knx.KindStatus)
}

// ─── Snapshots ─────────────────────────────────────────────────────

// ConnectionInfo describes one shared connection.
type ConnectionInfo struct {
	Key      string               `json:"key"`
	Mode     knx.Mode             `json:"mode"`
	Port     int                  `json:"port"`
	Status   knx.Status           `json:"status"`
	Holders  []string             `json:"configurations"`
	Bindings int                  `json:"bindings"`
	Stats    *knx.ConnectionStats `json:"stats,omitempty"`
}

// BindingInfo describes one binding.
type BindingInfo struct {
	Attribute       AttributeRef      `json:"attribute"`
	Kind            knx.Kind          `json:"kind"`
	Address         string            `json:"address"`
	Type            knx.DatapointType `json:"dpt"`
	ConfigurationID string            `json:"configuration_id"`
	Connection      string            `json:"connection"`
}

// ConfigurationInfo describes one activated configuration.
type ConfigurationInfo struct {
	Config GatewayConfig `json:"configuration"`
	Status knx.Status    `json:"status"`
	Links  int           `json:"links"`
}

// Connections returns the current connections ordered by key.
func (e *Engine) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := e.do(ctx, func() {
		for _, key := range e.reg.sortedKeys() {
			entry := e.reg.entries[key]
			info := ConnectionInfo{
				Key:      key,
				Mode:     entry.endpoint.Mode,
				Port:     entry.endpoint.Port,
				Status:   entry.conn.Status(),
				Holders:  entry.holderIDs(),
				Bindings: entry.bindings,
			}
			if sp, ok := entry.conn.(statsProvider); ok {
				stats := sp.Stats()
				info.Stats = &stats
			}
			out = append(out, info)
		}
	})
	return out, err
}

// Bindings returns every binding ordered by attribute then kind.
func (e *Engine) Bindings(ctx context.Context) ([]BindingInfo, error) {
	var out []BindingInfo
	err := e.do(ctx, func() {
		for _, b := range e.table.all() {
			out = append(out, BindingInfo{
				Attribute:       b.Ref,
				Kind:            b.Datapoint.Kind,
				Address:         b.Datapoint.Address.String(),
				Type:            b.Datapoint.Type,
				ConfigurationID: b.ConfigID,
				Connection:      b.Key,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attribute != out[j].Attribute {
			return out[i].Attribute.String() < out[j].Attribute.String()
		}
		return out[i].Kind < out[j].Kind
	})
	return out, err
}

// Configurations returns every activated configuration ordered by ID.
func (e *Engine) Configurations(ctx context.Context) ([]ConfigurationInfo, error) {
	var out []ConfigurationInfo
	err := e.do(ctx, func() {
		counts := make(map[string]int)
		for _, rec := range e.links {
			counts[rec.configID]++
		}
		for id, act := range e.configs {
			var conn BusConnection
			if entry, ok := e.reg.lookup(act.key); ok {
				conn = entry.conn
			}
			out = append(out, ConfigurationInfo{Config: act.config, Status: act.status(conn), Links: counts[id]})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out, err
}
