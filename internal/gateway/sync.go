package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// WriteAttribute sends a requested attribute value to the bus.
//
// Resolution and send happen on the engine goroutine, so an unlink issued
// earlier always wins and the write becomes a no-op. Writes for disabled
// configurations and attributes without an action binding are dropped.
// Otherwise the requested value is reflected to the attribute model without
// waiting for bus confirmation, even when the connection refuses the
// command. A value that cannot be encoded for the datapoint type is never
// reflected.
//
// Transport problems never surface here; the only errors are engine and
// context errors.
func (e *Engine) WriteAttribute(ctx context.Context, ev WriteEvent) error {
	var reflect bool
	err := e.do(ctx, func() {
		reflect = e.send(ev)
	})
	if err != nil {
		return err
	}
	if reflect {
		e.attrs.UpdateAttribute(ctx, AttributeUpdate{
			Ref:       ev.Attribute,
			Value:     ev.Value,
			Source:    SourceWrite,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// send runs on the engine goroutine and reports whether the requested
// value should be reflected.
func (e *Engine) send(ev WriteEvent) bool {
	ref := ev.Attribute
	if rec, ok := e.links[ref]; ok {
		if act, ok := e.configs[rec.configID]; ok && act.state == stateDisabled {
			e.logger.Info("write dropped, configuration disabled", "attribute", ref.String(), "configuration", rec.configID)
			return false
		}
	}

	b := e.table.get(ref, knx.KindAction)
	if b == nil {
		e.logger.Debug("write dropped, no action binding", "attribute", ref.String())
		return false
	}

	if err := b.Conn.SendCommand(b.Datapoint, ev.Value); err != nil {
		if errors.Is(err, knx.ErrEncodingFailed) || errors.Is(err, knx.ErrUnsupportedDPT) {
			e.logger.Warn("write dropped, value not encodable", "attribute", ref.String(), "datapoint", b.Datapoint.String(), "error", err)
			return false
		}
		e.logger.Warn("write not sent", "attribute", ref.String(), "datapoint", b.Datapoint.String(), "error", err)
		return true
	}
	e.logger.Debug("write sent", "attribute", ref.String(), "datapoint", b.Datapoint.String(), "id", ev.ID)
	return true
}

// deliver forwards a decoded bus value for b, provided b is still the
// status binding for its attribute. It runs on a connection worker.
func (e *Engine) deliver(b *Binding, value any) {
	var current bool
	if err := e.do(e.ctx, func() {
		current = e.table.get(b.Ref, knx.KindStatus) == b
	}); err != nil {
		return
	}
	if !current {
		e.logger.Debug("stale status value dropped", "attribute", b.Ref.String())
		return
	}

	e.attrs.UpdateAttribute(e.ctx, AttributeUpdate{
		Ref:       b.Ref,
		Value:     value,
		Source:    SourceBus,
		Timestamp: time.Now().UTC(),
	})
}
