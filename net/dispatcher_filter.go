package net

import (
	"github.com/lcx/gamenet/metrics"
)

// DispatcherFilterHandleFunc is the next step of a filter chain.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter intercepts a delivery. It either calls f to continue or
// returns without calling it to stop the chain.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain runs filters in order, then the final handler.
type DispatcherFilterChain []DispatcherFilter

// Handle processes dd through the chain recursively.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// reloadMsgFilterCfg replaces the set of filtered message names.
// Callers hold dp.lock or own dp exclusively.
func (dp *Dispatcher) reloadMsgFilterCfg(cfg *MsgFilterPluginCfg) {
	m := make(map[string]struct{}, len(cfg.MsgFilter))
	for _, msgName := range cfg.MsgFilter {
		m[msgName] = struct{}{}
	}
	dp.msgFilterMap = m
}

// msgFilter drops application messages listed in the filter config. Core
// messages are never filtered.
func (dp *Dispatcher) msgFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if d.Info.ID.IsCore() {
		return f(d)
	}
	dp.lock.RLock()
	_, filtered := dp.msgFilterMap[d.Info.Name]
	dp.lock.RUnlock()
	if !filtered {
		return f(d)
	}

	d.Session.Logger().Debug().Str("msg", d.Info.Name).Msg("message filtered")
	metrics.IncrCounterWithDimGroup("net", "msg_filtered_total", 1, map[string]string{"msg": d.Info.Name})
	return ErrFiltered
}

// handshakeFilter drops messages that arrive before the key exchange unless
// they are flagged PreHandshake.
func handshakeFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if d.Info.PreHandshake || d.Session.Handshaked() {
		return f(d)
	}
	d.Session.Logger().Debug().Str("msg", d.Info.Name).Msg("message before handshake dropped")
	metrics.IncrCounterWithDimGroup("net", "guard_drop_total", 1, map[string]string{"msg": d.Info.Name})
	return ErrUnauthorized
}
