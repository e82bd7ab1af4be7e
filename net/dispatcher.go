package net

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
	"github.com/lcx/gamenet/utils"
)

// DefaultHandlerTimeout is the deadline for one handler chain.
const DefaultHandlerTimeout = 10 * time.Second

// DispatcherDelivery is one decoded message on its way to the handlers.
type DispatcherDelivery struct {
	Session   *Session
	Info      *MsgInfo
	Msg       any
	ViaUdp    bool
	Encrypted bool
}

// Predicate is a guard evaluated against the receiving session.
type Predicate func(s *Session) bool

// Handler processes a message. handled == true stops the chain; a non-nil
// error triggers the fallback.
type Handler interface {
	Handle(ctx context.Context, dd *DispatcherDelivery) (handled bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, dd *DispatcherDelivery) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, dd *DispatcherDelivery) (bool, error) {
	return f(ctx, dd)
}

// FallbackFunc runs when a handler chain times out, declines the message or
// fails. It is called at most once per delivery.
type FallbackFunc func(dd *DispatcherDelivery, cause error)

// MsgFilterPluginCfg lists message names the dispatcher drops before any
// guard or handler runs.
type MsgFilterPluginCfg struct {
	MsgFilter []string `mapstructure:"msgFilter"`
}

// GetName returns the configuration name for MsgFilterPluginCfg
func (c *MsgFilterPluginCfg) GetName() string {
	return "msg_filter"
}

// Validate validates the MsgFilterPluginCfg parameters
func (c *MsgFilterPluginCfg) Validate() error {
	return nil
}

// DispatcherConfig contains configuration parameters for the dispatcher.
// RecvRateLimit and TokenBurst drive a token bucket shared by all sessions;
// a zero RecvRateLimit disables it.
type DispatcherConfig struct {
	RecvRateLimit         int                `mapstructure:"recvRateLimit"`
	TokenBurst            int                `mapstructure:"tokenBurst"`
	HandlerTimeoutMs      int                `mapstructure:"handlerTimeoutMs"`
	MaxConcurrentHandlers int                `mapstructure:"maxConcurrentHandlers"`
	MsgFilter             MsgFilterPluginCfg `mapstructure:"msgFilter"`
}

// DefaultDispatcherConfig returns the defaults used before config files are applied.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		RecvRateLimit:         0,
		TokenBurst:            0,
		HandlerTimeoutMs:      int(DefaultHandlerTimeout / time.Millisecond),
		MaxConcurrentHandlers: 1024,
	}
}

// GetName returns the configuration name for DispatcherConfig
func (c *DispatcherConfig) GetName() string {
	return "dispatcher"
}

// Validate validates the DispatcherConfig parameters
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit < 0 {
		return fmt.Errorf("RecvRateLimit cannot be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	if c.RecvRateLimit > 0 {
		if c.TokenBurst <= 0 {
			return fmt.Errorf("TokenBurst must be positive")
		}
		if c.TokenBurst > c.RecvRateLimit*10 {
			return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
		}
	}
	if c.HandlerTimeoutMs <= 0 {
		return fmt.Errorf("HandlerTimeoutMs must be positive")
	}
	if c.MaxConcurrentHandlers <= 0 {
		return fmt.Errorf("MaxConcurrentHandlers must be positive")
	}
	return nil
}

// Dispatcher routes decoded messages to handlers. Every delivery passes the
// filter chain (message filter, rate limiter, registered filters), then the
// guard predicates registered for its RMI id, then the handler chain under a
// deadline. Timeouts, declined messages, handler errors and panics go to the
// fallback, which by default faults the session.
type Dispatcher struct {
	msgMgr      *MessageManager
	recvLimiter *DispatcherRecvLimiter
	filters     DispatcherFilterChain
	gate        *utils.MaxUseLock

	lock         sync.RWMutex
	rules        map[RmiID][]Predicate
	handlers     map[RmiID][]Handler
	msgFilterMap map[string]struct{}
	config       *DispatcherConfig
	fallback     FallbackFunc

	timeout atomic.Int64
}

// NewDispatcher creates a dispatcher for the messages registered in msgMgr.
func NewDispatcher(cfg *DispatcherConfig, msgMgr *MessageManager) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("DispatcherConfig cannot be nil, use NewDispatcherWithConfigManager for dynamic configuration")
	}
	if msgMgr == nil {
		return nil, errors.New("MessageManager cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gate, err := utils.NewMaxUseLock(cfg.MaxConcurrentHandlers)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		msgMgr:       msgMgr,
		recvLimiter:  NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		gate:         gate,
		rules:        make(map[RmiID][]Predicate),
		handlers:     make(map[RmiID][]Handler),
		msgFilterMap: make(map[string]struct{}),
		config:       cfg,
		fallback:     defaultFallback,
	}
	d.timeout.Store(int64(time.Duration(cfg.HandlerTimeoutMs) * time.Millisecond))
	d.reloadMsgFilterCfg(&cfg.MsgFilter)

	d.filters = append(d.filters, d.msgFilter)
	d.filters = append(d.filters, d.recvLimiter.recvLimiterFilter)
	return d, nil
}

// NewDispatcherWithConfigManager loads the "dispatcher" section and follows
// its hot reloads.
func NewDispatcherWithConfigManager(configManager config.ConfigManager, msgMgr *MessageManager) (*Dispatcher, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := DefaultDispatcherConfig()
	if err := configManager.LoadConfig("dispatcher", cfg); err != nil {
		return nil, fmt.Errorf("failed to load dispatcher config: %w", err)
	}

	d, err := NewDispatcher(cfg, msgMgr)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(d)
	return d, nil
}

// OnConfigChanged implements config.ConfigChangeListener. The rate limit,
// handler timeout and message filter are applied immediately; the handler
// concurrency cap is fixed at construction.
func (d *Dispatcher) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "dispatcher" {
		return nil
	}

	newCfg, ok := newConfig.(*DispatcherConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for Dispatcher")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.recvLimiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	d.reloadMsgFilterCfg(&newCfg.MsgFilter)
	d.timeout.Store(int64(time.Duration(newCfg.HandlerTimeoutMs) * time.Millisecond))
	d.config = newCfg

	log.Info().Str("configName", configName).Msg("Dispatcher configuration updated successfully")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (d *Dispatcher) GetConfigName() string {
	return "dispatcher"
}

// Timeout returns the handler chain deadline.
func (d *Dispatcher) Timeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// SetFallback replaces the fallback policy.
func (d *Dispatcher) SetFallback(f FallbackFunc) {
	if f == nil {
		f = defaultFallback
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.fallback = f
}

// RegDispatcherFilter appends a filter to the chain. Filters run in
// registration order before guards.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.filters = append(d.filters, f)
}

// RegisterHandler appends h to the chain of id.
func (d *Dispatcher) RegisterHandler(id RmiID, h Handler) error {
	if h == nil {
		return errors.New("RegisterHandler handler is nil")
	}
	if _, ok := d.msgMgr.Info(id); !ok {
		return fmt.Errorf("RegisterHandler unknown rmi id %d", id)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.handlers[id] = append(d.handlers[id], h)
	return nil
}

// RegisterRule adds guard predicates for id. Repeated calls accumulate and
// every predicate must hold.
func (d *Dispatcher) RegisterRule(id RmiID, preds ...Predicate) error {
	if _, ok := d.msgMgr.Info(id); !ok {
		return fmt.Errorf("RegisterRule unknown rmi id %d", id)
	}
	for _, p := range preds {
		if p == nil {
			return errors.New("RegisterRule predicate is nil")
		}
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.rules[id] = append(d.rules[id], preds...)
	return nil
}

// On registers a typed handler for the message type *T.
func On[T any](d *Dispatcher, fn func(ctx context.Context, s *Session, msg *T) (bool, error)) error {
	id, ok := IDOf[T](d.msgMgr)
	if !ok {
		return fmt.Errorf("On: %s is not registered", reflect.TypeOf((*T)(nil)))
	}
	return d.RegisterHandler(id, HandlerFunc(func(ctx context.Context, dd *DispatcherDelivery) (bool, error) {
		msg, ok := dd.Msg.(*T)
		if !ok {
			return false, fmt.Errorf("On: unexpected message type %T", dd.Msg)
		}
		return fn(ctx, dd.Session, msg)
	}))
}

// Rule registers guard predicates for the message type *T.
func Rule[T any](d *Dispatcher, preds ...Predicate) error {
	id, ok := IDOf[T](d.msgMgr)
	if !ok {
		return fmt.Errorf("Rule: %s is not registered", reflect.TypeOf((*T)(nil)))
	}
	return d.RegisterRule(id, preds...)
}

// OnMessage runs dd through filters, guards and handlers. It blocks until
// the chain finishes or the deadline fires. Guard and filter drops return
// ErrUnauthorized or ErrFiltered and leave the session open.
func (d *Dispatcher) OnMessage(dd *DispatcherDelivery) error {
	d.lock.RLock()
	filters := d.filters
	d.lock.RUnlock()
	return filters.Handle(dd, d.dispatch)
}

func (d *Dispatcher) dispatch(dd *DispatcherDelivery) error {
	id := dd.Info.ID

	d.lock.RLock()
	rules := d.rules[id]
	handlers := d.handlers[id]
	fallback := d.fallback
	d.lock.RUnlock()

	for i, pred := range rules {
		if !pred(dd.Session) {
			dd.Session.Logger().Debug().Str("msg", dd.Info.Name).Int("rule", i).Msg("guard rejected message")
			metrics.IncrCounterWithDimGroup("net", "guard_drop_total", 1, map[string]string{"msg": dd.Info.Name})
			return ErrUnauthorized
		}
	}

	if len(handlers) == 0 {
		fallback(dd, fmt.Errorf("%w: %s", ErrUnhandled, dd.Info.Name))
		return ErrUnhandled
	}

	start := time.Now()
	err := d.runChain(dd, handlers)
	metrics.RecordStopwatchWithDimGroup("net", "handler_duration", start, map[string]string{"msg": dd.Info.Name})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionClosed):
		return err
	case errors.Is(err, ErrTimeout):
		metrics.IncrCounterWithDimGroup("net", "handler_timeout_total", 1, map[string]string{"msg": dd.Info.Name})
	}
	fallback(dd, err)
	return err
}

type chainResult struct {
	handled bool
	err     error
}

// runChain executes handlers on a separate goroutine and abandons it when
// the deadline fires.
func (d *Dispatcher) runChain(dd *DispatcherDelivery, handlers []Handler) error {
	timeout := d.Timeout()
	ctx, cancel := context.WithTimeout(dd.Session.Context(), timeout)
	defer cancel()

	guard, err := d.gate.AcquireContext(ctx)
	if err != nil {
		return d.ctxErr(dd, ctx)
	}

	done := make(chan chainResult, 1)
	go func() {
		defer guard.Release()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("msg", dd.Info.Name).Any("panic", r).Str("stack", string(debug.Stack())).Msg("handler panic")
				done <- chainResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()

		for _, h := range handlers {
			handled, err := h.Handle(ctx, dd)
			if err != nil {
				done <- chainResult{err: err}
				return
			}
			if handled {
				done <- chainResult{handled: true}
				return
			}
		}
		done <- chainResult{}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if !res.handled {
			return fmt.Errorf("%w: %s", ErrUnhandled, dd.Info.Name)
		}
		return nil
	case <-ctx.Done():
		return d.ctxErr(dd, ctx)
	}
}

func (d *Dispatcher) ctxErr(dd *DispatcherDelivery, ctx context.Context) error {
	if dd.Session.IsClosed() {
		return ErrSessionClosed
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, dd.Info.Name, d.Timeout())
	}
	return ctx.Err()
}

func defaultFallback(dd *DispatcherDelivery, cause error) {
	dd.Session.Fault(FaultKindOf(cause), cause)
}

// Built-in predicates for core and application rules.

// Handshaked holds once the connection hint exchange completed.
func Handshaked(s *Session) bool { return s.Handshaked() }

// NotHandshaked holds until the connection hint exchange completed.
func NotHandshaked(s *Session) bool { return !s.Handshaked() }

// InP2PGroup holds while the session is a member of a P2P group.
func InP2PGroup(s *Session) bool { return s.Group() != nil }

// UdpAssigned holds once a server UDP socket was assigned to the session.
func UdpAssigned(s *Session) bool { return s.UdpAssigned() }

// UdpNotAssigned holds until a server UDP socket was assigned.
func UdpNotAssigned(s *Session) bool { return !s.UdpAssigned() }

// UdpEnabled holds once the client confirmed its UDP endpoint.
func UdpEnabled(s *Session) bool { return s.IsUdpEnabled() }
