package net

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
)

// TCPTransportCfg configures the TCP listener and per-connection limits.
type TCPTransportCfg struct {
	Addr string `mapstructure:"addr"`
	// IdleTimeout in milliseconds; a session that sends nothing for this
	// long is disconnected. 0 disables the check.
	IdleTimeout     uint32 `mapstructure:"idleTimeout"`
	SendChannelSize uint32 `mapstructure:"sendChannelSize"`
	// MaxBufferSize is the kernel socket buffer size.
	MaxBufferSize  int    `mapstructure:"maxBufferSize"`
	MaxFrameLength int    `mapstructure:"maxFrameLength"`
	Magic          uint16 `mapstructure:"magic"`
}

// DefaultTCPTransportCfg returns the defaults used before config files are applied.
func DefaultTCPTransportCfg() *TCPTransportCfg {
	return &TCPTransportCfg{
		Addr:            ":6000",
		IdleTimeout:     30000,
		SendChannelSize: 256,
		MaxBufferSize:   256 * 1024,
		MaxFrameLength:  DefaultMaxFrameLength,
		Magic:           DefaultMagic,
	}
}

// GetName returns the configuration name for TCPTransportCfg
func (c *TCPTransportCfg) GetName() string {
	return "tcp_transport"
}

// Validate validates the TCPTransportCfg parameters
func (c *TCPTransportCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("MaxBufferSize must be positive")
	}
	if c.SendChannelSize == 0 {
		return fmt.Errorf("SendChannelSize must be positive")
	}
	if c.MaxFrameLength <= 0 {
		return fmt.Errorf("MaxFrameLength must be positive")
	}
	if c.Magic == 0 {
		return fmt.Errorf("Magic cannot be zero")
	}
	return nil
}

// TCPTransport accepts TCP connections; every connection gets its own
// send and receive goroutines once handed to the ConnHandler.
type TCPTransport struct {
	cfg      atomic.Pointer[TCPTransportCfg]
	lock     sync.Mutex
	listener *net.TCPListener
	handler  ConnHandler
	done     chan struct{}
}

// NewTCPTransportWithConfig creates a TCPTransport with the provided configuration.
func NewTCPTransportWithConfig(cfg *TCPTransportCfg) *TCPTransport {
	t := &TCPTransport{}
	t.cfg.Store(cfg)
	return t
}

// NewTCPTransportWithConfigManager loads the "tcp_transport" section and
// follows its hot reloads.
func NewTCPTransportWithConfigManager(configManager config.ConfigManager) (*TCPTransport, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := DefaultTCPTransportCfg()
	if err := configManager.LoadConfig("tcp_transport", cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_transport config: %w", err)
	}

	t := NewTCPTransportWithConfig(cfg)
	configManager.AddChangeListener(t)
	return t, nil
}

// Config returns the active configuration.
func (t *TCPTransport) Config() *TCPTransportCfg {
	return t.cfg.Load()
}

// OnConfigChanged implements config.ConfigChangeListener. Idle timeout and
// send channel size apply to sessions created after the reload; the listen
// address and frame format are fixed at Start.
func (t *TCPTransport) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "tcp_transport" {
		return nil
	}

	newCfg, ok := newConfig.(*TCPTransportCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for TCPTransport")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid TCP transport configuration: %w", err)
	}

	cur := t.cfg.Load()
	merged := *newCfg
	merged.Addr = cur.Addr
	merged.Magic = cur.Magic
	merged.MaxFrameLength = cur.MaxFrameLength
	t.cfg.Store(&merged)

	log.Info().Str("configName", configName).Msg("TCP transport configuration updated successfully")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (t *TCPTransport) GetConfigName() string {
	return "tcp_transport"
}

// Start binds the listener and starts the accept loop.
func (t *TCPTransport) Start(opt TransportOption) error {
	metrics.IncrCounterWithGroup("net", "transport_start_total", 1)

	if opt.Handler == nil {
		return errors.New("TransportOption.Handler is nil")
	}
	cfg := t.cfg.Load()
	if cfg == nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, map[string]string{"error_type": "nil_config"})
		return errors.New("TCPTransportCfg is nil")
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, map[string]string{"error_type": "resolve"})
		return fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, map[string]string{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	t.lock.Lock()
	t.listener = listener
	t.handler = opt.Handler
	t.done = make(chan struct{})
	t.lock.Unlock()

	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, map[string]string{"transport_type": "tcp"})
	log.Info().Str("addr", listener.Addr().String()).Msg("tcp transport listening")

	go t.serve(listener, t.done)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (t *TCPTransport) Addr() net.Addr {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes the listener and waits for the accept loop to exit.
func (t *TCPTransport) Stop() error {
	t.lock.Lock()
	listener, done := t.listener, t.done
	t.listener = nil
	t.lock.Unlock()

	if listener == nil {
		return nil
	}
	err := listener.Close()
	<-done
	return err
}

func (t *TCPTransport) serve(listener *net.TCPListener, done chan struct{}) {
	defer close(done)

	var tempDelay time.Duration
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// Temporary accept failures such as EMFILE back off instead of spinning.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(tempDelay*2, time.Second)
			}
			log.Warn().Err(err).Dur("retryIn", tempDelay).Msg("accept failed")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		cfg := t.cfg.Load()
		if err = conn.SetReadBuffer(cfg.MaxBufferSize); err != nil {
			log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set read buffer err")
			_ = conn.Close()
			continue
		}
		if err = conn.SetWriteBuffer(cfg.MaxBufferSize); err != nil {
			log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set write buffer err")
			_ = conn.Close()
			continue
		}
		_ = conn.SetNoDelay(true)

		metrics.IncrCounterWithGroup("net", "connection_accept_total", 1)
		t.handler.OnAccept(conn)
	}
}
