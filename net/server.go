package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
)

// ServerCfg holds server-wide settings.
type ServerCfg struct {
	// Encrypt enables the X25519 key exchange on connect; core messages are
	// encrypted once it completes.
	Encrypt bool `mapstructure:"encrypt"`
	// ErrorChannelSize is the buffer of Server.Errors.
	ErrorChannelSize int `mapstructure:"errorChannelSize"`
	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions int         `mapstructure:"maxSessions"`
	Opcodes     OpcodeTable `mapstructure:"opcodes"`
}

// DefaultServerCfg returns the defaults used before config files are applied.
func DefaultServerCfg() *ServerCfg {
	return &ServerCfg{
		Encrypt:          true,
		ErrorChannelSize: 1024,
		Opcodes:          DefaultOpcodes,
	}
}

// GetName returns the configuration name for ServerCfg
func (c *ServerCfg) GetName() string {
	return "server"
}

// Validate validates the ServerCfg parameters
func (c *ServerCfg) Validate() error {
	if c.ErrorChannelSize < 0 {
		return errors.New("ErrorChannelSize cannot be negative")
	}
	if c.MaxSessions < 0 {
		return errors.New("MaxSessions cannot be negative")
	}
	return c.Opcodes.Validate()
}

// Options assembles a Server from explicit configuration. Nil sections use
// their defaults.
type Options struct {
	Server     *ServerCfg
	TCP        *TCPTransportCfg
	UDP        *UdpCfg
	P2P        *P2PCfg
	Dispatcher *DispatcherConfig
	// Messages holds the application RMIs. A fresh manager with only the
	// core set is used when nil.
	Messages *MessageManager
}

// Server is the composition root: it accepts TCP connections into sessions,
// owns the UDP sockets, the P2P coordinator and the dispatcher, and publishes
// session faults.
type Server struct {
	cfg        atomic.Pointer[ServerCfg]
	msgMgr     *MessageManager
	frameCodec *FrameCodec
	coreCodec  *CoreMessageCodec
	dispatcher *Dispatcher
	tcp        *TCPTransport
	udp        *UdpSocketManager
	p2p        *P2PGroupManager

	ctx    context.Context
	cancel context.CancelFunc

	lock       sync.RWMutex
	sessions   map[HostID]*Session
	nextHostID atomic.Uint32

	errCh       chan *SessionFault
	errDropped  atomic.Uint64
	onConnected func(*Session)
	onClosed    func(*Session)

	group    *errgroup.Group
	started  atomic.Bool
	stopOnce sync.Once
}

// NewServer creates a server from opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Server == nil {
		opts.Server = DefaultServerCfg()
	}
	if opts.TCP == nil {
		opts.TCP = DefaultTCPTransportCfg()
	}
	if opts.UDP == nil {
		opts.UDP = DefaultUdpCfg()
	}
	if opts.P2P == nil {
		opts.P2P = DefaultP2PCfg()
	}
	if opts.Messages == nil {
		opts.Messages = NewMessageManager()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = DefaultDispatcherConfig()
	}

	for _, c := range []config.Config{opts.Server, opts.TCP, opts.UDP, opts.P2P} {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", c.GetName(), err)
		}
	}

	d, err := NewDispatcher(opts.Dispatcher, opts.Messages)
	if err != nil {
		return nil, err
	}
	return newServer(opts, d, NewTCPTransportWithConfig(opts.TCP))
}

func newServer(opts Options, d *Dispatcher, tcp *TCPTransport) (*Server, error) {
	tcfg := tcp.Config()
	coreCodec, err := NewCoreMessageCodec(opts.Server.Opcodes, tcfg.MaxFrameLength)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		msgMgr:     opts.Messages,
		frameCodec: NewFrameCodec(tcfg.Magic, tcfg.MaxFrameLength),
		coreCodec:  coreCodec,
		dispatcher: d,
		tcp:        tcp,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[HostID]*Session),
		errCh:      make(chan *SessionFault, opts.Server.ErrorChannelSize),
	}
	srv.cfg.Store(opts.Server)
	srv.nextHostID.Store(uint32(hostIDFirst) - 1)
	srv.udp = newUdpSocketManager(srv, opts.UDP)
	srv.p2p = newP2PGroupManager(srv, opts.P2P)

	d.RegDispatcherFilter(handshakeFilter)
	if err := srv.registerCoreHandlers(); err != nil {
		cancel()
		return nil, err
	}
	return srv, nil
}

// NewServerWithConfigManager loads every section from configManager and
// follows their hot reloads.
func NewServerWithConfigManager(configManager config.ConfigManager, msgMgr *MessageManager) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	if msgMgr == nil {
		msgMgr = NewMessageManager()
	}

	opts := Options{
		Server:   DefaultServerCfg(),
		UDP:      DefaultUdpCfg(),
		P2P:      DefaultP2PCfg(),
		Messages: msgMgr,
	}
	for _, c := range []config.Config{opts.Server, opts.UDP, opts.P2P} {
		if err := configManager.LoadConfig(c.GetName(), c); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", c.GetName(), err)
		}
	}

	tcp, err := NewTCPTransportWithConfigManager(configManager)
	if err != nil {
		return nil, err
	}
	d, err := NewDispatcherWithConfigManager(configManager, msgMgr)
	if err != nil {
		return nil, err
	}

	srv, err := newServer(opts, d, tcp)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(srv)
	configManager.AddChangeListener(srv.udp)
	configManager.AddChangeListener(srv.p2p)
	return srv, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Encrypt and
// MaxSessions apply to new connections; the opcode table and error channel
// size are fixed at construction.
func (srv *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "server" {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Server")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	cur := srv.cfg.Load()
	merged := *newCfg
	merged.Opcodes = cur.Opcodes
	merged.ErrorChannelSize = cur.ErrorChannelSize
	srv.cfg.Store(&merged)

	log.Info().Str("configName", configName).Msg("Server configuration updated successfully")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (srv *Server) GetConfigName() string {
	return "server"
}

func (srv *Server) Config() *ServerCfg { return srv.cfg.Load() }

func (srv *Server) transportConfig() *TCPTransportCfg { return srv.tcp.Config() }

func (srv *Server) udpConfig() *UdpCfg { return srv.udp.Config() }

// Dispatcher returns the dispatcher application handlers register with.
func (srv *Server) Dispatcher() *Dispatcher { return srv.dispatcher }

// Messages returns the RMI registry.
func (srv *Server) Messages() *MessageManager { return srv.msgMgr }

// P2P returns the group coordinator.
func (srv *Server) P2P() *P2PGroupManager { return srv.p2p }

// UDP returns the UDP socket manager.
func (srv *Server) UDP() *UdpSocketManager { return srv.udp }

// TCPAddr returns the bound TCP address, or nil before Start.
func (srv *Server) TCPAddr() net.Addr { return srv.tcp.Addr() }

// Errors delivers session faults. Faults are dropped when nobody drains the
// channel fast enough.
func (srv *Server) Errors() <-chan *SessionFault { return srv.errCh }

// DroppedFaults counts faults that did not fit in the error channel.
func (srv *Server) DroppedFaults() uint64 { return srv.errDropped.Load() }

// SetOnConnected sets a callback run after a session completes the
// handshake. It must be set before Start.
func (srv *Server) SetOnConnected(f func(*Session)) { srv.onConnected = f }

// SetOnDisconnected sets a callback run after a handshaked session closes.
// It must be set before Start.
func (srv *Server) SetOnDisconnected(f func(*Session)) { srv.onClosed = f }

func (srv *Server) allocHostID() HostID {
	return HostID(srv.nextHostID.Add(1))
}

// Session returns a live session by host id.
func (srv *Server) Session(id HostID) *Session {
	srv.lock.RLock()
	defer srv.lock.RUnlock()
	return srv.sessions[id]
}

// Sessions returns the live sessions ordered by host id.
func (srv *Server) Sessions() []*Session {
	srv.lock.RLock()
	list := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		list = append(list, s)
	}
	srv.lock.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].hostID < list[j].hostID })
	return list
}

func (srv *Server) SessionCount() int {
	srv.lock.RLock()
	defer srv.lock.RUnlock()
	return len(srv.sessions)
}

func (srv *Server) addSession(s *Session) {
	srv.lock.Lock()
	srv.sessions[s.hostID] = s
	n := len(srv.sessions)
	srv.lock.Unlock()
	metrics.UpdateGaugeWithGroup("net", "sessions", metrics.Value(n))
}

func (srv *Server) removeSession(s *Session) {
	srv.lock.Lock()
	if cur, ok := srv.sessions[s.hostID]; ok && cur == s {
		delete(srv.sessions, s.hostID)
	}
	n := len(srv.sessions)
	srv.lock.Unlock()
	metrics.UpdateGaugeWithGroup("net", "sessions", metrics.Value(n))

	if s.Handshaked() && srv.onClosed != nil {
		srv.onClosed(s)
	}
}

func (srv *Server) reportFault(f *SessionFault) {
	log.Error().Uint32("hostId", uint32(f.HostID)).Str("kind", f.Kind.String()).Err(f.Err).Msg("session fault")
	select {
	case srv.errCh <- f:
	default:
		srv.errDropped.Add(1)
		metrics.IncrCounterWithGroup("net", "fault_dropped_total", 1)
	}
}

// OnAccept implements ConnHandler. It creates the session, starts its loops
// and sends the connection hint.
func (srv *Server) OnAccept(conn net.Conn) {
	if srv.ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	cfg := srv.cfg.Load()
	if cfg.MaxSessions > 0 && srv.SessionCount() >= cfg.MaxSessions {
		log.Warn().Str("remote", conn.RemoteAddr().String()).Int("max", cfg.MaxSessions).Msg("session limit reached")
		metrics.IncrCounterWithGroup("net", "connection_rejected_total", 1)
		_ = conn.Close()
		return
	}

	s := newSession(srv, conn, srv.allocHostID())
	hint := &NotifyServerConnectionHint{Encrypt: cfg.Encrypt, SessionGUID: s.guid}
	if cfg.Encrypt {
		kp, err := GenerateKeyPair()
		if err != nil {
			log.Error().Err(err).Msg("generate session key pair")
			_ = conn.Close()
			return
		}
		s.keyPair.Store(kp)
		hint.ServerPublicKey = kp.Public[:]
	}

	srv.addSession(s)
	s.logger.Info().Str("remote", s.remoteAddr.String()).Msg("session accepted")
	if err := s.Send(hint, SendPlain); err != nil {
		s.Close()
		return
	}
	s.serve()
}

// Start binds the TCP listener and UDP sockets and starts the background
// loops.
func (srv *Server) Start() error {
	if !srv.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	if err := srv.udp.Listen(); err != nil {
		return err
	}
	if err := srv.tcp.Start(TransportOption{Handler: srv}); err != nil {
		srv.udp.Close()
		return err
	}

	g, ctx := errgroup.WithContext(srv.ctx)
	g.Go(func() error { return srv.udp.Serve(ctx) })
	g.Go(func() error { return srv.p2p.Run(ctx) })
	srv.group = g
	return nil
}

// Run starts the server and blocks until ctx is done, then stops it.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-srv.ctx.Done():
	}
	return srv.Stop()
}

// Stop closes the listeners and every session, then waits for the
// background loops.
func (srv *Server) Stop() error {
	var err error
	srv.stopOnce.Do(func() {
		err = srv.tcp.Stop()
		srv.cancel()
		for _, s := range srv.Sessions() {
			s.Close()
		}
		srv.udp.Close()
		if srv.group != nil {
			if werr := srv.group.Wait(); werr != nil && err == nil {
				err = werr
			}
		}
		log.Info().Msg("server stopped")
	})
	return err
}
