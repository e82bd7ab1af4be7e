package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
)

const maxDatagramSize = 64 * 1024

// UdpCfg configures the server UDP sockets.
type UdpCfg struct {
	// Addrs lists the local addresses to bind, one socket each.
	Addrs []string `mapstructure:"addrs"`
	// PublicHost replaces the bound host in the endpoint advertised to
	// clients. Empty keeps the bound address.
	PublicHost string `mapstructure:"publicHost"`
	// RecvRateLimit caps datagrams per second per socket. 0 disables it.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	// InboxSize is the per-session queue of datagrams awaiting dispatch.
	InboxSize int `mapstructure:"inboxSize"`
}

// DefaultUdpCfg returns the defaults used before config files are applied.
func DefaultUdpCfg() *UdpCfg {
	return &UdpCfg{
		Addrs:     []string{":6001"},
		InboxSize: 128,
	}
}

// GetName returns the configuration name for UdpCfg
func (c *UdpCfg) GetName() string {
	return "udp"
}

// Validate validates the UdpCfg parameters
func (c *UdpCfg) Validate() error {
	for _, a := range c.Addrs {
		if a == "" {
			return errors.New("udp addr cannot be empty")
		}
	}
	if c.RecvRateLimit < 0 {
		return errors.New("RecvRateLimit cannot be negative")
	}
	if c.InboxSize <= 0 {
		return errors.New("InboxSize must be positive")
	}
	return nil
}

// UdpSocketManager owns the server UDP sockets and spreads sessions across them.
type UdpSocketManager struct {
	srv *Server
	cfg atomic.Pointer[UdpCfg]

	lock    sync.RWMutex
	sockets []*UdpSocket
}

func newUdpSocketManager(srv *Server, cfg *UdpCfg) *UdpSocketManager {
	m := &UdpSocketManager{srv: srv}
	m.cfg.Store(cfg)
	return m
}

// Config returns the active configuration.
func (m *UdpSocketManager) Config() *UdpCfg {
	return m.cfg.Load()
}

// OnConfigChanged implements config.ConfigChangeListener. The receive rate
// and inbox size are applied; the bound addresses are fixed at Listen.
func (m *UdpSocketManager) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "udp" {
		return nil
	}
	newCfg, ok := newConfig.(*UdpCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for UdpSocketManager")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid udp configuration: %w", err)
	}

	cur := m.cfg.Load()
	merged := *newCfg
	merged.Addrs = cur.Addrs
	merged.PublicHost = cur.PublicHost
	m.cfg.Store(&merged)

	for _, sock := range m.Sockets() {
		sock.limiter.Reload(merged.RecvRateLimit)
	}
	log.Info().Str("configName", configName).Msg("UDP configuration updated successfully")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (m *UdpSocketManager) GetConfigName() string {
	return "udp"
}

// Listen binds every configured address. On failure already bound sockets
// are closed.
func (m *UdpSocketManager) Listen() error {
	cfg := m.cfg.Load()
	socks := make([]*UdpSocket, 0, len(cfg.Addrs))
	for _, addr := range cfg.Addrs {
		sock, err := m.listen(addr, cfg)
		if err != nil {
			for _, s := range socks {
				_ = s.conn.Close()
			}
			return err
		}
		socks = append(socks, sock)
	}

	m.lock.Lock()
	m.sockets = append(m.sockets, socks...)
	m.lock.Unlock()
	return nil
}

func (m *UdpSocketManager) listen(addr string, cfg *UdpCfg) (*UdpSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	public := netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	if cfg.PublicHost != "" {
		ip, err := netip.ParseAddr(cfg.PublicHost)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("parse publicHost %q: %w", cfg.PublicHost, err)
		}
		public = netip.AddrPortFrom(ip, local.Port())
	}

	log.Info().Str("addr", local.String()).Str("public", public.String()).Msg("udp socket listening")
	return &UdpSocket{
		mgr:            m,
		conn:           conn,
		publicEndpoint: public,
		limiter:        NewFunnelRecvLimiter(cfg.RecvRateLimit),
	}, nil
}

// Sockets returns the bound sockets.
func (m *UdpSocketManager) Sockets() []*UdpSocket {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return append([]*UdpSocket(nil), m.sockets...)
}

// Assign binds s to the socket with the fewest sessions.
func (m *UdpSocketManager) Assign(s *Session) (*UdpSocket, error) {
	var best *UdpSocket
	for _, sock := range m.Sockets() {
		if best == nil || sock.count.Load() < best.count.Load() {
			best = sock
		}
	}
	if best == nil {
		return nil, ErrNoUdpBinding
	}
	best.Bind(s)
	return best, nil
}

// Serve runs every socket's receive loop until ctx is done.
func (m *UdpSocketManager) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sock := range m.Sockets() {
		g.Go(sock.serve)
	}
	g.Go(func() error {
		<-ctx.Done()
		m.Close()
		return nil
	})
	return g.Wait()
}

// Close closes all sockets.
func (m *UdpSocketManager) Close() {
	for _, sock := range m.Sockets() {
		_ = sock.conn.Close()
	}
}

// UdpSocket is one bound UDP socket. Datagrams from learned endpoints go to
// their session; anything else must be a ServerHolepunch carrying the magic
// the session was issued.
type UdpSocket struct {
	mgr            *UdpSocketManager
	conn           *net.UDPConn
	publicEndpoint netip.AddrPort
	limiter        *FunnelRecvLimiter

	bySession  sync.Map // HostID -> *Session
	byEndpoint sync.Map // netip.AddrPort -> *Session
	count      atomic.Int32
}

// LocalAddr returns the bound address.
func (u *UdpSocket) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// PublicEndpoint is the endpoint advertised to clients.
func (u *UdpSocket) PublicEndpoint() netip.AddrPort {
	return u.publicEndpoint
}

// Bind registers s on the socket.
func (u *UdpSocket) Bind(s *Session) {
	if _, loaded := u.bySession.Swap(s.HostID(), s); !loaded {
		u.count.Add(1)
	}
}

func (u *UdpSocket) unbind(s *Session, ep netip.AddrPort) {
	if u.bySession.CompareAndDelete(s.HostID(), s) {
		u.count.Add(-1)
	}
	if ep.IsValid() {
		u.byEndpoint.CompareAndDelete(ep, s)
	}
}

// SessionByEndpoint returns the session whose endpoint was learned as ep.
func (u *UdpSocket) SessionByEndpoint(ep netip.AddrPort) (*Session, bool) {
	v, ok := u.byEndpoint.Load(ep)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// WriteTo sends one datagram.
func (u *UdpSocket) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(b, to)
	if err == nil {
		metrics.IncrCounterWithGroup("net", "udp_out_total", 1)
	}
	return err
}

func (u *UdpSocket) serve() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// ICMP port unreachable surfaces as a read error on some platforms.
			log.Debug().Err(err).Msg("udp read failed")
			continue
		}
		u.limiter.Take()
		metrics.IncrCounterWithGroup("net", "udp_in_total", 1)

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		u.handleDatagram(buf[:n], from)
	}
}

// handleDatagram splits a datagram into frames and routes each one.
// Malformed datagrams are dropped.
func (u *UdpSocket) handleDatagram(b []byte, from netip.AddrPort) {
	codec := u.mgr.srv.frameCodec
	for len(b) > 0 {
		payload, consumed, err := codec.Decode(b)
		if err != nil || consumed == 0 {
			metrics.IncrCounterWithGroup("net", "udp_malformed_total", 1)
			return
		}
		b = b[consumed:]

		if s, ok := u.SessionByEndpoint(from); ok {
			s.deliverUdp(payload)
			continue
		}
		u.holepunch(payload, from)
	}
}

// holepunch learns the endpoint of a session from a plain ServerHolepunch
// datagram and answers with ServerHolepunchAck.
func (u *UdpSocket) holepunch(payload []byte, from netip.AddrPort) {
	srv := u.mgr.srv
	res, err := srv.coreCodec.Decode(payload, nil)
	if err != nil {
		return
	}
	rmi, ok := res.Message.(*RmiMessage)
	if !ok {
		return
	}
	_, msg, err := srv.msgMgr.Unmarshal(rmi.Data)
	if err != nil {
		return
	}
	hp, ok := msg.(*ServerHolepunch)
	if !ok {
		return
	}

	s := srv.Session(hp.HostID)
	if s == nil || !s.matchHolepunch(u, hp.Magic) {
		metrics.IncrCounterWithGroup("net", "udp_holepunch_reject_total", 1)
		return
	}

	if old := s.setUdpEndpoint(from); old.IsValid() && old != from {
		u.byEndpoint.CompareAndDelete(old, s)
	}
	u.byEndpoint.Store(from, s)
	s.Logger().Debug().Str("endpoint", from.String()).Msg("udp endpoint learned")

	u.sendHolepunchAck(s, hp, from)
}

func (u *UdpSocket) sendHolepunchAck(s *Session, hp *ServerHolepunch, to netip.AddrPort) {
	srv := u.mgr.srv
	rmi, err := srv.msgMgr.Marshal(&ServerHolepunchAck{Magic: hp.Magic, Endpoint: to})
	if err != nil {
		return
	}
	payload := srv.coreCodec.Marshal(&RmiMessage{Data: rmi})
	if err := u.WriteTo(srv.frameCodec.Encode(payload), to); err != nil {
		s.Logger().Debug().Err(err).Msg("send holepunch ack failed")
	}
}
