package net

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
)

// HostID identifies a session or a P2P group within one server.
type HostID uint32

const (
	HostIDNone   HostID = 0
	HostIDServer HostID = 1

	hostIDFirst HostID = 1000
)

const (
	faultAckWriteTimeout = time.Second
	deadlineRefresh      = 5 * time.Second
)

type udpBinding struct {
	socket        *UdpSocket
	magic         uuid.UUID
	endpoint      netip.AddrPort
	localEndpoint netip.AddrPort
	enabled       bool
}

type userDataBox struct {
	v any
}

// Session is the server side of one client connection. It owns the TCP
// connection, the crypto context, the UDP binding and the P2P group
// membership. All methods are safe for concurrent use.
type Session struct {
	hostID     HostID
	guid       uuid.UUID
	srv        *Server
	conn       net.Conn
	remoteAddr net.Addr
	logger     *log.SessionLogger

	ctx    context.Context
	cancel context.CancelFunc

	sendCh  chan []byte
	writeMu sync.Mutex

	crypt      atomic.Pointer[CryptoContext]
	keyPair    atomic.Pointer[KeyPair]
	handshaked atomic.Bool

	udpMu    sync.RWMutex
	udp      udpBinding
	udpInbox chan []byte
	udpOnce  sync.Once

	group    atomic.Pointer[P2PGroup]
	userData atomic.Pointer[userDataBox]

	createdAt     time.Time
	lastRecv      atomic.Int64
	lastReadTime  time.Time
	lastWriteTime time.Time

	closeOnce sync.Once
	faulted   atomic.Bool
}

func newSession(srv *Server, conn net.Conn, hostID HostID) *Session {
	ctx, cancel := context.WithCancel(srv.ctx)
	tcfg := srv.transportConfig()
	s := &Session{
		hostID:     hostID,
		guid:       uuid.New(),
		srv:        srv,
		conn:       conn,
		remoteAddr: conn.RemoteAddr(),
		logger:     log.NewSessionLogger(log.DefaultLogger(), uint32(hostID)),
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, tcfg.SendChannelSize),
		udpInbox:   make(chan []byte, srv.udpConfig().InboxSize),
		createdAt:  time.Now(),
	}
	s.lastRecv.Store(s.createdAt.UnixNano())
	return s
}

func (s *Session) HostID() HostID { return s.hostID }

func (s *Session) GUID() uuid.UUID { return s.guid }

func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// Logger returns the per-session logger.
func (s *Session) Logger() *log.SessionLogger { return s.logger }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Server returns the owning server.
func (s *Session) Server() *Server { return s.srv }

func (s *Session) IsClosed() bool { return s.ctx.Err() != nil }

// Handshaked reports whether the connection hint exchange completed.
func (s *Session) Handshaked() bool { return s.handshaked.Load() }

// LastRecv returns the time the last frame was received.
func (s *Session) LastRecv() time.Time { return time.Unix(0, s.lastRecv.Load()) }

// Group returns the P2P group the session belongs to, or nil.
func (s *Session) Group() *P2PGroup { return s.group.Load() }

// SetUserData attaches application state, typically used by guard predicates.
func (s *Session) SetUserData(v any) { s.userData.Store(&userDataBox{v: v}) }

func (s *Session) UserData() any {
	if b := s.userData.Load(); b != nil {
		return b.v
	}
	return nil
}

// IsUdpEnabled reports whether the client confirmed its UDP endpoint.
func (s *Session) IsUdpEnabled() bool {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.enabled
}

// UdpAssigned reports whether a server UDP socket was assigned to the session.
func (s *Session) UdpAssigned() bool {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.socket != nil
}

// UdpEndpoint returns the client endpoint observed by the server.
func (s *Session) UdpEndpoint() netip.AddrPort {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.endpoint
}

// UdpLocalEndpoint returns the endpoint the client reported as its LAN address.
func (s *Session) UdpLocalEndpoint() netip.AddrPort {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.localEndpoint
}

func (s *Session) cryptoContext() *CryptoContext { return s.crypt.Load() }

// Send encodes msg and queues it on the reliable TCP stream.
func (s *Session) Send(msg any, opts SendOptions) error {
	rmi, err := s.srv.msgMgr.Marshal(msg)
	if err != nil {
		return err
	}
	return s.sendRmi(rmi, opts)
}

// coreOptions encrypts once the session has a crypto context.
func (s *Session) coreOptions() SendOptions {
	return SendOptions{Compress: true, Encrypt: s.cryptoContext() != nil}
}

// sendCore sends an engine message with the session's default layers.
func (s *Session) sendCore(msg any) error {
	return s.Send(msg, s.coreOptions())
}

func (s *Session) sendRmi(rmi []byte, opts SendOptions) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	payload, err := s.srv.coreCodec.EncodeRmi(rmi, opts, s.cryptoContext())
	if err != nil {
		return err
	}
	return s.enqueue(s.srv.frameCodec.Encode(payload))
}

func (s *Session) enqueue(frame []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	select {
	case s.sendCh <- frame:
		return nil
	default:
		metrics.IncrCounterWithGroup("net", "send_queue_full_total", 1)
		return ErrSendQueueFull
	}
}

// SendUDP sends msg as a single datagram to the matched client endpoint.
func (s *Session) SendUDP(msg any, opts SendOptions) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	s.udpMu.RLock()
	sock, to, enabled := s.udp.socket, s.udp.endpoint, s.udp.enabled
	s.udpMu.RUnlock()
	if !enabled || sock == nil || !to.IsValid() {
		return ErrNoUdpBinding
	}

	rmi, err := s.srv.msgMgr.Marshal(msg)
	if err != nil {
		return err
	}
	payload, err := s.srv.coreCodec.EncodeRmi(rmi, opts, s.cryptoContext())
	if err != nil {
		return err
	}
	return sock.WriteTo(s.srv.frameCodec.Encode(payload), to)
}

// SendUnreliable prefers the UDP path and falls back to TCP.
func (s *Session) SendUnreliable(msg any, opts SendOptions) error {
	if s.IsUdpEnabled() {
		if err := s.SendUDP(msg, opts); err == nil {
			return nil
		}
	}
	return s.Send(msg, opts)
}

// Close tears the session down: it leaves its P2P group, drops out of the
// UDP indexes, releases the crypto context and closes the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.srv.p2p.Leave(s)
		s.unbindUdp()

		if c := s.crypt.Swap(nil); c != nil {
			c.Release()
		}
		if kp := s.keyPair.Swap(nil); kp != nil {
			kp.Wipe()
		}
		_ = s.conn.Close()

		s.srv.removeSession(s)
		s.logger.Info().Str("remote", s.remoteAddr.String()).
			Dur("lifetime", time.Since(s.createdAt)).Msg("session closed")
	})
}

// Fault closes the session for a protocol-level reason. The first call
// publishes the fault, sends the generic failure acknowledgement and closes;
// later calls do nothing.
func (s *Session) Fault(kind FaultKind, err error) {
	if !s.faulted.CompareAndSwap(false, true) {
		return
	}
	if s.IsClosed() {
		return
	}

	s.logger.Warn().Str("kind", kind.String()).Err(err).Msg("session fault")
	metrics.IncrCounterWithDimGroup("net", "session_fault_total", 1, map[string]string{"kind": kind.String()})
	s.srv.reportFault(&SessionFault{HostID: s.hostID, Kind: kind, Err: err})

	if rmi, merr := s.srv.msgMgr.Marshal(&NotifyProtocolFault{}); merr == nil {
		payload := s.srv.coreCodec.Marshal(&RmiMessage{Data: rmi})
		_ = s.writeDirect(s.srv.frameCodec.Encode(payload), faultAckWriteTimeout)
	}
	s.Close()
}

// writeDirect writes a frame synchronously, bypassing the send channel.
func (s *Session) writeDirect(frame []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := s.conn.Write(frame)
	s.lastWriteTime = time.Time{}
	return err
}

func (s *Session) serve() {
	go s.serveSend()
	go s.serveRecv()
}

func (s *Session) serveSend() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendCh:
			if err := s.write(frame); err != nil {
				if !IsTransportError(err) {
					s.logger.Warn().Err(err).Msg("send failed")
				}
				s.Close()
				return
			}
		}
	}
}

func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.setWriteDeadline()
	_, err := s.conn.Write(frame)
	if err == nil {
		metrics.IncrCounterWithGroup("net", "frames_out_total", 1)
	}
	return err
}

func (s *Session) serveRecv() {
	defer s.Close()

	fr := newFrameReader(s.srv.frameCodec, s.conn, 4096)
	for {
		s.setReadDeadline()
		payload, err := fr.Next()
		if err != nil {
			if s.IsClosed() || IsTransportError(err) {
				s.logger.Debug().Err(err).Msg("connection ended")
				return
			}
			s.Fault(FaultKindOf(err), err)
			return
		}

		s.lastRecv.Store(time.Now().UnixNano())
		metrics.IncrCounterWithGroup("net", "frames_in_total", 1)

		if err := s.handleFrame(payload, false); err != nil {
			s.Fault(FaultKindOf(err), err)
			return
		}
		if s.IsClosed() {
			return
		}
	}
}

var errUdpFrameOnTcp = errors.New("reliable udp frame received on tcp")

// handleFrame decodes one frame payload and hands the RMI to the dispatcher.
// Only decoding failures are returned; dispatch failures are handled by the
// dispatcher fallback.
func (s *Session) handleFrame(payload []byte, viaUdp bool) error {
	codec := s.srv.coreCodec
	res, err := codec.Decode(payload, s.cryptoContext())
	if err != nil {
		return err
	}

	var rmi []byte
	switch m := res.Message.(type) {
	case *RmiMessage:
		rmi = m.Data
	case *ReliableUdpFrameMessage:
		if !viaUdp {
			return &ProtocolError{Op: "decode", Err: errUdpFrameOnTcp}
		}
		inner, err := codec.Decode(m.Data, s.cryptoContext())
		if err != nil {
			return err
		}
		im, ok := inner.Message.(*RmiMessage)
		if !ok {
			return protocolErrorf("decode", "nested reliable udp frame")
		}
		res.Encrypted = res.Encrypted || inner.Encrypted
		rmi = im.Data
	}

	info, msg, err := s.srv.msgMgr.Unmarshal(rmi)
	if err != nil {
		return err
	}

	_ = s.srv.dispatcher.OnMessage(&DispatcherDelivery{
		Session:   s,
		Info:      info,
		Msg:       msg,
		ViaUdp:    viaUdp,
		Encrypted: res.Encrypted,
	})
	return nil
}

// deliverUdp queues a datagram payload for the session's UDP loop. Datagrams
// are dropped when the inbox is full.
func (s *Session) deliverUdp(payload []byte) {
	if s.IsClosed() {
		return
	}
	s.udpOnce.Do(func() { go s.serveUdp() })
	select {
	case s.udpInbox <- payload:
	default:
		metrics.IncrCounterWithGroup("net", "udp_inbox_drop_total", 1)
	}
}

func (s *Session) serveUdp() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.udpInbox:
			if err := s.handleFrame(payload, true); err != nil {
				metrics.IncrCounterWithGroup("net", "udp_decode_error_total", 1)
				s.logger.Debug().Err(err).Msg("drop udp datagram")
			}
		}
	}
}

func (s *Session) assignUdpSocket(sock *UdpSocket) uuid.UUID {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	s.udp = udpBinding{socket: sock, magic: uuid.New()}
	return s.udp.magic
}

func (s *Session) udpSocket() *UdpSocket {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.socket
}

func (s *Session) holepunchMagic() uuid.UUID {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.magic
}

// matchHolepunch reports whether magic is the outstanding token for sock.
func (s *Session) matchHolepunch(sock *UdpSocket, magic uuid.UUID) bool {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udp.socket == sock && s.udp.magic != uuid.Nil && s.udp.magic == magic
}

// setUdpEndpoint records the observed endpoint and returns the previous one.
func (s *Session) setUdpEndpoint(ep netip.AddrPort) netip.AddrPort {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	old := s.udp.endpoint
	s.udp.endpoint = ep
	return old
}

// enableUdp marks the UDP path usable once the client confirmed the match.
func (s *Session) enableUdp(magic uuid.UUID, local netip.AddrPort) bool {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	if s.udp.socket == nil || s.udp.magic != magic || !s.udp.endpoint.IsValid() {
		return false
	}
	s.udp.localEndpoint = local
	s.udp.enabled = true
	return true
}

func (s *Session) disableUdp() {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	s.udp.enabled = false
}

func (s *Session) unbindUdp() {
	s.udpMu.Lock()
	sock := s.udp.socket
	ep := s.udp.endpoint
	s.udp = udpBinding{}
	s.udpMu.Unlock()

	if sock != nil {
		sock.unbind(s, ep)
	}
}

func (s *Session) setReadDeadline() {
	idle := s.srv.transportConfig().IdleTimeout
	if idle == 0 {
		return
	}
	d := time.Duration(idle) * time.Millisecond
	n := time.Now()
	if n.Sub(s.lastReadTime) > min(deadlineRefresh, d/2) {
		s.lastReadTime = n
		_ = s.conn.SetReadDeadline(n.Add(d))
	}
}

func (s *Session) setWriteDeadline() {
	idle := s.srv.transportConfig().IdleTimeout
	if idle == 0 {
		return
	}
	d := time.Duration(idle) * time.Millisecond
	n := time.Now()
	if n.Sub(s.lastWriteTime) > min(deadlineRefresh, d/2) {
		s.lastWriteTime = n
		_ = s.conn.SetWriteDeadline(n.Add(d))
	}
}
