package net

import (
	"context"
	"errors"
	"time"

	"github.com/lcx/gamenet/metrics"
)

var errUdpMagicMismatch = errors.New("udp matched with unknown magic")

// registerCoreHandlers wires the engine's own RMIs into the dispatcher.
// Messages the server only sends have no handler, so a client sending them
// is faulted as unhandled.
func (srv *Server) registerCoreHandlers() error {
	d := srv.dispatcher
	regs := []func() error{
		func() error { return Rule[NotifyCSSessionKey](d, NotHandshaked) },
		func() error { return On(d, srv.onSessionKey) },
		func() error { return On(d, srv.onPing) },
		func() error { return On(d, srv.onShutdownTcp) },

		func() error { return Rule[C2SRequestCreateUdpSocket](d, Handshaked, UdpNotAssigned) },
		func() error { return On(d, srv.onRequestCreateUdpSocket) },
		func() error { return Rule[C2SCreateUdpSocketAck](d, UdpAssigned) },
		func() error { return On(d, srv.onCreateUdpSocketAck) },
		func() error { return Rule[ServerHolepunch](d, UdpAssigned) },
		func() error { return d.RegisterHandler(RmiServerHolepunch, HandlerFunc(srv.onServerHolepunch)) },
		func() error { return Rule[NotifyClientServerUdpMatched](d, UdpAssigned) },
		func() error { return On(d, srv.onUdpMatched) },
		func() error { return Rule[NotifyUdpToTcpFallbackByClient](d, UdpAssigned) },
		func() error { return On(d, srv.onUdpFallback) },

		func() error { return Rule[P2PGroupMemberJoinAck](d, InP2PGroup) },
		func() error {
			return On(d, func(_ context.Context, s *Session, m *P2PGroupMemberJoinAck) (bool, error) {
				srv.p2p.OnJoinAck(s, m)
				return true, nil
			})
		},
		func() error { return Rule[NotifyP2PHolepunchSuccess](d, InP2PGroup) },
		func() error {
			return On(d, func(_ context.Context, s *Session, m *NotifyP2PHolepunchSuccess) (bool, error) {
				srv.p2p.OnHolepunchSuccess(s, m)
				return true, nil
			})
		},
		func() error { return Rule[NotifyJitDirectP2PTriggered](d, InP2PGroup) },
		func() error {
			return On(d, func(_ context.Context, s *Session, m *NotifyJitDirectP2PTriggered) (bool, error) {
				srv.p2p.OnJitTriggered(s, m)
				return true, nil
			})
		},
		func() error { return Rule[NotifyDirectP2PDisconnected](d, InP2PGroup) },
		func() error {
			return On(d, func(_ context.Context, s *Session, m *NotifyDirectP2PDisconnected) (bool, error) {
				srv.p2p.OnDirectDisconnected(s, m)
				return true, nil
			})
		},
		func() error { return Rule[RelayRequest](d, InP2PGroup) },
		func() error {
			return On(d, func(_ context.Context, s *Session, m *RelayRequest) (bool, error) {
				srv.p2p.Relay(s, m)
				return true, nil
			})
		},
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// onSessionKey completes the handshake. With encryption on, the client
// public key is combined with the session key pair and the session GUID.
// The key pair is taken out of the session first so Close cannot wipe it
// mid-derivation.
func (srv *Server) onSessionKey(_ context.Context, s *Session, m *NotifyCSSessionKey) (bool, error) {
	if kp := s.keyPair.Swap(nil); kp != nil {
		c, err := kp.DeriveContext(m.ClientPublicKey, s.guid[:])
		kp.Wipe()
		if err != nil {
			return false, err
		}
		s.crypt.Store(c)
		// Close may have run while deriving; it only releases what it saw.
		if s.IsClosed() {
			if c := s.crypt.Swap(nil); c != nil {
				c.Release()
			}
			return true, nil
		}
	}
	if !s.handshaked.CompareAndSwap(false, true) {
		return true, nil
	}

	if err := s.sendCore(&NotifyServerConnectSuccess{HostID: s.hostID, SessionGUID: s.guid}); err != nil {
		return false, err
	}
	s.logger.Info().Bool("encrypted", s.cryptoContext() != nil).Msg("session handshaked")
	metrics.IncrCounterWithGroup("net", "handshake_total", 1)
	if srv.onConnected != nil {
		srv.onConnected(s)
	}
	return true, nil
}

func (srv *Server) onPing(_ context.Context, s *Session, m *ReliablePing) (bool, error) {
	pong := &ReliablePong{ClientTimeMs: m.ClientTimeMs, ServerTimeMs: uint64(time.Now().UnixMilli())}
	if err := s.sendCore(pong); err != nil && !errors.Is(err, ErrSessionClosed) {
		return false, err
	}
	return true, nil
}

// onShutdownTcp acknowledges a graceful client disconnect before closing.
func (srv *Server) onShutdownTcp(_ context.Context, s *Session, _ *ShutdownTcp) (bool, error) {
	rmi, err := srv.msgMgr.Marshal(&ShutdownTcpAck{})
	if err != nil {
		return false, err
	}
	payload, err := srv.coreCodec.EncodeRmi(rmi, s.coreOptions(), s.cryptoContext())
	if err != nil {
		return false, err
	}
	_ = s.writeDirect(srv.frameCodec.Encode(payload), faultAckWriteTimeout)
	s.Close()
	return true, nil
}

func (srv *Server) onRequestCreateUdpSocket(_ context.Context, s *Session, _ *C2SRequestCreateUdpSocket) (bool, error) {
	sock, err := srv.udp.Assign(s)
	if err != nil {
		// No UDP socket is bound; the client stays on TCP.
		s.logger.Debug().Err(err).Msg("udp socket unavailable")
		return true, nil
	}
	s.assignUdpSocket(sock)
	return true, s.sendCore(&S2CRequestCreateUdpSocket{Endpoint: sock.PublicEndpoint()})
}

func (srv *Server) onCreateUdpSocketAck(_ context.Context, s *Session, m *C2SCreateUdpSocketAck) (bool, error) {
	if !m.Succeed {
		s.unbindUdp()
		s.logger.Debug().Msg("client could not create udp socket")
		return true, nil
	}
	return true, s.sendCore(&RequestStartServerHolepunch{Magic: s.holepunchMagic()})
}

// onServerHolepunch answers a repeated holepunch arriving from an endpoint
// already learned, which happens when the first ack was lost.
func (srv *Server) onServerHolepunch(_ context.Context, dd *DispatcherDelivery) (bool, error) {
	m := dd.Msg.(*ServerHolepunch)
	s := dd.Session
	if !dd.ViaUdp || m.HostID != s.hostID {
		return true, nil
	}
	sock := s.udpSocket()
	ep := s.UdpEndpoint()
	if sock == nil || !ep.IsValid() || !s.matchHolepunch(sock, m.Magic) {
		return true, nil
	}
	sock.sendHolepunchAck(s, m, ep)
	return true, nil
}

func (srv *Server) onUdpMatched(_ context.Context, s *Session, m *NotifyClientServerUdpMatched) (bool, error) {
	if !s.enableUdp(m.Magic, m.LocalEndpoint) {
		return false, &ProtocolError{Op: "udp matched", Err: errUdpMagicMismatch}
	}
	s.logger.Info().Str("endpoint", s.UdpEndpoint().String()).Msg("udp enabled")
	metrics.IncrCounterWithGroup("net", "udp_matched_total", 1)
	srv.p2p.OnUdpEnabled(s)
	return true, nil
}

func (srv *Server) onUdpFallback(_ context.Context, s *Session, _ *NotifyUdpToTcpFallbackByClient) (bool, error) {
	s.disableUdp()
	s.logger.Info().Msg("client fell back to tcp")
	return true, nil
}
