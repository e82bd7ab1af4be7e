package net

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type udpClient struct {
	*testClient
	udp    *net.UDPConn
	server netip.AddrPort
	magic  uuid.UUID
}

// startUdp runs the TCP side of UDP negotiation up to the holepunch request.
func startUdp(t *testing.T, c *testClient) *udpClient {
	t.Helper()
	c.sendSecure(&C2SRequestCreateUdpSocket{})
	create := expectMsg[S2CRequestCreateUdpSocket](c)
	require.True(t, create.Endpoint.IsValid())

	c.sendSecure(&C2SCreateUdpSocketAck{Succeed: true})
	start := expectMsg[RequestStartServerHolepunch](c)
	require.NotEqual(t, uuid.Nil, start.Magic)

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &udpClient{testClient: c, udp: conn, server: create.Endpoint, magic: start.Magic}
}

func (u *udpClient) localEndpoint() netip.AddrPort {
	return u.udp.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (u *udpClient) sendDatagram(msg any, opts SendOptions) {
	u.t.Helper()
	_, err := u.udp.WriteToUDPAddrPort(u.encode(msg, opts), u.server)
	require.NoError(u.t, err)
}

func (u *udpClient) recvDatagram(wait time.Duration) (any, error) {
	buf := make([]byte, maxDatagramSize)
	_ = u.udp.SetReadDeadline(time.Now().Add(wait))
	n, _, err := u.udp.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, err
	}
	payload, _, err := u.srv.frameCodec.Decode(buf[:n])
	if err != nil {
		return nil, err
	}
	res, err := u.srv.coreCodec.Decode(payload, u.crypt)
	if err != nil {
		return nil, err
	}
	_, msg, err := u.srv.msgMgr.Unmarshal(res.Message.(*RmiMessage).Data)
	return msg, err
}

func (u *udpClient) holepunch() *ServerHolepunchAck {
	u.t.Helper()
	u.sendDatagram(&ServerHolepunch{HostID: u.hostID, Magic: u.magic}, SendPlain)
	msg, err := u.recvDatagram(testWait)
	require.NoError(u.t, err)
	ack, ok := msg.(*ServerHolepunchAck)
	require.Truef(u.t, ok, "got %T", msg)
	return ack
}

func (u *udpClient) match() {
	u.t.Helper()
	u.holepunch()
	u.sendSecure(&NotifyClientServerUdpMatched{Magic: u.magic, LocalEndpoint: u.localEndpoint()})
	require.Eventually(u.t, func() bool { return u.session().IsUdpEnabled() }, testWait, 10*time.Millisecond)
}

func TestUdpHolepunchLearnsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	u := startUdp(t, connectTestClient(t, srv))
	s := u.session()
	assert.True(t, s.UdpAssigned())
	assert.False(t, s.IsUdpEnabled())

	ack := u.holepunch()
	assert.Equal(t, u.magic, ack.Magic)
	assert.Equal(t, u.localEndpoint(), ack.Endpoint)
	assert.Equal(t, u.localEndpoint(), s.UdpEndpoint())

	sock := srv.UDP().Sockets()[0]
	got, ok := sock.SessionByEndpoint(u.localEndpoint())
	require.True(t, ok)
	assert.Equal(t, s, got)

	// A repeated holepunch from the learned endpoint is acked again.
	assert.Equal(t, u.magic, u.holepunch().Magic)

	u.sendSecure(&NotifyClientServerUdpMatched{Magic: u.magic, LocalEndpoint: u.localEndpoint()})
	assert.Eventually(t, s.IsUdpEnabled, testWait, 10*time.Millisecond)
	assert.Equal(t, u.localEndpoint(), s.UdpLocalEndpoint())
}

func TestUdpHolepunchWrongMagicIgnored(t *testing.T) {
	srv := newTestServer(t, nil)
	u := startUdp(t, connectTestClient(t, srv))

	u.sendDatagram(&ServerHolepunch{HostID: u.hostID, Magic: uuid.New()}, SendPlain)
	_, err := u.recvDatagram(quiet)
	require.Error(t, err)
	assert.False(t, u.session().UdpEndpoint().IsValid())

	u.sendDatagram(&ServerHolepunch{HostID: u.hostID + 1, Magic: u.magic}, SendPlain)
	_, err = u.recvDatagram(quiet)
	require.Error(t, err)
}

func TestUdpMatchedWithUnknownMagicFaults(t *testing.T) {
	srv := newTestServer(t, nil)
	u := startUdp(t, connectTestClient(t, srv))
	u.holepunch()

	u.sendSecure(&NotifyClientServerUdpMatched{Magic: uuid.New()})
	expectMsg[NotifyProtocolFault](u.testClient)
	u.expectClosed()
	assert.Equal(t, FaultProtocol, (<-srv.Errors()).Kind)
}

func TestUdpRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	viaUdp := make(chan bool, 1)
	require.NoError(t, srv.Dispatcher().RegisterHandler(testChatID, HandlerFunc(func(_ context.Context, dd *DispatcherDelivery) (bool, error) {
		viaUdp <- dd.ViaUdp
		return true, nil
	})))

	u := startUdp(t, connectTestClient(t, srv))
	u.match()
	s := u.session()

	require.NoError(t, s.SendUDP(wrapperspb.String("over udp"), SendSecure))
	msg, err := u.recvDatagram(testWait)
	require.NoError(t, err)
	assert.Equal(t, "over udp", msg.(*wrapperspb.StringValue).GetValue())

	u.sendDatagram(wrapperspb.String("from client"), SendSecure)
	select {
	case v := <-viaUdp:
		assert.True(t, v)
	case <-time.After(testWait):
		t.Fatal("udp message not dispatched")
	}

	require.NoError(t, s.SendUnreliable(wrapperspb.String("unreliable"), SendSecure))
	msg, err = u.recvDatagram(testWait)
	require.NoError(t, err)
	assert.Equal(t, "unreliable", msg.(*wrapperspb.StringValue).GetValue())
}

func TestUdpReliableFrameRejectedOnTcp(t *testing.T) {
	srv := newTestServer(t, nil)
	c := connectTestClient(t, srv)

	rmi, err := srv.msgMgr.Marshal(&ReliablePing{})
	require.NoError(t, err)
	inner := srv.coreCodec.Marshal(&RmiMessage{Data: rmi})
	outer, err := srv.coreCodec.Encode(&ReliableUdpFrameMessage{Tag: 1, Data: inner}, SendOptions{Encrypt: true}, c.crypt)
	require.NoError(t, err)
	_, err = c.conn.Write(srv.frameCodec.Encode(outer))
	require.NoError(t, err)

	expectMsg[NotifyProtocolFault](c)
	assert.Equal(t, FaultProtocol, (<-srv.Errors()).Kind)
}

func TestUdpFallbackToTcp(t *testing.T) {
	srv := newTestServer(t, nil)
	u := startUdp(t, connectTestClient(t, srv))
	u.match()
	s := u.session()

	u.sendSecure(&NotifyUdpToTcpFallbackByClient{})
	require.Eventually(t, func() bool { return !s.IsUdpEnabled() }, testWait, 10*time.Millisecond)
	assert.ErrorIs(t, s.SendUDP(wrapperspb.String("x"), SendSecure), ErrNoUdpBinding)

	require.NoError(t, s.SendUnreliable(wrapperspb.String("tcp"), SendSecure))
	got := expectMsg[wrapperspb.StringValue](u.testClient)
	assert.Equal(t, "tcp", got.GetValue())
}

func TestUdpSecondCreateRequestDropped(t *testing.T) {
	srv := newTestServer(t, nil)
	u := startUdp(t, connectTestClient(t, srv))

	u.sendSecure(&C2SRequestCreateUdpSocket{})
	u.expectSilence(quiet)
}

func TestUdpCloseUnbinds(t *testing.T) {
	srv := newTestServer(t, nil)
	u := startUdp(t, connectTestClient(t, srv))
	u.match()
	sock := srv.UDP().Sockets()[0]

	u.session().Close()
	_, ok := sock.SessionByEndpoint(u.localEndpoint())
	assert.False(t, ok)
	assert.Zero(t, sock.count.Load())
}

func TestUdpAssignLeastLoaded(t *testing.T) {
	srv := newTestServer(t, func(o *Options) {
		o.UDP = &UdpCfg{Addrs: []string{"127.0.0.1:0", "127.0.0.1:0"}, InboxSize: 4}
	})
	socks := srv.UDP().Sockets()
	require.Len(t, socks, 2)

	a := connectTestClient(t, srv).session()
	b := connectTestClient(t, srv).session()
	sa, err := srv.UDP().Assign(a)
	require.NoError(t, err)
	sb, err := srv.UDP().Assign(b)
	require.NoError(t, err)
	assert.NotSame(t, sa, sb)
}

func TestUdpCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultUdpCfg().Validate())
	assert.Error(t, (&UdpCfg{Addrs: []string{""}, InboxSize: 1}).Validate())
	assert.Error(t, (&UdpCfg{InboxSize: 0}).Validate())
	assert.Error(t, (&UdpCfg{InboxSize: 1, RecvRateLimit: -1}).Validate())
}
