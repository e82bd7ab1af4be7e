package net

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptRecorder struct {
	conns chan net.Conn
}

func (r *acceptRecorder) OnAccept(conn net.Conn) { r.conns <- conn }

func TestTCPTransportCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultTCPTransportCfg().Validate())

	tests := []struct {
		name   string
		mutate func(*TCPTransportCfg)
	}{
		{"empty addr", func(c *TCPTransportCfg) { c.Addr = "" }},
		{"zero buffer", func(c *TCPTransportCfg) { c.MaxBufferSize = 0 }},
		{"zero send channel", func(c *TCPTransportCfg) { c.SendChannelSize = 0 }},
		{"zero frame length", func(c *TCPTransportCfg) { c.MaxFrameLength = 0 }},
		{"zero magic", func(c *TCPTransportCfg) { c.Magic = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTCPTransportCfg()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTCPTransportAcceptAndStop(t *testing.T) {
	cfg := DefaultTCPTransportCfg()
	cfg.Addr = "127.0.0.1:0"
	tr := NewTCPTransportWithConfig(cfg)
	assert.Nil(t, tr.Addr())
	assert.Error(t, tr.Start(TransportOption{}))

	rec := &acceptRecorder{conns: make(chan net.Conn, 1)}
	require.NoError(t, tr.Start(TransportOption{Handler: rec}))
	addr := tr.Addr()
	require.NotNil(t, addr)

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	select {
	case conn := <-rec.conns:
		assert.Equal(t, client.LocalAddr().String(), conn.RemoteAddr().String())
		_ = conn.Close()
	case <-time.After(testWait):
		t.Fatal("connection not accepted")
	}

	require.NoError(t, tr.Stop())
	assert.Nil(t, tr.Addr())
	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.NoError(t, tr.Stop())
}

func TestTCPTransportReloadKeepsListenFields(t *testing.T) {
	tr := NewTCPTransportWithConfig(DefaultTCPTransportCfg())

	next := DefaultTCPTransportCfg()
	next.Addr = ":7000"
	next.Magic = 0x1111
	next.IdleTimeout = 5000
	require.NoError(t, tr.OnConfigChanged("tcp_transport", next, nil))

	cur := tr.Config()
	assert.Equal(t, ":6000", cur.Addr)
	assert.Equal(t, DefaultMagic, cur.Magic)
	assert.Equal(t, uint32(5000), cur.IdleTimeout)

	bad := DefaultTCPTransportCfg()
	bad.SendChannelSize = 0
	assert.Error(t, tr.OnConfigChanged("tcp_transport", bad, nil))
}

func TestSessionIdleTimeout(t *testing.T) {
	srv := newTestServer(t, func(o *Options) { o.TCP.IdleTimeout = 300 })
	c := connectTestClient(t, srv)
	c.expectClosed()
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, testWait, 10*time.Millisecond)
}
