package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent records the agent endpoints the registrar calls.
type fakeAgent struct {
	mu           sync.Mutex
	registered   *api.AgentServiceRegistration
	ttlUpdates   []string
	deregistered []string
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, _ := url.PathUnescape(r.URL.EscapedPath())
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.registered = &reg
	case strings.HasPrefix(path, "/v1/agent/check/update/"):
		a.ttlUpdates = append(a.ttlUpdates, strings.TrimPrefix(path, "/v1/agent/check/update/"))
	case strings.HasPrefix(path, "/v1/agent/service/deregister/"):
		a.deregistered = append(a.deregistered, strings.TrimPrefix(path, "/v1/agent/service/deregister/"))
	default:
		http.NotFound(w, r)
	}
}

func (a *fakeAgent) ttlCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ttlUpdates)
}

func newFakeAgent(t *testing.T) (*fakeAgent, string) {
	t.Helper()
	agent := &fakeAgent{}
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)
	return agent, strings.TrimPrefix(srv.URL, "http://")
}

func testCfg(addr string) *RegistryCfg {
	cfg := DefaultRegistryCfg()
	cfg.Address = addr
	cfg.Tags = []string{"eu"}
	cfg.TTLMs = 1000
	cfg.HeartbeatMs = 30
	return cfg
}

func TestRegistryCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultRegistryCfg().Validate())

	cfg := DefaultRegistryCfg()
	cfg.Address = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultRegistryCfg()
	cfg.HeartbeatMs = cfg.TTLMs
	assert.Error(t, cfg.Validate())

	cfg = DefaultRegistryCfg()
	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())
}

func TestConsulRegisterHeartbeatDeregister(t *testing.T) {
	agent, addr := newFakeAgent(t)
	r, err := NewConsulRegistrar(testCfg(addr))
	require.NoError(t, err)
	assert.Empty(t, r.ServiceID())

	ep := Endpoint{TCPAddr: "10.0.0.5:6000", UDPPorts: []uint16{6001, 6002}, Meta: map[string]string{"region": "eu"}}
	require.NoError(t, r.Register(context.Background(), ep))

	id := "gamenet-10.0.0.5-6000"
	assert.Equal(t, id, r.ServiceID())

	agent.mu.Lock()
	reg := agent.registered
	agent.mu.Unlock()
	require.NotNil(t, reg)
	assert.Equal(t, id, reg.ID)
	assert.Equal(t, "gamenet", reg.Name)
	assert.Equal(t, "10.0.0.5", reg.Address)
	assert.Equal(t, 6000, reg.Port)
	assert.Equal(t, []string{"eu"}, reg.Tags)
	assert.Equal(t, "6001,6002", reg.Meta["udp_ports"])
	assert.Equal(t, "eu", reg.Meta["region"])
	require.NotNil(t, reg.Check)
	assert.Equal(t, "service:"+id, reg.Check.CheckID)
	assert.Equal(t, "1s", reg.Check.TTL)
	assert.Equal(t, "1m0s", reg.Check.DeregisterCriticalServiceAfter)

	assert.Eventually(t, func() bool { return agent.ttlCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
	agent.mu.Lock()
	assert.Equal(t, "service:"+id, agent.ttlUpdates[0])
	agent.mu.Unlock()

	require.NoError(t, r.Deregister())
	assert.Empty(t, r.ServiceID())
	settled := agent.ttlCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, agent.ttlCount(), "heartbeat stopped")

	require.NoError(t, r.Deregister())
	agent.mu.Lock()
	assert.Equal(t, []string{id}, agent.deregistered)
	agent.mu.Unlock()
}

func TestConsulRegisterExplicitServiceID(t *testing.T) {
	agent, addr := newFakeAgent(t)
	cfg := testCfg(addr)
	cfg.ServiceID = "match-7"
	r, err := NewConsulRegistrar(cfg)
	require.NoError(t, err)

	require.NoError(t, r.Register(context.Background(), Endpoint{TCPAddr: "127.0.0.1:6000"}))
	defer r.Deregister()

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, "match-7", agent.registered.ID)
	assert.NotContains(t, agent.registered.Meta, "udp_ports")
}

func TestConsulRegisterBadAddress(t *testing.T) {
	_, addr := newFakeAgent(t)
	r, err := NewConsulRegistrar(testCfg(addr))
	require.NoError(t, err)

	assert.Error(t, r.Register(context.Background(), Endpoint{TCPAddr: "no-port"}))
	assert.Error(t, r.Register(context.Background(), Endpoint{TCPAddr: "host:http"}))
	assert.Empty(t, r.ServiceID())
}

func TestConsulRegisterAgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "acl denied", http.StatusForbidden)
	}))
	defer srv.Close()

	r, err := NewConsulRegistrar(testCfg(strings.TrimPrefix(srv.URL, "http://")))
	require.NoError(t, err)
	assert.Error(t, r.Register(context.Background(), Endpoint{TCPAddr: "127.0.0.1:6000"}))
	assert.Empty(t, r.ServiceID())
}

func TestConsulFactory(t *testing.T) {
	agent, addr := newFakeAgent(t)
	f := consulFactory{}
	assert.Equal(t, "consul", f.Name())

	_, err := f.Setup(map[string]any{"address": addr, "ttlMs": 100, "heartbeatMs": 200})
	assert.Error(t, err)

	p, err := f.Setup(map[string]any{"address": addr, "serviceName": "lobby", "ttlMs": 1000, "heartbeatMs": 50})
	require.NoError(t, err)
	r := p.(*ConsulRegistrar)
	assert.Equal(t, "lobby", r.cfg.Load().ServiceName)
	assert.Equal(t, 60000, r.cfg.Load().DeregisterAfterMs, "defaults kept")

	require.NoError(t, f.Reload(p, map[string]any{"address": addr, "serviceName": "lobby", "ttlMs": 2000, "heartbeatMs": 100}))
	assert.Equal(t, 2000, r.cfg.Load().TTLMs)
	assert.Error(t, f.Reload(p, map[string]any{"address": addr, "serviceName": "other"}))

	require.NoError(t, r.Register(context.Background(), Endpoint{TCPAddr: "127.0.0.1:6000"}))
	require.NoError(t, f.Destroy(p, nil))
	agent.mu.Lock()
	assert.Len(t, agent.deregistered, 1)
	agent.mu.Unlock()
	assert.True(t, f.CanDelete(p))
}
