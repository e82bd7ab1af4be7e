// Package registry announces the server's TCP and UDP endpoints in Consul so
// that lobby services can route players to it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/consul/api"

	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
	"github.com/lcx/gamenet/plugin"
)

const factoryName = "consul"

// RegistryCfg is the instance section of the consul registry plugin.
type RegistryCfg struct {
	Address     string   `mapstructure:"address"`
	Token       string   `mapstructure:"token"`
	ServiceName string   `mapstructure:"serviceName"`
	ServiceID   string   `mapstructure:"serviceId"`
	Tags        []string `mapstructure:"tags"`
	// TTLMs is the health check TTL; the check is refreshed every HeartbeatMs.
	TTLMs       int `mapstructure:"ttlMs"`
	HeartbeatMs int `mapstructure:"heartbeatMs"`
	// DeregisterAfterMs lets Consul drop the service after it stays critical.
	DeregisterAfterMs int    `mapstructure:"deregisterAfterMs"`
	Tag               string `mapstructure:"tag"`
}

// DefaultRegistryCfg returns the defaults applied before the plugin section.
func DefaultRegistryCfg() *RegistryCfg {
	return &RegistryCfg{
		Address:           "127.0.0.1:8500",
		ServiceName:       "gamenet",
		TTLMs:             15000,
		HeartbeatMs:       5000,
		DeregisterAfterMs: 60000,
	}
}

// GetName returns the configuration name for RegistryCfg
func (c *RegistryCfg) GetName() string {
	return "registry"
}

// Validate validates the RegistryCfg parameters
func (c *RegistryCfg) Validate() error {
	if c.Address == "" {
		return errors.New("consul address cannot be empty")
	}
	if c.ServiceName == "" {
		return errors.New("serviceName cannot be empty")
	}
	if c.TTLMs <= 0 || c.HeartbeatMs <= 0 {
		return errors.New("ttlMs and heartbeatMs must be positive")
	}
	if c.HeartbeatMs >= c.TTLMs {
		return fmt.Errorf("heartbeatMs %d must be shorter than ttlMs %d", c.HeartbeatMs, c.TTLMs)
	}
	return nil
}

func decodeCfg(v map[string]any) (*RegistryCfg, error) {
	cfg := DefaultRegistryCfg()
	if err := mapstructure.Decode(v, cfg); err != nil {
		return nil, fmt.Errorf("decode registry config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Endpoint is what gets announced.
type Endpoint struct {
	// TCPAddr is host:port of the client listener.
	TCPAddr  string
	UDPPorts []uint16
	Meta     map[string]string
}

// ConsulRegistrar registers one service instance with a TTL check and keeps
// the check passing until Deregister.
type ConsulRegistrar struct {
	cfg    atomic.Pointer[RegistryCfg]
	client *api.Client

	lock      sync.Mutex
	serviceID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewConsulRegistrar creates a registrar. It does not contact Consul.
func NewConsulRegistrar(cfg *RegistryCfg) (*ConsulRegistrar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ccfg := api.DefaultConfig()
	ccfg.Address = cfg.Address
	ccfg.Token = cfg.Token
	client, err := api.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	r := &ConsulRegistrar{client: client}
	r.cfg.Store(cfg)
	return r, nil
}

// FactoryName implements plugin.Plugin.
func (r *ConsulRegistrar) FactoryName() string { return factoryName }

// ServiceID returns the registered id, or "" before Register.
func (r *ConsulRegistrar) ServiceID() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.serviceID
}

func checkID(serviceID string) string { return "service:" + serviceID }

func msString(ms int) string { return (time.Duration(ms) * time.Millisecond).String() }

// Register announces ep and starts the heartbeat. Registering again replaces
// the previous announcement.
func (r *ConsulRegistrar) Register(ctx context.Context, ep Endpoint) error {
	cfg := r.cfg.Load()
	host, portStr, err := net.SplitHostPort(ep.TCPAddr)
	if err != nil {
		return fmt.Errorf("registry tcp addr %q: %w", ep.TCPAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("registry tcp port %q: %w", portStr, err)
	}

	id := cfg.ServiceID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", cfg.ServiceName, host, port)
	}
	meta := map[string]string{}
	for k, v := range ep.Meta {
		meta[k] = v
	}
	if len(ep.UDPPorts) > 0 {
		ports := make([]string, len(ep.UDPPorts))
		for i, p := range ep.UDPPorts {
			ports[i] = strconv.Itoa(int(p))
		}
		meta["udp_ports"] = strings.Join(ports, ",")
	}

	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    cfg.ServiceName,
		Tags:    cfg.Tags,
		Address: host,
		Port:    port,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(id),
			TTL:                            msString(cfg.TTLMs),
			DeregisterCriticalServiceAfter: msString(cfg.DeregisterAfterMs),
		},
	}

	r.stopHeartbeat()
	if err := r.client.Agent().ServiceRegisterOpts(reg, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		metrics.IncrCounterWithGroup("registry", "register_error_total", 1)
		return fmt.Errorf("consul register %s: %w", id, err)
	}
	if err := r.client.Agent().UpdateTTLOpts(checkID(id), "registered", api.HealthPassing, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		log.Warn().Err(err).Str("service", id).Msg("initial ttl update failed")
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	r.lock.Lock()
	r.serviceID = id
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.lock.Unlock()

	go r.heartbeat(hbCtx, id, done)
	log.Info().Str("service", id).Str("addr", ep.TCPAddr).Msg("registered with consul")
	return nil
}

func (r *ConsulRegistrar) heartbeat(ctx context.Context, id string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(r.cfg.Load().HeartbeatMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.client.Agent().UpdateTTLOpts(checkID(id), "alive", api.HealthPassing, (&api.QueryOptions{}).WithContext(ctx))
			if err != nil && ctx.Err() == nil {
				metrics.IncrCounterWithGroup("registry", "heartbeat_error_total", 1)
				log.Warn().Err(err).Str("service", id).Msg("consul ttl update failed")
			}
		}
	}
}

func (r *ConsulRegistrar) stopHeartbeat() {
	r.lock.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.lock.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Deregister stops the heartbeat and removes the service.
func (r *ConsulRegistrar) Deregister() error {
	r.stopHeartbeat()
	r.lock.Lock()
	id := r.serviceID
	r.serviceID = ""
	r.lock.Unlock()
	if id == "" {
		return nil
	}
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("consul deregister %s: %w", id, err)
	}
	log.Info().Str("service", id).Msg("deregistered from consul")
	return nil
}

// reload applies timing changes. Anything that changes the registration
// itself requires a new instance.
func (r *ConsulRegistrar) reload(cfg *RegistryCfg) error {
	cur := r.cfg.Load()
	if cfg.Address != cur.Address || cfg.Token != cur.Token || cfg.ServiceName != cur.ServiceName ||
		cfg.ServiceID != cur.ServiceID || strings.Join(cfg.Tags, ",") != strings.Join(cur.Tags, ",") {
		return errors.New("registration changed")
	}
	r.cfg.Store(cfg)
	return nil
}

type consulFactory struct{}

func (consulFactory) Type() plugin.Type { return plugin.Registry }

func (consulFactory) Name() string { return factoryName }

func (consulFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg, err := decodeCfg(v)
	if err != nil {
		return nil, err
	}
	return NewConsulRegistrar(cfg)
}

func (consulFactory) Destroy(p plugin.Plugin, _ any) error {
	r, ok := p.(*ConsulRegistrar)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	return r.Deregister()
}

func (consulFactory) Reload(p plugin.Plugin, v map[string]any) error {
	r, ok := p.(*ConsulRegistrar)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	cfg, err := decodeCfg(v)
	if err != nil {
		return err
	}
	return r.reload(cfg)
}

func (consulFactory) CanDelete(plugin.Plugin) bool { return true }

func init() {
	plugin.RegisterPlugin(consulFactory{})
}

// Default returns the default consul registrar instance, if configured.
func Default() (*ConsulRegistrar, bool) {
	p, err := plugin.GetDefaultPlugin(string(plugin.Registry), factoryName)
	if err != nil {
		return nil, false
	}
	r, ok := p.(*ConsulRegistrar)
	return r, ok
}
