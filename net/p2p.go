package net

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
)

var (
	ErrGroupNotFound  = errors.New("p2p group not found")
	ErrAlreadyInGroup = errors.New("session already in a p2p group")
	ErrNotInGroup     = errors.New("session not in the p2p group")
)

// P2PCfg configures the P2P coordinator.
type P2PCfg struct {
	AllowDirectP2P bool `mapstructure:"allowDirectP2P"`
	// HolepunchRetryMs is the age after which an unfinished holepunch is
	// requested again.
	HolepunchRetryMs int `mapstructure:"holepunchRetryMs"`
	TickMs           int `mapstructure:"tickMs"`
}

// DefaultP2PCfg returns the defaults used before config files are applied.
func DefaultP2PCfg() *P2PCfg {
	return &P2PCfg{
		AllowDirectP2P:   true,
		HolepunchRetryMs: 3000,
		TickMs:           1000,
	}
}

// GetName returns the configuration name for P2PCfg
func (c *P2PCfg) GetName() string {
	return "p2p"
}

// Validate validates the P2PCfg parameters
func (c *P2PCfg) Validate() error {
	if c.HolepunchRetryMs <= 0 {
		return errors.New("HolepunchRetryMs must be positive")
	}
	if c.TickMs <= 0 {
		return errors.New("TickMs must be positive")
	}
	return nil
}

// ConnectionState is what one member knows about its link to another.
type ConnectionState struct {
	isJoined         bool
	isInitialized    bool
	holepunchSuccess bool
	jitTriggered     bool
	eventID          uint32
	lastHolepunch    time.Time
}

// RemotePeer is a group member and its per-peer connection states.
type RemotePeer struct {
	Session *Session
	states  map[HostID]*ConnectionState
}

type pairKey struct {
	lo, hi HostID
}

func makePairKey(a, b HostID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// pairLink serializes state transitions of one pair. The one-time
// notifications are recorded here so racing acks cannot send them twice.
type pairLink struct {
	mu          sync.Mutex
	recycled    bool
	jitNotified bool
}

// P2PGroup is a set of sessions allowed to talk to each other, directly when
// holepunching succeeds, otherwise through server relay.
type P2PGroup struct {
	hostID      HostID
	allowDirect bool
	mgr         *P2PGroupManager

	mu          sync.RWMutex
	members     map[HostID]*RemotePeer
	links       map[pairKey]*pairLink
	nextEventID uint32
}

// HostID returns the group id. It shares the id space with sessions.
func (g *P2PGroup) HostID() HostID { return g.hostID }

// AllowDirect reports whether members are asked to holepunch.
func (g *P2PGroup) AllowDirect() bool { return g.allowDirect }

// Members returns the member host ids in ascending order.
func (g *P2PGroup) Members() []HostID {
	g.mu.RLock()
	ids := make([]HostID, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Member returns the session of a member.
func (g *P2PGroup) Member(id HostID) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.members[id]; ok {
		return p.Session
	}
	return nil
}

// IsDirect reports whether both sides of the pair reported holepunch success.
func (g *P2PGroup) IsDirect(a, b HostID) bool {
	p, ok := g.pair(a, b)
	if !ok {
		return false
	}
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	return p.ab.holepunchSuccess && p.ba.holepunchSuccess
}

// peerPair is a snapshot of one pair taken under the group lock. The state
// pointers stay valid after a member leaves; they are only detached from the
// group, so transitions on them no longer matter.
type peerPair struct {
	a, b   *RemotePeer
	ab, ba *ConnectionState
	link   *pairLink
}

// pair looks up both peers, their states about each other and their link.
// Fields of the returned states are guarded by link.mu.
func (g *P2PGroup) pair(a, b HostID) (peerPair, bool) {
	if a == b {
		return peerPair{}, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	pa, pb := g.members[a], g.members[b]
	if pa == nil || pb == nil {
		return peerPair{}, false
	}
	p := peerPair{a: pa, b: pb, ab: pa.states[b], ba: pb.states[a], link: g.links[makePairKey(a, b)]}
	if p.ab == nil || p.ba == nil || p.link == nil {
		return peerPair{}, false
	}
	return p, true
}

// P2PGroupManager creates groups, tracks membership and drives the
// holepunch protocol between members.
type P2PGroupManager struct {
	srv *Server
	cfg atomic.Pointer[P2PCfg]

	lock   sync.RWMutex
	groups map[HostID]*P2PGroup
}

func newP2PGroupManager(srv *Server, cfg *P2PCfg) *P2PGroupManager {
	m := &P2PGroupManager{srv: srv, groups: make(map[HostID]*P2PGroup)}
	m.cfg.Store(cfg)
	return m
}

// Config returns the active configuration.
func (m *P2PGroupManager) Config() *P2PCfg {
	return m.cfg.Load()
}

// OnConfigChanged implements config.ConfigChangeListener.
func (m *P2PGroupManager) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "p2p" {
		return nil
	}
	newCfg, ok := newConfig.(*P2PCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for P2PGroupManager")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid p2p configuration: %w", err)
	}
	m.cfg.Store(newCfg)
	log.Info().Str("configName", configName).Msg("P2P configuration updated successfully")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (m *P2PGroupManager) GetConfigName() string {
	return "p2p"
}

// CreateGroup creates an empty group. Direct connections are attempted only
// when both allowDirect and the configuration permit it.
func (m *P2PGroupManager) CreateGroup(allowDirect bool) *P2PGroup {
	g := &P2PGroup{
		hostID:      m.srv.allocHostID(),
		allowDirect: allowDirect && m.cfg.Load().AllowDirectP2P,
		mgr:         m,
		members:     make(map[HostID]*RemotePeer),
		links:       make(map[pairKey]*pairLink),
	}
	m.lock.Lock()
	m.groups[g.hostID] = g
	m.lock.Unlock()

	metrics.AddGaugeWithGroup("net", "p2p_groups", 1)
	log.Info().Uint32("group", uint32(g.hostID)).Bool("allowDirect", g.allowDirect).Msg("p2p group created")
	return g
}

// Group returns a group by id.
func (m *P2PGroupManager) Group(id HostID) *P2PGroup {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.groups[id]
}

// RemoveGroup removes every member and deletes the group.
func (m *P2PGroupManager) RemoveGroup(id HostID) error {
	m.lock.Lock()
	g, ok := m.groups[id]
	delete(m.groups, id)
	m.lock.Unlock()
	if !ok {
		return ErrGroupNotFound
	}

	for _, memberID := range g.Members() {
		if s := g.Member(memberID); s != nil {
			m.leave(g, s, true)
		}
	}
	metrics.AddGaugeWithGroup("net", "p2p_groups", -1)
	log.Info().Uint32("group", uint32(id)).Msg("p2p group removed")
	return nil
}

// Join adds s to the group. Every member, s included, is told about the new
// membership and must acknowledge it before holepunching starts.
func (m *P2PGroupManager) Join(groupID HostID, s *Session) error {
	g := m.Group(groupID)
	if g == nil {
		return ErrGroupNotFound
	}
	if s.IsClosed() {
		return ErrSessionClosed
	}
	if !s.group.CompareAndSwap(nil, g) {
		return ErrAlreadyInGroup
	}

	g.mu.Lock()
	g.nextEventID++
	eventID := g.nextEventID
	peer := &RemotePeer{Session: s, states: make(map[HostID]*ConnectionState, len(g.members))}
	others := make([]*Session, 0, len(g.members))
	for id, p := range g.members {
		p.states[s.hostID] = &ConnectionState{eventID: eventID}
		peer.states[id] = &ConnectionState{eventID: eventID}
		g.links[makePairKey(id, s.hostID)] = &pairLink{}
		others = append(others, p.Session)
	}
	g.members[s.hostID] = peer
	g.mu.Unlock()

	if s.IsClosed() {
		m.leave(g, s, false)
		return ErrSessionClosed
	}

	join := func(member HostID) *P2PGroupMemberJoin {
		return &P2PGroupMemberJoin{
			GroupHostID:      g.hostID,
			MemberHostID:     member,
			EventID:          eventID,
			DirectP2PAllowed: g.allowDirect,
		}
	}
	_ = s.sendCore(join(s.hostID))
	for _, o := range others {
		_ = o.sendCore(join(s.hostID))
		_ = s.sendCore(join(o.hostID))
	}

	s.Logger().Info().Uint32("group", uint32(g.hostID)).Uint32("event", eventID).Msg("joined p2p group")
	return nil
}

// Leave removes s from its group, if any. Remaining members are notified.
func (m *P2PGroupManager) Leave(s *Session) {
	g := s.Group()
	if g == nil {
		return
	}
	m.leave(g, s, !s.IsClosed())
}

func (m *P2PGroupManager) leave(g *P2PGroup, s *Session, notifySelf bool) {
	if !s.group.CompareAndSwap(g, nil) {
		return
	}

	g.mu.Lock()
	delete(g.members, s.hostID)
	others := make([]*Session, 0, len(g.members))
	for id, p := range g.members {
		delete(p.states, s.hostID)
		delete(g.links, makePairKey(id, s.hostID))
		others = append(others, p.Session)
	}
	g.mu.Unlock()

	msg := &P2PGroupMemberLeave{GroupHostID: g.hostID, MemberHostID: s.hostID}
	for _, o := range others {
		_ = o.sendCore(msg)
	}
	if notifySelf {
		_ = s.sendCore(msg)
	}
	s.Logger().Info().Uint32("group", uint32(g.hostID)).Msg("left p2p group")
}

// OnJoinAck records that s saw msg.AddedMemberHostID join. When both sides
// of the pair acknowledged, they get P2PRecycleComplete once and, if both
// have UDP, are asked to holepunch.
func (m *P2PGroupManager) OnJoinAck(s *Session, msg *P2PGroupMemberJoinAck) {
	g := s.Group()
	if g == nil || g.hostID != msg.GroupHostID || msg.AddedMemberHostID == s.hostID {
		return
	}
	p, ok := g.pair(s.hostID, msg.AddedMemberHostID)
	if !ok {
		return
	}
	other := p.b.Session

	var recycle, punch bool
	p.link.mu.Lock()
	if p.ab.eventID == msg.EventID && !p.ab.isJoined {
		p.ab.isJoined = true
		if p.ba.isJoined && !p.link.recycled {
			p.link.recycled = true
			recycle = true
			punch = m.initHolepunchLocked(g, p)
		}
	}
	p.link.mu.Unlock()

	if recycle {
		_ = s.sendCore(&P2PRecycleComplete{HostID: other.hostID})
		_ = other.sendCore(&P2PRecycleComplete{HostID: s.hostID})
	}
	if punch {
		m.requestHolepunch(s, other)
	}
}

// initHolepunchLocked marks the pair initialized when a direct attempt is
// possible. Callers hold p.link.mu.
func (m *P2PGroupManager) initHolepunchLocked(g *P2PGroup, p peerPair) bool {
	if !g.allowDirect || !m.cfg.Load().AllowDirectP2P || p.ab.isInitialized {
		return false
	}
	if !p.ab.isJoined || !p.ba.isJoined {
		return false
	}
	if !p.a.Session.IsUdpEnabled() || !p.b.Session.IsUdpEnabled() {
		return false
	}
	now := time.Now()
	p.ab.isInitialized, p.ba.isInitialized = true, true
	p.ab.lastHolepunch, p.ba.lastHolepunch = now, now
	return true
}

func (m *P2PGroupManager) requestHolepunch(a, b *Session) {
	_ = a.sendCore(&RequestP2PHolepunch{HostID: b.hostID, LocalEndpoint: b.UdpLocalEndpoint(), Endpoint: b.UdpEndpoint()})
	_ = b.sendCore(&RequestP2PHolepunch{HostID: a.hostID, LocalEndpoint: a.UdpLocalEndpoint(), Endpoint: a.UdpEndpoint()})
	metrics.IncrCounterWithGroup("net", "p2p_holepunch_request_total", 1)
}

// OnUdpEnabled starts holepunching for joined pairs that were waiting on
// s's UDP path.
func (m *P2PGroupManager) OnUdpEnabled(s *Session) {
	g := s.Group()
	if g == nil {
		return
	}
	for _, id := range g.Members() {
		p, ok := g.pair(s.hostID, id)
		if !ok {
			continue
		}
		p.link.mu.Lock()
		punch := p.link.recycled && m.initHolepunchLocked(g, p)
		p.link.mu.Unlock()
		if punch {
			m.requestHolepunch(s, p.b.Session)
		}
	}
}

// OnHolepunchSuccess marks the pair direct and sends NotifyDirectP2PEstablish
// to both members. Only pairs the server asked to holepunch are accepted;
// repeated reports for an established pair do nothing.
func (m *P2PGroupManager) OnHolepunchSuccess(s *Session, msg *NotifyP2PHolepunchSuccess) {
	g := s.Group()
	if g == nil || (msg.A != s.hostID && msg.B != s.hostID) {
		return
	}
	p, ok := g.pair(msg.A, msg.B)
	if !ok {
		return
	}

	p.link.mu.Lock()
	initialized := p.ab.isInitialized && p.ba.isInitialized
	establish := initialized && !(p.ab.holepunchSuccess && p.ba.holepunchSuccess)
	if initialized {
		p.ab.holepunchSuccess, p.ba.holepunchSuccess = true, true
	}
	p.link.mu.Unlock()

	if !initialized {
		s.Logger().Debug().Uint32("a", uint32(msg.A)).Uint32("b", uint32(msg.B)).Msg("holepunch success for uninitialized pair dropped")
		return
	}
	if !establish {
		return
	}
	notify := &NotifyDirectP2PEstablish{P2PAddrSet: msg.P2PAddrSet}
	_ = p.a.Session.sendCore(notify)
	_ = p.b.Session.sendCore(notify)
	metrics.IncrCounterWithGroup("net", "p2p_holepunch_success_total", 1)
	s.Logger().Info().Uint32("a", uint32(msg.A)).Uint32("b", uint32(msg.B)).Msg("direct p2p established")
}

// OnJitTriggered records that s wants a direct connection to msg.HostID. Once
// both sides of a joined pair asked, each gets NewDirectP2PConnection once.
func (m *P2PGroupManager) OnJitTriggered(s *Session, msg *NotifyJitDirectP2PTriggered) {
	g := s.Group()
	if g == nil {
		return
	}
	p, ok := g.pair(s.hostID, msg.HostID)
	if !ok {
		return
	}

	p.link.mu.Lock()
	joined := p.ab.isJoined && p.ba.isJoined
	if joined {
		p.ab.jitTriggered = true
	}
	notify := joined && p.ba.jitTriggered && !p.link.jitNotified
	if notify {
		p.link.jitNotified = true
	}
	p.link.mu.Unlock()

	if notify {
		_ = s.sendCore(&NewDirectP2PConnection{HostID: msg.HostID})
		_ = p.b.Session.sendCore(&NewDirectP2PConnection{HostID: s.hostID})
	}
}

// OnDirectDisconnected clears the reporter's success flag and tells the
// remote side when the link had been up from the reporter's view.
func (m *P2PGroupManager) OnDirectDisconnected(s *Session, msg *NotifyDirectP2PDisconnected) {
	g := s.Group()
	if g == nil {
		return
	}
	p, ok := g.pair(s.hostID, msg.RemotePeerHostID)
	if !ok {
		return
	}

	p.link.mu.Lock()
	was := p.ab.holepunchSuccess
	p.ab.holepunchSuccess = false
	p.link.mu.Unlock()

	if was {
		_ = p.b.Session.sendCore(&NotifyDirectP2PDisconnected2{RemotePeerHostID: s.hostID, Reason: msg.Reason})
		metrics.IncrCounterWithGroup("net", "p2p_direct_disconnect_total", 1)
	}
}

// Relay forwards data from s to the listed members of its group. Unknown
// targets and s itself are skipped.
func (m *P2PGroupManager) Relay(s *Session, req *RelayRequest) {
	g := s.Group()
	if g == nil {
		return
	}
	out := &RelayedMessage{SenderHostID: s.hostID, Data: req.Data}
	for _, id := range req.Targets {
		if id == s.hostID {
			continue
		}
		t := g.Member(id)
		if t == nil {
			continue
		}
		var err error
		if req.Reliable {
			err = t.sendCore(out)
		} else {
			err = t.SendUnreliable(out, t.coreOptions())
		}
		if err != nil {
			t.Logger().Debug().Err(err).Msg("relay send failed")
			continue
		}
		metrics.IncrCounterWithGroup("net", "relay_message_total", 1)
	}
}

// Run re-requests stalled holepunches until ctx is done.
func (m *P2PGroupManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.cfg.Load().TickMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.retryHolepunch(time.Now())
		}
	}
}

func (m *P2PGroupManager) retryHolepunch(now time.Time) {
	retry := time.Duration(m.cfg.Load().HolepunchRetryMs) * time.Millisecond

	m.lock.RLock()
	groups := make([]*P2PGroup, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.lock.RUnlock()

	for _, g := range groups {
		type pair struct{ a, b *Session }
		var due []pair

		g.mu.RLock()
		for key, link := range g.links {
			pa, pb := g.members[key.lo], g.members[key.hi]
			if pa == nil || pb == nil {
				continue
			}
			ab, ba := pa.states[key.hi], pb.states[key.lo]
			if ab == nil || ba == nil {
				continue
			}
			link.mu.Lock()
			if ab.isInitialized && !(ab.holepunchSuccess && ba.holepunchSuccess) && now.Sub(ab.lastHolepunch) >= retry {
				ab.lastHolepunch, ba.lastHolepunch = now, now
				due = append(due, pair{pa.Session, pb.Session})
			}
			link.mu.Unlock()
		}
		g.mu.RUnlock()

		for _, p := range due {
			m.requestHolepunch(p.a, p.b)
		}
	}
}
