package net

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Core RMI ids. They travel inside Rmi envelopes like application messages.
const (
	RmiNotifyServerConnectionHint RmiID = CoreRmiBase + iota + 1
	RmiNotifyCSSessionKey
	RmiNotifyServerConnectSuccess
	RmiReliablePing
	RmiReliablePong
	RmiC2SRequestCreateUdpSocket
	RmiS2CRequestCreateUdpSocket
	RmiC2SCreateUdpSocketAck
	RmiRequestStartServerHolepunch
	RmiServerHolepunch
	RmiServerHolepunchAck
	RmiNotifyClientServerUdpMatched
	RmiNotifyUdpToTcpFallbackByClient
	RmiP2PGroupMemberJoin
	RmiP2PGroupMemberJoinAck
	RmiP2PGroupMemberLeave
	RmiP2PRecycleComplete
	RmiRequestP2PHolepunch
	RmiNotifyP2PHolepunchSuccess
	RmiNotifyDirectP2PEstablish
	RmiNotifyJitDirectP2PTriggered
	RmiNewDirectP2PConnection
	RmiNotifyDirectP2PDisconnected
	RmiNotifyDirectP2PDisconnected2
	RmiRelayRequest
	RmiRelayedMessage
	RmiNotifyProtocolFault
	RmiShutdownTcp
	RmiShutdownTcpAck
)

type coreBody interface {
	encode(w *Writer)
	decode(r *Reader)
}

func marshalBody(m coreBody) ([]byte, error) {
	w := NewWriter(32)
	m.encode(w)
	return w.Bytes(), nil
}

func unmarshalBody(m coreBody, b []byte) error {
	r := NewReader(b)
	m.decode(r)
	if r.Err() != nil {
		return r.Err()
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return nil
}

// NotifyServerConnectionHint is the first message of a connection. When
// Encrypt is set the client must answer with NotifyCSSessionKey carrying its
// X25519 public key.
type NotifyServerConnectionHint struct {
	Encrypt         bool
	ServerPublicKey []byte
	SessionGUID     uuid.UUID
}

func (m *NotifyServerConnectionHint) encode(w *Writer) {
	w.WriteBool(m.Encrypt)
	w.WriteBytes(m.ServerPublicKey)
	w.WriteUUID(m.SessionGUID)
}

func (m *NotifyServerConnectionHint) decode(r *Reader) {
	m.Encrypt = r.ReadBool()
	m.ServerPublicKey = r.ReadBytes()
	m.SessionGUID = r.ReadUUID()
}

type NotifyCSSessionKey struct {
	ClientPublicKey []byte
}

func (m *NotifyCSSessionKey) encode(w *Writer) { w.WriteBytes(m.ClientPublicKey) }
func (m *NotifyCSSessionKey) decode(r *Reader) { m.ClientPublicKey = r.ReadBytes() }

type NotifyServerConnectSuccess struct {
	HostID      HostID
	SessionGUID uuid.UUID
}

func (m *NotifyServerConnectSuccess) encode(w *Writer) {
	w.WriteHostID(m.HostID)
	w.WriteUUID(m.SessionGUID)
}

func (m *NotifyServerConnectSuccess) decode(r *Reader) {
	m.HostID = r.ReadHostID()
	m.SessionGUID = r.ReadUUID()
}

type ReliablePing struct {
	ClientTimeMs uint64
}

func (m *ReliablePing) encode(w *Writer) { w.WriteU64(m.ClientTimeMs) }
func (m *ReliablePing) decode(r *Reader) { m.ClientTimeMs = r.ReadU64() }

type ReliablePong struct {
	ClientTimeMs uint64
	ServerTimeMs uint64
}

func (m *ReliablePong) encode(w *Writer) {
	w.WriteU64(m.ClientTimeMs)
	w.WriteU64(m.ServerTimeMs)
}

func (m *ReliablePong) decode(r *Reader) {
	m.ClientTimeMs = r.ReadU64()
	m.ServerTimeMs = r.ReadU64()
}

type C2SRequestCreateUdpSocket struct{}

func (m *C2SRequestCreateUdpSocket) encode(*Writer) {}
func (m *C2SRequestCreateUdpSocket) decode(*Reader) {}

// S2CRequestCreateUdpSocket tells the client which server UDP endpoint it
// was assigned.
type S2CRequestCreateUdpSocket struct {
	Endpoint netip.AddrPort
}

func (m *S2CRequestCreateUdpSocket) encode(w *Writer) { w.WriteEndpoint(m.Endpoint) }
func (m *S2CRequestCreateUdpSocket) decode(r *Reader) { m.Endpoint = r.ReadEndpoint() }

type C2SCreateUdpSocketAck struct {
	Succeed bool
}

func (m *C2SCreateUdpSocketAck) encode(w *Writer) { w.WriteBool(m.Succeed) }
func (m *C2SCreateUdpSocketAck) decode(r *Reader) { m.Succeed = r.ReadBool() }

// RequestStartServerHolepunch hands the client the token it must echo in
// ServerHolepunch datagrams.
type RequestStartServerHolepunch struct {
	Magic uuid.UUID
}

func (m *RequestStartServerHolepunch) encode(w *Writer) { w.WriteUUID(m.Magic) }
func (m *RequestStartServerHolepunch) decode(r *Reader) { m.Magic = r.ReadUUID() }

// ServerHolepunch is sent by the client over UDP. It is always plain.
type ServerHolepunch struct {
	HostID HostID
	Magic  uuid.UUID
}

func (m *ServerHolepunch) encode(w *Writer) {
	w.WriteHostID(m.HostID)
	w.WriteUUID(m.Magic)
}

func (m *ServerHolepunch) decode(r *Reader) {
	m.HostID = r.ReadHostID()
	m.Magic = r.ReadUUID()
}

// ServerHolepunchAck echoes the magic and the endpoint the server observed.
type ServerHolepunchAck struct {
	Magic    uuid.UUID
	Endpoint netip.AddrPort
}

func (m *ServerHolepunchAck) encode(w *Writer) {
	w.WriteUUID(m.Magic)
	w.WriteEndpoint(m.Endpoint)
}

func (m *ServerHolepunchAck) decode(r *Reader) {
	m.Magic = r.ReadUUID()
	m.Endpoint = r.ReadEndpoint()
}

// NotifyClientServerUdpMatched confirms over TCP that the client received
// ServerHolepunchAck.
type NotifyClientServerUdpMatched struct {
	Magic         uuid.UUID
	LocalEndpoint netip.AddrPort
}

func (m *NotifyClientServerUdpMatched) encode(w *Writer) {
	w.WriteUUID(m.Magic)
	w.WriteEndpoint(m.LocalEndpoint)
}

func (m *NotifyClientServerUdpMatched) decode(r *Reader) {
	m.Magic = r.ReadUUID()
	m.LocalEndpoint = r.ReadEndpoint()
}

type NotifyUdpToTcpFallbackByClient struct{}

func (m *NotifyUdpToTcpFallbackByClient) encode(*Writer) {}
func (m *NotifyUdpToTcpFallbackByClient) decode(*Reader) {}

type P2PGroupMemberJoin struct {
	GroupHostID      HostID
	MemberHostID     HostID
	EventID          uint32
	DirectP2PAllowed bool
}

func (m *P2PGroupMemberJoin) encode(w *Writer) {
	w.WriteHostID(m.GroupHostID)
	w.WriteHostID(m.MemberHostID)
	w.WriteU32(m.EventID)
	w.WriteBool(m.DirectP2PAllowed)
}

func (m *P2PGroupMemberJoin) decode(r *Reader) {
	m.GroupHostID = r.ReadHostID()
	m.MemberHostID = r.ReadHostID()
	m.EventID = r.ReadU32()
	m.DirectP2PAllowed = r.ReadBool()
}

type P2PGroupMemberJoinAck struct {
	GroupHostID       HostID
	AddedMemberHostID HostID
	EventID           uint32
}

func (m *P2PGroupMemberJoinAck) encode(w *Writer) {
	w.WriteHostID(m.GroupHostID)
	w.WriteHostID(m.AddedMemberHostID)
	w.WriteU32(m.EventID)
}

func (m *P2PGroupMemberJoinAck) decode(r *Reader) {
	m.GroupHostID = r.ReadHostID()
	m.AddedMemberHostID = r.ReadHostID()
	m.EventID = r.ReadU32()
}

type P2PGroupMemberLeave struct {
	GroupHostID  HostID
	MemberHostID HostID
}

func (m *P2PGroupMemberLeave) encode(w *Writer) {
	w.WriteHostID(m.GroupHostID)
	w.WriteHostID(m.MemberHostID)
}

func (m *P2PGroupMemberLeave) decode(r *Reader) {
	m.GroupHostID = r.ReadHostID()
	m.MemberHostID = r.ReadHostID()
}

// P2PRecycleComplete is sent once to both members of a pair when both have
// acknowledged each other.
type P2PRecycleComplete struct {
	HostID HostID
}

func (m *P2PRecycleComplete) encode(w *Writer) { w.WriteHostID(m.HostID) }
func (m *P2PRecycleComplete) decode(r *Reader) { m.HostID = r.ReadHostID() }

// RequestP2PHolepunch asks a member to start punching towards HostID.
type RequestP2PHolepunch struct {
	HostID        HostID
	LocalEndpoint netip.AddrPort
	Endpoint      netip.AddrPort
}

func (m *RequestP2PHolepunch) encode(w *Writer) {
	w.WriteHostID(m.HostID)
	w.WriteEndpoint(m.LocalEndpoint)
	w.WriteEndpoint(m.Endpoint)
}

func (m *RequestP2PHolepunch) decode(r *Reader) {
	m.HostID = r.ReadHostID()
	m.LocalEndpoint = r.ReadEndpoint()
	m.Endpoint = r.ReadEndpoint()
}

// P2PAddrSet is the endpoint quadruple exchanged when a direct link is found.
type P2PAddrSet struct {
	A          HostID
	B          HostID
	ABSendAddr netip.AddrPort
	ABRecvAddr netip.AddrPort
	BASendAddr netip.AddrPort
	BARecvAddr netip.AddrPort
}

func (m *P2PAddrSet) encode(w *Writer) {
	w.WriteHostID(m.A)
	w.WriteHostID(m.B)
	w.WriteEndpoint(m.ABSendAddr)
	w.WriteEndpoint(m.ABRecvAddr)
	w.WriteEndpoint(m.BASendAddr)
	w.WriteEndpoint(m.BARecvAddr)
}

func (m *P2PAddrSet) decode(r *Reader) {
	m.A = r.ReadHostID()
	m.B = r.ReadHostID()
	m.ABSendAddr = r.ReadEndpoint()
	m.ABRecvAddr = r.ReadEndpoint()
	m.BASendAddr = r.ReadEndpoint()
	m.BARecvAddr = r.ReadEndpoint()
}

type NotifyP2PHolepunchSuccess struct {
	P2PAddrSet
}

type NotifyDirectP2PEstablish struct {
	P2PAddrSet
}

type NotifyJitDirectP2PTriggered struct {
	HostID HostID
}

func (m *NotifyJitDirectP2PTriggered) encode(w *Writer) { w.WriteHostID(m.HostID) }
func (m *NotifyJitDirectP2PTriggered) decode(r *Reader) { m.HostID = r.ReadHostID() }

type NewDirectP2PConnection struct {
	HostID HostID
}

func (m *NewDirectP2PConnection) encode(w *Writer) { w.WriteHostID(m.HostID) }
func (m *NewDirectP2PConnection) decode(r *Reader) { m.HostID = r.ReadHostID() }

type NotifyDirectP2PDisconnected struct {
	RemotePeerHostID HostID
	Reason           uint32
}

func (m *NotifyDirectP2PDisconnected) encode(w *Writer) {
	w.WriteHostID(m.RemotePeerHostID)
	w.WriteU32(m.Reason)
}

func (m *NotifyDirectP2PDisconnected) decode(r *Reader) {
	m.RemotePeerHostID = r.ReadHostID()
	m.Reason = r.ReadU32()
}

type NotifyDirectP2PDisconnected2 struct {
	RemotePeerHostID HostID
	Reason           uint32
}

func (m *NotifyDirectP2PDisconnected2) encode(w *Writer) {
	w.WriteHostID(m.RemotePeerHostID)
	w.WriteU32(m.Reason)
}

func (m *NotifyDirectP2PDisconnected2) decode(r *Reader) {
	m.RemotePeerHostID = r.ReadHostID()
	m.Reason = r.ReadU32()
}

// RelayRequest asks the server to forward Data to other members of the
// sender's group.
type RelayRequest struct {
	Targets  []HostID
	Reliable bool
	Data     []byte
}

const maxRelayTargets = 1024

func (m *RelayRequest) encode(w *Writer) {
	w.WriteScalar(uint32(len(m.Targets)))
	for _, id := range m.Targets {
		w.WriteHostID(id)
	}
	w.WriteBool(m.Reliable)
	w.WriteBytes(m.Data)
}

func (m *RelayRequest) decode(r *Reader) {
	n := r.ReadScalar()
	if n > maxRelayTargets || int(n)*4 > r.Remaining() {
		if r.err == nil {
			r.err = fmt.Errorf("relay target count %d out of range", n)
		}
		return
	}
	m.Targets = make([]HostID, n)
	for i := range m.Targets {
		m.Targets[i] = r.ReadHostID()
	}
	m.Reliable = r.ReadBool()
	m.Data = r.ReadBytes()
}

type RelayedMessage struct {
	SenderHostID HostID
	Data         []byte
}

func (m *RelayedMessage) encode(w *Writer) {
	w.WriteHostID(m.SenderHostID)
	w.WriteBytes(m.Data)
}

func (m *RelayedMessage) decode(r *Reader) {
	m.SenderHostID = r.ReadHostID()
	m.Data = r.ReadBytes()
}

// NotifyProtocolFault is the generic failure acknowledgement sent before the
// server drops a session. It carries no detail.
type NotifyProtocolFault struct{}

func (m *NotifyProtocolFault) encode(*Writer) {}
func (m *NotifyProtocolFault) decode(*Reader) {}

type ShutdownTcp struct{}

func (m *ShutdownTcp) encode(*Writer) {}
func (m *ShutdownTcp) decode(*Reader) {}

type ShutdownTcpAck struct{}

func (m *ShutdownTcpAck) encode(*Writer) {}
func (m *ShutdownTcpAck) decode(*Reader) {}

func (m *NotifyServerConnectionHint) MarshalBinary() ([]byte, error)     { return marshalBody(m) }
func (m *NotifyServerConnectionHint) UnmarshalBinary(b []byte) error     { return unmarshalBody(m, b) }
func (m *NotifyCSSessionKey) MarshalBinary() ([]byte, error)             { return marshalBody(m) }
func (m *NotifyCSSessionKey) UnmarshalBinary(b []byte) error             { return unmarshalBody(m, b) }
func (m *NotifyServerConnectSuccess) MarshalBinary() ([]byte, error)     { return marshalBody(m) }
func (m *NotifyServerConnectSuccess) UnmarshalBinary(b []byte) error     { return unmarshalBody(m, b) }
func (m *ReliablePing) MarshalBinary() ([]byte, error)                   { return marshalBody(m) }
func (m *ReliablePing) UnmarshalBinary(b []byte) error                   { return unmarshalBody(m, b) }
func (m *ReliablePong) MarshalBinary() ([]byte, error)                   { return marshalBody(m) }
func (m *ReliablePong) UnmarshalBinary(b []byte) error                   { return unmarshalBody(m, b) }
func (m *C2SRequestCreateUdpSocket) MarshalBinary() ([]byte, error)      { return marshalBody(m) }
func (m *C2SRequestCreateUdpSocket) UnmarshalBinary(b []byte) error      { return unmarshalBody(m, b) }
func (m *S2CRequestCreateUdpSocket) MarshalBinary() ([]byte, error)      { return marshalBody(m) }
func (m *S2CRequestCreateUdpSocket) UnmarshalBinary(b []byte) error      { return unmarshalBody(m, b) }
func (m *C2SCreateUdpSocketAck) MarshalBinary() ([]byte, error)          { return marshalBody(m) }
func (m *C2SCreateUdpSocketAck) UnmarshalBinary(b []byte) error          { return unmarshalBody(m, b) }
func (m *RequestStartServerHolepunch) MarshalBinary() ([]byte, error)    { return marshalBody(m) }
func (m *RequestStartServerHolepunch) UnmarshalBinary(b []byte) error    { return unmarshalBody(m, b) }
func (m *ServerHolepunch) MarshalBinary() ([]byte, error)                { return marshalBody(m) }
func (m *ServerHolepunch) UnmarshalBinary(b []byte) error                { return unmarshalBody(m, b) }
func (m *ServerHolepunchAck) MarshalBinary() ([]byte, error)             { return marshalBody(m) }
func (m *ServerHolepunchAck) UnmarshalBinary(b []byte) error             { return unmarshalBody(m, b) }
func (m *NotifyClientServerUdpMatched) MarshalBinary() ([]byte, error)   { return marshalBody(m) }
func (m *NotifyClientServerUdpMatched) UnmarshalBinary(b []byte) error   { return unmarshalBody(m, b) }
func (m *NotifyUdpToTcpFallbackByClient) MarshalBinary() ([]byte, error) { return marshalBody(m) }
func (m *NotifyUdpToTcpFallbackByClient) UnmarshalBinary(b []byte) error { return unmarshalBody(m, b) }
func (m *P2PGroupMemberJoin) MarshalBinary() ([]byte, error)             { return marshalBody(m) }
func (m *P2PGroupMemberJoin) UnmarshalBinary(b []byte) error             { return unmarshalBody(m, b) }
func (m *P2PGroupMemberJoinAck) MarshalBinary() ([]byte, error)          { return marshalBody(m) }
func (m *P2PGroupMemberJoinAck) UnmarshalBinary(b []byte) error          { return unmarshalBody(m, b) }
func (m *P2PGroupMemberLeave) MarshalBinary() ([]byte, error)            { return marshalBody(m) }
func (m *P2PGroupMemberLeave) UnmarshalBinary(b []byte) error            { return unmarshalBody(m, b) }
func (m *P2PRecycleComplete) MarshalBinary() ([]byte, error)             { return marshalBody(m) }
func (m *P2PRecycleComplete) UnmarshalBinary(b []byte) error             { return unmarshalBody(m, b) }
func (m *RequestP2PHolepunch) MarshalBinary() ([]byte, error)            { return marshalBody(m) }
func (m *RequestP2PHolepunch) UnmarshalBinary(b []byte) error            { return unmarshalBody(m, b) }
func (m *NotifyP2PHolepunchSuccess) MarshalBinary() ([]byte, error)      { return marshalBody(m) }
func (m *NotifyP2PHolepunchSuccess) UnmarshalBinary(b []byte) error      { return unmarshalBody(m, b) }
func (m *NotifyDirectP2PEstablish) MarshalBinary() ([]byte, error)       { return marshalBody(m) }
func (m *NotifyDirectP2PEstablish) UnmarshalBinary(b []byte) error       { return unmarshalBody(m, b) }
func (m *NotifyJitDirectP2PTriggered) MarshalBinary() ([]byte, error)    { return marshalBody(m) }
func (m *NotifyJitDirectP2PTriggered) UnmarshalBinary(b []byte) error    { return unmarshalBody(m, b) }
func (m *NewDirectP2PConnection) MarshalBinary() ([]byte, error)         { return marshalBody(m) }
func (m *NewDirectP2PConnection) UnmarshalBinary(b []byte) error         { return unmarshalBody(m, b) }
func (m *NotifyDirectP2PDisconnected) MarshalBinary() ([]byte, error)    { return marshalBody(m) }
func (m *NotifyDirectP2PDisconnected) UnmarshalBinary(b []byte) error    { return unmarshalBody(m, b) }
func (m *NotifyDirectP2PDisconnected2) MarshalBinary() ([]byte, error)   { return marshalBody(m) }
func (m *NotifyDirectP2PDisconnected2) UnmarshalBinary(b []byte) error   { return unmarshalBody(m, b) }
func (m *RelayRequest) MarshalBinary() ([]byte, error)                   { return marshalBody(m) }
func (m *RelayRequest) UnmarshalBinary(b []byte) error                   { return unmarshalBody(m, b) }
func (m *RelayedMessage) MarshalBinary() ([]byte, error)                 { return marshalBody(m) }
func (m *RelayedMessage) UnmarshalBinary(b []byte) error                 { return unmarshalBody(m, b) }
func (m *NotifyProtocolFault) MarshalBinary() ([]byte, error)            { return marshalBody(m) }
func (m *NotifyProtocolFault) UnmarshalBinary(b []byte) error            { return unmarshalBody(m, b) }
func (m *ShutdownTcp) MarshalBinary() ([]byte, error)                    { return marshalBody(m) }
func (m *ShutdownTcp) UnmarshalBinary(b []byte) error                    { return unmarshalBody(m, b) }
func (m *ShutdownTcpAck) MarshalBinary() ([]byte, error)                 { return marshalBody(m) }
func (m *ShutdownTcpAck) UnmarshalBinary(b []byte) error                 { return unmarshalBody(m, b) }

func coreInfo[T any](id RmiID, name string, preHandshake bool) *MsgInfo {
	return &MsgInfo{ID: id, Name: name, New: func() any { return new(T) }, PreHandshake: preHandshake}
}

func registerCoreMessages(m *MessageManager) {
	infos := []*MsgInfo{
		coreInfo[NotifyServerConnectionHint](RmiNotifyServerConnectionHint, "NotifyServerConnectionHint", true),
		coreInfo[NotifyCSSessionKey](RmiNotifyCSSessionKey, "NotifyCSSessionKey", true),
		coreInfo[NotifyServerConnectSuccess](RmiNotifyServerConnectSuccess, "NotifyServerConnectSuccess", true),
		coreInfo[ReliablePing](RmiReliablePing, "ReliablePing", true),
		coreInfo[ReliablePong](RmiReliablePong, "ReliablePong", true),
		coreInfo[C2SRequestCreateUdpSocket](RmiC2SRequestCreateUdpSocket, "C2S_RequestCreateUdpSocket", false),
		coreInfo[S2CRequestCreateUdpSocket](RmiS2CRequestCreateUdpSocket, "S2C_RequestCreateUdpSocket", false),
		coreInfo[C2SCreateUdpSocketAck](RmiC2SCreateUdpSocketAck, "C2S_CreateUdpSocketAck", false),
		coreInfo[RequestStartServerHolepunch](RmiRequestStartServerHolepunch, "RequestStartServerHolepunch", false),
		coreInfo[ServerHolepunch](RmiServerHolepunch, "ServerHolepunch", false),
		coreInfo[ServerHolepunchAck](RmiServerHolepunchAck, "ServerHolepunchAck", false),
		coreInfo[NotifyClientServerUdpMatched](RmiNotifyClientServerUdpMatched, "NotifyClientServerUdpMatched", false),
		coreInfo[NotifyUdpToTcpFallbackByClient](RmiNotifyUdpToTcpFallbackByClient, "NotifyUdpToTcpFallbackByClient", false),
		coreInfo[P2PGroupMemberJoin](RmiP2PGroupMemberJoin, "P2PGroup_MemberJoin", false),
		coreInfo[P2PGroupMemberJoinAck](RmiP2PGroupMemberJoinAck, "P2PGroup_MemberJoin_Ack", false),
		coreInfo[P2PGroupMemberLeave](RmiP2PGroupMemberLeave, "P2PGroup_MemberLeave", false),
		coreInfo[P2PRecycleComplete](RmiP2PRecycleComplete, "P2PRecycleComplete", false),
		coreInfo[RequestP2PHolepunch](RmiRequestP2PHolepunch, "RequestP2PHolepunch", false),
		coreInfo[NotifyP2PHolepunchSuccess](RmiNotifyP2PHolepunchSuccess, "NotifyP2PHolepunchSuccess", false),
		coreInfo[NotifyDirectP2PEstablish](RmiNotifyDirectP2PEstablish, "NotifyDirectP2PEstablish", false),
		coreInfo[NotifyJitDirectP2PTriggered](RmiNotifyJitDirectP2PTriggered, "NotifyJitDirectP2PTriggered", false),
		coreInfo[NewDirectP2PConnection](RmiNewDirectP2PConnection, "NewDirectP2PConnection", false),
		coreInfo[NotifyDirectP2PDisconnected](RmiNotifyDirectP2PDisconnected, "NotifyDirectP2PDisconnected", false),
		coreInfo[NotifyDirectP2PDisconnected2](RmiNotifyDirectP2PDisconnected2, "NotifyDirectP2PDisconnected2", false),
		coreInfo[RelayRequest](RmiRelayRequest, "RelayRequest", false),
		coreInfo[RelayedMessage](RmiRelayedMessage, "RelayedMessage", false),
		coreInfo[NotifyProtocolFault](RmiNotifyProtocolFault, "NotifyProtocolFault", true),
		coreInfo[ShutdownTcp](RmiShutdownTcp, "ShutdownTcp", true),
		coreInfo[ShutdownTcpAck](RmiShutdownTcpAck, "ShutdownTcpAck", true),
	}
	for _, info := range infos {
		if err := m.register(info); err != nil {
			panic(err)
		}
	}
}
