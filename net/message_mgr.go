package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/lcx/gamenet/codec"
)

// RmiID identifies an RMI on the wire.
type RmiID uint16

// CoreRmiBase is the first id reserved for the engine's own messages.
const CoreRmiBase RmiID = 64000

// IsCore reports whether id is in the reserved core range.
func (id RmiID) IsCore() bool { return id >= CoreRmiBase }

// MsgInfo describes a registered RMI.
type MsgInfo struct {
	ID   RmiID
	Name string
	// New returns a fresh pointer to decode into.
	New func() any
	// PreHandshake marks messages accepted before the key exchange completes.
	PreHandshake bool

	typ reflect.Type
}

// MessageManager maps RMI ids to message types and back. Registration
// happens at startup; lookups are safe for concurrent use.
type MessageManager struct {
	mu     sync.RWMutex
	byID   map[RmiID]*MsgInfo
	byType map[reflect.Type]*MsgInfo
	byName map[string]*MsgInfo
}

// NewMessageManager creates a manager with the core RMI set registered.
func NewMessageManager() *MessageManager {
	m := &MessageManager{
		byID:   make(map[RmiID]*MsgInfo),
		byType: make(map[reflect.Type]*MsgInfo),
		byName: make(map[string]*MsgInfo),
	}
	registerCoreMessages(m)
	return m
}

func (m *MessageManager) register(info *MsgInfo) error {
	if info == nil || info.New == nil || info.Name == "" {
		return errors.New("register: invalid message info")
	}
	sample := info.New()
	if sample == nil {
		return fmt.Errorf("register %s: factory returned nil", info.Name)
	}
	info.typ = reflect.TypeOf(sample)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byID[info.ID]; ok {
		return fmt.Errorf("register %s: id %d already used by %s", info.Name, info.ID, prev.Name)
	}
	if prev, ok := m.byType[info.typ]; ok {
		return fmt.Errorf("register %s: type %s already registered as %s", info.Name, info.typ, prev.Name)
	}
	if _, ok := m.byName[info.Name]; ok {
		return fmt.Errorf("register %s: duplicated name", info.Name)
	}
	m.byID[info.ID] = info
	m.byType[info.typ] = info
	m.byName[info.Name] = info
	return nil
}

// Register adds an application RMI. The factory must return a pointer
// implementing proto.Message or encoding.BinaryUnmarshaler; ids in the core
// range are refused.
func (m *MessageManager) Register(id RmiID, name string, factory func() any) error {
	if id.IsCore() {
		return fmt.Errorf("register %s: id %d is reserved", name, id)
	}
	return m.register(&MsgInfo{ID: id, Name: name, New: factory})
}

// RegisterType registers *T under id.
func RegisterType[T any](m *MessageManager, id RmiID, name string) error {
	return m.Register(id, name, func() any { return new(T) })
}

// Info returns the registration of id.
func (m *MessageManager) Info(id RmiID) (*MsgInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.byID[id]
	return info, ok
}

// InfoByName returns the registration called name.
func (m *MessageManager) InfoByName(name string) (*MsgInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.byName[name]
	return info, ok
}

// InfoOf returns the registration of msg's dynamic type.
func (m *MessageManager) InfoOf(msg any) (*MsgInfo, bool) {
	return m.infoOfType(reflect.TypeOf(msg))
}

func (m *MessageManager) infoOfType(t reflect.Type) (*MsgInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.byType[t]
	return info, ok
}

// IDOf returns the id registered for *T.
func IDOf[T any](m *MessageManager) (RmiID, bool) {
	info, ok := m.infoOfType(reflect.TypeOf((*T)(nil)))
	if !ok {
		return 0, false
	}
	return info.ID, true
}

// Marshal encodes msg as u16 rmi id (LE) followed by its payload.
func (m *MessageManager) Marshal(msg any) ([]byte, error) {
	info, ok := m.InfoOf(msg)
	if !ok {
		return nil, fmt.Errorf("marshal: unregistered message type %T", msg)
	}
	b := binary.LittleEndian.AppendUint16(make([]byte, 0, 64), uint16(info.ID))
	return codec.Encode(msg, b)
}

// Unmarshal decodes an encoded RMI. Short input, unknown ids and payload
// errors are *ProtocolError.
func (m *MessageManager) Unmarshal(data []byte) (*MsgInfo, any, error) {
	if len(data) < 2 {
		return nil, nil, protocolErrorf("rmi", "short rmi header")
	}
	id := RmiID(binary.LittleEndian.Uint16(data))
	info, ok := m.Info(id)
	if !ok {
		return nil, nil, protocolErrorf("rmi", "unknown rmi id %d", id)
	}
	msg := info.New()
	if err := codec.Decode(msg, data[2:]); err != nil {
		return info, nil, &ProtocolError{Op: "rmi " + info.Name, Err: err}
	}
	return info, msg, nil
}

// List returns all registrations ordered by id.
func (m *MessageManager) List() []*MsgInfo {
	m.mu.RLock()
	list := make([]*MsgInfo, 0, len(m.byID))
	for _, info := range m.byID {
		list = append(list, info)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
