package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/roaming-simulator/core"
	"github.com/signalsfoundry/roaming-simulator/model"
)

var (
	// ErrNodeExists indicates a node with the same ID was already added.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = errors.New("node not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventMotionUpdated
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	NodeID string
	Role   model.NodeRole
}

// KnowledgeBase is an in-memory, thread-safe store for the nodes of a
// roaming scenario and the motion models that place them.
type KnowledgeBase struct {
	mu sync.RWMutex

	stations map[string]model.Station
	aps      map[string]model.AccessPoint
	servers  map[string]model.Server
	roles    map[string]model.NodeRole
	motion   map[string]core.MotionModel

	subs []func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		stations: make(map[string]model.Station),
		aps:      make(map[string]model.AccessPoint),
		servers:  make(map[string]model.Server),
		roles:    make(map[string]model.NodeRole),
		motion:   make(map[string]core.MotionModel),
	}
}

// AddStation adds a mobile station with its motion model. A nil motion
// model is rejected: a station without a position cannot be estimated.
func (kb *KnowledgeBase) AddStation(s model.Station, m core.MotionModel) error {
	if m == nil {
		return fmt.Errorf("station %q: motion model must not be nil", s.ID)
	}
	return kb.add(s.ID, model.RoleStation, m, func() { kb.stations[s.ID] = s })
}

// AddAccessPoint adds a fixed access point at ap.Position.
func (kb *KnowledgeBase) AddAccessPoint(ap model.AccessPoint) error {
	return kb.add(ap.ID, model.RoleAccessPoint, &core.StaticMotion{Position: ap.Position},
		func() { kb.aps[ap.ID] = ap })
}

// AddServer adds a backbone server at srv.Position.
func (kb *KnowledgeBase) AddServer(srv model.Server) error {
	return kb.add(srv.ID, model.RoleServer, &core.StaticMotion{Position: srv.Position},
		func() { kb.servers[srv.ID] = srv })
}

func (kb *KnowledgeBase) add(id string, role model.NodeRole, m core.MotionModel, store func()) error {
	if id == "" {
		return fmt.Errorf("%s: id must not be empty", role)
	}

	kb.mu.Lock()
	if _, exists := kb.roles[id]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("node with ID %q: %w", id, ErrNodeExists)
	}
	store()
	kb.roles[id] = role
	kb.motion[id] = m
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	notify(subs, Event{Type: EventNodeAdded, NodeID: id, Role: role})
	return nil
}

// Station returns the station with the given ID.
func (kb *KnowledgeBase) Station(id string) (model.Station, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	s, ok := kb.stations[id]
	return s, ok
}

// AccessPoint returns the access point with the given ID.
func (kb *KnowledgeBase) AccessPoint(id string) (model.AccessPoint, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	ap, ok := kb.aps[id]
	return ap, ok
}

// Server returns the server with the given ID.
func (kb *KnowledgeBase) Server(id string) (model.Server, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	srv, ok := kb.servers[id]
	return srv, ok
}

// AccessPoints returns a snapshot of all access points ordered by ID, so
// that iteration (and tie-breaking between equal signals) is deterministic.
func (kb *KnowledgeBase) AccessPoints() []model.AccessPoint {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.AccessPoint, 0, len(kb.aps))
	for _, ap := range kb.aps {
		res = append(res, ap)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Stations returns a snapshot of all stations ordered by ID.
func (kb *KnowledgeBase) Stations() []model.Station {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.Station, 0, len(kb.stations))
	for _, s := range kb.stations {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// SetMotion replaces a node's motion model and notifies subscribers.
func (kb *KnowledgeBase) SetMotion(id string, m core.MotionModel) error {
	if m == nil {
		return fmt.Errorf("node %q: motion model must not be nil", id)
	}

	kb.mu.Lock()
	role, ok := kb.roles[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("node with ID %q: %w", id, ErrNodeNotFound)
	}
	kb.motion[id] = m
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	notify(subs, Event{Type: EventMotionUpdated, NodeID: id, Role: role})
	return nil
}

// Position returns the node's position at simulation time t.
func (kb *KnowledgeBase) Position(id string, t time.Time) (model.Point, error) {
	kb.mu.RLock()
	m, ok := kb.motion[id]
	kb.mu.RUnlock()
	if !ok {
		return model.Point{}, fmt.Errorf("position of %q: %w", id, ErrNodeNotFound)
	}
	return m.PositionAt(t), nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.subs = append(kb.subs, fn)
	idx := len(kb.subs) - 1

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		if idx < 0 || idx >= len(kb.subs) {
			return
		}
		kb.subs = append(kb.subs[:idx], kb.subs[idx+1:]...)
		idx = -1
	}
}

// Notify subscribers outside the lock to avoid deadlocks.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
