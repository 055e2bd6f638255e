package runner

import (
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/roaming-simulator/core"
	"github.com/signalsfoundry/roaming-simulator/internal/config"
	"github.com/signalsfoundry/roaming-simulator/internal/routing"
	"github.com/signalsfoundry/roaming-simulator/internal/sim/state"
	"github.com/signalsfoundry/roaming-simulator/kb"
	"github.com/signalsfoundry/roaming-simulator/model"
)

// Interface names used on every node.
const (
	WirelessInterface = "wlan0"
	BackboneInterface = "eth0"
	ServerID          = "server"
)

// topology is the static part of a run: who sits where and with which
// addresses.
type topology struct {
	station  model.Station
	server   model.Server
	aps      []model.AccessPoint
	wireless netip.Prefix
	backbone netip.Prefix
}

// buildTopology assigns addresses in the order the wireless and backbone
// subnets are brought up: the station takes the first wireless host, the
// APs the following ones; on the backbone the APs come first and the
// server last.
func buildTopology(cfg config.Config) (topology, error) {
	wireless, backbone, err := cfg.Network.Prefixes()
	if err != nil {
		return topology{}, err
	}
	topo := topology{wireless: wireless, backbone: backbone}

	staAddr, err := nthHost(wireless, 1)
	if err != nil {
		return topology{}, err
	}
	topo.station = model.Station{ID: cfg.Station.ID, Addr: staAddr, Interface: WirelessInterface}

	aps := cfg.ResolvedAccessPoints()
	for i, ap := range aps {
		local, err := nthHost(wireless, i+2)
		if err != nil {
			return topology{}, err
		}
		wired, err := nthHost(backbone, i+1)
		if err != nil {
			return topology{}, err
		}
		topo.aps = append(topo.aps, model.AccessPoint{
			ID:                ap.ID,
			Position:          ap.Position,
			TxPowerDbm:        ap.TxPowerDbm,
			LocalAddr:         local,
			LocalInterface:    WirelessInterface,
			BackboneAddr:      wired,
			BackboneInterface: BackboneInterface,
		})
	}

	srvAddr, err := nthHost(backbone, len(aps)+1)
	if err != nil {
		return topology{}, err
	}
	topo.server = model.Server{
		ID:        ServerID,
		Position:  cfg.ServerPosition(),
		Addr:      srvAddr,
		Interface: BackboneInterface,
	}
	return topo, nil
}

// nthHost returns the n-th address after the network address of p.
func nthHost(p netip.Prefix, n int) (netip.Addr, error) {
	addr := p.Masked().Addr()
	for i := 0; i < n; i++ {
		addr = addr.Next()
	}
	if !p.Contains(addr) || !p.Contains(addr.Next()) {
		return netip.Addr{}, fmt.Errorf("%w: %s has no host #%d", config.ErrInvalidConfig, p, n)
	}
	return addr, nil
}

// install adds every node and its interfaces to net.
func (t topology) install(net *state.Network) error {
	if err := net.AddNode(t.station.ID, model.RoleStation,
		state.Interface{Name: t.station.Interface, Addr: t.station.Addr, Prefix: t.wireless}); err != nil {
		return err
	}
	if err := net.AddNode(t.server.ID, model.RoleServer,
		state.Interface{Name: t.server.Interface, Addr: t.server.Addr, Prefix: t.backbone}); err != nil {
		return err
	}
	for _, ap := range t.aps {
		if err := net.AddNode(ap.ID, model.RoleAccessPoint,
			state.Interface{Name: ap.LocalInterface, Addr: ap.LocalAddr, Prefix: t.wireless},
			state.Interface{Name: ap.BackboneInterface, Addr: ap.BackboneAddr, Prefix: t.backbone},
		); err != nil {
			return err
		}
	}
	return nil
}

// populate registers nodes and the station's motion in the knowledge base.
func (t topology) populate(store *kb.KnowledgeBase, motion core.MotionModel) error {
	if err := store.AddStation(t.station, motion); err != nil {
		return err
	}
	if err := store.AddServer(t.server); err != nil {
		return err
	}
	for _, ap := range t.aps {
		if err := store.AddAccessPoint(ap); err != nil {
			return err
		}
	}
	return nil
}

func (t topology) routing() routing.Topology {
	return routing.Topology{
		Station:        t.station,
		Server:         t.server,
		AccessPoints:   t.aps,
		BackbonePrefix: t.backbone,
	}
}

func (t topology) nodeIDs() []string {
	ids := []string{t.station.ID, t.server.ID}
	for _, ap := range t.aps {
		ids = append(ids, ap.ID)
	}
	return ids
}
