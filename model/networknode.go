package model

import "net/netip"

// NodeRole is a free-form category for nodes in the roaming topology.
type NodeRole string

const (
	RoleStation     NodeRole = "STATION"
	RoleAccessPoint NodeRole = "ACCESS_POINT"
	RoleServer      NodeRole = "SERVER"
)

// Station is the mobile client. Its position is owned by a motion model and
// its serving access point by the association model; neither is stored here.
type Station struct {
	ID string
	// Addr is the station's fixed address on the wireless subnet.
	Addr netip.Addr
	// Interface is the name of the station's wireless interface.
	Interface string
}

// AccessPoint is a fixed node bridging the wireless subnet and the backbone.
type AccessPoint struct {
	ID         string
	Position   Point
	TxPowerDbm float64

	// LocalAddr is the AP's address on the wireless subnet; stations use it
	// as their gateway.
	LocalAddr      netip.Addr
	LocalInterface string

	// BackboneAddr is the AP's address on the wired backbone; the server and
	// the other APs use it as next hop towards stations behind this AP.
	BackboneAddr      netip.Addr
	BackboneInterface string
}

// Server is the backbone host exchanging traffic with the station.
type Server struct {
	ID        string
	Position  Point
	Addr      netip.Addr
	Interface string
}
