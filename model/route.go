package model

import (
	"fmt"
	"net/netip"
)

// RouteEntry is a static route on a node. Entries are keyed by Destination;
// installing an entry for an existing destination replaces it.
type RouteEntry struct {
	Destination netip.Prefix
	NextHop     netip.Addr
	Interface   string
}

// IsHost reports whether the entry is a single-address host route.
func (r RouteEntry) IsHost() bool {
	return r.Destination.IsSingleIP()
}

func (r RouteEntry) String() string {
	return fmt.Sprintf("%s via %s dev %s", r.Destination, r.NextHop, r.Interface)
}

// Equal reports whether two entries describe the same route.
func (r RouteEntry) Equal(other RouteEntry) bool {
	return r.Destination == other.Destination &&
		r.NextHop == other.NextHop &&
		r.Interface == other.Interface
}
