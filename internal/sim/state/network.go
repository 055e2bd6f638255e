package state

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/model"
)

var (
	// ErrNodeExists indicates a node with the same ID was already added.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInterfaceInvalid indicates an interface failed validation.
	ErrInterfaceInvalid = errors.New("invalid interface")
	// ErrAddressInUse indicates an address is already assigned to another interface.
	ErrAddressInUse = errors.New("address already assigned")
	// ErrNoInterface indicates no interface on the node can reach an address.
	ErrNoInterface = errors.New("no interface towards address")
	// ErrRouteInvalid indicates a route entry failed validation.
	ErrRouteInvalid = errors.New("invalid route")
	// ErrRouteNotFound indicates the node has no route for the destination.
	ErrRouteNotFound = errors.New("route not found")
	// ErrUnreachable indicates forwarding could not make progress.
	ErrUnreachable = errors.New("destination unreachable")
)

// DefaultMaxHops bounds Trace so that routing loops terminate.
const DefaultMaxHops = 16

// Interface is a node's attachment to a subnet.
type Interface struct {
	Name string
	// Addr is the interface address; Prefix is the connected subnet and
	// must contain Addr.
	Addr   netip.Addr
	Prefix netip.Prefix
}

// LinkFilter reports whether a frame can currently pass from one node to
// an adjacent one. It lets wireless adjacency follow the association state.
type LinkFilter func(fromNode, toNode string) bool

type node struct {
	id     string
	role   model.NodeRole
	ifaces []Interface
	routes []model.RouteEntry
}

// Network holds the nodes of the roaming topology, their interfaces and
// their static route tables. It is the route-table collaborator of the
// routing controller and the read side used by the forwarding check.
type Network struct {
	mu sync.RWMutex

	nodes  map[string]*node
	owners map[netip.Addr]string

	log logging.Logger
}

// NewNetwork creates an empty network.
func NewNetwork(log logging.Logger) *Network {
	if log == nil {
		log = logging.Noop()
	}
	return &Network{
		nodes:  make(map[string]*node),
		owners: make(map[netip.Addr]string),
		log:    log,
	}
}

// AddNode registers a node and its interfaces.
func (n *Network) AddNode(id string, role model.NodeRole, ifaces ...Interface) error {
	if id == "" {
		return fmt.Errorf("AddNode: id must not be empty")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.nodes[id]; exists {
		return fmt.Errorf("AddNode %q: %w", id, ErrNodeExists)
	}

	seen := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		if iface.Name == "" || !iface.Addr.IsValid() || !iface.Prefix.IsValid() {
			return fmt.Errorf("AddNode %q: interface %q: %w", id, iface.Name, ErrInterfaceInvalid)
		}
		if !iface.Prefix.Contains(iface.Addr) {
			return fmt.Errorf("AddNode %q: interface %q: %s outside %s: %w",
				id, iface.Name, iface.Addr, iface.Prefix, ErrInterfaceInvalid)
		}
		if seen[iface.Name] {
			return fmt.Errorf("AddNode %q: duplicate interface %q: %w", id, iface.Name, ErrInterfaceInvalid)
		}
		seen[iface.Name] = true
		if owner, taken := n.owners[iface.Addr]; taken {
			return fmt.Errorf("AddNode %q: %s held by %q: %w", id, iface.Addr, owner, ErrAddressInUse)
		}
	}

	nd := &node{
		id:     id,
		role:   role,
		ifaces: append([]Interface(nil), ifaces...),
	}
	for _, iface := range ifaces {
		n.owners[iface.Addr] = id
	}
	n.nodes[id] = nd
	return nil
}

// InterfaceFor returns the name of the node's interface whose connected
// subnet contains dest. This is how a next hop is bound to an outgoing
// interface.
func (n *Network) InterfaceFor(nodeID string, dest netip.Addr) (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nd, ok := n.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("node %q: %w", nodeID, ErrNodeNotFound)
	}
	if iface, ok := connectedIface(nd, dest); ok {
		return iface.Name, nil
	}
	return "", fmt.Errorf("node %q towards %s: %w", nodeID, dest, ErrNoInterface)
}

func connectedIface(nd *node, dest netip.Addr) (Interface, bool) {
	best := -1
	for i, iface := range nd.ifaces {
		if !iface.Prefix.Contains(dest) {
			continue
		}
		if best < 0 || iface.Prefix.Bits() > nd.ifaces[best].Prefix.Bits() {
			best = i
		}
	}
	if best < 0 {
		return Interface{}, false
	}
	return nd.ifaces[best], true
}

// AddRoute installs a static route on a node. A route with the same
// destination is replaced, so tables never accumulate entries for one
// destination.
func (n *Network) AddRoute(nodeID string, route model.RouteEntry) error {
	if !route.Destination.IsValid() || !route.NextHop.IsValid() || route.Interface == "" {
		return fmt.Errorf("AddRoute %q: %v: %w", nodeID, route, ErrRouteInvalid)
	}
	route.Destination = route.Destination.Masked()

	n.mu.Lock()
	defer n.mu.Unlock()

	nd, ok := n.nodes[nodeID]
	if !ok {
		return fmt.Errorf("AddRoute: node %q: %w", nodeID, ErrNodeNotFound)
	}
	hasIface := false
	for _, iface := range nd.ifaces {
		if iface.Name == route.Interface {
			hasIface = true
			break
		}
	}
	if !hasIface {
		return fmt.Errorf("AddRoute %q: no interface %q: %w", nodeID, route.Interface, ErrRouteInvalid)
	}

	for i, r := range nd.routes {
		if r.Destination == route.Destination {
			nd.routes[i] = route
			return nil
		}
	}
	nd.routes = append(nd.routes, route)
	return nil
}

// RemoveRoute removes the static route for dest. It returns ErrRouteNotFound
// if the node has no such route.
func (n *Network) RemoveRoute(nodeID string, dest netip.Prefix) error {
	dest = dest.Masked()

	n.mu.Lock()
	defer n.mu.Unlock()

	nd, ok := n.nodes[nodeID]
	if !ok {
		return fmt.Errorf("RemoveRoute: node %q: %w", nodeID, ErrNodeNotFound)
	}
	for i, r := range nd.routes {
		if r.Destination == dest {
			nd.routes = append(nd.routes[:i], nd.routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("RemoveRoute %q %s: %w", nodeID, dest, ErrRouteNotFound)
}

// Route returns the static route whose destination equals dest exactly.
func (n *Network) Route(nodeID string, dest netip.Prefix) (model.RouteEntry, bool) {
	dest = dest.Masked()

	n.mu.RLock()
	defer n.mu.RUnlock()

	nd, ok := n.nodes[nodeID]
	if !ok {
		return model.RouteEntry{}, false
	}
	for _, r := range nd.routes {
		if r.Destination == dest {
			return r, true
		}
	}
	return model.RouteEntry{}, false
}

// Routes returns a copy of the node's static routes, most specific first.
func (n *Network) Routes(nodeID string) ([]model.RouteEntry, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nd, ok := n.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", nodeID, ErrNodeNotFound)
	}
	out := append([]model.RouteEntry(nil), nd.routes...)
	sortRoutes(out)
	return out, nil
}

func sortRoutes(routes []model.RouteEntry) {
	sort.Slice(routes, func(i, j int) bool {
		bi, bj := routes[i].Destination.Bits(), routes[j].Destination.Bits()
		if bi != bj {
			return bi > bj
		}
		return routes[i].Destination.Addr().Less(routes[j].Destination.Addr())
	})
}

// Lookup performs a longest-prefix match over the node's static routes and
// connected subnets. Connected matches are returned with an invalid NextHop,
// meaning "deliver directly". Static routes win over connected subnets of
// the same length.
func (n *Network) Lookup(nodeID string, dest netip.Addr) (model.RouteEntry, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nd, ok := n.nodes[nodeID]
	if !ok {
		return model.RouteEntry{}, false
	}
	return lookupLocked(nd, dest)
}

func lookupLocked(nd *node, dest netip.Addr) (model.RouteEntry, bool) {
	var best model.RouteEntry
	found := false
	for _, r := range nd.routes {
		if !r.Destination.Contains(dest) {
			continue
		}
		if !found || r.Destination.Bits() > best.Destination.Bits() {
			best = r
			found = true
		}
	}
	if iface, ok := connectedIface(nd, dest); ok {
		if !found || iface.Prefix.Bits() > best.Destination.Bits() {
			best = model.RouteEntry{Destination: iface.Prefix.Masked(), Interface: iface.Name}
			found = true
		}
	}
	return best, found
}

// Trace follows routes hop by hop from src towards dest and returns the
// visited node IDs, src first and the node owning dest last. link, when
// non-nil, vetoes individual hops.
func (n *Network) Trace(src string, dest netip.Addr, link LinkFilter) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, ok := n.nodes[src]; !ok {
		return nil, fmt.Errorf("trace from %q: %w", src, ErrNodeNotFound)
	}

	path := []string{src}
	cur := src
	for hop := 0; hop < DefaultMaxHops; hop++ {
		if owner, ok := n.owners[dest]; ok && owner == cur {
			return path, nil
		}

		route, ok := lookupLocked(n.nodes[cur], dest)
		if !ok {
			return path, fmt.Errorf("trace %s at %q: no route: %w", dest, cur, ErrUnreachable)
		}
		gateway := route.NextHop
		if !gateway.IsValid() {
			gateway = dest
		}
		next, ok := n.owners[gateway]
		if !ok {
			return path, fmt.Errorf("trace %s at %q: next hop %s has no owner: %w", dest, cur, gateway, ErrUnreachable)
		}
		if next == cur {
			return path, fmt.Errorf("trace %s at %q: next hop %s is local: %w", dest, cur, gateway, ErrUnreachable)
		}
		if link != nil && !link(cur, next) {
			return path, fmt.Errorf("trace %s: link %q -> %q down: %w", dest, cur, next, ErrUnreachable)
		}

		path = append(path, next)
		cur = next
	}
	return path, fmt.Errorf("trace %s from %q: exceeded %d hops: %w", dest, src, DefaultMaxHops, ErrUnreachable)
}
