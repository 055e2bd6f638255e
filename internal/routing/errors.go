package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAccessPoint indicates an event names an AP outside the topology.
	ErrUnknownAccessPoint = errors.New("unknown access point")
	// ErrInconsistent indicates route tables disagree with the serving AP.
	ErrInconsistent = errors.New("routes inconsistent with serving access point")
)

// PatchError reports a lookup that failed while planning or installing a
// route patch. It is fatal: routing state can no longer be trusted.
type PatchError struct {
	// Node is the node whose table was being patched.
	Node string
	// Lookup names what was being resolved, e.g. "interface" or "access point".
	Lookup string
	// Address is the address or identifier being looked up.
	Address string
	Err     error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("route patch at %s: %s lookup for %s: %v", e.Node, e.Lookup, e.Address, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }
