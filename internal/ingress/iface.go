package ingress

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
)

// ErrInterfaceAbsent is returned while the radio interface does not
// exist, typically because the border router has not created it yet.
var ErrInterfaceAbsent = errors.New("interface absent")

// InterfaceLookup resolves a network interface by name.
type InterfaceLookup func(name string) (*net.Interface, error)

// LinkLookup resolves the interface through netlink. An interface that
// exists but is operationally down is still returned: the kernel
// accepts a group join on it and delivery starts once it comes up.
func LinkLookup(name string) (*net.Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrInterfaceAbsent, name)
		}
		return nil, fmt.Errorf("netlink lookup %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
		log.Warn().
			Str("interface", name).
			Str("oper_state", attrs.OperState.String()).
			Msg("interface present but not up")
	}
	return &net.Interface{
		Index:        attrs.Index,
		MTU:          attrs.MTU,
		Name:         attrs.Name,
		HardwareAddr: attrs.HardwareAddr,
		Flags:        attrs.Flags,
	}, nil
}
