package knx

import (
	"fmt"
	"net"
	"strconv"
)

// Mode selects the KNXnet/IP service used to reach the bus.
type Mode string

// Transport modes.
const (
	ModeTunnel Mode = "tunnel"
	ModeRoute  Mode = "route"
)

// Endpoint defaults.
const (
	DefaultPort             = 3671
	DefaultMulticastAddress = "224.0.23.12"
	DefaultLocalBusAddress  = "0.0.0"
)

// Endpoint identifies one KNXnet/IP access point and how to talk to it.
//
// An Endpoint is immutable once a connection has been created from it.
type Endpoint struct {
	// Address is the gateway host for tunnelling, or the multicast group for
	// routing. Empty in route mode means DefaultMulticastAddress.
	Address string
	Mode    Mode
	Port    int

	// LocalIP selects the outgoing interface for routing. Optional.
	LocalIP string

	// LocalBusAddress is the source address stamped on outgoing telegrams.
	LocalBusAddress IndividualAddress

	// UseNAT suppresses sending the local control endpoint in tunnel
	// connection requests, for gateways reached through NAT.
	UseNAT bool
}

// Key returns the identity used to share connections between
// configurations.
func (e Endpoint) Key() string {
	if e.Mode == ModeRoute && e.Address == "" {
		return DefaultMulticastAddress
	}
	return e.Address
}

// dialAddress returns host:port for the knx-go constructors.
func (e Endpoint) dialAddress() (string, error) {
	host := e.Key()
	if host == "" {
		return "", fmt.Errorf("%w: tunnel endpoint requires an address", ErrInvalidEndpoint)
	}
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// routingInterface finds the interface carrying LocalIP, or nil when no
// local IP is configured.
func (e Endpoint) routingInterface() (*net.Interface, error) {
	if e.LocalIP == "" {
		return nil, nil
	}
	want := net.ParseIP(e.LocalIP)
	if want == nil {
		return nil, fmt.Errorf("%w: local ip %q", ErrInvalidEndpoint, e.LocalIP)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no interface has address %s", ErrInvalidEndpoint, e.LocalIP)
}
