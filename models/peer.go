package models

import (
	"net"
	"strconv"
)

// DefaultTransferPort is the TCP port a peer accepts transfers on when it advertises none.
const DefaultTransferPort = 52525

// Peer represents a discovered remote device.
//
// Identity is the (Address, Port) endpoint; DisplayName is informational and may change.
type Peer struct {
	DisplayName string `json:"display_name"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}

// Endpoint returns the dialable host:port for the peer.
func (p Peer) Endpoint() string {
	port := p.Port
	if port <= 0 {
		port = DefaultTransferPort
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(port))
}

// SameEndpoint reports whether both peers resolve to the same transfer endpoint.
func (p Peer) SameEndpoint(other Peer) bool {
	return p.Address == other.Address && p.effectivePort() == other.effectivePort()
}

func (p Peer) effectivePort() int {
	if p.Port <= 0 {
		return DefaultTransferPort
	}
	return p.Port
}
