// Package link answers "is the network usable" for the session machine.
// Acquiring the link (WiFi association, DHCP) is somebody else's job.
package link

import (
	"net"
	"strings"
	"sync/atomic"
)

// Static is a probe whose answer is set by hand. The zero value is down.
type Static struct {
	up atomic.Bool
}

func NewStatic(up bool) *Static {
	s := &Static{}
	s.up.Store(up)
	return s
}

func (s *Static) LinkUp() bool { return s.up.Load() }

func (s *Static) Set(up bool) { s.up.Store(up) }

// Interface reports the link up when the named interface is up and holds at
// least one unicast address. An empty name means any non-loopback interface.
type Interface struct {
	Name string

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func NewInterface(name string) *Interface {
	return &Interface{
		Name:       strings.TrimSpace(name),
		interfaces: net.Interfaces,
		addrs:      func(ifc net.Interface) ([]net.Addr, error) { return ifc.Addrs() },
	}
}

func (p *Interface) LinkUp() bool {
	ifaces, err := p.interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if p.Name != "" && ifc.Name != p.Name {
			continue
		}
		if p.Name == "" && ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := p.addrs(ifc)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
