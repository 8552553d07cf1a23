// Package netinfo lists the local addresses a receiver can use to reach
// this host.
package netinfo

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/vishvananda/netlink"
)

// netlinkAPI is the slice of netlink used here; extracted for tests.
type netlinkAPI interface {
	LinkList() ([]netlink.Link, error)
	AddrList(netlink.Link, int) ([]netlink.Addr, error)
}

type defaultNetlink struct{}

func (defaultNetlink) LinkList() ([]netlink.Link, error) { return netlink.LinkList() }
func (defaultNetlink) AddrList(l netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(l, family)
}

// LocalIPv4 returns the IPv4 addresses of every interface that is up and not
// a loopback, sorted. It falls back to the standard library when netlink
// is unavailable on the platform.
func LocalIPv4() ([]net.IP, error) {
	ips, err := localIPv4(defaultNetlink{})
	if err == nil {
		return ips, nil
	}
	return interfaceIPv4()
}

func localIPv4(nl netlinkAPI) ([]net.IP, error) {
	links, err := nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var out []net.IP
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := nl.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("list addrs on %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			if ip4 := a.IPNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				out = append(out, ip4)
			}
		}
	}
	sortIPs(out)
	return out, nil
}

func interfaceIPv4() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
			out = append(out, ip4)
		}
	}
	sortIPs(out)
	return out, nil
}

func sortIPs(ips []net.IP) {
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
}

// Endpoints renders host:port strings for a listen address. A wildcard or
// empty host expands to every local IPv4 address; a concrete host is
// returned as is.
func Endpoints(listenAddr string) ([]string, error) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, err
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return []string{listenAddr}, nil
	}
	ips, err := LocalIPv4()
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return []string{net.JoinHostPort("127.0.0.1", port)}, nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip.String(), port))
	}
	return out, nil
}

// JoinPort is net.JoinHostPort for an integer port.
func JoinPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
