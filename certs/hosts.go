// Package certs issues a locally trusted certificate so browser clients can
// reach the control server over wss://.
package certs

import (
	"net"
	"os"
	"strings"
)

// LANAddrs returns the IPv4 addresses of every interface that is up, minus
// loopback.
func LANAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip.To4() != nil && !ip.IsLoopback() {
				addrs = append(addrs, ip.String())
			}
		}
	}
	return addrs, nil
}

// Hosts returns the names the certificate must cover: localhost, the mDNS
// name of this machine and its LAN addresses. The loopback names are always
// present, even when err is set.
func Hosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	if name, err := os.Hostname(); err == nil && name != "" {
		name = strings.TrimSuffix(strings.ToLower(name), ".local")
		hosts = append(hosts, name+".local")
	}

	lan, err := LANAddrs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lan...), nil
}
