package main

import (
	"fmt"
	"net"
)

// detectHostIP returns the first non-loopback IPv4 address of the host. It
// is advertised to the PBX as the external media host.
func detectHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}
		return ip4.String(), nil
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
