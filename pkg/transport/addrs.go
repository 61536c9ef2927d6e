package transport

import (
	"errors"
	"net"
	"strconv"
)

// AdvertisableAddrs lists "ip:port" for every usable interface address,
// for operators to hand to peers.
func AdvertisableAddrs(port int) ([]string, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, err
	}

	var results []string
	seen := make(map[string]bool)
	for _, ip := range ips {
		if seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		results = append(results, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}

	if len(results) == 0 {
		return nil, errors.New("could not determine any advertisable IP addresses")
	}
	return results, nil
}

func localIPs() ([]net.IP, error) {
	var ips []net.IP
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, i := range interfaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := i.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if isValidIP(ip) {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// isValidIP filters out Loopback, Multicast, Unspecified, and Link-Local (fe80::) addresses.
func isValidIP(ip net.IP) bool {
	return ip != nil && !ip.IsLoopback() && !ip.IsMulticast() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}
