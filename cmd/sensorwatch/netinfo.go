package main

import (
	"fmt"
	"net"
)

// getLocalIPs returns the IPv4 addresses of every interface that is up
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
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

			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs prints where the operator API can be reached
func printAccessURLs(port string) {
	ips := getLocalIPs()
	if len(ips) == 0 {
		fmt.Printf("\nOperator API: http://localhost:%s/api/status\n\n", port)
		return
	}

	fmt.Println("\nOperator API:")
	for _, ip := range ips {
		fmt.Printf("  http://%s:%s/api/status\n", ip, port)
	}
	fmt.Println()
}
