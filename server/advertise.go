package server

import (
	"fmt"
	"os"

	"github.com/hashicorp/mdns"
)

// ServiceType must match the type the client browses for.
const ServiceType = "_dmxlink-ws._tcp"

func advertise(port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "dmxlink"
	}
	service, err := mdns.NewMDNSService(host, ServiceType, "", "", port, nil, []string{"path=/ws"})
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}
	return server, nil
}
