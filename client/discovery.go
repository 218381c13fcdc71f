package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service the backend advertises its websocket under.
const ServiceType = "_dmxlink-ws._tcp"

type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	TXTRecords  []string
}

// URL returns the websocket URL of the discovered backend. The path comes from
// the "path=" TXT record and defaults to /ws.
func (s *DiscoveredService) URL() string {
	return "ws://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port)) + s.path()
}

func (s *DiscoveredService) path() string {
	for _, record := range s.TXTRecords {
		path, ok := strings.CutPrefix(record, "path=")
		if !ok || path == "" {
			continue
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return path
	}
	return "/ws"
}

// DiscoverBackend returns the first backend found over mDNS.
func DiscoverBackend(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "service", ServiceType, "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", ServiceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = entry.AddrV6.String()
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		service := &DiscoveredService{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			TXTRecords:  entry.InfoFields,
		}
		slog.Info("Discovered DMX backend",
			"service_name", service.ServiceName,
			"address", service.Address,
			"port", service.Port,
		)
		return service, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", ServiceType)
	}
}
