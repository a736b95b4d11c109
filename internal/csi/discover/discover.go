// Package discover locates ESPARGOS controllers on the local network via
// mDNS. Controllers advertise their HTTP control endpoint as an
// _espargos._tcp service.
package discover

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/espargos/goespargos/internal/monitoring"
)

const serviceType = "_espargos._tcp"

// Host is one discovered controller.
type Host struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
}

// ControlEndpoint returns the host:port of the controller's HTTP control
// interface, preferring an IPv4 address.
func (h Host) ControlEndpoint() string {
	for _, addr := range h.Addresses {
		if addr.To4() != nil {
			return net.JoinHostPort(addr.String(), strconv.Itoa(h.Port))
		}
	}
	if len(h.Addresses) > 0 {
		return net.JoinHostPort(h.Addresses[0].String(), strconv.Itoa(h.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(h.Hostname, "."), strconv.Itoa(h.Port))
}

// Controllers browses the local network for the given duration and returns
// the deduplicated set of controllers that answered.
func Controllers(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	byEndpoint := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				byEndpoint[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-done

	hosts := make([]Host, 0, len(byEndpoint))
	for _, h := range byEndpoint {
		hosts = append(hosts, h)
	}
	monitoring.Logf("discover: found %d ESPARGOS controller(s)", len(hosts))
	return hosts, nil
}

// cleanInstance removes zeroconf escape sequences from the instance name.
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
