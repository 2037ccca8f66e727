package hubsync

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

// DiscoverAPI browses mDNS on the configured interface for the hub backend
// and returns its API base URL.
func DiscoverAPI(ctx context.Context, cfg DiscoveryConfig) (string, error) {
	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return "", fmt.Errorf("interface %s not found: %w", cfg.Interface, err)
	}

	// create resolver that only uses the specified interface
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces([]net.Interface{*iface}))
	if err != nil {
		return "", fmt.Errorf("create resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)

	go func() {
		for entry := range entries {
			if !strings.Contains(entry.Instance, cfg.Instance) {
				continue
			}
			apiURL, ok := apiURLFromEntry(entry)
			if !ok {
				log.Warnf("No IPv4 address found for service %+v", entry)
				continue
			}
			log.Debugf("Found hub backend %s at %s", entry.Instance, apiURL)
			select {
			case found <- apiURL:
				cancel()
			default:
			}
		}
	}()

	if err := resolver.Browse(ctx, cfg.Service, "local.", entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	select {
	case apiURL := <-found:
		return apiURL, nil
	case <-ctx.Done():
	}
	select {
	case apiURL := <-found:
		return apiURL, nil
	default:
		return "", fmt.Errorf("no %q instance found on %s within %s", cfg.Instance, cfg.Interface, cfg.Timeout)
	}
}

func apiURLFromEntry(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return "", false
	}
	host := net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprint(entry.Port))
	return fmt.Sprintf("http://%s/api", host), true
}
