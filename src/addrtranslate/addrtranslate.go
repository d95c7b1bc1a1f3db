// Package addrtranslate resolves a worker's internally-advertised data-plane
// address to the address its peers must actually dial, for deployments that
// span hosts behind NAT/port-forwarding (spec §4.5). Each worker reads the
// internal->external mapping from its own configuration section
// (external_address_map) as a static table — there is no dynamic discovery.
package addrtranslate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/yl2chen/cidranger"
)

type internalAddressType int

const (
	internalAddressTypeIP internalAddressType = iota
	internalAddressTypeHost
	internalAddressTypeCIDR
)

const optionalPort uint16 = 0

var ErrPortOutOfRange = errors.New("port out of range")

type parsedInternalAddress struct {
	addressType internalAddressType
	main        string // IP string, hostname, or CIDR string
	port        uint16 // optional, 0 if not provided
}

type parsedExternalAddress struct {
	ip   net.IP
	port uint16
}

func parsePort(portStr string) (uint16, error) {
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %s: %w", portStr, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d: %w", port, ErrPortOutOfRange)
	}
	return uint16(port), nil
}

func parseInternalAddress(address string) (parsedInternalAddress, error) {
	port := optionalPort
	main := address

	if strings.Contains(address, ":") {
		parts := strings.Split(address, ":")
		main = parts[0]
		p, err := parsePort(parts[1])
		if err != nil {
			return parsedInternalAddress{}, fmt.Errorf("invalid port in internal address %s: %w", address, err)
		}
		port = p
	}

	if _, _, err := net.ParseCIDR(main); err == nil {
		return parsedInternalAddress{addressType: internalAddressTypeCIDR, main: main, port: port}, nil
	}
	if ip := net.ParseIP(main); ip != nil {
		return parsedInternalAddress{addressType: internalAddressTypeIP, main: main, port: port}, nil
	}
	return parsedInternalAddress{addressType: internalAddressTypeHost, main: main, port: port}, nil
}

func parseExternalAddress(address string, logger *zerolog.Logger) (parsedExternalAddress, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return parsedExternalAddress{}, fmt.Errorf("failed to split external address '%s': %w", address, err)
	}

	port := optionalPort
	if portStr != "0" {
		port, err = parsePort(portStr)
		if err != nil {
			return parsedExternalAddress{}, fmt.Errorf("failed to parse port from external address '%s': %w", address, err)
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		logger.Warn().Msgf("failed to parse IP from host '%s' of external address '%s'", host, address)
	}

	return parsedExternalAddress{ip: ip, port: port}, nil
}

type networkEndpoint struct {
	host string // hostname or CIDR
	ip   net.IP // nil if host is a hostname or CIDR
	port uint16
}

type addressMapping struct {
	internal networkEndpoint
	external networkEndpoint
}

type cidrRangerHostEntry struct {
	addressMapping
	network net.IPNet
}

func (e *cidrRangerHostEntry) Network() net.IPNet {
	return e.network
}

// Translator maps an internally-bound (IP, port) data-plane endpoint to the
// externally-reachable endpoint a peer on a different host must dial.
type Translator struct {
	hostMapping map[string]addressMapping
	cidrRanger  cidranger.Ranger
	logger      zerolog.Logger
}

// New builds a Translator from a static internal->external address table,
// e.g. {"10.0.4.12:9100": "203.0.113.9:19100", "10.0.4.0/24": "203.0.113.9:0"}.
// Entries with a zero external port leave the original port untranslated.
func New(translations map[string]string, logger zerolog.Logger) *Translator {
	t := &Translator{
		hostMapping: make(map[string]addressMapping),
		cidrRanger:  cidranger.NewPCTrieRanger(),
		logger:      logger,
	}

	seenCIDRs := make(map[string]bool)

	for internal, external := range translations {
		internalAddress, err := parseInternalAddress(internal)
		if err != nil {
			t.logger.Warn().Msgf("addrtranslate: failed to parse internal address '%s': %v", internal, err)
			continue
		}
		externalAddress, err := parseExternalAddress(external, &t.logger)
		if err != nil {
			t.logger.Warn().Msgf("addrtranslate: failed to parse external address '%s' for internal '%s': %v", external, internal, err)
			continue
		}

		switch internalAddress.addressType {
		case internalAddressTypeIP, internalAddressTypeHost:
			var ip net.IP
			if internalAddress.addressType == internalAddressTypeIP {
				ip = net.ParseIP(internalAddress.main)
			}

			lookupKey := fmt.Sprintf("%s:%d", internalAddress.main, internalAddress.port)
			if _, exists := t.hostMapping[lookupKey]; exists {
				t.logger.Debug().Msgf("addrtranslate: skipping duplicate mapping '%s' -> '%s'", internal, external)
				continue
			}

			t.hostMapping[lookupKey] = addressMapping{
				internal: networkEndpoint{host: internalAddress.main, ip: ip, port: internalAddress.port},
				external: networkEndpoint{host: externalAddress.ip.String(), ip: externalAddress.ip, port: externalAddress.port},
			}

		case internalAddressTypeCIDR:
			if _, seen := seenCIDRs[internalAddress.main]; seen {
				t.logger.Debug().Msgf("addrtranslate: skipping duplicate CIDR '%s'", internalAddress.main)
				continue
			}
			seenCIDRs[internalAddress.main] = true

			ip, network, err := net.ParseCIDR(internalAddress.main)
			if err != nil {
				t.logger.Warn().Msgf("addrtranslate: failed to parse CIDR '%s': %v", internalAddress.main, err)
				continue
			}

			err = t.cidrRanger.Insert(&cidrRangerHostEntry{
				network: *network,
				addressMapping: addressMapping{
					internal: networkEndpoint{host: internalAddress.main, ip: ip, port: internalAddress.port},
					external: networkEndpoint{host: externalAddress.ip.String(), ip: externalAddress.ip, port: externalAddress.port},
				},
			})
			if err != nil {
				t.logger.Warn().Msgf("addrtranslate: failed to insert CIDR '%s': %v", internalAddress.main, err)
				continue
			}

		default:
			t.logger.Warn().Msgf("addrtranslate: unknown internal address type for '%s'", internal)
		}
	}

	return t
}

// Translate maps (originalIP, originalPort) to the external endpoint a
// cross-host peer should dial instead, falling back to the original endpoint
// when no mapping matches — a worker with no NAT configured is unaffected.
func (t *Translator) Translate(originalIP net.IP, originalPort uint16) (translatedIP net.IP, translatedPort uint16) {
	hostnames := []string{originalIP.String()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var r net.Resolver
	if addrs, err := r.LookupAddr(ctx, hostnames[0]); err == nil {
		for _, n := range addrs {
			hostnames = append(hostnames, strings.Trim(n, "."))
		}
	}

	lookupPorts := []uint16{originalPort, optionalPort}
	for _, hostname := range hostnames {
		for _, lookupPort := range lookupPorts {
			lookupKey := fmt.Sprintf("%s:%d", hostname, lookupPort)
			if translation, ok := t.hostMapping[lookupKey]; ok {
				if translation.external.port == optionalPort {
					return translation.external.ip, originalPort
				}
				return translation.external.ip, translation.external.port
			}
		}
	}

	entries, err := t.cidrRanger.ContainingNetworks(originalIP)
	if err == nil {
		for _, entry := range entries {
			translation, ok := entry.(*cidrRangerHostEntry)
			if !ok {
				t.logger.Warn().Msgf("addrtranslate: entry type assertion failed for IP '%s'", originalIP)
				continue
			}
			if translation.internal.port == optionalPort || translation.internal.port == originalPort {
				if translation.external.port == optionalPort {
					return translation.external.ip, originalPort
				}
				return translation.external.ip, translation.external.port
			}
		}
	} else {
		t.logger.Warn().Msgf("addrtranslate: CIDR lookup error for IP '%s': %v", originalIP, err)
	}

	return originalIP, originalPort
}
