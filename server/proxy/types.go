package proxy

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/imapcache/logger"
)

// BackendHealthInfo represents the health status of a single backend for external reporting
type BackendHealthInfo struct {
	Address            string    `json:"address"`
	State              string    `json:"state"`
	IsHealthy          bool      `json:"is_healthy"`
	ConsecutiveFails   uint32    `json:"consecutive_fails"`
	FailureCount       uint32    `json:"failure_count"`
	LastStateChange    time.Time `json:"last_state_change"`
	HealthCheckEnabled bool      `json:"health_check_enabled"`
}

// normalizeHostPort normalizes a host:port address, adding a default port if missing
func normalizeHostPort(addr string, defaultPort int) string {
	if addr == "" {
		return ""
	}

	// net.SplitHostPort handles bracketed IPv6 like "[::1]:143".
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		return net.JoinHostPort(host, port)
	}

	// An unbracketed IPv6 address followed by a port, e.g. "2001:db8::1:143".
	if strings.Count(addr, ":") > 1 {
		lastColon := strings.LastIndex(addr, ":")
		if lastColon != -1 && lastColon < len(addr)-1 {
			hostPart := addr[:lastColon]
			portPart := addr[lastColon+1:]

			if net.ParseIP(hostPart) != nil {
				if _, pErr := strconv.Atoi(portPart); pErr == nil {
					fixedAddr := net.JoinHostPort(hostPart, portPart)
					logger.Debug("Proxy: Corrected malformed IPv6 address", "original", addr, "corrected", fixedAddr)
					return fixedAddr
				}
			}
		}
	}

	if defaultPort > 0 {
		return net.JoinHostPort(addr, strconv.Itoa(defaultPort))
	}
	return addr
}
