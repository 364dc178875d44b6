// Package security provides URL validation and log redaction helpers.
package security

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL          = errors.New("invalid URL")
	ErrBlockedScheme       = errors.New("URL scheme not allowed")
	ErrEmbeddedCredentials = errors.New("URL must not embed credentials")
	ErrLocalhostBlocked    = errors.New("localhost URLs are not allowed")
	ErrPrivateIPBlocked    = errors.New("private/internal IP addresses are not allowed")
	ErrMetadataBlocked     = errors.New("cloud metadata URLs are not allowed")
	ErrInvalidProxyURL     = errors.New("invalid proxy endpoint")
	ErrBlockedProxyScheme  = errors.New("proxy scheme not allowed (must be http, https, or socks5)")
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

var allowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// blockedHosts are hostnames a worker browser must never be pointed at.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// metadataIPs are cloud provider metadata service addresses.
var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("fd00:ec2::254"),
}

// ValidateTargetURL checks that a voting target URL is safe to hand to a
// worker browser: http(s) only, no embedded credentials, and not pointed at
// loopback, private ranges, or cloud metadata services.
func ValidateTargetURL(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}
	if parsed.User != nil {
		return ErrEmbeddedCredentials
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return ErrInvalidURL
	}
	if blockedHosts[hostname] || isLocalhostName(hostname) {
		return ErrLocalhostBlocked
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return validateIP(ip)
	}

	// Hostnames are resolved and every address checked. A failed lookup is
	// allowed through; the browser surfaces the real error via the proxy.
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, resolved := range ips {
		if err := validateIP(resolved); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProxyEndpoint validates a proxy endpoint URL. Private and loopback
// addresses are permitted when allowPrivate is set, since local forwarders
// are a common deployment shape.
func ValidateProxyEndpoint(endpoint string, allowPrivate bool) error {
	if endpoint == "" {
		return nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return ErrInvalidProxyURL
	}
	if !allowedProxySchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedProxyScheme
	}
	if parsed.Host == "" {
		return ErrInvalidProxyURL
	}
	if allowPrivate {
		return nil
	}

	hostname := strings.ToLower(parsed.Hostname())
	if blockedHosts[hostname] || isLocalhostName(hostname) {
		return ErrLocalhostBlocked
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return validateIP(ip)
	}
	// Hostnames are not resolved here: the proxy vendor's DNS may differ.
	return nil
}

func isLocalhostName(hostname string) bool {
	switch hostname {
	case "localhost", "localhost.localdomain", "local", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

func validateIP(ip net.IP) error {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if ip.IsLoopback() {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	for _, meta := range metadataIPs {
		if ip.Equal(meta) {
			return ErrMetadataBlocked
		}
	}
	return nil
}
