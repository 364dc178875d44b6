package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

const (
	egressCheckTimeout = 10 * time.Second
	maxIPResponseBytes = 256
)

// newEgressClient builds an HTTP client routed through the proxy endpoint.
// An empty endpoint yields a direct client.
func newEgressClient(endpoint, username, password string) (*http.Client, error) {
	if endpoint == "" {
		return &http.Client{Timeout: egressCheckTimeout}, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy endpoint: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        1,
		IdleConnTimeout:     egressCheckTimeout,
		TLSHandshakeTimeout: egressCheckTimeout,
	}

	switch u.Scheme {
	case "http", "https":
		if username != "" {
			u.User = url.UserPassword(username, password)
		}
		transport.Proxy = http.ProxyURL(u)
	case "socks5":
		var auth *xproxy.Auth
		if username != "" {
			auth = &xproxy.Auth{User: username, Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return &http.Client{Transport: transport, Timeout: egressCheckTimeout}, nil
}

// fetchEgressIP asks the IP-check service which address the proxy presents.
func fetchEgressIP(ctx context.Context, client *http.Client, checkURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, egressCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip check returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIPResponseBytes))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ip check returned %q, not an IP address", truncate(ip, 64))
	}
	return ip, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
