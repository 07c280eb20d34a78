package config

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"
)

// NewHTTPClient builds the client every transfer runs through, routing
// via ProxyURL when set: a socks5:// URL dials through
// golang.org/x/net/proxy.SOCKS5, anything else becomes a plain
// http.ProxyURL, and an empty ProxyURL falls back to
// http.ProxyFromEnvironment. Adapted from teal33t-Surge's
// internal/engine/probe.go ProbeServer, which built this same transport
// inline per probe call; here it's built once and shared by every task.
func (c *RuntimeConfig) NewHTTPClient() *http.Client {
	transport := &http.Transport{}

	switch {
	case c.ProxyURL == "":
		transport.Proxy = http.ProxyFromEnvironment
	default:
		parsed, err := url.Parse(c.ProxyURL)
		if err != nil {
			transport.Proxy = http.ProxyFromEnvironment
			break
		}
		if strings.HasPrefix(parsed.Scheme, "socks5") {
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
			if err != nil {
				transport.Proxy = http.ProxyFromEnvironment
				break
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		} else {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}

	return &http.Client{Transport: transport}
}
