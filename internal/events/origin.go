package events

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// LocalOrigin reports whether r carries no Origin header or one naming a
// loopback host. Browsers always send Origin on cross-origin requests and
// websocket upgrades, so this rejects pages served from other sites.
func LocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return isLoopbackName(u.Hostname())
}

// LocalHost reports whether the Host header is an IP literal or a localhost
// name. A DNS-rebound request carries the attacker's domain here.
func LocalHost(r *http.Request) bool {
	host := r.Host
	if host == "" {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if net.ParseIP(host) != nil {
		return true
	}
	return isLoopbackName(host)
}

// LoopbackRemote reports whether r came from 127.0.0.0/8 or ::1.
func LoopbackRemote(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
