// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photoweb

import (
	"net/http"
	"regexp"
	"strings"
)

// getClientIPRegExp is used by the function getClientIP.
var getClientIPRegExp = regexp.MustCompile(`(?i:(?:^|;)for=([^,; ]+))`)

// getClientIP returns the client IP taken from the first existing header in
// this order: 'Forwarded', 'X-Forwarded-For', or 'X-Real-Ip', falling back
// to r.RemoteAddr. The value doubles as the rate-limit client identity, so
// it is always a bare IP without port and never the empty string: a header
// whose client value is empty falls through to the next source.
//
// The forwarding headers are trusted as written, so the service must run
// behind a reverse proxy that sets or strips them. On a directly exposed
// listener a client could pick its own identity through them.
//
// NOTE: it doesn't check that the IP value from whatever source is a well
// formatted IP v4 nor v6; an invalid formatted IP will return an undefined
// result.
func getClientIP(r *http.Request) string {
	h := r.Header.Get("Forwarded")
	if h != "" {
		// Get the first value of the 'for' identifier present in the header
		// because it's the one that contains the client IP.
		// see: https://datatracker.ietf.org/doc/html/rfc7239
		matches := getClientIPRegExp.FindStringSubmatch(h)
		if len(matches) > 1 {
			ip := strings.Trim(matches[1], `"`)
			ip = stripPort(ip)
			if len(ip) > 1 && ip[0] == '[' {
				ip = ip[1 : len(ip)-1]
			}
			if ip != "" {
				return ip
			}
		}
	}

	h = r.Header.Get("X-Forwarded-For")
	if h != "" {
		// Header syntax: X-Forwarded-For: <client>, <proxy1>, <proxy2>
		ip := strings.TrimSpace(strings.SplitN(h, ",", 2)[0])
		if ip != "" {
			return ip
		}
	}

	h = r.Header.Get("X-Real-Ip")
	if h != "" {
		return h
	}

	return stripPort(r.RemoteAddr)
}

// stripPort strips the port from addr when it has it and returns the host
// part. A host can be a hostname or an IP v4 or an IP v6.
//
// NOTE: this function expects a well-formatted address. An invalid addr
// produces an unspecified value.
func stripPort(addr string) string {
	if addr == "" {
		return ""
	}

	// It's an IP v6 with port.
	if addr[0] == '[' {
		idx := strings.LastIndex(addr, ":")
		if idx <= 1 {
			return addr
		}
		return addr[1 : idx-1]
	}

	// It's an IP v4 with port.
	if strings.Count(addr, ":") == 1 {
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			return addr
		}
		return addr[0:idx]
	}

	// It's an IP v4 or v6 without port.
	return addr
}
