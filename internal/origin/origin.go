// Package origin validates browser Origin headers for the signaling
// WebSocket and the CORS-enabled HTTP endpoints.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] (lower-cased, default port dropped) together with the
// host[:port] part used for same-host comparisons.
//
// The opaque origin "null" is accepted and returned with an empty host.
func NormalizeHeader(header string) (normalized string, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to a server reached
// at requestHost (the request's Host header).
//
// A non-empty allowList is authoritative: an entry matches when it is "*" or
// equals normalizedOrigin. With an empty allowList only same-host origins are
// accepted. The scheme is not compared, since TLS is commonly terminated by a
// reverse proxy in front of the relay.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowList []string) bool {
	if len(allowList) > 0 {
		for _, allowed := range allowList {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	if !ok {
		return false
	}
	return reqHost == originHost
}

// canonicalHost lower-cases an authority, validates its port and drops the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", false
		}
		hostname = authority[:end+1]
		rest := authority[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", false
			}
			port = rest[1:]
			if port == "" {
				return "", false
			}
		}
		if len(hostname) <= 2 {
			return "", false
		}
	} else {
		switch strings.Count(authority, ":") {
		case 0:
		case 1:
			hostname, port, _ = strings.Cut(authority, ":")
			if hostname == "" || port == "" {
				return "", false
			}
		default:
			// Unbracketed IPv6 literal.
			return "", false
		}
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			return hostname, true
		}
		return hostname + ":" + strconv.FormatUint(n, 10), true
	}
	return hostname, true
}
