// Package privacy scrubs credentials, hosts and paths from messages that
// leave the machine, such as telemetry events.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// Pre-compiled patterns, ScrubMessage runs on every reported error
var (
	// Broker, database and web URLs
	urlPattern = regexp.MustCompile(`\b(?:tcp|ssl|tls|mqtt|mqtts|ws|wss|https?|mysql)://\S+`)

	// go-sql-driver DSNs: user:password@tcp(host:port)/db
	dsnPattern = regexp.MustCompile(`\S+:\S*@(?:tcp|unix)\([^)]*\)(?:/\S*)?`)

	// Home directories reveal the operator's user name
	homePattern = regexp.MustCompile(`(/home/|/Users/)[^/\s]+`)

	// host:port pairs left after URL scrubbing, as in "dial tcp 10.0.0.5:3306"
	hostPortPattern = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{1,5})\b`)
)

// ScrubMessage removes or anonymizes sensitive information from a message.
// URLs become stable hashes so repeated failures still group together.
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	message = dsnPattern.ReplaceAllString(message, "[DSN]")
	message = homePattern.ReplaceAllString(message, "${1}[USER]")
	return hostPortPattern.ReplaceAllStringFunc(message, func(s string) string {
		m := hostPortPattern.FindStringSubmatch(s)
		return categorizeHost(m[1]) + ":" + m[2]
	})
}

// AnonymizeURL converts a URL to an anonymized form. Scheme, host category,
// port and path shape feed a hash; credentials and names do not.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var normalizedParts []string
	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}
	if host := parsedURL.Hostname(); host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}
	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		normalizedParts = append(normalizedParts, anonymizePath(parsedURL.Path))
	}

	hash := sha256.Sum256([]byte(strings.Join(normalizedParts, ":")))
	return fmt.Sprintf("url-%x", hash[:12])
}

// categorizeHost replaces a host with its kind.
func categorizeHost(host string) string {
	if host == "localhost" {
		return "localhost"
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		switch {
		case addr.IsLoopback():
			return "localhost"
		case addr.IsPrivate(), addr.IsLinkLocalUnicast():
			return "private-ip"
		default:
			return "public-ip"
		}
	}

	// Only the TLD of a domain name is kept
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "domain-" + parts[len(parts)-1]
	}
	return "unknown-host"
}

// anonymizePath keeps the number of segments and hashes each one.
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	var segments []string
	for segment := range strings.SplitSeq(path, "/") {
		if segment == "" {
			continue
		}
		if isNumeric(segment) {
			segments = append(segments, "numeric")
			continue
		}
		hash := sha256.Sum256([]byte(segment))
		segments = append(segments, fmt.Sprintf("seg-%x", hash[:4]))
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
