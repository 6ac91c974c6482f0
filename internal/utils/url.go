package utils

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// sourceURLPattern accepts a scheme, a host with a TLD or a dotted quad, an
// optional port and an optional path.
var sourceURLPattern = regexp.MustCompile(
	`^[a-z]+://([^/:]+\.[a-z]{2,10}|([0-9]{1,3}\.){3}[0-9]{1,3})(:[0-9]+)?(/.*)?$`,
)

// ValidateSourceURL reports whether raw is an acceptable source location.
func ValidateSourceURL(raw string) error {
	if !sourceURLPattern.MatchString(raw) {
		return fmt.Errorf("not a url: %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a url: %w", err)
	}
	host := u.Hostname()
	if strings.Count(host, ".") == 3 && strings.Trim(host, "0123456789.") == "" {
		if net.ParseIP(host) == nil {
			return fmt.Errorf("invalid address %q", host)
		}
		return nil
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(host); err != nil {
		return fmt.Errorf("invalid host %q: %w", host, err)
	}
	// Unlisted TLDs come back as a single label with icann=false.
	if suffix, icann := publicsuffix.PublicSuffix(host); !icann && !strings.Contains(suffix, ".") {
		return fmt.Errorf("unknown top-level domain in %q", host)
	}
	return nil
}
