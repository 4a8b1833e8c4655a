package notifier

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateURL checks that a webhook destination is a usable public
// address. Loopback, private, link-local (including cloud metadata
// services) and unspecified addresses are rejected so a user-supplied
// URL can never be used to reach internal infrastructure. Hostnames
// are resolved and every returned address must pass.
func ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkAddr(ip)
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("webhook host %q is not a public address", host)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve webhook host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(ip net.IP) error {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return fmt.Errorf("webhook address %s is not a public address", ip)
	}
	return nil
}
