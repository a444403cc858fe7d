// Package ipfilter restricts network services to configured addresses and prefixes
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks if IP addresses are allowed
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New creates a new IP filter from a list of IPs/CIDRs.
// An empty list allows everything. Invalid entries are logged and skipped.
func New(allowed []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry)
			continue
		}
		addr = addr.Unmap()
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return f
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Count returns the number of allowed prefixes
func (f *Filter) Count() int {
	return len(f.prefixes)
}

// IsAllowed checks if the address is allowed
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if len(f.prefixes) == 0 {
		return true
	}

	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedString parses and checks an IP string. Unparseable input is denied
// unless filtering is off.
func (f *Filter) IsAllowedString(s string) bool {
	if !f.Enabled() {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return f.IsAllowed(addr)
}

// IsAllowedAddr checks a host:port network address
func (f *Filter) IsAllowedAddr(addr net.Addr) bool {
	if !f.Enabled() {
		return true
	}
	if addr == nil {
		return false
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return f.IsAllowed(ap.Addr())
	}
	return f.IsAllowedString(addr.String())
}

// ClientIP extracts the client IP from an HTTP request.
// X-Forwarded-For and X-Real-IP take priority over RemoteAddr.
func ClientIP(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr, true
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr, true
		}
	}

	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr(), true
	}
	addr, err := netip.ParseAddr(r.RemoteAddr)
	return addr, err == nil
}

// Middleware returns an HTTP middleware that filters requests by IP
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ip, ok := ClientIP(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(ip) {
			f.logger.Warn("access denied by IP filter", "ip", ip.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
