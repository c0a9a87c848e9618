package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"

	"github.com/nerrad567/dcp-core/internal/session"
)

// Device classes reported in session records.
const (
	deviceDesktop = "Desktop"
	deviceMobile  = "Mobile"
	deviceBot     = "Bot"
)

// clientIP returns the first X-Forwarded-For entry, or the host part of
// RemoteAddr. The header is caller supplied, so the result is only fit
// for display in session records.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// proxySet holds the peers whose X-Forwarded-For header is believed.
type proxySet []netip.Prefix

// parseTrustedProxies accepts single addresses and CIDR ranges.
func parseTrustedProxies(entries []string) (proxySet, error) {
	set := make(proxySet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if prefix, err := netip.ParsePrefix(e); err == nil {
			set = append(set, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", e)
		}
		set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return set, nil
}

func (p proxySet) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// limitIP is the address rate limits are keyed on. It is the peer unless
// the peer is a trusted proxy, in which case X-Forwarded-For is walked
// from the right and the first hop that is not a trusted proxy wins.
func (p proxySet) limitIP(r *http.Request) string {
	peer := remoteHost(r)
	if !p.trusts(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			return peer
		}
		if !p.trusts(hop) {
			return hop
		}
	}
	return peer
}

// clientMeta describes the caller of r for the session record.
func clientMeta(r *http.Request) session.ClientMeta {
	raw := r.UserAgent()
	ua := useragent.New(raw)

	browser, version := ua.Browser()
	if browser != "" && version != "" {
		browser += " " + version
	}

	device := deviceDesktop
	switch {
	case ua.Bot():
		device = deviceBot
	case ua.Mobile():
		device = deviceMobile
	}

	country := strings.ToUpper(strings.TrimSpace(r.Header.Get("CF-IPCountry")))
	if country == "" {
		country = session.DefaultCountry
	}

	return session.ClientMeta{
		IP:        clientIP(r),
		UserAgent: raw,
		Browser:   browser,
		OS:        ua.OS(),
		Device:    device,
		Country:   country,
	}
}
