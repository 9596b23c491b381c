package netguard

import (
	"net/netip"
	"strings"
)

// blockedPrefixes are address ranges that must never be reached from a
// provider request: loopback, private, link-local (cloud metadata lives at
// 169.254.169.254), carrier-grade NAT, multicast, broadcast and unspecified.
var blockedPrefixes []netip.Prefix

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"224.0.0.0/4",
		"255.255.255.255/32",
		"::/128",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
	} {
		blockedPrefixes = append(blockedPrefixes, netip.MustParsePrefix(cidr))
	}
}

var (
	nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour   = netip.MustParsePrefix("2002::/16")
)

// IsPrivate reports whether addr falls in a blocked range. IPv4-mapped and
// NAT64 or 6to4 addresses are checked against the IPv4 address they embed.
func IsPrivate(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap().WithZone("")
	if addr.Is6() {
		b := addr.As16()
		switch {
		case nat64Prefix.Contains(addr):
			return IsPrivate(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
		case sixToFour.Contains(addr):
			return IsPrivate(netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}))
		}
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// blockedHostnames resolve to internal services on common platforms.
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.aws.internal",
	"instance-data",
	"instance-data.ec2.internal",
}

func isBlockedHostname(host string, extra []string) bool {
	if strings.HasSuffix(host, ".localhost") {
		return true
	}
	for _, list := range [][]string{blockedHostnames, extra} {
		for _, b := range list {
			if host == b {
				return true
			}
			if strings.HasPrefix(b, "*.") && strings.HasSuffix(host, b[1:]) {
				return true
			}
		}
	}
	return false
}

// looksNumeric reports whether host is made only of numeric or hex labels,
// the shapes some resolvers accept as IPv4 shorthand ("127.1", "0x7f.1",
// "2130706433").
func looksNumeric(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return false
		}
		l := strings.ToLower(label)
		if strings.HasPrefix(l, "0x") {
			l = l[2:]
			if l == "" {
				return true
			}
			for _, c := range l {
				if !strings.ContainsRune("0123456789abcdef", c) {
					return false
				}
			}
			continue
		}
		for _, c := range l {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
