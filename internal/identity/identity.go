// Package identity resolves public hostnames to tunnel identities.
//
// An identity is either a token (ephemeral, one per tunnel) parsed from
// <token>.<tunnel-domain>, or an alias (persistent, resolved to a token by
// the control plane) parsed from <alias>.<alias-domain>.
package identity

import (
	"net"
	"regexp"
	"strings"
)

// Kind distinguishes token hosts from alias hosts.
type Kind int

const (
	KindToken Kind = iota
	KindAlias
)

// Identity is a parsed public hostname.
type Identity struct {
	Kind  Kind
	Label string // token or alias, lowercased
}

// reservedAliases are rejected locally before any control-plane lookup.
var reservedAliases = map[string]struct{}{
	"www": {}, "api": {}, "x": {}, "t": {}, "docs": {},
	"support": {}, "status": {}, "health": {}, "mail": {},
}

var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9]{3,64}$`)

// Reserved reports whether alias is in the compiled-in reserved set.
func Reserved(alias string) bool {
	_, ok := reservedAliases[alias]
	return ok
}

// ValidToken reports whether tok matches the token character class.
func ValidToken(tok string) bool {
	return tokenPattern.MatchString(tok)
}

// StripPort removes any port from a Host header value and lowercases it.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// ParseHost classifies a Host header value against the configured domains.
// It returns false for hosts outside both domains, multi-label prefixes,
// malformed tokens, and reserved aliases.
func ParseHost(host, tunnelDomain, aliasDomain string) (Identity, bool) {
	h := StripPort(host)

	if tunnelDomain != "" {
		if label, ok := singleLabel(h, tunnelDomain); ok {
			if !ValidToken(label) {
				return Identity{}, false
			}
			return Identity{Kind: KindToken, Label: label}, true
		}
	}
	if aliasDomain != "" {
		if label, ok := singleLabel(h, aliasDomain); ok {
			if Reserved(label) {
				return Identity{}, false
			}
			return Identity{Kind: KindAlias, Label: label}, true
		}
	}
	return Identity{}, false
}

// IsTunnelHost reports whether host falls under either configured domain,
// used to keep introspection paths from shadowing tunnel traffic.
func IsTunnelHost(host, tunnelDomain, aliasDomain string) bool {
	h := StripPort(host)
	if tunnelDomain != "" && strings.HasSuffix(h, "."+strings.ToLower(tunnelDomain)) {
		return true
	}
	if aliasDomain != "" && strings.HasSuffix(h, "."+strings.ToLower(aliasDomain)) {
		return true
	}
	return false
}

// singleLabel extracts the left-most label when h is exactly one label under
// domain.
func singleLabel(h, domain string) (string, bool) {
	suffix := "." + strings.ToLower(domain)
	if !strings.HasSuffix(h, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(h, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}
