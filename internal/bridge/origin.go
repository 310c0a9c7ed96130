// Package bridge embeds sibling applications behind an origin-filtered message
// channel. A Window tracks the load lifecycle of one embedded application and
// enforces its origin policy; a Relay carries the messages over WebSocket.
package bridge

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

type policyKind int

const (
	policyDefault policyKind = iota
	policyExplicit
	policyAll
)

// OriginPolicy decides which origins may exchange messages with an embedded
// window. It is one of three variants: an explicit set built with Origins, the
// wildcard built with AllOrigins, or the zero value, which resolves at window
// construction to the hosting page's origin plus the embed source's origin.
type OriginPolicy struct {
	kind    policyKind
	origins map[string]struct{}
}

// Origins returns a policy trusting exactly the given origins. Empty entries
// are ignored.
func Origins(origins ...string) OriginPolicy {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "" {
			continue
		}
		set[normalizeOrigin(o)] = struct{}{}
	}
	return OriginPolicy{kind: policyExplicit, origins: set}
}

// AllOrigins returns the wildcard policy, trusting every origin.
func AllOrigins() OriginPolicy {
	return OriginPolicy{kind: policyAll}
}

// Allows reports whether messages from the given origin may be forwarded.
func (p OriginPolicy) Allows(origin string) bool {
	if p.kind == policyAll {
		return true
	}
	_, ok := p.origins[normalizeOrigin(origin)]
	return ok
}

// IsWildcard reports whether the policy trusts every origin.
func (p OriginPolicy) IsWildcard() bool {
	return p.kind == policyAll
}

// List returns the trusted origins in sorted order. It is empty for the
// wildcard variant and for an unresolved default policy.
func (p OriginPolicy) List() []string {
	out := make([]string, 0, len(p.origins))
	for o := range p.origins {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// resolve pins the default variant to the page and target origins. Explicit and
// wildcard policies pass through untouched.
func (p OriginPolicy) resolve(pageOrigin, targetOrigin string) OriginPolicy {
	if p.kind != policyDefault {
		return p
	}
	resolved := Origins(pageOrigin, targetOrigin)
	resolved.kind = policyDefault
	return resolved
}

// UnmarshalYAML accepts the policy's config forms: the scalar "*" for the
// wildcard, or a sequence of origins for an explicit set. An absent field
// leaves the zero value, i.e. the default variant.
func (p *OriginPolicy) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "*" {
			*p = AllOrigins()
			return nil
		}
		if s == "" {
			*p = OriginPolicy{}
			return nil
		}
		return fmt.Errorf("origins must be \"*\" or a list, got %q", s)
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*p = Origins(list...)
		return nil
	default:
		return fmt.Errorf("origins must be \"*\" or a list")
	}
}

// ResolveOrigin extracts the origin of an absolute URL the way browsers do:
// lowercase scheme and host, default ports stripped.
func ResolveOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q is not absolute", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}

	return scheme + "://" + host, nil
}

// normalizeOrigin canonicalizes an origin string for comparison, falling back
// to a lowercased copy when it does not parse as an absolute URL.
func normalizeOrigin(origin string) string {
	resolved, err := ResolveOrigin(origin)
	if err != nil {
		return strings.ToLower(origin)
	}
	return resolved
}
