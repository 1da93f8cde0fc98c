package router

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/identity"
)

// Rule is one compiled entry of the policy table
type Rule struct {
	ID      string
	Prefix  string
	Service string
	Auth    identity.Mode
	Role    string

	segments  []string
	rewrites  []rewrite
	configIdx int // insertion order for tie-breaking
}

type rewrite struct {
	re          *regexp.Regexp
	replacement string
}

// Router matches request paths against the policy table. Rules are fixed
// at construction.
type Router struct {
	rules    []*Rule // sorted longest prefix first, then registration order
	prefixes []string
}

// New compiles the rule table.
func New(routes []config.RouteConfig) (*Router, error) {
	r := &Router{}
	seen := make(map[string]bool)

	for i, rc := range routes {
		mode, err := identity.ParseMode(rc.Auth)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		rule := &Rule{
			ID:        rc.ID,
			Prefix:    Normalize(rc.Prefix),
			Service:   rc.Service,
			Auth:      mode,
			Role:      rc.Role,
			configIdx: i,
		}
		rule.segments = splitPath(rule.Prefix)

		for j, rw := range rc.Rewrite {
			re, err := regexp.Compile(rw.Pattern)
			if err != nil {
				return nil, fmt.Errorf("route %s: rewrite %d: %w", rc.ID, j, err)
			}
			rule.rewrites = append(rule.rewrites, rewrite{re: re, replacement: rw.Replacement})
		}

		r.rules = append(r.rules, rule)
		if !seen[rule.Prefix] {
			seen[rule.Prefix] = true
			r.prefixes = append(r.prefixes, rule.Prefix)
		}
	}

	// Sort by segment count descending; stable keeps registration order for ties
	sort.SliceStable(r.rules, func(i, j int) bool {
		return len(r.rules[i].segments) > len(r.rules[j].segments)
	})

	return r, nil
}

// Match returns the rule governing path. The longest matching segment
// prefix wins; identical prefixes resolve to the first registered rule.
func (r *Router) Match(p string) (*Rule, bool) {
	segments := splitPath(Normalize(p))
	for _, rule := range r.rules {
		if pathHasPrefix(segments, rule.segments) {
			return rule, true
		}
	}
	return nil, false
}

// Prefixes returns the distinct rule prefixes in registration order.
func (r *Router) Prefixes() []string {
	out := make([]string, len(r.prefixes))
	copy(out, r.prefixes)
	return out
}

// Rules returns the rules in match order.
func (r *Router) Rules() []*Rule {
	out := make([]*Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Rewrite applies each rewrite in order, each at most once to its first
// match. A path no pattern matches is returned unchanged.
func (rule *Rule) Rewrite(p string) string {
	if len(rule.rewrites) == 0 {
		return p
	}
	out := p
	for _, rw := range rule.rewrites {
		loc := rw.re.FindStringSubmatchIndex(out)
		if loc == nil {
			continue
		}
		expanded := rw.re.ExpandString(nil, rw.replacement, out, loc)
		out = out[:loc[0]] + string(expanded) + out[loc[1]:]
	}
	if out == p {
		return p
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// Normalize collapses repeated slashes and resolves dot segments. A
// trailing slash is preserved.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// splitPath splits a path into non-empty segments.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}
