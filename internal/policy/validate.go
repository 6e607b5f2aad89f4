package policy

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/raaihank/moltshield/internal/vault"
)

var xmlNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9._-]*$`)

// Validate checks a policy for structural errors. It rejects empty patterns,
// unknown actions, parameters that do not belong to the rule's action,
// malformed globs and ambiguous tag shadowing.
func Validate(p *Policy) error {
	if p == nil {
		return &ConfigError{Rule: -1, Field: "policy", Err: fmt.Errorf("policy is nil")}
	}

	for i, r := range p.Rules {
		if strings.TrimSpace(r.TagPattern) == "" {
			return ruleError(i, "tag_pattern", "must not be empty")
		}
		if !r.Action.Valid() {
			return ruleError(i, "action", "unknown action %q", r.Action)
		}
		if r.Params != nil && r.Params.action() != r.Action {
			return ruleError(i, "parameters", "%T does not apply to action %s", r.Params, r.Action)
		}
		if _, err := compilePattern(r.TagPattern); err != nil {
			return ruleError(i, "tag_pattern", "%v", err)
		}
		if s := r.ShadowAs(); s != "" && !xmlNamePattern.MatchString(s) {
			return ruleError(i, "parameters.shadow_as", "%q is not a valid tag name", s)
		}
		if mp, ok := r.Params.(MaskParams); ok && mp.PlaceholderPrefix != "" && !vault.ValidPrefix(mp.PlaceholderPrefix) {
			return ruleError(i, "parameters.placeholder_prefix", "%q must be a letter followed by letters or digits and end with an underscore", mp.PlaceholderPrefix)
		}
	}

	return validateShadowing(p)
}

// validateShadowing requires every generic tag name to map back to exactly
// one proprietary source, across the shadow map and per-rule shadow names.
// A per-rule shadow name needs an exact tag pattern, and no generic name may
// equal another proprietary tag the policy names.
func validateShadowing(p *Policy) error {
	sources := make(map[string]string)

	keys := make([]string, 0, len(p.ShadowMap))
	for k := range p.ShadowMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, from := range keys {
		to := p.ShadowMap[from]
		if from == "" || to == "" {
			return &ConfigError{Rule: -1, Field: "shadow_map", Err: fmt.Errorf("empty tag in mapping %q -> %q", from, to)}
		}
		if !xmlNamePattern.MatchString(to) {
			return &ConfigError{Rule: -1, Field: "shadow_map", Err: fmt.Errorf("%q is not a valid tag name", to)}
		}
		if prev, ok := sources[to]; ok && prev != from {
			return &ConfigError{Rule: -1, Field: "shadow_map", Err: fmt.Errorf("tags %q and %q both shadow to %q", prev, from, to)}
		}
		sources[to] = from
	}

	for i, r := range p.Rules {
		to := r.ShadowAs()
		if to == "" {
			continue
		}
		from := strings.TrimSpace(r.TagPattern)
		if strings.ContainsAny(from, "/*?[") {
			return ruleError(i, "parameters.shadow_as", "requires an exact tag pattern, got %q", from)
		}
		if prev, ok := sources[to]; ok && prev != from {
			return ruleError(i, "parameters.shadow_as", "%q already shadows %q", to, prev)
		}
		sources[to] = from
	}

	proprietary := make(map[string]bool, len(p.ShadowMap)+len(p.Rules))
	for from := range p.ShadowMap {
		proprietary[from] = true
	}
	for _, r := range p.Rules {
		if from := strings.TrimSpace(r.TagPattern); !strings.ContainsAny(from, "/*?[") {
			proprietary[from] = true
		}
	}
	generic := make([]string, 0, len(sources))
	for to := range sources {
		generic = append(generic, to)
	}
	sort.Strings(generic)
	for _, to := range generic {
		if from := sources[to]; from != to && proprietary[to] {
			return &ConfigError{Rule: -1, Field: "shadow_map", Err: fmt.Errorf("generic name %q for %q collides with proprietary tag %q", to, from, to)}
		}
	}
	return nil
}

// pattern is a compiled tag pattern.
type pattern struct {
	exact    string
	segments []string
	anchored bool
}

func compilePattern(raw string) (*pattern, error) {
	raw = strings.TrimSpace(raw)
	if !strings.ContainsAny(raw, "/*?[") {
		return &pattern{exact: raw}, nil
	}

	p := &pattern{anchored: strings.HasPrefix(raw, "/")}
	for _, seg := range strings.Split(strings.Trim(raw, "/"), "/") {
		if seg == "" {
			return nil, fmt.Errorf("empty segment in %q", raw)
		}
		if seg != "**" {
			if _, err := path.Match(seg, ""); err != nil {
				return nil, fmt.Errorf("bad glob segment %q: %w", seg, err)
			}
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

// match reports whether the pattern accepts the tag path (root first, node
// last). Unanchored globs match any suffix of the path.
func (p *pattern) match(tags []string) bool {
	if p.segments == nil {
		return len(tags) > 0 && tags[len(tags)-1] == p.exact
	}
	if p.anchored {
		return matchSegments(p.segments, tags)
	}
	for i := range tags {
		if matchSegments(p.segments, tags[i:]) {
			return true
		}
	}
	return false
}

func matchSegments(segs, tags []string) bool {
	for len(segs) > 0 {
		if segs[0] == "**" {
			rest := segs[1:]
			for i := 0; i <= len(tags); i++ {
				if matchSegments(rest, tags[i:]) {
					return true
				}
			}
			return false
		}
		if len(tags) == 0 {
			return false
		}
		if ok, _ := path.Match(segs[0], tags[0]); !ok {
			return false
		}
		segs, tags = segs[1:], tags[1:]
	}
	return len(tags) == 0
}
