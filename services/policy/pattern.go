package policy

import (
	"regexp"
	"strings"
)

// pattern is a wildcard matcher compiled once at load time. Each `*` matches
// any run of characters, including path separators, anchored to the full
// string: "/image/*" matches "/image/diagram" and "/image/a/b" but not
// "/images".
type pattern struct {
	literal string
	re      *regexp.Regexp
}

func compilePattern(raw string) pattern {
	if !strings.Contains(raw, "*") {
		return pattern{literal: raw}
	}
	parts := strings.Split(raw, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	// Wildcard segments become ".*"; the expression is always valid.
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	return pattern{re: re}
}

func (p pattern) match(value string) bool {
	if p.re == nil {
		return p.literal == value
	}
	return p.re.MatchString(value)
}

// compiledPolicy pairs a Policy with its precompiled matchers so evaluation
// never re-derives a pattern per request.
type compiledPolicy struct {
	Policy
	actions   []pattern
	resources []pattern
}

func compilePolicy(p Policy) compiledPolicy {
	cp := compiledPolicy{Policy: p}
	for _, a := range p.Actions {
		cp.actions = append(cp.actions, compilePattern(a))
	}
	if p.Resource != nil && !p.Resource.Any {
		for _, t := range p.Resource.Tools {
			cp.resources = append(cp.resources, compilePattern(t))
		}
		for _, e := range p.Resource.Endpoints {
			cp.resources = append(cp.resources, compilePattern(e))
		}
	}
	return cp
}

func (cp compiledPolicy) matches(ctx Context) bool {
	if p := cp.Principal; p != nil && !p.Any {
		if p.Role != "" && ctx.Role != p.Role {
			return false
		}
		if p.UserID != "" && ctx.UserID != p.UserID {
			return false
		}
	}

	actionOK := false
	for _, a := range cp.actions {
		if a.match(ctx.Action) {
			actionOK = true
			break
		}
	}
	if !actionOK {
		return false
	}

	// A present matcher restricts to its patterns; with no patterns and no
	// Any it matches nothing. Only an absent matcher (or Any) is open.
	if cp.Resource != nil && !cp.Resource.Any {
		for _, r := range cp.resources {
			if r.match(ctx.Resource) {
				return true
			}
		}
		return false
	}

	return true
}
