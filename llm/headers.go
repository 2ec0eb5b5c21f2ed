package llm

import (
	"net/http"
	"regexp"
)

// HeaderRuleKind is one of the four rule shapes spec §4.3 defines.
type HeaderRuleKind string

const (
	HeaderForward         HeaderRuleKind = "forward"
	HeaderInsert          HeaderRuleKind = "insert"
	HeaderRemove          HeaderRuleKind = "remove"
	HeaderRenameDuplicate HeaderRuleKind = "rename_duplicate"
)

// HeaderRule is one declared header-transform rule. Name is an exact match;
// Pattern (mutually exclusive with Name) is a case-insensitive regex over
// header names, used by forward and remove rules.
type HeaderRule struct {
	Kind    HeaderRuleKind
	Name    string
	Pattern *regexp.Regexp
	Default string // forward: value used when the source header is absent
	Rename  string // forward/rename_duplicate: destination header name
	Value   string // insert: the literal value to set
}

func (r HeaderRule) matches(name string) bool {
	if r.Pattern != nil {
		return r.Pattern.MatchString(name)
	}
	return r.Name != "" && hasHeaderName(name, r.Name)
}

func hasHeaderName(a, b string) bool {
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}

// ApplyHeaderRules builds the outbound header set for one upstream call. It
// evaluates rules in declaration order (spec §9 Open Question, decided:
// "evaluate in declaration order" — a remove after a forward of the same
// header wins, and vice versa). Model-level rules must already have
// replaced provider-level rules by the time they reach this function; the
// caller (router dispatch) resolves that precedence, not this function.
func ApplyHeaderRules(rules []HeaderRule, inbound http.Header) http.Header {
	out := http.Header{}
	for _, rule := range rules {
		switch rule.Kind {
		case HeaderForward:
			applyForward(out, inbound, rule)
		case HeaderInsert:
			out.Set(rule.Name, rule.Value)
		case HeaderRemove:
			removeMatching(out, rule)
		case HeaderRenameDuplicate:
			applyRenameDuplicate(out, inbound, rule)
		}
	}
	return out
}

func applyForward(out, inbound http.Header, rule HeaderRule) {
	if rule.Pattern != nil {
		for name, vals := range inbound {
			if rule.Pattern.MatchString(name) {
				out[name] = append([]string(nil), vals...)
			}
		}
		return
	}
	v := inbound.Get(rule.Name)
	if v == "" {
		v = rule.Default
	}
	if v == "" {
		return
	}
	dest := rule.Name
	if rule.Rename != "" {
		dest = rule.Rename
	}
	out.Set(dest, v)
}

func removeMatching(out http.Header, rule HeaderRule) {
	if rule.Pattern != nil {
		for name := range out {
			if rule.Pattern.MatchString(name) {
				out.Del(name)
			}
		}
		return
	}
	out.Del(rule.Name)
}

func applyRenameDuplicate(out, inbound http.Header, rule HeaderRule) {
	v := inbound.Get(rule.Name)
	if v == "" {
		v = rule.Default
	}
	if v == "" {
		return
	}
	out.Set(rule.Name, v)
	out.Set(rule.Rename, v)
}
